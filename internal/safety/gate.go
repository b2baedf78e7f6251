package safety

import (
	"context"
	"fmt"
	"log/slog"

	"PhonePilot/internal/action"
	"PhonePilot/internal/apps"
	xerrors "PhonePilot/internal/errors"
	"PhonePilot/pkg/logger"
)

// ConfirmFunc 是宿主提供的确认回调：输入待执行敏感动作的可读描述，
// 返回人工决策，允许同步阻塞。
type ConfirmFunc func(ctx context.Context, description string) (bool, error)

// TakeoverFunc 是宿主提供的接管回调：阻塞到人工完成指定的手动步骤。
type TakeoverFunc func(ctx context.Context, reason string) error

// Gate 按规则表对动作做敏感分类，并在执行前征求人工确认。
type Gate struct {
	table   *RuleTable
	catalog *apps.Catalog
}

// NewGate 构造安全门。catalog 可为 nil，此时分类约束不生效。
func NewGate(table *RuleTable, catalog *apps.Catalog) *Gate {
	if table == nil {
		table = NewRuleTable()
	}
	return &Gate{table: table, catalog: catalog}
}

// Classify 判断动作是否敏感，命中时返回规则。foreground 是当前前台
// 应用的包名：不携带目标应用的动作（tap、text 等）按前台应用归类，
// 支付应用内的文本输入因此能命中分类规则。前台未知时传空串，
// 此时包名与分类约束不生效。
func (g *Gate) Classify(act action.Action, foreground string) (Rule, bool) {
	target := act.Package
	if target == "" {
		target = foreground
	}
	category := ""
	if target != "" && g.catalog != nil {
		category = g.catalog.CategoryOf(target)
	}
	for _, rule := range g.table.Rules {
		if rule.matches(act.Kind, target, category) {
			return rule, true
		}
	}
	return Rule{}, false
}

// Confirm 针对一个敏感动作恰好发起一次人工确认并返回其结果。
// 返回 false 表示人工拒绝，调用方必须立即终止且不得触达设备。
func (g *Gate) Confirm(ctx context.Context, act action.Action, rule Rule, confirm ConfirmFunc) (bool, error) {
	if confirm == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "未配置确认回调")
	}

	description := act.Describe()
	if rule.Description != "" {
		description = fmt.Sprintf("%s（%s）", description, rule.Description)
	}

	approved, err := confirm(ctx, description)
	if err != nil {
		return false, fmt.Errorf("确认回调执行失败: %w", err)
	}
	logger.Audit().Info("敏感动作确认",
		slog.String("rule", rule.Name),
		slog.String("action", string(act.Kind)),
		slog.String("description", description),
		slog.Bool("approved", approved),
	)
	return approved, nil
}

// AwaitTakeover 挂起当前运行直到人工接管完成。只阻塞本次运行，
// 不影响其他设备上的并发任务。恢复后调用方必须重新截屏。
func AwaitTakeover(ctx context.Context, reason string, takeover TakeoverFunc) error {
	if takeover == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置接管回调")
	}
	logger.Audit().Info("等待人工接管", slog.String("reason", reason))
	if err := takeover(ctx, reason); err != nil {
		return fmt.Errorf("接管回调执行失败: %w", err)
	}
	logger.Audit().Info("人工接管完成", slog.String("reason", reason))
	return nil
}
