package planner

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"PhonePilot/internal/action"
	xerrors "PhonePilot/internal/errors"
	"PhonePilot/internal/observability/metrics"
	"PhonePilot/pkg/logger"
)

// Screen 是交给规划器的屏幕编码，宽高用于提示坐标系。
type Screen struct {
	ImageBase64 string
	Format      string
	Width       int
	Height      int
}

// HistoryEntry 是滑动窗口中的一步摘要：只保留思考与动作，
// 不携带完整的模型往返，以控制上下文长度。
type HistoryEntry struct {
	Index   int
	Thought string
	Action  action.Action
	Outcome string
}

// Request 描述一次规划调用的感知包。
type Request struct {
	Task    string
	Locale  string
	History []HistoryEntry
	Screen  Screen
	// Correction 非空时表示这是一次纠错重询，内容为上一轮的校验错误。
	Correction string
}

// Response 是推理端点返回的原始文本。
type Response struct {
	Content string
}

// Client 定义了调用视觉语言模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Planner 在 Client 之上实现重试与纠错重询策略：
// 网络错误按指数退避重试至固定上限，耗尽后报 PLANNER_TIMEOUT；
// 输出不符合动作语法时恰好发起一次带解析错误的重询，
// 第二次仍不合法报 PLANNER_PARSE_ERROR，绝不无限循环。
type Planner struct {
	client      Client
	maxRetries  int
	baseBackoff time.Duration
	logger      *slog.Logger
}

// Option 定义可选的 Planner 配置。
type Option func(*Planner)

// WithMaxRetries 设置网络重试上限，0 表示首次失败即放弃；负值被忽略。
func WithMaxRetries(retries int) Option {
	return func(p *Planner) {
		if retries >= 0 {
			p.maxRetries = retries
		}
	}
}

// WithBackoff 设置首次重试的退避时长，之后按指数增长。
func WithBackoff(backoff time.Duration) Option {
	return func(p *Planner) {
		if backoff > 0 {
			p.baseBackoff = backoff
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(log *slog.Logger) Option {
	return func(p *Planner) {
		p.logger = log
	}
}

// New 创建 Planner。
func New(client Client, opts ...Option) *Planner {
	p := &Planner{
		client:      client,
		maxRetries:  3,
		baseBackoff: time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.logger == nil {
		p.logger = logger.Named("planner")
	}
	return p
}

// Plan 发送感知包并返回解析后的决策。
func (p *Planner) Plan(ctx context.Context, req Request) (*action.Decision, error) {
	if p.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置规划器客户端")
	}

	resp, err := p.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	decision, parseErr := action.ParseDecision(resp.Content)
	if parseErr == nil {
		return decision, nil
	}

	// 恰好一次纠错重询，把解析错误回传给模型。
	p.logger.Warn("规划器输出不符合语法，发起纠错重询",
		slog.String("error", parseErr.Error()))
	req.Correction = parseErr.Error()
	resp, err = p.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	decision, parseErr = action.ParseDecision(resp.Content)
	if parseErr != nil {
		return nil, xerrors.Wrap(xerrors.CodePlannerParseError, parseErr, "纠错重询后输出仍不符合动作语法")
	}
	return decision, nil
}

// generate 调用推理端点，网络错误按指数退避重试。
func (p *Planner) generate(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	backoff := p.baseBackoff
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		started := time.Now()
		resp, err := p.client.Generate(ctx, req)
		metrics.ObservePlannerLatency(time.Since(started))
		if err == nil {
			return resp, nil
		}
		if stdErrors.Is(err, context.Canceled) {
			return nil, err
		}
		lastErr = err
		p.logger.Warn("规划器调用失败",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return nil, xerrors.Wrap(xerrors.CodePlannerTimeout, lastErr,
		fmt.Sprintf("规划器调用在 %d 次重试后仍然失败", p.maxRetries))
}
