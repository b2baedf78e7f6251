package action

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// Decision 是规划器单轮输出的完整结构：思考过程加一个动作。
type Decision struct {
	Thought string `json:"thought"`
	Action  Action `json:"action"`
}

// Grammar 的提示说明，随系统提示词发送给规划器，
// 解析端的 ParseDecision 与这里的描述保持一致。
const GrammarPrompt = `Respond with exactly one JSON object and nothing else:
{"thought": string, "action": {"type": ...}}
where "action" is one of:
  {"type":"tap","x":int,"y":int}
  {"type":"swipe","path":[{"x":int,"y":int},{"x":int,"y":int}]}
  {"type":"text","text":string}
  {"type":"key","code":int}
  {"type":"launch","package":string}
  {"type":"wait","duration_ms":int}
  {"type":"escalate","reason":string}
  {"type":"done","status":"success"|"failure","message":string}`

// ParseDecision 将规划器的原始输出解析为 Decision。
// 先按严格 JSON 解析；失败后剥离 Markdown 代码块并通过 jsonrepair
// 容忍轻微的格式漂移，仍失败才返回错误。
func ParseDecision(raw string) (*Decision, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("规划器输出为空")
	}

	decision, strictErr := parseStrict(trimmed)
	if strictErr == nil {
		return decision, nil
	}

	repaired, repairErr := repair(trimmed)
	if repairErr != nil {
		return nil, fmt.Errorf("解析规划器输出失败: %w (修复尝试: %v)", strictErr, repairErr)
	}
	decision, err := parseStrict(repaired)
	if err != nil {
		return nil, fmt.Errorf("解析规划器输出失败: %w", err)
	}
	return decision, nil
}

func parseStrict(raw string) (*Decision, error) {
	var decision Decision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil, err
	}
	if err := decision.Action.Validate(); err != nil {
		return nil, err
	}
	return &decision, nil
}

// repair 剥离围栏代码块并修复常见的 JSON 缺陷（缺引号、尾逗号等）。
func repair(raw string) (string, error) {
	candidate := stripFence(raw)

	// 输出里混有说明文字时，截取首个花括号到最后一个花括号之间的内容。
	if start := strings.Index(candidate, "{"); start > 0 {
		if end := strings.LastIndex(candidate, "}"); end > start {
			candidate = candidate[start : end+1]
		}
	}

	fixed, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return "", err
	}
	return fixed, nil
}

func stripFence(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

// MarshalDecision 将 Decision 序列化为与轨迹记录一致的 JSON 形式。
func MarshalDecision(decision Decision) (string, error) {
	encoded, err := json.Marshal(decision)
	if err != nil {
		return "", fmt.Errorf("序列化决策失败: %w", err)
	}
	return string(encoded), nil
}
