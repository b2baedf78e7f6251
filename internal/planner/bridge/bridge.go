package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"PhonePilot/internal/planner"
)

// Client 通过调用本地推理进程实现规划。进程从标准输入读取
// JSON 感知包，向标准输出写出模型的原始回复，适合离线模型部署。
type Client struct {
	command    string
	args       []string
	workingDir string
}

// NewClient 创建本地推理桥客户端。
func NewClient(command string, args []string, workingDir string) (*Client, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("未指定本地推理命令")
	}
	return &Client{
		command:    command,
		args:       args,
		workingDir: workingDir,
	}, nil
}

type bridgePayload struct {
	Task       string              `json:"task"`
	Locale     string              `json:"locale,omitempty"`
	History    []bridgeHistoryItem `json:"history,omitempty"`
	Screenshot string              `json:"screenshot_b64,omitempty"`
	Format     string              `json:"format,omitempty"`
	Width      int                 `json:"width,omitempty"`
	Height     int                 `json:"height,omitempty"`
	Correction string              `json:"correction,omitempty"`
}

type bridgeHistoryItem struct {
	Index   int    `json:"index"`
	Thought string `json:"thought"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
}

// Generate 调用外部进程，并把标准输出作为模型回复返回。
func (c *Client) Generate(ctx context.Context, req planner.Request) (*planner.Response, error) {
	payload := bridgePayload{
		Task:       req.Task,
		Locale:     req.Locale,
		Screenshot: req.Screen.ImageBase64,
		Format:     req.Screen.Format,
		Width:      req.Screen.Width,
		Height:     req.Screen.Height,
		Correction: req.Correction,
	}
	for _, entry := range req.History {
		payload.History = append(payload.History, bridgeHistoryItem{
			Index:   entry.Index,
			Thought: entry.Thought,
			Action:  entry.Action.Describe(),
			Outcome: entry.Outcome,
		})
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("序列化感知包失败: %w", err)
	}

	command := exec.CommandContext(ctx, c.command, c.args...)
	if c.workingDir != "" {
		command.Dir = c.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("执行本地推理进程失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String()))
	}

	content := strings.TrimSpace(stdout.String())
	if content == "" {
		return nil, fmt.Errorf("本地推理进程没有输出")
	}
	return &planner.Response{Content: content}, nil
}
