package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"PhonePilot/internal/action"
	"PhonePilot/internal/planner"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 HTTP 调用 OpenAI 兼容端点的视觉语言模型能力。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供推理端点 API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Generate 发送感知包并返回模型的原始输出。
func (c *Client) Generate(ctx context.Context, req planner.Request) (*planner.Response, error) {
	payload, err := c.buildPayload(req)
	if err != nil {
		return nil, err
	}

	endpoint := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("构建推理请求失败: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求推理端点失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("推理端点返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析推理响应失败: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("推理响应中没有有效的 choices")
	}

	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return nil, errors.New("推理响应内容为空")
	}

	return &planner.Response{Content: content}, nil
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imagePart struct {
	Type     string `json:"type"`
	ImageURL struct {
		URL string `json:"url"`
	} `json:"image_url"`
}

func (c *Client) buildPayload(req planner.Request) ([]byte, error) {
	userParts := []any{
		textPart{Type: "text", Text: buildUserPrompt(req)},
	}
	if req.Screen.ImageBase64 != "" {
		format := req.Screen.Format
		if format == "" {
			format = "png"
		}
		part := imagePart{Type: "image_url"}
		part.ImageURL.URL = fmt.Sprintf("data:image/%s;base64,%s", format, req.Screen.ImageBase64)
		userParts = append(userParts, part)
	}

	messages := []map[string]any{
		{
			"role":    "system",
			"content": buildSystemPrompt(req),
		},
		{
			"role":    "user",
			"content": userParts,
		},
	}

	body := map[string]any{
		"model":       c.model,
		"messages":    messages,
		"temperature": 0.2,
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("序列化推理请求失败: %w", err)
	}
	return encoded, nil
}

func buildSystemPrompt(req planner.Request) string {
	var builder strings.Builder
	builder.WriteString("You are PhonePilot, an agent that operates an Android phone on the user's behalf. ")
	builder.WriteString("Inspect the screenshot, decide exactly one next action, then stop. ")
	if req.Screen.Width > 0 && req.Screen.Height > 0 {
		builder.WriteString(fmt.Sprintf("The screen is %d x %d pixels, origin at the top-left. ",
			req.Screen.Width, req.Screen.Height))
	}
	if req.Locale != "" {
		builder.WriteString(fmt.Sprintf("Write the thought in the %s locale. ", req.Locale))
	}
	builder.WriteString("If the screen requires login, verification or a human decision, emit an escalate action.\n\n")
	builder.WriteString(action.GrammarPrompt)
	return builder.String()
}

func buildUserPrompt(req planner.Request) string {
	var builder strings.Builder
	builder.WriteString("## 当前任务\n")
	builder.WriteString(fmt.Sprintf("目标: %s\n", strings.TrimSpace(req.Task)))

	if len(req.History) > 0 {
		builder.WriteString("\n## 已执行步骤\n")
		for _, entry := range req.History {
			builder.WriteString(fmt.Sprintf("[%d] 思考:%s | 动作:%s | 结果:%s\n",
				entry.Index,
				truncate(entry.Thought),
				entry.Action.Describe(),
				truncate(entry.Outcome),
			))
		}
	}

	if req.Correction != "" {
		builder.WriteString("\n## 上一轮输出被拒绝\n")
		builder.WriteString(fmt.Sprintf("原因: %s\n请严格按照动作语法重新输出。\n", truncate(req.Correction)))
	}

	builder.WriteString("\n请根据截图给出下一步动作。")
	return builder.String()
}

func truncate(text string) string {
	text = strings.TrimSpace(text)
	if len([]rune(text)) > 120 {
		return string([]rune(text)[:120]) + "..."
	}
	return text
}
