package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"futures-trader/internal/config"
	"futures-trader/internal/snapshot"
)

// Client 封装对决策模型的调用，负责提示词拼装、重试与输出解析。
type Client struct {
	cfg    config.OpenAIConfig
	logger *zap.Logger
	sdk    *openai.Client
}

// NewClient 使用给定配置创建决策客户端。
func NewClient(cfg config.OpenAIConfig, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api_key 不能为空")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai model 不能为空")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sdkConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		sdkConfig.BaseURL = cfg.BaseURL
	}
	sdkConfig.HTTPClient = &http.Client{
		Timeout: cfg.Timeout + 5*time.Second,
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		sdk:    openai.NewClientWithConfig(sdkConfig),
	}, nil
}

// DecidePlan 根据账户状态与行情快照获取交易计划。
// 非法的单条指令被剔除并告警，整体解析失败时按配置重试。
func (c *Client) DecidePlan(ctx context.Context, account AccountState, payloads map[string]snapshot.Payload) (Plan, error) {
	userPrompt, err := BuildPrompt(account, payloads, time.Now())
	if err != nil {
		return Plan{}, err
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Plan{}, ctxErr
		}

		plan, err := c.requestOnce(ctx, userPrompt)
		if err == nil {
			c.logger.Info("模型决策生成成功",
				zap.Int("actions", len(plan.Actions)),
				zap.Int("attempt", attempt),
			)
			return plan, nil
		}

		lastErr = err
		if !isRetryableRequestError(err) {
			return Plan{}, fmt.Errorf("模型调用遇到永久性错误: %w", err)
		}
		c.logger.Warn("模型决策失败",
			zap.Int("attempt", attempt),
			zap.Error(err),
		)

		if attempt < c.cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return Plan{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}

	return Plan{}, fmt.Errorf("模型决策重试耗尽: %w", lastErr)
}

func (c *Client) requestOnce(ctx context.Context, userPrompt string) (Plan, error) {
	response, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		Temperature: 0,
	})
	if err != nil {
		return Plan{}, fmt.Errorf("调用模型失败: %w", err)
	}

	rawContent := ""
	if len(response.Choices) > 0 {
		rawContent = response.Choices[0].Message.Content
	}
	return c.planFromContent(rawContent), nil
}

// planFromContent 解析模型输出。
// 空输出与无法解析的输出都按"本轮无指令"处理，而非整轮失败。
func (c *Client) planFromContent(raw string) Plan {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		c.logger.Warn("模型返回内容为空，本轮视为无指令")
		return Plan{}
	}

	plan, err := ParsePlan(raw)
	if err != nil {
		c.logger.Warn("解析模型输出失败，本轮视为无指令",
			zap.Error(err),
			zap.String("raw_content", raw),
		)
		return Plan{}
	}

	return c.filterPlan(plan)
}

// isRetryableRequestError 区分瞬时错误与永久性错误：
// 限流与服务端错误可重试，其余客户端错误（如鉴权、参数非法）重试无意义。
func isRetryableRequestError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return true
		}
		return apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	// 非 API 错误视为网络/超时类瞬时故障。
	return true
}

// filterPlan 剔除非法指令，保留可执行部分。
func (c *Client) filterPlan(plan Plan) Plan {
	valid := make([]Action, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		if err := action.Validate(); err != nil {
			c.logger.Warn("剔除非法指令",
				zap.String("pair", action.Pair),
				zap.String("action", string(action.Action)),
				zap.Error(err),
			)
			continue
		}
		valid = append(valid, action)
	}
	plan.Actions = valid
	return plan
}

// ParsePlan 从模型输出中提取第一个完整 JSON 对象并解析为 Plan。
// 模型偶尔会在 JSON 前后附带说明文字或代码块标记。
func ParsePlan(content string) (Plan, error) {
	payload, err := extractFirstJSONObject(content)
	if err != nil {
		return Plan{}, err
	}

	var plan Plan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return Plan{}, fmt.Errorf("解析计划JSON失败: %w", err)
	}
	return plan, nil
}

// extractFirstJSONObject 用括号配对扫描提取第一个平衡的 JSON 对象，
// 正确处理字符串内部的花括号与转义。
func extractFirstJSONObject(content string) ([]byte, error) {
	start := strings.Index(content, "{")
	if start == -1 {
		return nil, fmt.Errorf("模型输出未找到JSON对象: %s", content)
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(content); i++ {
		ch := content[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return []byte(content[start : i+1]), nil
			}
		}
	}

	return nil, fmt.Errorf("模型输出JSON不完整: %s", content)
}
