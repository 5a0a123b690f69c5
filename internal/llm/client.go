package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sashabaranov/go-openai/jsonschema"
	"go.uber.org/zap"

	"inboxzero/pkg/circuitbreaker"
	"inboxzero/pkg/config"
	"inboxzero/pkg/logger"
	"inboxzero/pkg/metrics"
	"inboxzero/pkg/util"
)

var (
	ErrEmptyResponse = errors.New("llm returned no choices")
	ErrNoToolCall    = errors.New("llm did not call the requested tool")
)

// Tool 强制模型调用的函数定义
type Tool struct {
	Name        string
	Description string
	Parameters  jsonschema.Definition
}

// Client 流水线使用的模型调用接口
type Client interface {
	// CompleteJSON 以 JSON 模式返回消息内容
	CompleteJSON(ctx context.Context, operation, system, user string) (string, error)
	// CallTool 强制调用 tool，返回参数 JSON
	CallTool(ctx context.Context, operation, system, user string, tool Tool) (string, error)
	// Complete 普通文本补全
	Complete(ctx context.Context, operation, system, user string) (string, error)
}

// OpenAIClient go-openai 的实现，带熔断与指标
type OpenAIClient struct {
	api     *openai.Client
	model   string
	timeout time.Duration
	cb      *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewOpenAIClient(cfg config.LLMConfig, log *zap.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm api key is not configured")
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Minute
	}

	cbConfig := circuitbreaker.DefaultConfig("llm")
	cbConfig.FailureThreshold = 3
	cbConfig.IsFailure = func(err error) bool {
		// 4xx（除限流）是请求本身的问题，不计入熔断
		info := util.IsRetryableError(err)
		return info.Retryable || info.Status == 0
	}

	return &OpenAIClient{
		api:     openai.NewClientWithConfig(apiCfg),
		model:   model,
		timeout: timeout,
		cb:      circuitbreaker.NewCircuitBreaker(cbConfig),
		logger:  log,
	}, nil
}

func (c *OpenAIClient) CompleteJSON(ctx context.Context, operation, system, user string) (string, error) {
	req := c.request(system, user)
	req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}

	resp, err := c.create(ctx, operation, req)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) CallTool(ctx context.Context, operation, system, user string, tool Tool) (string, error) {
	req := c.request(system, user)
	req.Tools = []openai.Tool{{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		},
	}}
	req.ToolChoice = openai.ToolChoice{
		Type:     openai.ToolTypeFunction,
		Function: openai.ToolFunction{Name: tool.Name},
	}

	resp, err := c.create(ctx, operation, req)
	if err != nil {
		return "", err
	}
	for _, call := range resp.Choices[0].Message.ToolCalls {
		if call.Function.Name == tool.Name {
			return call.Function.Arguments, nil
		}
	}
	return "", ErrNoToolCall
}

func (c *OpenAIClient) Complete(ctx context.Context, operation, system, user string) (string, error) {
	resp, err := c.create(ctx, operation, c.request(system, user))
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) request(system, user string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	}
}

func (c *OpenAIClient) create(ctx context.Context, operation string, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	var resp openai.ChatCompletionResponse

	err := c.cb.Execute(func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		start := time.Now()
		var callErr error
		resp, callErr = c.api.CreateChatCompletion(callCtx, req)
		status := "success"
		if callErr != nil {
			status = "error"
		}
		metrics.RecordLLMCallLatency(operation, status, time.Since(start))
		return callErr
	})
	if err != nil {
		logger.WithTrace(ctx, c.logger).Warn("LLM call failed",
			zap.String("operation", operation),
			zap.String("model", c.model),
			zap.Error(err),
		)
		return nil, fmt.Errorf("llm %s: %w", operation, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	c.logger.Debug("LLM call completed",
		zap.String("operation", operation),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return &resp, nil
}
