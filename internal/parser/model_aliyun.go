package parser

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

	"docmem-go/internal/tracing"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultQwenAPIURL    = "https://dashscope.aliyuncs.com/compatible-mode/v1/chat/completions"
	defaultQwenModelName = "qwen-turbo"
)

var chatTracer = otel.Tracer("docmem-go/parser/chat")

// AliyunChatModel 通义千问对话模型，走 OpenAI 兼容的 /chat/completions 接口
type AliyunChatModel struct {
	apiKey      string
	modelName   string
	apiURL      string
	temperature float32
	maxTokens   int
	httpClient  *http.Client
	logger      zerolog.Logger
}

var _ model.BaseChatModel = (*AliyunChatModel)(nil)

// ChatModelOption 对话模型通用选项
type ChatModelOption func(*chatModelSettings)

type chatModelSettings struct {
	temperature float32
	maxTokens   int
	timeout     time.Duration
	logger      zerolog.Logger
	httpClient  *http.Client
}

// WithChatTemperature 设置默认温度
func WithChatTemperature(t float32) ChatModelOption {
	return func(s *chatModelSettings) { s.temperature = t }
}

// WithChatMaxTokens 设置默认最大输出 token
func WithChatMaxTokens(n int) ChatModelOption {
	return func(s *chatModelSettings) { s.maxTokens = n }
}

// WithChatTimeout 单次调用超时
func WithChatTimeout(d time.Duration) ChatModelOption {
	return func(s *chatModelSettings) { s.timeout = d }
}

// WithChatLogger 设置日志
func WithChatLogger(l zerolog.Logger) ChatModelOption {
	return func(s *chatModelSettings) { s.logger = l }
}

// WithChatHTTPClient 替换 HTTP 客户端，测试时使用
func WithChatHTTPClient(c *http.Client) ChatModelOption {
	return func(s *chatModelSettings) { s.httpClient = c }
}

func applyChatOptions(opts []ChatModelOption) chatModelSettings {
	s := chatModelSettings{
		temperature: 0.3,
		maxTokens:   512,
		timeout:     60 * time.Second,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// NewAliyunChatModel 创建通义千问客户端
func NewAliyunChatModel(apiKey, modelName, apiURL string, opts ...ChatModelOption) (*AliyunChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("API 密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultQwenModelName
	}
	if strings.TrimSpace(apiURL) == "" {
		apiURL = defaultQwenAPIURL
	}
	s := applyChatOptions(opts)
	client := s.httpClient
	if client == nil {
		client = &http.Client{Timeout: s.timeout}
	}
	return &AliyunChatModel{
		apiKey:      apiKey,
		modelName:   modelName,
		apiURL:      apiURL,
		temperature: s.temperature,
		maxTokens:   s.maxTokens,
		httpClient:  client,
		logger:      s.logger,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float32      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

// Generate 实现 model.BaseChatModel
func (m *AliyunChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{
		Temperature: &m.temperature,
		MaxTokens:   &m.maxTokens,
		Model:       &m.modelName,
	}, opts...)

	ctx, span := chatTracer.Start(ctx, "AliyunChatModel.Generate")
	defer span.End()

	req := chatCompletionRequest{
		Model:       *options.Model,
		Messages:    make([]chatMessage, 0, len(input)),
		Temperature: options.Temperature,
		MaxTokens:   options.MaxTokens,
		Stop:        options.Stop,
	}
	for _, msg := range input {
		if msg == nil {
			continue
		}
		req.Messages = append(req.Messages, chatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.message_count", len(req.Messages)),
	)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("序列化请求体失败: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := m.httpClient.Do(httpReq)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("发送 HTTP 请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		err := fmt.Errorf("通义千问调用失败, 状态码: %d, 响应: %s", httpResp.StatusCode, tracing.TruncateString(string(body), 300))
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}

	var resp chatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}
	if resp.Error != nil && resp.Error.Message != "" {
		err := fmt.Errorf("通义千问返回错误: %s", resp.Error.Message)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("通义千问响应中没有 choices")
	}

	m.logger.Debug().
		Str("model", req.Model).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("对话模型调用完成")

	return schema.AssistantMessage(resp.Choices[0].Message.Content, nil), nil
}

// Stream 不做真正的流式输出，整体生成后作为单个分片返回
func (m *AliyunChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
