package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docmem-go/internal/tracing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicChatModel 基于 anthropic-sdk-go 的对话模型
type AnthropicChatModel struct {
	client      anthropic.Client
	modelName   string
	temperature float32
	maxTokens   int
	logger      zerolog.Logger
}

var _ model.BaseChatModel = (*AnthropicChatModel)(nil)

// NewAnthropicChatModel 创建客户端。baseURL 为空时使用官方地址
func NewAnthropicChatModel(apiKey, modelName, baseURL string, opts ...ChatModelOption) (*AnthropicChatModel, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("API 密钥不能为空")
	}
	if strings.TrimSpace(modelName) == "" {
		modelName = defaultAnthropicModel
	}
	s := applyChatOptions(opts)

	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithRequestTimeout(s.timeout),
		// 重试交给任务队列
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	if s.httpClient != nil {
		clientOpts = append(clientOpts, option.WithHTTPClient(s.httpClient))
	}

	return &AnthropicChatModel{
		client:      anthropic.NewClient(clientOpts...),
		modelName:   modelName,
		temperature: s.temperature,
		maxTokens:   s.maxTokens,
		logger:      s.logger,
	}, nil
}

// Generate 实现 model.BaseChatModel。system 消息合并进 System 字段
func (m *AnthropicChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	options := model.GetCommonOptions(&model.Options{
		Temperature: &m.temperature,
		MaxTokens:   &m.maxTokens,
		Model:       &m.modelName,
	}, opts...)

	ctx, span := chatTracer.Start(ctx, "AnthropicChatModel.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", *options.Model))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(*options.Model),
		MaxTokens: int64(*options.MaxTokens),
	}
	if options.Temperature != nil {
		params.Temperature = anthropic.Float(float64(*options.Temperature))
	}
	if len(options.Stop) > 0 {
		params.StopSequences = options.Stop
	}

	var system []string
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			system = append(system, msg.Content)
		case schema.Assistant:
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("没有可发送的消息")
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("Anthropic 调用失败: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	m.logger.Debug().
		Str("model", *options.Model).
		Int64("input_tokens", resp.Usage.InputTokens).
		Int64("output_tokens", resp.Usage.OutputTokens).
		Msg("对话模型调用完成")

	return schema.AssistantMessage(sb.String(), nil), nil
}

// Stream 整体生成后作为单个分片返回
func (m *AnthropicChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}
