package parser

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"docmem-go/internal/types"
	"docmem-go/internal/utils"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
)

const (
	summaryContentBudget  = 3000
	fallbackContentBudget = 300
	defaultSummaryTemp    = float32(0.3)
)

// ErrNoChatModel 未配置对话模型
var ErrNoChatModel = errors.New("未配置对话模型")

// ErrEmptySummary 模型返回空文本
var ErrEmptySummary = errors.New("模型返回空摘要")

const summaryPromptTemplate = `Summarize the following document section into a clear, factual memory.
Focus on extracting key information that would be useful to remember about the person or topic.
Keep the summary concise but informative (2-4 sentences).

Section Title: %s
Section Type: %s

Content:
%s

Summary:`

// SectionSummarizer 把单个章节压缩成一条记忆文本。
// 自身不做限速，调用方需要经过 ratelimit.Executor。
type SectionSummarizer struct {
	chat        model.BaseChatModel
	temperature float32
	logger      zerolog.Logger
}

// SummarizerOption 选项
type SummarizerOption func(*SectionSummarizer)

// WithSummaryTemperature 覆盖默认温度 0.3
func WithSummaryTemperature(t float32) SummarizerOption {
	return func(s *SectionSummarizer) { s.temperature = t }
}

// WithSummarizerLogger 设置日志
func WithSummarizerLogger(l zerolog.Logger) SummarizerOption {
	return func(s *SectionSummarizer) { s.logger = l }
}

// NewSectionSummarizer chat 可以为 nil，此时始终返回兜底文本
func NewSectionSummarizer(chat model.BaseChatModel, opts ...SummarizerOption) *SectionSummarizer {
	s := &SectionSummarizer{
		chat:        chat,
		temperature: defaultSummaryTemp,
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildPrompt 生成摘要提示词，正文最多取前 3000 个字符
func BuildPrompt(sec types.DocumentSection) string {
	return fmt.Sprintf(summaryPromptTemplate, sec.Title, sec.SectionType, utils.Prefix(sec.Content, summaryContentBudget))
}

// Fallback 外部调用失败时使用的确定性文本
func Fallback(sec types.DocumentSection) string {
	return fmt.Sprintf("[%s] %s...", sec.Title, utils.Prefix(sec.Content, fallbackContentBudget))
}

// TrySummarize 调用模型，失败时返回错误而不是兜底文本，方便调用方区分是否写缓存
func (s *SectionSummarizer) TrySummarize(ctx context.Context, sec types.DocumentSection) (string, error) {
	if s.chat == nil {
		return "", ErrNoChatModel
	}
	msg, err := s.chat.Generate(ctx, []*schema.Message{schema.UserMessage(BuildPrompt(sec))},
		model.WithTemperature(s.temperature))
	if err != nil {
		return "", err
	}
	if msg == nil {
		return "", ErrEmptySummary
	}
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		return "", ErrEmptySummary
	}
	return text, nil
}

// Summarize 返回摘要，任何失败都退回 Fallback
func (s *SectionSummarizer) Summarize(ctx context.Context, sec types.DocumentSection) string {
	text, err := s.TrySummarize(ctx, sec)
	if err != nil {
		s.logger.Warn().Err(err).Str("section", sec.Title).Msg("章节摘要失败，使用兜底文本")
		return Fallback(sec)
	}
	return text
}
