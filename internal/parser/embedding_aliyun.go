package parser

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"docmem-go/internal/config"
	"docmem-go/internal/tracing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const defaultEmbeddingURL = "https://dashscope.aliyuncs.com/compatible-mode/v1/embeddings"

var embedderTracer = otel.Tracer("docmem-go/parser/embedding")

// AliyunEmbedder 通过 OpenAI 兼容接口调用阿里云向量模型，实现 eino embedding.Embedder
type AliyunEmbedder struct {
	apiKey     string
	model      string
	dimensions int
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// AliyunEmbedderOption 选项
type AliyunEmbedderOption func(*AliyunEmbedder)

// WithEmbedderLogger 设置日志
func WithEmbedderLogger(l zerolog.Logger) AliyunEmbedderOption {
	return func(a *AliyunEmbedder) { a.logger = l }
}

// WithEmbedderHTTPClient 替换 HTTP 客户端
func WithEmbedderHTTPClient(c *http.Client) AliyunEmbedderOption {
	return func(a *AliyunEmbedder) { a.httpClient = c }
}

// NewAliyunEmbedder 创建 Embedder
func NewAliyunEmbedder(apiKey string, cfg config.EmbeddingConfig, opts ...AliyunEmbedderOption) (*AliyunEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("API密钥不能为空")
	}
	a := &AliyunEmbedder{
		apiKey:     apiKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     zerolog.Nop(),
	}
	if a.model == "" {
		a.model = "text-embedding-v3"
	}
	if a.baseURL == "" {
		a.baseURL = defaultEmbeddingURL
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// GetDimensions 返回配置的向量维度
func (a *AliyunEmbedder) GetDimensions() int {
	return a.dimensions
}

type embeddingRequest struct {
	Input          any    `json:"input"` // string 或 []string
	Model          string `json:"model"`
	Dimensions     int    `json:"dimensions,omitempty"`
	EncodingFormat string `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// EmbedStrings 实现 embedding.Embedder，返回顺序与输入一致
func (a *AliyunEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	options := embedding.GetCommonOptions(&embedding.Options{Model: &a.model}, opts...)
	modelName := a.model
	if options.Model != nil && *options.Model != "" {
		modelName = *options.Model
	}

	ctx, span := embedderTracer.Start(ctx, "AliyunEmbedder.EmbedStrings")
	defer span.End()
	span.SetAttributes(
		attribute.String("embedding.model", modelName),
		attribute.Int("embedding.input_count", len(texts)),
	)

	var input any = texts
	if len(texts) == 1 {
		input = texts[0]
	}
	payload, err := json.Marshal(embeddingRequest{
		Input:          input,
		Model:          modelName,
		Dimensions:     a.dimensions,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("创建HTTP请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, fmt.Errorf("发送HTTP请求失败: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应体失败: %w", err)
	}

	var parsed embeddingResponse
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("API调用失败, 状态码: %d, 响应: %s", resp.StatusCode, tracing.TruncateString(string(body), 300))
		if json.Unmarshal(body, &parsed) == nil && parsed.Error != nil && parsed.Error.Message != "" {
			err = fmt.Errorf("API调用失败, 状态码: %d, 类型: %s, 错误: %s", resp.StatusCode, parsed.Error.Type, parsed.Error.Message)
		}
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("解析响应JSON失败: %w", err)
	}
	if parsed.Error != nil && parsed.Error.Message != "" {
		err := fmt.Errorf("API返回错误: 类型=%s, 消息=%s, Code=%s", parsed.Error.Type, parsed.Error.Message, parsed.Error.Code)
		tracing.RecordError(span, err, tracing.ErrorTypeLLM)
		return nil, err
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("返回向量数量不匹配: 期望 %d, 实际 %d", len(texts), len(parsed.Data))
	}

	out := make([][]float64, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("返回向量索引越界: %d", d.Index)
		}
		out[d.Index] = d.Embedding
	}

	a.logger.Debug().
		Int("count", len(texts)).
		Int("dim", len(out[0])).
		Int("total_tokens", parsed.Usage.TotalTokens).
		Msg("向量化完成")
	return out, nil
}
