package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"docmem-go/internal/config"
	"docmem-go/internal/idgen"
	"docmem-go/internal/tracing"
	"docmem-go/internal/types"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var qdrantTracer = otel.Tracer("docmem-go/storage/qdrant")

// payload 中保留的字段
const (
	qdrantNamespaceKey = "_namespace"
	qdrantVectorIDKey  = "_vector_id"
)

// Qdrant 通过 REST 接口访问 Qdrant。所有命名空间共用一个集合，用 payload 字段过滤
type Qdrant struct {
	endpoint       string
	collectionName string
	apiKey         string
	vectorSize     int
	distanceMetric string
	httpClient     *http.Client
	logger         zerolog.Logger
}

var (
	_ VectorIndex   = (*Qdrant)(nil)
	_ VectorScanner = (*Qdrant)(nil)
)

// QdrantOption 构造选项
type QdrantOption func(*Qdrant)

// WithHttpTimeout 设置HTTP客户端超时
func WithHttpTimeout(timeout time.Duration) QdrantOption {
	return func(q *Qdrant) {
		q.httpClient = &http.Client{Timeout: timeout}
	}
}

// WithQdrantLogger 设置日志
func WithQdrantLogger(l zerolog.Logger) QdrantOption {
	return func(q *Qdrant) { q.logger = l }
}

// NewQdrant 创建客户端并确保集合存在
func NewQdrant(ctx context.Context, cfg *config.QdrantConfig, dimension int, opts ...QdrantOption) (*Qdrant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("qdrant配置不能为空")
	}
	q := &Qdrant{
		endpoint:       cfg.Endpoint,
		collectionName: cfg.Collection,
		apiKey:         cfg.APIKey,
		vectorSize:     dimension,
		distanceMetric: "Cosine",
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         zerolog.Nop(),
	}
	if q.endpoint == "" {
		q.endpoint = "http://localhost:6333"
	}
	if q.collectionName == "" {
		q.collectionName = "memories"
	}
	if q.vectorSize <= 0 {
		q.vectorSize = 1024
	}
	for _, opt := range opts {
		opt(q)
	}

	if err := q.ensureCollectionExists(ctx); err != nil {
		return nil, fmt.Errorf("确保集合 '%s' 存在失败: %w", q.collectionName, err)
	}
	q.logger.Info().Str("endpoint", q.endpoint).Str("collection", q.collectionName).Msg("成功连接到Qdrant")
	return q, nil
}

type qdrantCollectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

func (q *Qdrant) ensureCollectionExists(ctx context.Context) error {
	var info qdrantCollectionInfo
	status, err := q.doRequest(ctx, http.MethodGet, "/collections/"+q.collectionName, nil, &info)
	if status == http.StatusNotFound {
		q.logger.Info().Str("collection", q.collectionName).Msg("集合不存在，将创建新集合")
		return q.createCollection(ctx)
	}
	if err != nil {
		return err
	}

	vec := info.Result.Config.Params.Vectors
	if vec.Size != q.vectorSize || vec.Distance != q.distanceMetric {
		q.logger.Warn().
			Int("existing_size", vec.Size).Str("existing_distance", vec.Distance).
			Int("expected_size", q.vectorSize).Str("expected_distance", q.distanceMetric).
			Msg("现有集合配置与当前配置不匹配")
	}
	return nil
}

func (q *Qdrant) createCollection(ctx context.Context) error {
	body := map[string]any{
		"vectors": map[string]any{
			"size":     q.vectorSize,
			"distance": q.distanceMetric,
		},
	}
	if _, err := q.doRequest(ctx, http.MethodPut, "/collections/"+q.collectionName, body, nil); err != nil {
		return fmt.Errorf("创建集合失败: %w", err)
	}
	// 命名空间过滤走 keyword 索引
	index := map[string]any{"field_name": qdrantNamespaceKey, "field_schema": "keyword"}
	if _, err := q.doRequest(ctx, http.MethodPut, "/collections/"+q.collectionName+"/index?wait=true", index, nil); err != nil {
		return fmt.Errorf("创建命名空间索引失败: %w", err)
	}
	return nil
}

type qdrantPoint struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Upsert 写入或覆盖一个向量。Qdrant 只接受 UUID 作为点 ID，原始 ID 保存在 payload 中
func (q *Qdrant) Upsert(ctx context.Context, id string, vector []float32, metadata map[string]any, namespace string) error {
	if len(vector) == 0 {
		return fmt.Errorf("向量不能为空")
	}
	payload := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		payload[k] = v
	}
	payload[qdrantNamespaceKey] = namespace
	payload[qdrantVectorIDKey] = id

	body := map[string]any{
		"points": []qdrantPoint{{
			ID:      idgen.PointID(namespace, id),
			Vector:  vector,
			Payload: payload,
		}},
	}
	_, err := q.doRequest(ctx, http.MethodPut, "/collections/"+q.collectionName+"/points?wait=true", body, nil)
	return err
}

type qdrantScoredPoint struct {
	ID      any            `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

func namespaceFilter(namespace string) map[string]any {
	return map[string]any{
		"must": []map[string]any{{
			"key":   qdrantNamespaceKey,
			"match": map[string]any{"value": namespace},
		}},
	}
}

// Query 在命名空间内做相似度检索
func (q *Qdrant) Query(ctx context.Context, vector []float32, topK int, namespace string, includeMetadata, includeValues bool) ([]types.VectorMatch, error) {
	if topK <= 0 {
		return nil, nil
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"filter":       namespaceFilter(namespace),
		"with_payload": true,
		"with_vector":  includeValues,
	}
	var resp struct {
		Result []qdrantScoredPoint `json:"result"`
	}
	if _, err := q.doRequest(ctx, http.MethodPost, "/collections/"+q.collectionName+"/points/search", body, &resp); err != nil {
		return nil, err
	}
	out := make([]types.VectorMatch, 0, len(resp.Result))
	for _, p := range resp.Result {
		out = append(out, toVectorMatch(p, includeMetadata, includeValues))
	}
	return out, nil
}

// Scan 使用 scroll 接口枚举命名空间内的向量
func (q *Qdrant) Scan(ctx context.Context, namespace string, limit int) ([]types.VectorMatch, error) {
	if limit <= 0 {
		return nil, nil
	}
	out := make([]types.VectorMatch, 0)
	var offset any
	for len(out) < limit {
		body := map[string]any{
			"filter":       namespaceFilter(namespace),
			"limit":        limit - len(out),
			"with_payload": true,
			"with_vector":  true,
		}
		if offset != nil {
			body["offset"] = offset
		}
		var resp struct {
			Result struct {
				Points         []qdrantScoredPoint `json:"points"`
				NextPageOffset any                 `json:"next_page_offset"`
			} `json:"result"`
		}
		if _, err := q.doRequest(ctx, http.MethodPost, "/collections/"+q.collectionName+"/points/scroll", body, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			out = append(out, toVectorMatch(p, true, true))
		}
		if resp.Result.NextPageOffset == nil || len(resp.Result.Points) == 0 {
			break
		}
		offset = resp.Result.NextPageOffset
	}
	return out, nil
}

func toVectorMatch(p qdrantScoredPoint, includeMetadata, includeValues bool) types.VectorMatch {
	m := types.VectorMatch{Score: p.Score}
	if id, ok := p.Payload[qdrantVectorIDKey].(string); ok {
		m.ID = id
	} else {
		m.ID = fmt.Sprint(p.ID)
	}
	if includeMetadata {
		m.Metadata = make(map[string]any, len(p.Payload))
		for k, v := range p.Payload {
			if k == qdrantNamespaceKey || k == qdrantVectorIDKey {
				continue
			}
			m.Metadata[k] = v
		}
	}
	if includeValues {
		m.Values = p.Vector
	}
	return m
}

// doRequest 发送请求并解析 JSON 响应，返回 HTTP 状态码
func (q *Qdrant) doRequest(ctx context.Context, method, path string, body any, result any) (int, error) {
	ctx, span := qdrantTracer.Start(ctx, fmt.Sprintf("Qdrant %s %s", method, path),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "qdrant"),
		attribute.String("db.collection", q.collectionName),
		attribute.String("http.method", method),
	)

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return 0, fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(data)
		span.SetAttributes(attribute.Int("http.request.body.size", len(data)))
	}

	req, err := http.NewRequestWithContext(ctx, method, q.endpoint+path, reader)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := q.httpClient.Do(req)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return 0, err
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeHTTP)
		return resp.StatusCode, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("qdrant API error: status=%d, body=%s", resp.StatusCode, tracing.TruncateString(string(respBody), 300))
		tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
		return resp.StatusCode, err
	}
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			tracing.RecordError(span, err, tracing.ErrorTypeVectorDB)
			return resp.StatusCode, err
		}
	}
	span.SetStatus(codes.Ok, "")
	return resp.StatusCode, nil
}
