package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"docmem-go/internal/config"
	"docmem-go/internal/tracing"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/lifecycle"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var minioTracer = otel.Tracer("docmem-go/storage/minio")

// DocumentArchive 归档上传的原始文档
type DocumentArchive interface {
	ArchiveDocument(ctx context.Context, userID, jobID string, data []byte) (string, error)
}

var _ DocumentArchive = (*MinIO)(nil)

// MinIO 保存原始 PDF
type MinIO struct {
	client *minio.Client
	cfg    *config.MinIOConfig
	bucket string
	logger zerolog.Logger
}

// NewMinIO 创建客户端并确保存储桶存在
func NewMinIO(ctx context.Context, cfg *config.MinIOConfig, logger zerolog.Logger) (*MinIO, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MinIO配置不能为空")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("创建MinIO客户端失败: %w", err)
	}

	bucket := cfg.DocumentsBucket
	if bucket == "" {
		bucket = "documents"
	}
	m := &MinIO{client: client, cfg: cfg, bucket: bucket, logger: logger}

	if err := m.ensureBucketExists(ctx, cfg.Location); err != nil {
		return nil, err
	}
	if cfg.DocumentExpireDays > 0 {
		if err := m.setupLifecycle(ctx, cfg.DocumentExpireDays); err != nil {
			logger.Warn().Err(err).Str("bucket", bucket).Msg("设置生命周期规则失败")
		}
	}
	logger.Info().Str("endpoint", cfg.Endpoint).Str("bucket", bucket).Msg("MinIO客户端初始化完成")
	return m, nil
}

func (m *MinIO) ensureBucketExists(ctx context.Context, location string) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶 %s 是否存在时出错: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: location}); err != nil {
		return fmt.Errorf("创建存储桶 %s 失败: %w", m.bucket, err)
	}
	m.logger.Info().Str("bucket", m.bucket).Msg("已创建存储桶")
	return nil
}

func (m *MinIO) setupLifecycle(ctx context.Context, expiryDays int) error {
	lc := lifecycle.NewConfiguration()
	lc.Rules = []lifecycle.Rule{{
		ID:     "expire-documents",
		Status: "Enabled",
		Expiration: lifecycle.Expiration{
			Days: lifecycle.ExpirationDays(expiryDays),
		},
	}}
	return m.client.SetBucketLifecycle(ctx, m.bucket, lc)
}

// DocumentObjectKey 原始文档的对象路径
func DocumentObjectKey(userID, jobID string) string {
	return fmt.Sprintf("documents/%s/%s.pdf", userID, jobID)
}

// ArchiveDocument 上传原始 PDF，返回对象路径
func (m *MinIO) ArchiveDocument(ctx context.Context, userID, jobID string, data []byte) (string, error) {
	key := DocumentObjectKey(userID, jobID)
	ctx, span := minioTracer.Start(ctx, "MinIO.ArchiveDocument",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.bucket", m.bucket),
			attribute.String("storage.object", key),
			attribute.Int("storage.size", len(data)),
		))
	defer span.End()

	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/pdf"})
	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeObjectStore)
		return "", fmt.Errorf("上传对象 %s/%s 失败: %w", m.bucket, key, err)
	}
	return key, nil
}

// GetDocument 读取归档的原始文档
func (m *MinIO) GetDocument(ctx context.Context, objectKey string) ([]byte, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("获取对象 %s 失败: %w", objectKey, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取对象 %s 失败: %w", objectKey, err)
	}
	return data, nil
}
