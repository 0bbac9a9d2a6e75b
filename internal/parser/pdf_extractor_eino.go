package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/document/parser/pdf"
	einoParser "github.com/cloudwego/eino/components/document/parser"
	"github.com/rs/zerolog"
)

// ErrUnreadableDocument PDF 无法解析或没有任何可提取的文本，重试也不会成功
var ErrUnreadableDocument = errors.New("document is unreadable")

// EinoPDFExtractor 基于 eino PDF parser 按页提取纯文本
type EinoPDFExtractor struct {
	parser  *pdf.PDFParser
	timeout time.Duration
	logger  zerolog.Logger
}

// EinoPDFOption 提取器选项
type EinoPDFOption func(*EinoPDFExtractor)

// WithEinoLogger 设置日志
func WithEinoLogger(l zerolog.Logger) EinoPDFOption {
	return func(e *EinoPDFExtractor) { e.logger = l }
}

// WithParseTimeout 单个文档的解析超时，默认 30 秒
func WithParseTimeout(d time.Duration) EinoPDFOption {
	return func(e *EinoPDFExtractor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// NewEinoPDFExtractor 创建按页输出的提取器
func NewEinoPDFExtractor(ctx context.Context, options ...EinoPDFOption) (*EinoPDFExtractor, error) {
	p, err := pdf.NewPDFParser(ctx, &pdf.Config{
		ToPages: true, // 每页一个 Document，用于估算章节页码
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Eino PDF parser: %w", err)
	}

	e := &EinoPDFExtractor{
		parser:  p,
		timeout: 30 * time.Second,
		logger:  zerolog.Nop(),
	}
	for _, opt := range options {
		opt(e)
	}
	return e, nil
}

// ExtractPages 从 PDF 字节中按页提取文本，uri 仅用于日志和元数据
func (e *EinoPDFExtractor) ExtractPages(ctx context.Context, data []byte, uri string) ([]string, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input for %s", ErrUnreadableDocument, uri)
	}
	return e.ExtractPagesFromReader(ctx, bytes.NewReader(data), uri)
}

// ExtractPagesFromReader 同 ExtractPages，输入为 io.Reader
func (e *EinoPDFExtractor) ExtractPagesFromReader(ctx context.Context, reader io.Reader, uri string) ([]string, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	docs, err := e.parser.Parse(ctx, reader,
		einoParser.WithURI(uri),
		einoParser.WithExtraMeta(map[string]any{"extraction_time": start.Format(time.RFC3339)}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("eino PDF parser timed out for %s: %w", uri, ctxErr)
		}
		return nil, fmt.Errorf("%w: eino PDF parser failed for %s: %v", ErrUnreadableDocument, uri, err)
	}

	pages := make([]string, 0, len(docs))
	totalChars := 0
	for _, doc := range docs {
		pages = append(pages, doc.Content)
		totalChars += len(strings.TrimSpace(doc.Content))
	}
	if totalChars == 0 {
		return nil, fmt.Errorf("%w: no extractable text in %s", ErrUnreadableDocument, uri)
	}

	e.logger.Debug().
		Str("uri", uri).
		Int("pages", len(pages)).
		Int("chars", totalChars).
		Dur("elapsed", time.Since(start)).
		Msg("PDF提取完成")
	return pages, nil
}
