package storage

import (
	"context"
	"errors"
	"fmt"

	"docmem-go/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

type gormSpanKey struct{}

// GormTracingPlugin 在 GORM 回调上挂 OpenTelemetry span
type GormTracingPlugin struct {
	tracer trace.Tracer
	dbName string
}

// NewGormTracingPlugin 创建插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{tracer: mysqlTracer, dbName: dbName}
}

// Name 实现 gorm.Plugin
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 为各类操作注册前后回调
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	pairs := []struct {
		before   func(name string) error
		after    func(name string) error
		gormName string
	}{
		{wrap(cb.Create().Before("gorm:create"), p.before("CREATE")), wrap(cb.Create().After("gorm:create"), p.after()), "create"},
		{wrap(cb.Query().Before("gorm:query"), p.before("SELECT")), wrap(cb.Query().After("gorm:query"), p.after()), "query"},
		{wrap(cb.Update().Before("gorm:update"), p.before("UPDATE")), wrap(cb.Update().After("gorm:update"), p.after()), "update"},
		{wrap(cb.Delete().Before("gorm:delete"), p.before("DELETE")), wrap(cb.Delete().After("gorm:delete"), p.after()), "delete"},
		{wrap(cb.Row().Before("gorm:row"), p.before("ROW")), wrap(cb.Row().After("gorm:row"), p.after()), "row"},
		{wrap(cb.Raw().Before("gorm:raw"), p.before("RAW")), wrap(cb.Raw().After("gorm:raw"), p.after()), "raw"},
	}
	for _, pr := range pairs {
		if err := pr.before("otel:before_" + pr.gormName); err != nil {
			return err
		}
		if err := pr.after("otel:after_" + pr.gormName); err != nil {
			return err
		}
	}
	return nil
}

type callbackRegistrar interface {
	Register(name string, fn func(*gorm.DB)) error
}

func wrap(r callbackRegistrar, fn func(*gorm.DB)) func(string) error {
	return func(name string) error { return r.Register(name, fn) }
}

func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.SkipHooks {
			return
		}
		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}
		table := db.Statement.Table
		if table == "" {
			table = "unknown"
		}

		newCtx, span := p.tracer.Start(ctx, fmt.Sprintf("%s %s", operation, table),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", table),
			))
		db.Statement.Context = context.WithValue(newCtx, gormSpanKey{}, span)
	}
}

func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if db.Statement.Context == nil {
			return
		}
		span, ok := db.Statement.Context.Value(gormSpanKey{}).(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		if sql := db.Statement.SQL.String(); sql != "" {
			span.SetAttributes(attribute.String("db.statement", tracing.SafeSQL(sql)))
		}
		switch {
		case db.Error == nil:
			span.SetStatus(codes.Ok, "")
		case errors.Is(db.Error, gorm.ErrRecordNotFound):
			span.SetAttributes(attribute.String("error.type", "record_not_found"))
			span.SetStatus(codes.Ok, "record not found")
		default:
			tracing.RecordError(span, db.Error, tracing.ErrorTypeDB)
		}
	}
}
