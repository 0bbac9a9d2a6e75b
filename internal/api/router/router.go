package router

import (
	"context"
	"crypto/subtle"

	"docmem-go/internal/api/handler"
	"docmem-go/internal/constants"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
)

// NewServer 创建带链路追踪的 hertz 实例
func NewServer(address string) *server.Hertz {
	tracer, cfg := hertztracing.NewServerTracer()
	h := server.New(
		tracer,
		server.WithHostPorts(address),
		server.WithMaxRequestBodySize(int(constants.MaxUploadBytes)+1<<20),
	)
	h.Use(hertztracing.ServerMiddleware(cfg))
	return h
}

// apiKeyAuth apiKeys 为空时不启用校验
func apiKeyAuth(apiKeys []string) app.HandlerFunc {
	return keyauth.New(
		keyauth.WithKeyLookUp("header:X-API-Key", ""),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			for _, k := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					return true, nil
				}
			}
			return false, nil
		}),
		keyauth.WithErrorHandler(func(_ context.Context, c *app.RequestContext, _ error) {
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"detail": "invalid or missing API key"})
		}),
	)
}

// RegisterRoutes 注册 API 路由
func RegisterRoutes(h *server.Hertz, memHandler *handler.MemoryHandler, apiKeys []string) {
	h.GET("/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "healthy", "service": constants.ServiceName})
	})

	api := h.Group("/api/v1")
	if len(apiKeys) > 0 {
		api.Use(apiKeyAuth(apiKeys))
	}

	mem := api.Group("/memories")
	mem.POST("/process-pdf", memHandler.HandleProcessPDF)
	mem.GET("/job-status/:job_id", memHandler.HandleJobStatus)
	mem.GET("/jobs", memHandler.HandleListJobs)
	mem.POST("/stm", memHandler.HandleAddSTM)
	mem.GET("/stm", memHandler.HandleSTMHistory)
	mem.GET("/ltm", memHandler.HandleLTMHistory)
	mem.GET("/search", memHandler.HandleSearch)
	mem.POST("/cluster", memHandler.HandleCluster)
}
