package router

import (
	"context"
	"crypto/subtle"
	"errors"

	"ai-screener-go/internal/api/handler"
	"ai-screener-go/internal/logger"
	"ai-screener-go/internal/metrics"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"
	"github.com/hertz-contrib/keyauth"
)

const (
	// DefaultAPIKeyHeader 运维接口的鉴权头
	DefaultAPIKeyHeader = "X-API-Key"
	requestIDHeader     = "X-Request-ID"
)

var errInvalidAPIKey = errors.New("API Key 无效")

// RegisterRoutes 注册 API 路由。apiKey 为空时运维接口一律拒绝。
func RegisterRoutes(h *server.Hertz, sh *handler.ScreeningHandler, apiKey, apiKeyHeader string) {
	h.Use(RequestID(), metrics.HertzMiddleware())

	api := h.Group("/api/v1")
	auth := APIKeyAuth(apiKey, apiKeyHeader)

	api.POST("/screening/requeue", auth, sh.HandleRequeue)
	api.GET("/screening/results/:application_id", sh.HandleGetResult)
	api.PATCH("/screening/results/:application_id/score", auth, sh.HandleEditScore)
	api.GET("/recommendations/:job_id", sh.HandleListRecommendations)

	// 添加健康检查
	api.GET("/health", handler.HandleHealth)
}

// APIKeyAuth 校验请求头中的 API Key
func APIKeyAuth(apiKey, header string) app.HandlerFunc {
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	return keyauth.New(
		keyauth.WithKeyLookUp("header:"+header, ""),
		keyauth.WithValidator(func(_ context.Context, _ *app.RequestContext, key string) (bool, error) {
			if apiKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				return false, errInvalidAPIKey
			}
			return true, nil
		}),
		keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
			logger.Ctx(ctx).Warn().Err(err).Str("path", string(c.Path())).Msg("运维接口鉴权失败")
			c.AbortWithStatusJSON(consts.StatusUnauthorized, utils.H{"error": "未授权"})
		}),
	)
}

// RequestID 为每个请求生成 X-Request-ID，并放入上下文 logger
func RequestID() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		id := string(c.GetHeader(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		c.Response.Header.Set(requestIDHeader, id)

		l := logger.Ctx(ctx).With().Str("request_id", id).Logger()
		ctx = l.WithContext(ctx)
		c.Next(ctx)
	}
}
