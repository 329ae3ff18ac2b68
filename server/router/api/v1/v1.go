package v1

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/ai/cluster"
	"github.com/hrygo/memosense/server/internal/observability"
	ratelimit "github.com/hrygo/memosense/server/middleware"
	"github.com/hrygo/memosense/server/runner/embedding"
	"github.com/hrygo/memosense/server/service/semantic"
	"github.com/hrygo/memosense/server/similarity"
)

// SemanticService is what the HTTP surface needs from the semantic subsystem.
type SemanticService interface {
	EmbedSource(ctx context.Context, sourceID string, onProgress embedding.ProgressFunc) (*embedding.SourceResult, error)
	FindSimilarToSource(ctx context.Context, sourceID string, threshold float64, limit int) ([]*similarity.RankedResult, error)
	SemanticSearch(ctx context.Context, query string, threshold float64, limit int) ([]*similarity.RankedResult, error)
	ClusterAll(ctx context.Context, maxK int, opts ...cluster.Option) ([]cluster.Cluster, error)
	CacheClear(ctx context.Context, namespace string)
	Status() *semantic.Status
}

type APIV1Service struct {
	Profile  *profile.Profile
	Semantic SemanticService

	rateLimiter *ratelimit.RateLimiter
}

func NewAPIV1Service(profile *profile.Profile, svc SemanticService) *APIV1Service {
	return &APIV1Service{
		Profile:     profile,
		Semantic:    svc,
		rateLimiter: ratelimit.NewRateLimiter(profile.AIRateLimit, int(2*profile.AIRateLimit)),
	}
}

// RegisterRoutes registers the semantic API with the given Echo instance.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	group := echoServer.Group("/api/v1")
	group.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) {
			return true, nil
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"*"},
	}))
	group.Use(requestContextMiddleware)

	group.GET("/status", s.GetStatus)
	group.DELETE("/cache/:namespace", s.ClearCache)
	group.POST("/sources/:id/embeddings", s.EmbedSource, s.rateLimiter.Middleware())
	group.GET("/sources/:id/similar", s.FindSimilar)
	group.GET("/search", s.SemanticSearch, s.rateLimiter.Middleware())
	group.GET("/clusters", s.ListClusters)
}

// requestContextMiddleware attaches a request-scoped logger to the request context.
func requestContextMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := c.Request()
		reqCtx := observability.NewRequestContextWithID(nil, req.Header.Get(echo.HeaderXRequestID), c.Path())
		c.Response().Header().Set(echo.HeaderXRequestID, reqCtx.RequestID)
		c.SetRequest(req.WithContext(observability.WithRequestContext(req.Context(), reqCtx)))
		return next(c)
	}
}
