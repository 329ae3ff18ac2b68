package v1

import (
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/labstack/echo/v4"

	"github.com/hrygo/memosense/plugin/ai/cluster"
	aierrors "github.com/hrygo/memosense/server/internal/errors"
	"github.com/hrygo/memosense/server/similarity"
)

const (
	maxQueryLength = 1000
	minQueryLength = 2
	maxLimit       = 50

	defaultSearchThreshold  = 0.5
	defaultSimilarThreshold = 0.7
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// RankedResponse wraps search and similarity results.
type RankedResponse struct {
	Results []*similarity.RankedResult `json:"results"`
}

// ClusterResponse wraps clustering results.
type ClusterResponse struct {
	Clusters []cluster.Cluster `json:"clusters"`
}

// EmbedSource regenerates the embeddings of a source.
// POST /api/v1/sources/:id/embeddings
func (s *APIV1Service) EmbedSource(c echo.Context) error {
	result, err := s.Semantic.EmbedSource(c.Request().Context(), c.Param("id"), nil)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// FindSimilar lists sources similar to a source.
// GET /api/v1/sources/:id/similar?threshold=0.7&limit=10
func (s *APIV1Service) FindSimilar(c echo.Context) error {
	threshold, limit, err := rankingParams(c, defaultSimilarThreshold)
	if err != nil {
		return writeError(c, err)
	}
	results, err := s.Semantic.FindSimilarToSource(c.Request().Context(), c.Param("id"), threshold, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, RankedResponse{Results: results})
}

// SemanticSearch searches sources by meaning.
// GET /api/v1/search?q=...&threshold=0.5&limit=10
func (s *APIV1Service) SemanticSearch(c echo.Context) error {
	query := strings.TrimSpace(c.QueryParam("q"))
	n := utf8.RuneCountInString(query)
	if n > maxQueryLength {
		return writeError(c, aierrors.InvalidArgument("query too long").WithContext("max", maxQueryLength))
	}
	if n < minQueryLength {
		return writeError(c, aierrors.InvalidArgument("query too short").WithContext("min", minQueryLength))
	}
	threshold, limit, err := rankingParams(c, defaultSearchThreshold)
	if err != nil {
		return writeError(c, err)
	}
	results, err := s.Semantic.SemanticSearch(c.Request().Context(), query, threshold, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, RankedResponse{Results: results})
}

// ListClusters groups every embedded source.
// GET /api/v1/clusters?max_k=10
func (s *APIV1Service) ListClusters(c echo.Context) error {
	maxK := 0
	if raw := c.QueryParam("max_k"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return writeError(c, aierrors.InvalidArgument("max_k must be a positive integer"))
		}
		maxK = v
	}
	clusters, err := s.Semantic.ClusterAll(c.Request().Context(), maxK)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, ClusterResponse{Clusters: clusters})
}

// ClearCache clears one result cache namespace; "all" clears everything.
// DELETE /api/v1/cache/:namespace
func (s *APIV1Service) ClearCache(c echo.Context) error {
	namespace := c.Param("namespace")
	if namespace == "all" {
		namespace = ""
	}
	s.Semantic.CacheClear(c.Request().Context(), namespace)
	return c.NoContent(http.StatusNoContent)
}

func rankingParams(c echo.Context, defaultThreshold float64) (float64, int, error) {
	threshold := defaultThreshold
	if raw := c.QueryParam("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < -1 || v > 1 {
			return 0, 0, aierrors.InvalidArgument("threshold must be a number in [-1, 1]")
		}
		threshold = v
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			return 0, 0, aierrors.InvalidArgument("limit must be a non-negative integer")
		}
		limit = v
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return threshold, limit, nil
}

func writeError(c echo.Context, err error) error {
	aiErr := aierrors.FromError(err)
	return c.JSON(aierrors.HTTPStatus(aiErr.Code), ErrorResponse{
		Code:  string(aiErr.Code),
		Error: aiErr.Error(),
	})
}
