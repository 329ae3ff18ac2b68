package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/ai/cluster"
	"github.com/hrygo/memosense/plugin/ai/vector"
	"github.com/hrygo/memosense/server/internal/observability"
	"github.com/hrygo/memosense/server/runner/embedding"
	"github.com/hrygo/memosense/server/service/semantic"
	"github.com/hrygo/memosense/server/similarity"
	"github.com/hrygo/memosense/store"
)

type fakeSemantic struct {
	err error

	lastThreshold float64
	lastLimit     int
	lastMaxK      int
	lastQuery     string
	cleared       []string
	requestIDs    []string
}

func (f *fakeSemantic) record(ctx context.Context) {
	if reqCtx, ok := observability.FromContext(ctx); ok {
		f.requestIDs = append(f.requestIDs, reqCtx.RequestID)
	}
}

func (f *fakeSemantic) EmbedSource(ctx context.Context, sourceID string, _ embedding.ProgressFunc) (*embedding.SourceResult, error) {
	f.record(ctx)
	if f.err != nil {
		return nil, f.err
	}
	return &embedding.SourceResult{SourceID: sourceID, Chunks: 2}, nil
}

func (f *fakeSemantic) FindSimilarToSource(ctx context.Context, sourceID string, threshold float64, limit int) ([]*similarity.RankedResult, error) {
	f.record(ctx)
	f.lastThreshold, f.lastLimit = threshold, limit
	if f.err != nil {
		return nil, f.err
	}
	return []*similarity.RankedResult{{SourceID: "other", Similarity: 0.8}}, nil
}

func (f *fakeSemantic) SemanticSearch(ctx context.Context, query string, threshold float64, limit int) ([]*similarity.RankedResult, error) {
	f.record(ctx)
	f.lastQuery, f.lastThreshold, f.lastLimit = query, threshold, limit
	if f.err != nil {
		return nil, f.err
	}
	return []*similarity.RankedResult{{SourceID: "n1", Similarity: 0.9, ChunkID: "n1#0"}}, nil
}

func (f *fakeSemantic) ClusterAll(_ context.Context, maxK int, _ ...cluster.Option) ([]cluster.Cluster, error) {
	f.lastMaxK = maxK
	return []cluster.Cluster{{Centroid: []float32{1, 0}, MemberIDs: []string{"n1", "n2"}}}, f.err
}

func (f *fakeSemantic) CacheClear(_ context.Context, namespace string) {
	f.cleared = append(f.cleared, namespace)
}

func (f *fakeSemantic) Status() *semantic.Status {
	return &semantic.Status{Model: "test-model", UsingFallback: true, Metrics: observability.NewMetrics(1).Snapshot()}
}

func newTestServer(t *testing.T, svc *fakeSemantic) *echo.Echo {
	t.Helper()
	e := echo.New()
	NewAPIV1Service(&profile.Profile{Mode: "dev", Version: "test", AIRateLimit: 1000}, svc).RegisterRoutes(e)
	return e
}

func do(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestSemanticSearchHandler(t *testing.T) {
	tests := []struct {
		name          string
		target        string
		wantStatus    int
		wantThreshold float64
		wantLimit     int
	}{
		{name: "defaults", target: "/api/v1/search?q=cats", wantStatus: http.StatusOK, wantThreshold: 0.5},
		{name: "explicit params", target: "/api/v1/search?q=cats&threshold=0.3&limit=5", wantStatus: http.StatusOK, wantThreshold: 0.3, wantLimit: 5},
		{name: "limit capped", target: "/api/v1/search?q=cats&limit=500", wantStatus: http.StatusOK, wantThreshold: 0.5, wantLimit: maxLimit},
		{name: "query too short", target: "/api/v1/search?q=%20a%20", wantStatus: http.StatusBadRequest},
		{name: "single multibyte character too short", target: "/api/v1/search?q=%E7%8C%AB", wantStatus: http.StatusBadRequest},
		{name: "query too long in characters", target: "/api/v1/search?q=" + strings.Repeat("%E7%8C%AB", maxQueryLength+1), wantStatus: http.StatusBadRequest},
		{name: "bad threshold", target: "/api/v1/search?q=cats&threshold=2", wantStatus: http.StatusBadRequest},
		{name: "bad limit", target: "/api/v1/search?q=cats&limit=-1", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeSemantic{}
			rec := do(newTestServer(t, svc), http.MethodGet, tt.target)
			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantStatus != http.StatusOK {
				var body ErrorResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, "INVALID_ARGUMENT", body.Code)
				return
			}
			assert.Equal(t, "cats", svc.lastQuery)
			assert.Equal(t, tt.wantThreshold, svc.lastThreshold)
			assert.Equal(t, tt.wantLimit, svc.lastLimit)

			var body RankedResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			require.Len(t, body.Results, 1)
			assert.Equal(t, "n1#0", body.Results[0].ChunkID)
		})
	}
}

func TestSemanticSearchHandler_CountsCharacters(t *testing.T) {
	svc := &fakeSemantic{}
	query := strings.Repeat("猫", 400)
	rec := do(newTestServer(t, svc), http.MethodGet, "/api/v1/search?q="+url.QueryEscape(query))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, query, svc.lastQuery)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", pkgerrors.Wrap(store.ErrSourceNotFound, "n9"), http.StatusNotFound, "NOT_FOUND"},
		{"dimension mismatch", pkgerrors.Wrap(vector.ErrDimensionMismatch, "compare"), http.StatusConflict, "DIMENSION_MISMATCH"},
		{"storage", &store.StorageError{Op: "list embeddings", Err: pkgerrors.New("down")}, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestServer(t, &fakeSemantic{err: tt.err})
			rec := do(e, http.MethodPost, "/api/v1/sources/n9/embeddings")
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestSourceRoutes(t *testing.T) {
	svc := &fakeSemantic{}
	e := newTestServer(t, svc)

	rec := do(e, http.MethodPost, "/api/v1/sources/n1/embeddings")
	require.Equal(t, http.StatusOK, rec.Code)
	var result embedding.SourceResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, "n1", result.SourceID)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	rec = do(e, http.MethodGet, "/api/v1/sources/n1/similar")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultSimilarThreshold, svc.lastThreshold)

	require.Len(t, svc.requestIDs, 2)
	assert.NotEqual(t, svc.requestIDs[0], svc.requestIDs[1])
}

func TestClusterAndCacheRoutes(t *testing.T) {
	svc := &fakeSemantic{}
	e := newTestServer(t, svc)

	rec := do(e, http.MethodGet, "/api/v1/clusters?max_k=4")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 4, svc.lastMaxK)
	var clusters ClusterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &clusters))
	assert.Equal(t, []string{"n1", "n2"}, clusters.Clusters[0].MemberIDs)

	rec = do(e, http.MethodGet, "/api/v1/clusters?max_k=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(e, http.MethodDelete, "/api/v1/cache/search")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(e, http.MethodDelete, "/api/v1/cache/all")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"search", ""}, svc.cleared)
}

func TestStatusRoute(t *testing.T) {
	rec := do(newTestServer(t, &fakeSemantic{}), http.MethodGet, "/api/v1/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, true, body["using_fallback"])
	assert.Equal(t, "test", body["version"])
	assert.Equal(t, float64(100), body["success_rate"])
}
