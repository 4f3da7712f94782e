package httpapi_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/pipelined/internal/httpapi"
	"github.com/pipelined/pipelined/internal/pipeline"
	"github.com/pipelined/pipelined/internal/resilience"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeReader struct {
	stats       httpapi.Stats
	statsErr    error
	runs        []pipeline.Run
	runsErr     error
	getRun      pipeline.Run
	getRunOK    bool
	getRunErr   error
	calls       []resilience.ProviderCall
	dlq         []pipeline.DeadLetterEntry
	series      []httpapi.LatencyBucket
	lastFilter  httpapi.RunFilter
	lastDLQ     httpapi.DLQFilter
	lastProvide httpapi.ProviderCallFilter
}

func (f *fakeReader) Stats(context.Context, httpapi.RunFilter) (httpapi.Stats, error) {
	return f.stats, f.statsErr
}

func (f *fakeReader) ListRuns(_ context.Context, filter httpapi.RunFilter) ([]pipeline.Run, error) {
	f.lastFilter = filter
	return f.runs, f.runsErr
}

func (f *fakeReader) GetRun(context.Context, uuid.UUID) (pipeline.Run, bool, error) {
	return f.getRun, f.getRunOK, f.getRunErr
}

func (f *fakeReader) ListProviderCalls(_ context.Context, filter httpapi.ProviderCallFilter) ([]resilience.ProviderCall, error) {
	f.lastProvide = filter
	return f.calls, nil
}

func (f *fakeReader) ListDeadLetters(_ context.Context, filter httpapi.DLQFilter) ([]pipeline.DeadLetterEntry, error) {
	f.lastDLQ = filter
	return f.dlq, nil
}

func (f *fakeReader) LatencySeries(context.Context, httpapi.SeriesFilter) ([]httpapi.LatencyBucket, error) {
	return f.series, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

type fakeCounter struct{ n int }

func (c fakeCounter) ConnectionCount() int { return c.n }

func TestHealthz(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader, httpapi.WithConnectionCounter(fakeCounter{n: 3}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["connections"])
}

func TestReadyz_PingFails(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader, httpapi.WithPinger(fakePinger{err: errors.New("db down")}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz_Ready(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader, httpapi.WithPinger(fakePinger{}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListRuns_FilterParsing(t *testing.T) {
	reader := &fakeReader{runs: []pipeline.Run{{ID: uuid.New()}}}
	engine := httpapi.New(reader)

	orgID := uuid.New()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet,
		"/pulse/pipeline-runs?service=chat&success=true&org_id="+orgID.String()+"&hours=6&limit=10&offset=5", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "chat", reader.lastFilter.Service)
	require.NotNil(t, reader.lastFilter.Success)
	assert.True(t, *reader.lastFilter.Success)
	require.NotNil(t, reader.lastFilter.OrgID)
	assert.Equal(t, orgID, *reader.lastFilter.OrgID)
	assert.Equal(t, 10, reader.lastFilter.Limit)
	assert.Equal(t, 5, reader.lastFilter.Offset)
	assert.WithinDuration(t, time.Now().Add(-6*time.Hour), reader.lastFilter.Since, 5*time.Second)
}

func TestListRuns_InvalidOrgID(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/pipeline-runs?org_id=not-a-uuid", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_NotFound(t *testing.T) {
	reader := &fakeReader{getRunOK: false}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/pipeline-runs/"+uuid.New().String(), nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRun_InvalidID(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/pipeline-runs/not-a-uuid", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun_Found(t *testing.T) {
	run := pipeline.Run{ID: uuid.New(), Service: "chat"}
	reader := &fakeReader{getRun: run, getRunOK: true}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/pipeline-runs/"+run.ID.String(), nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body pipeline.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, run.ID, body.ID)
}

func TestListProviderCalls(t *testing.T) {
	reader := &fakeReader{calls: []resilience.ProviderCall{{ID: uuid.New(), Provider: "openai"}}}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/provider-calls?provider=openai&service=chat", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "openai", reader.lastProvide.Provider)
	assert.Equal(t, "chat", reader.lastProvide.Service)
}

func TestListDeadLetters(t *testing.T) {
	reader := &fakeReader{dlq: []pipeline.DeadLetterEntry{{ID: uuid.New(), Status: "pending"}}}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/dlq?status=pending", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pending", reader.lastDLQ.Status)
}

func TestStats_ReaderError(t *testing.T) {
	reader := &fakeReader{statsErr: errors.New("boom")}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/stats", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestLatencySeries_DefaultWindow(t *testing.T) {
	reader := &fakeReader{series: []httpapi.LatencyBucket{{RunCount: 2}}}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/latency-series", nil)
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string][]httpapi.LatencyBucket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["buckets"], 1)
}

func TestLatencySeries_InvalidHours(t *testing.T) {
	reader := &fakeReader{}
	engine := httpapi.New(reader)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/pulse/latency-series?hours=-1", nil)
	engine.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
