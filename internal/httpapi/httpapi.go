// Package httpapi serves Pulse, the read-only HTTP surface over pipeline
// runs, provider calls, and the dead-letter queue, plus the liveness and
// readiness probes the deployment platform polls.
//
// Every handler here is read-only — nothing under this package writes to
// the store. Mutating the pipeline substrate happens exclusively through
// internal/handler's WebSocket surface.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Pinger checks connectivity to the backing store, for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// noopPinger reports ready unconditionally, for deployments (tests, the
// in-memory store) with no external dependency to probe.
type noopPinger struct{}

func (noopPinger) Ping(context.Context) error { return nil }

// ConnectionCounter reports how many WebSocket connections are currently
// live, surfaced on GET /healthz for at-a-glance operational visibility.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Option configures the gin engine returned by [New].
type Option func(*server)

// WithPinger registers the readiness dependency check. Without one, /readyz
// always reports ready.
func WithPinger(p Pinger) Option {
	return func(s *server) { s.pinger = p }
}

// WithConnectionCounter registers the WebSocket connection manager whose
// live-connection count is reported on /healthz.
func WithConnectionCounter(c ConnectionCounter) Option {
	return func(s *server) { s.connections = c }
}

// WithClock overrides the server's time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *server) { s.now = now }
}

type server struct {
	reader      Reader
	pinger      Pinger
	connections ConnectionCounter
	now         func() time.Time
}

// New builds the gin engine serving Pulse and the health probes. reader
// backs every /pulse/* route; opts wire the optional readiness and
// connection-count dependencies.
func New(reader Reader, opts ...Option) *gin.Engine {
	s := &server{
		reader: reader,
		pinger: noopPinger{},
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.healthz)
	r.GET("/readyz", s.readyz)

	pulse := r.Group("/pulse")
	pulse.GET("/stats", s.stats)
	pulse.GET("/pipeline-runs", s.listRuns)
	pulse.GET("/pipeline-runs/:run_id", s.getRun)
	pulse.GET("/provider-calls", s.listProviderCalls)
	pulse.GET("/dlq", s.listDeadLetters)
	pulse.GET("/latency-series", s.latencySeries)

	return r
}

// healthz is the liveness probe: if the process can answer HTTP requests at
// all, it reports ok. It never touches the database.
func (s *server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok", "time": s.now()}
	if s.connections != nil {
		body["connections"] = s.connections.ConnectionCount()
	}
	c.JSON(http.StatusOK, body)
}

// readyz is the readiness probe: it reports ready only if the backing store
// is actually reachable.
func (s *server) readyz(c *gin.Context) {
	if err := s.pinger.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func parseRunFilter(c *gin.Context) (RunFilter, error) {
	f := RunFilter{
		Service: c.Query("service"),
		Limit:   queryInt(c, "limit", 50),
		Offset:  queryInt(c, "offset", 0),
	}
	if hours := c.Query("hours"); hours != "" {
		n, err := parsePositiveInt(hours)
		if err != nil {
			return f, err
		}
		f.Since = time.Now().Add(-time.Duration(n) * time.Hour)
	}
	if raw := c.Query("success"); raw != "" {
		b := raw == "true" || raw == "1"
		f.Success = &b
	}
	if raw := c.Query("org_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, err
		}
		f.OrgID = &id
	}
	if raw := c.Query("session_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return f, err
		}
		f.SessionID = &id
	}
	return f, nil
}

func (s *server) stats(c *gin.Context) {
	f, err := parseRunFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stats, err := s.reader.Stats(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *server) listRuns(c *gin.Context) {
	f, err := parseRunFilter(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runs, err := s.reader.ListRuns(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *server) getRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("run_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run_id"})
		return
	}
	run, ok, err := s.reader.GetRun(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *server) listProviderCalls(c *gin.Context) {
	f := ProviderCallFilter{
		Service:  c.Query("service"),
		Provider: c.Query("provider"),
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	if hours := c.Query("hours"); hours != "" {
		n, err := parsePositiveInt(hours)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Since = time.Now().Add(-time.Duration(n) * time.Hour)
	}
	calls, err := s.reader.ListProviderCalls(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"provider_calls": calls})
}

func (s *server) listDeadLetters(c *gin.Context) {
	f := DLQFilter{
		Status: c.Query("status"),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	entries, err := s.reader.ListDeadLetters(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": entries})
}

func (s *server) latencySeries(c *gin.Context) {
	f := SeriesFilter{Service: c.Query("service")}
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		hours = n
	}
	f.Since = time.Now().Add(-time.Duration(hours) * time.Hour)

	series, err := s.reader.LatencySeries(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": series})
}

func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	n, err := parsePositiveInt(raw)
	if err != nil {
		return def
	}
	return n
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &invalidQueryParamError{value: raw}
	}
	return n, nil
}

type invalidQueryParamError struct{ value string }

func (e *invalidQueryParamError) Error() string {
	return "httpapi: invalid numeric query parameter " + e.value
}
