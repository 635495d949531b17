package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
)

type fakeObservers struct {
	http.Handler
	clearErr error
	cleared  int
	count    int
	onClear  func() int
}

func (f *fakeObservers) ClearAll(ctx context.Context) (int, error) {
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	f.cleared++
	return f.onClear(), nil
}

func (f *fakeObservers) ObserverCount() int { return f.count }

const messageResponse = `{"id":"msg_1","type":"message","role":"assistant","model":"claude-haiku","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}`

func begin(t *testing.T, tracker *interceptor.Tracker) string {
	t.Helper()
	id, ok := tracker.Begin(interceptor.RawRequest{
		Method: http.MethodPost,
		URL:    "https://api.anthropic.com/v1/messages",
		Host:   "api.anthropic.com",
		Header: http.Header{"X-Api-Key": {"sk-secret"}},
		Body:   []byte(`{"model":"claude-haiku","max_tokens":8,"messages":[{"role":"user","content":"hi"}]}`),
	})
	require.True(t, ok)
	return id
}

func newTestAPI(t *testing.T) (*httpexpect.Expect, *interceptor.Tracker, *fakeObservers) {
	t.Helper()
	tracker := interceptor.NewTracker(interceptor.Options{RedactHeaders: true, ArchiveLimit: 10})
	obs := &fakeObservers{
		Handler: http.NotFoundHandler(),
		count:   2,
		onClear: tracker.ClearArchive,
	}
	m := metrics.New(prometheus.NewRegistry())
	m.Passthrough()

	clock := time.Unix(1000, 0)
	srv := httptest.NewServer(NewRouter(Options{
		Requests:  tracker,
		Observers: obs,
		Metrics:   m.Handler(),
		ProxyPort: 8080,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	}))
	t.Cleanup(srv.Close)
	return httpexpect.Default(t, srv.URL), tracker, obs
}

func TestListRequests(t *testing.T) {
	e, tracker, _ := newTestAPI(t)

	e.GET("/api/requests").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("active", []any{}).
		HasValue("completed", []any{})

	done := begin(t, tracker)
	tracker.OnResponseStart(done, 200, http.Header{"Content-Type": {"application/json"}})
	tracker.OnNonStreamingResponse(done, 200, messageResponse)
	pending := begin(t, tracker)

	e.GET("/api/requests").Expect().
		Status(http.StatusOK).
		Header("Access-Control-Allow-Origin").IsEqual("*")

	body := e.GET("/api/requests").Expect().JSON().Object()
	body.Value("active").Array().Length().IsEqual(1)
	body.Value("active").Array().Value(0).Object().
		HasValue("id", pending).
		HasValue("state", "pending")
	completed := body.Value("completed").Array()
	completed.Length().IsEqual(1)
	completed.Value(0).Object().
		HasValue("id", done).
		HasValue("state", "complete").
		HasValue("statusCode", 200)
	completed.Value(0).Object().Value("requestHeaders").Object().
		HasValue("x-api-key", "[REDACTED]")
	completed.Value(0).Object().Value("response").Object().
		HasValue("id", "msg_1")
}

func TestGetRequest(t *testing.T) {
	e, tracker, _ := newTestAPI(t)
	id := begin(t, tracker)

	e.GET("/api/requests/{id}", id).Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("id", id).
		HasValue("method", "POST")

	e.GET("/api/requests/{id}", "missing").Expect().
		Status(http.StatusNotFound).
		JSON().Object().
		HasValue("error", "request_not_found")
}

func TestClearRequests(t *testing.T) {
	e, tracker, obs := newTestAPI(t)
	for range 3 {
		id := begin(t, tracker)
		tracker.OnNonStreamingResponse(id, 200, messageResponse)
	}
	require.Len(t, tracker.Archived(), 3)

	e.DELETE("/api/requests").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("cleared", 3)
	assert.Empty(t, tracker.Archived())
	assert.Equal(t, 1, obs.cleared)

	obs.clearErr = errors.New("broadcast: hub closed")
	e.DELETE("/api/requests").Expect().
		Status(http.StatusServiceUnavailable).
		JSON().Object().
		HasValue("error", "clear_failed")
}

func TestStatus(t *testing.T) {
	e, tracker, _ := newTestAPI(t)
	begin(t, tracker)

	obj := e.GET("/api/status").Expect().
		Status(http.StatusOK).
		JSON().Object()
	obj.HasValue("active", 1).
		HasValue("completed", 0).
		HasValue("observers", 2).
		HasValue("proxyPort", 8080)
	obj.Value("uptimeSeconds").Number().Gt(0)
}

func TestMetricsEndpoint(t *testing.T) {
	e, _, _ := newTestAPI(t)
	e.GET("/metrics").Expect().
		Status(http.StatusOK).
		Body().Contains("wiretap_passthrough_total 1")
}

func TestSetupScript(t *testing.T) {
	srv := httptest.NewServer(NewSetupRouter(SetupOptions{ProxyPort: 9090, CAPath: "/home/u/.claude-wiretap/ca.pem"}))
	defer srv.Close()
	e := httpexpect.Default(t, srv.URL)

	bash := e.GET("/setup").Expect().
		Status(http.StatusOK).
		Body()
	bash.Contains(`export HTTPS_PROXY="http://localhost:9090"`)
	bash.Contains(`export NODE_EXTRA_CA_CERTS="/home/u/.claude-wiretap/ca.pem"`)
	bash.Contains("unset-wiretap()")

	e.GET("/").Expect().Status(http.StatusOK).Body().HasPrefix("#!/bin/bash")

	fish := e.GET("/setup").WithQuery("shell", "fish").Expect().
		Status(http.StatusOK).
		Body()
	fish.Contains(`set -gx HTTPS_PROXY "http://localhost:9090"`)
	fish.NotContains("export ")

	e.GET("/status").Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("active", true).
		HasValue("proxyPort", 9090).
		HasValue("caPath", "/home/u/.claude-wiretap/ca.pem")

	e.GET("/nope").Expect().Status(http.StatusNotFound)
	e.GET("/ca.pem").Expect().Status(http.StatusNotFound)
}

func TestSetupServesCACert(t *testing.T) {
	pem := []byte("-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n")
	srv := httptest.NewServer(NewSetupRouter(SetupOptions{ProxyPort: 9090, CAPath: "/tmp/ca.pem", CACert: pem}))
	defer srv.Close()

	e := httpexpect.Default(t, srv.URL)
	resp := e.GET("/ca.pem").Expect().Status(http.StatusOK)
	resp.Header("Content-Type").IsEqual("application/x-pem-file")
	resp.Body().IsEqual(string(pem))
}

func TestSetupCommand(t *testing.T) {
	assert.Equal(t, `eval "$(curl -s http://localhost:8082/setup)"`, SetupCommand(8082))
}
