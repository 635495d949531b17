package interceptor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGatePrecision(t *testing.T) {
	g := DefaultGate()

	tests := []struct {
		name   string
		method string
		host   string
		path   string
		want   bool
	}{
		{"messages post", http.MethodPost, "api.anthropic.com", "/v1/messages", true},
		{"with port", http.MethodPost, "api.anthropic.com:443", "/v1/messages", true},
		{"count tokens subpath", http.MethodPost, "api.anthropic.com", "/v1/messages/count_tokens", true},
		{"second host", http.MethodPost, "api.claude.ai", "/v1/messages", true},
		{"uppercase host", http.MethodPost, "API.Anthropic.com", "/v1/messages", true},
		{"get", http.MethodGet, "api.anthropic.com", "/v1/messages", false},
		{"other path", http.MethodPost, "api.anthropic.com", "/v1/other", false},
		{"other host", http.MethodPost, "example.com", "/v1/messages", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Match(tt.method, tt.host, tt.path))
		})
	}
}

type explodingBody struct{ t *testing.T }

func (b explodingBody) Read([]byte) (int, error) {
	b.t.Fatal("gate read the request body")
	return 0, nil
}

func (explodingBody) Close() error { return nil }

func TestGateNeverReadsBody(t *testing.T) {
	g := DefaultGate()

	req := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil)
	req.Body = explodingBody{t}
	assert.True(t, g.ShouldIntercept(req))

	req = httptest.NewRequest(http.MethodPost, "https://example.com/v1/messages", nil)
	req.Body = explodingBody{t}
	assert.False(t, g.ShouldIntercept(req))
}

func TestGateIgnoresBlankHosts(t *testing.T) {
	g := NewGate([]string{" ", "", "api.example.test"}, "/v1/messages")
	assert.Equal(t, []string{"api.example.test"}, g.Hosts())
	assert.False(t, g.MatchHost("anything.else"))
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer sk-secret")
	h.Set("X-Api-Key", "sk-ant-secret")
	h.Add("Accept", "text/event-stream")
	h.Add("Accept", "application/json")
	h.Set("Anthropic-Version", "2023-06-01")

	assert.Equal(t, map[string]string{
		"authorization":     "[REDACTED]",
		"x-api-key":         "[REDACTED]",
		"accept":            "text/event-stream, application/json",
		"anthropic-version": "2023-06-01",
	}, FlattenHeaders(h, true))

	assert.Equal(t, "Bearer sk-secret", FlattenHeaders(h, false)["authorization"])
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, IsEventStream("text/event-stream"))
	assert.True(t, IsEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, IsEventStream("application/json"))
	assert.False(t, IsEventStream(""))
}
