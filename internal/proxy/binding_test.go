package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/namikmesic/cc-wiretap/internal/anthropic"
	"github.com/namikmesic/cc-wiretap/internal/interceptor"
)

const sseBody = `data: {"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-sonnet-4","content":[],"stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":10,"output_tokens":1}}}

data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}

data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hello world"}}

data: {"type":"content_block_stop","index":0}

data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":5}}

data: {"type":"message_stop"}

`

const jsonResponse = `{"id":"msg_2","type":"message","role":"assistant","model":"claude-haiku","content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","stop_sequence":null,"usage":{"input_tokens":3,"output_tokens":1}}`

const requestJSON = `{"model":"claude-sonnet-4","max_tokens":64,"stream":true,"messages":[{"role":"user","content":"hi"}]}`

type collector struct {
	mu  sync.Mutex
	got []interceptor.Notification
}

func (c *collector) Broadcast(n interceptor.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *collector) ofKind(k interceptor.Kind) []interceptor.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []interceptor.Notification
	for _, n := range c.got {
		if n.Type == k {
			out = append(out, n)
		}
	}
	return out
}

func newTestBinding(gate *interceptor.Gate) (*Binding, *interceptor.Tracker, *collector) {
	sink := &collector{}
	tracker := interceptor.NewTracker(interceptor.Options{
		Gate:         gate,
		Broadcaster:  sink,
		ArchiveLimit: 10,
	})
	return NewBinding(gate, tracker, nil), tracker, sink
}

func apiRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func streamResponse(body io.Reader) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/event-stream")
	return &http.Response{StatusCode: http.StatusOK, Header: h, Body: io.NopCloser(body)}
}

func TestBindingPassesUntrackedTrafficThrough(t *testing.T) {
	b, tracker, sink := newTestBinding(interceptor.DefaultGate())

	req := httptest.NewRequest(http.MethodGet, "https://example.com/index.html", strings.NewReader("payload"))
	origBody := req.Body
	assert.False(t, b.BeforeRequest(req, 1))
	assert.Same(t, origBody, req.Body)

	resp := streamResponse(strings.NewReader(sseBody))
	origRespBody := resp.Body
	out := b.BeforeResponse(resp, 1, nil)
	assert.Same(t, resp, out)
	assert.Same(t, origRespBody, out.Body)

	assert.Zero(t, tracker.ActiveCount())
	assert.Empty(t, sink.ofKind(interceptor.KindRequestStart))
}

func TestBindingStreamsEventsAsClientReads(t *testing.T) {
	b, tracker, sink := newTestBinding(interceptor.DefaultGate())

	req := apiRequest(requestJSON)
	require.True(t, b.BeforeRequest(req, 7))
	forwarded, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, requestJSON, string(forwarded))
	assert.Equal(t, 1, b.Pending())

	resp := b.BeforeResponse(streamResponse(iotest.OneByteReader(strings.NewReader(sseBody))), 7, nil)
	assert.Zero(t, b.Pending())
	assert.Equal(t, 1, tracker.ActiveCount())

	// Events are emitted while the client is still reading.
	first := make([]byte, strings.Index(sseBody, "\n\n")+2)
	_, err = io.ReadFull(resp.Body, first)
	require.NoError(t, err)
	assert.Len(t, sink.ofKind(interceptor.KindResponseChunk), 1)

	rest, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, sseBody, string(first)+string(rest))

	assert.Zero(t, tracker.ActiveCount())
	done := sink.ofKind(interceptor.KindResponseComplete)
	require.Len(t, done, 1)
	msg := done[0].Response.(*anthropic.Message)
	assert.Equal(t, anthropic.Blocks{anthropic.TextBlock{Text: "Hello world"}}, msg.Content)
}

func TestBindingClientAbortIsAnError(t *testing.T) {
	b, _, sink := newTestBinding(interceptor.DefaultGate())

	require.True(t, b.BeforeRequest(apiRequest(requestJSON), 3))
	resp := b.BeforeResponse(streamResponse(strings.NewReader(sseBody)), 3, nil)

	buf := make([]byte, 16)
	_, err := resp.Body.Read(buf)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	errs := sink.ofKind(interceptor.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "closed before EOF")
}

func TestBindingDecodesBufferedResponse(t *testing.T) {
	b, tracker, sink := newTestBinding(interceptor.DefaultGate())

	require.True(t, b.BeforeRequest(apiRequest(`{"model":"claude-haiku","messages":[]}`), 9))

	compressed := gzipped(t, []byte(jsonResponse))
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Content-Encoding", "gzip")
	resp := b.BeforeResponse(&http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(compressed)),
	}, 9, nil)

	// The client still receives the bytes the upstream sent.
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, compressed, got)

	done := sink.ofKind(interceptor.KindResponseComplete)
	require.Len(t, done, 1)
	assert.Equal(t, "msg_2", done[0].Response.(*anthropic.Message).ID)
	assert.Zero(t, tracker.ActiveCount())
}

func TestBindingTruncatedBufferedBodyIsBadGateway(t *testing.T) {
	b, tracker, sink := newTestBinding(interceptor.DefaultGate())
	req := apiRequest(`{"model":"claude-haiku","messages":[]}`)
	require.True(t, b.BeforeRequest(req, 10))

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	resp := b.BeforeResponse(&http.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       io.NopCloser(io.MultiReader(strings.NewReader(jsonResponse[:20]), iotest.ErrReader(io.ErrUnexpectedEOF))),
		Request:    req,
	}, 10, nil)

	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(got), "unexpected EOF")

	errs := sink.ofKind(interceptor.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "read response body")
	assert.Empty(t, sink.ofKind(interceptor.KindResponseComplete))
	assert.Zero(t, tracker.ActiveCount())
}

func TestBindingCompressedEventStream(t *testing.T) {
	b, _, sink := newTestBinding(interceptor.DefaultGate())
	require.True(t, b.BeforeRequest(apiRequest(requestJSON), 4))

	resp := streamResponse(bytes.NewReader(brotlied(t, []byte(sseBody))))
	resp.Header.Set("Content-Encoding", "br")
	resp = b.BeforeResponse(resp, 4, nil)

	_, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Len(t, sink.ofKind(interceptor.KindResponseChunk), 6)
	assert.Len(t, sink.ofKind(interceptor.KindResponseComplete), 1)
}

func TestBindingNilResponseIsError(t *testing.T) {
	b, tracker, sink := newTestBinding(interceptor.DefaultGate())
	require.True(t, b.BeforeRequest(apiRequest(requestJSON), 5))

	out := b.BeforeResponse(nil, 5, errors.New("dial tcp: connection refused"))
	assert.Nil(t, out)

	errs := sink.ofKind(interceptor.KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, "dial tcp: connection refused", errs[0].Error)
	assert.Zero(t, tracker.ActiveCount())
}

func TestBindingTransportError(t *testing.T) {
	b, _, sink := newTestBinding(interceptor.DefaultGate())
	require.True(t, b.BeforeRequest(apiRequest(requestJSON), 6))

	b.TransportError(6, errors.New("tls: handshake failure"))
	b.TransportError(6, errors.New("reported twice"))

	require.Len(t, sink.ofKind(interceptor.KindError), 1)
	assert.Zero(t, b.Pending())

	// The response phase for the same session is now a passthrough.
	resp := streamResponse(strings.NewReader(sseBody))
	assert.Same(t, resp, b.BeforeResponse(resp, 6, nil))
}

type panickingLifecycle struct{ Lifecycle }

func (panickingLifecycle) Begin(interceptor.RawRequest) (string, bool) {
	panic("tracker exploded")
}

func TestBindingRecoversFromHookPanic(t *testing.T) {
	b := NewBinding(interceptor.DefaultGate(), panickingLifecycle{}, nil)

	req := apiRequest(requestJSON)
	var tracked bool
	assert.NotPanics(t, func() { tracked = b.BeforeRequest(req, 1) })
	assert.False(t, tracked)

	body, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, requestJSON, string(body))
}
