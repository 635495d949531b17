// Package proxy binds the goproxy MITM engine to the request tracker: it
// gates traffic, buffers request bodies of tracked requests, tees streaming
// responses and decodes buffered ones.
package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/elazarl/goproxy"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/cc-wiretap/internal/interceptor"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
	"github.com/namikmesic/cc-wiretap/internal/stream"
)

var errNoResponse = errors.New("no response from upstream")

// Lifecycle is the tracker surface the binding drives.
type Lifecycle interface {
	Begin(r interceptor.RawRequest) (string, bool)
	OnResponseStart(id string, status int, header http.Header)
	OnResponseChunk(id string, data []byte)
	OnResponseComplete(id string)
	OnResponseError(id string, err error)
	OnNonStreamingResponse(id string, status int, body string)
}

// Binding maps the engine's per-request session ids to tracker ids.
type Binding struct {
	gate    *interceptor.Gate
	tracker Lifecycle
	metrics *metrics.Metrics

	mu       sync.Mutex
	sessions map[int64]string
}

func NewBinding(gate *interceptor.Gate, tracker Lifecycle, m *metrics.Metrics) *Binding {
	return &Binding{
		gate:     gate,
		tracker:  tracker,
		metrics:  m,
		sessions: make(map[int64]string),
	}
}

// BeforeRequest runs the gate and, for admitted requests, buffers the body
// and starts tracking. The request body is restored for forwarding. It
// reports whether the request is tracked.
func (b *Binding) BeforeRequest(req *http.Request, session int64) (tracked bool) {
	defer b.recoverHook("request", &tracked)

	if !b.gate.ShouldIntercept(req) {
		b.metrics.Passthrough()
		return false
	}

	body, err := bufferBody(&req.Body)
	if err != nil {
		log.Warn().Err(err).Str("url", req.URL.String()).Msg("failed to read request body")
	}
	if enc := req.Header.Get("Content-Encoding"); enc != "" && len(body) > 0 {
		if body, err = DecodeBody(body, enc); err != nil {
			b.metrics.ParseFailure(metrics.StageDecompress, 1)
			log.Warn().Err(err).Str("encoding", enc).Msg("failed to decode request body")
		}
	}

	id, ok := b.tracker.Begin(interceptor.RawRequest{
		Method: req.Method,
		URL:    req.URL.String(),
		Host:   req.Host,
		Header: req.Header.Clone(),
		Body:   body,
	})
	if !ok {
		return false
	}

	b.mu.Lock()
	b.sessions[session] = id
	b.mu.Unlock()
	return true
}

// BeforeResponse hands the response of a tracked session to the tracker.
// Untracked sessions pass through untouched. A nil resp is reported as an
// error using transportErr.
func (b *Binding) BeforeResponse(resp *http.Response, session int64, transportErr error) (out *http.Response) {
	out = resp
	id, ok := b.take(session)
	if !ok {
		return resp
	}
	defer b.recoverHook("response", nil)

	if resp == nil {
		if transportErr == nil {
			transportErr = errNoResponse
		}
		b.tracker.OnResponseError(id, transportErr)
		return nil
	}

	b.tracker.OnResponseStart(id, resp.StatusCode, resp.Header)

	if interceptor.IsEventStream(resp.Header.Get("Content-Type")) {
		resp.Body = stream.TeeBody(resp.Body, &streamObserver{
			id:       id,
			tracker:  b.tracker,
			metrics:  b.metrics,
			encoding: nonIdentity(resp.Header.Get("Content-Encoding")),
		})
		return resp
	}

	body, err := bufferBody(&resp.Body)
	if err != nil {
		b.tracker.OnResponseError(id, fmt.Errorf("read response body: %w", err))
		log.Warn().Err(err).Str("request_id", id).Int("read", len(body)).Msg("upstream body truncated, answering 502")
		return goproxy.NewResponse(resp.Request, goproxy.ContentTypeText, http.StatusBadGateway,
			"wiretap: upstream response body could not be read: "+err.Error())
	}

	enc := resp.Header.Get("Content-Encoding")
	decoded, err := DecodeBody(body, enc)
	if err != nil {
		b.metrics.ParseFailure(metrics.StageDecompress, 1)
		log.Warn().Err(err).Str("request_id", id).Str("encoding", enc).Msg("failed to decompress response body")
	}
	b.tracker.OnNonStreamingResponse(id, resp.StatusCode, string(decoded))
	return resp
}

// TransportError reports a failed round trip for a tracked session.
func (b *Binding) TransportError(session int64, err error) {
	if id, ok := b.take(session); ok {
		b.tracker.OnResponseError(id, err)
	}
}

// Pending reports how many tracked sessions await a response.
func (b *Binding) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Binding) take(session int64) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.sessions[session]
	delete(b.sessions, session)
	return id, ok
}

// recoverHook keeps a panicking hook from taking the proxied request down
// with it. tracked, when set, is cleared.
func (b *Binding) recoverHook(phase string, tracked *bool) {
	if r := recover(); r != nil {
		if tracked != nil {
			*tracked = false
		}
		log.Error().Interface("panic", r).Str("phase", phase).Msg("interception hook panicked, passing traffic through")
	}
}

// bufferBody reads *body fully and replaces it with an in-memory copy. The
// replacement holds whatever was read even when reading failed.
func bufferBody(body *io.ReadCloser) ([]byte, error) {
	if *body == nil || *body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(*body)
	(*body).Close()
	*body = io.NopCloser(bytes.NewReader(data))
	return data, err
}

func nonIdentity(encoding string) string {
	if encoding == "" || encoding == "identity" {
		return ""
	}
	return encoding
}

// streamObserver forwards every chunk of an event stream to the tracker as
// the client reads it. Compressed streams cannot be framed incrementally, so
// they are collected and fed as one decoded chunk at the end.
type streamObserver struct {
	id       string
	tracker  Lifecycle
	metrics  *metrics.Metrics
	encoding string
	buf      bytes.Buffer
}

func (o *streamObserver) OnChunk(p []byte) {
	if o.encoding != "" {
		o.buf.Write(p)
		return
	}
	o.tracker.OnResponseChunk(o.id, p)
}

func (o *streamObserver) OnEnd(err error) {
	if o.encoding != "" && o.buf.Len() > 0 {
		decoded, derr := DecodeBody(o.buf.Bytes(), o.encoding)
		if derr != nil {
			o.metrics.ParseFailure(metrics.StageDecompress, 1)
			log.Warn().Err(derr).Str("request_id", o.id).Str("encoding", o.encoding).Msg("failed to decompress event stream")
		}
		o.tracker.OnResponseChunk(o.id, decoded)
		o.buf.Reset()
	}
	if err != nil {
		o.tracker.OnResponseError(o.id, err)
		return
	}
	o.tracker.OnResponseComplete(o.id)
}
