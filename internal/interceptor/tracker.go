// Package interceptor tracks intercepted Messages API requests from the
// moment the request is observed until its response completes or fails, and
// pushes every lifecycle step to a Broadcaster.
package interceptor

import (
	"cmp"
	"encoding/json"
	"errors"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/namikmesic/cc-wiretap/internal/anthropic"
	"github.com/namikmesic/cc-wiretap/internal/metrics"
	"github.com/namikmesic/cc-wiretap/internal/stream"
)

// ErrStale is recorded on requests the sweep retires because no terminal
// response phase arrived in time.
var ErrStale = errors.New("interceptor: request went stale before completing")

type State string

const (
	StatePending   State = "pending"
	StateStreaming State = "streaming"
	StateBuffered  State = "buffered"
	StateComplete  State = "complete"
	StateErrored   State = "errored"
)

// TrackedRequest is the observable record of one intercepted request.
// Timestamps are Unix milliseconds.
type TrackedRequest struct {
	ID                string             `json:"id"`
	SessionID         string             `json:"sessionId"`
	Timestamp         int64              `json:"timestamp"`
	Method            string             `json:"method"`
	URL               string             `json:"url"`
	RequestHeaders    map[string]string  `json:"requestHeaders"`
	RequestBody       json.RawMessage    `json:"requestBody,omitempty"`
	State             State              `json:"state"`
	SSEEvents         []stream.Event     `json:"sseEvents"`
	ResponseStartTime int64              `json:"responseStartTime,omitempty"`
	StatusCode        int                `json:"statusCode,omitempty"`
	ResponseHeaders   map[string]string  `json:"responseHeaders,omitempty"`
	Response          anthropic.Response `json:"response,omitempty"`
	DurationMs        *int64             `json:"durationMs,omitempty"`
	Error             string             `json:"error,omitempty"`
	Preview           *Preview           `json:"preview,omitempty"`
}

// Preview is what a streaming response has produced so far. It is only set
// on snapshots of in-flight streaming requests.
type Preview struct {
	Text      string                   `json:"text"`
	ToolCalls []anthropic.ToolUseBlock `json:"toolCalls"`
}

func (r TrackedRequest) clone() TrackedRequest {
	r.SSEEvents = append(make([]stream.Event, 0, len(r.SSEEvents)), r.SSEEvents...)
	r.RequestHeaders = maps.Clone(r.RequestHeaders)
	r.ResponseHeaders = maps.Clone(r.ResponseHeaders)
	return r
}

// snapshot copies the record, adding a live preview while the response streams.
// e.mu must be held.
func (e *entry) snapshot() TrackedRequest {
	r := e.req.clone()
	if r.State == StateStreaming {
		r.Preview = &Preview{
			Text:      stream.ExtractText(r.SSEEvents),
			ToolCalls: stream.ExtractToolCalls(r.SSEEvents),
		}
	}
	return r
}

// RawRequest is what the interception engine knows about a request once its
// body has been buffered.
type RawRequest struct {
	Method string
	URL    string
	Host   string
	Header http.Header
	Body   []byte
}

type Options struct {
	Gate          *Gate
	Broadcaster   Broadcaster
	Metrics       *metrics.Metrics
	RedactHeaders bool
	// ArchiveLimit bounds how many retired requests stay queryable.
	ArchiveLimit int
	Clock        func() time.Time
}

type entry struct {
	mu      sync.Mutex
	req     TrackedRequest
	started time.Time
	parser  *stream.Parser
	dropped int
	retired bool
}

// Tracker owns the active-request arena. Calls for one request id are
// expected in lifecycle order; calls for different ids may run concurrently.
//
// Lock order is entry.mu before Tracker.mu. Tracker.mu is never held while
// acquiring an entry lock.
type Tracker struct {
	gate    *Gate
	sink    Broadcaster
	metrics *metrics.Metrics
	redact  bool
	now     func() time.Time

	mu      sync.RWMutex
	active  map[string]*entry
	archive *archive
}

func NewTracker(opts Options) *Tracker {
	if opts.Gate == nil {
		opts.Gate = DefaultGate()
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = discard{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Tracker{
		gate:    opts.Gate,
		sink:    opts.Broadcaster,
		metrics: opts.Metrics,
		redact:  opts.RedactHeaders,
		now:     opts.Clock,
		active:  make(map[string]*entry),
		archive: newArchive(opts.ArchiveLimit),
	}
}

// Begin starts tracking r and returns its correlation id. It returns false,
// with no side effects, when the gate rejects the request.
func (t *Tracker) Begin(r RawRequest) (string, bool) {
	host, path := r.Host, r.URL
	if u, err := url.Parse(r.URL); err == nil {
		path = u.Path
		if host == "" {
			host = u.Host
		}
	}
	if !t.gate.Match(r.Method, host, path) {
		return "", false
	}

	now := t.now()
	id := uuid.NewString()
	session := sessionID(r.Header)
	if session == "" {
		session = id
	}

	headers := FlattenHeaders(r.Header, t.redact)
	if _, ok := headers["host"]; !ok && host != "" {
		headers["host"] = host
	}

	var (
		body    json.RawMessage
		summary anthropic.Summary
	)
	if len(r.Body) > 0 {
		req, raw, err := anthropic.ParseRequest(r.Body)
		if err != nil {
			t.metrics.ParseFailure(metrics.StageRequestBody, 1)
			log.Warn().Err(err).Str("request_id", id).Msg("failed to parse request body")
		} else {
			body = raw
			summary = anthropic.Summarize(req)
		}
	}

	e := &entry{
		started: now,
		parser:  stream.NewParser(),
		req: TrackedRequest{
			ID:             id,
			SessionID:      session,
			Timestamp:      now.UnixMilli(),
			Method:         r.Method,
			URL:            r.URL,
			RequestHeaders: headers,
			RequestBody:    body,
			State:          StatePending,
			SSEEvents:      []stream.Event{},
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t.mu.Lock()
	t.active[id] = e
	t.mu.Unlock()
	t.metrics.RequestStarted()

	t.sink.Broadcast(Notification{
		Type:      KindRequestStart,
		RequestID: id,
		SessionID: session,
		Timestamp: e.req.Timestamp,
		Method:    r.Method,
		URL:       r.URL,
		Headers:   maps.Clone(headers),
	})

	if body != nil {
		t.sink.Broadcast(Notification{
			Type:      KindRequestBody,
			RequestID: id,
			SessionID: session,
			Body:      body,
		})

		log.Info().
			Str("request_id", id).
			Str("session", shortID(session)).
			EmbedObject(summary).
			Msg("request intercepted")
	}

	return id, true
}

// OnResponseStart records status and headers. Unknown ids are ignored.
func (t *Tracker) OnResponseStart(id string, status int, header http.Header) {
	e := t.acquire(id)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	now := t.now()
	e.req.ResponseStartTime = now.UnixMilli()
	e.req.StatusCode = status
	e.req.ResponseHeaders = FlattenHeaders(header, t.redact)
	if IsEventStream(header.Get("Content-Type")) {
		e.req.State = StateStreaming
	} else {
		e.req.State = StateBuffered
	}

	t.sink.Broadcast(Notification{
		Type:       KindResponseStart,
		RequestID:  id,
		SessionID:  e.req.SessionID,
		Timestamp:  e.req.ResponseStartTime,
		StatusCode: status,
		Headers:    maps.Clone(e.req.ResponseHeaders),
	})
}

// OnResponseChunk feeds data to the request's parser and emits one
// response_chunk notification per completed event.
func (t *Tracker) OnResponseChunk(id string, data []byte) {
	e := t.acquire(id)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	t.record(e, e.parser.Feed(data))
}

// OnResponseComplete drains the parser, reconstructs the message and retires
// the request. No completion is emitted when nothing could be reconstructed.
func (t *Tracker) OnResponseComplete(id string) {
	e := t.acquire(id)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	t.record(e, e.parser.Flush())

	now := t.now()
	elapsed := now.Sub(e.started)
	ms := elapsed.Milliseconds()
	e.req.DurationMs = &ms
	e.req.State = StateComplete

	outcome := metrics.OutcomeComplete
	msg, err := stream.Reconstruct(e.req.SSEEvents)
	if err != nil {
		outcome = metrics.OutcomeEmpty
		log.Debug().
			Err(err).
			Str("request_id", id).
			Int("events", len(e.req.SSEEvents)).
			Msg("stream ended without a message")
	} else {
		e.req.Response = msg
		t.sink.Broadcast(Notification{
			Type:       KindResponseComplete,
			RequestID:  id,
			SessionID:  e.req.SessionID,
			Timestamp:  now.UnixMilli(),
			Response:   msg,
			DurationMs: &ms,
		})
		logCompletion(id, msg, elapsed)
	}

	t.retire(e, outcome, elapsed)
}

// OnResponseError records err and retires the request. Unknown ids are ignored.
func (t *Tracker) OnResponseError(id string, err error) {
	t.fail(id, err)
}

func (t *Tracker) fail(id string, err error) bool {
	e := t.acquire(id)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()

	now := t.now()
	e.req.Error = err.Error()
	e.req.State = StateErrored

	t.sink.Broadcast(Notification{
		Type:      KindError,
		RequestID: id,
		SessionID: e.req.SessionID,
		Timestamp: now.UnixMilli(),
		Error:     e.req.Error,
	})

	outcome := metrics.OutcomeErrored
	if errors.Is(err, ErrStale) {
		outcome = metrics.OutcomeStale
	}
	log.Warn().
		Err(err).
		Str("request_id", id).
		Str("session", shortID(e.req.SessionID)).
		Msg("request failed")

	t.retire(e, outcome, now.Sub(e.started))
	return true
}

// OnNonStreamingResponse is the terminal path for buffered responses. A body
// that does not parse is logged and the request still retires.
func (t *Tracker) OnNonStreamingResponse(id string, status int, body string) {
	e := t.acquire(id)
	if e == nil {
		return
	}
	defer e.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(e.started)
	if e.req.StatusCode == 0 {
		e.req.StatusCode = status
	}
	e.req.State = StateComplete

	outcome := metrics.OutcomeEmpty
	if body != "" {
		resp, err := anthropic.ParseResponse([]byte(body))
		if err != nil {
			t.metrics.ParseFailure(metrics.StageResponseBody, 1)
			log.Warn().
				Err(err).
				Str("request_id", id).
				Int("status", status).
				Msg("failed to parse response body")
		} else {
			ms := elapsed.Milliseconds()
			e.req.Response = resp
			e.req.DurationMs = &ms
			t.sink.Broadcast(Notification{
				Type:       KindResponseComplete,
				RequestID:  id,
				SessionID:  e.req.SessionID,
				Timestamp:  now.UnixMilli(),
				Response:   resp,
				DurationMs: &ms,
			})

			switch r := resp.(type) {
			case *anthropic.Message:
				outcome = metrics.OutcomeComplete
				logCompletion(id, r, elapsed)
			case *anthropic.ErrorResponse:
				outcome = metrics.OutcomeAPIError
				log.Warn().
					Str("request_id", id).
					Int("status", status).
					Str("error_type", r.Error.Type).
					Dur("duration", elapsed).
					Msg(r.Error.Message)
			}
		}
	}

	t.retire(e, outcome, elapsed)
}

// Sweep retires every active request that began before cutoff with
// ErrStale and returns how many it retired.
func (t *Tracker) Sweep(cutoff time.Time) int {
	t.mu.RLock()
	var stale []string
	for id, e := range t.active {
		if e.started.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	t.mu.RUnlock()

	n := 0
	for _, id := range stale {
		if t.fail(id, ErrStale) {
			n++
		}
	}
	return n
}

// Active returns snapshots of in-flight requests, oldest first.
func (t *Tracker) Active() []TrackedRequest {
	t.mu.RLock()
	entries := slices.Collect(maps.Values(t.active))
	t.mu.RUnlock()

	out := make([]TrackedRequest, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if !e.retired {
			out = append(out, e.snapshot())
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b TrackedRequest) int {
		if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Archived returns retired requests still held in the archive, oldest first.
func (t *Tracker) Archived() []TrackedRequest {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.archive.list()
}

// Lookup finds a request among active and archived requests.
func (t *Tracker) Lookup(id string) (TrackedRequest, bool) {
	if e := t.acquire(id); e != nil {
		r := e.snapshot()
		e.mu.Unlock()
		return r, true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.archive.get(id)
}

// ClearArchive drops every retired request and returns how many it dropped.
// Active requests are unaffected.
func (t *Tracker) ClearArchive() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.archive.clear()
}

func (t *Tracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.active)
}

// acquire returns the live entry for id with its lock held, or nil.
func (t *Tracker) acquire(id string) *entry {
	t.mu.RLock()
	e := t.active[id]
	t.mu.RUnlock()
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.retired {
		e.mu.Unlock()
		return nil
	}
	return e
}

// retire is the single point where an id stops being tracked. e.mu must be held.
func (t *Tracker) retire(e *entry, outcome string, elapsed time.Duration) {
	e.retired = true
	e.parser = nil
	snapshot := e.req.clone()

	t.mu.Lock()
	delete(t.active, snapshot.ID)
	t.archive.push(snapshot)
	t.mu.Unlock()

	t.metrics.RequestRetired(outcome, elapsed)
}

// record appends newly parsed events and re-emits each one. e.mu must be held.
func (t *Tracker) record(e *entry, events []stream.Event) {
	if dropped := e.parser.Dropped(); dropped > e.dropped {
		t.metrics.ParseFailure(metrics.StageSSEPayload, dropped-e.dropped)
		e.dropped = dropped
	}
	for _, ev := range events {
		e.req.SSEEvents = append(e.req.SSEEvents, ev)
		t.metrics.SSEEvent(eventLabel(ev))
		t.sink.Broadcast(Notification{
			Type:      KindResponseChunk,
			RequestID: e.req.ID,
			SessionID: e.req.SessionID,
			Event:     ev,
		})
	}
}

// eventLabel keeps the metric label set closed when the API adds event types.
func eventLabel(ev stream.Event) string {
	if _, ok := ev.(stream.RawEvent); ok {
		return "unknown"
	}
	return string(ev.Type())
}

func logCompletion(id string, msg *anthropic.Message, elapsed time.Duration) {
	toolUse := msg.StopReason != nil && *msg.StopReason == "tool_use"
	log.Info().
		Str("request_id", id).
		Str("model", msg.Model).
		Int("input_tokens", msg.Usage.InputTokens).
		Int("output_tokens", msg.Usage.OutputTokens).
		Dur("duration", elapsed).
		Bool("tool_use", toolUse).
		Msg("response complete")
}

// IsEventStream reports whether a Content-Type header announces SSE framing.
func IsEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/event-stream"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
