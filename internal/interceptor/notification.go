package interceptor

import (
	"encoding/json"

	"github.com/namikmesic/cc-wiretap/internal/anthropic"
	"github.com/namikmesic/cc-wiretap/internal/stream"
)

// Kind is the "type" discriminator of a Notification.
type Kind string

const (
	KindRequestStart     Kind = "request_start"
	KindRequestBody      Kind = "request_body"
	KindResponseStart    Kind = "response_start"
	KindResponseChunk    Kind = "response_chunk"
	KindResponseComplete Kind = "response_complete"
	KindError            Kind = "error"
	KindClearAll         Kind = "clear_all"
)

// Notification is one push message to observers. Which fields are set
// depends on Type; timestamps are Unix milliseconds.
type Notification struct {
	Type       Kind               `json:"type"`
	RequestID  string             `json:"requestId,omitempty"`
	SessionID  string             `json:"sessionId,omitempty"`
	Timestamp  int64              `json:"timestamp,omitempty"`
	Method     string             `json:"method,omitempty"`
	URL        string             `json:"url,omitempty"`
	Headers    map[string]string  `json:"headers,omitempty"`
	Body       json.RawMessage    `json:"body,omitempty"`
	StatusCode int                `json:"statusCode,omitempty"`
	Event      stream.Event       `json:"event,omitempty"`
	Response   anthropic.Response `json:"response,omitempty"`
	DurationMs *int64             `json:"durationMs,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Broadcaster receives notifications. Implementations must not block the
// caller and must not retain a Notification expecting later updates to it.
type Broadcaster interface {
	Broadcast(n Notification)
}

// BroadcastFunc adapts a function to Broadcaster.
type BroadcastFunc func(Notification)

func (f BroadcastFunc) Broadcast(n Notification) { f(n) }

type discard struct{}

func (discard) Broadcast(Notification) {}
