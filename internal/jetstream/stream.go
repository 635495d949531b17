package jetstream

import (
	"errors"
	"fmt"
	"time"

	nats "github.com/nats-io/nats.go"
)

const (
	StreamName     = "WIRETAP"
	Subjects       = "wiretap.>"
	SubjectPrefix  = "wiretap.req."
	ControlSubject = "wiretap.control"
)

// StreamOptions bounds the retained history. Zero values mean unlimited.
type StreamOptions struct {
	MaxAge  time.Duration
	MaxMsgs int64
}

// EnsureStream creates the history stream, or updates its limits when it
// already exists. History is memory-only and discarded on exit.
func EnsureStream(js nats.JetStreamContext, opts StreamOptions) error {
	maxMsgs := opts.MaxMsgs
	if maxMsgs <= 0 {
		maxMsgs = -1
	}
	cfg := &nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{Subjects},
		Storage:   nats.MemoryStorage,
		Retention: nats.LimitsPolicy,
		Discard:   nats.DiscardOld,
		MaxAge:    opts.MaxAge,
		MaxMsgs:   maxMsgs,
	}
	_, err := js.AddStream(cfg)
	if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		_, err = js.UpdateStream(cfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return nil
}

// NotificationSubject is the subject a notification of kind is published
// on. Notifications without a request id go to ControlSubject.
func NotificationSubject(requestID, kind string) string {
	if requestID == "" {
		return ControlSubject
	}
	return SubjectPrefix + requestID + "." + kind
}

// Purge drops the whole retained history.
func Purge(js nats.JetStreamContext) error {
	if err := js.PurgeStream(StreamName); err != nil {
		return fmt.Errorf("purge stream %s: %w", StreamName, err)
	}
	return nil
}
