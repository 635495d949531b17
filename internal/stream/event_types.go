package stream

import (
	"encoding/json"
	"fmt"

	"github.com/namikmesic/cc-wiretap/internal/anthropic"
)

type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Event is one parsed unit of the Messages streaming protocol. Events are
// immutable once decoded; the implementations below are the complete set.
// Event types the API adds later decode to RawEvent.
type Event interface {
	Type() EventType
	event()
}

type MessageStart struct {
	Message anthropic.Message `json:"message"`
}

type ContentBlockStart struct {
	Index        int                    `json:"index"`
	ContentBlock anthropic.ContentBlock `json:"content_block"`
}

type ContentBlockDelta struct {
	Index int   `json:"index"`
	Delta Delta `json:"delta"`
}

type ContentBlockStop struct {
	Index int `json:"index"`
}

// MessageDelta carries the final stop reason and the running output token count.
type MessageDelta struct {
	Delta MessageDeltaBody `json:"delta"`
	Usage DeltaUsage       `json:"usage"`
}

type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type DeltaUsage struct {
	OutputTokens int `json:"output_tokens"`
}

type MessageStop struct{}

type Ping struct{}

type Error struct {
	Error anthropic.APIError `json:"error"`
}

// RawEvent carries an event of a type this package does not model, verbatim.
type RawEvent struct {
	Kind EventType
	Raw  json.RawMessage
}

func (MessageStart) Type() EventType      { return EventMessageStart }
func (ContentBlockStart) Type() EventType { return EventContentBlockStart }
func (ContentBlockDelta) Type() EventType { return EventContentBlockDelta }
func (ContentBlockStop) Type() EventType  { return EventContentBlockStop }
func (MessageDelta) Type() EventType      { return EventMessageDelta }
func (MessageStop) Type() EventType       { return EventMessageStop }
func (Ping) Type() EventType              { return EventPing }
func (Error) Type() EventType             { return EventError }
func (e RawEvent) Type() EventType        { return e.Kind }

func (MessageStart) event()      {}
func (ContentBlockStart) event() {}
func (ContentBlockDelta) event() {}
func (ContentBlockStop) event()  {}
func (MessageDelta) event()      {}
func (MessageStop) event()       {}
func (Ping) event()              {}
func (Error) event()             {}
func (RawEvent) event()          {}

var (
	_ Event = MessageStart{}
	_ Event = ContentBlockStart{}
	_ Event = ContentBlockDelta{}
	_ Event = ContentBlockStop{}
	_ Event = MessageDelta{}
	_ Event = MessageStop{}
	_ Event = Ping{}
	_ Event = Error{}
	_ Event = RawEvent{}
)

// Delta is the payload of a content_block_delta event.
type Delta interface {
	DeltaType() string
	delta()
}

type TextDelta struct {
	Text string `json:"text"`
}

type InputJSONDelta struct {
	PartialJSON string `json:"partial_json"`
}

type ThinkingDelta struct {
	Thinking string `json:"thinking"`
}

type SignatureDelta struct {
	Signature string `json:"signature"`
}

// RawDelta carries a delta such as citations_delta, verbatim.
type RawDelta struct {
	Type string
	Raw  json.RawMessage
}

func (TextDelta) DeltaType() string      { return "text_delta" }
func (InputJSONDelta) DeltaType() string { return "input_json_delta" }
func (ThinkingDelta) DeltaType() string  { return "thinking_delta" }
func (SignatureDelta) DeltaType() string { return "signature_delta" }
func (d RawDelta) DeltaType() string     { return d.Type }

func (TextDelta) delta()      {}
func (InputJSONDelta) delta() {}
func (ThinkingDelta) delta()  {}
func (SignatureDelta) delta() {}
func (RawDelta) delta()       {}

// DecodeEvent decodes the JSON payload of one data line. Only payloads that
// are not JSON objects, or whose known fields have the wrong shape, fail.
func DecodeEvent(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	switch head.Type {
	case EventMessageStart:
		var e MessageStart
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil

	case EventContentBlockStart:
		var raw struct {
			Index        int             `json:"index"`
			ContentBlock json.RawMessage `json:"content_block"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		block, err := anthropic.DecodeBlock(raw.ContentBlock)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return ContentBlockStart{Index: raw.Index, ContentBlock: block}, nil

	case EventContentBlockDelta:
		var raw struct {
			Index int             `json:"index"`
			Delta json.RawMessage `json:"delta"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		d, err := decodeDelta(raw.Delta)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return ContentBlockDelta{Index: raw.Index, Delta: d}, nil

	case EventContentBlockStop:
		var e ContentBlockStop
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil

	case EventMessageDelta:
		var e MessageDelta
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil

	case EventMessageStop:
		return MessageStop{}, nil

	case EventPing:
		return Ping{}, nil

	case EventError:
		var e Error
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decode %s: %w", head.Type, err)
		}
		return e, nil
	}
	return RawEvent{Kind: head.Type, Raw: copyRaw(data)}, nil
}

func decodeDelta(data []byte) (Delta, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case "text_delta":
		var d TextDelta
		err := json.Unmarshal(data, &d)
		return d, err
	case "input_json_delta":
		var d InputJSONDelta
		err := json.Unmarshal(data, &d)
		return d, err
	case "thinking_delta":
		var d ThinkingDelta
		err := json.Unmarshal(data, &d)
		return d, err
	case "signature_delta":
		var d SignatureDelta
		err := json.Unmarshal(data, &d)
		return d, err
	}
	return RawDelta{Type: head.Type, Raw: copyRaw(data)}, nil
}

// copyRaw detaches raw from the parser's read buffer.
func copyRaw(raw []byte) json.RawMessage {
	return append(json.RawMessage(nil), raw...)
}

// Wire encoding: every event and delta carries its "type" discriminator.

func (e MessageStart) MarshalJSON() ([]byte, error) {
	type plain MessageStart
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventMessageStart, plain(e)})
}

func (e ContentBlockStart) MarshalJSON() ([]byte, error) {
	type plain ContentBlockStart
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventContentBlockStart, plain(e)})
}

func (e ContentBlockDelta) MarshalJSON() ([]byte, error) {
	type plain ContentBlockDelta
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventContentBlockDelta, plain(e)})
}

func (e ContentBlockStop) MarshalJSON() ([]byte, error) {
	type plain ContentBlockStop
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventContentBlockStop, plain(e)})
}

func (e MessageDelta) MarshalJSON() ([]byte, error) {
	type plain MessageDelta
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventMessageDelta, plain(e)})
}

func (MessageStop) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"message_stop"}`), nil
}

func (Ping) MarshalJSON() ([]byte, error) {
	return []byte(`{"type":"ping"}`), nil
}

func (e Error) MarshalJSON() ([]byte, error) {
	type plain Error
	return json.Marshal(struct {
		Type EventType `json:"type"`
		plain
	}{EventError, plain(e)})
}

func (d TextDelta) MarshalJSON() ([]byte, error) {
	type plain TextDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{d.DeltaType(), plain(d)})
}

func (d InputJSONDelta) MarshalJSON() ([]byte, error) {
	type plain InputJSONDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{d.DeltaType(), plain(d)})
}

func (d ThinkingDelta) MarshalJSON() ([]byte, error) {
	type plain ThinkingDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{d.DeltaType(), plain(d)})
}

func (d SignatureDelta) MarshalJSON() ([]byte, error) {
	type plain SignatureDelta
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{d.DeltaType(), plain(d)})
}

func (e RawEvent) MarshalJSON() ([]byte, error) {
	return e.Raw, nil
}

func (d RawDelta) MarshalJSON() ([]byte, error) {
	return d.Raw, nil
}
