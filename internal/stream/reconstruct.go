package stream

import (
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"strings"

	"github.com/namikmesic/cc-wiretap/internal/anthropic"
)

// ErrNoMessageStart means the events never opened a message, so there is
// nothing to reconstruct. Callers treat it as "no response produced".
var ErrNoMessageStart = errors.New("stream: no message_start event")

// Reconstruct folds an ordered event list into the complete message it
// describes. It has no side effects and may be called on a growing list.
func Reconstruct(events []Event) (*anthropic.Message, error) {
	var (
		start *MessageStart
		delta *MessageDelta
	)
	blocks := make(map[int]anthropic.ContentBlock)
	texts := make(map[int][]string)
	partials := make(map[int][]string)
	thinking := make(map[int][]string)
	signatures := make(map[int][]string)

	for _, ev := range events {
		switch e := ev.(type) {
		case MessageStart:
			start = &e
		case ContentBlockStart:
			blocks[e.Index] = e.ContentBlock
		case ContentBlockDelta:
			switch d := e.Delta.(type) {
			case TextDelta:
				texts[e.Index] = append(texts[e.Index], d.Text)
			case InputJSONDelta:
				partials[e.Index] = append(partials[e.Index], d.PartialJSON)
			case ThinkingDelta:
				thinking[e.Index] = append(thinking[e.Index], d.Thinking)
			case SignatureDelta:
				signatures[e.Index] = append(signatures[e.Index], d.Signature)
			}
		case MessageDelta:
			delta = &e
		case ContentBlockStop, MessageStop, Ping, Error, RawEvent:
		}
	}

	if start == nil {
		return nil, ErrNoMessageStart
	}

	content := make(anthropic.Blocks, 0, len(blocks))
	for _, idx := range slices.Sorted(maps.Keys(blocks)) {
		switch b := blocks[idx].(type) {
		case anthropic.TextBlock:
			content = append(content, anthropic.TextBlock{
				Text: b.Text + strings.Join(texts[idx], ""),
			})
		case anthropic.ToolUseBlock:
			content = append(content, anthropic.ToolUseBlock{
				ID:    b.ID,
				Name:  b.Name,
				Input: parseToolInput(strings.Join(partials[idx], "")),
			})
		case anthropic.ThinkingBlock:
			content = append(content, anthropic.ThinkingBlock{
				Thinking:  b.Thinking + strings.Join(thinking[idx], ""),
				Signature: b.Signature + strings.Join(signatures[idx], ""),
			})
		default:
			content = append(content, b)
		}
	}

	usage := start.Message.Usage
	var stopReason, stopSequence *string
	if delta != nil {
		if delta.Usage.OutputTokens > 0 {
			usage.OutputTokens = delta.Usage.OutputTokens
		}
		stopReason = cloneString(delta.Delta.StopReason)
		stopSequence = cloneString(delta.Delta.StopSequence)
	}

	return &anthropic.Message{
		ID:           start.Message.ID,
		Type:         "message",
		Role:         "assistant",
		Content:      content,
		Model:        start.Message.Model,
		StopReason:   stopReason,
		StopSequence: stopSequence,
		Usage:        usage,
	}, nil
}

// parseToolInput parses accumulated input_json fragments. Anything that is
// not a JSON object yields an empty input.
func parseToolInput(s string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return input
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(s), &parsed); err != nil || parsed == nil {
		return input
	}
	return parsed
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// ExtractText concatenates every text delta in arrival order, for live preview.
func ExtractText(events []Event) string {
	var sb strings.Builder
	for _, ev := range events {
		if e, ok := ev.(ContentBlockDelta); ok {
			if d, ok := e.Delta.(TextDelta); ok {
				sb.WriteString(d.Text)
			}
		}
	}
	return sb.String()
}

// ExtractToolCalls returns the tool invocations seen so far, ordered by block index.
func ExtractToolCalls(events []Event) []anthropic.ToolUseBlock {
	type call struct {
		id, name string
		parts    []string
	}
	calls := make(map[int]*call)
	for _, ev := range events {
		switch e := ev.(type) {
		case ContentBlockStart:
			if b, ok := e.ContentBlock.(anthropic.ToolUseBlock); ok {
				calls[e.Index] = &call{id: b.ID, name: b.Name}
			}
		case ContentBlockDelta:
			if d, ok := e.Delta.(InputJSONDelta); ok {
				if c := calls[e.Index]; c != nil {
					c.parts = append(c.parts, d.PartialJSON)
				}
			}
		}
	}

	out := make([]anthropic.ToolUseBlock, 0, len(calls))
	for _, idx := range slices.Sorted(maps.Keys(calls)) {
		c := calls[idx]
		out = append(out, anthropic.ToolUseBlock{
			ID:    c.id,
			Name:  c.name,
			Input: parseToolInput(strings.Join(c.parts, "")),
		})
	}
	return out
}
