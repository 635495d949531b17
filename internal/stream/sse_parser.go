package stream

import (
	"bytes"
)

// DoneSentinel is the data payload some servers send to mark stream end.
const DoneSentinel = "[DONE]"

var dataPrefix = []byte("data:")

// Parser maintains state across chunks to handle frames that span reads.
// Frames are separated by a blank line; only data: lines carry payload.
// A Parser is not safe for concurrent use.
type Parser struct {
	buffer  []byte
	events  []Event
	dropped int
}

func NewParser() *Parser {
	return &Parser{}
}

// Feed appends chunk to the carry-over buffer and returns the events of every
// frame completed by it. Split points need not align with framing.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buffer = append(p.buffer, chunk...)

	var events []Event
	for {
		frame, rest, ok := splitFrame(p.buffer)
		if !ok {
			break
		}
		events = append(events, p.parseFrame(frame)...)
		p.buffer = rest
	}

	// Reclaim consumed prefix once the carry-over is all that remains.
	if len(p.buffer) == 0 {
		p.buffer = nil
	}
	return events
}

// Flush parses whatever is left in the buffer as if a trailing blank line had
// arrived, then clears it.
func (p *Parser) Flush() []Event {
	if len(bytes.TrimSpace(p.buffer)) == 0 {
		p.buffer = nil
		return nil
	}
	events := p.parseFrame(p.buffer)
	p.buffer = nil
	return events
}

// Reset clears the carry-over buffer and the event history.
func (p *Parser) Reset() {
	p.buffer = nil
	p.events = nil
	p.dropped = 0
}

// Events returns a copy of every event parsed since the last Reset.
func (p *Parser) Events() []Event {
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Dropped reports how many data payloads failed to decode.
func (p *Parser) Dropped() int {
	return p.dropped
}

// Pending reports the size of the incomplete trailing frame.
func (p *Parser) Pending() int {
	return len(p.buffer)
}

func (p *Parser) parseFrame(frame []byte) []Event {
	var events []Event
	for len(frame) > 0 {
		var line []byte
		if i := bytes.IndexByte(frame, '\n'); i >= 0 {
			line, frame = frame[:i], frame[i+1:]
		} else {
			line, frame = frame, nil
		}

		line = bytes.TrimSpace(line)
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := bytes.TrimSpace(line[len(dataPrefix):])
		if len(payload) == 0 || string(payload) == DoneSentinel {
			continue
		}

		ev, err := DecodeEvent(payload)
		if err != nil {
			p.dropped++
			continue
		}
		events = append(events, ev)
		p.events = append(p.events, ev)
	}
	return events
}

// splitFrame returns the bytes before the first blank line and the bytes after it.
func splitFrame(buf []byte) (frame, rest []byte, ok bool) {
	start := 0
	for {
		i := bytes.IndexByte(buf[start:], '\n')
		if i < 0 {
			return nil, buf, false
		}
		line := buf[start : start+i]
		next := start + i + 1
		if len(bytes.TrimRight(line, "\r")) == 0 {
			return buf[:start], buf[next:], true
		}
		start = next
	}
}
