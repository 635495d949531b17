// Package anthropic models the parts of the Messages API that the wiretap
// observes on the wire: request bodies, complete messages and API errors.
package anthropic

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

type Request struct {
	Model         string          `json:"model"`
	Messages      []ReqMessage    `json:"messages"`
	System        json.RawMessage `json:"system"` // string OR []SystemBlock
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature"`
	TopP          *float64        `json:"top_p"`
	TopK          *int            `json:"top_k"`
	Stream        bool            `json:"stream"`
	Tools         []Tool          `json:"tools"`
	ToolChoice    json.RawMessage `json:"tool_choice"` // {"type":"auto"|"any"|"tool","name":"..."}
	StopSequences []string        `json:"stop_sequences"`
	Thinking      *ThinkingConfig `json:"thinking"`
	Metadata      json.RawMessage `json:"metadata"`
}

type ReqMessage struct {
	Role    string          `json:"role"`    // "user" | "assistant"
	Content json.RawMessage `json:"content"` // string OR []ContentBlock
}

type SystemBlock struct {
	Type         string        `json:"type"` // "text"
	Text         string        `json:"text"`
	CacheControl *CacheControl `json:"cache_control"`
}

type CacheControl struct {
	Type string `json:"type"` // "ephemeral"
}

type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled"
	BudgetTokens int    `json:"budget_tokens"`
}

// Response is either a *Message or an *ErrorResponse.
type Response interface {
	ResponseType() string
	response()
}

type Message struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"` // "message"
	Role         string  `json:"role"` // "assistant"
	Content      Blocks  `json:"content"`
	Model        string  `json:"model"`
	StopReason   *string `json:"stop_reason"` // "end_turn" | "max_tokens" | "tool_use" | "stop_sequence"
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

type ErrorResponse struct {
	Type  string   `json:"type"` // "error"
	Error APIError `json:"error"`
}

type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (*Message) ResponseType() string       { return "message" }
func (*ErrorResponse) ResponseType() string { return "error" }
func (*Message) response()                  {}
func (*ErrorResponse) response()            {}

var ErrUnknownResponse = errors.New("anthropic: unrecognized response type")

// ParseResponse decodes a buffered (non-streaming) response body.
func ParseResponse(body []byte) (Response, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	switch head.Type {
	case "message":
		var m Message
		if err := json.Unmarshal(body, &m); err != nil {
			return nil, fmt.Errorf("parse message: %w", err)
		}
		return &m, nil
	case "error":
		var e ErrorResponse
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, fmt.Errorf("parse error response: %w", err)
		}
		return &e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponse, head.Type)
	}
}

// ParseRequest validates a request body. The returned raw form is the
// compacted body, preserving fields the Request struct does not model.
func ParseRequest(body []byte) (*Request, json.RawMessage, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("parse request: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, nil, fmt.Errorf("compact request: %w", err)
	}
	return &req, json.RawMessage(buf.Bytes()), nil
}

type Summary struct {
	Model                string
	SystemPrompt         string
	MaxTokens            int
	Temperature          *float64
	TopP                 *float64
	MessageCount         int
	ToolCount            int
	Stream               bool
	ThinkingBudgetTokens int
}

// MarshalZerologObject writes the summary as log fields. Unset sampling
// parameters and a zero thinking budget are left out.
func (s Summary) MarshalZerologObject(e *zerolog.Event) {
	model := s.Model
	if model == "" {
		model = "unknown"
	}
	e.Str("model", model).
		Int("messages", s.MessageCount).
		Int("tools", s.ToolCount).
		Bool("stream", s.Stream).
		Int("max_tokens", s.MaxTokens).
		Int("system_chars", len(s.SystemPrompt))
	if s.ThinkingBudgetTokens > 0 {
		e.Int("thinking_budget", s.ThinkingBudgetTokens)
	}
	if s.Temperature != nil {
		e.Float64("temperature", *s.Temperature)
	}
	if s.TopP != nil {
		e.Float64("top_p", *s.TopP)
	}
}

func Summarize(req *Request) Summary {
	if req == nil {
		return Summary{}
	}

	var budget int
	if req.Thinking != nil {
		budget = req.Thinking.BudgetTokens
	}

	return Summary{
		Model:                req.Model,
		SystemPrompt:         extractSystemPrompt(req.System),
		MaxTokens:            req.MaxTokens,
		Temperature:          req.Temperature,
		TopP:                 req.TopP,
		MessageCount:         len(req.Messages),
		ToolCount:            len(req.Tools),
		Stream:               req.Stream,
		ThinkingBudgetTokens: budget,
	}
}

// extractSystemPrompt handles both string and []SystemBlock forms.
func extractSystemPrompt(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []SystemBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}

	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}
