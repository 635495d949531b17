package anthropic

import (
	"encoding/json"
	"fmt"
)

// Content block type discriminators.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockImage            = "image"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// ContentBlock is one addressable unit of message content. The set of
// implementations is closed; callers switch over the concrete types.
type ContentBlock interface {
	BlockType() string
	contentBlock()
}

type TextBlock struct {
	Text string `json:"text"`
}

type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type ImageBlock struct {
	Source ImageSource `json:"source"`
}

type ImageSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolResultBlock keeps Content raw: it is either a string or a nested block list.
type ToolResultBlock struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

type RedactedThinkingBlock struct {
	Data string `json:"data"`
}

// RawBlock carries a block of a type this package does not model, verbatim.
type RawBlock struct {
	Type string
	Raw  json.RawMessage
}

func (TextBlock) BlockType() string             { return BlockText }
func (ToolUseBlock) BlockType() string          { return BlockToolUse }
func (ImageBlock) BlockType() string            { return BlockImage }
func (ToolResultBlock) BlockType() string       { return BlockToolResult }
func (ThinkingBlock) BlockType() string         { return BlockThinking }
func (RedactedThinkingBlock) BlockType() string { return BlockRedactedThinking }
func (b RawBlock) BlockType() string            { return b.Type }

func (TextBlock) contentBlock()             {}
func (ToolUseBlock) contentBlock()          {}
func (ImageBlock) contentBlock()            {}
func (ToolResultBlock) contentBlock()       {}
func (ThinkingBlock) contentBlock()         {}
func (RedactedThinkingBlock) contentBlock() {}
func (RawBlock) contentBlock()              {}

var (
	_ ContentBlock = TextBlock{}
	_ ContentBlock = ToolUseBlock{}
	_ ContentBlock = ImageBlock{}
	_ ContentBlock = ToolResultBlock{}
	_ ContentBlock = ThinkingBlock{}
	_ ContentBlock = RedactedThinkingBlock{}
	_ ContentBlock = RawBlock{}
)

func (b TextBlock) MarshalJSON() ([]byte, error) {
	type plain TextBlock
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockText, plain(b)})
}

func (b ToolUseBlock) MarshalJSON() ([]byte, error) {
	type plain ToolUseBlock
	if b.Input == nil {
		b.Input = map[string]any{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockToolUse, plain(b)})
}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	type plain ImageBlock
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockImage, plain(b)})
}

func (b ToolResultBlock) MarshalJSON() ([]byte, error) {
	type plain ToolResultBlock
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockToolResult, plain(b)})
}

func (b ThinkingBlock) MarshalJSON() ([]byte, error) {
	type plain ThinkingBlock
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockThinking, plain(b)})
}

func (b RedactedThinkingBlock) MarshalJSON() ([]byte, error) {
	type plain RedactedThinkingBlock
	return json.Marshal(struct {
		Type string `json:"type"`
		plain
	}{BlockRedactedThinking, plain(b)})
}

func (b RawBlock) MarshalJSON() ([]byte, error) {
	if len(b.Raw) == 0 {
		return json.Marshal(struct {
			Type string `json:"type"`
		}{b.Type})
	}
	return b.Raw, nil
}

// DecodeBlock decodes a single content block by its "type" discriminator.
// Unknown types decode to a RawBlock rather than failing.
func DecodeBlock(data []byte) (ContentBlock, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode content block: %w", err)
	}

	var (
		block ContentBlock
		err   error
	)
	switch head.Type {
	case BlockText:
		var b TextBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockToolUse:
		var b ToolUseBlock
		err = json.Unmarshal(data, &b)
		if b.Input == nil {
			b.Input = map[string]any{}
		}
		block = b
	case BlockImage:
		var b ImageBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockToolResult:
		var b ToolResultBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockThinking:
		var b ThinkingBlock
		err = json.Unmarshal(data, &b)
		block = b
	case BlockRedactedThinking:
		var b RedactedThinkingBlock
		err = json.Unmarshal(data, &b)
		block = b
	case "":
		return nil, fmt.Errorf("decode content block: missing type")
	default:
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		block = RawBlock{Type: head.Type, Raw: raw}
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s block: %w", head.Type, err)
	}
	return block, nil
}

// Blocks is an ordered content list that round-trips through JSON.
type Blocks []ContentBlock

func (bs Blocks) MarshalJSON() ([]byte, error) {
	if bs == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]ContentBlock(bs))
}

func (bs *Blocks) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Blocks, 0, len(raws))
	for _, raw := range raws {
		b, err := DecodeBlock(raw)
		if err != nil {
			return err
		}
		out = append(out, b)
	}
	*bs = out
	return nil
}
