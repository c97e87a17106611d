package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// BlockType discriminates content block variants.
type BlockType string

// Content block kinds.
const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ImageSource describes an image payload.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Block is one typed content block. Exactly the fields for its Type are
// populated; everything else stays zero.
type Block struct {
	Type BlockType `json:"type"`

	// BlockText
	Text string `json:"text,omitempty"`

	// BlockImage
	Source *ImageSource `json:"source,omitempty"`

	// BlockToolUse
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// BlockToolResult
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Message is one entry in a session's conversation log. Content carries
// plain text; Blocks carries structured content and takes precedence
// when non-empty.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content,omitempty"`
	Blocks    []Block   `json:"blocks,omitempty"`
	Name      string    `json:"name,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// Cache markers for synthetic messages.
	Archived       bool    `json:"archived,omitempty"`
	Retrieved      bool    `json:"retrieved,omitempty"`
	ArchiveID      string  `json:"archive_id,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// PlainText flattens the message content into a single string. Structured
// blocks are rendered in a readable bracketed form.
func (m *Message) PlainText() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}

	var parts []string
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockText:
			parts = append(parts, b.Text)
		case BlockImage:
			parts = append(parts, "[Image attached]")
		case BlockToolUse:
			parts = append(parts, fmt.Sprintf("[Tool: %s with input: %s]", b.Name, string(b.Input)))
		case BlockToolResult:
			parts = append(parts, fmt.Sprintf("[Tool Result: %s]", toolResultText(b.Content)))
		default:
			parts = append(parts, string(b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// toolResultText renders a tool_result content payload, which can be a
// bare string or a nested list of text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == BlockText {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, " ")
	}

	return string(raw)
}
