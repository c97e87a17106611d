package gateway

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"ctxproxy/internal/provider"
	"ctxproxy/internal/storage"
)

// messagesRequest is the inbound chat request body.
type messagesRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	System      json.RawMessage  `json:"system,omitempty"`
	Messages    []inboundMessage `json:"messages"`
	Tools       []toolDef        `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	TopP        float64          `json:"top_p,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
}

// toolDef is one tool definition in the inbound shape.
type toolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// inboundMessage carries a role plus content that is either a bare
// string or a list of typed blocks.
type inboundMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// messagesResponse is the outbound chat response body.
type messagesResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Model      string          `json:"model"`
	Content    []responseBlock `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      usage           `json:"usage"`
}

type responseBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// decodeInbound converts request messages to the internal form.
func decodeInbound(msgs []inboundMessage) ([]storage.Message, error) {
	out := make([]storage.Message, 0, len(msgs))
	for i, im := range msgs {
		if im.Role != storage.RoleUser && im.Role != storage.RoleAssistant {
			return nil, fmt.Errorf("message %d: unsupported role %q", i, im.Role)
		}

		msg := storage.Message{Role: im.Role}

		var text string
		if err := json.Unmarshal(im.Content, &text); err == nil {
			msg.Content = text
			out = append(out, msg)
			continue
		}

		var blocks []storage.Block
		if err := json.Unmarshal(im.Content, &blocks); err != nil {
			return nil, fmt.Errorf("message %d: content must be a string or block list", i)
		}
		msg.Blocks = blocks
		out = append(out, msg)
	}
	return out, nil
}

// decodeSystem flattens the system field, which is a bare string or a
// list of text blocks.
func decodeSystem(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var blocks []storage.Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == storage.BlockText {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

// toChatMessages flattens the active window into the backend's chat
// shape. Retrieved and archived markers travel as system turns.
func toChatMessages(system string, history []storage.Message) []provider.ChatMessage {
	out := make([]provider.ChatMessage, 0, len(history)+1)
	if system != "" {
		out = append(out, provider.ChatMessage{Role: storage.RoleSystem, Content: system})
	}
	for i := range history {
		msg := &history[i]
		out = append(out, provider.ChatMessage{Role: msg.Role, Content: msg.PlainText()})
	}
	return out
}

// toChatTools converts inbound tool definitions to the backend's
// function-tool shape.
func toChatTools(defs []toolDef) []provider.Tool {
	if len(defs) == 0 {
		return nil
	}
	out := make([]provider.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, provider.Tool{
			Type: "function",
			Function: provider.ToolFunction{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.InputSchema,
			},
		})
	}
	return out
}

// buildResponse wraps a backend reply in the outbound shape. Tool calls
// requested by the model become tool_use blocks.
func buildResponse(model string, result *provider.ChatResult, inputTokens int) messagesResponse {
	content := make([]responseBlock, 0, 1+len(result.ToolCalls))
	if result.Content != "" || len(result.ToolCalls) == 0 {
		content = append(content, responseBlock{Type: "text", Text: result.Content})
	}
	for _, tc := range result.ToolCalls {
		input := tc.Function.Arguments
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		content = append(content, responseBlock{
			Type:  "tool_use",
			ID:    "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	stopReason := result.DoneReason
	if len(result.ToolCalls) > 0 {
		stopReason = "tool_use"
	} else if stopReason == "" {
		stopReason = "end_turn"
	}

	outputTokens := result.EvalCount
	if result.PromptEvalCount > 0 {
		inputTokens = result.PromptEvalCount
	}

	return messagesResponse{
		ID:         "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		Type:       "message",
		Role:       storage.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage{InputTokens: inputTokens, OutputTokens: outputTokens},
	}
}
