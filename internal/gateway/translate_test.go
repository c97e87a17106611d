package gateway

import (
	"encoding/json"
	"strings"
	"testing"

	"ctxproxy/internal/provider"
	"ctxproxy/internal/storage"
)

func TestDecodeInboundStringContent(t *testing.T) {
	msgs, err := decodeInbound([]inboundMessage{
		{Role: "user", Content: json.RawMessage(`"hello"`)},
		{Role: "assistant", Content: json.RawMessage(`"hi"`)},
	})
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages", len(msgs))
	}
	if msgs[0].Content != "hello" || msgs[0].Role != storage.RoleUser {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
}

func TestDecodeInboundBlockContent(t *testing.T) {
	raw := `[
		{"type":"text","text":"look at this"},
		{"type":"tool_use","id":"t1","name":"read","input":{"file_path":"a.go"}}
	]`
	msgs, err := decodeInbound([]inboundMessage{
		{Role: "user", Content: json.RawMessage(raw)},
	})
	if err != nil {
		t.Fatalf("decodeInbound: %v", err)
	}
	if len(msgs[0].Blocks) != 2 {
		t.Fatalf("got %d blocks", len(msgs[0].Blocks))
	}
	if msgs[0].Blocks[0].Type != storage.BlockText {
		t.Errorf("block 0 type = %q", msgs[0].Blocks[0].Type)
	}
	if msgs[0].Blocks[1].Name != "read" {
		t.Errorf("block 1 name = %q", msgs[0].Blocks[1].Name)
	}
}

func TestDecodeInboundRejectsBadRole(t *testing.T) {
	_, err := decodeInbound([]inboundMessage{
		{Role: "system", Content: json.RawMessage(`"x"`)},
	})
	if err == nil {
		t.Error("system role accepted in message list")
	}
}

func TestDecodeInboundRejectsBadContent(t *testing.T) {
	_, err := decodeInbound([]inboundMessage{
		{Role: "user", Content: json.RawMessage(`42`)},
	})
	if err == nil {
		t.Error("numeric content accepted")
	}
}

func TestDecodeSystem(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"string", `"be brief"`, "be brief"},
		{"blocks", `[{"type":"text","text":"be"},{"type":"text","text":"brief"}]`, "be\nbrief"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeSystem(json.RawMessage(tt.raw)); got != tt.want {
				t.Errorf("decodeSystem(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestToChatMessages(t *testing.T) {
	history := []storage.Message{
		{Role: storage.RoleUser, Content: "question"},
		{Role: storage.RoleAssistant, Content: "answer"},
	}

	chat := toChatMessages("sys prompt", history)
	if len(chat) != 3 {
		t.Fatalf("got %d chat messages, want 3", len(chat))
	}
	if chat[0].Role != storage.RoleSystem || chat[0].Content != "sys prompt" {
		t.Errorf("chat[0] = %+v", chat[0])
	}
	if chat[1].Content != "question" {
		t.Errorf("chat[1] = %+v", chat[1])
	}

	chat = toChatMessages("", history)
	if len(chat) != 2 {
		t.Errorf("got %d chat messages without system, want 2", len(chat))
	}
}

func TestBuildResponse(t *testing.T) {
	resp := buildResponse("test-model", &provider.ChatResult{
		Content:         "reply",
		Done:            true,
		DoneReason:      "stop",
		PromptEvalCount: 50,
		EvalCount:       7,
	}, 40)

	if !strings.HasPrefix(resp.ID, "msg_") {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Type != "message" || resp.Role != storage.RoleAssistant {
		t.Errorf("envelope = %+v", resp)
	}
	if len(resp.Content) != 1 || resp.Content[0].Text != "reply" {
		t.Errorf("Content = %+v", resp.Content)
	}
	if resp.StopReason != "stop" {
		t.Errorf("StopReason = %q", resp.StopReason)
	}
	// Backend-reported counts win over the estimate.
	if resp.Usage.InputTokens != 50 || resp.Usage.OutputTokens != 7 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestToChatTools(t *testing.T) {
	tools := toChatTools([]toolDef{{
		Name:        "read_file",
		Description: "read a file",
		InputSchema: json.RawMessage(`{"type":"object"}`),
	}})
	if len(tools) != 1 {
		t.Fatalf("got %d tools", len(tools))
	}
	if tools[0].Type != "function" {
		t.Errorf("Type = %q, want function", tools[0].Type)
	}
	if tools[0].Function.Name != "read_file" {
		t.Errorf("Name = %q", tools[0].Function.Name)
	}
	if string(tools[0].Function.Parameters) != `{"type":"object"}` {
		t.Errorf("Parameters = %s", tools[0].Function.Parameters)
	}

	if got := toChatTools(nil); got != nil {
		t.Errorf("toChatTools(nil) = %v, want nil", got)
	}
}

func TestBuildResponseToolCalls(t *testing.T) {
	resp := buildResponse("m", &provider.ChatResult{
		Content: "",
		ToolCalls: []provider.ToolCall{{
			Function: provider.ToolCallFunction{
				Name:      "read_file",
				Arguments: json.RawMessage(`{"file_path":"a.go"}`),
			},
		}},
		Done:       true,
		DoneReason: "stop",
	}, 40)

	if resp.StopReason != "tool_use" {
		t.Errorf("StopReason = %q, want tool_use", resp.StopReason)
	}
	if len(resp.Content) != 1 {
		t.Fatalf("Content = %+v, want one tool_use block", resp.Content)
	}
	block := resp.Content[0]
	if block.Type != "tool_use" || block.Name != "read_file" {
		t.Errorf("block = %+v", block)
	}
	if !strings.HasPrefix(block.ID, "toolu_") {
		t.Errorf("block ID = %q, want toolu_ prefix", block.ID)
	}
	if string(block.Input) != `{"file_path":"a.go"}` {
		t.Errorf("block Input = %s", block.Input)
	}
}

func TestBuildResponseTextWithToolCall(t *testing.T) {
	resp := buildResponse("m", &provider.ChatResult{
		Content: "let me check",
		ToolCalls: []provider.ToolCall{{
			Function: provider.ToolCallFunction{Name: "grep"},
		}},
	}, 40)

	if len(resp.Content) != 2 {
		t.Fatalf("Content = %+v, want text + tool_use", resp.Content)
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "let me check" {
		t.Errorf("text block = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "tool_use" {
		t.Errorf("second block = %+v", resp.Content[1])
	}
	// Missing arguments surface as an empty object, not null.
	if string(resp.Content[1].Input) != `{}` {
		t.Errorf("Input = %s", resp.Content[1].Input)
	}
}

func TestBuildResponseDefaults(t *testing.T) {
	resp := buildResponse("m", &provider.ChatResult{Content: "x"}, 40)
	if resp.StopReason != "end_turn" {
		t.Errorf("StopReason = %q, want end_turn", resp.StopReason)
	}
	if resp.Usage.InputTokens != 40 {
		t.Errorf("InputTokens = %d, want the estimate", resp.Usage.InputTokens)
	}
}
