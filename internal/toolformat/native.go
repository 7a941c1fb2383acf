package toolformat

import (
	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// nativeDispatcher implements the OpenAI-compatible Native format (§4.4
// table, row 1). Unlike every other format, Native doesn't parse call
// syntax out of text at all — the provider's tool_calls[] API field already
// gives structured calls (see llm.Message.ToolCalls, populated by
// llm.LLMProvider.CallLLMWithTools). Parse exists only to satisfy the
// Dispatcher interface uniformly; callers that already have
// llm.Message.ToolCalls should use NativeCallsFromMessage instead.
type nativeDispatcher struct{}

func (nativeDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatNative }

func (nativeDispatcher) PromptInstruction([]orchestration.ToolSchema) string {
	return "" // Native needs no explicit format text (§4.4).
}

// Parse is a no-op for Native: there is no text call syntax to detect, so
// the whole input is treated as final text with zero parsed calls. Real
// call extraction happens via NativeCallsFromMessage against the
// structured API response.
func (nativeDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	return text, nil
}

// FormatResult wraps a tool result as role=tool with tool_call_id (§4.4):
// "role=tool message with tool_call_id".
func (nativeDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	if toolErr != "" {
		content = content + "\n[error] " + toolErr
	}
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		Name:       call.FullyQualifiedName(),
		ToolCallID: call.NativeCallID,
	}
}

// NativeCallsFromMessage converts the provider's structured tool_calls into
// ParsedToolCall, preserving the API-native call id (§4.4: "tool_call_id is
// preserved ... Native always").
func NativeCallsFromMessage(msg llm.Message) []orchestration.ParsedToolCall {
	calls := make([]orchestration.ParsedToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, newCall(tc.Name, string(tc.Arguments), "", tc.ID))
	}
	return calls
}
