package llm

import (
	"context"
	"encoding/json"
)

// Message represents a chat message for LLM communication.
type Message struct {
	Role             string `json:"role"`                         // "user", "assistant", "system", "tool"
	Content          string `json:"content"`                      // The message text
	ReasoningContent string `json:"reasoning_content,omitempty"`  // Native thinking output (e.g. DeepSeek-R1)
	Name             string `json:"name,omitempty"`                // Tool name, set when Role == RoleTool
	ToolCallID       string `json:"tool_call_id,omitempty"`        // Echoes the ToolCall.ID this message answers
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`      // Set on assistant messages that invoke tools
}

// ToolCall is a single function-call the model asked to run, in the Native
// format (§4.4). Other formats are parsed into the same shape by
// internal/toolformat so the agentic loop never branches on wire format.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition describes a callable tool to a provider's native
// tool-calling API (the "tools" array of a chat-completions request).
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// StreamCallback is invoked for each chunk of streamed text.
// Implementations should be lightweight; heavy work should be deferred.
type StreamCallback func(chunk string)

// LLMProvider defines the interface for all LLM implementations.
// Any OpenAI-compatible endpoint (litellm, Ollama, Azure, vLLM, etc.)
// can be used by implementing this interface.
type LLMProvider interface {
	// CallLLM sends messages to the LLM and returns the complete response.
	CallLLM(ctx context.Context, messages []Message) (Message, error)

	// CallLLMStream sends messages and streams the response token-by-token.
	// Each chunk of text triggers the onChunk callback.
	// Returns the full assembled message once streaming finishes.
	// If the provider does not support streaming, it may fall back to CallLLM.
	CallLLMStream(ctx context.Context, messages []Message, onChunk StreamCallback) (Message, error)

	// CallLLMWithTools sends messages plus a tool catalogue using the
	// provider's native function-calling API. Used by the Native tool-call
	// format; text-embedded formats (Hermes, Mistral, Pythonic, PureJson,
	// Harmony, CodeMode) instead call CallLLM/CallLLMStream and parse the
	// returned Content themselves.
	CallLLMWithTools(ctx context.Context, messages []Message, tools []ToolDefinition) (Message, error)

	// IsToolCallingEnabled reports whether this provider/model combination
	// supports CallLLMWithTools. The Tool Capability Resolver (§4.2) falls
	// back to a text-embedded format when this is false.
	IsToolCallingEnabled() bool

	// GetName returns the provider name/identifier.
	GetName() string
}

// Role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
