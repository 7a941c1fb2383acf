package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/pocketomega/pocket-omega/internal/plan"
)

// ── Event taxonomy ──

// Frontend event names. Contract: kebab-case only, no snake_case. This list
// is non-exhaustive — a handler may emit an event not named here as long as
// it stays kebab-case — but every name a handler references as a constant
// lives here so the taxonomy stays visible in one place.
const (
	EventChatToken        = "chat-token"
	EventChatFinished     = "chat-finished"
	EventChatError        = "chat-error"
	EventChatWarning      = "chat-warning"
	EventChatSaved        = "chat-saved"
	EventChatStreamStatus = "chat-stream-status"
	EventChatThought      = "chat-thought"

	EventToolExecuting = "tool-executing"
	EventToolResult    = "tool-result"
	EventToolHeartbeat = "tool-heartbeat"
	EventToolBlocked   = "tool-blocked"

	EventModelStuck            = "model-stuck"
	EventModelSelected         = "model-selected"
	EventModelStateChanged     = "model-state-changed"
	EventModelDownloadProgress = "model-download-progress"
	EventModelLoadComplete     = "model-load-complete"

	EventGPUStatus             = "gpu-status"
	EventSchemaRefreshProgress = "schema-refresh-progress"
	EventRAGProgress           = "rag-progress"
	EventStartupProgress       = "startup-progress"
	EventSystemPrompt          = "system-prompt"

	// Agent-loop-internal events outside the non-exhaustive contract above,
	// still kebab-case.
	EventAgentStep = "agent-step"
	EventAgentPlan = "plan"
)

// ── Event bus ──

// EventBus wraps an http.ResponseWriter with SSE event writing and client
// disconnect detection. Shared by Chat and Agent handlers so both speak the
// same event taxonomy over one transport.
type EventBus struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
}

// newEventBus prepares SSE headers and returns a bus.
// Returns nil if streaming is not supported.
func newEventBus(w http.ResponseWriter, r *http.Request) *EventBus {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	return &EventBus{w: w, flusher: flusher, ctx: r.Context()}
}

// Send writes an SSE event. Returns false if the client has disconnected.
func (b *EventBus) Send(event string, data interface{}) bool {
	select {
	case <-b.ctx.Done():
		return false
	default:
	}
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		log.Printf("[SSE] JSON marshal error: %v", err)
		return false
	}
	if _, err := fmt.Fprintf(b.w, "event: %s\ndata: %s\n\n", event, string(jsonBytes)); err != nil {
		log.Printf("[SSE] Write error (client disconnected?): %v", err)
		return false
	}
	b.flusher.Flush()
	return true
}

// ── Event payloads ──

type sseThoughtEvent struct {
	ThoughtNumber   int    `json:"thought_number"`
	CurrentThinking string `json:"current_thinking"`
	PlanText        string `json:"plan_text,omitempty"`
}

type sseDoneEvent struct {
	Solution string      `json:"solution"`
	Stats    *agentStats `json:"stats,omitempty"` // nil for ChatHandler
}

// agentStats holds execution statistics returned in the done event.
type agentStats struct {
	Steps      int   `json:"steps"`
	ToolCalls  int   `json:"tool_calls"`
	ElapsedMs  int64 `json:"elapsed_ms"`
	TokensUsed int64 `json:"tokens_used"` // 0 if CostGuard disabled
}

type sseWarningEvent struct {
	Message string `json:"message"`
}

type sseBlockedEvent struct {
	ToolName string `json:"tool_name"`
}

type ssePlanEvent struct {
	Steps []plan.PlanStep `json:"steps"`
}
