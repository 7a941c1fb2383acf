package orchestration

import "log"

// MidTurnState is Tier 3 (§4.1): the finer lifecycle within one iteration
// of the agentic loop. Its sole purpose is to gate prompt regeneration and
// loop continuation.
type MidTurnState string

const (
	MidAwaitingModelResponse MidTurnState = "awaiting_model_response"
	MidProcessingToolCall    MidTurnState = "processing_tool_call"
	MidSqlResultsReturned    MidTurnState = "sql_results_returned"
	MidPythonHandoff         MidTurnState = "python_handoff"
	MidToolsDiscovered       MidTurnState = "tools_discovered"
	MidMcpResult             MidTurnState = "mcp_result"
	MidComplete              MidTurnState = "complete"
)

// MidTurnOutcome is the result category a ProcessingToolCall transition
// resolves to — it is the "one of SqlResultsReturned | PythonHandoff |
// ToolsDiscovered | McpResult" choice from §4.1.
type MidTurnOutcome string

const (
	OutcomeSqlResults     MidTurnOutcome = "sql_results"
	OutcomePythonHandoff  MidTurnOutcome = "python_handoff"
	OutcomeToolsDiscovered MidTurnOutcome = "tools_discovered"
	OutcomeMcpResult      MidTurnOutcome = "mcp_result"
)

// MidTurnStateMachine tracks Tier 3 for one agentic-loop iteration at a
// time; ShouldRegenerateSystemPrompt / IsComplete read off the current
// state rather than duplicating the transition logic.
type MidTurnStateMachine struct {
	current MidTurnState
}

// NewMidTurnStateMachine starts in AwaitingModelResponse, per §4.1.
func NewMidTurnStateMachine() *MidTurnStateMachine {
	return &MidTurnStateMachine{current: MidAwaitingModelResponse}
}

func (m *MidTurnStateMachine) Current() MidTurnState {
	return m.current
}

// OnModelResponded moves AwaitingModelResponse → ProcessingToolCall when
// the parsed response contained at least one tool call, or → Complete when
// it contained none (§4.3 step 8: "Stop when: model emits no tool calls").
func (m *MidTurnStateMachine) OnModelResponded(hasToolCalls bool) MidTurnState {
	if m.current != MidAwaitingModelResponse {
		log.Printf("[MidTurn] OnModelResponded called outside AwaitingModelResponse (state=%s)", m.current)
		return m.current
	}
	if hasToolCalls {
		m.current = MidProcessingToolCall
	} else {
		m.current = MidComplete
	}
	return m.current
}

// OnToolProcessed moves ProcessingToolCall to the outcome-specific state.
// The machine stays there until Rearm moves it back to
// AwaitingModelResponse — the outcome states exist only to let an observer
// (SSE bus) and ShouldRegenerateSystemPrompt see why the loop is
// re-entering, not to be held across iterations.
func (m *MidTurnStateMachine) OnToolProcessed(outcome MidTurnOutcome) MidTurnState {
	if m.current != MidProcessingToolCall {
		log.Printf("[MidTurn] OnToolProcessed called outside ProcessingToolCall (state=%s)", m.current)
		return m.current
	}
	switch outcome {
	case OutcomeSqlResults:
		m.current = MidSqlResultsReturned
	case OutcomePythonHandoff:
		m.current = MidPythonHandoff
	case OutcomeToolsDiscovered:
		m.current = MidToolsDiscovered
	case OutcomeMcpResult:
		m.current = MidMcpResult
	default:
		log.Printf("[MidTurn] unknown outcome %q", outcome)
	}
	return m.current
}

// Rearm transitions any of the outcome states back to AwaitingModelResponse
// for the next iteration. Calling it from MidComplete is a no-op: once
// complete, the turn does not re-enter.
func (m *MidTurnStateMachine) Rearm() MidTurnState {
	switch m.current {
	case MidSqlResultsReturned, MidPythonHandoff, MidToolsDiscovered, MidMcpResult:
		m.current = MidAwaitingModelResponse
	}
	return m.current
}

// ShouldRegenerateSystemPrompt is true exactly when Tier 3 has just
// produced an outcome — system-prompt regeneration must happen strictly
// before the next model request in the same turn (§5).
func (m *MidTurnStateMachine) ShouldRegenerateSystemPrompt() bool {
	switch m.current {
	case MidSqlResultsReturned, MidPythonHandoff, MidToolsDiscovered, MidMcpResult:
		return true
	default:
		return false
	}
}

// IsComplete reports whether the turn's mid-turn lifecycle has ended.
func (m *MidTurnStateMachine) IsComplete() bool {
	return m.current == MidComplete
}
