package orchestration

import "log"

// AgenticStateKind tags the AgenticState sealed variant (§4.1 Tier 2,
// §9 design note: "a sealed tagged variant per channel with pattern-matched
// handling; missing arms are a compile-time or exhaustive-match error" —
// approximated in Go via an exhaustive switch with a logged default arm).
type AgenticStateKind string

const (
	StateConversational        AgenticStateKind = "conversational"
	StateRagRetrieval          AgenticStateKind = "rag_retrieval"
	StateSqlRetrieval          AgenticStateKind = "sql_retrieval"
	StateToolOrchestration     AgenticStateKind = "tool_orchestration"
	StateCodeExecution         AgenticStateKind = "code_execution"
	StateHybrid                AgenticStateKind = "hybrid"
	StateRagContextInjected    AgenticStateKind = "rag_context_injected"
	StateSchemaContextInjected AgenticStateKind = "schema_context_injected"
	StateSqlResultCommentary   AgenticStateKind = "sql_result_commentary"
	StateCodeExecutionHandoff  AgenticStateKind = "code_execution_handoff"
	StateToolsDiscovered       AgenticStateKind = "tools_discovered"
)

// AgenticState is the mid-turn state (§3.1, §4.1). Only the fields relevant
// to Kind are meaningful at any one time — this mirrors the teacher's
// Decision{Action string, ...} pattern of a tagged struct rather than an
// interface hierarchy, since every field is a plain value the prompt
// builder needs to read without a type switch.
type AgenticState struct {
	Kind AgenticStateKind

	// RagRetrieval / Hybrid
	MaxChunkRelevancy float64
	SchemaRelevancy   float64

	// SqlRetrieval
	DiscoveredTables  []string
	MaxTableRelevancy float64

	// ToolOrchestration / ToolsDiscovered
	MaterializedTools []string
	AvailableForCall  []string
	NewlyMaterialized []string

	// CodeExecution
	AvailableTools []string

	// Hybrid
	ActiveCapabilities []Capability

	// RagContextInjected
	Chunks            []string
	UserCanSeeSources bool

	// SchemaContextInjected
	Tables      []string
	SqlEnabled  bool

	// Shared by RagContextInjected / SchemaContextInjected
	MaxRelevancy float64

	// SqlResultCommentary
	RowCount           int
	QueryContext       string
	ResultsShownToUser bool

	// CodeExecutionHandoff
	StdoutShownToUser bool
	StderrForModel    string
}

// StateEventKind tags the events the agentic loop feeds into Tier 2 (§4.1).
type StateEventKind string

const (
	EventRagRetrieved       StateEventKind = "rag_retrieved"
	EventSchemaSearched     StateEventKind = "schema_searched"
	EventSqlExecuted        StateEventKind = "sql_executed"
	EventPythonExecuted     StateEventKind = "python_executed"
	EventToolSearchComplete StateEventKind = "tool_search_completed"
	EventMcpToolExecuted    StateEventKind = "mcp_tool_executed"
	EventModelResponseFinal StateEventKind = "model_response_final"
)

// StateEvent is one input to the Tier 2 transition function.
type StateEvent struct {
	Kind StateEventKind

	Chunks []string // EventRagRetrieved

	SchemaRelevancy float64 // EventSchemaSearched
	Tables          []string
	SqlEnabled      bool

	RowCount     int           // EventSqlExecuted
	QueryContext string

	Stdout string // EventPythonExecuted
	Stderr string

	MaterializedTools []string // EventToolSearchComplete
	AvailableForCall  []string

	ToolName string // EventMcpToolExecuted
}

// AgenticStateMachine is Tier 2: created per turn, tracks AgenticState
// across agentic-loop iterations, and gates tool admission.
type AgenticStateMachine struct {
	current AgenticState
}

// NewAgenticStateMachine applies the initial-state rule (§4.1) once at turn
// start, given thresholds from AppSettings and the turn's observed
// relevancy scores.
func NewAgenticStateMachine(thresholds RelevancyThresholds, ragRelevancy, schemaRelevancy float64) *AgenticStateMachine {
	rp := ragRelevancy >= thresholds.RagChunkMin
	sp := schemaRelevancy >= thresholds.SchemaTableMin
	rd := ragRelevancy >= thresholds.RagDominant

	var state AgenticState
	switch {
	case rp && rd:
		// (rp, _, true) → RagRetrieval (schema suppressed).
		state = AgenticState{Kind: StateRagRetrieval, MaxChunkRelevancy: ragRelevancy}
	case rp && sp:
		// (true, true, false) → Hybrid.
		state = AgenticState{
			Kind:               StateHybrid,
			MaxChunkRelevancy:  ragRelevancy,
			SchemaRelevancy:    schemaRelevancy,
			ActiveCapabilities: []Capability{CapRag, CapSchemaSearch},
		}
	case rp:
		// (true, false, _) → RagRetrieval.
		state = AgenticState{Kind: StateRagRetrieval, MaxChunkRelevancy: ragRelevancy}
	case sp:
		// (false, true, _) → SqlRetrieval.
		state = AgenticState{Kind: StateSqlRetrieval, MaxTableRelevancy: schemaRelevancy}
	default:
		// (false, false, _) → Conversational.
		state = AgenticState{Kind: StateConversational}
	}
	return &AgenticStateMachine{current: state}
}

// NewAgenticStateMachineFromMatches is the §4.1 Tier 2 entry point for
// callers that only have raw schema-search match signals (table/column
// match strength), not an already-combined relevancy float: it runs them
// through scorer (nil falls back to DefaultSchemaRelevancyExpression,
// matching the pre-scorer behavior of treating table match as the whole
// signal) before applying the same initial-state rule as
// NewAgenticStateMachine.
func NewAgenticStateMachineFromMatches(thresholds RelevancyThresholds, ragRelevancy float64, scorer *RelevancyScorer, tableMatch, columnMatch float64) (*AgenticStateMachine, error) {
	if scorer == nil {
		var err error
		scorer, err = NewRelevancyScorer("")
		if err != nil {
			return nil, err
		}
	}
	schemaRelevancy, err := scorer.ScoreSchemaMatch(tableMatch, columnMatch)
	if err != nil {
		return nil, err
	}
	return NewAgenticStateMachine(thresholds, ragRelevancy, schemaRelevancy), nil
}

// NewAgenticStateMachineFromMode seeds Tier 2 directly from a Tier-1 mode
// for modes the relevancy-driven rule doesn't cover (ToolMode, CodeMode) —
// e.g. §8 scenario 3: CodeMode primary with python_execution only.
func NewAgenticStateMachineFromMode(mode OperationalMode, tc TurnConfiguration) *AgenticStateMachine {
	switch mode {
	case ModeCodeMode:
		return &AgenticStateMachine{current: AgenticState{Kind: StateCodeExecution, AvailableTools: tc.EnabledTools}}
	case ModeToolMode:
		return &AgenticStateMachine{current: AgenticState{Kind: StateToolOrchestration, MaterializedTools: tc.Availability.materializedNames()}}
	default:
		return &AgenticStateMachine{current: AgenticState{Kind: StateConversational}}
	}
}

func (a ToolAvailability) materializedNames() []string {
	names := make([]string, 0, len(a.VisibleMcpTools))
	for _, t := range a.VisibleMcpTools {
		names = append(names, t.FullyQualifiedName())
	}
	return names
}

// Current returns the current state.
func (sm *AgenticStateMachine) Current() AgenticState {
	return sm.current
}

// Transition consumes a StateEvent (§4.1). Transitions are total: every
// (state, event) pair is defined. An event that doesn't apply to the
// current state leaves the state unchanged and logs a "tool-blocked"
// observation, exactly as §4.1 specifies.
func (sm *AgenticStateMachine) Transition(evt StateEvent) AgenticState {
	next, handled := sm.applyEvent(evt)
	if !handled {
		log.Printf("[StateMachine] event %s not valid in state %s — tool-blocked observation, state unchanged", evt.Kind, sm.current.Kind)
		return sm.current
	}
	sm.current = next
	return sm.current
}

func (sm *AgenticStateMachine) applyEvent(evt StateEvent) (AgenticState, bool) {
	cur := sm.current
	switch evt.Kind {
	case EventRagRetrieved:
		switch cur.Kind {
		case StateRagRetrieval, StateHybrid, StateConversational:
			return AgenticState{
				Kind:              StateRagContextInjected,
				Chunks:            evt.Chunks,
				MaxRelevancy:      cur.MaxChunkRelevancy,
				UserCanSeeSources: true,
			}, true
		}
	case EventSchemaSearched:
		switch cur.Kind {
		case StateSqlRetrieval, StateHybrid, StateConversational:
			return AgenticState{
				Kind:         StateSchemaContextInjected,
				Tables:       evt.Tables,
				MaxRelevancy: evt.SchemaRelevancy,
				SqlEnabled:   evt.SqlEnabled,
			}, true
		}
	case EventSqlExecuted:
		switch cur.Kind {
		case StateSchemaContextInjected, StateSqlRetrieval:
			return AgenticState{
				Kind:               StateSqlResultCommentary,
				RowCount:           evt.RowCount,
				QueryContext:       evt.QueryContext,
				ResultsShownToUser: true,
			}, true
		}
	case EventPythonExecuted:
		switch cur.Kind {
		case StateCodeExecution, StateToolOrchestration, StateHybrid, StateConversational:
			return AgenticState{
				Kind:              StateCodeExecutionHandoff,
				StdoutShownToUser: evt.Stdout != "",
				StderrForModel:    evt.Stderr,
			}, true
		}
	case EventToolSearchComplete:
		switch cur.Kind {
		case StateToolOrchestration, StateConversational, StateHybrid, StateCodeExecution:
			return AgenticState{
				Kind:              StateToolsDiscovered,
				NewlyMaterialized: evt.MaterializedTools,
				AvailableForCall:  evt.AvailableForCall,
			}, true
		}
	case EventMcpToolExecuted:
		switch cur.Kind {
		case StateToolsDiscovered, StateToolOrchestration:
			return AgenticState{
				Kind:              StateToolOrchestration,
				MaterializedTools: cur.AvailableForCall,
			}, true
		}
	case EventModelResponseFinal:
		// Final response is admitted from any state; it doesn't change the
		// mid-turn state itself (the loop terminates), so treat as a no-op
		// transition that's still "handled" (not a tool-blocked observation).
		return cur, true
	}
	return cur, false
}

// IsToolAllowed implements §4.1's is_tool_allowed: true iff the tool name is
// in the current state's admitted set. Deny by default.
func (sm *AgenticStateMachine) IsToolAllowed(toolName string) bool {
	s := sm.current
	switch s.Kind {
	case StateConversational:
		return false
	case StateRagRetrieval:
		return toolName == "rag_search"
	case StateSqlRetrieval:
		return toolName == BuiltinSchemaSearch
	case StateToolOrchestration:
		return containsStr(s.MaterializedTools, toolName)
	case StateCodeExecution:
		return toolName == BuiltinPythonExecution || containsStr(s.AvailableTools, toolName)
	case StateHybrid:
		return toolName == "rag_search" || toolName == BuiltinSchemaSearch
	case StateRagContextInjected:
		return false // data already injected; model should answer, not re-fetch
	case StateSchemaContextInjected:
		// "sql_select is auto-admitted in SchemaContextInjected only when
		// sql_enabled=true" (§4.1).
		return s.SqlEnabled && toolName == BuiltinSqlSelect
	case StateSqlResultCommentary:
		return false
	case StateCodeExecutionHandoff:
		return toolName == BuiltinPythonExecution
	case StateToolsDiscovered:
		return containsStr(s.AvailableForCall, toolName)
	default:
		return false
	}
}

func containsStr(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
