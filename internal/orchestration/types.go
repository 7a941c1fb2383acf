// Package orchestration implements the three-tier hierarchical state machine
// that decides, for every user turn, which capabilities are available, which
// tools the model may call, and how the system prompt is shaped.
//
// Tier 1 (SettingsStateMachine) computes a TurnConfiguration once per turn.
// Tier 2 (AgenticStateMachine) tracks the mid-turn AgenticState and gates
// tool admission. Tier 3 (MidTurnStateMachine) tracks the finer lifecycle of
// a single agentic-loop iteration.
package orchestration

import (
	"fmt"

	"github.com/google/uuid"
)

// Capability is one of the togglable capabilities a turn can enable.
type Capability string

const (
	CapRag             Capability = "rag"
	CapSqlQuery        Capability = "sql_query"
	CapMcpTools        Capability = "mcp_tools"
	CapPythonExecution Capability = "python_execution"
	CapSchemaSearch    Capability = "schema_search"
	CapToolSearch      Capability = "tool_search"
)

// Built-in tool names. AppSettings.AlwaysOnBuiltins is a set over exactly
// these — presence in the set is the only signal; there are no parallel
// boolean flags (§3.1 invariant).
const (
	BuiltinPythonExecution = "python_execution"
	BuiltinToolSearch      = "tool_search"
	BuiltinSchemaSearch    = "schema_search"
	BuiltinSqlSelect       = "sql_select"
)

// ToolCallFormat is one of the seven wire formats the Tool Adapter dispatches
// on (§4.4). Native and Harmony need no explicit prompt instructions; the
// rest do.
type ToolCallFormat string

const (
	FormatNative   ToolCallFormat = "native"
	FormatHermes   ToolCallFormat = "hermes"
	FormatMistral  ToolCallFormat = "mistral"
	FormatPythonic ToolCallFormat = "pythonic"
	FormatPureJson ToolCallFormat = "pure_json"
	FormatHarmony  ToolCallFormat = "harmony"
	FormatCodeMode ToolCallFormat = "code_mode"
)

// NeedsPromptInstruction reports whether the format must explain its own
// call syntax in the system prompt. Native tool-calling and Harmony are
// native to the model and never need explicit format text (§4.4 table).
func (f ToolCallFormat) NeedsPromptInstruction() bool {
	switch f {
	case FormatNative, FormatHarmony:
		return false
	default:
		return true
	}
}

// ModelSize buckets a model for the per-prompt MCP tool cap (§4.1).
type ModelSize string

const (
	ModelSmall  ModelSize = "small"
	ModelMedium ModelSize = "medium"
	ModelLarge  ModelSize = "large"
)

// DefaultMcpToolCap returns the default per-prompt MCP tool cap by model
// size, per §4.1: "small=2, medium=5, large=10".
func DefaultMcpToolCap(size ModelSize) int {
	switch size {
	case ModelSmall:
		return 2
	case ModelLarge:
		return 10
	default:
		return 5
	}
}

// RelevancyThresholds are the four tunable floats in [0,1] that drive mode
// and state derivation (§3.1). Invariant: SchemaTableMin <= SqlEnableMin.
type RelevancyThresholds struct {
	RagChunkMin    float64
	SchemaTableMin float64
	SqlEnableMin   float64
	RagDominant    float64
}

// DefaultRelevancyThresholds returns the defaults named in §3.1.
func DefaultRelevancyThresholds() RelevancyThresholds {
	return RelevancyThresholds{
		RagChunkMin:    0.3,
		SchemaTableMin: 0.2,
		SqlEnableMin:   0.4,
		RagDominant:    0.6,
	}
}

// Validate enforces the SchemaTableMin <= SqlEnableMin invariant.
func (t RelevancyThresholds) Validate() error {
	if t.SchemaTableMin > t.SqlEnableMin {
		return fmt.Errorf("orchestration: schema_table_min (%.2f) must be <= sql_enable_min (%.2f)", t.SchemaTableMin, t.SqlEnableMin)
	}
	return nil
}

// RepetitionConfig holds the tunable repetition-detector thresholds called
// out as an Open Question in spec §9: kept configurable, with the teacher's
// own constants as defaults (see DESIGN.md). The loop detector in
// internal/agent reads its own package constants, not these fields.
type RepetitionConfig struct {
	WindowSize            int
	SameToolLimit         int
	ConsecutiveErrorLimit int
	SimilarityThreshold   float64
}

// DefaultRepetitionConfig mirrors agent.loopWindowSize/loopSameToolLimit/
// loopConsecErrorLimit/loopSimilarityThreshold.
func DefaultRepetitionConfig() RepetitionConfig {
	return RepetitionConfig{
		WindowSize:            8,
		SameToolLimit:         3,
		ConsecutiveErrorLimit: 3,
		SimilarityThreshold:   0.6,
	}
}

// McpServerConfig describes one external tool provider (§3.1).
type McpServerConfig struct {
	ID               string
	DisplayName      string
	Enabled          bool
	Transport        McpTransport
	AutoApprove      bool
	SandboxNamespace string // optional identifier used inside the code sandbox
}

// McpTransport is either a subprocess descriptor or an SSE URL — exactly one
// of Stdio/SSE is populated.
type McpTransport struct {
	Stdio *StdioTransport
	SSE   *SSETransport
}

type StdioTransport struct {
	Command string
	Args    []string
	Env     map[string]string
}

type SSETransport struct {
	URL string
}

// ValidSandboxIdentifier checks the §3.1 invariant on SandboxNamespace: must
// start with a letter or underscore, alphanumeric/underscore thereafter, and
// not be a reserved word in the sandbox language.
func ValidSandboxIdentifier(id string) bool {
	if id == "" {
		return true // absent is fine — it's optional
	}
	if reservedLuaWords[id] {
		return false
	}
	for i, r := range id {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 {
			if !isLetter {
				return false
			}
		} else if !isLetter && !isDigit {
			return false
		}
	}
	return true
}

var reservedLuaWords = map[string]bool{
	"and": true, "break": true, "do": true, "else": true, "elseif": true,
	"end": true, "false": true, "for": true, "function": true, "goto": true,
	"if": true, "in": true, "local": true, "nil": true, "not": true,
	"or": true, "repeat": true, "return": true, "then": true, "true": true,
	"until": true, "while": true,
}

// ToolSchema is a tool advertised to the model (§3.1).
type ToolSchema struct {
	Server         string // "" for built-ins
	Tool           string
	Description    string
	InputSchema    []byte // JSON schema
	DeferLoading   bool   // true: invisible until discovered via tool_search
	AllowedCallers []string
}

// FullyQualifiedName renders "server::tool", or bare "tool" for built-ins
// (§4.4: "absent separator means built-in or default server").
func (s ToolSchema) FullyQualifiedName() string {
	if s.Server == "" {
		return s.Tool
	}
	return s.Server + "::" + s.Tool
}

// AttachedTable, AttachedRagFile, AttachedTool, AttachedTabularFile are
// per-chat attachments (§3.1). Each carries identifiers sufficient to
// re-fetch content plus any pre-fetched preview used during prompt build.
type AttachedTable struct {
	ID         string
	Name       string
	SchemaText string // pre-fetched schema preview
}

type AttachedRagFile struct {
	ID   string
	Path string
}

type AttachedTool struct {
	ID   string
	Name string
}

type AttachedTabularFile struct {
	ID      string
	Name    string
	Headers []string
	Rows    [][]any // typed values: int, float64, time.Time, bool, string, or nil
}

// ChatTurnContext carries the inputs for one user turn (§3.1).
type ChatTurnContext struct {
	Tables       []AttachedTable
	RagFiles     []AttachedRagFile
	Tools        []AttachedTool
	TabularFiles []AttachedTabularFile
	UserMessage  string
	RagRelevancy float64 // max observed RAG chunk relevancy for this turn, pre-computed
	SchemaRelevancy float64
}

// CapabilityFilter models CLI-style denylist overrides (§4.1: "a capability
// filter (CLI overrides for denylists of servers/tools)").
type CapabilityFilter struct {
	DeniedServers []string
	DeniedTools   []string
}

func (f CapabilityFilter) AdmitsServer(server string) bool {
	for _, d := range f.DeniedServers {
		if d == server {
			return false
		}
	}
	return true
}

func (f CapabilityFilter) AdmitsTool(name string) bool {
	for _, d := range f.DeniedTools {
		if d == name {
			return false
		}
	}
	return true
}

// OperationalMode is computed from AppSettings + filter (§3.1, §4.1).
type OperationalMode string

const (
	ModeConversational OperationalMode = "conversational"
	ModeSqlMode         OperationalMode = "sql_mode"
	ModeCodeMode         OperationalMode = "code_mode"
	ModeToolMode         OperationalMode = "tool_mode"
	ModeHybridMode       OperationalMode = "hybrid_mode"
)

// ToolAvailability records which built-ins are visible and which MCP tools
// are visible vs. deferred for this turn (§4.1).
type ToolAvailability struct {
	VisibleBuiltins  []string
	VisibleMcpTools  []ToolSchema
	DeferredMcpTools []ToolSchema
}

// TurnConfiguration is the output of Tier 1, consumed by the Agentic Loop
// (§3.1).
type TurnConfiguration struct {
	Mode              OperationalMode
	EnabledCapabilities map[Capability]bool
	Availability      ToolAvailability
	EnabledTools      []string // final enabled-tool list for this turn
	SchemaBlocks      []string
	RagBlocks         []string
	ToolFormat        ToolCallFormat
}

// HasCapability reports whether cap is enabled in this turn configuration.
func (tc TurnConfiguration) HasCapability(cap Capability) bool {
	return tc.EnabledCapabilities[cap]
}

// ParsedToolCall is a format-neutral parsed tool call (§3.1, §4.4).
type ParsedToolCall struct {
	Server       string
	Tool         string
	Arguments    map[string]any
	RawSource    string
	NativeCallID string // "" if the originating format supplied no id
	RawArgsError string // set (non-empty) when arguments failed to parse as
	                     // JSON; the raw text is preserved as Arguments["_raw"]
}

// FullyQualifiedName mirrors ToolSchema.FullyQualifiedName for a parsed call.
func (c ParsedToolCall) FullyQualifiedName() string {
	if c.Server == "" {
		return c.Tool
	}
	return c.Server + "::" + c.Tool
}

// ToolCallStatus is the lifecycle of one admitted tool call (§3.1).
type ToolCallStatus string

const (
	ToolCallPending    ToolCallStatus = "pending"
	ToolCallApproved   ToolCallStatus = "approved"
	ToolCallRejected   ToolCallStatus = "rejected"
	ToolCallExecuting  ToolCallStatus = "executing"
	ToolCallCompleted  ToolCallStatus = "completed"
	ToolCallErrored    ToolCallStatus = "error"
)

// ToolCallState is the lifecycle record for one call within a turn (§3.1).
type ToolCallState struct {
	ID     string
	Call   ParsedToolCall
	Status ToolCallStatus
	Result string
	Error  string
}

// NewToolCallState starts a lifecycle record in ToolCallPending, minting a
// fresh id rather than trusting whatever (possibly empty, possibly
// model-supplied and non-unique) id the originating wire format carried —
// the one place this tree mints an id for something with no natural
// identity of its own.
func NewToolCallState(call ParsedToolCall) ToolCallState {
	return ToolCallState{
		ID:     uuid.New().String(),
		Call:   call,
		Status: ToolCallPending,
	}
}
