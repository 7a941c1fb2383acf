package orchestration

import "log"

// AppSettings is persisted configuration, process-wide with a single writer
// (a settings actor) and many readers via snapshot copy (§3.1, §3.2).
type AppSettings struct {
	AlwaysOnBuiltins    map[string]bool // subset of {python_execution, tool_search, schema_search, sql_select}
	McpServers          []McpServerConfig
	PrimaryToolFormat   ToolCallFormat
	EnabledToolFormats  map[ToolCallFormat]bool
	Relevancy           RelevancyThresholds
	BaseSystemPrompt    string
	Repetition          RepetitionConfig
	DatabaseSourceCount int // number of enabled database sources, used by mode derivation
}

// Snapshot returns a value copy safe to hand to a reader without further
// synchronization — the read-copy-update policy from §5.
func (s *AppSettings) Snapshot() AppSettings {
	cp := *s
	cp.AlwaysOnBuiltins = cloneBoolSet(s.AlwaysOnBuiltins)
	cp.EnabledToolFormats = make(map[ToolCallFormat]bool, len(s.EnabledToolFormats))
	for k, v := range s.EnabledToolFormats {
		cp.EnabledToolFormats[k] = v
	}
	cp.McpServers = append([]McpServerConfig(nil), s.McpServers...)
	return cp
}

func cloneBoolSet(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// RegistrySnapshot is the per-process ToolSchema registry snapshot Tier 1
// reads from (§3.2: "rebuilt whenever settings change or MCP servers
// reconnect").
type RegistrySnapshot struct {
	McpTools []ToolSchema // all known MCP tools; DeferLoading marks visibility
}

// SettingsStateMachine is Tier 1 (§4.1). It is created fresh per user turn
// and discarded at turn end; it holds borrowed references to AppSettings
// plus fresh per-turn context (§3.2).
type SettingsStateMachine struct {
	Settings AppSettings
	Filter   CapabilityFilter
	Registry RegistrySnapshot
	Size     ModelSize
}

// NewSettingsStateMachine constructs Tier 1 over a settings snapshot.
func NewSettingsStateMachine(settings AppSettings, filter CapabilityFilter, registry RegistrySnapshot, size ModelSize) *SettingsStateMachine {
	return &SettingsStateMachine{Settings: settings, Filter: filter, Registry: registry, Size: size}
}

// ComputeForTurn implements the Compute_for_turn contract (§4.1): accepts
// per-chat attachments and overrides initial availability.
func (sm *SettingsStateMachine) ComputeForTurn(ctx ChatTurnContext) TurnConfiguration {
	caps := sm.computeEnabledCapabilities(ctx)
	avail := sm.computeAvailability(caps)
	mode := sm.deriveMode(caps, ctx)

	enabled := map[string]bool{}
	for name := range sm.Settings.AlwaysOnBuiltins {
		if caps.builtinAllowed(name) {
			enabled[name] = true
		}
	}
	// "attached tools are added to the final enabled set as the union
	// (always_on ∪ attached)" (§4.1).
	for _, t := range ctx.Tools {
		enabled[t.Name] = true
	}
	if caps[CapSchemaSearch] {
		enabled[BuiltinSchemaSearch] = true
	}
	if caps[CapToolSearch] {
		enabled[BuiltinToolSearch] = true
	}
	if caps[CapSqlQuery] {
		enabled[BuiltinSqlSelect] = true
	}
	if caps[CapPythonExecution] {
		enabled[BuiltinPythonExecution] = true
	}

	toolNames := make([]string, 0, len(enabled))
	for name := range enabled {
		toolNames = append(toolNames, name)
	}

	format := sm.Settings.PrimaryToolFormat
	capMap := map[Capability]bool{}
	for c, v := range caps {
		if v {
			capMap[c] = true
		}
	}

	return TurnConfiguration{
		Mode:                mode,
		EnabledCapabilities: capMap,
		Availability:        avail,
		EnabledTools:        toolNames,
		ToolFormat:          format,
	}
}

// capabilitySet is an internal convenience alias over the public Capability
// enum so builtinAllowed reads naturally.
type capabilitySet map[Capability]bool

func (c capabilitySet) builtinAllowed(builtin string) bool {
	switch builtin {
	case BuiltinPythonExecution:
		return c[CapPythonExecution]
	case BuiltinToolSearch:
		return c[CapToolSearch]
	case BuiltinSchemaSearch:
		return c[CapSchemaSearch]
	case BuiltinSqlSelect:
		return c[CapSqlQuery]
	default:
		return true // MCP-discovered / attached tools are not builtins
	}
}

// computeEnabledCapabilities implements the "Built-in inclusion" predicates
// of §4.1, per-tool:
//   python_execution: present ∧ filter admits ∧ format set contains CodeMode.
//   tool_search:      present ∧ filter admits ∧ any MCP tool exists deferred.
//   schema_search / sql_select: present ∧ filter admits ∧ ≥1 enabled DB source.
func (sm *SettingsStateMachine) computeEnabledCapabilities(ctx ChatTurnContext) capabilitySet {
	caps := capabilitySet{}

	if sm.Settings.AlwaysOnBuiltins[BuiltinPythonExecution] &&
		sm.Filter.AdmitsTool(BuiltinPythonExecution) &&
		sm.Settings.EnabledToolFormats[FormatCodeMode] {
		caps[CapPythonExecution] = true
	}

	anyDeferred := false
	for _, t := range sm.Registry.McpTools {
		if t.DeferLoading {
			anyDeferred = true
			break
		}
	}
	if sm.Settings.AlwaysOnBuiltins[BuiltinToolSearch] &&
		sm.Filter.AdmitsTool(BuiltinToolSearch) &&
		anyDeferred {
		caps[CapToolSearch] = true
	}

	// Attached tables force SqlMode signals even if not globally on
	// ("sql_select is implicitly enabled even if not globally on").
	hasDbSource := sm.Settings.DatabaseSourceCount > 0 || len(ctx.Tables) > 0
	if hasDbSource && sm.Filter.AdmitsTool(BuiltinSchemaSearch) &&
		sm.Settings.AlwaysOnBuiltins[BuiltinSchemaSearch] {
		caps[CapSchemaSearch] = true
	}
	if hasDbSource && sm.Filter.AdmitsTool(BuiltinSqlSelect) &&
		(sm.Settings.AlwaysOnBuiltins[BuiltinSqlSelect] || len(ctx.Tables) > 0) {
		caps[CapSqlQuery] = true
	}

	if len(sm.Registry.McpTools) > 0 {
		anyEnabledServer := false
		for _, srv := range sm.Settings.McpServers {
			if srv.Enabled && sm.Filter.AdmitsServer(srv.ID) {
				anyEnabledServer = true
				break
			}
		}
		if anyEnabledServer && hasTaggedToolFormat(sm.Settings.EnabledToolFormats) {
			caps[CapMcpTools] = true
		}
	}

	// Attached tabular files force CodeMode.
	if len(ctx.TabularFiles) > 0 {
		caps[CapPythonExecution] = true
	}

	rp := ctx.RagRelevancy >= sm.Settings.Relevancy.RagChunkMin
	if rp {
		caps[CapRag] = true
	}

	return caps
}

// hasTaggedToolFormat reports whether any MCP-capable (native/tagged)
// format is enabled — §4.1 "MCP servers enabled + a native/tagged tool
// format chosen → ToolMode".
func hasTaggedToolFormat(formats map[ToolCallFormat]bool) bool {
	for f, v := range formats {
		if !v {
			continue
		}
		switch f {
		case FormatNative, FormatHermes, FormatMistral, FormatPureJson, FormatHarmony:
			return true
		}
	}
	return false
}

// computeAvailability implements the MCP inclusion rule: all MCP tools
// start deferred; they become visible only after tool_search discovery.
func (sm *SettingsStateMachine) computeAvailability(caps capabilitySet) ToolAvailability {
	avail := ToolAvailability{}
	for name := range sm.Settings.AlwaysOnBuiltins {
		if caps.builtinAllowed(name) {
			avail.VisibleBuiltins = append(avail.VisibleBuiltins, name)
		}
	}
	for _, t := range sm.Registry.McpTools {
		if t.DeferLoading {
			avail.DeferredMcpTools = append(avail.DeferredMcpTools, t)
		} else {
			avail.VisibleMcpTools = append(avail.VisibleMcpTools, t)
		}
	}
	return avail
}

// deriveMode implements the deterministic, deny-by-default mode derivation
// rules of §4.1.
func (sm *SettingsStateMachine) deriveMode(caps capabilitySet, ctx ChatTurnContext) OperationalMode {
	active := []OperationalMode{}

	sqlOnly := caps[CapSqlQuery] && sm.Settings.DatabaseSourceCount+len(ctx.Tables) > 0 &&
		!caps[CapPythonExecution] && !caps[CapMcpTools]
	codeOnly := caps[CapPythonExecution] && sm.Settings.PrimaryToolFormat == FormatCodeMode &&
		!caps[CapSqlQuery] && !caps[CapMcpTools]
	toolOnly := caps[CapMcpTools] && !caps[CapSqlQuery] && !caps[CapPythonExecution]

	if sqlOnly {
		active = append(active, ModeSqlMode)
	}
	if codeOnly {
		active = append(active, ModeCodeMode)
	}
	if toolOnly {
		active = append(active, ModeToolMode)
	}

	// Attached tabular files force CodeMode regardless of the above.
	if len(ctx.TabularFiles) > 0 && !contains(active, ModeCodeMode) {
		active = append(active, ModeCodeMode)
	}
	// Attached tables force SqlMode signals.
	if len(ctx.Tables) > 0 && !contains(active, ModeSqlMode) {
		active = append(active, ModeSqlMode)
	}

	switch len(active) {
	case 0:
		if !caps[CapSqlQuery] && !caps[CapPythonExecution] && !caps[CapMcpTools] {
			return ModeConversational
		}
		// Some capability set but it didn't cleanly match a single-mode
		// predicate above (e.g. sql + mcp both minimally on) — Hybrid.
		return ModeHybridMode
	case 1:
		return active[0]
	default:
		log.Printf("[Orchestration] multiple modes active (%v), deriving HybridMode", active)
		return ModeHybridMode
	}
}

func contains(modes []OperationalMode, m OperationalMode) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}
