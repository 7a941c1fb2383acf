package orchestration

import "log"

// ModelProfile describes what the active model supports, used by the Tool
// Capability Resolver to pick a fallback format (§4.2).
type ModelProfile struct {
	Name             string
	Size             ModelSize
	SupportedFormats map[ToolCallFormat]bool
}

// Supports reports whether the model profile supports a format.
func (p ModelProfile) Supports(f ToolCallFormat) bool {
	return p.SupportedFormats[f]
}

// ResolvedCapabilities is the output of the Tool Capability Resolver
// (§4.2): a pure function of (AppSettings, filter, registry snapshot, model
// profile).
type ResolvedCapabilities struct {
	EnabledBuiltins []string
	VisibleMcpTools []ToolSchema
	DeferredMcpTools []ToolSchema
	ChosenFormat    ToolCallFormat
	McpToolCap      int

	Unusable bool
	Reason   string
}

// Resolver implements §4.2 as a stateless pure function: Resolve never
// mutates its inputs and returns a fresh ResolvedCapabilities every call
// (§9 design note: "compute a fresh immutable ResolvedCapabilities per
// turn; never mutate in place").
type Resolver struct{}

// Resolve computes ResolvedCapabilities for one turn.
func (Resolver) Resolve(settings AppSettings, filter CapabilityFilter, registry RegistrySnapshot, profile ModelProfile) ResolvedCapabilities {
	format, ok := resolveFormat(settings, profile)
	if !ok {
		log.Printf("[Resolver] no enabled format supported by model %q; downgrading to Conversational", profile.Name)
		return ResolvedCapabilities{Unusable: true, Reason: "no enabled tool-call format is supported by the active model"}
	}

	var enabledBuiltins []string
	for name := range settings.AlwaysOnBuiltins {
		if filter.AdmitsTool(name) {
			enabledBuiltins = append(enabledBuiltins, name)
		}
	}

	var visible, deferred []ToolSchema
	for _, t := range registry.McpTools {
		if !filter.AdmitsServer(t.Server) || !filter.AdmitsTool(t.Tool) {
			continue
		}
		if t.DeferLoading {
			deferred = append(deferred, t)
		} else {
			visible = append(visible, t)
		}
	}

	return ResolvedCapabilities{
		EnabledBuiltins:  enabledBuiltins,
		VisibleMcpTools:  visible,
		DeferredMcpTools: deferred,
		ChosenFormat:     format,
		McpToolCap:       DefaultMcpToolCap(profile.Size),
	}
}

// resolveFormat picks the primary format if the model supports it and it is
// enabled; otherwise falls back to the first enabled+supported format in a
// deterministic preference order. Returns ok=false if none qualify.
func resolveFormat(settings AppSettings, profile ModelProfile) (ToolCallFormat, bool) {
	if settings.EnabledToolFormats[settings.PrimaryToolFormat] && profile.Supports(settings.PrimaryToolFormat) {
		return settings.PrimaryToolFormat, true
	}
	preference := []ToolCallFormat{
		FormatNative, FormatHarmony, FormatHermes, FormatMistral, FormatPureJson, FormatPythonic, FormatCodeMode,
	}
	for _, f := range preference {
		if settings.EnabledToolFormats[f] && profile.Supports(f) {
			return f, true
		}
	}
	return "", false
}
