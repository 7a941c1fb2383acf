// Package toolformat implements the model-family-aware tool-call format
// dispatcher (§4.4): one Dispatcher per wire format (Native, Hermes,
// Mistral, Pythonic, PureJson, Harmony, CodeMode). The agentic loop never
// branches on format by name internally (§9 design note) — it looks up a
// Dispatcher by orchestration.ToolCallFormat and calls Parse/FormatResult.
//
// Grounded on internal/agent/decide.go's FC-vs-YAML-vs-native-token parsing,
// generalized from a 2-branch switch into one Dispatcher implementation per
// format.
package toolformat

import (
	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// Dispatcher is the per-format parse/format contract (§4.4, §9).
type Dispatcher interface {
	// Format identifies which wire format this dispatcher implements.
	Format() orchestration.ToolCallFormat

	// PromptInstruction returns the system-prompt text explaining this
	// format's call syntax, or "" for formats that need none (Native,
	// Harmony — see orchestration.ToolCallFormat.NeedsPromptInstruction).
	PromptInstruction(tools []orchestration.ToolSchema) string

	// Parse extracts the user-visible final text and any parsed tool calls
	// from one aggregated model response. Parsing is pure and idempotent
	// over the same input (§4.4 invariant); malformed JSON inside a
	// detected call is tolerated, never aborts the parse.
	Parse(text string) (finalText string, calls []orchestration.ParsedToolCall)

	// FormatResult wraps a tool's execution result for re-insertion into
	// the conversation, per the format's result-wrapper contract. toolErr,
	// if non-empty, is folded into the wrapped content as an error field
	// rather than thrown (§7 "Tool errors").
	FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message
}

// registry maps each format to its Dispatcher. Built once at package init
// since every Dispatcher here is stateless.
var registry = map[orchestration.ToolCallFormat]Dispatcher{
	orchestration.FormatNative:   nativeDispatcher{},
	orchestration.FormatHermes:   hermesDispatcher{},
	orchestration.FormatMistral:  mistralDispatcher{},
	orchestration.FormatPythonic: pythonicDispatcher{},
	orchestration.FormatPureJson: pureJSONDispatcher{},
	orchestration.FormatHarmony:  harmonyDispatcher{},
	orchestration.FormatCodeMode: codeModeDispatcher{},
}

// For looks up the Dispatcher for a format. Callers resolve the format via
// orchestration.Resolver once per turn and never switch on format name
// again after that.
func For(format orchestration.ToolCallFormat) (Dispatcher, bool) {
	d, ok := registry[format]
	return d, ok
}

// splitServerTool implements the "server::tool splitting uses the `::`
// separator; absent separator means built-in or default server" invariant
// (§4.4).
func splitServerTool(name string) (server, tool string) {
	for i := 0; i+1 < len(name); i++ {
		if name[i] == ':' && name[i+1] == ':' {
			return name[:i], name[i+2:]
		}
	}
	return "", name
}
