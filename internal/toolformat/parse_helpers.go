package toolformat

import (
	"encoding/json"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// parseArguments decodes raw JSON call arguments, tolerating malformed
// input per §4.4: "Malformed JSON inside a detected call is tolerated by
// wrapping the raw text as arguments._raw (never aborts parse)."
func parseArguments(raw string) (map[string]any, string) {
	if raw == "" {
		return map[string]any{}, ""
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"_raw": raw}, err.Error()
	}
	return args, ""
}

// newCall builds a ParsedToolCall from a fully-qualified name, a raw JSON
// arguments string, the raw matched source text, and (if the format
// supplied one) a native call id.
func newCall(fqName, rawArgs, rawSource, nativeID string) orchestration.ParsedToolCall {
	server, tool := splitServerTool(fqName)
	args, parseErr := parseArguments(rawArgs)
	return orchestration.ParsedToolCall{
		Server:       server,
		Tool:         tool,
		Arguments:    args,
		RawSource:    rawSource,
		NativeCallID: nativeID,
		RawArgsError: parseErr,
	}
}

// argsToJSON re-serializes a ParsedToolCall's arguments back to a JSON
// object string, used by result wrappers and by FormatResult's own
// round-trip (parse(format(call)) == call, §8).
func argsToJSON(args map[string]any) string {
	if raw, ok := args["_raw"].(string); ok && len(args) == 1 {
		return raw
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "{}"
	}
	return string(b)
}
