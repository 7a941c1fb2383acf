package toolformat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// pythonicDispatcher implements the Pythonic format (§4.4 table, row 4):
// `tool_name(arg1="x", arg2=1)`, one call per line.
type pythonicDispatcher struct{}

var pythonicCallRe = regexp.MustCompile(`^\s*([\w:.]+)\(([^\n]*)\)\s*$`)

func (pythonicDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatPythonic }

func (pythonicDispatcher) PromptInstruction([]orchestration.ToolSchema) string {
	return "To call a tool, emit one line per call in Python call syntax, e.g.\n" +
		`server__tool(arg1="x", arg2=1)` + "\n" +
		"One call per line; do not wrap in a code block.\n"
}

func (pythonicDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	lines := strings.Split(text, "\n")
	var final []string
	var calls []orchestration.ParsedToolCall
	for _, line := range lines {
		m := pythonicCallRe.FindStringSubmatch(line)
		if m == nil {
			final = append(final, line)
			continue
		}
		name, argStr := m[1], m[2]
		args, rawErr := parsePythonicArgs(argStr)
		c := orchestration.ParsedToolCall{RawSource: strings.TrimSpace(line)}
		c.Server, c.Tool = splitServerTool(name)
		c.Arguments = args
		c.RawArgsError = rawErr
		calls = append(calls, c)
	}
	return strings.TrimSpace(strings.Join(final, "\n")), calls
}

// parsePythonicArgs splits "a=1, b=\"x\"" on top-level commas (respecting
// quotes) and parses each value as a JSON-ish literal. Unparseable values
// fall back to a raw string, never aborting the parse (§4.4 invariant).
func parsePythonicArgs(argStr string) (map[string]any, string) {
	argStr = strings.TrimSpace(argStr)
	if argStr == "" {
		return map[string]any{}, ""
	}
	parts := splitTopLevelCommas(argStr)
	args := make(map[string]any, len(parts))
	var errs []string
	for _, p := range parts {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			errs = append(errs, fmt.Sprintf("unparseable argument %q", p))
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		args[key] = parsePythonicLiteral(val)
	}
	if len(errs) > 0 {
		return args, strings.Join(errs, "; ")
	}
	return args, ""
}

func parsePythonicLiteral(val string) any {
	switch val {
	case "True":
		return true
	case "False":
		return false
	case "None":
		return nil
	}
	if n, err := strconv.ParseFloat(val, 64); err == nil {
		return n
	}
	if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
		inner := val[1 : len(val)-1]
		// Normalize single-quoted Python strings into valid JSON before
		// unquoting so embedded escapes behave consistently.
		var s string
		if err := json.Unmarshal([]byte(`"`+inner+`"`), &s); err == nil {
			return s
		}
		return inner
	}
	return val
}

// splitTopLevelCommas splits on commas not nested inside quotes/brackets.
func splitTopLevelCommas(s string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(' || c == '[' || c == '{':
			depth++
		case c == ')' || c == ']' || c == '}':
			depth--
		case c == ',' && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func (pythonicDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	text := fmt.Sprintf("# result of %s\n%s", call.FullyQualifiedName(), content)
	if toolErr != "" {
		text += fmt.Sprintf("\n# error: %s", toolErr)
	}
	return llm.Message{Role: llm.RoleUser, Content: text}
}
