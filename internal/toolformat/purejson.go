package toolformat

import (
	"encoding/json"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// pureJSONDispatcher implements the PureJson format (§4.4 table, row 5):
// bare JSON `{"tool":"…","args":{…}}` or an array of such objects.
type pureJSONDispatcher struct{}

func (pureJSONDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatPureJson }

func (pureJSONDispatcher) PromptInstruction([]orchestration.ToolSchema) string {
	return `To call tools, emit bare JSON: {"tool": "server::tool", "args": {...}} ` +
		`or an array of such objects for multiple calls. Emit nothing else in that message.` + "\n"
}

type pureJSONCallBody struct {
	Tool string          `json:"tool"`
	Args json.RawMessage `json:"args"`
}

func (pureJSONDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	span, ok := findBalancedJSON(text)
	if !ok {
		return text, nil
	}
	jsonText := text[span[0]:span[1]]
	final := strings.TrimSpace(text[:span[0]] + text[span[1]:])

	trimmed := strings.TrimSpace(jsonText)
	if strings.HasPrefix(trimmed, "[") {
		var bodies []pureJSONCallBody
		if err := json.Unmarshal([]byte(jsonText), &bodies); err != nil {
			c := newCall("", "", jsonText, "")
			c.Arguments = map[string]any{"_raw": jsonText}
			c.RawArgsError = err.Error()
			return final, []orchestration.ParsedToolCall{c}
		}
		calls := make([]orchestration.ParsedToolCall, 0, len(bodies))
		for _, b := range bodies {
			calls = append(calls, newCall(b.Tool, string(b.Args), jsonText, ""))
		}
		return final, calls
	}

	var body pureJSONCallBody
	if err := json.Unmarshal([]byte(jsonText), &body); err != nil {
		c := newCall("", "", jsonText, "")
		c.Arguments = map[string]any{"_raw": jsonText}
		c.RawArgsError = err.Error()
		return final, []orchestration.ParsedToolCall{c}
	}
	return final, []orchestration.ParsedToolCall{newCall(body.Tool, string(body.Args), jsonText, "")}
}

// findBalancedJSON locates the first top-level {...} or [...] span in text,
// returning its [start,end) byte range. It tracks quotes so braces inside
// string literals don't affect the depth count.
func findBalancedJSON(text string) ([2]int, bool) {
	start := -1
	var openChar, closeChar byte
	depth := 0
	var quote byte
	for i := 0; i < len(text); i++ {
		c := text[i]
		if quote != 0 {
			if c == quote && (i == 0 || text[i-1] != '\\') {
				quote = 0
			}
			continue
		}
		if c == '"' || c == '\'' {
			quote = c
			continue
		}
		if start == -1 {
			if c == '{' || c == '[' {
				start = i
				openChar = c
				if c == '{' {
					closeChar = '}'
				} else {
					closeChar = ']'
				}
				depth = 1
			}
			continue
		}
		switch c {
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return [2]int{start, i + 1}, true
			}
		}
	}
	return [2]int{}, false
}

func (pureJSONDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	body := map[string]any{"tool": call.FullyQualifiedName(), "result": content}
	if toolErr != "" {
		body["error"] = toolErr
	}
	b, _ := json.Marshal(body)
	return llm.Message{Role: llm.RoleUser, Content: string(b)}
}
