package toolformat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// mistralDispatcher implements the Mistral format (§4.4 table, row 3):
// `[TOOL_CALLS] [{"name":..,"arguments":{…}}]`.
type mistralDispatcher struct{}

var mistralCallRe = regexp.MustCompile(`(?s)\[TOOL_CALLS\]\s*(\[.*?\])`)

func (mistralDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatMistral }

func (mistralDispatcher) PromptInstruction([]orchestration.ToolSchema) string {
	return `To call tools, emit: [TOOL_CALLS] [{"name": "server::tool", "arguments": {...}}, ...]` + "\n" +
		"You may include more than one call in the array.\n"
}

type mistralCallBody struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (mistralDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	m := mistralCallRe.FindStringSubmatchIndex(text)
	if m == nil {
		return text, nil
	}
	start, end := m[0], m[1]
	arrStart, arrEnd := m[2], m[3]
	arrText := text[arrStart:arrEnd]

	final := strings.TrimSpace(text[:start] + text[end:])

	var bodies []mistralCallBody
	if err := json.Unmarshal([]byte(arrText), &bodies); err != nil {
		// Malformed JSON tolerated: the whole array text becomes one _raw call.
		c := newCall("", "", text[start:end], "")
		c.Arguments = map[string]any{"_raw": arrText}
		c.RawArgsError = err.Error()
		return final, []orchestration.ParsedToolCall{c}
	}

	calls := make([]orchestration.ParsedToolCall, 0, len(bodies))
	for _, b := range bodies {
		calls = append(calls, newCall(b.Name, string(b.Arguments), text[start:end], ""))
	}
	return final, calls
}

func (mistralDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	body := map[string]any{"name": call.FullyQualifiedName(), "content": content}
	if toolErr != "" {
		body["error"] = toolErr
	}
	b, _ := json.Marshal(body)
	return llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("[TOOL_RESULTS] %s", string(b)),
	}
}
