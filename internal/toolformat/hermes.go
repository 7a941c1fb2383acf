package toolformat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// hermesDispatcher implements the Hermes format (§4.4 table, row 2):
// `<tool_call>{"name":..,"arguments":{…}}</tool_call>`.
type hermesDispatcher struct{}

var hermesCallRe = regexp.MustCompile(`(?s)<tool_call>(.*?)</tool_call>`)

func (hermesDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatHermes }

func (hermesDispatcher) PromptInstruction(tools []orchestration.ToolSchema) string {
	var sb strings.Builder
	sb.WriteString("To call a tool, emit exactly one block:\n")
	sb.WriteString(`<tool_call>{"name": "server::tool", "arguments": {...}}</tool_call>` + "\n")
	sb.WriteString("Call one tool at a time and wait for its result before calling another.\n")
	return sb.String()
}

// hermesCallBody mirrors the JSON object inside <tool_call>...</tool_call>.
type hermesCallBody struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (hermesDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	matches := hermesCallRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var calls []orchestration.ParsedToolCall
	var final strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		bodyStart, bodyEnd := m[2], m[3]
		final.WriteString(text[last:start])
		last = end

		raw := text[bodyStart:bodyEnd]
		var body hermesCallBody
		if err := json.Unmarshal([]byte(raw), &body); err != nil {
			// Malformed JSON tolerated: wrap whole raw body as _raw (§4.4).
			calls = append(calls, newCall("", "", text[start:end], ""))
			calls[len(calls)-1].Arguments = map[string]any{"_raw": raw}
			calls[len(calls)-1].RawArgsError = err.Error()
			continue
		}
		calls = append(calls, newCall(body.Name, string(body.Arguments), text[start:end], ""))
	}
	final.WriteString(text[last:])
	return strings.TrimSpace(final.String()), calls
}

// FormatResult wraps the tool result as a text block in the next user
// message (§4.4: "Text block in user message").
func (hermesDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	body := map[string]any{"name": call.FullyQualifiedName(), "content": content}
	if toolErr != "" {
		body["error"] = toolErr
	}
	b, _ := json.Marshal(body)
	return llm.Message{
		Role:    llm.RoleUser,
		Content: fmt.Sprintf("<tool_result>%s</tool_result>", string(b)),
	}
}
