package toolformat

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pocketomega/pocket-omega/internal/llm"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// codeModeDispatcher implements CodeMode (§4.4 table, row 7): a single code
// block calling discovered tools with Python keyword args; tool calls are
// "effectively in-code" rather than individually parsed — the whole block
// is handed to internal/codeexec as one unit (§4.7).
type codeModeDispatcher struct{}

var codeBlockRe = regexp.MustCompile("(?s)```(?:python)?\\s*\\n(.*?)```")

func (codeModeDispatcher) Format() orchestration.ToolCallFormat { return orchestration.FormatCodeMode }

func (codeModeDispatcher) PromptInstruction(tools []orchestration.ToolSchema) string {
	var sb strings.Builder
	sb.WriteString("To act, emit exactly one ```python code block calling the tools below as functions, ")
	sb.WriteString(`passing named arguments as a single table literal, e.g. tool_name{arg1="x", arg2=1}. `)
	sb.WriteString("print() output goes directly to the user; raised errors are captured and sent back ")
	sb.WriteString("to you as handoff context.\n")
	for _, t := range tools {
		if t.DeferLoading {
			continue
		}
		sb.WriteString(fmt.Sprintf("- %s{...}  # %s\n", sandboxName(t), t.Description))
	}
	return sb.String()
}

// sandboxName is the callable identifier a tool is registered under inside
// the sandbox — server namespace plus tool name, since "::" isn't a valid
// sandbox-language identifier character (§3.1 ValidSandboxIdentifier).
func sandboxName(t orchestration.ToolSchema) string {
	if t.Server == "" {
		return t.Tool
	}
	return t.Server + "__" + t.Tool
}

// Parse extracts the single code block as one synthetic call to the
// python_execution built-in; the code itself (not individual tool calls
// inside it) is the thing the agentic loop admits/executes.
func (codeModeDispatcher) Parse(text string) (string, []orchestration.ParsedToolCall) {
	m := codeBlockRe.FindStringSubmatchIndex(text)
	if m == nil {
		return text, nil
	}
	start, end := m[0], m[1]
	codeStart, codeEnd := m[2], m[3]
	code := text[codeStart:codeEnd]
	final := strings.TrimSpace(text[:start] + text[end:])

	call := orchestration.ParsedToolCall{
		Tool:      orchestration.BuiltinPythonExecution,
		Arguments: map[string]any{"code": code},
		RawSource: text[start:end],
	}
	return final, []orchestration.ParsedToolCall{call}
}

// FormatResult channels stdout+stderr back per §4.7: stdout was already
// shown directly to the user by the executor, so only stderr (the
// "handoff") is fed back into context here.
func (codeModeDispatcher) FormatResult(call orchestration.ParsedToolCall, content string, toolErr string) llm.Message {
	if toolErr == "" && content == "" {
		return llm.Message{Role: llm.RoleUser, Content: "(no stderr output)"}
	}
	text := content
	if toolErr != "" {
		text = content + "\n" + toolErr
	}
	return llm.Message{Role: llm.RoleUser, Content: "stderr handoff:\n" + text}
}
