package builtin

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pocketomega/pocket-omega/internal/codeexec"
	"github.com/pocketomega/pocket-omega/internal/orchestration"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

// CodeExecutionTool is the python_execution built-in (§4.7): it runs
// model-authored source in codeexec's sandbox, exposing every other
// registered tool as a sandbox-callable global named after the tool.
type CodeExecutionTool struct {
	sandbox *codeexec.Sandbox
	tools   func() []tool.Tool
}

// NewCodeExecutionTool builds the tool. tools is called fresh on every
// Execute so newly mcp_reload-discovered tools are visible without
// re-registering this tool; it should return the registry this tool itself
// is registered into (e.g. reqRegistry.List).
func NewCodeExecutionTool(sandbox *codeexec.Sandbox, tools func() []tool.Tool) *CodeExecutionTool {
	return &CodeExecutionTool{sandbox: sandbox, tools: tools}
}

func (t *CodeExecutionTool) Name() string { return orchestration.BuiltinPythonExecution }

func (t *CodeExecutionTool) Description() string {
	return "在沙箱中执行代码，代码中可直接调用已发现的工具（以工具名作为函数名）。" + codeexec.PromptCapabilityText()
}

func (t *CodeExecutionTool) InputSchema() json.RawMessage {
	return tool.BuildSchema(
		tool.SchemaParam{Name: "code", Type: "string", Description: "要执行的代码", Required: true},
	)
}

func (t *CodeExecutionTool) Init(_ context.Context) error { return nil }
func (t *CodeExecutionTool) Close() error                 { return nil }

type codeExecutionArgs struct {
	Code string `json:"code"`
}

// Execute parses {code} and runs it through the sandbox with every other
// registered tool wired in as a callable.
func (t *CodeExecutionTool) Execute(ctx context.Context, args json.RawMessage) (tool.ToolResult, error) {
	var a codeExecutionArgs
	if err := json.Unmarshal(args, &a); err != nil {
		return tool.ToolResult{Error: fmt.Sprintf("参数解析失败: %v", err)}, nil
	}
	if a.Code == "" {
		return tool.ToolResult{Error: "code 不能为空"}, nil
	}

	env := codeexec.Environment{Tools: t.buildCallables()}
	result, err := t.sandbox.Execute(ctx, a.Code, env)
	if err != nil {
		return tool.ToolResult{Error: err.Error()}, nil
	}
	if result.Stderr != "" {
		return tool.ToolResult{Output: result.Stdout, Error: result.Stderr}, nil
	}
	return tool.ToolResult{Output: result.Stdout}, nil
}

// buildCallables wraps every other registered tool as a codeexec.ToolCallable,
// marshaling the sandbox's keyword-argument table to the JSON the underlying
// Tool.Execute expects.
func (t *CodeExecutionTool) buildCallables() map[string]codeexec.ToolCallable {
	callables := map[string]codeexec.ToolCallable{}
	if t.tools == nil {
		return callables
	}
	for _, other := range t.tools() {
		if other.Name() == t.Name() {
			continue // no sandbox-within-sandbox recursion
		}
		other := other
		callables[other.Name()] = func(ctx context.Context, args map[string]any) (map[string]any, error) {
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("marshal args for %s: %w", other.Name(), err)
			}
			result, err := other.Execute(ctx, raw)
			if err != nil {
				return nil, err
			}
			if result.Error != "" {
				return nil, fmt.Errorf("%s", result.Error)
			}
			return map[string]any{"output": result.Output}, nil
		}
	}
	return callables
}
