package builtin

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pocketomega/pocket-omega/internal/codeexec"
	"github.com/pocketomega/pocket-omega/internal/tool"
)

type stubTool struct {
	name   string
	output string
	errMsg string
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) InputSchema() json.RawMessage { return tool.BuildSchema() }
func (s *stubTool) Init(_ context.Context) error { return nil }
func (s *stubTool) Close() error                 { return nil }
func (s *stubTool) Execute(_ context.Context, _ json.RawMessage) (tool.ToolResult, error) {
	if s.errMsg != "" {
		return tool.ToolResult{Error: s.errMsg}, nil
	}
	return tool.ToolResult{Output: s.output}, nil
}

func newTestCodeExecTool(others ...tool.Tool) *CodeExecutionTool {
	t := NewCodeExecutionTool(codeexec.New(), func() []tool.Tool { return others })
	return t
}

func TestCodeExecution_Name(t *testing.T) {
	ce := newTestCodeExecTool()
	if ce.Name() != "python_execution" {
		t.Errorf("expected python_execution, got %q", ce.Name())
	}
}

func TestCodeExecution_RunsSimpleScript(t *testing.T) {
	ce := newTestCodeExecTool()
	args := `{"code":"print('hello')"}`
	result, err := ce.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Output != "hello\n" {
		t.Errorf("expected %q, got %q", "hello\n", result.Output)
	}
}

func TestCodeExecution_EmptyCode(t *testing.T) {
	ce := newTestCodeExecTool()
	result, _ := ce.Execute(context.Background(), json.RawMessage(`{"code":""}`))
	if result.Error == "" {
		t.Error("expected error for empty code")
	}
}

func TestCodeExecution_BadArgs(t *testing.T) {
	ce := newTestCodeExecTool()
	result, err := ce.Execute(context.Background(), json.RawMessage(`not json`))
	if err != nil {
		t.Fatalf("Execute should not return a Go error, got: %v", err)
	}
	if result.Error == "" {
		t.Error("expected error for malformed args")
	}
}

func TestCodeExecution_CallsOtherTool(t *testing.T) {
	other := &stubTool{name: "weather_get", output: "sunny"}
	ce := newTestCodeExecTool(other)
	args := `{"code":"local r = weather_get{} \nprint(r.output)"}`
	result, err := ce.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute error: %v", err)
	}
	if result.Error != "" {
		t.Fatalf("unexpected error: %s", result.Error)
	}
	if result.Output != "sunny\n" {
		t.Errorf("expected wrapped tool output %q, got %q", "sunny\n", result.Output)
	}
}

func TestCodeExecution_OtherToolErrorSurfacesAsStderr(t *testing.T) {
	other := &stubTool{name: "broken_tool", errMsg: "boom"}
	ce := newTestCodeExecTool(other)
	args := `{"code":"broken_tool{}"}`
	result, _ := ce.Execute(context.Background(), json.RawMessage(args))
	if result.Error == "" {
		t.Fatal("expected the raised Lua error to surface")
	}
}

func TestCodeExecution_ExcludesSelfFromCallables(t *testing.T) {
	self := &CodeExecutionTool{}
	self.sandbox = codeexec.New()
	ce := newTestCodeExecTool(self, &stubTool{name: "ok_tool", output: "fine"})
	callables := ce.buildCallables()
	if _, found := callables[ce.Name()]; found {
		t.Error("code_execution tool must not be callable from within its own sandbox")
	}
	if _, found := callables["ok_tool"]; !found {
		t.Error("expected other registered tools to remain callable")
	}
}

func TestCodeExecution_NilToolsFunc(t *testing.T) {
	ce := NewCodeExecutionTool(codeexec.New(), nil)
	callables := ce.buildCallables()
	if len(callables) != 0 {
		t.Errorf("expected no callables when tools func is nil, got %d", len(callables))
	}
}
