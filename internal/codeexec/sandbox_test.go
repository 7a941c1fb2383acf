package codeexec

import (
	"context"
	"strings"
	"testing"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

func TestSandbox_PrintGoesToStdout(t *testing.T) {
	sb := New()
	res, err := sb.Execute(context.Background(), `print("hello", "world")`, Environment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello\tworld" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if !res.Completed {
		t.Error("expected Completed = true")
	}
}

func TestSandbox_ToolCallableInvokedAndRecorded(t *testing.T) {
	called := map[string]any{}
	env := Environment{
		Tools: map[string]ToolCallable{
			"weather__get": func(_ context.Context, args map[string]any) (map[string]any, error) {
				called["loc"] = args["loc"]
				return map[string]any{"temp": 72.0}, nil
			},
		},
	}
	sb := New()
	res, err := sb.Execute(context.Background(), `
local r = weather__get{loc="Seattle"}
print(r.temp)
`, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called["loc"] != "Seattle" {
		t.Errorf("tool callable did not receive expected args: %v", called)
	}
	if strings.TrimSpace(res.Stdout) != "72" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if len(res.ToolCallsExecuted) != 1 || res.ToolCallsExecuted[0] != "weather__get" {
		t.Errorf("ToolCallsExecuted = %v", res.ToolCallsExecuted)
	}
}

func TestSandbox_RaisedErrorBecomesStderrHandoff(t *testing.T) {
	sb := New()
	res, err := sb.Execute(context.Background(), `error("boom")`, Environment{})
	if err != nil {
		t.Fatalf("unexpected Go error: %v", err)
	}
	if !res.Completed {
		t.Error("a raised Lua error should still be a completed execution, handed off as stderr")
	}
	if !strings.Contains(res.Stderr, "boom") {
		t.Errorf("Stderr = %q, want it to contain %q", res.Stderr, "boom")
	}
}

func TestSandbox_DisallowedConstructRejectedBeforeExecution(t *testing.T) {
	sb := New()
	_, err := sb.Execute(context.Background(), `os.execute("echo hi")`, Environment{})
	if err == nil {
		t.Fatal("expected Execute to reject os.execute before running")
	}
}

func TestSandbox_TabularVariablesInjected(t *testing.T) {
	env := Environment{
		TabularFiles: []orchestration.AttachedTabularFile{
			{
				ID:      "f1",
				Name:    "sales.csv",
				Headers: []string{"region", "amount"},
				Rows: [][]any{
					{"west", 100.0},
					{"east", nil},
				},
			},
		},
	}
	sb := New()
	res, err := sb.Execute(context.Background(), `
print(headers1[1], headers1[2])
print(rows1.n)
print(rows1[1][1], rows1[1][2])
print(rows1[2][2] == nil)
`, env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines of output, got %d: %q", len(lines), res.Stdout)
	}
	if lines[0] != "region\tamount" {
		t.Errorf("headers line = %q", lines[0])
	}
	if lines[1] != "2" {
		t.Errorf("row count line = %q", lines[1])
	}
	if lines[2] != "west\t100" {
		t.Errorf("first row line = %q", lines[2])
	}
}

func TestSandbox_JSONRoundTrip(t *testing.T) {
	sb := New()
	res, err := sb.Execute(context.Background(), `
local t = json.decode('{"a":1,"b":[1,2,3]}')
print(t.a)
print(#t.b)
local s = json.encode({x = 1})
print(s)
`, Environment{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Stdout, "1") {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}
