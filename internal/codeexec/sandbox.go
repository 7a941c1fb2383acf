// Package codeexec implements the Sandboxed Code Executor (§4.7): an
// in-process interpreter that materializes discovered MCP tools as
// callables and runs user/model-selected code against them, allow-listing
// the only modules it exposes.
//
// Go has no embeddable CPython, so this sandbox embeds
// github.com/yuin/gopher-lua — the idiomatic-Go answer for exactly this
// shape of problem (a small, fast, pure-Go VM whose global table you fully
// control). Grounded on internal/skill's one-execution-strategy-per-runtime
// philosophy, generalized from spawning OS processes to an in-process VM;
// the allow-listed module set is grounded on internal/mcp/scanner.go's
// blocklist philosophy, inverted into an allow-list (see allowlist.go).
package codeexec

import (
	"context"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/pocketomega/pocket-omega/internal/orchestration"
)

// ToolCallable is a discovered tool exposed as a sandbox global. args are
// the keyword arguments the script passed via a table literal.
type ToolCallable func(ctx context.Context, args map[string]any) (map[string]any, error)

// Environment is the JSON-injected environment described in §4.7: tool
// callables under their configured identifiers plus tabular-attachment
// variables.
type Environment struct {
	Tools        map[string]ToolCallable // keyed by sandbox identifier
	TabularFiles []orchestration.AttachedTabularFile
}

// Result is what execution yields (§4.7): stdout+stderr text, the tool
// calls actually made, and whether the script ran to completion.
type Result struct {
	Stdout            string
	Stderr            string
	ToolCallsExecuted []string
	Completed         bool
}

// Sandbox runs one script per Execute call in a fresh VM — state never
// survives across calls, so there's no cross-turn contamination to reason
// about.
type Sandbox struct {
	Timeout time.Duration
}

// New returns a Sandbox with a sane default timeout.
func New() *Sandbox {
	return &Sandbox{Timeout: 10 * time.Second}
}

// blockedBaseGlobals are base-library entry points that amount to eval/exec
// or filesystem escape hatches; stripped after OpenBase regardless of what
// gets registered elsewhere (§4.7: "blocked ... by the sandbox setup itself
// (defense in depth)").
var blockedBaseGlobals = []string{
	"load", "loadstring", "loadfile", "dofile", "require",
	"collectgarbage", "getfenv", "setfenv", "rawget", "rawset", "rawequal",
}

// Execute runs source against env, enforcing the allow-listed module set
// and the dangerous-construct validator before ever starting the VM.
func (s *Sandbox) Execute(ctx context.Context, source string, env Environment) (Result, error) {
	if err := Validate(source); err != nil {
		return Result{}, err
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	// Only register the allow-listed standard-library subset (§4.7): no
	// os, io, debug, package/require. This is the "build_sandbox_setup"
	// step of §8's round-trip law — AllowedModules is serialized directly
	// into which OpenX calls run, nothing is registered that isn't listed.
	lua.OpenBase(L)
	if isAllowedModule("string") {
		lua.OpenString(L)
	}
	if isAllowedModule("table") {
		lua.OpenTable(L)
	}
	if isAllowedModule("math") {
		lua.OpenMath(L)
	}
	for _, name := range blockedBaseGlobals {
		L.SetGlobal(name, lua.LNil)
	}

	var stdout, stderr strings.Builder
	var toolCallsExecuted []string

	L.SetGlobal("print", L.NewFunction(func(L *lua.LState) int {
		n := L.GetTop()
		parts := make([]string, n)
		for i := 1; i <= n; i++ {
			parts[i-1] = lua.LVAsString(L.Get(i))
		}
		stdout.WriteString(strings.Join(parts, "\t"))
		stdout.WriteString("\n")
		return 0
	}))

	if isAllowedModule("json") {
		registerJSONHelpers(L)
	}

	for name, callable := range env.Tools {
		registerToolCallable(L, name, callable, ctx, &toolCallsExecuted)
	}
	injectTabularVars(L, env.TabularFiles)

	done := make(chan error, 1)
	go func() {
		done <- L.DoString(source)
	}()

	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			stderr.WriteString(err.Error())
		}
		return Result{
			Stdout:            stdout.String(),
			Stderr:            stderr.String(),
			ToolCallsExecuted: toolCallsExecuted,
			Completed:         true,
		}, nil
	case <-ctx.Done():
		return Result{Stdout: stdout.String(), Stderr: "execution cancelled", ToolCallsExecuted: toolCallsExecuted, Completed: false}, ctx.Err()
	case <-timer.C:
		return Result{Stdout: stdout.String(), Stderr: "execution timed out", ToolCallsExecuted: toolCallsExecuted, Completed: false}, nil
	}
}

// registerToolCallable wires one discovered tool in as a sandbox global
// taking a single table-literal argument, e.g. weather__get{loc="Seattle"}.
func registerToolCallable(L *lua.LState, name string, callable ToolCallable, ctx context.Context, executed *[]string) {
	L.SetGlobal(name, L.NewFunction(func(L *lua.LState) int {
		args := map[string]any{}
		if L.GetTop() >= 1 {
			if tbl, ok := L.Get(1).(*lua.LTable); ok {
				tbl.ForEach(func(k, v lua.LValue) {
					args[k.String()] = luaValueToGo(v)
				})
			}
		}
		*executed = append(*executed, name)
		result, err := callable(ctx, args)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(goMapToLua(L, result))
		return 1
	}))
}

// injectTabularVars exposes tabular-attachment variables as headers{N}/
// rows{N} globals (1-indexed), typed per §4.7 (int, float, datetime, bool,
// string, or null).
func injectTabularVars(L *lua.LState, files []orchestration.AttachedTabularFile) {
	for i, f := range files {
		n := i + 1
		headerTbl := L.NewTable()
		for hi, h := range f.Headers {
			// RawSetInt, not Append: a null cell later in the same row must
			// not disturb positional indices, and Lua's "#" length operator
			// over a table with holes is undefined, so every reader here
			// uses an explicit stored length instead (see "n" fields below).
			headerTbl.RawSetInt(hi+1, lua.LString(h))
		}
		headerTbl.RawSetString("n", lua.LNumber(len(f.Headers)))
		L.SetGlobal("headers"+strconv.Itoa(n), headerTbl)

		rowsTbl := L.NewTable()
		for ri, row := range f.Rows {
			rowTbl := L.NewTable()
			for ci, cell := range row {
				rowTbl.RawSetInt(ci+1, goScalarToLua(cell))
			}
			rowTbl.RawSetString("n", lua.LNumber(len(row)))
			rowsTbl.RawSetInt(ri+1, rowTbl)
		}
		rowsTbl.RawSetString("n", lua.LNumber(len(f.Rows)))
		L.SetGlobal("rows"+strconv.Itoa(n), rowsTbl)
	}
}

func goMapToLua(L *lua.LState, m map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range m {
		tbl.RawSetString(k, goScalarToLua(v))
	}
	return tbl
}

func goScalarToLua(v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case time.Time:
		return lua.LString(x.Format(time.RFC3339))
	default:
		return lua.LString("")
	}
}

func luaValueToGo(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LNilType:
		return nil
	default:
		return lua.LVAsString(v)
	}
}
