package codeexec

import (
	"encoding/json"

	lua "github.com/yuin/gopher-lua"
)

// registerJSONHelpers installs a minimal json.encode/json.decode pair, the
// "json" entry of AllowedModules. Kept deliberately small — this is not a
// general scripting runtime, just enough for a tool-calling script to shape
// the table it hands a tool or re-read the table a tool handed back.
func registerJSONHelpers(L *lua.LState) {
	tbl := L.NewTable()
	tbl.RawSetString("encode", L.NewFunction(jsonEncode))
	tbl.RawSetString("decode", L.NewFunction(jsonDecode))
	L.SetGlobal("json", tbl)
}

func jsonEncode(L *lua.LState) int {
	v := L.Get(1)
	b, err := json.Marshal(luaToGoDeep(v))
	if err != nil {
		L.RaiseError("json.encode: %s", err.Error())
		return 0
	}
	L.Push(lua.LString(b))
	return 1
}

func jsonDecode(L *lua.LState) int {
	s := L.CheckString(1)
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		L.RaiseError("json.decode: %s", err.Error())
		return 0
	}
	L.Push(goToLuaDeep(L, v))
	return 1
}

// luaToGoDeep recursively converts a Lua value into plain Go data
// (map[string]any / []any / scalars) suitable for json.Marshal.
func luaToGoDeep(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LNilType:
		return nil
	case *lua.LTable:
		if isLuaArray(x) {
			arr := make([]any, 0, x.Len())
			x.ForEach(func(_, val lua.LValue) {
				arr = append(arr, luaToGoDeep(val))
			})
			return arr
		}
		obj := map[string]any{}
		x.ForEach(func(k, val lua.LValue) {
			obj[k.String()] = luaToGoDeep(val)
		})
		return obj
	default:
		return nil
	}
}

// isLuaArray treats a table as an array when every key is a positive
// integer running from 1..Len() with no gaps. An empty table is treated as
// an empty object, since Lua has no way to tell the two apart.
func isLuaArray(t *lua.LTable) bool {
	n := t.Len()
	if n == 0 {
		return false
	}
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	return count == n
}

func goToLuaDeep(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case float64:
		return lua.LNumber(x)
	case []any:
		tbl := L.NewTable()
		for _, item := range x {
			tbl.Append(goToLuaDeep(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, val := range x {
			tbl.RawSetString(k, goToLuaDeep(L, val))
		}
		return tbl
	default:
		return lua.LNil
	}
}
