package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// printFunc writes its arguments tab-separated with a trailing newline,
// honouring __tostring like the stock print.
func printFunc(w io.Writer) lua.LGFunction {
	return func(L *lua.LState) int {
		top := L.GetTop()
		parts := make([]string, 0, top)
		for i := 1; i <= top; i++ {
			parts = append(parts, L.ToStringMeta(L.Get(i)).String())
		}
		fmt.Fprintln(w, strings.Join(parts, "\t"))
		return 0
	}
}

// writeFunc implements file:write semantics for a capture stream. When called
// with method syntax the receiver table is skipped.
func writeFunc(w io.Writer, self *lua.LTable) lua.LGFunction {
	return func(L *lua.LState) int {
		start := 1
		if self != nil && L.Get(1) == self {
			start = 2
		}
		for i := start; i <= L.GetTop(); i++ {
			switch v := L.Get(i).(type) {
			case lua.LString:
				io.WriteString(w, string(v))
			case lua.LNumber:
				io.WriteString(w, v.String())
			default:
				L.ArgError(i, "string expected, got "+v.Type().String())
				return 0
			}
		}
		if self != nil {
			L.Push(self)
			return 1
		}
		return 0
	}
}

func streamTable(L *lua.LState, w io.Writer) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("write", L.NewFunction(writeFunc(w, t)))
	return t
}

// ioBinding exposes only the captured output streams.
func ioBinding(rt *Runtime) lua.LValue {
	L := rt.L
	mod := L.NewTable()
	mod.RawSetString("write", L.NewFunction(writeFunc(rt.Stdout, nil)))
	mod.RawSetString("stdout", streamTable(L, rt.Stdout))
	mod.RawSetString("stderr", streamTable(L, rt.Stderr))
	return mod
}

// hostBinding builds the `host` module.
func hostBinding(host Host, info HostInfo, logger *slog.Logger) Binding {
	return func(rt *Runtime) lua.LValue {
		L := rt.L
		mod := L.NewTable()
		mod.RawSetString("version", lua.LString(info.Version))
		mod.RawSetString("locale", lua.LString(info.Locale))
		mod.RawSetString("scripts_dir", lua.LString(info.ScriptsDir))
		mod.RawSetString("script", lua.LString(rt.Script.Name))

		mod.RawSetString("notify", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			if host != nil {
				host.Notify(rt.Script.Name, msg)
			}
			return 0
		}))

		mod.RawSetString("scripts", L.NewFunction(func(L *lua.LState) int {
			list := L.NewTable()
			if host != nil {
				for _, s := range host.Scripts() {
					entry := L.NewTable()
					entry.RawSetString("path", lua.LString(s.Path))
					entry.RawSetString("title", lua.LString(s.Title))
					entry.RawSetString("description", lua.LString(s.Description))
					list.Append(entry)
				}
			}
			L.Push(list)
			return 1
		}))

		mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			fmt.Fprintf(rt.Stderr, "[%s] %s\n", level, msg)
			if logger == nil {
				return 0
			}
			switch level {
			case "debug":
				logger.Debug("script log", "script", rt.Script.Name, "msg", msg)
			case "warn":
				logger.Warn("script log", "script", rt.Script.Name, "msg", msg)
			case "error":
				logger.Error("script log", "script", rt.Script.Name, "msg", msg)
			default:
				logger.Info("script log", "script", rt.Script.Name, "msg", msg)
			}
			return 0
		}))
		return mod
	}
}

func clockBinding(rt *Runtime) lua.LValue {
	L := rt.L
	mod := L.NewTable()
	mod.RawSetString("datetime", L.NewFunction(clockDatetime))
	mod.RawSetString("time_between", L.NewFunction(clockTimeBetween))
	return mod
}

// clock.datetime(component) returns one component of the current time.
func clockDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// clock.time_between(from_hour, to_hour) reports whether the current hour is
// in range; ranges may wrap midnight.
func clockTimeBetween(L *lua.LState) int {
	from := L.CheckInt(1)
	to := L.CheckInt(2)
	L.Push(lua.LBool(hourBetween(time.Now().Hour(), from, to)))
	return 1
}

func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	// Midnight-wrapping range: e.g. 22-6
	return hour >= from || hour < to
}

func jsonBinding(rt *Runtime) lua.LValue {
	L := rt.L
	mod := L.NewTable()
	mod.RawSetString("encode", L.NewFunction(jsonEncode))
	mod.RawSetString("decode", L.NewFunction(jsonDecode))
	return mod
}

func jsonEncode(L *lua.LState) int {
	data, err := json.Marshal(luaToGo(L.Get(1), 0))
	if err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LString(string(data)))
	return 1
}

func jsonDecode(L *lua.LState) int {
	str := L.CheckString(1)
	var v interface{}
	if err := json.Unmarshal([]byte(str), &v); err != nil {
		L.Push(lua.LNil)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(goToLua(L, v))
	return 1
}

func base64Binding(rt *Runtime) lua.LValue {
	L := rt.L
	mod := L.NewTable()
	mod.RawSetString("encode", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(base64.StdEncoding.EncodeToString([]byte(L.CheckString(1)))))
		return 1
	}))
	mod.RawSetString("decode", L.NewFunction(func(L *lua.LState) int {
		data, err := base64.StdEncoding.DecodeString(L.CheckString(1))
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(string(data)))
		return 1
	}))
	return mod
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

const maxConvertDepth = 32

// maxArrayHoles is how many nil slots a table may have and still encode as
// an array.
const maxArrayHoles = 16

// arrayLen returns the slice length for a table keyed only by positive
// integers. The length is bounded by the entry count, so a sparse key such
// as 1e11 yields a map instead of a huge allocation.
func arrayLen(t *lua.LTable) (int, bool) {
	entries := 0
	isArray := true
	var maxIndex lua.LNumber
	t.ForEach(func(k, _ lua.LValue) {
		entries++
		num, ok := k.(lua.LNumber)
		if !ok || num < 1 || num != lua.LNumber(int64(num)) {
			isArray = false
			return
		}
		if num > maxIndex {
			maxIndex = num
		}
	})
	if !isArray || entries == 0 || maxIndex > lua.LNumber(entries+maxArrayHoles) {
		return 0, false
	}
	return int(maxIndex), true
}

// luaToGo converts a Lua value to a Go value. Tables whose keys are exactly
// 1..n with at most maxArrayHoles gaps become slices, anything else becomes
// a map. Cycles are cut at maxConvertDepth.
func luaToGo(val lua.LValue, depth int) interface{} {
	if depth > maxConvertDepth {
		return nil
	}
	switch v := val.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if n, ok := arrayLen(v); ok {
			arr := make([]interface{}, n)
			v.ForEach(func(k, val lua.LValue) {
				arr[int(k.(lua.LNumber))-1] = luaToGo(val, depth+1)
			})
			return arr
		}

		m := make(map[string]interface{})
		v.ForEach(func(k, val lua.LValue) {
			m[k.String()] = luaToGo(val, depth+1)
		})
		return m
	default:
		return nil
	}
}
