package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func TestBuildAllowList(t *testing.T) {
	ns := NewBuilder(nil, testLogger()).Build()

	for _, name := range []string{"print", "eprint", "io", "string", "table", "math", "os", "host", "clock", "json", "base64", "require", "pcall"} {
		if !ns.Has(name) {
			t.Errorf("namespace missing %q", name)
		}
	}
	for _, name := range []string{"dofile", "loadfile", "loadstring", "load", "debug", "package", "setfenv", "getfenv", "rawset"} {
		if ns.Has(name) {
			t.Errorf("namespace exposes %q", name)
		}
	}

	want := "base64,clock,host,json,math,string,table"
	if got := strings.Join(ns.Importable(), ","); got != want {
		t.Errorf("Importable() = %s, want %s", got, want)
	}
}

func TestBuildReturnsFreshNamespace(t *testing.T) {
	b := NewBuilder(nil, testLogger())
	a := b.Build()
	a.Set("leak", globalBinding("print"))
	if b.Build().Has("leak") {
		t.Error("second Build() saw symbol added to the first namespace")
	}
}

func TestSandboxHidesDangerousMembers(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"os.execute", "os.execute"},
		{"os.exit", "os.exit"},
		{"os.remove", "os.remove"},
		{"os.getenv", "os.getenv"},
		{"io.open", "io.open"},
		{"io.popen", "io.popen"},
		{"dofile", "dofile"},
		{"loadstring", "loadstring"},
		{"debug", "debug"},
		{"package", "package"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, "print(type("+tt.expr+"))")
			if !res.OK {
				t.Fatalf("fault = %+v", res.Fault)
			}
			if res.Stdout != "nil\n" {
				t.Errorf("type(%s) = %q, want nil", tt.expr, res.Stdout)
			}
		})
	}
}

func TestSandboxSafeOS(t *testing.T) {
	res := run(t, `print(type(os.time()), type(os.clock()), type(os.date("%Y")))`)
	if res.Stdout != "number\tnumber\tstring\n" {
		t.Errorf("Stdout = %q (fault %+v)", res.Stdout, res.Fault)
	}
}

func TestGlobalsDoNotLeakBetweenRuns(t *testing.T) {
	exec := NewLuaExecutor(time.Second, testLogger())
	b := NewBuilder(nil, testLogger())

	first := exec.Execute(context.Background(), Script{Name: "a.lua", Source: `leaked = 1; string.extra = 2`}, b.Build())
	if !first.OK {
		t.Fatalf("first run fault = %+v", first.Fault)
	}
	second := exec.Execute(context.Background(), Script{Name: "b.lua", Source: `print(leaked, string.extra)`}, b.Build())
	if second.Stdout != "nil\tnil\n" {
		t.Errorf("Stdout = %q, want nil\\tnil", second.Stdout)
	}
}

func TestRequireAllowList(t *testing.T) {
	res := run(t, `local j = require("json")
local again = require("json")
print(j.encode({1, 2, 3}), j == again)`)
	if !res.OK {
		t.Fatalf("fault = %+v", res.Fault)
	}
	if res.Stdout != "[1,2,3]\ttrue\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}

	res = run(t, `require("os")`)
	if res.Fault == nil || res.Fault.Kind != FaultRuntime {
		t.Fatalf("Fault = %+v, want runtime", res.Fault)
	}
	if !strings.Contains(res.Fault.Message, "not available in the sandbox") {
		t.Errorf("Message = %q", res.Fault.Message)
	}
}

func TestHostModule(t *testing.T) {
	host := &fakeHost{}
	exec := NewLuaExecutor(time.Second, testLogger())
	ns := NewBuilder(host, testLogger()).Build()
	res := exec.Execute(context.Background(), Script{Name: "h.lua", Source: `
print(host.version, host.locale, host.script)
local list = host.scripts()
print(#list, list[1].title)
host.notify("done")
host.log("warn", "careful")
`}, ns)
	if !res.OK {
		t.Fatalf("fault = %+v", res.Fault)
	}
	if res.Stdout != "test\ten\th.lua\n1\tA\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
	if res.Stderr != "[warn] careful\n" {
		t.Errorf("Stderr = %q", res.Stderr)
	}
	if len(host.notified) != 1 || host.notified[0] != "h.lua: done" {
		t.Errorf("notified = %v", host.notified)
	}
}

func TestJSONAndBase64Modules(t *testing.T) {
	res := run(t, `
local t = json.decode('{"a": [1, 2], "b": "x"}')
print(t.a[2], t.b)
local v, err = json.decode("{bad")
print(v, err ~= nil)
print(base64.encode("hi"), base64.decode("aGk="))
`)
	if !res.OK {
		t.Fatalf("fault = %+v", res.Fault)
	}
	if res.Stdout != "2\tx\nnil\ttrue\naGk=\thi\n" {
		t.Errorf("Stdout = %q", res.Stdout)
	}
}

func TestJSONEncodeTableShapes(t *testing.T) {
	tests := []struct {
		name string
		expr string
		want string
	}{
		{"sequence", "{1, 2, 3}", "[1,2,3]"},
		{"small hole", `{[1] = "a", [3] = "c"}`, `["a",null,"c"]`},
		{"string keys", `{a = 1}`, `{"a":1}`},
		{"fractional key", `{[1.5] = true}`, `{"1.5":true}`},
		{"empty", "{}", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := run(t, "io.write(json.encode("+tt.expr+"))")
			if !res.OK {
				t.Fatalf("fault = %+v", res.Fault)
			}
			if res.Stdout != tt.want {
				t.Errorf("Stdout = %q, want %q", res.Stdout, tt.want)
			}
		})
	}
}

func TestJSONEncodeSparseTableIsMap(t *testing.T) {
	res := run(t, "io.write(json.encode({[1e11] = true, [2] = false}))")
	if !res.OK {
		t.Fatalf("fault = %+v", res.Fault)
	}
	if !strings.HasPrefix(res.Stdout, "{") || !strings.Contains(res.Stdout, `"2":false`) {
		t.Errorf("Stdout = %q, want an object", res.Stdout)
	}

	L := lua.NewState()
	defer L.Close()
	tbl := L.NewTable()
	tbl.RawSetInt(1, lua.LTrue)
	tbl.RawSet(lua.LNumber(1<<40), lua.LTrue)
	if _, ok := luaToGo(tbl, 0).(map[string]interface{}); !ok {
		t.Errorf("luaToGo(sparse) = %T, want map", luaToGo(tbl, 0))
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 18, true},
		{18, 8, 18, false},
		{23, 22, 6, true},
		{3, 22, 6, true},
		{12, 22, 6, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestLuaToGoCycle(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tbl := L.NewTable()
	tbl.RawSetString("self", tbl)
	if luaToGo(tbl, 0) == nil {
		t.Error("luaToGo returned nil for cyclic table root")
	}
}

func TestGoToLuaTypes(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		name string
		val  interface{}
		want lua.LValueType
	}{
		{"nil", nil, lua.LTNil},
		{"bool", true, lua.LTBool},
		{"string", "hello", lua.LTString},
		{"int", 42, lua.LTNumber},
		{"float64", 3.14, lua.LTNumber},
		{"map", map[string]interface{}{"a": 1.0}, lua.LTTable},
		{"slice", []interface{}{1.0, 2.0}, lua.LTTable},
		{"unknown", struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := goToLua(L, tt.val).Type(); got != tt.want {
				t.Errorf("goToLua(%v) type = %v, want %v", tt.val, got, tt.want)
			}
		})
	}
}
