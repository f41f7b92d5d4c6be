package sandbox

import (
	"context"
	"io"
	"log/slog"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// Runtime is the per-execution context a Binding is materialised against.
// L has the interpreter's standard libraries opened in its own global table;
// scripts never see that table, only the values bindings copy out of it.
type Runtime struct {
	Ctx    context.Context
	L      *lua.LState
	Stdout io.Writer
	Stderr io.Writer
	Script Script

	ns *Namespace
}

// Binding produces the value of one namespace symbol inside a run.
type Binding func(rt *Runtime) lua.LValue

// Namespace is the curated allow-list of symbols a script may reference,
// plus the modules it may pull in through require.
type Namespace struct {
	symbols    map[string]Binding
	importable map[string]Binding
}

// NewNamespace returns an empty namespace.
func NewNamespace() *Namespace {
	return &Namespace{
		symbols:    make(map[string]Binding),
		importable: make(map[string]Binding),
	}
}

// Set adds or replaces a global symbol.
func (ns *Namespace) Set(name string, b Binding) {
	ns.symbols[name] = b
}

// AllowImport makes a module loadable through require.
func (ns *Namespace) AllowImport(name string, b Binding) {
	ns.importable[name] = b
}

// Has reports whether name is a global symbol.
func (ns *Namespace) Has(name string) bool {
	_, ok := ns.symbols[name]
	return ok
}

// Symbols returns the sorted global symbol names.
func (ns *Namespace) Symbols() []string {
	return sortedKeys(ns.symbols)
}

// Importable returns the sorted module names require accepts.
func (ns *Namespace) Importable() []string {
	return sortedKeys(ns.importable)
}

func sortedKeys(m map[string]Binding) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ScriptInfo is the read-only view of a registered script handed to scripts.
type ScriptInfo struct {
	Path        string `json:"path"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// HostInfo describes the host to scripts.
type HostInfo struct {
	Version    string
	Locale     string
	ScriptsDir string
}

// Host is the set of host services exposed through the `host` module.
type Host interface {
	Info() HostInfo
	Scripts() []ScriptInfo
	Notify(script, message string)
}

// builtins are copied from the interpreter's base library.
var builtins = []string{
	"assert", "error", "ipairs", "next", "pairs", "pcall", "select",
	"tonumber", "tostring", "type", "unpack", "xpcall", "_VERSION",
}

// osSafe is the subset of the os library scripts may call.
var osSafe = []string{"clock", "date", "difftime", "time"}

// Builder assembles the capability namespace for one execution.
type Builder struct {
	host   Host
	logger *slog.Logger
}

// NewBuilder creates a namespace builder. host may be nil.
func NewBuilder(host Host, logger *slog.Logger) *Builder {
	return &Builder{host: host, logger: logger}
}

// Build returns a fresh namespace. Nothing is shared between the namespaces
// of two calls, so no state leaks between runs.
func (b *Builder) Build() *Namespace {
	ns := NewNamespace()

	for _, name := range builtins {
		ns.Set(name, globalBinding(name))
	}

	ns.Set("string", libraryBinding("string", nil))
	ns.Set("table", libraryBinding("table", nil))
	ns.Set("math", libraryBinding("math", nil))
	ns.Set("os", libraryBinding("os", osSafe))

	ns.Set("print", func(rt *Runtime) lua.LValue {
		return rt.L.NewFunction(printFunc(rt.Stdout))
	})
	ns.Set("eprint", func(rt *Runtime) lua.LValue {
		return rt.L.NewFunction(printFunc(rt.Stderr))
	})
	ns.Set("io", ioBinding)
	ns.Set("require", requireBinding)

	var info HostInfo
	if b.host != nil {
		info = b.host.Info()
	}
	hostMod := hostBinding(b.host, info, b.logger)
	ns.Set("host", hostMod)
	ns.Set("clock", clockBinding)
	ns.Set("json", jsonBinding)
	ns.Set("base64", base64Binding)

	for _, name := range []string{"string", "table", "math"} {
		ns.AllowImport(name, libraryBinding(name, nil))
	}
	ns.AllowImport("clock", clockBinding)
	ns.AllowImport("json", jsonBinding)
	ns.AllowImport("base64", base64Binding)
	ns.AllowImport("host", hostMod)

	return ns
}

// globalBinding copies a value from the interpreter's own global table.
func globalBinding(name string) Binding {
	return func(rt *Runtime) lua.LValue {
		return rt.L.GetGlobal(name)
	}
}

// libraryBinding copies a standard library table, optionally restricted to
// the listed fields. The copy keeps script writes away from the original.
func libraryBinding(name string, only []string) Binding {
	return func(rt *Runtime) lua.LValue {
		src, ok := rt.L.GetGlobal(name).(*lua.LTable)
		if !ok {
			return lua.LNil
		}
		dst := rt.L.NewTable()
		if only == nil {
			src.ForEach(func(k, v lua.LValue) { dst.RawSet(k, v) })
			return dst
		}
		for _, field := range only {
			if v := src.RawGetString(field); v != lua.LNil {
				dst.RawSetString(field, v)
			}
		}
		return dst
	}
}

// requireBinding resolves modules from the namespace's import allow-list only.
func requireBinding(rt *Runtime) lua.LValue {
	loaded := make(map[string]lua.LValue)
	return rt.L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if v, ok := loaded[name]; ok {
			L.Push(v)
			return 1
		}
		b, ok := rt.ns.importable[name]
		if !ok {
			L.RaiseError("module '%s' is not available in the sandbox", name)
			return 0
		}
		v := b(rt)
		loaded[name] = v
		L.Push(v)
		return 1
	})
}
