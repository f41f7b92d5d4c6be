package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// Script is the unit handed to an Executor.
type Script struct {
	Name   string
	Path   string
	Source string
}

// Executor runs a script inside a namespace. Execute never panics and never
// returns nil.
type Executor interface {
	Execute(ctx context.Context, s Script, ns *Namespace) *Result
}

// maxCapture bounds each captured stream.
const maxCapture = 1 << 20

var errCaptureClosed = errors.New("capture closed")

// capture is a per-run output buffer. It is closed for writing when the
// run ends; later writes from leaked references are dropped.
type capture struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	closed    bool
	truncated bool
}

func (c *capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errCaptureClosed
	}
	if room := maxCapture - c.buf.Len(); len(p) > room {
		c.buf.Write(p[:room])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *capture) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.buf.String() + "\n[output truncated]\n"
	}
	return c.buf.String()
}

// LuaExecutor runs scripts in a fresh gopher-lua state per call.
type LuaExecutor struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewLuaExecutor creates an executor. A zero timeout disables the deadline.
func NewLuaExecutor(timeout time.Duration, logger *slog.Logger) *LuaExecutor {
	return &LuaExecutor{
		timeout: timeout,
		logger:  logger.With("component", "executor"),
	}
}

// Timeout returns the per-run deadline.
func (e *LuaExecutor) Timeout() time.Duration { return e.timeout }

// Execute compiles s.Source with the namespace as its only global scope,
// runs the top level and then main() when the script defines one.
func (e *LuaExecutor) Execute(ctx context.Context, s Script, ns *Namespace) (res *Result) {
	start := time.Now()
	if ctx == nil {
		ctx = context.Background()
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	if ns == nil {
		ns = NewBuilder(nil, e.logger).Build()
	}

	res = &Result{Script: s.Name, Report: Validate(s.Source)}
	for _, f := range res.Report.Findings {
		e.logger.Warn("risky construct", "script", s.Name, "line", f.Line, "label", f.Label)
	}

	stdout, stderr := &capture{}, &capture{}
	defer func() {
		stdout.Close()
		stderr.Close()
		if r := recover(); r != nil {
			res.OK = false
			res.Fault = &Fault{Kind: FaultPanic, Message: fmt.Sprint(r)}
			e.logger.Error("executor panic", "script", s.Name, "panic", r)
		}
		res.Stdout = stdout.String()
		res.Stderr = stderr.String()
		res.Duration = time.Since(start).String()
		e.logger.Info("script executed", "script", s.Name, "ok", res.OK, "duration", res.Duration)
	}()

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()
	openLibs(L)
	L.SetContext(ctx)

	rt := &Runtime{Ctx: ctx, L: L, Stdout: stdout, Stderr: stderr, Script: s, ns: ns}
	env := L.NewTable()
	for name, b := range ns.symbols {
		env.RawSetString(name, b(rt))
	}
	env.RawSetString("_G", env)

	chunk := s.Name
	if chunk == "" {
		chunk = "script"
	}
	fn, err := L.Load(strings.NewReader(s.Source), chunk)
	if err != nil {
		res.Fault = loadFault(err)
		return res
	}
	fn.Env = env

	L.Push(fn)
	if err := L.PCall(0, 0, nil); err != nil {
		res.Fault = runFault(ctx, err)
		return res
	}

	if main, ok := env.RawGetString("main").(*lua.LFunction); ok {
		res.EntryPoint = true
		L.Push(main)
		if err := L.PCall(0, 0, nil); err != nil {
			res.Fault = runFault(ctx, err)
			return res
		}
	}

	res.OK = true
	return res
}

// openLibs loads the libraries bindings copy from. io, package, debug and
// channel are never opened.
func openLibs(L *lua.LState) {
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
}
