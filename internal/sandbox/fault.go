package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// FaultKind classifies why an execution did not complete.
type FaultKind string

const (
	FaultLoad     FaultKind = "load"
	FaultRuntime  FaultKind = "runtime"
	FaultTimeout  FaultKind = "timeout"
	FaultPanic    FaultKind = "panic"
	FaultNotFound FaultKind = "not_found"
)

// Fault is a script failure expressed as data.
type Fault struct {
	Kind      FaultKind `json:"kind"`
	Message   string    `json:"message"`
	Line      int       `json:"line,omitempty"`
	Traceback string    `json:"traceback,omitempty"`
}

func (f *Fault) Error() string {
	if f.Line > 0 {
		return fmt.Sprintf("%s error at line %d: %s", f.Kind, f.Line, f.Message)
	}
	return fmt.Sprintf("%s error: %s", f.Kind, f.Message)
}

// Result is the outcome of one execution.
type Result struct {
	Script     string `json:"script"`
	OK         bool   `json:"ok"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Fault      *Fault `json:"fault,omitempty"`
	Report     Report `json:"report"`
	EntryPoint bool   `json:"entry_point"`
	Duration   string `json:"duration"`
}

// NotFound builds the result for a script that could not be resolved.
func NotFound(name string, err error) *Result {
	return &Result{
		Script:   name,
		Fault:    &Fault{Kind: FaultNotFound, Message: err.Error()},
		Report:   Report{Findings: []Finding{}},
		Duration: "0s",
	}
}

var (
	syntaxLineRe  = regexp.MustCompile(`line[:(](\d+)`)
	runtimeLineRe = regexp.MustCompile(`:(\d+):`)
)

func loadFault(err error) *Fault {
	f := &Fault{Kind: FaultLoad, Message: err.Error()}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		f.Message = apiErr.Object.String()
	}
	f.Message = strings.TrimSpace(f.Message)
	f.Line = firstLine(syntaxLineRe, f.Message)
	return f
}

func runFault(ctx context.Context, err error) *Fault {
	if ctxErr := ctx.Err(); ctxErr != nil {
		msg := "execution timed out"
		if errors.Is(ctxErr, context.Canceled) {
			msg = "execution canceled"
		}
		return &Fault{Kind: FaultTimeout, Message: msg}
	}

	f := &Fault{Kind: FaultRuntime, Message: err.Error()}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			f.Message = apiErr.Object.String()
		}
		f.Traceback = apiErr.StackTrace
		if apiErr.Type == lua.ApiErrorPanic {
			f.Kind = FaultPanic
		}
	}
	f.Line = firstLine(runtimeLineRe, f.Message)
	return f
}

func firstLine(re *regexp.Regexp, msg string) int {
	m := re.FindStringSubmatch(msg)
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(m[1])
	return n
}
