package gemtext

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNotApplicable is returned by a filter whose precondition does not hold
// for the current line. The line passes through unchanged.
var ErrNotApplicable = errors.New("gemtext: filter not applicable")

// Action is what a filter decided for a line.
type Action int

const (
	ActionPass Action = iota
	ActionReplace
	ActionSuppress
	ActionStop
)

// Result is the outcome of running one filter on one line.
type Result struct {
	Action Action
	Lines  []Line
}

var (
	// Pass leaves the line to the next filter.
	Pass = Result{Action: ActionPass}
	// Suppress removes the line from the output.
	Suppress = Result{Action: ActionSuppress}
	// Stop drops the current line and every line after it.
	Stop = Result{Action: ActionStop}
)

// Replace substitutes the current line with lines.
func Replace(lines ...Line) Result {
	return Result{Action: ActionReplace, Lines: lines}
}

// ReplaceText substitutes the current line with raw gemtext lines.
func ReplaceText(raw ...string) Result {
	lines := make([]Line, 0, len(raw))
	for _, r := range raw {
		lines = append(lines, ParseLine(r, false))
	}
	return Replace(lines...)
}

// Context is handed to every filter invocation.
type Context struct {
	Doc      *Document
	Params   map[string]any
	LineNum  int
	Line     Line
	PrevLine *Line
}

// Func is a filter body.
type Func func(fctx *Context) (Result, error)

// Factory builds a filter from its configuration parameters.
type Factory func(params map[string]any) (Func, error)

// Filter is a configured, ready to run filter.
type Filter struct {
	Name   string
	Params map[string]any
	Fn     Func
}

// Spec names a registered filter and its parameters, as found in configuration.
type Spec struct {
	Filter string         `mapstructure:"filter"`
	Params map[string]any `mapstructure:",remain"`
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a filter factory available under name.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Registered returns the sorted names of all registered filters.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for n := range registry {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Build resolves specs against the registry.
func Build(specs []Spec) ([]Filter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]Filter, 0, len(specs))
	for _, s := range specs {
		f, ok := registry[s.Filter]
		if !ok {
			return nil, fmt.Errorf("unknown gemtext filter %q", s.Filter)
		}
		fn, err := f(s.Params)
		if err != nil {
			return nil, fmt.Errorf("gemtext filter %q: %w", s.Filter, err)
		}
		out = append(out, Filter{Name: s.Filter, Params: s.Params, Fn: fn})
	}
	return out, nil
}

// Run applies chain to every non-blank line of doc and returns a new
// document. For each line the first filter returning something other than
// Pass wins. A filter that panics or returns an error is treated as Pass.
func Run(ctx context.Context, doc *Document, chain []Filter) *Document {
	if len(chain) == 0 {
		return doc
	}
	out := &Document{}
	fctx := &Context{Doc: doc}

lines:
	for i, line := range doc.Lines {
		fctx.LineNum = i
		if line.Type == Blank {
			out.AppendLine(line)
			continue
		}
		if ctx.Err() != nil {
			out.AppendLine(line)
			continue
		}
		fctx.Line = line

		res := Pass
		for _, f := range chain {
			fctx.Params = f.Params
			res = runOne(ctx, f, fctx)
			if res.Action != ActionPass {
				break
			}
		}

		switch res.Action {
		case ActionStop:
			break lines
		case ActionSuppress:
		case ActionReplace:
			for _, l := range res.Lines {
				out.AppendLine(l)
			}
		default:
			out.AppendLine(line)
		}
		prev := line
		fctx.PrevLine = &prev
	}
	return out
}

func runOne(ctx context.Context, f Filter, fctx *Context) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Ctx(ctx).Warn().Str("filter", f.Name).Interface("panic", r).Msg("gemtext filter panicked")
			res = Pass
		}
	}()
	res, err := f.Fn(fctx)
	if err != nil {
		if !errors.Is(err, ErrNotApplicable) {
			log.Ctx(ctx).Warn().Err(err).Str("filter", f.Name).Msg("gemtext filter failed")
		}
		return Pass
	}
	return res
}
