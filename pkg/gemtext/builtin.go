package gemtext

import (
	"fmt"
	"regexp"
	"strings"
)

func init() {
	Register("strip_emailaddrs", func(map[string]any) (Func, error) { return stripEmailAddrs, nil })
	Register("url_remove", newURLRemove)
	Register("only_linetypes", newOnlyLineTypes)
	Register("rm_bracketed_digits", func(map[string]any) (Func, error) { return rmBracketedDigits, nil })
	Register("text_filter", newTextFilter)
	Register("get_out", newGetOut)
	Register("uppercased", newUppercased)
}

// stripEmailAddrs removes mailto links.
func stripEmailAddrs(fctx *Context) (Result, error) {
	if fctx.Line.Type == Link && strings.HasPrefix(fctx.Line.URL, "mailto:") {
		return Suppress, nil
	}
	return Pass, nil
}

// newURLRemove removes links whose target matches any of params.urls.
func newURLRemove(params map[string]any) (Func, error) {
	res, err := regexpList(params, "urls")
	if err != nil {
		return nil, err
	}
	return func(fctx *Context) (Result, error) {
		if fctx.Line.Type != Link {
			return Pass, nil
		}
		if anyMatch(res, fctx.Line.URL) {
			return Suppress, nil
		}
		return Pass, nil
	}, nil
}

// newOnlyLineTypes drops every line whose type is not in params.types.
func newOnlyLineTypes(params map[string]any) (Func, error) {
	names := stringList(params, "types")
	keep := make(map[LineType]bool, len(names))
	for _, n := range names {
		t, ok := ParseLineType(n)
		if !ok {
			return nil, fmt.Errorf("unknown line type %q", n)
		}
		keep[t] = true
	}
	return func(fctx *Context) (Result, error) {
		if len(keep) > 0 && !keep[fctx.Line.Type] {
			return Suppress, nil
		}
		return Pass, nil
	}, nil
}

var bracketedDigits = regexp.MustCompile(`^.*?\[\d+\]`)

// rmBracketedDigits removes text lines carrying footnote markers like "Videos[2]".
func rmBracketedDigits(fctx *Context) (Result, error) {
	if !fctx.Line.IsText() {
		return Pass, ErrNotApplicable
	}
	if bracketedDigits.MatchString(fctx.Line.Text) {
		return Suppress, nil
	}
	return Pass, nil
}

// newTextFilter removes text lines matching any of params.re.
func newTextFilter(params map[string]any) (Func, error) {
	res, err := regexpList(params, "re")
	if err != nil {
		return nil, err
	}
	return func(fctx *Context) (Result, error) {
		if !fctx.Line.IsText() {
			return Pass, ErrNotApplicable
		}
		if anyMatch(res, fctx.Line.Text) {
			return Suppress, nil
		}
		return Pass, nil
	}, nil
}

// newGetOut stops the document at the first text line matching params.re.
func newGetOut(params map[string]any) (Func, error) {
	res, err := regexpList(params, "re")
	if err != nil {
		return nil, err
	}
	return func(fctx *Context) (Result, error) {
		if !fctx.Line.IsText() {
			return Pass, ErrNotApplicable
		}
		if anyMatch(res, fctx.Line.Text) {
			return Stop, nil
		}
		return Pass, nil
	}, nil
}

// newUppercased upper-cases the words listed in params.words.
func newUppercased(params map[string]any) (Func, error) {
	words := make(map[string]bool)
	for _, w := range stringList(params, "words") {
		words[w] = true
	}
	return func(fctx *Context) (Result, error) {
		if !fctx.Line.IsText() {
			return Pass, ErrNotApplicable
		}
		l := fctx.Line
		if len(words) == 0 {
			return Replace(l), nil
		}
		fields := strings.Fields(l.Text)
		for i, f := range fields {
			if words[f] {
				fields[i] = strings.ToUpper(f)
			}
		}
		l.Text = strings.Join(fields, " ")
		return Replace(l), nil
	}, nil
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

func regexpList(params map[string]any, key string) ([]*regexp.Regexp, error) {
	var out []*regexp.Regexp
	for _, s := range stringList(params, key) {
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// stringList reads params[key] as a list of strings, accepting a single string.
func stringList(params map[string]any, key string) []string {
	v, ok := params[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, fmt.Sprint(e))
		}
		return out
	default:
		return []string{fmt.Sprint(t)}
	}
}
