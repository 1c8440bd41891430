// Package template renders stored prompt templates against variable maps.
//
// Three placeholder surfaces are normalized into one:
//
//	${name}                       → {{name}}
//	{{name|default:"literal"}}    → {{default name "literal"}}
//	{{name|default:other}}        → {{default name other}}
//
// The renderer is a small interpreter over a fixed expression grammar
// (identifier, string literal, or a helper call with flat arguments) —
// deliberately not a full template language. HTML escaping is disabled
// and missing variables render as empty strings.
//
// Helpers: default(value, fallback), eq(a, b), and(...), or(...).
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var (
	dollarVar = regexp.MustCompile(`\$\{\s*([A-Za-z_][\w.]*)\s*\}`)

	// {{name|default:"literal"}} and the single-quoted variant.
	pipeDefaultDouble = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.]*)\s*\|\s*default\s*:\s*"([^"]*)"\s*\}\}`)
	pipeDefaultSingle = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.]*)\s*\|\s*default\s*:\s*'([^']*)'\s*\}\}`)
	pipeDefaultIdent  = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w.]*)\s*\|\s*default\s*:\s*([A-Za-z_][\w.]*)\s*\}\}`)
)

// Preprocess rewrites the alternative placeholder spellings into the
// canonical {{...}} form consumed by the interpreter.
func Preprocess(src string) string {
	src = dollarVar.ReplaceAllString(src, "{{$1}}")
	src = pipeDefaultDouble.ReplaceAllString(src, `{{default $1 "$2"}}`)
	src = pipeDefaultSingle.ReplaceAllString(src, `{{default $1 "$2"}}`)
	src = pipeDefaultIdent.ReplaceAllString(src, "{{default $1 $2}}")
	return src
}

// node is one segment of a parsed template: literal text or an expression.
type node struct {
	text string
	expr *expr
}

// expr is a single {{...}} expression: a bare value or a helper call.
type expr struct {
	helper string
	args   []arg
}

// arg is an expression argument: an identifier or a string literal.
type arg struct {
	ident   string
	literal string
	isLit   bool
}

// Render parses src (after preprocessing) and evaluates it against vars.
func Render(src string, vars map[string]any) (string, error) {
	nodes, err := parse(Preprocess(src))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, n := range nodes {
		if n.expr == nil {
			sb.WriteString(n.text)
			continue
		}
		v, err := n.expr.eval(vars)
		if err != nil {
			return "", err
		}
		sb.WriteString(stringify(v))
	}
	return sb.String(), nil
}

func parse(src string) ([]node, error) {
	var nodes []node
	for {
		open := strings.Index(src, "{{")
		if open < 0 {
			if src != "" {
				nodes = append(nodes, node{text: src})
			}
			return nodes, nil
		}
		if open > 0 {
			nodes = append(nodes, node{text: src[:open]})
		}
		close := strings.Index(src[open:], "}}")
		if close < 0 {
			return nil, fmt.Errorf("template: unclosed placeholder at offset %d", open)
		}
		inner := strings.TrimSpace(src[open+2 : open+close])
		e, err := parseExpr(inner)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node{expr: e})
		src = src[open+close+2:]
	}
}

func parseExpr(inner string) (*expr, error) {
	if inner == "" {
		return nil, fmt.Errorf("template: empty placeholder")
	}

	args, err := splitArgs(inner)
	if err != nil {
		return nil, err
	}

	first := args[0]
	if !first.isLit && isHelper(first.ident) && len(args) > 1 {
		return &expr{helper: first.ident, args: args[1:]}, nil
	}
	if len(args) != 1 {
		return nil, fmt.Errorf("template: unknown helper %q", first.ident)
	}
	return &expr{args: args}, nil
}

// splitArgs tokenizes a placeholder body on whitespace, honoring quoted
// string literals.
func splitArgs(s string) ([]arg, error) {
	var out []arg
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\t':
			i++
		case c == '"' || c == '\'':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("template: unterminated string literal in %q", s)
			}
			out = append(out, arg{literal: s[i+1 : i+1+end], isLit: true})
			i += end + 2
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' {
				j++
			}
			out = append(out, arg{ident: s[i:j]})
			i = j
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("template: empty placeholder")
	}
	return out, nil
}

func isHelper(name string) bool {
	switch name {
	case "default", "eq", "and", "or":
		return true
	}
	return false
}

func (e *expr) eval(vars map[string]any) (any, error) {
	vals := make([]any, len(e.args))
	for i, a := range e.args {
		if a.isLit {
			vals[i] = a.literal
		} else {
			vals[i] = lookup(vars, a.ident)
		}
	}

	switch e.helper {
	case "":
		return vals[0], nil
	case "default":
		if len(vals) != 2 {
			return nil, fmt.Errorf("template: default expects 2 arguments, got %d", len(vals))
		}
		if isEmpty(vals[0]) {
			return vals[1], nil
		}
		return vals[0], nil
	case "eq":
		if len(vals) != 2 {
			return nil, fmt.Errorf("template: eq expects 2 arguments, got %d", len(vals))
		}
		return strictEqual(vals[0], vals[1]), nil
	case "and":
		for _, v := range vals {
			if !truthy(v) {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for _, v := range vals {
			if truthy(v) {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, fmt.Errorf("template: unknown helper %q", e.helper)
}

// lookup resolves a possibly dotted identifier against nested maps.
// Missing variables resolve to nil (non-strict mode).
func lookup(vars map[string]any, ident string) any {
	parts := strings.Split(ident, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[p]
		if !ok {
			return nil
		}
	}
	return cur
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	}
	return true
}

func strictEqual(a, b any) bool {
	return stringify(a) == stringify(b) && fmt.Sprintf("%T", a) == fmt.Sprintf("%T", b)
}

// stringify renders a value into template output: strings verbatim,
// scalars via fmt, nil as empty, composites as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// SimpleSubstitute is the fallback renderer used when the interpreter
// rejects a template: plain ${var} and {{var}} replacement with arrays
// comma-joined and objects JSON-encoded. It never fails.
func SimpleSubstitute(src string, vars map[string]any) string {
	out := src
	for k, v := range vars {
		val := simpleValue(v)
		out = strings.ReplaceAll(out, "${"+k+"}", val)
		out = strings.ReplaceAll(out, "{{"+k+"}}", val)
	}
	return out
}

func simpleValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = simpleValue(e)
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(t, ", ")
	case map[string]any:
		b, _ := json.Marshal(t)
		return string(b)
	}
	return fmt.Sprint(v)
}
