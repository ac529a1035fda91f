package script

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var templateExpr = regexp.MustCompile(`\$\{([^}]+)\}`)

type segment struct {
	text   string
	script Script
}

// Template is message text with embedded ${...} expressions.
type Template struct {
	raw      string
	segments []segment
}

// NewTemplate compiles every ${...} expression in raw.
func NewTemplate(engine Compiler, raw string) (*Template, error) {
	if strings.Count(raw, "${") > len(templateExpr.FindAllStringIndex(raw, -1)) {
		return nil, fmt.Errorf("unclosed template expression in string: %q", raw)
	}
	t := &Template{raw: raw}
	last := 0
	for _, match := range templateExpr.FindAllStringSubmatchIndex(raw, -1) {
		if match[0] > last {
			t.segments = append(t.segments, segment{text: raw[last:match[0]]})
		}
		expr := raw[match[2]:match[3]]
		compiled, err := engine.Compile(context.Background(), expr)
		if err != nil {
			return nil, fmt.Errorf("failed to compile template expression %q: %w", expr, err)
		}
		t.segments = append(t.segments, segment{script: compiled})
		last = match[1]
	}
	if last < len(raw) {
		t.segments = append(t.segments, segment{text: raw[last:]})
	}
	return t, nil
}

// Raw returns the template source.
func (t *Template) Raw() string {
	return t.raw
}

// Eval renders the template against globals.
func (t *Template) Eval(ctx context.Context, globals map[string]any) (string, error) {
	var sb strings.Builder
	for _, seg := range t.segments {
		if seg.script == nil {
			sb.WriteString(seg.text)
			continue
		}
		value, err := seg.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("failed to evaluate template expression: %w", err)
		}
		sb.WriteString(value.String())
	}
	return sb.String(), nil
}
