package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTemplate(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		globals     map[string]any
		wantErr     bool
		want        string
		errContains string
	}{
		{
			name:  "plain string without template variables",
			input: "Hello World",
			want:  "Hello World",
		},
		{
			name:  "subject attribute",
			input: "Hi ${subject.name}, thanks for reaching out",
			globals: map[string]any{
				"subject": map[string]any{"name": "Alice"},
			},
			want: "Hi Alice, thanks for reaching out",
		},
		{
			name:  "multiple expressions",
			input: "${context.greeting} ${subject.name}! The answer is ${40 + 2}",
			globals: map[string]any{
				"context": map[string]any{"greeting": "Hello"},
				"subject": map[string]any{"name": "Bob"},
			},
			want: "Hello Bob! The answer is 42",
		},
		{
			name:  "nested arithmetic",
			input: "Result: ${1 + (2 * 3)}",
			want:  "Result: 7",
		},
		{
			name:        "unclosed brace",
			input:       "Hello ${subject.name",
			wantErr:     true,
			errContains: "unclosed template expression",
		},
		{
			name:        "invalid expression",
			input:       "Hello ${1 +}",
			wantErr:     true,
			errContains: "failed to compile template expression",
		},
		{
			name:        "undefined variable",
			input:       "Hello ${undefined_var}",
			wantErr:     true,
			errContains: "undefined variable",
		},
	}

	engine := NewRisorEngine(DefaultRisorGlobals())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := NewTemplate(engine, tt.input)
			if tt.wantErr {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			got, err := tmpl.Eval(context.Background(), tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExpressionTruthiness(t *testing.T) {
	engine := NewRisorEngine(DefaultRisorGlobals())
	ctx := context.Background()

	tests := []struct {
		code    string
		globals map[string]any
		want    bool
	}{
		{code: `event.body == "yes"`, globals: map[string]any{"event": map[string]any{"body": "yes"}}, want: true},
		{code: `event.body == "yes"`, globals: map[string]any{"event": map[string]any{"body": "no"}}, want: false},
		{code: `"false"`, want: false},
		{code: `[1]`, want: true},
		{code: `0`, want: false},
		{code: `" No "`, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			compiled, err := engine.Compile(ctx, tt.code)
			require.NoError(t, err)
			value, err := compiled.Evaluate(ctx, tt.globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, value.IsTruthy())
		})
	}
}

func TestCompileCachesBySource(t *testing.T) {
	engine := NewRisorEngine(DefaultRisorGlobals())
	first, err := engine.Compile(context.Background(), "1 + 1")
	require.NoError(t, err)
	second, err := engine.Compile(context.Background(), "1 + 1")
	require.NoError(t, err)
	require.Same(t, first, second)
}
