package script

import (
	"context"
)

// Value is the result of evaluating a script.
type Value interface {

	// Value returns the Go value
	Value() any

	// String returns the value formatted for message text
	String() string

	// IsTruthy reports whether the value counts as true in a condition
	IsTruthy() bool
}

// Script is a compiled expression that can be evaluated repeatedly.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// Compiler compiles source code into a Script.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
