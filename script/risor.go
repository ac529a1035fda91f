package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

// GlobalNames are the variables every node expression may reference.
var GlobalNames = []string{"subject", "context", "event", "node"}

type RisorScript struct {
	engine *RisorEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	combined := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor expression: %w", err)
	}
	return &RisorValue{obj: value}, nil
}

// RisorEngine compiles risor expressions and caches them by source.
type RisorEngine struct {
	globals map[string]any
	names   []string
	cache   sync.Map
}

func NewRisorEngine(globals map[string]any) *RisorEngine {
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	return &RisorEngine{globals: globals, names: names}
}

func (e *RisorEngine) Compile(ctx context.Context, code string) (Script, error) {
	if cached, ok := e.cache.Load(code); ok {
		return cached.(*RisorScript), nil
	}
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(ast, compiler.WithGlobalNames(e.names))
	if err != nil {
		return nil, err
	}
	s := &RisorScript{engine: e, code: compiled}
	e.cache.Store(code, s)
	return s, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return goValue(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	return truthy(value.obj)
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		items := make([]string, 0, len(v.Value()))
		for _, item := range v.Value() {
			items = append(items, fmt.Sprintf("%v", goValue(item)))
		}
		return strings.Join(items, ", ")
	case fmt.Stringer:
		return v.String()
	default:
		return v.Inspect()
	}
}

// DefaultRisorGlobals returns the deterministic risor builtins plus empty
// placeholders for GlobalNames.
func DefaultRisorGlobals() map[string]any {
	available := all.Builtins()
	globals := map[string]any{}
	for _, name := range builtins {
		if value, ok := available[name]; ok {
			globals[name] = value
		}
	}
	for _, name := range GlobalNames {
		globals[name] = object.NewMap(map[string]object.Object{})
	}
	return globals
}
