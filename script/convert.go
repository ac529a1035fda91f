package script

import (
	"strings"

	"github.com/risor-io/risor/object"
)

// goValue turns a risor result into plain Go data so it can be stored in a
// checkpoint context or node output.
func goValue(obj object.Object) any {
	switch o := obj.(type) {
	case *object.NilType:
		return nil
	case *object.String:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.List:
		items := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, goValue(item))
		}
		return items
	case *object.Set:
		items := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			items = append(items, goValue(item))
		}
		return items
	case *object.Map:
		m := make(map[string]any, len(o.Value()))
		for k, v := range o.Value() {
			m[k] = goValue(v)
		}
		return m
	}
	return obj.Inspect()
}

// truthy decides whether a branch condition passed. The strings "false",
// "no" and "" are false so intents written as text behave as expected.
func truthy(obj object.Object) bool {
	switch o := obj.(type) {
	case *object.Bool:
		return o.Value()
	case *object.Int:
		return o.Value() != 0
	case *object.Float:
		return o.Value() != 0
	case *object.String:
		switch strings.ToLower(strings.TrimSpace(o.Value())) {
		case "", "false", "no":
			return false
		}
		return true
	case *object.List:
		return len(o.Value()) > 0
	case *object.Map:
		return len(o.Value()) > 0
	}
	return obj.IsTruthy()
}

// builtins lists the risor globals a node expression may reference. None of
// them touch the filesystem or network.
var builtins = []string{
	"all", "any", "bool", "coalesce", "float", "fmt", "getattr", "int",
	"json", "keys", "len", "list", "map", "math", "regexp", "reversed",
	"set", "sorted", "sprintf", "string", "strings", "time", "try", "type",
}
