package executors

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/script"
)

// Branch evaluates an expression and reports the result as the node's
// intent, which the resolver maps onto an outgoing edge.
//
// Node data is either an `expression` whose value becomes the intent, or an
// ordered `conditions` list of {expression, intent} pairs where the first
// truthy expression wins. `default` names the intent used when nothing
// matches. A boolean expression result maps to "yes" or "no".
type Branch struct {
	compiler script.Compiler
}

type condition struct {
	script script.Script
	intent string
}

func NewBranch(compiler script.Compiler) *Branch {
	return &Branch{compiler: compiler}
}

func (b *Branch) Type() campaign.NodeType { return campaign.NodeTypeBranch }

func (b *Branch) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	globals := Globals(req)
	intent, err := b.evaluate(ctx, req.Node, globals)
	if err != nil {
		return nil, err
	}
	if intent == "" {
		intent = req.Node.String("default")
	}
	output := map[string]any{}
	if intent != "" {
		output["intent"] = intent
	}
	campaign.LoggerFromContext(ctx).Debug("branch evaluated", "intent", intent)
	return campaign.Exited(output), nil
}

func (b *Branch) evaluate(ctx context.Context, node *campaign.Node, globals map[string]any) (string, error) {
	if expr := node.String("expression"); expr != "" {
		compiled, err := b.compiler.Compile(ctx, expr)
		if err != nil {
			return "", fmt.Errorf("branch node %q: %w", node.ID, err)
		}
		value, err := compiled.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("branch node %q: %w", node.ID, err)
		}
		return intentOf(value), nil
	}
	conditions, err := b.conditions(ctx, node)
	if err != nil {
		return "", err
	}
	for _, cond := range conditions {
		value, err := cond.script.Evaluate(ctx, globals)
		if err != nil {
			return "", fmt.Errorf("branch node %q condition %q: %w", node.ID, cond.intent, err)
		}
		if value.IsTruthy() {
			return cond.intent, nil
		}
	}
	return "", nil
}

func (b *Branch) conditions(ctx context.Context, node *campaign.Node) ([]condition, error) {
	raw, _ := node.Data["conditions"].([]any)
	if len(raw) == 0 {
		return nil, fmt.Errorf("branch node %q requires an expression or conditions", node.ID)
	}
	conditions := make([]condition, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("branch node %q condition %d is not an object", node.ID, i)
		}
		expr, _ := entry["expression"].(string)
		intent, _ := entry["intent"].(string)
		if expr == "" || intent == "" {
			return nil, fmt.Errorf("branch node %q condition %d requires expression and intent", node.ID, i)
		}
		compiled, err := b.compiler.Compile(ctx, expr)
		if err != nil {
			return nil, fmt.Errorf("branch node %q condition %d: %w", node.ID, i, err)
		}
		conditions = append(conditions, condition{script: compiled, intent: intent})
	}
	return conditions, nil
}

func intentOf(value script.Value) string {
	switch v := value.Value().(type) {
	case bool:
		if v {
			return "yes"
		}
		return "no"
	case nil:
		return ""
	}
	return strings.TrimSpace(value.String())
}
