// Package executors provides reference node executors for every campaign
// node type. They keep node behavior thin and delegate text generation and
// delivery to the Responder and Sender collaborators.
package executors

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/script"
)

// Confirm the interfaces are implemented correctly.
var (
	_ campaign.Executor = (*Entry)(nil)
	_ campaign.Executor = (*AIResponse)(nil)
	_ campaign.Executor = (*Wait)(nil)
	_ campaign.Executor = (*Delay)(nil)
	_ campaign.Executor = (*Branch)(nil)
	_ campaign.Executor = (*Handoff)(nil)
	_ campaign.Executor = (*Terminal)(nil)
)

// Options configures the reference executors.
type Options struct {
	Responder Responder
	Sender    Sender
	Compiler  script.Compiler
}

// NewRegistry returns a registry with an executor for every node type.
func NewRegistry(opts Options) (*campaign.Registry, error) {
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorEngine(script.DefaultRisorGlobals())
	}
	if opts.Responder == nil {
		opts.Responder = &KeywordResponder{}
	}
	if opts.Sender == nil {
		opts.Sender = LogSender{}
	}
	return campaign.NewRegistry(
		&Entry{},
		NewAIResponse(opts.Responder, opts.Sender, opts.Compiler),
		&Wait{},
		&Delay{},
		NewBranch(opts.Compiler),
		&Handoff{},
		&Terminal{},
	)
}

// Globals returns the script variables visible to node expressions.
func Globals(req *campaign.ExecuteRequest) map[string]any {
	event := map[string]any{}
	if ev := req.Execution.Event; ev != nil {
		event = map[string]any{
			"type":            string(ev.Type),
			"body":            ev.Body,
			"correlation_key": ev.CorrelationKey,
		}
	}
	ctxMap := req.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	subject := map[string]any{}
	if req.Subject != nil {
		subject = req.Subject.Map()
	}
	data := req.Node.Data
	if data == nil {
		data = map[string]any{}
	}
	return map[string]any{
		"subject": subject,
		"context": ctxMap,
		"event":   event,
		"node":    map[string]any{"id": req.Node.ID, "data": data},
	}
}

// render evaluates a ${...} template from node data.
func render(ctx context.Context, compiler script.Compiler, req *campaign.ExecuteRequest, key string) (string, error) {
	raw := req.Node.String(key)
	if raw == "" {
		return "", nil
	}
	tmpl, err := script.NewTemplate(compiler, raw)
	if err != nil {
		return "", fmt.Errorf("node %q %s: %w", req.Node.ID, key, err)
	}
	return tmpl.Eval(ctx, Globals(req))
}

// Entry starts a flow. It exits immediately.
type Entry struct{}

func (e *Entry) Type() campaign.NodeType { return campaign.NodeTypeEntry }

func (e *Entry) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	return campaign.Exited(nil), nil
}

// Terminal ends a flow. With transfer_to set it moves the subject into
// another campaign.
type Terminal struct{}

func (t *Terminal) Type() campaign.NodeType { return campaign.NodeTypeTerminal }

func (t *Terminal) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	target := req.Node.String("transfer_to")
	if target == "" {
		return campaign.Exited(nil), nil
	}
	return &campaign.ExecutionResult{
		Status: campaign.StatusExited,
		Action: campaign.ActionTransferCampaign,
		Output: map[string]any{"campaign_id": target},
	}, nil
}

// Handoff pauses the subject for a human operator. Once the operator
// resumes the subject the node exits.
type Handoff struct{}

func (h *Handoff) Type() campaign.NodeType { return campaign.NodeTypeHandoff }

func (h *Handoff) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	if handedOff, _ := req.Execution.NodeState["handed_off"].(bool); handedOff {
		result := campaign.Exited(nil)
		result.NodeState = map[string]any{"handed_off": false}
		return result, nil
	}
	campaign.LoggerFromContext(ctx).Info("handing subject off to operator", "reason", req.Node.String("reason"))
	return &campaign.ExecutionResult{
		Status:    campaign.StatusExited,
		Action:    campaign.ActionHandoff,
		NodeState: map[string]any{"handed_off": true},
		Output:    map[string]any{"reason": req.Node.String("reason")},
	}, nil
}
