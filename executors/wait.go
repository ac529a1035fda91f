package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/campaign"
)

// Wait suspends until the subject replies. With a timeout it also resumes
// when the timeout elapses and exits via the TIMEOUT edge.
//
// Node data: timeout (duration), correlation_key (string).
type Wait struct{}

func (w *Wait) Type() campaign.NodeType { return campaign.NodeTypeWait }

func (w *Wait) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	ev := req.Execution.Event
	if ev == nil {
		timeout, err := req.Node.Duration("timeout")
		if err != nil {
			return nil, err
		}
		var until time.Time
		if timeout > 0 {
			until = req.Execution.Now.Add(timeout)
		}
		return campaign.AwaitReply(req.Node.String("correlation_key"), until), nil
	}
	switch ev.Type {
	case campaign.EventTimer:
		return campaign.ExitedVia(campaign.LabelTimeout, nil), nil
	case campaign.EventUserReply:
		return campaign.Exited(map[string]any{"reply": ev.Body}), nil
	default:
		return nil, fmt.Errorf("wait node %q: unexpected event %q", req.Node.ID, ev.Type)
	}
}

// Delay suspends until a fixed duration has elapsed. A reply arriving
// first cancels the remaining delay.
//
// Node data: duration (duration, required).
type Delay struct{}

func (d *Delay) Type() campaign.NodeType { return campaign.NodeTypeDelay }

func (d *Delay) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	if req.Execution.Event != nil {
		out := map[string]any{}
		if req.Execution.Event.Type == campaign.EventUserReply {
			out["reply"] = req.Execution.Event.Body
		}
		return campaign.Exited(out), nil
	}
	duration, err := req.Node.Duration("duration")
	if err != nil {
		return nil, err
	}
	if duration <= 0 {
		return nil, fmt.Errorf("delay node %q requires a positive duration", req.Node.ID)
	}
	return campaign.AwaitTimer(req.Execution.Now.Add(duration)), nil
}
