package executors

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/script"
)

// AIResponse generates a message with the Responder, delivers it with the
// Sender and optionally waits for the subject's reply.
//
// Node data:
//   - prompt: template rendered and passed to the Responder
//   - await_reply: suspend for USER_REPLY after sending
//   - timeout: duration bounding the wait; expiry exits via TIMEOUT
//   - correlation_key: key a reply must carry to resume the wait
type AIResponse struct {
	responder Responder
	sender    Sender
	compiler  script.Compiler
}

func NewAIResponse(responder Responder, sender Sender, compiler script.Compiler) *AIResponse {
	return &AIResponse{responder: responder, sender: sender, compiler: compiler}
}

func (a *AIResponse) Type() campaign.NodeType { return campaign.NodeTypeAIResponse }

func (a *AIResponse) Execute(ctx context.Context, req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	awaitReply := req.Node.Bool("await_reply")
	ev := req.Execution.Event

	if ev != nil && ev.Type == campaign.EventTimer {
		result := campaign.ExitedVia(campaign.LabelTimeout, nil)
		result.NodeState = map[string]any{"sent": false}
		return result, nil
	}

	// Waiting for the reply to our message; classify it and move on.
	if awaitReply && ev != nil && sent(req.Execution.NodeState) {
		resp, err := a.respond(ctx, req, ev.Body, true)
		if err != nil {
			return nil, err
		}
		if err := a.send(ctx, req, resp.Text); err != nil {
			return nil, err
		}
		result := campaign.Exited(resp.Output())
		result.NodeState = map[string]any{"sent": false}
		return result, nil
	}

	// Re-entered while already waiting. Don't send twice.
	if awaitReply && ev == nil && sent(req.Execution.NodeState) {
		return a.await(req)
	}

	inbound := ""
	if ev != nil {
		inbound = ev.Body
	} else if req.Subject != nil {
		inbound = req.Subject.LastMessageBody
	}
	resp, err := a.respond(ctx, req, inbound, false)
	if err != nil {
		return nil, err
	}
	if err := a.send(ctx, req, resp.Text); err != nil {
		return nil, err
	}
	if !awaitReply {
		return campaign.Exited(resp.Output()), nil
	}
	result, err := a.await(req)
	if err != nil {
		return nil, err
	}
	result.Output = resp.Output()
	return result, nil
}

func (a *AIResponse) respond(ctx context.Context, req *campaign.ExecuteRequest, inbound string, reply bool) (*Response, error) {
	prompt, err := render(ctx, a.compiler, req, "prompt")
	if err != nil {
		return nil, err
	}
	resp, err := a.responder.Respond(ctx, &ResponseRequest{
		Subject: req.Subject,
		Context: req.Context,
		NodeID:  req.Node.ID,
		Prompt:  prompt,
		Inbound: inbound,
		Reply:   reply,
	})
	if err != nil {
		return nil, fmt.Errorf("responder failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("responder returned no response")
	}
	return resp, nil
}

func (a *AIResponse) send(ctx context.Context, req *campaign.ExecuteRequest, text string) error {
	if text == "" {
		return nil
	}
	if err := a.sender.Send(ctx, req.Subject, text); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (a *AIResponse) await(req *campaign.ExecuteRequest) (*campaign.ExecutionResult, error) {
	timeout, err := req.Node.Duration("timeout")
	if err != nil {
		return nil, err
	}
	var until time.Time
	if timeout > 0 {
		until = req.Execution.Now.Add(timeout)
	}
	result := campaign.AwaitReply(req.Node.String("correlation_key"), until)
	result.NodeState = map[string]any{"sent": true}
	return result, nil
}

func sent(state map[string]any) bool {
	v, _ := state["sent"].(bool)
	return v
}
