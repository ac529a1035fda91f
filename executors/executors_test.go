package executors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/deepnoodle-ai/campaign"
	"github.com/deepnoodle-ai/campaign/script"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newRequest(node *campaign.Node, event *campaign.InboundEvent, state map[string]any) *campaign.ExecuteRequest {
	return &campaign.ExecuteRequest{
		Subject: &campaign.Subject{
			ID:              "sub_1",
			Address:         "+15550100",
			LastMessageBody: "earlier message",
			Attributes:      map[string]any{"name": "Ada", "tier": "gold"},
		},
		Context: map[string]any{"stage": "meeting"},
		Node:    node,
		Execution: campaign.ExecutionContext{
			CheckpointID: "ckpt_1",
			DefinitionID: "onboarding",
			Event:        event,
			NodeState:    state,
			Now:          testNow,
		},
	}
}

func reply(body string) *campaign.InboundEvent {
	return &campaign.InboundEvent{Type: campaign.EventUserReply, Body: body}
}

func timer() *campaign.InboundEvent {
	return &campaign.InboundEvent{Type: campaign.EventTimer}
}

func TestNewRegistryCoversEveryNodeType(t *testing.T) {
	registry, err := NewRegistry(Options{})
	require.NoError(t, err)
	for _, nodeType := range campaign.NodeTypes {
		exec, ok := registry.Lookup(nodeType)
		require.True(t, ok, "missing executor for %s", nodeType)
		require.Equal(t, nodeType, exec.Type())
	}
}

func TestEntryAndTerminal(t *testing.T) {
	ctx := context.Background()

	result, err := (&Entry{}).Execute(ctx, newRequest(&campaign.Node{ID: "start", Type: campaign.NodeTypeEntry}, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)

	result, err = (&Terminal{}).Execute(ctx, newRequest(&campaign.Node{ID: "end", Type: campaign.NodeTypeTerminal}, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)
	require.Empty(t, result.Action)

	node := &campaign.Node{ID: "end", Type: campaign.NodeTypeTerminal, Data: map[string]any{"transfer_to": "nurture"}}
	result, err = (&Terminal{}).Execute(ctx, newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.ActionTransferCampaign, result.Action)
	require.Equal(t, "nurture", result.Output["campaign_id"])
	require.NoError(t, result.Validate())
}

func TestWait(t *testing.T) {
	ctx := context.Background()
	w := &Wait{}
	node := &campaign.Node{ID: "wait", Type: campaign.NodeTypeWait, Data: map[string]any{
		"timeout":         "2h",
		"correlation_key": "order-42",
	}}

	result, err := w.Execute(ctx, newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusAwaitingAsync, result.Status)
	require.Equal(t, campaign.WaitingForUserReply, result.Checkpoint.WaitingFor)
	require.Equal(t, testNow.Add(2*time.Hour), result.Checkpoint.WaitUntil)
	require.Equal(t, "order-42", result.Checkpoint.CorrelationKey)

	result, err = w.Execute(ctx, newRequest(node, reply("sounds good"), nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)
	require.Equal(t, "sounds good", result.Output["reply"])

	result, err = w.Execute(ctx, newRequest(node, timer(), nil))
	require.NoError(t, err)
	require.Equal(t, campaign.LabelTimeout, result.Edge)
}

func TestWaitWithoutTimeout(t *testing.T) {
	node := &campaign.Node{ID: "wait", Type: campaign.NodeTypeWait}
	result, err := (&Wait{}).Execute(context.Background(), newRequest(node, nil, nil))
	require.NoError(t, err)
	require.True(t, result.Checkpoint.WaitUntil.IsZero())
	require.NoError(t, result.Validate())
}

func TestDelay(t *testing.T) {
	ctx := context.Background()
	d := &Delay{}
	node := &campaign.Node{ID: "pause", Type: campaign.NodeTypeDelay, Data: map[string]any{"duration": "24h"}}

	result, err := d.Execute(ctx, newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.WaitingForTimer, result.Checkpoint.WaitingFor)
	require.Equal(t, testNow.Add(24*time.Hour), result.Checkpoint.WaitUntil)

	result, err = d.Execute(ctx, newRequest(node, timer(), nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)

	result, err = d.Execute(ctx, newRequest(node, reply("hello?"), nil))
	require.NoError(t, err)
	require.Equal(t, "hello?", result.Output["reply"])

	_, err = d.Execute(ctx, newRequest(&campaign.Node{ID: "bad", Type: campaign.NodeTypeDelay}, nil, nil))
	require.Error(t, err)
}

func TestBranch(t *testing.T) {
	ctx := context.Background()
	b := NewBranch(script.NewRisorEngine(script.DefaultRisorGlobals()))

	tests := []struct {
		name   string
		data   map[string]any
		event  *campaign.InboundEvent
		intent any
	}{
		{
			name:   "boolean expression",
			data:   map[string]any{"expression": `subject.attributes.tier == "gold"`},
			intent: "yes",
		},
		{
			name:   "string expression",
			data:   map[string]any{"expression": `context.stage`},
			intent: "meeting",
		},
		{
			name: "first matching condition",
			data: map[string]any{"conditions": []any{
				map[string]any{"expression": `event.body == "stop"`, "intent": "opt_out"},
				map[string]any{"expression": `true`, "intent": "question"},
			}},
			event:  reply("hello"),
			intent: "question",
		},
		{
			name: "default when nothing matches",
			data: map[string]any{
				"conditions": []any{
					map[string]any{"expression": `subject.attributes.tier == "silver"`, "intent": "yes"},
				},
				"default": "no",
			},
			intent: "no",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &campaign.Node{ID: "route", Type: campaign.NodeTypeBranch, Data: tt.data}
			result, err := b.Execute(ctx, newRequest(node, tt.event, nil))
			require.NoError(t, err)
			require.Equal(t, tt.intent, result.Output["intent"])
		})
	}

	_, err := b.Execute(ctx, newRequest(&campaign.Node{ID: "empty", Type: campaign.NodeTypeBranch}, nil, nil))
	require.Error(t, err)
}

func TestBranchIntentResolvesEdge(t *testing.T) {
	graph, err := campaign.NewGraph(campaign.Definition{
		Nodes: []*campaign.Node{
			{ID: "start", Type: campaign.NodeTypeEntry},
			{ID: "route", Type: campaign.NodeTypeBranch, Data: map[string]any{"expression": `"meeting"`}},
			{ID: "book", Type: campaign.NodeTypeTerminal},
			{ID: "other", Type: campaign.NodeTypeTerminal},
		},
		Edges: []*campaign.Edge{
			{ID: "e1", Source: "start", Target: "route"},
			{ID: "e2", Source: "route", Target: "book", Label: "MEETING"},
			{ID: "e3", Source: "route", Target: "other"},
		},
	})
	require.NoError(t, err)

	node, _ := graph.Node("route")
	b := NewBranch(script.NewRisorEngine(script.DefaultRisorGlobals()))
	result, err := b.Execute(context.Background(), newRequest(node, nil, nil))
	require.NoError(t, err)

	label := campaign.Resolve(node, result, nil)
	edge := campaign.SelectEdge(graph, node, label)
	require.NotNil(t, edge)
	require.Equal(t, "book", edge.Target)
}

func TestHandoff(t *testing.T) {
	ctx := context.Background()
	h := &Handoff{}
	node := &campaign.Node{ID: "human", Type: campaign.NodeTypeHandoff, Data: map[string]any{"reason": "pricing question"}}

	result, err := h.Execute(ctx, newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.ActionHandoff, result.Action)
	require.Equal(t, true, result.NodeState["handed_off"])

	result, err = h.Execute(ctx, newRequest(node, nil, map[string]any{"handed_off": true}))
	require.NoError(t, err)
	require.Empty(t, result.Action)
	require.Equal(t, false, result.NodeState["handed_off"])
}

type recordingSender struct {
	sent []string
	err  error
}

func (s *recordingSender) Send(ctx context.Context, subject *campaign.Subject, text string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, subject.ID+": "+text)
	return nil
}

func TestAIResponseSendsRenderedPrompt(t *testing.T) {
	sender := &recordingSender{}
	var got *ResponseRequest
	responder := ResponderFunc(func(ctx context.Context, req *ResponseRequest) (*Response, error) {
		got = req
		return &Response{Text: "Hi " + req.Subject.Attributes["name"].(string), Intent: "interested"}, nil
	})
	a := NewAIResponse(responder, sender, script.NewRisorEngine(script.DefaultRisorGlobals()))
	node := &campaign.Node{ID: "greet", Type: campaign.NodeTypeAIResponse, Data: map[string]any{
		"prompt": `Greet ${subject.attributes.name} about ${context.stage}`,
	}}

	result, err := a.Execute(context.Background(), newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)
	require.Equal(t, "Greet Ada about meeting", got.Prompt)
	require.Equal(t, "earlier message", got.Inbound)
	require.Equal(t, []string{"sub_1: Hi Ada"}, sender.sent)
	require.Equal(t, "Hi Ada", result.Output["message"])
	require.Equal(t, "interested", result.Output["intent"])
}

func TestAIResponseAwaitsAndClassifiesReply(t *testing.T) {
	ctx := context.Background()
	sender := &recordingSender{}
	a := NewAIResponse(&KeywordResponder{}, sender, script.NewRisorEngine(script.DefaultRisorGlobals()))
	node := &campaign.Node{ID: "ask", Type: campaign.NodeTypeAIResponse, Data: map[string]any{
		"prompt":      "Want to book a call?",
		"await_reply": true,
		"timeout":     "1h",
	}}

	result, err := a.Execute(ctx, newRequest(node, nil, nil))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusAwaitingAsync, result.Status)
	require.Equal(t, testNow.Add(time.Hour), result.Checkpoint.WaitUntil)
	require.Equal(t, true, result.NodeState["sent"])
	require.Len(t, sender.sent, 1)

	// Re-entry without an event must not send again.
	result, err = a.Execute(ctx, newRequest(node, nil, map[string]any{"sent": true}))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusAwaitingAsync, result.Status)
	require.Len(t, sender.sent, 1)

	result, err = a.Execute(ctx, newRequest(node, reply("yes please"), map[string]any{"sent": true}))
	require.NoError(t, err)
	require.Equal(t, campaign.StatusExited, result.Status)
	require.Equal(t, "yes", result.Output["intent"])
	require.Equal(t, false, result.NodeState["sent"])
	require.Len(t, sender.sent, 1, "replies are classified without sending")

	result, err = a.Execute(ctx, newRequest(node, timer(), map[string]any{"sent": true}))
	require.NoError(t, err)
	require.Equal(t, campaign.LabelTimeout, result.Edge)
}

func TestAIResponseSendFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("gateway down")}
	a := NewAIResponse(&KeywordResponder{}, sender, script.NewRisorEngine(script.DefaultRisorGlobals()))
	node := &campaign.Node{ID: "greet", Type: campaign.NodeTypeAIResponse, Data: map[string]any{"prompt": "hello"}}
	_, err := a.Execute(context.Background(), newRequest(node, nil, nil))
	require.ErrorContains(t, err, "gateway down")
}

func TestKeywordResponderClassify(t *testing.T) {
	k := &KeywordResponder{}
	tests := map[string]string{
		"":                           "",
		"Yes!":                       "yes",
		"nope":                       "no",
		"STOP":                       "opt_out",
		"can we schedule a meeting":  "meeting",
		"what does it cost?":         "question",
		"I'm not interested, thanks": "not_interested",
		"I am interested":            "interested",
		"okay then":                  "",
	}
	for text, want := range tests {
		require.Equal(t, want, k.Classify(text), text)
	}
}
