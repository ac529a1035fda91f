package campaign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func routingGraph(t *testing.T) *Graph {
	t.Helper()
	graph, err := NewGraph(Definition{
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeEntry},
			{ID: "ask", Type: NodeTypeAIResponse, Fallback: "ask-fallback"},
			{ID: "wait", Type: NodeTypeWait},
			{ID: "yes", Type: NodeTypeTerminal},
			{ID: "no", Type: NodeTypeTerminal},
			{ID: "oops", Type: NodeTypeTerminal},
			{ID: "late", Type: NodeTypeTerminal},
			{ID: "other", Type: NodeTypeTerminal},
		},
		Edges: []*Edge{
			{ID: "e1", Source: "start", Target: "ask"},
			{ID: "ask-yes", Source: "ask", Target: "yes", SourceHandle: "YES", Label: "NO"},
			{ID: "ask-no", Source: "ask", Target: "no", Label: "no"},
			{ID: "ask-fallback", Source: "ask", Target: "other", Label: "anything else"},
			{ID: "wait-timeout", Source: "wait", Target: "late", Label: "Timeout"},
			{ID: "wait-error", Source: "wait", Target: "oops", SourceHandle: "ERROR"},
			{ID: "wait-default", Source: "wait", Target: "yes", Label: "default"},
		},
	})
	require.NoError(t, err)
	return graph
}

func TestResolvePrecedence(t *testing.T) {
	ask := &Node{ID: "ask", Type: NodeTypeAIResponse}
	wait := &Node{ID: "wait", Type: NodeTypeWait}
	reply := &InboundEvent{Type: EventUserReply, Body: "hi"}
	timer := &InboundEvent{Type: EventTimer}

	tests := []struct {
		name   string
		node   *Node
		result *ExecutionResult
		event  *InboundEvent
		want   string
	}{
		{"explicit edge wins", ask, ExitedVia("CUSTOM", map[string]any{"intent": "yes"}), nil, "CUSTOM"},
		{"intent mapped", ask, Exited(map[string]any{"intent": "Yes"}), nil, LabelYes},
		{"intent synonym", ask, Exited(map[string]any{"intent": "unsubscribe"}), nil, LabelOptOut},
		{"classification field", ask, Exited(map[string]any{"classification": "not interested"}), nil, LabelNotInterested},
		{"unmapped intent", ask, Exited(map[string]any{"intent": "banana"}), nil, LabelDefault},
		{"intent ignored on non branching node", wait, Exited(map[string]any{"intent": "yes"}), nil, LabelDefault},
		{"failed", ask, Failed("boom"), nil, LabelError},
		{"failed ignores intent", ask, &ExecutionResult{Status: StatusFailed, Output: map[string]any{"intent": "yes"}}, nil, LabelError},
		{"exited", wait, Exited(nil), reply, LabelDefault},
		{"event table timer", wait, nil, timer, LabelTimeout},
		{"event table reply", wait, nil, reply, LabelDefault},
		{"nothing applies", &Node{ID: "t", Type: NodeTypeTerminal}, nil, timer, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Resolve(tt.node, tt.result, tt.event))
		})
	}
}

func TestSelectEdge(t *testing.T) {
	graph := routingGraph(t)
	ask, _ := graph.Node("ask")
	wait, _ := graph.Node("wait")

	// Source handles are checked before labels. Labels match in edge order
	// ignoring case.
	require.Equal(t, "yes", SelectEdge(graph, ask, LabelYes).Target)
	require.Equal(t, "yes", SelectEdge(graph, ask, LabelNo).Target)

	// No handle or label matches and there is no default edge, so the
	// declared fallback edge is used.
	require.Equal(t, "other", SelectEdge(graph, ask, LabelMeeting).Target)

	require.Equal(t, "late", SelectEdge(graph, wait, LabelTimeout).Target)
	require.Equal(t, "oops", SelectEdge(graph, wait, LabelError).Target)
	require.Equal(t, "yes", SelectEdge(graph, wait, LabelQuestion).Target)

	start, _ := graph.Node("start")
	require.Equal(t, "ask", SelectEdge(graph, start, LabelDefault).Target)

	terminal, _ := graph.Node("yes")
	require.Nil(t, SelectEdge(graph, terminal, LabelDefault))
}

func TestMatchEdgeIgnoresDefaultAndFallback(t *testing.T) {
	graph := routingGraph(t)
	ask, _ := graph.Node("ask")
	wait, _ := graph.Node("wait")
	require.Nil(t, MatchEdge(graph, ask, LabelError))
	require.Nil(t, MatchEdge(graph, wait, ""))
	require.Equal(t, "oops", MatchEdge(graph, wait, LabelError).Target)
}

func TestFallbackMustBelongToNode(t *testing.T) {
	graph, err := NewGraph(Definition{
		Nodes: []*Node{
			{ID: "start", Type: NodeTypeEntry, Fallback: "elsewhere"},
			{ID: "mid", Type: NodeTypeWait},
			{ID: "end", Type: NodeTypeTerminal},
		},
		Edges: []*Edge{
			{ID: "go", Source: "start", Target: "mid", Label: "YES"},
			{ID: "elsewhere", Source: "mid", Target: "end"},
		},
	})
	require.NoError(t, err)
	start, _ := graph.Node("start")
	require.Nil(t, SelectEdge(graph, start, LabelNo))
}

func TestExplicitEdgePrefersSourceHandle(t *testing.T) {
	nodes := []*Node{
		{ID: "ask", Type: NodeTypeEntry},
		{ID: "via_handle", Type: NodeTypeTerminal},
		{ID: "via_label", Type: NodeTypeTerminal},
	}
	tests := []struct {
		name  string
		edges []*Edge
	}{
		{"label edge declared first", []*Edge{
			{ID: "l", Source: "ask", Target: "via_label", Label: "yes"},
			{ID: "h", Source: "ask", Target: "via_handle", SourceHandle: "yes"},
		}},
		{"handle edge declared first", []*Edge{
			{ID: "h", Source: "ask", Target: "via_handle", SourceHandle: "yes"},
			{ID: "l", Source: "ask", Target: "via_label", Label: "yes"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			graph := mustGraph(t, nodes, tt.edges)
			ask, _ := graph.Node("ask")
			label := Resolve(ask, ExitedVia("yes", nil), nil)
			require.Equal(t, "yes", label)
			edge := SelectEdge(graph, ask, label)
			require.NotNil(t, edge)
			require.Equal(t, "h", edge.ID)
			require.Equal(t, "via_handle", edge.Target)
		})
	}
}
