package campaign

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const onboardingYAML = `
nodes:
  - id: start
    type: entry
  - id: greet
    type: ai_response
    label: Greeting
    data:
      prompt: "Hi ${subject.attributes.name}"
      await_reply: true
      timeout: 24h
  - id: booked
    type: terminal
  - id: nurture
    type: terminal
    data:
      transfer_to: nurture-campaign
edges:
  - id: e1
    source: start
    target: greet
  - id: e2
    source: greet
    target: booked
    label: MEETING
  - id: e3
    source: greet
    target: nurture
`

func TestLoadString(t *testing.T) {
	graph, err := LoadString(onboardingYAML)
	require.NoError(t, err)
	require.Len(t, graph.Nodes(), 4)
	require.Len(t, graph.Edges(), 3)
	require.Equal(t, "start", graph.EntryNode().ID)

	greet, ok := graph.Node("greet")
	require.True(t, ok)
	require.Equal(t, "Greeting", greet.DisplayName())
	require.True(t, greet.Bool("await_reply"))
	timeout, err := greet.Duration("timeout")
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, timeout)

	require.Equal(t, "booked", graph.EdgeByLabel("greet", "meeting").Target)
	require.Equal(t, "nurture", graph.DefaultEdge("greet").Target)
	require.Len(t, graph.Outgoing("greet"), 2)
}

func TestParseJSON(t *testing.T) {
	graph, err := ParseJSON([]byte(`{
		"nodes": [
			{"id": "a", "type": "wait", "entry": true},
			{"id": "b", "type": "entry"},
			{"id": "c", "type": "terminal"}
		],
		"edges": [
			{"id": "x", "source": "a", "target": "c", "sourceHandle": "TIMEOUT"}
		]
	}`))
	require.NoError(t, err)
	require.Equal(t, "a", graph.EntryNode().ID, "explicit entry flag wins")
	require.Equal(t, "c", graph.EdgeByHandle("a", "TIMEOUT").Target)
	require.Nil(t, graph.EdgeByHandle("a", "timeout"))
}

func TestInvalidGraphs(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		err  error
	}{
		{"no nodes", Definition{}, ErrMissingNodes},
		{
			"unknown type",
			Definition{Nodes: []*Node{{ID: "a", Type: "sms"}}},
			ErrUnknownNodeType,
		},
		{
			"duplicate node",
			Definition{Nodes: []*Node{{ID: "a", Type: NodeTypeEntry}, {ID: "a", Type: NodeTypeWait}}},
			ErrDuplicateNode,
		},
		{
			"dangling edge",
			Definition{
				Nodes: []*Node{{ID: "a", Type: NodeTypeEntry}},
				Edges: []*Edge{{Source: "a", Target: "b"}},
			},
			ErrDanglingEdge,
		},
		{
			"no entry",
			Definition{Nodes: []*Node{{ID: "a", Type: NodeTypeWait}}},
			ErrNoEntryNode,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.def)
			require.ErrorIs(t, err, tt.err)
			require.True(t, IsStructural(err))
		})
	}

	t.Run("terminal with outgoing edge", func(t *testing.T) {
		_, err := NewGraph(Definition{
			Nodes: []*Node{{ID: "a", Type: NodeTypeEntry}, {ID: "z", Type: NodeTypeTerminal}},
			Edges: []*Edge{{Source: "a", Target: "z"}, {Source: "z", Target: "a"}},
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "terminal node")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadString("nodes: [")
		require.True(t, IsStructural(err))
	})
}

func TestNodeDuration(t *testing.T) {
	node := &Node{ID: "n", Data: map[string]any{
		"text":    "90s",
		"seconds": 30,
		"float":   1.5,
		"bad":     "soon",
		"list":    []any{1},
	}}
	d, err := node.Duration("text")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)
	d, err = node.Duration("seconds")
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, d)
	d, err = node.Duration("float")
	require.NoError(t, err)
	require.Equal(t, 1500*time.Millisecond, d)
	d, err = node.Duration("missing")
	require.NoError(t, err)
	require.Zero(t, d)
	_, err = node.Duration("bad")
	require.Error(t, err)
	_, err = node.Duration("list")
	require.Error(t, err)
}

func TestDirDefinitionStore(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "onboarding.yaml"), []byte(onboardingYAML), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "tiny.json"),
		[]byte(`{"nodes":[{"id":"s","type":"entry"}],"edges":[]}`), 0644))

	store := NewDirDefinitionStore(dir)
	ids, err := store.IDs()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"onboarding", "tiny"}, ids)

	graph, err := store.GetDefinition(t.Context(), "onboarding")
	require.NoError(t, err)
	require.Equal(t, "start", graph.EntryNode().ID)

	graph, err = store.GetDefinition(t.Context(), "tiny")
	require.NoError(t, err)
	require.Equal(t, "s", graph.EntryNode().ID)

	_, err = store.GetDefinition(t.Context(), "missing")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
	_, err = store.GetDefinition(t.Context(), "../etc/passwd")
	require.ErrorIs(t, err, ErrDefinitionNotFound)
}
