package campaign

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// NodeType identifies which executor handles a node.
type NodeType string

const (
	NodeTypeEntry      NodeType = "entry"
	NodeTypeAIResponse NodeType = "ai_response"
	NodeTypeWait       NodeType = "wait"
	NodeTypeBranch     NodeType = "branch"
	NodeTypeDelay      NodeType = "delay"
	NodeTypeHandoff    NodeType = "handoff"
	NodeTypeTerminal   NodeType = "terminal"
)

// NodeTypes lists every node kind the engine knows about.
var NodeTypes = []NodeType{
	NodeTypeEntry,
	NodeTypeAIResponse,
	NodeTypeWait,
	NodeTypeBranch,
	NodeTypeDelay,
	NodeTypeHandoff,
	NodeTypeTerminal,
}

// Valid reports whether t is one of the known node kinds.
func (t NodeType) Valid() bool {
	for _, known := range NodeTypes {
		if t == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether nodes of this type end a flow.
func (t NodeType) IsTerminal() bool {
	return t == NodeTypeTerminal
}

// IsBranching reports whether the resolver derives labels from the node's
// classification output.
func (t NodeType) IsBranching() bool {
	return t == NodeTypeBranch || t == NodeTypeAIResponse
}

// Node is a single unit of behavior in a campaign graph.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	Type     NodeType       `json:"type" yaml:"type"`
	Entry    bool           `json:"entry,omitempty" yaml:"entry,omitempty"`
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Fallback string         `json:"fallback,omitempty" yaml:"fallback,omitempty"`
	Data     map[string]any `json:"data,omitempty" yaml:"data,omitempty"`
}

// DisplayName returns the label if present, otherwise the id.
func (n *Node) DisplayName() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// String returns a string value from the node data.
func (n *Node) String(key string) string {
	v, ok := n.Data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Bool returns a boolean value from the node data.
func (n *Node) Bool(key string) bool {
	switch v := n.Data[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	default:
		return false
	}
}

// Duration returns a duration from the node data. Strings are parsed with
// time.ParseDuration and numbers are treated as seconds.
func (n *Node) Duration(key string) (time.Duration, error) {
	switch v := n.Data[key].(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return v, nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("node %q: invalid duration %q: %w", n.ID, v, err)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case int64:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("node %q: %s must be a duration string or seconds", n.ID, key)
	}
}

// Edge connects two nodes. SourceHandle names a node-specific output port
// and Label is a human readable outcome; both are used during resolution.
type Edge struct {
	ID           string `json:"id" yaml:"id"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"sourceHandle,omitempty" yaml:"sourceHandle,omitempty"`
	Label        string `json:"label,omitempty" yaml:"label,omitempty"`
}

// Definition is the stored shape of a campaign graph.
type Definition struct {
	Nodes []*Node `json:"nodes" yaml:"nodes"`
	Edges []*Edge `json:"edges" yaml:"edges"`
}

// Graph is a validated, read-only campaign graph.
type Graph struct {
	nodes    []*Node
	edges    []*Edge
	byID     map[string]*Node
	edgeByID map[string]*Edge
	outgoing map[string][]*Edge
	entry    *Node
}

// NewGraph validates the definition and returns a Graph.
func NewGraph(def Definition) (*Graph, error) {
	if len(def.Nodes) == 0 {
		return nil, ErrMissingNodes
	}
	g := &Graph{
		nodes:    def.Nodes,
		edges:    def.Edges,
		byID:     make(map[string]*Node, len(def.Nodes)),
		edgeByID: make(map[string]*Edge, len(def.Edges)),
		outgoing: make(map[string][]*Edge, len(def.Nodes)),
	}
	for _, node := range def.Nodes {
		if node == nil || node.ID == "" {
			return nil, newStructuralError("node id required", nil)
		}
		if !node.Type.Valid() {
			return nil, newStructuralError(fmt.Sprintf("node %q has unknown type %q", node.ID, node.Type), ErrUnknownNodeType)
		}
		if _, exists := g.byID[node.ID]; exists {
			return nil, newStructuralError(fmt.Sprintf("node %q defined more than once", node.ID), ErrDuplicateNode)
		}
		g.byID[node.ID] = node
	}
	for i, edge := range def.Edges {
		if edge == nil {
			return nil, newStructuralError(fmt.Sprintf("edge %d is empty", i), nil)
		}
		if _, ok := g.byID[edge.Source]; !ok {
			return nil, newStructuralError(fmt.Sprintf("edge %q source %q not found", edge.ID, edge.Source), ErrDanglingEdge)
		}
		if _, ok := g.byID[edge.Target]; !ok {
			return nil, newStructuralError(fmt.Sprintf("edge %q target %q not found", edge.ID, edge.Target), ErrDanglingEdge)
		}
		if edge.ID == "" {
			edge.ID = fmt.Sprintf("%s->%s#%d", edge.Source, edge.Target, i)
		}
		if _, exists := g.edgeByID[edge.ID]; exists {
			return nil, newStructuralError(fmt.Sprintf("edge %q defined more than once", edge.ID), nil)
		}
		g.edgeByID[edge.ID] = edge
		g.outgoing[edge.Source] = append(g.outgoing[edge.Source], edge)
	}
	for _, node := range def.Nodes {
		if node.Type.IsTerminal() && len(g.outgoing[node.ID]) > 0 {
			return nil, newStructuralError(fmt.Sprintf("terminal node %q has outgoing edges", node.ID), nil)
		}
	}
	g.entry = findEntry(def.Nodes)
	if g.entry == nil {
		return nil, ErrNoEntryNode
	}
	return g, nil
}

// findEntry prefers an explicitly flagged node over an entry-typed one.
func findEntry(nodes []*Node) *Node {
	for _, node := range nodes {
		if node.Entry {
			return node
		}
	}
	for _, node := range nodes {
		if node.Type == NodeTypeEntry {
			return node
		}
	}
	return nil
}

// Nodes returns the graph nodes in definition order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// Edges returns the graph edges in definition order.
func (g *Graph) Edges() []*Edge {
	return g.edges
}

// EntryNode returns the node new subjects start at.
func (g *Graph) EntryNode() *Node {
	return g.entry
}

// Node returns a node by id.
func (g *Graph) Node(id string) (*Node, bool) {
	node, ok := g.byID[id]
	return node, ok
}

// Edge returns an edge by id.
func (g *Graph) Edge(id string) (*Edge, bool) {
	edge, ok := g.edgeByID[id]
	return edge, ok
}

// Outgoing returns the edges leaving a node, in definition order.
func (g *Graph) Outgoing(nodeID string) []*Edge {
	return g.outgoing[nodeID]
}

// EdgeByHandle returns the first outgoing edge whose source handle equals
// handle exactly.
func (g *Graph) EdgeByHandle(nodeID, handle string) *Edge {
	if handle == "" {
		return nil
	}
	for _, edge := range g.outgoing[nodeID] {
		if edge.SourceHandle == handle {
			return edge
		}
	}
	return nil
}

// EdgeByLabel returns the first outgoing edge whose label matches,
// ignoring case.
func (g *Graph) EdgeByLabel(nodeID, label string) *Edge {
	if label == "" {
		return nil
	}
	for _, edge := range g.outgoing[nodeID] {
		if strings.EqualFold(edge.Label, label) {
			return edge
		}
	}
	return nil
}

// DefaultEdge returns the unlabeled edge, or the edge labeled "default".
func (g *Graph) DefaultEdge(nodeID string) *Edge {
	for _, edge := range g.outgoing[nodeID] {
		if edge.SourceHandle == "" && edge.Label == "" {
			return edge
		}
	}
	for _, edge := range g.outgoing[nodeID] {
		if strings.EqualFold(edge.Label, LabelDefault) || strings.EqualFold(edge.SourceHandle, LabelDefault) {
			return edge
		}
	}
	return nil
}

// LoadFile loads a graph from a YAML file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}
	return LoadString(string(data))
}

// LoadString loads a graph from a YAML string.
func LoadString(data string) (*Graph, error) {
	var def Definition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, newStructuralError("failed to unmarshal definition: "+err.Error(), err)
	}
	return NewGraph(def)
}

// ParseJSON loads a graph from a stored JSON definition.
func ParseJSON(data []byte) (*Graph, error) {
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, newStructuralError("failed to unmarshal definition: "+err.Error(), err)
	}
	return NewGraph(def)
}
