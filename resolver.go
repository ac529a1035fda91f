package campaign

import "strings"

// Edge labels understood by the resolver.
const (
	LabelDefault       = "DEFAULT"
	LabelError         = "ERROR"
	LabelTimeout       = "TIMEOUT"
	LabelYes           = "YES"
	LabelNo            = "NO"
	LabelInterested    = "INTERESTED"
	LabelNotInterested = "NOT_INTERESTED"
	LabelQuestion      = "QUESTION"
	LabelMeeting       = "MEETING"
	LabelOptOut        = "OPT_OUT"
)

// EventType is the kind of external event that resumed a node.
type EventType string

const (
	EventUserReply EventType = "USER_REPLY"
	EventTimer     EventType = "TIMER"
)

// InboundEvent is the external input handed to the first node executed in
// a step.
type InboundEvent struct {
	Type           EventType `json:"type"`
	Body           string    `json:"body,omitempty"`
	CorrelationKey string    `json:"correlation_key,omitempty"`
}

// classificationFields are read in order from a branching node's output.
var classificationFields = []string{"intent", "classification", "sentiment"}

// intentLabels maps classifier values onto edge labels.
var intentLabels = map[string]string{
	"yes":            LabelYes,
	"positive":       LabelYes,
	"no":             LabelNo,
	"negative":       LabelNo,
	"interested":     LabelInterested,
	"not_interested": LabelNotInterested,
	"question":       LabelQuestion,
	"meeting":        LabelMeeting,
	"schedule":       LabelMeeting,
	"opt_out":        LabelOptOut,
	"unsubscribe":    LabelOptOut,
	"error":          LabelError,
	"timeout":        LabelTimeout,
	"default":        LabelDefault,
}

// eventLabels is consulted when nothing else decided the label.
var eventLabels = map[NodeType]map[EventType]string{
	NodeTypeWait: {
		EventUserReply: LabelDefault,
		EventTimer:     LabelTimeout,
	},
	NodeTypeDelay: {
		EventTimer:     LabelDefault,
		EventUserReply: LabelDefault,
	},
	NodeTypeAIResponse: {
		EventUserReply: LabelDefault,
	},
	NodeTypeHandoff: {
		EventUserReply: LabelDefault,
	},
}

// Resolve maps an execution result to the label of the edge to follow. An
// empty string means no rule applied.
func Resolve(node *Node, result *ExecutionResult, event *InboundEvent) string {
	if result != nil {
		if result.Edge != "" {
			return result.Edge
		}
		if node.Type.IsBranching() && result.Status != StatusFailed {
			if label, ok := classify(result.Output); ok {
				return label
			}
		}
		switch result.Status {
		case StatusFailed:
			return LabelError
		case StatusExited:
			return LabelDefault
		}
	}
	if event != nil {
		if label, ok := eventLabels[node.Type][event.Type]; ok {
			return label
		}
	}
	return ""
}

// classify returns the mapped label for the first classification field
// present in output. Unmapped values fall back to DEFAULT.
func classify(output map[string]any) (string, bool) {
	for _, field := range classificationFields {
		raw, ok := output[field].(string)
		if !ok || raw == "" {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(raw))
		key = strings.ReplaceAll(key, " ", "_")
		key = strings.ReplaceAll(key, "-", "_")
		if label, ok := intentLabels[key]; ok {
			return label, true
		}
		return LabelDefault, true
	}
	return "", false
}

// SelectEdge finds the edge for a resolved label: exact source handle,
// then case-insensitive label, then the default edge, then the node's
// declared fallback edge. It returns nil at the end of a flow.
func SelectEdge(graph *Graph, node *Node, label string) *Edge {
	if edge := MatchEdge(graph, node, label); edge != nil {
		return edge
	}
	if edge := graph.DefaultEdge(node.ID); edge != nil {
		return edge
	}
	if node.Fallback != "" {
		if edge, ok := graph.Edge(node.Fallback); ok && edge.Source == node.ID {
			return edge
		}
	}
	return nil
}

// MatchEdge finds an edge whose source handle or label names the label
// exactly. It does not consider default or fallback edges.
func MatchEdge(graph *Graph, node *Node, label string) *Edge {
	if label == "" {
		return nil
	}
	if edge := graph.EdgeByHandle(node.ID, label); edge != nil {
		return edge
	}
	return graph.EdgeByLabel(node.ID, label)
}
