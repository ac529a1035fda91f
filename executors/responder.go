package executors

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/deepnoodle-ai/campaign"
)

// ResponseRequest carries what a Responder needs to produce a message.
type ResponseRequest struct {
	Subject *campaign.Subject
	Context map[string]any
	NodeID  string
	Prompt  string
	Inbound string

	// Reply is set when Inbound answers a message this node already sent.
	Reply bool
}

// Response is a generated message plus the responder's reading of the
// inbound text.
type Response struct {
	Text           string
	Intent         string
	Classification string
	Sentiment      string
}

// Output returns the response as node output.
func (r *Response) Output() map[string]any {
	out := map[string]any{"message": r.Text}
	if r.Intent != "" {
		out["intent"] = r.Intent
	}
	if r.Classification != "" {
		out["classification"] = r.Classification
	}
	if r.Sentiment != "" {
		out["sentiment"] = r.Sentiment
	}
	return out
}

// Responder is the AI collaborator that writes messages and classifies
// replies.
type Responder interface {
	Respond(ctx context.Context, req *ResponseRequest) (*Response, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, req *ResponseRequest) (*Response, error)

func (f ResponderFunc) Respond(ctx context.Context, req *ResponseRequest) (*Response, error) {
	return f(ctx, req)
}

// Sender delivers a message to a subject.
type Sender interface {
	Send(ctx context.Context, subject *campaign.Subject, text string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, subject *campaign.Subject, text string) error

func (f SenderFunc) Send(ctx context.Context, subject *campaign.Subject, text string) error {
	return f(ctx, subject, text)
}

// LogSender writes outgoing messages to the context logger.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, subject *campaign.Subject, text string) error {
	var id string
	if subject != nil {
		id = subject.ID
	}
	campaign.LoggerFromContext(ctx).Info("outbound message", slog.String("to", id), slog.String("text", text))
	return nil
}

// KeywordResponder sends the rendered prompt verbatim and classifies inbound
// text by keyword. Replies are classified without sending anything. Useful
// for local runs and tests.
type KeywordResponder struct {
	// Keywords maps an intent to the words that signal it. Defaults to
	// DefaultKeywords.
	Keywords map[string][]string
}

// DefaultKeywords covers the standard intents, checked in a fixed order.
var DefaultKeywords = map[string][]string{
	"opt_out":        {"stop", "unsubscribe", "remove me"},
	"meeting":        {"meeting", "call", "schedule", "calendar"},
	"not_interested": {"not interested", "no thanks"},
	"question":       {"?"},
	"interested":     {"interested", "tell me more"},
	"no":             {"no", "nope"},
	"yes":            {"yes", "sure", "ok", "yeah"},
}

var keywordOrder = []string{"opt_out", "meeting", "not_interested", "question", "interested", "no", "yes"}

func (k *KeywordResponder) Respond(ctx context.Context, req *ResponseRequest) (*Response, error) {
	resp := &Response{Intent: k.Classify(req.Inbound)}
	if !req.Reply {
		resp.Text = req.Prompt
	}
	return resp, nil
}

// Classify returns the first intent whose keyword appears in text.
func (k *KeywordResponder) Classify(text string) string {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return ""
	}
	keywords := k.Keywords
	if keywords == nil {
		keywords = DefaultKeywords
	}
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	order := keywordOrder
	if k.Keywords != nil {
		order = slices.Sorted(maps.Keys(keywords))
	}
	for _, intent := range order {
		for _, kw := range keywords[intent] {
			if matches(text, words, kw) {
				return intent
			}
		}
	}
	return ""
}

// matches treats single words as whole-word matches and anything else as a
// substring.
func matches(text string, words []string, keyword string) bool {
	if strings.ContainsAny(keyword, " ?!") {
		return strings.Contains(text, keyword)
	}
	for _, w := range words {
		if w == keyword {
			return true
		}
	}
	return false
}
