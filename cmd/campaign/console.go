package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/deepnoodle-ai/campaign"
	"github.com/fatih/color"
)

// console prints outbound messages and engine events for the interactive
// serve session.
type console struct {
	mutex sync.Mutex
	out   io.Writer
}

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) printf(attr color.Attribute, format string, args ...any) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	color.New(attr).Fprintf(c.out, format+"\n", args...)
}

// Send implements executors.Sender.
func (c *console) Send(ctx context.Context, subject *campaign.Subject, text string) error {
	c.printf(color.FgGreen, "→ %s: %s", subject.ID, text)
	return nil
}

// Publish implements campaign.Notifier.
func (c *console) Publish(ctx context.Context, event *campaign.Event) {
	switch event.Type {
	case campaign.EventNodeEntered:
		via := ""
		if event.EdgeLabel != "" {
			via = fmt.Sprintf(" via %s", event.EdgeLabel)
		}
		from := event.PreviousNodeID
		if from == "" {
			from = "∅"
		}
		c.printf(color.FgCyan, "  %s → %s (%s)%s", from, event.NodeID, event.NodeType, via)
	case campaign.EventFlowCompleted:
		c.printf(color.FgMagenta, "  %s completed", event.DefinitionID)
	case campaign.EventFlowFailed:
		c.printf(color.FgRed, "  %s failed at %s: %s", event.DefinitionID, event.NodeID, event.Error)
	case campaign.EventFlowPaused:
		c.printf(color.FgYellow, "  %s paused at %s, waiting for an operator", event.DefinitionID, event.NodeID)
	case campaign.EventFlowRecycled:
		c.printf(color.FgYellow, "  %s recycled after going stale", event.DefinitionID)
	}
}
