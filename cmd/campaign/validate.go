package main

import (
	"fmt"

	"github.com/deepnoodle-ai/campaign"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a campaign graph",
		Long:  `Load a YAML or JSON campaign graph, check it and print its nodes and edges.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := campaign.LoadFile(args[0])
			if err != nil {
				return err
			}
			printGraph(graph)
			return nil
		},
	}
}

func printGraph(graph *campaign.Graph) {
	color.Green("Graph is valid")
	color.Cyan("Entry: %s", graph.EntryNode().ID)

	fmt.Println()
	color.Blue("Nodes (%d):", len(graph.Nodes()))
	for _, node := range graph.Nodes() {
		line := fmt.Sprintf("  %-16s %-12s", node.ID, node.Type)
		if node.Label != "" {
			line += " " + node.Label
		}
		if node.Fallback != "" {
			line += fmt.Sprintf(" (fallback %s)", node.Fallback)
		}
		fmt.Println(line)
	}

	fmt.Println()
	color.Blue("Edges (%d):", len(graph.Edges()))
	for _, edge := range graph.Edges() {
		route := edge.Label
		if edge.SourceHandle != "" {
			route = "handle:" + edge.SourceHandle
		}
		if route == "" {
			route = "default"
		}
		fmt.Printf("  %s -> %s [%s]\n", edge.Source, edge.Target, route)
	}
}
