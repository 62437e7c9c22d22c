package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
)

func writeRunTable(w io.Writer, runs []*domain.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPIPELINE\tTRIGGER\tSTATE\tBRANCH\tFAILED NODE\tSTARTED\tDURATION")
	for _, run := range runs {
		duration := "-"
		if !run.EndedAt.IsZero() {
			duration = run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID,
			run.PipelineID,
			run.Trigger,
			run.State,
			dash(run.Branch),
			dash(run.FailedNode),
			run.StartedAt.Format(time.RFC3339),
			duration,
		)
	}
	return tw.Flush()
}

func writeGraph(w io.Writer, pipeline *domain.Pipeline, order []string) error {
	if _, err := fmt.Fprintf(w, "%s (v%d): %s\n", pipeline.ID, pipeline.Version, pipeline.Description); err != nil {
		return err
	}
	for i, id := range order {
		node := pipeline.Node(id)
		if node == nil {
			continue
		}
		line := fmt.Sprintf("%d. %s [%s]", i+1, node.ID, node.Type)
		if node.TriggerRule != "" {
			line += " trigger=" + string(node.TriggerRule)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
		for _, edge := range pipeline.Downstream(id) {
			arrow := "->"
			if edge.Branch != "" {
				arrow = "-[" + edge.Branch + "]->"
			}
			if _, err := fmt.Fprintf(w, "   %s %s\n", arrow, edge.To); err != nil {
				return err
			}
		}
	}
	return nil
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
