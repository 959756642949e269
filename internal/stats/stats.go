// Package stats builds a mailbox activity report with SQL over the local
// replica. No Gmail calls happen here; the replica exists so questions like
// these stay local.
package stats

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/mailduck-io/mailduck/internal/store"
)

// Replica is the store surface the report needs.
type Replica interface {
	CountMessages(ctx context.Context) (int64, error)
	TopSenders(ctx context.Context, n int) ([]store.SenderCount, error)
	LabelCounts(ctx context.Context) (map[string]int64, error)
}

// Report summarizes the replica.
type Report struct {
	Total      int64               `json:"total"`
	TopSenders []store.SenderCount `json:"top_senders"`
	Labels     []LabelStat         `json:"labels"`
}

// LabelStat is one row of the label histogram.
type LabelStat struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// Build computes the report.
func Build(ctx context.Context, replica Replica, topN int) (Report, error) {
	var rep Report
	var err error

	rep.Total, err = replica.CountMessages(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("count messages: %w", err)
	}
	rep.TopSenders, err = replica.TopSenders(ctx, topN)
	if err != nil {
		return Report{}, fmt.Errorf("rank senders: %w", err)
	}

	counts, err := replica.LabelCounts(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("label histogram: %w", err)
	}
	for label, n := range counts {
		rep.Labels = append(rep.Labels, LabelStat{Label: label, Count: n})
	}
	sort.Slice(rep.Labels, func(i, j int) bool {
		if rep.Labels[i].Count != rep.Labels[j].Count {
			return rep.Labels[i].Count > rep.Labels[j].Count
		}
		return rep.Labels[i].Label < rep.Labels[j].Label
	})
	return rep, nil
}

// Render writes the report as plain text.
func Render(w io.Writer, rep Report) {
	fmt.Fprintf(w, "messages: %d\n", rep.Total)
	if len(rep.TopSenders) > 0 {
		fmt.Fprintln(w, "\ntop senders:")
		for _, sc := range rep.TopSenders {
			fmt.Fprintf(w, "  %6d  %s\n", sc.Count, sc.Email)
		}
	}
	if len(rep.Labels) > 0 {
		fmt.Fprintln(w, "\nlabels:")
		for _, ls := range rep.Labels {
			fmt.Fprintf(w, "  %6d  %s\n", ls.Count, ls.Label)
		}
	}
}
