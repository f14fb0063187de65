package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/config"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/query"
)

var (
	listType   string
	listThread string
	listAll    bool
	listLimit  int
	listJSON   bool
)

var projectionsCmd = &cobra.Command{
	Use:     "projections",
	Aliases: []string{"proj"},
	Short:   "Inspect projections",
}

var projectionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List current projections, or every version with --all",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			projs, err := listProjections(ctx, svc)
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(cmd.OutOrStdout(), projs)
			}
			writeProjections(cmd.OutOrStdout(), projs)
			return nil
		})
	},
}

var projectionsShowCmd = &cobra.Command{
	Use:     "show <id>",
	Aliases: []string{"lineage"},
	Short:   "Show a projection with its trace lineage and version history",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(func(ctx context.Context, svc *ledger.Service) error {
			p, err := svc.GetProjection(ctx, args[0])
			if err != nil {
				return err
			}
			lineage, err := svc.TraceLineage(ctx, p.TraceChain)
			if err != nil {
				return err
			}
			history, err := svc.ProjectionHistory(ctx, p.ID)
			if err != nil {
				return err
			}
			ev, err := svc.GetEvent(ctx, p.EventID)
			if err != nil {
				return err
			}
			if listJSON {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"projection": p,
					"event":      ev,
					"lineage":    lineage,
					"history":    history,
				})
			}
			writeLineage(cmd.OutOrStdout(), p, ev, lineage, history)
			return nil
		})
	},
}

func init() {
	projectionsListCmd.Flags().StringVarP(&listType, "type", "t", "", "projection type (activity, note, todo, ...)")
	projectionsListCmd.Flags().StringVar(&listThread, "thread", "", "only projections of this thread")
	projectionsListCmd.Flags().BoolVarP(&listAll, "all", "a", false, "include pending, voided and superseded rows")
	projectionsListCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "maximum rows")
	for _, c := range []*cobra.Command{projectionsListCmd, projectionsShowCmd} {
		c.Flags().BoolVar(&listJSON, "json", false, "print JSON")
	}
	projectionsCmd.AddCommand(projectionsListCmd, projectionsShowCmd)
}

// withLedger loads config, opens the store and runs fn against it.
func withLedger(fn func(ctx context.Context, svc *ledger.Service) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	svc, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(context.Background(), svc)
}

// listProjections reads current facts through the query gateway and falls
// back to a full listing for --all or --thread.
func listProjections(ctx context.Context, svc *ledger.Service) ([]ledger.Projection, error) {
	if listAll || listThread != "" {
		return svc.ListProjections(ctx, ledger.ProjectionFilter{
			Type:              listType,
			ThreadID:          listThread,
			CurrentOnly:       !listAll,
			ExcludeSuperseded: !listAll,
			Limit:             listLimit,
		})
	}
	g := query.NewGateway(svc.DB(), svc.Dialect())
	res, err := g.One(ctx, query.CurrentProjections, map[string]any{
		"projection_type": listType,
		"limit":           listLimit,
	})
	if err != nil {
		return nil, err
	}
	return res.Projections()
}

func writeProjections(w io.Writer, projs []ledger.Projection) {
	if len(projs) == 0 {
		fmt.Fprintln(w, "No projections.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tCATEGORY\tSTATUS\tCREATED\tSUMMARY")
	for _, p := range projs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			p.ID, p.ProjectionType, p.Category, statusLabel(p), p.CreatedAt.Local().Format("2006-01-02 15:04"), summarize(p.Data, 60))
	}
	tw.Flush()
}

func writeLineage(w io.Writer, p ledger.Projection, ev ledger.Event, lineage []ledger.Trace, history []ledger.Projection) {
	fmt.Fprintf(w, "%s %s [%s]\n", color.CyanString(p.ProjectionType), p.ID, statusLabel(p))
	fmt.Fprintf(w, "  %s\n", summarize(p.Data, 200))
	fmt.Fprintf(w, "\nEvent %s (%s from %s, key %s)\n", ev.ID, ev.EventType, ev.Source, ev.IdempotencyKey)
	fmt.Fprintln(w, "\nLineage:")
	for _, t := range lineage {
		mark := ""
		if t.VoidedAt != nil {
			mark = color.RedString(" voided")
		}
		fmt.Fprintf(w, "  %d. %s %s%s\n", t.StepOrder(), t.StepName, t.ID, mark)
	}
	if len(history) > 1 {
		fmt.Fprintln(w, "\nHistory:")
		for _, h := range history {
			cur := " "
			if h.ID == p.ID {
				cur = "*"
			}
			fmt.Fprintf(w, " %s %s [%s] %s\n", cur, h.ID, statusLabel(h), summarize(h.Data, 60))
		}
	}
}

func statusLabel(p ledger.Projection) string {
	switch {
	case p.SupersededByProjectionID != "":
		return "superseded"
	case p.Status == ledger.StatusVoided && p.VoidedReason != "":
		return string(p.Status) + ":" + string(p.VoidedReason)
	}
	return string(p.Status)
}

// summarize renders the human-readable body of a projection on one line.
func summarize(d ledger.ProjectionData, n int) string {
	var s string
	switch v := d.(type) {
	case ledger.Activity:
		s = v.Description
	case ledger.Note:
		s = v.Text
		if v.Title != "" {
			s = v.Title + ": " + s
		}
	case ledger.Todo:
		s = v.Description
		if v.Priority != "" {
			s += " (" + v.Priority + ")"
		}
	case ledger.ThreadExtraction:
		s = v.Summary
	case ledger.AssistantMessage:
		s = v.Text
	case ledger.Raw:
		s = string(v.Body)
	}
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		s = string(r[:n]) + "..."
	}
	return s
}
