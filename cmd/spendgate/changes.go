package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/spendgate/internal/inspect"
	"github.com/mattjoyce/spendgate/internal/queue"
)

type submitFlags struct {
	reason     string
	source     string
	priority   int
	credential string
}

func newSubmitCmd(g *globalFlags) *cobra.Command {
	f := &submitFlags{}
	cmd := &cobra.Command{
		Use:   "submit <resource-id> <change-type> <value>",
		Short: "Queue a proposed change",
		Long: `Queue a proposed change. change-type is one of BUDGET_INCREASE,
BUDGET_DECREASE, STATUS_CHANGE or BID_CHANGE. An equivalent pending request
inside the dedup window is reported instead of queuing a second one.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[2], 64)
			if err != nil {
				return fmt.Errorf("value %q is not a number", args[2])
			}
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			id, duplicate, err := eng.Submit(cmd.Context(), queue.SubmitRequest{
				ResourceID: args[0],
				ChangeType: queue.ChangeType(strings.ToUpper(args[1])),
				Value:      value,
				Reasoning:  f.reason,
				Source:     f.source,
				Priority:   f.priority,
				Credential: f.credential,
				Actor:      actor(),
			})
			if err != nil {
				return err
			}
			if duplicate {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (duplicate of a pending request)\n", id)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.reason, "reason", "r", "", "reasoning recorded with the request")
	cmd.Flags().StringVar(&f.source, "source", "cli", "producer name")
	cmd.Flags().IntVarP(&f.priority, "priority", "p", 0, "claim priority, higher first")
	cmd.Flags().StringVar(&f.credential, "credential", "", "rate limit credential (defaults to engine.credential)")
	return cmd
}

type listFlags struct {
	status   string
	resource string
	limit    int
	json     bool
}

func newListCmd(g *globalFlags) *cobra.Command {
	f := &listFlags{}
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls", "status"},
		Short:   "List change requests, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := queue.Status(strings.ToLower(f.status))
			if status != "" && !slices.Contains(statusOrder, status) {
				return fmt.Errorf("unknown status %q", f.status)
			}
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			changes, err := eng.List(cmd.Context(), queue.Filter{
				Status:     status,
				ResourceID: f.resource,
				Limit:      f.limit,
			})
			if err != nil {
				return err
			}
			if f.json {
				return writeJSON(cmd.OutOrStdout(), changes)
			}
			counts, err := eng.Counts(cmd.Context())
			if err != nil {
				return err
			}
			writeChangeTable(cmd.OutOrStdout(), changes)
			fmt.Fprintln(cmd.OutOrStdout(), formatCounts(counts))
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.status, "status", "s", "", "only requests in this status")
	cmd.Flags().StringVar(&f.resource, "resource", "", "only requests for this resource id")
	cmd.Flags().IntVarP(&f.limit, "limit", "n", 50, "maximum rows")
	cmd.Flags().BoolVar(&f.json, "json", false, "print JSON")
	return cmd
}

func newShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one change request as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			cr, err := eng.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), cr)
		},
	}
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending request or ask a worker to drop a claimed one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			cr, err := eng.Cancel(cmd.Context(), args[0], actor())
			if err != nil {
				return err
			}
			if cr.Status == queue.StatusClaimed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: cancel requested; the claiming worker drops it before the external call\n", cr.ID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", cr.ID, cr.Status)
			return nil
		},
	}
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <id>",
		Short: "Show a request's audit trail and verify its hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			build := inspect.BuildReport
			if asJSON {
				build = inspect.BuildJSONReport
			}
			report, err := build(cmd.Context(), eng, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), report)
			if !strings.HasSuffix(report, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newReclaimCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Run one lease reclaim and retention sweep now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := g.openEngine(cmd.Context())
			if err != nil {
				return err
			}
			defer eng.Close()

			res, err := eng.Reclaim(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued: %d  terminal: %d  velocity rows pruned: %d  counters pruned: %d\n",
				res.Requeued, res.Terminal, res.VelocityPruned, res.CountersPruned)
			return nil
		},
	}
}

func writeChangeTable(w io.Writer, changes []queue.ChangeRequest) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRESOURCE\tTYPE\tVALUE\tAPPLIED\tSTATUS\tATTEMPTS\tCREATED")
	for _, cr := range changes {
		applied := "-"
		if cr.AppliedValue != nil {
			applied = strconv.FormatFloat(*cr.AppliedValue, 'f', 2, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			cr.ID, cr.ResourceID, cr.ChangeType,
			strconv.FormatFloat(cr.RequestedValue, 'f', 2, 64), applied,
			cr.Status, cr.AttemptCount, cr.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

var statusOrder = []queue.Status{
	queue.StatusPending,
	queue.StatusClaimed,
	queue.StatusFailedRetryable,
	queue.StatusApplied,
	queue.StatusFailedTerminal,
	queue.StatusCancelled,
}

func formatCounts(counts map[queue.Status]int) string {
	parts := make([]string, 0, len(statusOrder))
	for _, s := range statusOrder {
		parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
	}
	return strings.Join(parts, " ")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// actor names the operator in audit records.
func actor() string {
	if u := os.Getenv("USER"); u != "" {
		return "cli:" + u
	}
	return "cli"
}
