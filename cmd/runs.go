package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect enrichment run history",
	Long:  "Commands for listing, viewing, and summarizing persisted enrichment results.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted enrichment results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		itemID, _ := cmd.Flags().GetString("item")
		limit, _ := cmd.Flags().GetInt("limit")

		logs, err := st.ListRequestLogs(ctx, store.LogFilter{
			ItemID: itemID,
			Status: model.ResultStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(logs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatLogList(os.Stdout, logs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <item-id>",
	Short: "Show the persisted results for one item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		logs, err := st.ListRequestLogs(ctx, store.LogFilter{ItemID: args[0]})
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		if len(logs) == 0 {
			return eris.Errorf("no results recorded for item %s", args[0])
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(logs)
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate result statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		logs, err := st.ListRequestLogs(ctx, store.LogFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatLogStats(os.Stdout, computeLogStats(logs))
		return nil
	},
}

// openStore opens and migrates the configured store for read-side commands.
func openStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// logStats holds aggregate statistics computed from request logs.
type logStats struct {
	Total       int
	Completed   int
	NeedsReview int
	Failed      int
	Pending     int
}

func computeLogStats(logs []model.RequestLog) logStats {
	var s logStats
	s.Total = len(logs)
	for _, l := range logs {
		switch l.Status {
		case model.ResultStatusCompleted:
			s.Completed++
		case model.ResultStatusNeedsReview:
			s.NeedsReview++
		case model.ResultStatusFailed:
			s.Failed++
		}
		if !l.Notified() {
			s.Pending++
		}
	}
	return s
}

// formatLogList writes a tabular list of request logs to w.
func formatLogList(out io.Writer, logs []model.RequestLog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tITEM\tSTATUS\tNOTIFIED\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-------")

	for _, l := range logs {
		notified := "pending"
		if l.Notified() {
			notified = l.NotifiedAt.Format("2006-01-02 15:04")
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			truncateID(l.ID),
			l.ItemID,
			l.Status,
			notified,
			l.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

// formatLogStats writes aggregate stats to w.
func formatLogStats(out io.Writer, s logStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total results:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.Completed)
	_, _ = fmt.Fprintf(w, "Needs review:\t%d\n", s.NeedsReview)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Pending notification:\t%d\n", s.Pending)
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by result status (completed, needs_review, failed)")
	runsListCmd.Flags().String("item", "", "filter by item id")
	runsListCmd.Flags().Int("limit", 50, "max number of results to display")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}
