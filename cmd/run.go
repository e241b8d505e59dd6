package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/item-flow/internal/flow"
)

var (
	runItemFile      string
	runItemsDir      string
	runSkipSearch    bool
	runReviewerNotes string
	runConcurrency   int
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run enrichment for item records from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if runItemFile == "" && runItemsDir == "" {
			return eris.New("either --item or --items is required")
		}

		env, err := initFlow(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if runItemFile != "" {
			return runOne(ctx, env.Engine, runItemFile)
		}
		return runBatch(ctx, env.Engine, runItemsDir)
	},
}

func runOne(ctx context.Context, eng *flow.Engine, path string) error {
	record, err := loadItemRecord(path)
	if err != nil {
		return err
	}

	payload, err := eng.Run(ctx, flow.RunRequest{
		Record:        record,
		ReviewerNotes: runReviewerNotes,
		SkipSearch:    runSkipSearch,
	})
	if err != nil {
		return eris.Wrapf(err, "run %s", path)
	}

	zap.L().Info("enrichment complete",
		zap.String("item_id", payload.ItemID),
		zap.String("status", string(payload.Status)),
		zap.Bool("needs_review", payload.NeedsReview),
		zap.String("summary", payload.Summary),
	)
	return nil
}

func runBatch(ctx context.Context, eng *flow.Engine, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return eris.Wrapf(err, "read items dir %s", dir)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return eris.Errorf("no .json item files in %s", dir)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runConcurrency)

	for _, path := range paths {
		g.Go(func() error {
			if err := runOne(gctx, eng, path); err != nil {
				// One failed item does not stop the batch.
				zap.L().Error("batch item failed",
					zap.String("path", path),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("batch complete", zap.Int("items", len(paths)))
	return nil
}

func loadItemRecord(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read item file %s", path)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, eris.Wrapf(err, "parse item file %s", path)
	}
	return record, nil
}

func init() {
	runCmd.Flags().StringVar(&runItemFile, "item", "", "path to a single item record (JSON)")
	runCmd.Flags().StringVar(&runItemsDir, "items", "", "directory of item records (JSON) to process as a batch")
	runCmd.Flags().BoolVar(&runSkipSearch, "skip-search", false, "skip the web search phase")
	runCmd.Flags().StringVar(&runReviewerNotes, "reviewer-notes", "", "prior reviewer notes passed to the supervisor")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 2, "parallel items in batch mode")
	rootCmd.AddCommand(runCmd)
}
