package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	notifyRetry bool
	notifyLimit int
)

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "List or retry pending result notifications",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pending, err := st.PendingNotifications(ctx, notifyLimit)
		if err != nil {
			return eris.Wrap(err, "pending notifications")
		}
		if len(pending) == 0 {
			fmt.Fprintln(os.Stderr, "No pending notifications.")
			return nil
		}

		if !notifyRetry {
			formatLogList(os.Stdout, pending)
			return nil
		}

		notifier := &resultNotifier{
			endpoint: cfg.Flow.ResultEndpoint,
			secret:   cfg.Flow.ResultSecret,
			http:     &http.Client{Timeout: 30 * time.Second},
		}

		var failed int
		for _, l := range pending {
			if l.Payload == nil {
				continue
			}
			if err := st.SaveItem(ctx, l.ItemID, l.Payload.Item); err != nil {
				failed++
				zap.L().Error("notify: apply failed", zap.String("item_id", l.ItemID), zap.Error(err))
				continue
			}
			if err := notifier.Notify(ctx, l.Payload); err != nil {
				failed++
				_ = st.MarkNotificationFailure(ctx, l.ItemID, err)
				zap.L().Error("notify: delivery failed", zap.String("item_id", l.ItemID), zap.Error(err))
				continue
			}
			if err := st.MarkNotificationSuccess(ctx, l.ItemID); err != nil {
				zap.L().Error("notify: mark success failed", zap.String("item_id", l.ItemID), zap.Error(err))
			}
		}

		zap.L().Info("notify: retry complete",
			zap.Int("pending", len(pending)),
			zap.Int("failed", failed),
		)
		if failed > 0 {
			return eris.Errorf("%d of %d notifications failed", failed, len(pending))
		}
		return nil
	},
}

func init() {
	notifyCmd.Flags().BoolVar(&notifyRetry, "retry", false, "re-attempt delivery of pending notifications")
	notifyCmd.Flags().IntVar(&notifyLimit, "limit", 100, "max pending notifications to process")
	rootCmd.AddCommand(notifyCmd)
}
