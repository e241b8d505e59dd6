package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var (
	cancelReason string
	cancelActor  string
	cancelServer string
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Request cancellation of an in-flight enrichment run",
	Long:  "Sends a cancellation request to a running item-flow server for the given item.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		itemID := args[0]

		base := cancelServer
		if base == "" {
			addr := cfg.Server.Addr
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			base = "http://" + addr
		}

		body, err := json.Marshal(map[string]string{
			"actor":  cancelActor,
			"reason": cancelReason,
		})
		if err != nil {
			return eris.Wrap(err, "cancel: marshal request")
		}

		url := fmt.Sprintf("%s/api/items/%s/cancel", strings.TrimRight(base, "/"), itemID)
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return eris.Wrap(err, "cancel: create request")
		}
		req.Header.Set("Content-Type", "application/json")

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return eris.Wrap(err, "cancel: send request")
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return eris.Wrap(err, "cancel: read response")
		}

		var result struct {
			OK      bool   `json:"ok"`
			Status  string `json:"status"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(respBody, &result); err != nil {
			return eris.Errorf("cancel: unexpected response (status %d): %s", resp.StatusCode, string(respBody))
		}

		fmt.Printf("%s: %s\n", result.Status, result.Message)
		if !result.OK && result.Status != "ALREADY_CANCELLED" {
			return eris.Errorf("cancellation not accepted (%s)", result.Status)
		}
		return nil
	},
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "reason recorded with the cancellation")
	cancelCmd.Flags().StringVar(&cancelActor, "actor", "cli", "actor recorded with the cancellation")
	cancelCmd.Flags().StringVar(&cancelServer, "server", "", "server base URL (default from config addr)")
	rootCmd.AddCommand(cancelCmd)
}
