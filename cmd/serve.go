package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/flow"
	"github.com/sells-group/item-flow/internal/model"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for enrichment requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initFlow(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		addr := serveAddr
		if addr == "" {
			addr = cfg.Server.Addr
		}

		srv := &http.Server{
			Addr:    addr,
			Handler: newRouter(ctx, env),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("server: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("server: listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// newRouter builds the API surface. Enrichment runs execute asynchronously;
// the response only acknowledges acceptance.
func newRouter(runCtx context.Context, env *flowEnv) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/api/items/{id}/enrich", func(w http.ResponseWriter, req *http.Request) {
		itemID := chi.URLParam(req, "id")

		var body struct {
			Record        map[string]any `json:"record"`
			Search        string         `json:"search"`
			ReviewerNotes string         `json:"reviewerNotes"`
			SkipSearch    bool           `json:"skipSearch"`
			Actor         string         `json:"actor"`
		}
		if req.Body != nil && req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
		}

		record := body.Record
		if record == nil {
			stored, err := env.Store.GetItem(req.Context(), itemID)
			if err != nil {
				writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
				return
			}
			if stored == nil {
				writeJSON(w, http.StatusNotFound, map[string]string{"error": "item not found"})
				return
			}
			record = stored
		}

		go func() {
			_, err := env.Engine.Run(runCtx, flow.RunRequest{
				Record:        record,
				ItemID:        itemID,
				Search:        body.Search,
				ReviewerNotes: body.ReviewerNotes,
				SkipSearch:    body.SkipSearch,
				Actor:         body.Actor,
			})
			if err != nil {
				zap.L().Error("server: enrichment failed",
					zap.String("item_id", itemID),
					zap.Error(err),
				)
			}
		}()

		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "accepted",
			"itemId": itemID,
		})
	})

	r.Post("/api/items/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		itemID := chi.URLParam(req, "id")

		var body struct {
			Actor  string `json:"actor"`
			Reason string `json:"reason"`
		}
		if req.Body != nil && req.ContentLength != 0 {
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
				return
			}
		}

		result := env.Engine.Registry().RequestCancellation(itemID, body.Actor, body.Reason)
		writeJSON(w, cancelStatusCode(result.Status), result)
	})

	r.Get("/api/items/{id}/run", func(w http.ResponseWriter, req *http.Request) {
		itemID := chi.URLParam(req, "id")

		if state, ok := env.Engine.Registry().RunState(itemID); ok {
			writeJSON(w, http.StatusOK, state)
			return
		}
		if outcome, ok := env.Engine.Registry().Outcome(itemID); ok {
			writeJSON(w, http.StatusOK, outcome)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no run recorded for this item"})
	})

	r.Get("/api/notifications/pending", func(w http.ResponseWriter, req *http.Request) {
		pending, err := env.Store.PendingNotifications(req.Context(), 100)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		if pending == nil {
			pending = []model.RequestLog{}
		}
		writeJSON(w, http.StatusOK, pending)
	})

	return r
}

func cancelStatusCode(status flow.CancelStatus) int {
	switch status {
	case flow.CancelRequested, flow.CancelAlreadyCancelled:
		return http.StatusOK
	case flow.CancelInvalidID:
		return http.StatusBadRequest
	case flow.CancelNotFound:
		return http.StatusNotFound
	case flow.CancelAbortFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}
