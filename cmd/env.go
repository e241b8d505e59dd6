package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/flow"
	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/internal/resilience"
	"github.com/sells-group/item-flow/internal/store"
	"github.com/sells-group/item-flow/internal/taxonomy"
	anthropicpkg "github.com/sells-group/item-flow/pkg/anthropic"
	"github.com/sells-group/item-flow/pkg/catalog"
	"github.com/sells-group/item-flow/pkg/websearch"
)

// flowEnv holds the initialized store and engine shared by the run, serve,
// and notify commands.
type flowEnv struct {
	Store  store.Store
	Engine *flow.Engine
}

// Close releases resources held by the flow environment.
func (fe *flowEnv) Close() {
	if fe.Engine != nil {
		fe.Engine.Close()
	}
	if fe.Store != nil {
		_ = fe.Store.Close()
	}
}

// initFlow sets up the store, API clients, taxonomy reference, and engine.
// Callers should defer env.Close().
func initFlow(ctx context.Context) (*flowEnv, error) {
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

	chat := anthropicpkg.NewClient(cfg.Anthropic.Key)
	search := websearch.NewClient(cfg.Search.Key,
		websearch.WithBaseURL(cfg.Search.BaseURL),
		websearch.WithModel(cfg.Search.Model),
		websearch.WithRequestsPerSec(cfg.Search.RequestsPerSec),
		websearch.WithCircuitBreaker(resilience.FromCircuitConfig(
			cfg.Search.BreakerFailureThreshold,
			cfg.Search.BreakerResetSecs,
		)),
	)

	// An empty catalog base URL disables the shortcut path.
	var cat catalog.Client
	if cfg.Catalog.BaseURL != "" {
		cat = catalog.NewClient(cfg.Catalog.BaseURL, cfg.Catalog.AccessKey)
		zap.L().Info("catalog shortcut enabled")
	}

	ref, err := taxonomy.Load(cfg.Flow.TaxonomyPath)
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "load taxonomy")
	}

	notifier := &resultNotifier{
		endpoint: cfg.Flow.ResultEndpoint,
		secret:   cfg.Flow.ResultSecret,
		http:     &http.Client{Timeout: 30 * time.Second},
	}

	eng := flow.NewEngine(flow.EngineConfig{
		Chat:      chat,
		Search:    search,
		Catalog:   cat,
		Callbacks: storeCallbacks(st, notifier),
		History:   st,
		Taxonomy:  ref,
		Scheduler: flow.NewScheduler(time.Duration(cfg.Search.MinStartGapMS) * time.Millisecond),

		Model:           cfg.Anthropic.Model,
		SupervisorModel: cfg.Anthropic.SupervisorModel,
		MaxTokens:       int64(cfg.Anthropic.MaxTokens),
		MaxAttempts:     cfg.Flow.MaxAttempts,
		QueryLimit:      cfg.Flow.SearchRequestLimit,
		PricingPrompt:   cfg.Flow.PricingPrompt,
		MediaDir:        cfg.Media.Dir,

		PrimaryResultCap:   cfg.Search.PrimaryResultCap,
		FollowupResultCap:  cfg.Search.FollowupCap,
		CatalogSearchLimit: cfg.Catalog.SearchLimit,
	})

	return &flowEnv{Store: st, Engine: eng}, nil
}

// storeCallbacks wires the engine's dispatch hooks to the store and the
// optional downstream result endpoint.
func storeCallbacks(st store.Store, notifier *resultNotifier) flow.Callbacks {
	return flow.Callbacks{
		SaveRequestPayload: func(ctx context.Context, itemID string, payload *model.ResultPayload) error {
			_, err := st.SaveRequestPayload(ctx, itemID, searchFromPayload(payload), payload)
			return err
		},
		ApplyResult: func(ctx context.Context, payload *model.ResultPayload) error {
			if err := st.SaveItem(ctx, payload.ItemID, payload.Item); err != nil {
				return err
			}
			return notifier.Notify(ctx, payload)
		},
		MarkNotificationSuccess: st.MarkNotificationSuccess,
		MarkNotificationFailure: func(ctx context.Context, itemID, message string) error {
			return st.MarkNotificationFailure(ctx, itemID, eris.New(message))
		},
	}
}

func searchFromPayload(payload *model.ResultPayload) string {
	if payload == nil || payload.Item == nil {
		return ""
	}
	if s, ok := payload.Item["searchQuery"].(string); ok {
		return s
	}
	return ""
}

// resultNotifier posts finished payloads to a downstream endpoint. A blank
// endpoint disables it.
type resultNotifier struct {
	endpoint string
	secret   string
	http     *http.Client
}

func (n *resultNotifier) Notify(ctx context.Context, payload *model.ResultPayload) error {
	if n.endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "notify: marshal payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "notify: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if n.secret != "" {
		req.Header.Set("X-Flow-Secret", n.secret)
	}

	resp, err := n.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: send request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return eris.Errorf("notify: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
