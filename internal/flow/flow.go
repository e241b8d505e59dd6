package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/internal/taxonomy"
	"github.com/sells-group/item-flow/pkg/anthropic"
	"github.com/sells-group/item-flow/pkg/catalog"
	"github.com/sells-group/item-flow/pkg/websearch"
)

const plannerPrompt = `Du bist ein Such-Planer für die Artikelanreicherung.
Entscheide anhand des Artikels, ob eine Websuche nötig ist, und schlage bis zu
drei zusätzliche Suchanfragen vor. Antworte ausschließlich mit einem JSON-Objekt:
{"shouldSearch": true|false, "queries": ["…"]}.`

// EngineConfig wires the engine's collaborators and tuning knobs.
type EngineConfig struct {
	Chat      anthropic.Client
	Search    websearch.Client
	Catalog   catalog.Client
	Callbacks Callbacks
	History   ReviewHistory
	Taxonomy  *taxonomy.Reference
	Registry  *Registry
	Scheduler *Scheduler

	Model           string
	SupervisorModel string
	MaxTokens       int64
	MaxAttempts     int
	QueryLimit      int
	PricingPrompt   string
	MediaDir        string
	Actor           string

	PrimaryResultCap   int
	FollowupResultCap  int
	CatalogSearchLimit int
}

// Engine orchestrates the enrichment pipeline for inventory items:
// catalog shortcut, search collection, the extraction attempt loop, and
// result dispatch, under cooperative cancellation.
type Engine struct {
	cfg EngineConfig
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler(DefaultStartGap)
	}
	if cfg.Actor == "" {
		cfg.Actor = model.DefaultActor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 3
	}
	return &Engine{cfg: cfg}
}

// Registry exposes the engine's cancellation registry for control surfaces.
func (e *Engine) Registry() *Registry { return e.cfg.Registry }

// Close shuts down the shared search scheduler.
func (e *Engine) Close() { e.cfg.Scheduler.Close() }

// RunRequest describes one enrichment run.
type RunRequest struct {
	// Record is the raw inbound item record with German field names.
	Record map[string]any
	// ItemID overrides the record's Artikel_Nummer when set.
	ItemID        string
	Search        string
	ReviewerNotes string
	SkipSearch    bool
	MaxAttempts   int
	Actor         string
}

// Run executes the full pipeline for one item and returns the dispatched
// result payload. Cancellation surfaces as a RUN_CANCELLED FlowError;
// unexpected failures are wrapped as INTERNAL_ERROR.
func (e *Engine) Run(ctx context.Context, req RunRequest) (*model.ResultPayload, error) {
	payload, err := e.run(ctx, req)
	if err == nil {
		return payload, nil
	}
	itemID := strings.TrimSpace(req.ItemID)
	if fe, ok := AsFlowError(err); ok {
		if fe.Code == CodeRunCancelled {
			zap.L().Warn("flow: run aborted due to cancellation",
				zap.String("item_id", itemID),
				zap.Error(err),
			)
		} else {
			zap.L().Error("flow: run failed",
				zap.String("item_id", itemID),
				zap.String("code", string(fe.Code)),
				zap.Error(err),
			)
		}
		return nil, err
	}
	zap.L().Error("flow: run failed",
		zap.String("item_id", itemID),
		zap.Error(err),
	)
	return nil, WrapError(CodeInternal, err, "unexpected failure")
}

func (e *Engine) run(ctx context.Context, req RunRequest) (*model.ResultPayload, error) {
	target, err := e.normalizeRecord(req)
	if err != nil {
		return nil, err
	}
	itemID := target.ItemNumber

	searchTerm := strings.TrimSpace(req.Search)
	if searchTerm == "" {
		searchTerm = target.Description
	}

	actor := strings.TrimSpace(req.Actor)
	if actor == "" {
		actor = e.cfg.Actor
	}

	run, err := e.cfg.Registry.BeginRun(itemID, actor)
	if err != nil {
		return nil, err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	run.SetAbort(func() error {
		cancelRun()
		return nil
	})

	payload, err := e.execute(runCtx, req, run, target, itemID, searchTerm, actor)
	if err != nil {
		if IsCode(err, CodeRunCancelled) {
			run.Cancel(err.Error())
		} else {
			run.Fail(err.Error())
		}
		return nil, err
	}
	run.Complete()
	return payload, nil
}

func (e *Engine) execute(ctx context.Context, req RunRequest, run *Run, target *model.Target, itemID, searchTerm, actor string) (*model.ResultPayload, error) {
	token := run.Token()
	transcript := NewTranscript(e.cfg.MediaDir, itemID)
	reviewerNotes := strings.TrimSpace(req.ReviewerNotes)

	if err := token.Err(); err != nil {
		return nil, err
	}

	// Catalog shortcut: a confident catalog match skips search and
	// extraction entirely.
	matcher := NewShortcutMatcher(e.cfg.Chat, e.cfg.Catalog, e.cfg.Model, e.cfg.MaxTokens, e.cfg.CatalogSearchLimit, transcript)
	if matcher.Enabled() {
		if shortcut := matcher.TryShortcut(ctx, target, searchTerm); shortcut.Matched {
			payload := e.buildPayload(payloadInput{
				itemID:      itemID,
				searchTerm:  searchTerm,
				target:      shortcut.Target,
				sources:     shortcut.Sources,
				status:      model.ResultStatusCompleted,
				summary:     fmt.Sprintf("Catalog match applied (product %s)", shortcut.ProductID),
				reviewNotes: reviewerNotes,
				reviewedBy:  model.ReviewerCatalogShortcut,
				actor:       actor,
			})
			if err := DispatchResult(ctx, e.cfg.Callbacks, token, payload); err != nil {
				return nil, err
			}
			return payload, nil
		}
		if err := token.Err(); err != nil {
			return nil, err
		}
	}

	shouldSearch, plannerQueries := e.evaluatePlanner(ctx, target, searchTerm, reviewerNotes)
	if err := token.Err(); err != nil {
		return nil, err
	}

	collector := NewCollector(CollectorConfig{
		Client:            e.cfg.Search,
		Scheduler:         e.cfg.Scheduler,
		Token:             token,
		Transcript:        transcript,
		ItemID:            itemID,
		SkipSearch:        req.SkipSearch || !shouldSearch,
		PrimaryResultCap:  e.cfg.PrimaryResultCap,
		FollowupResultCap: e.cfg.FollowupResultCap,
	})
	if err := collector.Collect(ctx, searchTerm, plannerQueries, target); err != nil {
		return nil, err
	}
	if err := token.Err(); err != nil {
		return nil, err
	}

	signals := LoadSubcategorySignals(ctx, e.cfg.History, target.SubCategoryA)

	maxAttempts := e.cfg.MaxAttempts
	if req.MaxAttempts > 0 && req.MaxAttempts < maxAttempts {
		maxAttempts = req.MaxAttempts
	}
	extractor := NewExtractor(ExtractorConfig{
		Chat:            e.cfg.Chat,
		Model:           e.cfg.Model,
		SupervisorModel: e.cfg.SupervisorModel,
		MaxTokens:       e.cfg.MaxTokens,
		Collector:       collector,
		Token:           token,
		Transcript:      transcript,
		Categorizer:     NewCategorizer(e.cfg.Chat, e.cfg.Taxonomy, e.cfg.Model, e.cfg.MaxTokens, transcript),
		Pricing:         NewPricingStage(e.cfg.Chat, e.cfg.Model, e.cfg.MaxTokens, e.cfg.PricingPrompt, transcript),
		ItemID:          itemID,
		Target:          target,
		MaxAttempts:     maxAttempts,
		QueryLimit:      e.cfg.QueryLimit,
		ReviewerNotes:   reviewerNotes,
		SkipSearch:      req.SkipSearch,
		SignalsHint:     RenderSignalsHint(signals),
	})
	result, err := extractor.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := token.Err(); err != nil {
		return nil, err
	}

	final := e.mergeExtraction(target, result.Data, itemID)

	input := payloadInput{
		itemID:      itemID,
		searchTerm:  searchTerm,
		target:      final,
		sources:     result.Sources,
		reviewNotes: result.SupervisorVerdict,
		reviewedBy:  model.ReviewerSupervisor,
		actor:       actor,
	}
	if result.Success {
		input.status = model.ResultStatusCompleted
		input.summary = "Item flow extraction completed successfully"
	} else {
		input.status = model.ResultStatusNeedsReview
		input.summary = "Supervisor requested manual review"
		input.errText = "Supervisor flagged issues"
	}
	payload := e.buildPayload(input)

	if err := DispatchResult(ctx, e.cfg.Callbacks, token, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// normalizeRecord decodes and validates the inbound record. The request's
// item id wins over the record's Artikel_Nummer.
func (e *Engine) normalizeRecord(req RunRequest) (*model.Target, error) {
	record := make(map[string]any, len(req.Record)+1)
	for k, v := range req.Record {
		record[k] = v
	}
	if id := strings.TrimSpace(req.ItemID); id != "" {
		record[model.FieldItemNumber] = id
	}

	out, err := DecodeOutput(record, 0)
	if err != nil {
		return nil, WrapError(CodeInvalidTarget, err, "invalid item record")
	}
	target := out.Collapse()
	if err := ValidateTarget(target); err != nil {
		return nil, err
	}
	return target, nil
}

// evaluatePlanner asks the model whether a web search is worthwhile and for
// extra queries. Any failure degrades to "search with no extra queries".
func (e *Engine) evaluatePlanner(ctx context.Context, target *model.Target, searchTerm, reviewerNotes string) (bool, []string) {
	encoded, err := json.Marshal(EncodeTarget(target, true))
	if err != nil {
		zap.L().Warn("flow: planner payload serialization failed",
			zap.String("item_id", target.ItemNumber),
			zap.Error(err),
		)
		return true, nil
	}

	var user strings.Builder
	user.WriteString("Suchbegriff: ")
	user.WriteString(searchTerm)
	user.WriteString("\n\nArtikel:\n")
	user.Write(encoded)
	if reviewerNotes != "" {
		user.WriteString("\n\nHinweise aus der Prüfung:\n")
		user.WriteString(reviewerNotes)
	}

	res, err := e.cfg.Chat.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: plannerPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: user.String()}},
	})
	if err != nil {
		zap.L().Warn("flow: search planner call failed",
			zap.String("item_id", target.ItemNumber),
			zap.Error(err),
		)
		return true, nil
	}
	res.Usage.LogUsage(e.cfg.Model, "plan")

	parsed, _, _, err := ParseJSONObject(res.Text())
	if err != nil {
		zap.L().Warn("flow: search planner returned invalid json",
			zap.String("item_id", target.ItemNumber),
			zap.Error(err),
		)
		return true, nil
	}

	shouldSearch := true
	if v, ok := parsed["shouldSearch"].(bool); ok {
		shouldSearch = v
	}
	var queries []string
	if raw, ok := parsed["queries"].([]any); ok {
		for _, q := range raw {
			if s, ok := q.(string); ok && strings.TrimSpace(s) != "" {
				queries = append(queries, strings.TrimSpace(s))
			}
		}
	}
	zap.L().Info("flow: search planner evaluated",
		zap.String("item_id", target.ItemNumber),
		zap.Bool("should_search", shouldSearch),
		zap.Int("planner_queries", len(queries)),
	)
	return shouldSearch, queries
}

// mergeExtraction overlays the extraction result onto the inbound record,
// honoring locked fields and preserving the item number.
func (e *Engine) mergeExtraction(base, data *model.Target, itemID string) *model.Target {
	merged, err := mergeTargetPatch(base, EncodeTarget(data, false))
	if err != nil {
		zap.L().Warn("flow: final merge failed, using extraction result",
			zap.String("item_id", itemID),
			zap.Error(err),
		)
		merged = data.Clone()
	}
	merged.ItemNumber = itemID
	return merged
}

type payloadInput struct {
	itemID      string
	searchTerm  string
	target      *model.Target
	sources     []model.Source
	status      model.ResultStatus
	summary     string
	reviewNotes string
	reviewedBy  string
	actor       string
	errText     string
}

// buildPayload assembles the callback payload dispatched to the inventory
// system. Defaults mirror the dispatch contract: needs_review implies
// changes_requested and a non-null error text.
func (e *Engine) buildPayload(in payloadInput) *model.ResultPayload {
	needsReview := in.status == model.ResultStatusNeedsReview
	decision := model.ReviewDecisionApproved
	if needsReview {
		decision = model.ReviewDecisionChangesRequested
	}

	var errText *string
	switch {
	case in.errText != "":
		errText = &in.errText
	case needsReview:
		s := "Manual review required"
		errText = &s
	}

	item := EncodeTarget(in.target, false)
	item["itemUUid"] = in.itemID
	item["searchQuery"] = in.searchTerm
	if len(in.sources) > 0 {
		item[model.FieldSources] = in.sources
	}

	summary := in.summary
	if summary == "" {
		if needsReview {
			summary = "Manual review required"
		} else {
			summary = "Item flow completed successfully"
		}
	}

	return &model.ResultPayload{
		ItemID:         in.itemID,
		Status:         in.status,
		Error:          errText,
		NeedsReview:    needsReview,
		Summary:        summary,
		ReviewDecision: decision,
		ReviewNotes:    in.reviewNotes,
		ReviewedBy:     in.reviewedBy,
		Actor:          in.actor,
		Item:           item,
	}
}
