package flow

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/pkg/anthropic"
	"github.com/sells-group/item-flow/pkg/catalog"
)

const shortcutPrompt = `Du vergleichst einen Lagerartikel mit Treffern aus dem Shop-Katalog.
Entscheide, ob genau einer der Treffer dasselbe Produkt ist.
Antworte ausschließlich mit einem JSON-Objekt:
{"isMatch": bool, "confidence": 0..1, "matchedProductId": string|null, "target": {teilweise Artikelfelder}}
Setze isMatch nur bei einem eindeutigen Produkt-Match. Das target-Objekt enthält
nur Felder, die du aus dem Katalogtreffer sicher übernehmen kannst.`

// ShortcutResult is the outcome of the catalog fast path. Matched=false
// means the full pipeline proceeds; that is never an error.
type ShortcutResult struct {
	Matched    bool
	Target     *model.Target
	ProductID  string
	ProductURL string
	Confidence float64
	Sources    []model.Source
}

// ShortcutMatcher checks whether a catalog search already identifies the
// item exactly, skipping search collection and extraction entirely.
type ShortcutMatcher struct {
	chat        anthropic.Client
	catalog     catalog.Client
	model       string
	maxTokens   int64
	searchLimit int
	transcript  *Transcript
}

// NewShortcutMatcher wires the fast path. A nil catalog client disables it.
func NewShortcutMatcher(chat anthropic.Client, cat catalog.Client, chatModel string, maxTokens int64, searchLimit int, transcript *Transcript) *ShortcutMatcher {
	if searchLimit <= 0 {
		searchLimit = 5
	}
	return &ShortcutMatcher{chat: chat, catalog: cat, model: chatModel, maxTokens: maxTokens, searchLimit: searchLimit, transcript: transcript}
}

// Enabled reports whether a catalog client is configured.
func (s *ShortcutMatcher) Enabled() bool {
	return s != nil && s.catalog != nil
}

// TryShortcut runs the catalog search and, when candidates exist, one
// model decision. Every degradation path voids the shortcut silently; the
// full pipeline handles the item either way.
func (s *ShortcutMatcher) TryShortcut(ctx context.Context, target *model.Target, searchTerm string) *ShortcutResult {
	void := &ShortcutResult{}
	if !s.Enabled() {
		return void
	}

	log := zap.L().With(zap.String("item_id", target.ItemNumber))

	hits, err := s.catalog.SearchProducts(ctx, searchTerm, s.searchLimit)
	if err != nil {
		log.Warn("shortcut: catalog search failed, continuing with full pipeline", zap.Error(err))
		return void
	}
	if len(hits.Products) == 0 {
		return void
	}

	decision := s.decide(ctx, target, hits)
	if decision == nil || !decision.IsMatch {
		return void
	}

	if decision.MatchedProductID == "" || len(decision.Target) == 0 {
		log.Info("shortcut: match lacks product id or target patch, voiding")
		return void
	}

	product := findProduct(hits.Products, decision.MatchedProductID)
	if product == nil || product.URL == "" {
		log.Info("shortcut: matched product has no resolvable url, voiding",
			zap.String("product_id", decision.MatchedProductID),
		)
		return void
	}

	merged, err := mergeTargetPatch(target, decision.Target)
	if err != nil {
		log.Warn("shortcut: target patch failed validation, voiding", zap.Error(err))
		return void
	}

	log.Info("shortcut: catalog match",
		zap.String("product_id", product.ID),
		zap.Float64("confidence", decision.Confidence),
	)
	return &ShortcutResult{
		Matched:    true,
		Target:     merged,
		ProductID:  product.ID,
		ProductURL: product.URL,
		Confidence: decision.Confidence,
		Sources: []model.Source{{
			Title:       product.Name,
			URL:         product.URL,
			Description: truncate(product.Description, 300),
		}},
	}
}

type shortcutDecision struct {
	IsMatch          bool
	Confidence       float64
	MatchedProductID string
	Target           map[string]any
}

func (s *ShortcutMatcher) decide(ctx context.Context, target *model.Target, hits *catalog.SearchResponse) *shortcutDecision {
	log := zap.L().With(zap.String("item_id", target.ItemNumber))

	payload, err := json.MarshalIndent(map[string]any{
		"artikel":    EncodeTarget(target, true),
		"treffer":    hits.Products,
		"uebersicht": hits.Text,
	}, "", "  ")
	if err != nil {
		log.Warn("shortcut: serialize decision payload failed", zap.Error(err))
		return nil
	}

	resp, err := s.chat.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.model,
		MaxTokens: s.maxTokens,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: shortcutPrompt + "\n\n" + string(payload),
		}},
	})
	if err != nil {
		log.Warn("shortcut: decision call failed, voiding", zap.Error(err))
		return nil
	}
	resp.Usage.LogUsage(s.model, "shortcut")

	raw := resp.Text()
	s.transcript.Append("catalog-shortcut", map[string]any{"item": target.ItemNumber}, raw)

	parsed, _, _, err := ParseJSONObject(raw)
	if err != nil {
		log.Warn("shortcut: decision is not valid json, voiding", zap.Error(err))
		return nil
	}

	decision := &shortcutDecision{}
	if v, ok := parsed["isMatch"].(bool); ok {
		decision.IsMatch = v
	}
	if c, err := ParseLocalizedNumber(parsed["confidence"]); err == nil {
		if norm := normalizeScore(c); norm != nil {
			decision.Confidence = *norm
		}
	}
	if id, ok := parsed["matchedProductId"].(string); ok {
		decision.MatchedProductID = strings.TrimSpace(id)
	}
	if patch, ok := parsed["target"].(map[string]any); ok {
		decision.Target = patch
	}
	return decision
}

func findProduct(products []catalog.Product, id string) *catalog.Product {
	for i := range products {
		if products[i].ID == id || products[i].Number == id {
			return &products[i]
		}
	}
	return nil
}

// mergeTargetPatch overlays a partial record onto the target and
// re-validates the merge. Locked fields never change.
func mergeTargetPatch(target *model.Target, patch map[string]any) (*model.Target, error) {
	merged := EncodeTarget(target, false)
	for k, v := range patch {
		if target.IsLocked(k) {
			continue
		}
		if k == model.FieldItemNumber {
			continue
		}
		merged[k] = v
	}

	out, err := DecodeOutput(merged, 0)
	if err != nil {
		return nil, err
	}
	return out.Collapse(), nil
}
