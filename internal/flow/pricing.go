package flow

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/pkg/anthropic"
)

const (
	// pricingTimeout races the single pricing call; timing out yields
	// "no price", never an error.
	pricingTimeout = 15 * time.Second

	// Evidence gates for the listing-derived price fields.
	minPriceConfidence    = 0.6
	minPriceEvidenceCount = 2
)

// Price source labels, in resolution priority order.
const (
	PriceSourceDirectListing     = "directListingPrice"
	PriceSourceTrustedHistorical = "trustedHistoricalPrice"
	PriceSourceGeneric           = "Verkaufspreis"
	PriceSourceItem              = "item.Verkaufspreis"
)

// PricingDecision is the resolved sale price with its provenance.
type PricingDecision struct {
	Price         float64
	Source        string
	Confidence    float64
	EvidenceCount int
	SourceURL     string
}

// pricingResponse is the tolerated response shape. Every price field may
// arrive as localized text.
type pricingResponse struct {
	DirectListingPrice     any
	TrustedHistoricalPrice any
	Verkaufspreis          any
	ItemVerkaufspreis      any
	Confidence             *float64
	EvidenceCount          int
	SourceURL              string
	ZeroIsValid            bool
}

// PricingStage resolves a normalized sale price through one model call.
type PricingStage struct {
	chat       anthropic.Client
	model      string
	maxTokens  int64
	prompt     string
	transcript *Transcript
}

// NewPricingStage wires the pricing stage. An empty prompt disables it.
func NewPricingStage(chat anthropic.Client, chatModel string, maxTokens int64, prompt string, transcript *Transcript) *PricingStage {
	return &PricingStage{chat: chat, model: chatModel, maxTokens: maxTokens, prompt: prompt, transcript: transcript}
}

// Enabled reports whether a pricing prompt is configured.
func (p *PricingStage) Enabled() bool {
	return p != nil && strings.TrimSpace(p.prompt) != ""
}

// ResolvePrice runs the pricing call and resolves the decision. Every
// failure path degrades to a nil decision; pricing never fails a run.
func (p *PricingStage) ResolvePrice(ctx context.Context, candidate *model.Target, reviewerNotes, searchSummary string) *PricingDecision {
	if !p.Enabled() {
		return nil
	}

	log := zap.L().With(zap.String("item_id", candidate.ItemNumber))

	payload, err := json.MarshalIndent(EncodeTarget(candidate, true), "", "  ")
	if err != nil {
		log.Warn("pricing: serialize candidate failed", zap.Error(err))
		return nil
	}

	var prompt strings.Builder
	prompt.WriteString(p.prompt)
	prompt.WriteString("\n\nArtikel:\n")
	prompt.Write(payload)
	if n := strings.TrimSpace(reviewerNotes); n != "" {
		prompt.WriteString("\n\nHinweise aus der Prüfung:\n")
		prompt.WriteString(n)
	}
	if s := strings.TrimSpace(searchSummary); s != "" {
		prompt.WriteString("\n\nRecherche-Zusammenfassung:\n")
		prompt.WriteString(truncate(s, 4000))
	}

	callCtx, cancel := context.WithTimeout(ctx, pricingTimeout)
	defer cancel()

	resp, err := p.chat.CreateMessage(callCtx, anthropic.MessageRequest{
		Model:     p.model,
		MaxTokens: p.maxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.String()}},
	})
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			log.Warn("pricing: call timed out, continuing without price")
		} else {
			log.Warn("pricing: model call failed", zap.Error(err))
		}
		return nil
	}
	resp.Usage.LogUsage(p.model, "pricing")

	raw := resp.Text()
	p.transcript.Append("pricing", map[string]any{"item": candidate.ItemNumber}, raw)

	parsed, _, _, err := ParseJSONObject(raw)
	if err != nil {
		log.Warn("pricing: response is not valid json", zap.Error(err))
		return nil
	}

	decision := resolvePricingDecision(decodePricingResponse(parsed))
	if decision == nil {
		log.Info("pricing: no usable price resolved")
		return nil
	}

	log.Info("pricing: resolved price",
		zap.Float64("price", decision.Price),
		zap.String("source", decision.Source),
		zap.Float64("confidence", decision.Confidence),
		zap.Int("evidence_count", decision.EvidenceCount),
	)
	return decision
}

// decodePricingResponse tolerates top-level fields and an "item" wrapper.
func decodePricingResponse(parsed map[string]any) *pricingResponse {
	resp := &pricingResponse{
		DirectListingPrice:     parsed["directListingPrice"],
		TrustedHistoricalPrice: parsed["trustedHistoricalPrice"],
		Verkaufspreis:          parsed[model.FieldPrice],
		SourceURL:              stringField(parsed, "sourceUrl"),
	}

	if item, ok := parsed["item"].(map[string]any); ok {
		resp.ItemVerkaufspreis = item[model.FieldPrice]
	}

	if c, err := ParseLocalizedNumber(parsed["confidence"]); err == nil && c != nil {
		resp.Confidence = normalizeScore(c)
	}
	if e, err := ParseLocalizedNumber(parsed["evidenceCount"]); err == nil && e != nil && *e >= 0 {
		resp.EvidenceCount = int(*e)
	}
	if z, ok := parsed["zeroIsValid"].(bool); ok {
		resp.ZeroIsValid = z
	}

	return resp
}

// resolvePricingDecision picks among the simultaneous price sources:
// direct listing beats trusted historical beats the generic fields. The
// listing-derived sources additionally need the confidence and evidence
// gates. Zero is invalid unless explicitly opted in.
func resolvePricingDecision(resp *pricingResponse) *PricingDecision {
	confidence := 0.0
	if resp.Confidence != nil {
		confidence = *resp.Confidence
	}
	gated := confidence >= minPriceConfidence && resp.EvidenceCount >= minPriceEvidenceCount

	build := func(price float64, source string) *PricingDecision {
		return &PricingDecision{
			Price:         price,
			Source:        source,
			Confidence:    confidence,
			EvidenceCount: resp.EvidenceCount,
			SourceURL:     resp.SourceURL,
		}
	}

	if gated {
		if price, ok := normalizePriceValue(resp.DirectListingPrice, resp.ZeroIsValid); ok {
			return build(price, PriceSourceDirectListing)
		}
		if price, ok := normalizePriceValue(resp.TrustedHistoricalPrice, resp.ZeroIsValid); ok {
			return build(price, PriceSourceTrustedHistorical)
		}
	}

	if price, ok := normalizePriceValue(resp.Verkaufspreis, resp.ZeroIsValid); ok {
		return build(price, PriceSourceGeneric)
	}
	if price, ok := normalizePriceValue(resp.ItemVerkaufspreis, resp.ZeroIsValid); ok {
		return build(price, PriceSourceItem)
	}

	return nil
}

// normalizePriceValue coerces a localized price value. Usable means finite
// and strictly positive, or exactly zero when allowZero is set.
func normalizePriceValue(v any, allowZero bool) (float64, bool) {
	f, err := ParseLocalizedNumber(v)
	if err != nil || f == nil {
		return 0, false
	}
	if *f > 0 {
		return *f, true
	}
	if *f == 0 && allowZero {
		return 0, true
	}
	return 0, false
}

// normalizeScore scales confidence values reported on a 0-100 scale down
// to 0-1.
func normalizeScore(v *float64) *float64 {
	if v == nil {
		return nil
	}
	s := *v
	if s > 1 && s <= 100 {
		s = s / 100
	}
	if s < 0 {
		s = 0
	}
	if s > 1 {
		return nil
	}
	return &s
}
