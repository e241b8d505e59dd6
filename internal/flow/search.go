package flow

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/pkg/websearch"
)

const (
	// primaryQueryPrefix templates the first query issued for every run.
	primaryQueryPrefix = "Gerätedaten "

	// maxFollowupPlans bounds the planner/heuristic queries issued after
	// the primary one.
	maxFollowupPlans = 4

	// perDomainSourceCap bounds how many sources one domain contributes.
	perDomainSourceCap = 2

	// maxParagraphsPerContext bounds aggregated text per search context.
	maxParagraphsPerContext = 3

	// noiseWarnRatio triggers a log entry when sanitization removed a
	// large share of a context's lines.
	noiseWarnRatio = 0.3
)

// specLineRe matches lines that look like product facts (prices, weights,
// dimensions, model numbers). Such lines survive noise reduction even when
// they would otherwise be trimmed.
var specLineRe = regexp.MustCompile(`(?i)(artikel|preis|price|model|\d+[.,]?\d*\s?(mm|cm|kg|g|w|kw|v)\b|[a-z0-9]{2,}[-_][a-z0-9]{2,})`)

// vendorBiasRe marks queries steering toward marketplaces; those run only
// after neutral queries had their chance.
var vendorBiasRe = regexp.MustCompile(`(?i)(ebay|amazon|idealo|kleinanzeigen|willhaben)`)

// taxonomyQueryRe rejects follow-up queries that try to search the taxonomy
// instead of the product.
var taxonomyQueryRe = regexp.MustCompile(`(?i)kategorie`)

type searchPlan struct {
	Label        string
	Query        string
	ResultCap    int
	VendorBiased bool
}

// CollectorConfig wires a Collector.
type CollectorConfig struct {
	Client            websearch.Client
	Scheduler         *Scheduler
	Token             *Token
	Transcript        *Transcript
	ItemID            string
	SkipSearch        bool
	PrimaryResultCap  int
	FollowupResultCap int
}

// Collector gathers search contexts for one run: the primary templated
// query, planner and heuristic follow-ups, and agent-requested follow-up
// searches during extraction. It owns source dedupe and the aggregated
// text the prompts are built from.
type Collector struct {
	client     websearch.Client
	scheduler  *Scheduler
	token      *Token
	transcript *Transcript
	itemID     string
	skip       bool

	primaryCap  int
	followupCap int

	contexts     []model.SearchContext
	sources      []model.Source
	sourceIdx    map[string]int
	domainCounts map[string]int
	requestIndex int
}

// NewCollector creates a collector for one run.
func NewCollector(cfg CollectorConfig) *Collector {
	primaryCap := cfg.PrimaryResultCap
	if primaryCap <= 0 {
		primaryCap = 10
	}
	followupCap := cfg.FollowupResultCap
	if followupCap <= 0 {
		followupCap = 5
	}
	return &Collector{
		client:       cfg.Client,
		scheduler:    cfg.Scheduler,
		token:        cfg.Token,
		transcript:   cfg.Transcript,
		itemID:       cfg.ItemID,
		skip:         cfg.SkipSearch,
		primaryCap:   primaryCap,
		followupCap:  followupCap,
		sourceIdx:    make(map[string]int),
		domainCounts: make(map[string]int),
	}
}

// Collect runs the initial search phase: primary query, then planner
// queries, then heuristic fallback plans. With skip-search set it returns
// immediately; source recording and text aggregation stay functional.
func (c *Collector) Collect(ctx context.Context, searchTerm string, plannerQueries []string, target *model.Target) error {
	if c.skip {
		zap.L().Info("search: skipped by directive", zap.String("item_id", c.itemID))
		return nil
	}

	plans := buildSearchPlans(searchTerm, plannerQueries, target, c.primaryCap, c.followupCap)
	for _, plan := range plans {
		if err := c.token.Err(); err != nil {
			return err
		}
		if err := c.dispatch(ctx, plan, nil); err != nil {
			return err
		}
	}
	return nil
}

// DispatchFollowups runs agent-requested follow-up queries with the small
// per-query result cap. The attempt number rides along as call metadata.
func (c *Collector) DispatchFollowups(ctx context.Context, queries []string, attempt int) error {
	for _, q := range queries {
		if err := c.token.Err(); err != nil {
			return err
		}
		plan := searchPlan{Label: "agent-followup", Query: q, ResultCap: c.followupCap}
		meta := map[string]any{"context": "agent", "attempt": attempt}
		if err := c.dispatch(ctx, plan, meta); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) dispatch(ctx context.Context, plan searchPlan, meta map[string]any) error {
	c.requestIndex++
	idx := c.requestIndex

	metadata := map[string]any{
		"label":        plan.Label,
		"requestIndex": idx,
		"itemId":       c.itemID,
	}
	for k, v := range meta {
		metadata[k] = v
	}

	var resp *websearch.SearchResponse
	err := c.scheduler.Enqueue(ctx, TaskMeta{Label: plan.Label, ItemID: c.itemID}, func(ctx context.Context) error {
		var searchErr error
		resp, searchErr = c.client.Search(ctx, websearch.SearchRequest{
			Query:      plan.Query,
			MaxResults: plan.ResultCap,
			Metadata:   metadata,
		})
		return searchErr
	})
	if err != nil {
		if rle, ok := websearch.IsRateLimit(err); ok {
			return &FlowError{
				Code:    CodeRateLimited,
				Status:  rle.StatusCode,
				Message: fmt.Sprintf("search provider rate limited (status %d)", rle.StatusCode),
				Err:     err,
			}
		}
		return WrapError(CodeSearchFailed, err, "search query failed: "+plan.Query)
	}

	sources := make([]model.Source, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, model.Source{Title: s.Title, URL: s.URL, Description: s.Description})
	}

	c.contexts = append(c.contexts, model.SearchContext{
		Query:   plan.Query,
		Text:    resp.Text,
		Sources: sources,
	})
	c.RecordSources(sources)

	c.transcript.Append(
		fmt.Sprintf("search-context-%d", idx),
		map[string]any{"query": plan.Query, "metadata": metadata},
		resp.Text,
	)

	zap.L().Info("search: query complete",
		zap.String("item_id", c.itemID),
		zap.String("label", plan.Label),
		zap.Int("request_index", idx),
		zap.Int("sources", len(sources)),
	)
	return nil
}

// RecordSources merges sources into the run aggregate: dedupe by URL
// (fallback title+description), at most two entries per domain, and a
// first-seen empty description is backfilled by a later non-empty one.
func (c *Collector) RecordSources(sources []model.Source) {
	for _, src := range sources {
		key := src.Key()
		if key == "" || key == "|" {
			continue
		}

		if at, seen := c.sourceIdx[key]; seen {
			if c.sources[at].Description == "" && src.Description != "" {
				c.sources[at].Description = src.Description
			}
			continue
		}

		domain := domainOf(src.URL)
		if domain != "" && c.domainCounts[domain] >= perDomainSourceCap {
			continue
		}

		c.sourceIdx[key] = len(c.sources)
		c.sources = append(c.sources, src)
		if domain != "" {
			c.domainCounts[domain]++
		}
	}
}

// Sources returns the deduplicated source aggregate.
func (c *Collector) Sources() []model.Source {
	return append([]model.Source(nil), c.sources...)
}

// Contexts returns the collected search contexts.
func (c *Collector) Contexts() []model.SearchContext {
	return append([]model.SearchContext(nil), c.contexts...)
}

// AggregatedText renders all collected context text into one prompt block
// with noise reduction applied per context.
func (c *Collector) AggregatedText() string {
	var b strings.Builder
	for _, sc := range c.contexts {
		text := c.sanitizeContextText(sc)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## Suche: %s\n%s", sc.Query, text)
	}
	return b.String()
}

// sanitizeContextText trims undifferentiated link noise while preserving
// spec-like lines, then caps the paragraph count.
func (c *Collector) sanitizeContextText(sc model.SearchContext) string {
	lines := strings.Split(sc.Text, "\n")
	kept := make([]string, 0, len(lines))
	total, removed, preservedSpec := 0, 0, 0

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, "")
			continue
		}
		total++

		if isSeparatorLine(trimmed) {
			removed++
			continue
		}

		urlCount := strings.Count(strings.ToLower(trimmed), "http")
		specLike := specLineRe.MatchString(trimmed)
		switch {
		case urlCount >= 2 && !specLike:
			removed++
			continue
		case urlCount == 1 && len(trimmed) > 80 && !specLike:
			removed++
			continue
		}

		if specLike && urlCount > 0 {
			preservedSpec++
		}
		kept = append(kept, line)
	}

	if total > 0 {
		ratio := float64(removed) / float64(total)
		if ratio > noiseWarnRatio {
			zap.L().Warn("search: heavy noise reduction",
				zap.String("item_id", c.itemID),
				zap.String("query", sc.Query),
				zap.Float64("removal_ratio", ratio),
				zap.Int("preserved_spec_lines", preservedSpec),
			)
		}
	}

	return capParagraphs(strings.Join(kept, "\n"), maxParagraphsPerContext)
}

func isSeparatorLine(s string) bool {
	if len(s) < 4 {
		return false
	}
	for _, r := range s {
		if r != '-' && r != '=' && r != '_' && r != '*' {
			return false
		}
	}
	return true
}

func capParagraphs(text string, max int) string {
	paragraphs := strings.Split(strings.TrimSpace(text), "\n\n")
	out := make([]string, 0, max)
	for _, p := range paragraphs {
		if strings.TrimSpace(p) == "" {
			continue
		}
		out = append(out, strings.TrimSpace(p))
		if len(out) == max {
			break
		}
	}
	return strings.Join(out, "\n\n")
}

// buildSearchPlans assembles the ranked query list: primary first, then
// planner-supplied queries, then heuristic fallbacks. Taxonomy-targeted
// queries are rejected, vendor-biased ones deferred behind two neutral
// queries, and the follow-up count capped.
func buildSearchPlans(searchTerm string, plannerQueries []string, target *model.Target, primaryCap, followupCap int) []searchPlan {
	plans := []searchPlan{{
		Label:     "primary",
		Query:     primaryQueryPrefix + searchTerm,
		ResultCap: primaryCap,
	}}

	var followups []searchPlan
	for i, q := range plannerQueries {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		if taxonomyQueryRe.MatchString(q) {
			zap.L().Debug("search: rejecting taxonomy-targeted planner query", zap.String("query", q))
			continue
		}
		followups = append(followups, searchPlan{
			Label:        fmt.Sprintf("planner-%d", i+1),
			Query:        q,
			ResultCap:    followupCap,
			VendorBiased: vendorBiasRe.MatchString(q),
		})
	}

	if target != nil {
		if m := strings.TrimSpace(target.Manufacturer); m != "" {
			followups = append(followups, searchPlan{
				Label:     "manufacturer_enriched",
				Query:     fmt.Sprintf("%s %s technische Daten", searchTerm, m),
				ResultCap: followupCap,
			})
		}
		if sd := strings.TrimSpace(target.ShortDescription); sd != "" {
			followups = append(followups, searchPlan{
				Label:     "short_description_enriched",
				Query:     fmt.Sprintf("%s %s Spezifikationen", searchTerm, truncate(sd, 80)),
				ResultCap: followupCap,
			})
		}
		if len(target.Locked) > 0 {
			followups = append(followups, searchPlan{
				Label:     "locked_fields_enriched",
				Query:     searchTerm + " Abmessungen Gewicht Hersteller",
				ResultCap: followupCap,
			})
		}
	}

	followups = deferVendorBiased(followups)
	followups = dedupePlans(followups)
	if len(followups) > maxFollowupPlans {
		followups = followups[:maxFollowupPlans]
	}

	return append(plans, followups...)
}

// deferVendorBiased moves marketplace-leaning queries behind the first two
// neutral ones, keeping relative order otherwise.
func deferVendorBiased(plans []searchPlan) []searchPlan {
	neutral := make([]searchPlan, 0, len(plans))
	var vendor []searchPlan
	for _, p := range plans {
		if p.VendorBiased {
			vendor = append(vendor, p)
		} else {
			neutral = append(neutral, p)
		}
	}
	if len(vendor) == 0 {
		return plans
	}

	cut := 2
	if cut > len(neutral) {
		cut = len(neutral)
	}
	out := make([]searchPlan, 0, len(plans))
	out = append(out, neutral[:cut]...)
	out = append(out, vendor...)
	out = append(out, neutral[cut:]...)
	return out
}

func dedupePlans(plans []searchPlan) []searchPlan {
	seen := make(map[string]bool, len(plans))
	out := make([]searchPlan, 0, len(plans))
	for _, p := range plans {
		key := strings.ToLower(strings.TrimSpace(p.Query))
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func domainOf(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Host), "www.")
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// FormatSourcesForRetry renders the accumulated sources for the retry
// prompt so the model can stick to material it has already seen.
func FormatSourcesForRetry(sources []model.Source) string {
	if len(sources) == 0 {
		return "(keine Quellen erfasst)"
	}
	var b strings.Builder
	for i, s := range sources {
		title := s.Title
		if title == "" {
			title = "(no title)"
		}
		u := s.URL
		if u == "" {
			u = "(no url)"
		}
		desc := s.Description
		if desc == "" {
			desc = "(none)"
		}
		fmt.Fprintf(&b, "%d. %s\n   URL: %s\n   Description: %s\n", i+1, title, u, desc)
	}
	return b.String()
}
