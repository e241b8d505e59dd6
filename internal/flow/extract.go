package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/pkg/anthropic"
)

const extractionPrompt = `Du bist ein Extraktions-Agent für einen Gebrauchtwaren-Katalog.
Vervollständige den Artikel anhand der Suchergebnisse und antworte ausschließlich
mit einem JSON-Objekt im Zielformat. Übernimm nur Fakten, die durch die Quellen
belegt sind. Verwende null für unbekannte Werte und erfinde nichts.
Felder, die unter "__locked" aufgeführt sind, dürfen nicht verändert werden.
Maße gehören in Länge_mm, Breite_mm und Höhe_mm, das Gewicht in Gewicht_kg.
Technische Details gehören als Schlüssel-Wert-Paare in das Objekt "Spezifikationen".`

const supervisorPrompt = `Du bist ein Qualitätsprüfer für Artikeldaten in einem
Gebrauchtwaren-Katalog. Prüfe das folgende JSON-Objekt auf Vollständigkeit und
Plausibilität. Antworte mit "PASS", wenn der Artikel veröffentlicht werden kann.
Andernfalls beschreibe knapp und konkret, was fehlt oder falsch ist.`

const (
	targetSnapshotMax = 2000
	retrySummaryMax   = 260
	rawOutputRetryMax = 500
)

// ExtractorConfig wires one extraction loop for a single item run.
type ExtractorConfig struct {
	Chat            anthropic.Client
	Model           string
	SupervisorModel string
	MaxTokens       int64
	Collector       *Collector
	Token           *Token
	Transcript      *Transcript
	Categorizer     *Categorizer
	Pricing         *PricingStage
	ItemID          string
	Target          *model.Target
	MaxAttempts     int
	QueryLimit      int
	ReviewerNotes   string
	SkipSearch      bool
	SignalsHint     string
}

// Extractor runs the attempt loop that turns search context into a
// validated, categorized and priced record.
type Extractor struct {
	cfg ExtractorConfig
}

func NewExtractor(cfg ExtractorConfig) *Extractor {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.QueryLimit <= 0 {
		cfg.QueryLimit = 1
	}
	return &Extractor{cfg: cfg}
}

// Run executes extraction attempts until the supervisor passes, the attempt
// ceiling is reached, or a terminal failure occurs. Follow-up search requests
// replay the same attempt; a separate cycle counter bounds them. When no
// valid candidate was ever produced the failure kind is reported as a typed
// error, otherwise the last candidate comes back flagged for review.
func (e *Extractor) Run(ctx context.Context) (*model.ExtractionResult, error) {
	cycleCeiling := 3 * e.cfg.QueryLimit
	if v := e.cfg.MaxAttempts * e.cfg.QueryLimit; v > cycleCeiling {
		cycleCeiling = v
	}

	var (
		lastTarget      *model.Target
		lastSupervision string
		lastRaw         string
		failureCode     Code
		failureHint     string
		success         bool
	)

	attempt := 1
	cycles := 0
	snapshot := e.targetSnapshot()

	for attempt <= e.cfg.MaxAttempts {
		if err := e.cfg.Token.Err(); err != nil {
			return nil, err
		}

		zap.L().Debug("flow: extraction attempt",
			zap.String("item_id", e.cfg.ItemID),
			zap.Int("attempt", attempt),
			zap.Int("search_cycles", cycles),
		)

		userContent := e.buildUserContent(attempt, snapshot, lastRaw, lastSupervision, failureCode, failureHint)
		res, err := e.cfg.Chat.CreateMessage(ctx, anthropic.MessageRequest{
			Model:     e.cfg.Model,
			MaxTokens: e.cfg.MaxTokens,
			System:    []anthropic.SystemBlock{{Text: e.systemPrompt()}},
			Messages:  []anthropic.Message{{Role: "user", Content: userContent}},
		})
		if err != nil {
			return nil, eris.Wrap(err, "flow: extraction model call")
		}
		res.Usage.LogUsage(e.cfg.Model, "extract")

		raw := res.Text()
		e.cfg.Transcript.Append(fmt.Sprintf("%d. extraction attempt", attempt), map[string]any{
			"attempt": attempt,
			"prompt":  userContent,
		}, raw)

		content := stripThinking(raw, e.cfg.ItemID, attempt)
		parsed, candidate, actions, err := ParseJSONObject(content)
		if err != nil {
			zap.L().Warn("flow: attempt produced invalid json",
				zap.String("item_id", e.cfg.ItemID),
				zap.Int("attempt", attempt),
				zap.Strings("sanitize_actions", actions),
				zap.String("candidate_snippet", truncate(candidate, 500)),
				zap.Error(err),
			)
			lastRaw = raw
			failureCode = CodeInvalidJSON
			failureHint = err.Error()
			attempt++
			cycles = 0
			continue
		}

		out, err := DecodeOutput(parsed, e.cfg.QueryLimit)
		if err != nil {
			zap.L().Warn("flow: attempt failed schema validation",
				zap.String("item_id", e.cfg.ItemID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			lastRaw = raw
			failureCode = CodeSchemaFailed
			failureHint = err.Error()
			attempt++
			cycles = 0
			continue
		}
		lastRaw = raw

		if len(out.SearchQueries) > 0 {
			cycles++
			if cycles > cycleCeiling {
				zap.L().Warn("flow: follow-up search limit exceeded, keeping best-effort candidate",
					zap.String("item_id", e.cfg.ItemID),
					zap.Int("attempt", attempt),
					zap.Int("search_cycles", cycles),
					zap.Int("cycle_ceiling", cycleCeiling),
				)
				lastTarget = e.collapse(out)
				lastSupervision = string(CodeTooManySearchRequests)
				failureCode = CodeTooManySearchRequests
				break
			}
			zap.L().Info("flow: model requested follow-up searches",
				zap.String("item_id", e.cfg.ItemID),
				zap.Int("attempt", attempt),
				zap.Strings("queries", out.SearchQueries),
			)
			if err := e.cfg.Collector.DispatchFollowups(ctx, out.SearchQueries, attempt); err != nil {
				return nil, err
			}
			lastSupervision = "Zusätzliche Suche angefordert: " + strings.Join(out.SearchQueries, " | ")
			continue
		}

		merged, err := e.categorize(ctx, e.collapse(out))
		if err != nil {
			return nil, err
		}
		e.price(ctx, merged)

		if err := e.cfg.Token.Err(); err != nil {
			return nil, err
		}

		verdict, err := e.supervise(ctx, merged)
		if err != nil {
			return nil, err
		}

		lastTarget = merged
		lastSupervision = verdict
		failureCode = ""
		failureHint = ""

		ok, categoryReason := secondCategoryConsistent(merged)
		pass := strings.Contains(strings.ToLower(verdict), "pass") && ok
		if pass {
			success = true
			break
		}
		zap.L().Info("flow: supervisor requested another attempt",
			zap.String("item_id", e.cfg.ItemID),
			zap.Int("attempt", attempt),
			zap.Bool("category_pair_consistent", ok),
			zap.String("category_reason", categoryReason),
			zap.String("verdict_snippet", truncate(verdict, 200)),
		)
		attempt++
		cycles = 0
	}

	if lastTarget == nil {
		switch failureCode {
		case CodeInvalidJSON:
			return nil, NewError(CodeInvalidJSON, "model never returned valid JSON")
		case CodeSchemaFailed:
			return nil, NewError(CodeSchemaFailed, "model output failed schema validation after retries")
		case CodeTooManySearchRequests:
			return nil, NewError(CodeTooManySearchRequests, "model exceeded the allowed follow-up search requests")
		default:
			return nil, NewError(CodeExtractionFailed, "model failed to produce a valid record")
		}
	}

	if success {
		zap.L().Info("flow: extraction succeeded",
			zap.String("item_id", e.cfg.ItemID),
			zap.Int("attempt", attempt),
		)
	}
	return &model.ExtractionResult{
		Success:           success,
		Data:              lastTarget,
		SupervisorVerdict: lastSupervision,
		Sources:           e.cfg.Collector.Sources(),
	}, nil
}

// categorize merges the categorizer's assignments and re-validates the
// record. A merge that breaks validation is fatal.
func (e *Extractor) categorize(ctx context.Context, candidate *model.Target) (*model.Target, error) {
	assignments, err := e.cfg.Categorizer.Categorize(ctx, candidate, e.cfg.ReviewerNotes)
	if err != nil {
		if _, ok := AsFlowError(err); ok {
			return nil, err
		}
		return nil, WrapError(CodeCategorizerFailed, err, "categorizer stage")
	}
	if len(assignments) == 0 {
		return candidate, nil
	}
	merged := ApplyAssignments(candidate, assignments)
	if err := ValidateTarget(merged); err != nil {
		return nil, WrapError(CodeCategorizerMerge, err, "categorizer merge produced an invalid record")
	}
	return merged, nil
}

// price fills in a missing sales price. Pricing never fails the run.
func (e *Extractor) price(ctx context.Context, merged *model.Target) {
	if e.cfg.Pricing == nil || !e.cfg.Pricing.Enabled() {
		return
	}
	if merged.HasUsablePrice() {
		zap.L().Info("flow: pricing skipped, price already present",
			zap.String("item_id", e.cfg.ItemID),
		)
		return
	}
	decision := e.cfg.Pricing.ResolvePrice(ctx, merged, e.cfg.ReviewerNotes, e.cfg.Collector.AggregatedText())
	if decision == nil {
		return
	}
	price := decision.Price
	merged.Price = &price
}

func (e *Extractor) supervise(ctx context.Context, merged *model.Target) (string, error) {
	payload, err := json.Marshal(EncodeTarget(merged, true))
	if err != nil {
		zap.L().Warn("flow: supervisor payload serialization failed",
			zap.String("item_id", e.cfg.ItemID),
			zap.Error(err),
		)
		payload = []byte("{}")
	}

	chatModel := e.cfg.SupervisorModel
	if chatModel == "" {
		chatModel = e.cfg.Model
	}
	res, err := e.cfg.Chat.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     chatModel,
		MaxTokens: e.cfg.MaxTokens,
		System:    []anthropic.SystemBlock{{Text: supervisorPrompt}},
		Messages:  []anthropic.Message{{Role: "user", Content: string(payload)}},
	})
	if err != nil {
		return "", eris.Wrap(err, "flow: supervisor model call")
	}
	res.Usage.LogUsage(chatModel, "supervise")

	verdict := unwrapQuotedVerdict(res.Text())
	e.cfg.Transcript.Append("supervisor", string(payload), verdict)
	return verdict, nil
}

func (e *Extractor) systemPrompt() string {
	if e.cfg.SignalsHint == "" {
		return extractionPrompt
	}
	return extractionPrompt + "\n\n" + e.cfg.SignalsHint
}

// buildUserContent assembles the per-attempt user message: reviewer notes,
// the aggregated search context, the follow-up allowance hint, a retry
// summary after the first attempt, and a truncated target snapshot.
func (e *Extractor) buildUserContent(attempt int, snapshot, lastRaw, lastSupervision string, failureCode Code, failureHint string) string {
	var sections []string

	var reviewerLines []string
	if n := strings.TrimSpace(e.cfg.ReviewerNotes); n != "" {
		reviewerLines = append(reviewerLines, n)
	}
	if e.cfg.SkipSearch {
		reviewerLines = append(reviewerLines, "Die Suche wurde auf Wunsch der Prüfung übersprungen. Nutze vorrangig die vorhandenen Angaben.")
	}
	if len(reviewerLines) > 0 {
		sections = append(sections, "Hinweise aus der Prüfung:\n"+strings.Join(reviewerLines, "\n"))
	}

	searchContext := e.cfg.Collector.AggregatedText()
	if strings.TrimSpace(searchContext) == "" {
		searchContext = "Keine Suchergebnisse verfügbar."
	}
	sections = append(sections, "Aktueller Suchkontext:\n"+searchContext)

	if e.cfg.QueryLimit == 1 {
		sections = append(sections, `Fehlen Informationen? Fordere genau eine weitere Suche über "__searchQueries" an.`)
	} else {
		sections = append(sections, fmt.Sprintf(`Fehlen Informationen? Fordere bis zu %d weitere Suchen über "__searchQueries" an.`, e.cfg.QueryLimit))
	}

	if attempt > 1 {
		retry := []string{"Zusammenfassung des letzten Versuchs:"}
		if s := strings.TrimSpace(lastSupervision); s != "" {
			retry = append(retry, "Rückmeldung des Prüfers: "+truncate(s, retrySummaryMax))
		}
		switch failureCode {
		case CodeInvalidJSON:
			retry = append(retry, "Fehler: Die letzte Antwort war kein gültiges JSON ("+truncate(failureHint, retrySummaryMax)+").")
		case CodeSchemaFailed:
			retry = append(retry, "Fehler: "+truncate(failureHint, retrySummaryMax))
		}
		if r := strings.TrimSpace(lastRaw); r != "" {
			retry = append(retry, "Vorherige Rohausgabe:\n"+truncate(r, rawOutputRetryMax))
		}
		retry = append(retry, "Bisher erfasste Quellen:\n"+FormatSourcesForRetry(e.cfg.Collector.Sources()))
		sections = append(sections, strings.Join(retry, "\n"))
	}

	if snapshot != "" {
		sections = append(sections, "Momentaufnahme des Artikels (gekürzt):\n"+snapshot)
	}

	return strings.Join(sections, "\n\n")
}

// collapse turns a validated output into a target candidate, restoring the
// item number when the model did not echo the withheld field.
func (e *Extractor) collapse(out *model.Output) *model.Target {
	candidate := out.Collapse()
	if strings.TrimSpace(candidate.ItemNumber) == "" {
		candidate.ItemNumber = e.cfg.ItemID
	}
	return candidate
}

// targetSnapshot serializes the current target for grounding context. The
// item number is withheld from the model.
func (e *Extractor) targetSnapshot() string {
	encoded := EncodeTarget(e.cfg.Target, true)
	delete(encoded, model.FieldItemNumber)
	payload, err := json.MarshalIndent(encoded, "", "  ")
	if err != nil {
		zap.L().Warn("flow: target snapshot serialization failed",
			zap.String("item_id", e.cfg.ItemID),
			zap.Error(err),
		)
		return ""
	}
	return strings.TrimSpace(truncate(string(payload), targetSnapshotMax))
}

// stripThinking drops a leading reasoning block. When the closing marker
// cannot be located the full raw text is kept, never discarded.
func stripThinking(raw, itemID string, attempt int) string {
	lower := strings.ToLower(raw)
	open := strings.Index(lower, "<think>")
	if open < 0 {
		return raw
	}
	end := strings.Index(lower, "</think>")
	if end < 0 || end < open {
		zap.L().Debug("flow: thinking block not terminated, keeping raw output",
			zap.String("item_id", itemID),
			zap.Int("attempt", attempt),
		)
		return raw
	}
	return strings.TrimSpace(raw[end+len("</think>"):])
}

// unwrapQuotedVerdict unwraps a supervisor response delivered as a JSON
// string or wrapped in shell-style quotes.
func unwrapQuotedVerdict(s string) string {
	s = strings.TrimSpace(s)
	if len(s) < 2 {
		return s
	}
	first, last := s[0], s[len(s)-1]
	if first == '"' && last == '"' {
		var unquoted string
		if err := json.Unmarshal([]byte(s), &unquoted); err == nil {
			return strings.TrimSpace(unquoted)
		}
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	if first == '\'' && last == '\'' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// secondCategoryConsistent enforces that a second category pair, when
// present, is complete and differs from the first pair.
func secondCategoryConsistent(t *model.Target) (bool, string) {
	if t.MainCategoryB == nil && t.SubCategoryB == nil {
		return true, "second category not set"
	}
	if t.MainCategoryB == nil || t.SubCategoryB == nil {
		return false, "second category pair incomplete"
	}
	if t.MainCategoryA != nil && *t.MainCategoryA == *t.MainCategoryB {
		return false, "second main category equals the first"
	}
	if t.SubCategoryA != nil && *t.SubCategoryA == *t.SubCategoryB {
		return false, "second subcategory equals the first"
	}
	return true, "second category pair consistent"
}
