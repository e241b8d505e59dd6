package flow

import (
	"context"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
	"github.com/sells-group/item-flow/internal/taxonomy"
	"github.com/sells-group/item-flow/pkg/anthropic"
)

const categorizerPrompt = `Du bist ein Kategorisierungs-Assistent für einen Gebrauchtwaren-Katalog.
Ordne dem folgenden Artikel bis zu zwei Kategorie-Paare aus der Referenz zu.
Antworte ausschließlich mit einem JSON-Objekt mit den Feldern
Hauptkategorien_A, Unterkategorien_A, Hauptkategorien_B und Unterkategorien_B.
Verwende null, wenn kein passender Code existiert. Erfinde keine Codes.`

// categoryCodeRe extracts the first embedded 2-5 digit run from a string
// valued code.
var categoryCodeRe = regexp.MustCompile(`(-?\d{2,5})`)

// categoryAliases maps the tolerated single-pair response naming onto the
// canonical pair-A fields.
var categoryAliases = map[string]string{
	"Hauptkategorien": model.FieldMainCategoryA,
	"Unterkategorien": model.FieldSubCategoryA,
}

// Categorizer assigns taxonomy code pairs to a candidate record.
type Categorizer struct {
	chat       anthropic.Client
	ref        *taxonomy.Reference
	model      string
	maxTokens  int64
	transcript *Transcript
}

// NewCategorizer wires a categorizer stage. The reference document must
// already be loaded; a nil reference fails every call.
func NewCategorizer(chat anthropic.Client, ref *taxonomy.Reference, chatModel string, maxTokens int64, transcript *Transcript) *Categorizer {
	return &Categorizer{chat: chat, ref: ref, model: chatModel, maxTokens: maxTokens, transcript: transcript}
}

// Categorize sends the candidate to the model and returns the category
// assignments to merge. A key maps to nil for an explicit null. Field-level
// anomalies are logged and skipped, never fail the stage.
func (c *Categorizer) Categorize(ctx context.Context, candidate *model.Target, reviewerNotes string) (map[string]*int, error) {
	if c.ref == nil {
		return nil, NewError(CodeCategorizerReference, "taxonomy reference is not loaded")
	}

	payload, err := json.MarshalIndent(EncodeTarget(candidate, true), "", "  ")
	if err != nil {
		return nil, WrapError(CodeCategorizerPayload, err, "serialize candidate")
	}

	var prompt strings.Builder
	prompt.WriteString(categorizerPrompt)
	prompt.WriteString("\n\nArtikel:\n")
	prompt.Write(payload)
	if n := strings.TrimSpace(reviewerNotes); n != "" {
		prompt.WriteString("\n\nHinweise aus der Prüfung:\n")
		prompt.WriteString(n)
	}

	resp, err := c.chat.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    anthropic.BuildCachedSystemBlocks(c.ref.RenderPrompt()),
		Messages:  []anthropic.Message{{Role: "user", Content: prompt.String()}},
	})
	if err != nil {
		return nil, WrapError(CodeCategorizerInvoke, err, "categorizer model call")
	}
	resp.Usage.LogUsage(c.model, "categorize")

	raw := resp.Text()
	c.transcript.Append("categorizer", map[string]any{"item": candidate.ItemNumber}, raw)

	parsed, candidateText, actions, err := ParseJSONObject(raw)
	if err != nil {
		zap.L().Warn("categorize: response is not valid json",
			zap.String("item_id", candidate.ItemNumber),
			zap.Strings("sanitize_actions", actions),
			zap.String("candidate", truncate(candidateText, 300)),
		)
		return nil, WrapError(CodeCategorizerInvalidJSON, err, "parse categorizer response")
	}

	rec := unwrapCategorizerRecord(parsed)
	if rec == nil {
		return nil, NewError(CodeCategorizerSchema, "categorizer response carries no category fields")
	}

	return c.collectAssignments(candidate, rec), nil
}

// unwrapCategorizerRecord tolerates a nested {item: ...} wrapper and the
// single-pair alias naming.
func unwrapCategorizerRecord(parsed map[string]any) map[string]any {
	rec := parsed
	if inner, ok := parsed["item"].(map[string]any); ok {
		rec = inner
	}

	out := make(map[string]any)
	for alias, canonical := range categoryAliases {
		if v, ok := rec[alias]; ok {
			if _, has := rec[canonical]; !has {
				out[canonical] = v
			}
		}
	}
	for _, field := range model.CategoryFields {
		if v, ok := rec[field]; ok {
			out[field] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// collectAssignments applies the write rules per field: locked fields are
// skipped, a null over an existing number is a no-op, non-positive codes
// are rejected, unparseable values leave the field unchanged.
func (c *Categorizer) collectAssignments(target *model.Target, rec map[string]any) map[string]*int {
	assignments := make(map[string]*int)
	log := zap.L().With(zap.String("item_id", target.ItemNumber))

	for _, field := range model.CategoryFields {
		v, ok := rec[field]
		if !ok {
			continue
		}

		if target.IsLocked(field) {
			log.Info("categorize: skipping locked field", zap.String("field", field))
			continue
		}

		code, parsed := extractNumericCode(v)
		if !parsed {
			log.Warn("categorize: unparseable category value",
				zap.String("field", field),
				zap.Any("value", v),
			)
			continue
		}

		if code == nil {
			if *target.Category(field) != nil {
				log.Info("categorize: ignoring null over existing code", zap.String("field", field))
				continue
			}
			assignments[field] = nil
			continue
		}

		if *code <= 0 {
			log.Warn("categorize: rejecting non-positive code",
				zap.String("field", field),
				zap.Int("code", *code),
			)
			continue
		}

		assignments[field] = code
	}

	return assignments
}

// extractNumericCode coerces a category value. The second return is false
// when the value is present but unusable (caller skips the field); an
// explicit null returns (nil, true).
func extractNumericCode(v any) (*int, bool) {
	switch code := v.(type) {
	case nil:
		return nil, true
	case float64:
		n := int(code)
		if float64(n) != code {
			return nil, false
		}
		return &n, true
	case int:
		n := code
		return &n, true
	case string:
		match := categoryCodeRe.FindString(code)
		if match == "" {
			return nil, false
		}
		n, err := strconv.Atoi(match)
		if err != nil {
			return nil, false
		}
		return &n, true
	default:
		return nil, false
	}
}

// ApplyAssignments writes category assignments onto a copy of the target.
func ApplyAssignments(target *model.Target, assignments map[string]*int) *model.Target {
	out := target.Clone()
	for field, code := range assignments {
		slot := out.Category(field)
		if slot == nil {
			continue
		}
		*slot = code
	}
	return out
}
