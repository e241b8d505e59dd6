package flow

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/item-flow/internal/model"
)

// legacyIdentifierKeys are stripped from incoming records; the item number
// is the only identifier the engine works with.
var legacyIdentifierKeys = []string{"itemUUid", "itemId", "id"}

// ParseLocalizedNumber coerces a localized numeric value. Strings strip
// everything but digits and separators; when comma and dot both appear the
// rightmost one is the decimal point. A string with no digits left is
// missing, not an error. Only structurally wrong values (objects, lists)
// return an error.
func ParseLocalizedNumber(v any) (*float64, error) {
	switch n := v.(type) {
	case nil:
		return nil, nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, eris.New("flow: non-finite number")
		}
		return &n, nil
	case int:
		f := float64(n)
		return &f, nil
	case string:
		return parseLocalizedNumberString(n)
	default:
		return nil, eris.Errorf("flow: expected number or string, got %T", v)
	}
}

func parseLocalizedNumberString(s string) (*float64, error) {
	s = strings.ReplaceAll(s, " ", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}

	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == ',' || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()

	negative := strings.HasPrefix(cleaned, "-")
	cleaned = strings.ReplaceAll(cleaned, "-", "")
	if !strings.ContainsAny(cleaned, "0123456789") {
		return nil, nil
	}

	lastComma := strings.LastIndex(cleaned, ",")
	lastDot := strings.LastIndex(cleaned, ".")
	decimal := lastComma
	if lastDot > lastComma {
		decimal = lastDot
	}

	if decimal >= 0 {
		intPart := strings.Map(dropSeparators, cleaned[:decimal])
		fracPart := strings.Map(dropSeparators, cleaned[decimal+1:])
		cleaned = intPart + "." + fracPart
	}

	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil, nil
	}
	if negative {
		f = -f
	}
	return &f, nil
}

func dropSeparators(r rune) rune {
	if r == ',' || r == '.' {
		return -1
	}
	return r
}

// parseCategoryCode coerces a taxonomy code value to a positive int.
// Returns (nil, nil) for null, an error for unusable shapes.
func parseCategoryCode(v any) (*int, error) {
	f, err := ParseLocalizedNumber(v)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	n := int(*f)
	if float64(n) != *f {
		return nil, eris.Errorf("flow: category code %v is not an integer", *f)
	}
	return &n, nil
}

// DecodeOutput validates a parsed model object against the item contract.
// Unknown fields pass through untouched; follow-up queries are capped at
// queryLimit with the excess discarded and logged.
func DecodeOutput(raw map[string]any, queryLimit int) (*model.Output, error) {
	rec := normalizeRecord(raw)

	var issues []string
	out := &model.Output{}

	// The item number is withheld from the prompt, so the model may not echo
	// it back. The stored target keeps the authoritative value.
	out.ItemNumber = stringField(rec, model.FieldItemNumber)
	out.Description = stringField(rec, model.FieldDescription)
	if strings.TrimSpace(out.Description) == "" {
		issues = append(issues, model.FieldDescription+" is required")
	}
	out.ShortDescription = stringField(rec, model.FieldShortDescription)
	out.Manufacturer = stringField(rec, model.FieldManufacturer)
	out.ReviewNotes = stringField(rec, model.FieldReviewNotes)

	for _, field := range model.NumericFields {
		v, ok := rec[field]
		if !ok {
			continue
		}
		f, err := ParseLocalizedNumber(v)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %s", field, err.Error()))
			continue
		}
		switch field {
		case model.FieldPrice:
			out.Price = f
		case model.FieldLengthMM:
			out.LengthMM = f
		case model.FieldWidthMM:
			out.WidthMM = f
		case model.FieldHeightMM:
			out.HeightMM = f
		case model.FieldWeightKG:
			out.WeightKG = f
		}
	}

	for _, field := range model.CategoryFields {
		v, ok := rec[field]
		if !ok {
			continue
		}
		code, err := parseCategoryCode(v)
		if err != nil {
			issues = append(issues, fmt.Sprintf("%s: %s", field, err.Error()))
			continue
		}
		*out.Category(field) = code
	}

	if lt, ok := rec[model.FieldLongText]; ok {
		m, err := decodeLongText(lt)
		if err != nil {
			issues = append(issues, err.Error())
		} else {
			out.LongText = m
		}
	}

	out.Locked = stringList(rec[model.FieldLocked])
	out.SearchQueries = decodeSearchQueries(rec[model.FieldSearchQueries], queryLimit)
	out.Sources = decodeSources(rec[model.FieldSources])
	out.ConfidenceNote = stringField(rec, model.FieldConfidenceNote)

	if c, ok := rec[model.FieldConfidence]; ok && c != nil {
		f, err := ParseLocalizedNumber(c)
		if err == nil && f != nil && *f >= 0 && *f <= 1 {
			out.Confidence = f
		} else {
			zap.L().Warn("schema: dropping out-of-range confidence", zap.Any("value", c))
		}
	}

	out.Extra = collectExtras(rec)

	if len(issues) > 0 {
		return nil, eris.New("flow: schema validation failed: " + strings.Join(issues, "; "))
	}
	return out, nil
}

// normalizeRecord applies the boundary rules before validation: the
// LLM-facing Spezifikationen key maps back to Langtext, and legacy
// identifier keys are dropped.
func normalizeRecord(raw map[string]any) map[string]any {
	rec := make(map[string]any, len(raw))
	for k, v := range raw {
		rec[k] = v
	}
	if v, ok := rec[model.FieldSpecifications]; ok {
		if _, has := rec[model.FieldLongText]; !has {
			rec[model.FieldLongText] = v
		}
		delete(rec, model.FieldSpecifications)
	}
	for _, k := range legacyIdentifierKeys {
		delete(rec, k)
	}
	return rec
}

func decodeLongText(v any) (model.LongText, error) {
	switch lt := v.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(lt) == "" {
			return nil, nil
		}
		return model.LongText{"Beschreibung": lt}, nil
	case map[string]any:
		out := make(model.LongText, len(lt))
		for k, val := range lt {
			switch entry := val.(type) {
			case string:
				out[k] = entry
			case []any:
				list := make([]string, 0, len(entry))
				for _, e := range entry {
					if s, ok := e.(string); ok {
						list = append(list, s)
					} else {
						list = append(list, fmt.Sprintf("%v", e))
					}
				}
				out[k] = list
			case nil:
				// dropped
			default:
				out[k] = fmt.Sprintf("%v", entry)
			}
		}
		return out, nil
	default:
		return nil, eris.Errorf("flow: %s must be text or a map, got %T", model.FieldLongText, v)
	}
}

func decodeSearchQueries(v any, limit int) []string {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return nil
	}

	queries := make([]string, 0, len(list))
	for _, e := range list {
		s, ok := e.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if s == "" || len(s) > 512 {
			continue
		}
		queries = append(queries, s)
	}

	if limit > 0 && len(queries) > limit {
		zap.L().Warn("schema: discarding excess follow-up queries",
			zap.Int("requested", len(queries)),
			zap.Int("allowed", limit),
		)
		queries = queries[:limit]
	}
	return queries
}

func decodeSources(v any) []model.Source {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]model.Source, 0, len(list))
	for _, e := range list {
		switch src := e.(type) {
		case string:
			if s := strings.TrimSpace(src); s != "" {
				out = append(out, model.Source{URL: s})
			}
		case map[string]any:
			out = append(out, model.Source{
				Title:       stringField(src, "title"),
				URL:         stringField(src, "url"),
				Description: stringField(src, "description"),
			})
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// collectExtras returns every key not handled by the core contract.
func collectExtras(rec map[string]any) map[string]any {
	known := map[string]bool{
		model.FieldItemNumber:       true,
		model.FieldDescription:      true,
		model.FieldPrice:            true,
		model.FieldShortDescription: true,
		model.FieldLongText:         true,
		model.FieldManufacturer:     true,
		model.FieldLengthMM:         true,
		model.FieldWidthMM:          true,
		model.FieldHeightMM:         true,
		model.FieldWeightKG:         true,
		model.FieldMainCategoryA:    true,
		model.FieldSubCategoryA:     true,
		model.FieldMainCategoryB:    true,
		model.FieldSubCategoryB:     true,
		model.FieldReviewNotes:      true,
		model.FieldLocked:           true,
		model.FieldSearchQueries:    true,
		model.FieldSources:          true,
		model.FieldConfidence:       true,
		model.FieldConfidenceNote:   true,
	}
	var extras map[string]any
	for k, v := range rec {
		if known[k] {
			continue
		}
		if extras == nil {
			extras = make(map[string]any)
		}
		extras[k] = v
	}
	return extras
}

// EncodeTarget renders a Target back to its wire form. When llmFacing is
// set the Langtext key is renamed Spezifikationen.
func EncodeTarget(t *model.Target, llmFacing bool) map[string]any {
	out := make(map[string]any)
	for k, v := range t.Extra {
		out[k] = v
	}

	out[model.FieldItemNumber] = t.ItemNumber
	out[model.FieldDescription] = t.Description
	putString(out, model.FieldShortDescription, t.ShortDescription)
	putString(out, model.FieldManufacturer, t.Manufacturer)
	putString(out, model.FieldReviewNotes, t.ReviewNotes)
	putFloat(out, model.FieldPrice, t.Price)
	putFloat(out, model.FieldLengthMM, t.LengthMM)
	putFloat(out, model.FieldWidthMM, t.WidthMM)
	putFloat(out, model.FieldHeightMM, t.HeightMM)
	putFloat(out, model.FieldWeightKG, t.WeightKG)
	putInt(out, model.FieldMainCategoryA, t.MainCategoryA)
	putInt(out, model.FieldSubCategoryA, t.SubCategoryA)
	putInt(out, model.FieldMainCategoryB, t.MainCategoryB)
	putInt(out, model.FieldSubCategoryB, t.SubCategoryB)

	if len(t.LongText) > 0 {
		key := model.FieldLongText
		if llmFacing {
			key = model.FieldSpecifications
		}
		out[key] = map[string]any(t.LongText)
	}
	if len(t.Locked) > 0 {
		out[model.FieldLocked] = t.Locked
	}
	return out
}

// ValidateTarget enforces the preconditions for starting a run.
func ValidateTarget(t *model.Target) error {
	if t == nil || strings.TrimSpace(t.ItemNumber) == "" || strings.TrimSpace(t.Description) == "" {
		return NewError(CodeInvalidTarget, "item number and description are required")
	}
	return nil
}

func stringField(rec map[string]any, key string) string {
	if v, ok := rec[key]; ok {
		switch s := v.(type) {
		case string:
			return s
		case float64, int, bool:
			return fmt.Sprintf("%v", s)
		}
	}
	return ""
}

func stringList(v any) []string {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.(string); ok && strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func putString(out map[string]any, key, v string) {
	if v != "" {
		out[key] = v
	}
}

func putFloat(out map[string]any, key string, v *float64) {
	if v != nil {
		out[key] = *v
	}
}

func putInt(out map[string]any, key string, v *int) {
	if v != nil {
		out[key] = *v
	}
}
