package model

import (
	"strings"
)

// Canonical JSON field names of the inventory system. The upstream catalog
// speaks German; these constants keep the spelling in one place.
const (
	FieldItemNumber       = "Artikel_Nummer"
	FieldDescription      = "Artikelbeschreibung"
	FieldPrice            = "Verkaufspreis"
	FieldShortDescription = "Kurzbeschreibung"
	FieldLongText         = "Langtext"
	FieldSpecifications   = "Spezifikationen"
	FieldManufacturer     = "Hersteller"
	FieldLengthMM         = "Länge_mm"
	FieldWidthMM          = "Breite_mm"
	FieldHeightMM         = "Höhe_mm"
	FieldWeightKG         = "Gewicht_kg"
	FieldMainCategoryA    = "Hauptkategorien_A"
	FieldSubCategoryA     = "Unterkategorien_A"
	FieldMainCategoryB    = "Hauptkategorien_B"
	FieldSubCategoryB     = "Unterkategorien_B"
	FieldReviewNotes      = "reviewNotes"
	FieldLocked           = "__locked"
	FieldSearchQueries    = "__searchQueries"
	FieldSources          = "sources"
	FieldConfidence       = "confidence"
	FieldConfidenceNote   = "confidenceNote"
)

// CategoryFields lists the taxonomy code fields in pair order.
var CategoryFields = []string{
	FieldMainCategoryA, FieldSubCategoryA,
	FieldMainCategoryB, FieldSubCategoryB,
}

// NumericFields lists the fields coerced from localized text on decode.
var NumericFields = []string{
	FieldPrice, FieldLengthMM, FieldWidthMM, FieldHeightMM, FieldWeightKG,
}

// LongText maps a specification name to a string or a list of strings.
type LongText map[string]any

// Target is the canonical item record under enrichment.
type Target struct {
	ItemNumber       string
	Description      string
	Price            *float64
	ShortDescription string
	LongText         LongText
	Manufacturer     string
	LengthMM         *float64
	WidthMM          *float64
	HeightMM         *float64
	WeightKG         *float64
	MainCategoryA    *int
	SubCategoryA     *int
	MainCategoryB    *int
	SubCategoryB     *int
	ReviewNotes      string
	Locked           []string

	// Extra carries unknown passthrough fields untouched.
	Extra map[string]any
}

// IsLocked reports whether a field name appears in the locked list.
func (t *Target) IsLocked(field string) bool {
	for _, l := range t.Locked {
		if strings.EqualFold(strings.TrimSpace(l), field) {
			return true
		}
	}
	return false
}

// HasUsablePrice reports whether the sale price is set and strictly positive.
func (t *Target) HasUsablePrice() bool {
	return t.Price != nil && *t.Price > 0
}

// Category returns a pointer to the named taxonomy field, or nil for an
// unknown name.
func (t *Target) Category(field string) **int {
	switch field {
	case FieldMainCategoryA:
		return &t.MainCategoryA
	case FieldSubCategoryA:
		return &t.SubCategoryA
	case FieldMainCategoryB:
		return &t.MainCategoryB
	case FieldSubCategoryB:
		return &t.SubCategoryB
	}
	return nil
}

// Clone returns a deep copy of the target.
func (t *Target) Clone() *Target {
	out := *t
	out.Price = cloneFloat(t.Price)
	out.LengthMM = cloneFloat(t.LengthMM)
	out.WidthMM = cloneFloat(t.WidthMM)
	out.HeightMM = cloneFloat(t.HeightMM)
	out.WeightKG = cloneFloat(t.WeightKG)
	out.MainCategoryA = cloneInt(t.MainCategoryA)
	out.SubCategoryA = cloneInt(t.SubCategoryA)
	out.MainCategoryB = cloneInt(t.MainCategoryB)
	out.SubCategoryB = cloneInt(t.SubCategoryB)
	out.Locked = append([]string(nil), t.Locked...)
	if t.LongText != nil {
		out.LongText = make(LongText, len(t.LongText))
		for k, v := range t.LongText {
			if list, ok := v.([]string); ok {
				out.LongText[k] = append([]string(nil), list...)
				continue
			}
			out.LongText[k] = v
		}
	}
	if t.Extra != nil {
		out.Extra = make(map[string]any, len(t.Extra))
		for k, v := range t.Extra {
			out.Extra[k] = v
		}
	}
	return &out
}

// Output is a Target plus fields that are only meaningful while talking to
// the model. It is never persisted as-is; Collapse drops the transient parts.
type Output struct {
	Target
	SearchQueries  []string
	Sources        []Source
	Confidence     *float64
	ConfidenceNote string
}

// Collapse returns the plain Target once follow-up queries are resolved.
func (o *Output) Collapse() *Target {
	return o.Target.Clone()
}

// Source is a single search or catalog result.
type Source struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Key returns the dedupe identity: the URL when present, otherwise
// title plus description.
func (s Source) Key() string {
	if u := strings.TrimSpace(s.URL); u != "" {
		return u
	}
	return strings.TrimSpace(s.Title) + "|" + strings.TrimSpace(s.Description)
}

// SearchContext holds the outcome of one issued search query. Immutable
// after creation.
type SearchContext struct {
	Query   string
	Text    string
	Sources []Source
}

// ExtractionResult is the terminal product of the extraction attempt loop.
type ExtractionResult struct {
	Success           bool
	Data              *Target
	SupervisorVerdict string
	Sources           []Source
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}
