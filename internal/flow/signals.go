package flow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/sells-group/item-flow/internal/model"
)

// Full-window trigger baselines per review field. At the target window of
// 10 samples the threshold equals the baseline; smaller samples scale it.
const (
	baselineBadFormat             = 3
	baselineWrongInformation      = 3
	baselineWrongPhysicalDims     = 2
	baselineMissingSpec           = 2
	baselineInformationPresentLow = 4
)

// topMissingSpecCount bounds the reported missing-spec keys.
const topMissingSpecCount = 5

// ReviewHistory is the review-history accessor keyed by subcategory.
type ReviewHistory interface {
	RecentReviewsBySubcategory(ctx context.Context, subcategory, limit int) ([]model.ReviewEntry, error)
}

// SignalThreshold scales a full-window baseline down to the actual sample
// size: max(1, ceil(baseline/10 x sampleSize)).
func SignalThreshold(baseline, sampleSize int) int {
	scaled := int(math.Ceil(float64(baseline) / float64(model.ReviewSignalWindow) * float64(sampleSize)))
	if scaled < 1 {
		return 1
	}
	return scaled
}

// ComputeReviewSignals aggregates a recent-history sample into per-field
// statistics and trigger flags. An empty sample yields zeroed signals
// flagged low confidence.
func ComputeReviewSignals(entries []model.ReviewEntry) model.ReviewAutomationSignals {
	sample := len(entries)
	signals := model.ReviewAutomationSignals{
		SampleSize:    sample,
		LowConfidence: sample < model.ReviewSignalWindow,
	}
	if sample == 0 {
		return signals
	}

	var badFormat, wrongInfo, wrongDims, infoLow, missingSpec int
	folder := cases.Fold()
	missingCounts := make(map[string]int)
	missingCasing := make(map[string]string)

	for _, e := range entries {
		if e.BadFormat {
			badFormat++
		}
		if e.WrongInformation {
			wrongInfo++
		}
		if e.WrongPhysicalDims {
			wrongDims++
		}
		if e.InformationPresentLow {
			infoLow++
		}

		seen := make(map[string]bool)
		for _, key := range e.MissingSpecs {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			folded := folder.String(key)
			if seen[folded] {
				continue
			}
			seen[folded] = true
			missingCounts[folded]++
			if _, ok := missingCasing[folded]; !ok {
				missingCasing[folded] = key
			}
		}
		if len(seen) > 0 {
			missingSpec++
		}
	}

	signals.BadFormat = fieldSignal(badFormat, sample, baselineBadFormat)
	signals.WrongInformation = fieldSignal(wrongInfo, sample, baselineWrongInformation)
	signals.WrongPhysicalDims = fieldSignal(wrongDims, sample, baselineWrongPhysicalDims)
	signals.InformationPresentLow = fieldSignal(infoLow, sample, baselineInformationPresentLow)
	signals.TopMissingSpecs = topMissingSpecs(missingCounts, missingCasing, sample)

	// The missing-spec trigger follows the single most frequent key, not the
	// number of entries reporting any gap.
	signals.MissingSpec = fieldSignal(missingSpec, sample, baselineMissingSpec)
	topCount := 0
	if len(signals.TopMissingSpecs) > 0 {
		topCount = signals.TopMissingSpecs[0].Count
	}
	signals.MissingSpec.Trigger = topCount >= SignalThreshold(baselineMissingSpec, sample)

	return signals
}

func fieldSignal(count, sample, baseline int) model.FieldSignal {
	return model.FieldSignal{
		Count:      count,
		Percentage: roundPct(count, sample),
		Trigger:    count >= SignalThreshold(baseline, sample),
	}
}

func topMissingSpecs(counts map[string]int, casing map[string]string, sample int) []model.MissingSpecSignal {
	out := make([]model.MissingSpecSignal, 0, len(counts))
	for folded, count := range counts {
		out = append(out, model.MissingSpecSignal{
			Key:        casing[folded],
			Count:      count,
			Percentage: roundPct(count, sample),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > topMissingSpecCount {
		out = out[:topMissingSpecCount]
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func roundPct(count, sample int) float64 {
	if sample == 0 {
		return 0
	}
	return math.Round(float64(count)/float64(sample)*1000) / 10
}

// LoadSubcategorySignals fetches the recent window for the target's
// subcategory and aggregates it. A missing subcategory or a failed load
// degrades to zeroed low-confidence signals.
func LoadSubcategorySignals(ctx context.Context, history ReviewHistory, subcategory *int) model.ReviewAutomationSignals {
	if history == nil || subcategory == nil {
		return model.ReviewAutomationSignals{LowConfidence: true}
	}

	entries, err := history.RecentReviewsBySubcategory(ctx, *subcategory, model.ReviewSignalWindow)
	if err != nil {
		zap.L().Warn("signals: review history load failed",
			zap.Int("subcategory", *subcategory),
			zap.Error(err),
		)
		return model.ReviewAutomationSignals{LowConfidence: true}
	}
	return ComputeReviewSignals(entries)
}

// RenderSignalsHint formats triggered signals for prompt injection.
// Nothing triggered renders to an empty string.
func RenderSignalsHint(signals model.ReviewAutomationSignals) string {
	var lines []string
	add := func(trigger bool, text string) {
		if trigger {
			lines = append(lines, "- "+text)
		}
	}
	add(signals.BadFormat.Trigger, "Formatfehler häufen sich; halte dich strikt an das geforderte JSON-Format.")
	add(signals.WrongInformation.Trigger, "Falsche Angaben häufen sich; übernimm nur belegte Fakten aus den Quellen.")
	add(signals.WrongPhysicalDims.Trigger, "Abmessungen waren zuletzt oft falsch; prüfe Länge, Breite, Höhe und Gewicht besonders sorgfältig.")
	add(signals.MissingSpec.Trigger, "Es fehlen häufig Spezifikationen; fülle die Spezifikationen so vollständig wie möglich.")
	add(signals.InformationPresentLow.Trigger, "Vorhandene Informationen wurden zuletzt oft nicht übernommen; werte die Quellen vollständig aus.")

	if len(signals.TopMissingSpecs) > 0 {
		keys := make([]string, 0, len(signals.TopMissingSpecs))
		for _, m := range signals.TopMissingSpecs {
			keys = append(keys, fmt.Sprintf("%s (%dx)", m.Key, m.Count))
		}
		lines = append(lines, "- Häufig fehlende Spezifikationen: "+strings.Join(keys, ", "))
	}

	if len(lines) == 0 {
		return ""
	}
	header := "Hinweise aus der Qualitätsprüfung:"
	if signals.LowConfidence {
		header += " (kleine Stichprobe)"
	}
	return header + "\n" + strings.Join(lines, "\n")
}
