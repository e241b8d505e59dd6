package model

import "time"

// ReviewSignalWindow is the target sample size for review automation
// signals. Samples below the window are flagged low confidence.
const ReviewSignalWindow = 10

// ReviewEntry is one stored human-review outcome for an item.
type ReviewEntry struct {
	ID                    string    `json:"id"`
	ItemID                string    `json:"item_id"`
	Subcategory           int       `json:"subcategory"`
	BadFormat             bool      `json:"bad_format"`
	WrongInformation      bool      `json:"wrong_information"`
	WrongPhysicalDims     bool      `json:"wrong_physical_dimensions"`
	InformationPresentLow bool      `json:"information_present_low"`
	MissingSpecs          []string  `json:"missing_specs"`
	ReviewedAt            time.Time `json:"reviewed_at"`
}

// FieldSignal is the per-field statistic over the sampled window.
type FieldSignal struct {
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
	Trigger    bool    `json:"trigger"`
}

// MissingSpecSignal is one of the top missing-spec keys with its frequency.
type MissingSpecSignal struct {
	Key        string  `json:"key"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ReviewAutomationSignals aggregates recent review history for one
// subcategory. It feeds prompt construction, nothing else.
type ReviewAutomationSignals struct {
	SampleSize            int                 `json:"sample_size"`
	LowConfidence         bool                `json:"low_confidence"`
	BadFormat             FieldSignal         `json:"bad_format"`
	WrongInformation      FieldSignal         `json:"wrong_information"`
	WrongPhysicalDims     FieldSignal         `json:"wrong_physical_dimensions"`
	MissingSpec           FieldSignal         `json:"missing_spec"`
	InformationPresentLow FieldSignal         `json:"information_present_low"`
	TopMissingSpecs       []MissingSpecSignal `json:"top_missing_specs"`
}
