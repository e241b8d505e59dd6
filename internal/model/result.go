package model

// ResultStatus classifies the final callback payload.
type ResultStatus string

const (
	ResultStatusCompleted   ResultStatus = "completed"
	ResultStatusNeedsReview ResultStatus = "needs_review"
	ResultStatusFailed      ResultStatus = "failed"
)

// ReviewDecision is the supervisor's verdict carried on the payload.
type ReviewDecision string

const (
	ReviewDecisionApproved         ReviewDecision = "approved"
	ReviewDecisionChangesRequested ReviewDecision = "changes_requested"
)

// Reviewer identities and the default acting principal.
const (
	ReviewerSupervisor      = "supervisor-agent"
	ReviewerCatalogShortcut = "shopware-shortcut"
	DefaultActor            = "item-flow-service"
)

// ResultPayload is the final payload persisted and forwarded to the
// inventory system once a run finishes.
type ResultPayload struct {
	ItemID         string         `json:"itemId"`
	Status         ResultStatus   `json:"status"`
	Error          *string        `json:"error"`
	NeedsReview    bool           `json:"needsReview"`
	Summary        string         `json:"summary"`
	ReviewDecision ReviewDecision `json:"reviewDecision"`
	ReviewNotes    string         `json:"reviewNotes"`
	ReviewedBy     string         `json:"reviewedBy"`
	Actor          string         `json:"actor"`
	Item           map[string]any `json:"item"`
}
