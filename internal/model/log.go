package model

import "time"

// RequestLog is one persisted result notification. A row is written
// before the result callback fires and updated once the callback
// succeeds or fails, so delivery can be audited and retried.
type RequestLog struct {
	ID                    string         `json:"id"`
	ItemID                string         `json:"item_id"`
	Search                string         `json:"search"`
	Status                ResultStatus   `json:"status"`
	Error                 *string        `json:"error,omitempty"`
	Payload               *ResultPayload `json:"payload,omitempty"`
	NotifiedAt            *time.Time     `json:"notified_at,omitempty"`
	LastNotificationError string         `json:"last_notification_error,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

// Notified reports whether the result callback for this log entry has
// been delivered.
func (l RequestLog) Notified() bool {
	return l.NotifiedAt != nil
}
