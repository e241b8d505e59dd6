package store

import (
	"context"
	"strings"

	"github.com/sells-group/item-flow/internal/model"
)

// LogFilter specifies criteria for listing request logs.
type LogFilter struct {
	ItemID string             `json:"item_id,omitempty"`
	Status model.ResultStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}

// Store defines the persistence interface for the item flow.
type Store interface {
	// Request logs / notifications
	SaveRequestPayload(ctx context.Context, itemID, search string, payload *model.ResultPayload) (*model.RequestLog, error)
	MarkNotificationSuccess(ctx context.Context, itemID string) error
	MarkNotificationFailure(ctx context.Context, itemID string, cause error) error
	PendingNotifications(ctx context.Context, limit int) ([]model.RequestLog, error)
	ListRequestLogs(ctx context.Context, filter LogFilter) ([]model.RequestLog, error)

	// Review history
	AppendReviewEntry(ctx context.Context, entry model.ReviewEntry) error
	RecentReviewsBySubcategory(ctx context.Context, subcategory int, limit int) ([]model.ReviewEntry, error)

	// Items
	GetItem(ctx context.Context, itemID string) (map[string]any, error)
	SaveItem(ctx context.Context, itemID string, record map[string]any) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Open selects a driver from the DSN. Postgres URLs get the pgx pool,
// everything else is treated as a SQLite path or DSN.
func Open(ctx context.Context, dsn string, poolCfg *PoolConfig) (Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return NewPostgres(ctx, dsn, poolCfg)
	}
	return NewSQLite(dsn)
}
