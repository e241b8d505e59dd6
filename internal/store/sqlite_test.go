package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/item-flow/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func completedPayload(itemID string) *model.ResultPayload {
	return &model.ResultPayload{
		ItemID:         itemID,
		Status:         model.ResultStatusCompleted,
		NeedsReview:    false,
		Summary:        "Item flow extraction completed successfully",
		ReviewDecision: model.ReviewDecisionApproved,
		ReviewedBy:     model.ReviewerSupervisor,
		Actor:          model.DefaultActor,
		Item:           map[string]any{"Artikel_Nummer": itemID},
	}
}

// --- Request logs ---

func TestSQLite_SaveRequestPayload(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	log, err := st.SaveRequestPayload(ctx, "A-1", "Bosch GSR 12V Datenblatt", completedPayload("A-1"))
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.NotEmpty(t, log.ID)
	assert.Equal(t, "A-1", log.ItemID)
	assert.Equal(t, model.ResultStatusCompleted, log.Status)
	assert.Nil(t, log.NotifiedAt)

	logs, err := st.ListRequestLogs(ctx, LogFilter{ItemID: "A-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, log.ID, logs[0].ID)
	assert.Equal(t, "Bosch GSR 12V Datenblatt", logs[0].Search)
	require.NotNil(t, logs[0].Payload)
	assert.Equal(t, "Item flow extraction completed successfully", logs[0].Payload.Summary)
}

func TestSQLite_SaveRequestPayload_NilRejected(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.SaveRequestPayload(context.Background(), "A-1", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil payload")
}

func TestSQLite_NotificationLifecycle(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.SaveRequestPayload(ctx, "A-1", "", completedPayload("A-1"))
	require.NoError(t, err)

	pending, err := st.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.False(t, pending[0].Notified())

	require.NoError(t, st.MarkNotificationFailure(ctx, "A-1", eris.New("connection refused")))

	pending, err = st.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Contains(t, pending[0].LastNotificationError, "connection refused")

	require.NoError(t, st.MarkNotificationSuccess(ctx, "A-1"))

	pending, err = st.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	logs, err := st.ListRequestLogs(ctx, LogFilter{ItemID: "A-1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Notified())
	assert.Empty(t, logs[0].LastNotificationError)
}

func TestSQLite_MarkNotification_UnknownItem(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.MarkNotificationSuccess(ctx, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	err = st.MarkNotificationFailure(ctx, "missing", eris.New("boom"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_MarkNotification_OnlyLatestRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first, err := st.SaveRequestPayload(ctx, "A-1", "", completedPayload("A-1"))
	require.NoError(t, err)

	// Pin distinct created_at values so ordering is deterministic.
	_, err = st.db.ExecContext(ctx, `UPDATE request_logs SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), first.ID)
	require.NoError(t, err)

	second, err := st.SaveRequestPayload(ctx, "A-1", "", completedPayload("A-1"))
	require.NoError(t, err)

	require.NoError(t, st.MarkNotificationSuccess(ctx, "A-1"))

	pending, err := st.PendingNotifications(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	logs, err := st.ListRequestLogs(ctx, LogFilter{ItemID: "A-1"})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, second.ID, logs[0].ID)
	assert.True(t, logs[0].Notified())
}

func TestSQLite_ListRequestLogs_Filters(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.SaveRequestPayload(ctx, "A-1", "", completedPayload("A-1"))
	require.NoError(t, err)

	failed := completedPayload("B-2")
	failed.Status = model.ResultStatusFailed
	_, err = st.SaveRequestPayload(ctx, "B-2", "", failed)
	require.NoError(t, err)

	logs, err := st.ListRequestLogs(ctx, LogFilter{Status: model.ResultStatusFailed})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "B-2", logs[0].ItemID)

	logs, err = st.ListRequestLogs(ctx, LogFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	logs, err = st.ListRequestLogs(ctx, LogFilter{ItemID: "nonexistent"})
	require.NoError(t, err)
	assert.Empty(t, logs)
}

// --- Review history ---

func TestSQLite_ReviewHistory_AppendAndQuery(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := st.AppendReviewEntry(ctx, model.ReviewEntry{
			ItemID:       "A-1",
			Subcategory:  101,
			BadFormat:    i == 0,
			MissingSpecs: []string{"Leistung"},
			ReviewedAt:   time.Now().UTC().Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	require.NoError(t, st.AppendReviewEntry(ctx, model.ReviewEntry{
		ItemID:      "B-2",
		Subcategory: 201,
	}))

	entries, err := st.RecentReviewsBySubcategory(ctx, 101, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.Equal(t, 101, e.Subcategory)
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, []string{"Leistung"}, e.MissingSpecs)
	}
	// Newest first.
	assert.True(t, entries[0].ReviewedAt.After(entries[1].ReviewedAt))

	entries, err = st.RecentReviewsBySubcategory(ctx, 999, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_ReviewHistory_DefaultsApplied(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendReviewEntry(ctx, model.ReviewEntry{
		ItemID:      "A-1",
		Subcategory: 101,
	}))

	entries, err := st.RecentReviewsBySubcategory(ctx, 101, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].ID)
	assert.False(t, entries[0].ReviewedAt.IsZero())
	assert.Empty(t, entries[0].MissingSpecs)
}

// --- Items ---

func TestSQLite_Items_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	record := map[string]any{
		"Artikel_Nummer":      "A-1",
		"Artikelbeschreibung": "Akkuschrauber Bosch GSR 12V",
		"Hersteller":          "Bosch",
	}
	require.NoError(t, st.SaveItem(ctx, "A-1", record))

	got, err := st.GetItem(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "Bosch", got["Hersteller"])

	record["Hersteller"] = "Makita"
	require.NoError(t, st.SaveItem(ctx, "A-1", record))

	got, err = st.GetItem(ctx, "A-1")
	require.NoError(t, err)
	assert.Equal(t, "Makita", got["Hersteller"])
}

func TestSQLite_Items_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetItem(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}
