package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/item-flow/internal/model"
)

func TestComputeLogStats(t *testing.T) {
	now := time.Now()
	logs := []model.RequestLog{
		{Status: model.ResultStatusCompleted, NotifiedAt: &now},
		{Status: model.ResultStatusCompleted},
		{Status: model.ResultStatusNeedsReview, NotifiedAt: &now},
		{Status: model.ResultStatusFailed},
	}

	s := computeLogStats(logs)
	assert.Equal(t, 4, s.Total)
	assert.Equal(t, 2, s.Completed)
	assert.Equal(t, 1, s.NeedsReview)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 2, s.Pending)
}

func TestFormatLogList(t *testing.T) {
	now := time.Date(2026, 8, 30, 14, 5, 0, 0, time.UTC)
	logs := []model.RequestLog{
		{ID: "0123456789abcdef", ItemID: "A-1", Status: model.ResultStatusCompleted, NotifiedAt: &now, CreatedAt: now},
		{ID: "fedcba9876543210", ItemID: "B-2", Status: model.ResultStatusFailed, CreatedAt: now},
	}

	var buf bytes.Buffer
	formatLogList(&buf, logs)

	out := buf.String()
	assert.Contains(t, out, "01234567")
	assert.Contains(t, out, "A-1")
	assert.Contains(t, out, "2026-08-30 14:05")
	assert.Contains(t, out, "pending")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "01234567", truncateID("0123456789abcdef"))
	assert.Equal(t, "short", truncateID("short"))
}

func TestLoadItemRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "item.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"Artikel_Nummer": "A-1", "Hersteller": "Bosch"}`), 0o644))

	record, err := loadItemRecord(path)
	require.NoError(t, err)
	assert.Equal(t, "A-1", record["Artikel_Nummer"])

	_, err = loadItemRecord(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{invalid`), 0o644))
	_, err = loadItemRecord(bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse item file")
}

func TestSearchFromPayload(t *testing.T) {
	assert.Empty(t, searchFromPayload(nil))
	assert.Empty(t, searchFromPayload(&model.ResultPayload{}))
	assert.Equal(t, "Bosch GSR 12V Datenblatt", searchFromPayload(&model.ResultPayload{
		Item: map[string]any{"searchQuery": "Bosch GSR 12V Datenblatt"},
	}))
}
