package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_SQLiteDefault(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "flow.db")

	st, err := Open(context.Background(), dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck

	assert.IsType(t, &SQLiteStore{}, st)
	require.NoError(t, st.Migrate(context.Background()))
}

func TestOpen_PostgresBadDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://user@:/%zz", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres")
}
