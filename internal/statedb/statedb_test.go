package statedb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicksinger/wicked/internal/statedb"
)

func TestRetryCountDefaultsToZero(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, 0, db.RetryCount(42))
}

func TestPutAndClearRetryCount(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.PutRetryCount(1, 3))
	assert.Equal(t, 3, db.RetryCount(1))

	require.NoError(t, db.ClearRetryCount(1))
	assert.Equal(t, 0, db.RetryCount(1))
}

func TestSequenceCheckpointRoundTrip(t *testing.T) {
	db, err := statedb.Open(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, uint64(0), db.SequenceCheckpoint())

	require.NoError(t, db.PutSequenceCheckpoint(1234))
	assert.Equal(t, uint64(1234), db.SequenceCheckpoint())
}
