package unknownuser

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanmon/internal/blobstore"
	"github.com/ashita-ai/kanmon/internal/model"
)

func TestLogAttempt_ReturnsEarliestTimestamp(t *testing.T) {
	store := blobstore.NewMemStore()
	logger := NewLogger(store)

	first, err := logger.LogAttempt(context.Background(), "app-A", "S@X.IO", "org_1")
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	second, err := logger.LogAttempt(context.Background(), "app-B", "s@x.io", "org_1")
	require.NoError(t, err)

	assert.Equal(t, first, second, "repeat attempts report the original first-seen timestamp")
}

func TestLogAttempt_CaseInsensitiveMatching(t *testing.T) {
	store := blobstore.NewMemStore()
	logger := NewLogger(store)

	_, err := logger.LogAttempt(context.Background(), "app-A", "Mixed@Case.IO", "org_1")
	require.NoError(t, err)

	_, err = logger.LogAttempt(context.Background(), "app-A", "other@x.io", "org_1")
	require.NoError(t, err)

	earliest, err := logger.LogAttempt(context.Background(), "app-A", "mixed@case.io", "org_1")
	require.NoError(t, err)
	assert.Greater(t, earliest, int64(0))
}

func TestLogAttempt_NoDedup(t *testing.T) {
	store := blobstore.NewMemStore()
	logger := NewLogger(store)

	_, err := logger.LogAttempt(context.Background(), "app-A", "u@x.io", "org_1")
	require.NoError(t, err)
	_, err = logger.LogAttempt(context.Background(), "app-A", "u@x.io", "org_1")
	require.NoError(t, err)

	raw, ok, err := store.Read(context.Background(), model.UnknownLogPath("org_1"))
	require.NoError(t, err)
	require.True(t, ok)

	var attempts []model.UnknownUserAttempt
	require.NoError(t, json.Unmarshal(raw, &attempts))
	assert.Len(t, attempts, 2, "duplicate attempts are not deduplicated")
}
