package lockout

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exambridge/internal/ratelimit/models"
)

func TestInMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := NewInMemoryStore()

	rec, err := store.Get(ctx, "lock:DEL-01:10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	rec = &models.LoginLockout{Key: "lock:DEL-01:10.0.0.1"}
	rec.RecordFailure(now, time.Minute)
	require.NoError(t, store.Save(ctx, rec))

	// Callers get copies.
	rec.FailureCount = 99
	got, err := store.Get(ctx, "lock:DEL-01:10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FailureCount)

	got.Lock(now, time.Minute)
	require.NoError(t, store.Save(ctx, got))
	n, err := store.CountLocked(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = store.CountLocked(ctx, now.Add(time.Minute))
	assert.Zero(t, n)

	require.NoError(t, store.Clear(ctx, "lock:DEL-01:10.0.0.1"))
	got, err = store.Get(ctx, "lock:DEL-01:10.0.0.1")
	require.NoError(t, err)
	assert.Nil(t, got)
}
