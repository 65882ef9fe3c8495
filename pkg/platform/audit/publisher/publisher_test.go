package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "exambridge/pkg/domain"
	audit "exambridge/pkg/platform/audit"
	"exambridge/pkg/platform/audit/store/memory"
	"exambridge/pkg/requestcontext"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	centerID := id.CenterID(uuid.New())
	err := pub.Emit(context.Background(), audit.Event{
		CenterID: centerID,
		Action:   string(audit.EventSessionAdmitted),
	})
	require.NoError(t, err)

	events, err := pub.List(context.Background(), centerID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSessionAdmitted), events[0].Action)
	assert.Equal(t, audit.CategoryCompliance, events[0].Category)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestPublisher_EnrichesFromContext(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithTime(context.Background(), at)
	ctx = requestcontext.WithRequestID(ctx, "req-42")

	require.NoError(t, pub.Emit(ctx, audit.Event{Action: string(audit.EventTokenRejected)}))

	events, err := store.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, at, events[0].Timestamp)
	assert.Equal(t, "req-42", events[0].RequestID)
	assert.Equal(t, audit.CategorySecurity, events[0].Category)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	centerID := id.CenterID(uuid.New())
	for range 10 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{
			CenterID: centerID,
			Action:   string(audit.EventPackageDownloaded),
		}))
	}

	pub.Close()
	pub.Close()

	events, err := store.ListByCenter(context.Background(), centerID)
	require.NoError(t, err)
	assert.Len(t, events, 10)
}

type writeOnly struct{}

func (writeOnly) Append(context.Context, audit.Event) error { return nil }

func TestPublisher_ListOnWriteOnlySink(t *testing.T) {
	pub := NewPublisher(writeOnly{})
	_, err := pub.List(context.Background(), id.CenterID(uuid.New()))
	assert.ErrorIs(t, err, ErrNotQueryable)
}
