package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvingest/internal/domain"
)

// memWindowStore — in-memory окна лимита с get-or-create семантикой
// Postgres-репозитория
type memWindowStore struct {
	windows map[string]*domain.CvWindowBalance
	now     func() time.Time
}

func newMemWindowStore(now func() time.Time) *memWindowStore {
	return &memWindowStore{
		windows: make(map[string]*domain.CvWindowBalance),
		now:     now,
	}
}

func (m *memWindowStore) Mutate(_ context.Context, ownerID string, defaultLimit int, fn func(w *domain.CvWindowBalance)) (*domain.CvWindowBalance, error) {
	w, ok := m.windows[ownerID]
	if !ok {
		w = &domain.CvWindowBalance{
			OwnerID:       ownerID,
			WindowStartAt: m.now(),
			Limit:         defaultLimit,
		}
		m.windows[ownerID] = w
	}
	fn(w)
	cp := *w
	return &cp, nil
}

func TestRateLimitService(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)

	newService := func(limit int) (*RateLimitService, *memWindowStore, *time.Time) {
		current := start
		store := newMemWindowStore(func() time.Time { return current })
		svc := NewRateLimitService(store, limit)
		svc.now = func() time.Time { return current }
		return svc, store, &current
	}

	t.Run("fresh owner gets a full window", func(t *testing.T) {
		svc, _, _ := newService(3)

		info, err := svc.CheckLimit(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, info.Allowed)
		assert.Equal(t, 3, info.Remaining)
		assert.Equal(t, 0, info.Used)
		assert.Equal(t, start, info.WindowStartAt)
	})

	t.Run("blocks once limit is reached", func(t *testing.T) {
		svc, _, _ := newService(2)

		require.NoError(t, svc.Increment(ctx, "user-1"))
		require.NoError(t, svc.Increment(ctx, "user-1"))

		info, err := svc.CheckLimit(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, info.Allowed)
		assert.Equal(t, 0, info.Remaining)
	})

	t.Run("window rolls after 24h and resets used", func(t *testing.T) {
		svc, store, current := newService(2)

		require.NoError(t, svc.Increment(ctx, "user-1"))
		require.NoError(t, svc.Increment(ctx, "user-1"))

		*current = start.Add(25 * time.Hour)

		info, err := svc.CheckLimit(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, info.Allowed)
		assert.Equal(t, 0, info.Used)
		// Начало окна сдвинулось на сутки, время суток сохранено
		assert.Equal(t, start.Add(24*time.Hour), info.WindowStartAt)

		// Перезапуск сохранен, а не вычислен на лету
		assert.Equal(t, 0, store.windows["user-1"].Used)
		assert.Equal(t, start.Add(24*time.Hour), store.windows["user-1"].WindowStartAt)
	})

	t.Run("increment past the limit records the overrun", func(t *testing.T) {
		svc, store, _ := newService(1)

		require.NoError(t, svc.Increment(ctx, "user-1"))
		require.NoError(t, svc.Increment(ctx, "user-1"))

		assert.Equal(t, 2, store.windows["user-1"].Used)

		info, err := svc.CheckLimit(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, info.Allowed)
		assert.Equal(t, 2, info.Used)
		assert.Equal(t, 0, info.Remaining)
	})

	t.Run("owners do not share windows", func(t *testing.T) {
		svc, _, _ := newService(1)

		require.NoError(t, svc.Increment(ctx, "user-1"))

		info, err := svc.CheckLimit(ctx, "user-2")
		require.NoError(t, err)
		assert.True(t, info.Allowed)
	})
}
