package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memReconcileStore — снимки леджера и балансов для сверки
type memReconcileStore struct {
	sums     map[string]float64
	balances map[string]float64
	written  map[string]float64
}

func newMemReconcileStore(sums, balances map[string]float64) *memReconcileStore {
	return &memReconcileStore{
		sums:     sums,
		balances: balances,
		written:  make(map[string]float64),
	}
}

func (m *memReconcileStore) UsageSums(_ context.Context) (map[string]float64, error) {
	return m.sums, nil
}

func (m *memReconcileStore) Balances(_ context.Context) (map[string]float64, error) {
	return m.balances, nil
}

func (m *memReconcileStore) OverwriteBalance(_ context.Context, ownerID string, value float64) error {
	m.balances[ownerID] = value
	m.written[ownerID] = value
	return nil
}

func TestReconcileService_Run(t *testing.T) {
	ctx := context.Background()

	t.Run("consistent balances produce no drift", func(t *testing.T) {
		store := newMemReconcileStore(
			map[string]float64{"user-1": -6, "user-2": 94},
			map[string]float64{"user-1": -6, "user-2": 94},
		)
		svc := NewReconcileService(store)

		drifts, err := svc.Run(ctx, false)
		require.NoError(t, err)
		assert.Empty(t, drifts)
		assert.Empty(t, store.written)
	})

	t.Run("drifted balance is overwritten with the ledger sum", func(t *testing.T) {
		store := newMemReconcileStore(
			map[string]float64{"user-1": -6},
			map[string]float64{"user-1": -4},
		)
		svc := NewReconcileService(store)

		drifts, err := svc.Run(ctx, false)
		require.NoError(t, err)
		require.Len(t, drifts, 1)
		assert.Equal(t, "user-1", drifts[0].OwnerID)
		assert.InDelta(t, -4.0, drifts[0].Stored, 1e-9)
		assert.InDelta(t, -6.0, drifts[0].Computed, 1e-9)
		assert.InDelta(t, -6.0, store.balances["user-1"], 1e-9)
	})

	t.Run("balance without any records resets to zero", func(t *testing.T) {
		store := newMemReconcileStore(
			map[string]float64{},
			map[string]float64{"user-1": 42},
		)
		svc := NewReconcileService(store)

		drifts, err := svc.Run(ctx, false)
		require.NoError(t, err)
		require.Len(t, drifts, 1)
		assert.InDelta(t, 0.0, drifts[0].Computed, 1e-9)
		assert.InDelta(t, 0.0, store.balances["user-1"], 1e-9)
	})

	t.Run("records without a balance row get one", func(t *testing.T) {
		store := newMemReconcileStore(
			map[string]float64{"user-1": 13.5},
			map[string]float64{},
		)
		svc := NewReconcileService(store)

		drifts, err := svc.Run(ctx, false)
		require.NoError(t, err)
		require.Len(t, drifts, 1)
		assert.InDelta(t, 13.5, store.balances["user-1"], 1e-9)
	})

	t.Run("dry run reports without writing", func(t *testing.T) {
		store := newMemReconcileStore(
			map[string]float64{"user-1": -6},
			map[string]float64{"user-1": -4},
		)
		svc := NewReconcileService(store)

		drifts, err := svc.Run(ctx, true)
		require.NoError(t, err)
		require.Len(t, drifts, 1)
		assert.Empty(t, store.written)
		assert.InDelta(t, -4.0, store.balances["user-1"], 1e-9)
	})
}
