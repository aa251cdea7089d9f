package service

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvingest/internal/config"
	"cvingest/internal/domain"
)

// memUsageStore — in-memory леджер с той же идемпотентностью, что у
// Postgres-репозитория: пара (reference_id, operation_type) уникальна.
type memUsageStore struct {
	records  []domain.UsageRecord
	balances map[string]float64
	nextID   int64
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{balances: make(map[string]float64)}
}

func (m *memUsageStore) InsertWithBalance(_ context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, bool, error) {
	for i := range m.records {
		existing := &m.records[i]
		if existing.ReferenceID == rec.ReferenceID && existing.OperationType == rec.OperationType {
			cp := *existing
			return &cp, false, nil
		}
	}

	m.nextID++
	rec.ID = m.nextID
	m.records = append(m.records, *rec)
	m.balances[rec.OwnerID] += rec.CreditsDelta

	cp := *rec
	return &cp, true, nil
}

func (m *memUsageStore) Balance(_ context.Context, ownerID string) (*domain.UserBalance, error) {
	return &domain.UserBalance{OwnerID: ownerID, CreditBalance: m.balances[ownerID]}, nil
}

func (m *memUsageStore) ListByOwner(_ context.Context, ownerID string, limit int) ([]domain.UsageRecord, error) {
	var out []domain.UsageRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].OwnerID == ownerID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func testPricing() config.PricingConfig {
	return config.PricingConfig{InputPricePer1M: 3, OutputPricePer1M: 15}
}

func TestUsageService_RecordUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("cost derived from token counts", func(t *testing.T) {
		store := newMemUsageStore()
		svc := NewUsageService(store, testPricing())

		rec, err := svc.RecordUsage(ctx, uuid.New(), "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{
			PromptTokens:     1_000_000,
			CompletionTokens: 200_000,
		})
		require.NoError(t, err)
		require.NotNil(t, rec)

		assert.InDelta(t, 3.0, rec.InputCost, 1e-9)
		assert.InDelta(t, 3.0, rec.OutputCost, 1e-9)
		assert.InDelta(t, 6.0, rec.TotalCost, 1e-9)
		assert.InDelta(t, -6.0, rec.CreditsDelta, 1e-9)

		balance, err := store.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.InDelta(t, -6.0, balance.CreditBalance, 1e-9)
	})

	t.Run("zero usage is a no-op", func(t *testing.T) {
		store := newMemUsageStore()
		svc := NewUsageService(store, testPricing())

		rec, err := svc.RecordUsage(ctx, uuid.New(), "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{})
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Empty(t, store.records)
	})

	t.Run("retry returns the first record unchanged", func(t *testing.T) {
		store := newMemUsageStore()
		svc := NewUsageService(store, testPricing())
		ref := uuid.New()

		first, err := svc.RecordUsage(ctx, ref, "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{PromptTokens: 500_000})
		require.NoError(t, err)

		// Повтор с другими числами токенов: побеждает первая запись
		second, err := svc.RecordUsage(ctx, ref, "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{PromptTokens: 900_000})
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, first.PromptTokens, second.PromptTokens)
		assert.Len(t, store.records, 1)

		balance, err := store.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.InDelta(t, first.CreditsDelta, balance.CreditBalance, 1e-9)
	})
}

func TestUsageService_RecordGrant(t *testing.T) {
	ctx := context.Background()

	t.Run("grant adds credits", func(t *testing.T) {
		store := newMemUsageStore()
		svc := NewUsageService(store, testPricing())

		rec, err := svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationSignupBonus, 100)
		require.NoError(t, err)
		assert.InDelta(t, 100.0, rec.CreditsDelta, 1e-9)
		assert.Equal(t, "credit_grants", rec.ReferenceTable)

		balance, err := store.Balance(ctx, "user-1")
		require.NoError(t, err)
		assert.InDelta(t, 100.0, balance.CreditBalance, 1e-9)
	})

	t.Run("spend operation is not a grant", func(t *testing.T) {
		svc := NewUsageService(newMemUsageStore(), testPricing())
		_, err := svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationCvParse, 100)
		assert.ErrorIs(t, err, errNotAGrant)
	})

	t.Run("credits must be positive", func(t *testing.T) {
		svc := NewUsageService(newMemUsageStore(), testPricing())
		_, err := svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationAdminGrant, 0)
		assert.ErrorIs(t, err, errInvalidCredits)

		_, err = svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationAdminGrant, -5)
		assert.ErrorIs(t, err, errInvalidCredits)
	})

	t.Run("retry with same grant id returns the first record", func(t *testing.T) {
		store := newMemUsageStore()
		svc := NewUsageService(store, testPricing())
		grantID := uuid.New()

		first, err := svc.RecordGrant(ctx, grantID, "user-1", domain.OperationAdminGrant, 50)
		require.NoError(t, err)

		second, err := svc.RecordGrant(ctx, grantID, "user-1", domain.OperationAdminGrant, 50)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Len(t, store.records, 1)
	})
}

func TestUsageService_BalanceMatchesLedger(t *testing.T) {
	ctx := context.Background()
	store := newMemUsageStore()
	svc := NewUsageService(store, testPricing())
	rng := rand.New(rand.NewSource(42))

	// Случайная смесь списаний и начислений: баланс всегда равен
	// сумме дельт записанных операций
	for i := 0; i < 200; i++ {
		if rng.Intn(3) == 0 {
			_, err := svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationPromotion, float64(rng.Intn(100)+1))
			require.NoError(t, err)
		} else {
			_, err := svc.RecordUsage(ctx, uuid.New(), "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{
				PromptTokens:     int64(rng.Intn(1_000_000)),
				CompletionTokens: int64(rng.Intn(500_000) + 1),
			})
			require.NoError(t, err)
		}
	}

	var sum float64
	for _, rec := range store.records {
		sum += rec.CreditsDelta
	}

	balance, err := store.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, sum, balance.CreditBalance, 1e-6)
}

func TestUsageService_Summary(t *testing.T) {
	ctx := context.Background()
	store := newMemUsageStore()
	svc := NewUsageService(store, testPricing())

	_, err := svc.RecordGrant(ctx, uuid.New(), "user-1", domain.OperationSignupBonus, 100)
	require.NoError(t, err)
	_, err = svc.RecordUsage(ctx, uuid.New(), "outbox_events", "user-1", domain.OperationCvParse, domain.TokenUsage{PromptTokens: 1_000_000})
	require.NoError(t, err)

	summary, err := svc.Summary(ctx, "user-1")
	require.NoError(t, err)
	assert.InDelta(t, 97.0, summary.Balance, 1e-9)
	assert.Len(t, summary.Records, 2)

	// Свежая операция первой
	assert.Equal(t, domain.OperationCvParse, summary.Records[0].OperationType)
}
