package service

import (
	"context"
	"fmt"
	"log"
)

// ReconcileStore — выборки и перезапись балансов для офлайновой сверки
type ReconcileStore interface {
	UsageSums(ctx context.Context) (map[string]float64, error)
	Balances(ctx context.Context) (map[string]float64, error)
	OverwriteBalance(ctx context.Context, ownerID string, value float64) error
}

// Drift — расхождение сохраненного баланса с суммой по леджеру
type Drift struct {
	OwnerID  string  `json:"owner_id"`
	Stored   float64 `json:"stored"`
	Computed float64 `json:"computed"`
}

// ReconcileService — офлайновая сверка: баланс каждого пользователя должен
// равняться сумме credits_delta его записей. Онлайн дрейф не исправляется
// никогда, только этим инструментом.
type ReconcileService struct {
	store ReconcileStore
}

func NewReconcileService(store ReconcileStore) *ReconcileService {
	return &ReconcileService{store: store}
}

// Run сравнивает балансы с леджером и, вне dry-run, перезаписывает их.
// Пользователи с ненулевым балансом без единой записи сбрасываются в ноль.
func (s *ReconcileService) Run(ctx context.Context, dryRun bool) ([]Drift, error) {
	sums, err := s.store.UsageSums(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compute usage sums: %w", err)
	}

	balances, err := s.store.Balances(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}

	var drifts []Drift
	for ownerID, stored := range balances {
		computed := sums[ownerID] // нет записей — ноль
		if stored == computed {
			continue
		}
		drifts = append(drifts, Drift{
			OwnerID:  ownerID,
			Stored:   stored,
			Computed: computed,
		})
	}

	// Пользователи с записями, но вообще без строки баланса
	for ownerID, computed := range sums {
		if _, ok := balances[ownerID]; ok {
			continue
		}
		if computed == 0 {
			continue
		}
		drifts = append(drifts, Drift{
			OwnerID:  ownerID,
			Stored:   0,
			Computed: computed,
		})
	}

	if dryRun {
		return drifts, nil
	}

	for _, drift := range drifts {
		if err := s.store.OverwriteBalance(ctx, drift.OwnerID, drift.Computed); err != nil {
			return drifts, fmt.Errorf("failed to fix balance for %s: %w", drift.OwnerID, err)
		}
		log.Printf("[Reconcile] balance for %s: %.6f -> %.6f", drift.OwnerID, drift.Stored, drift.Computed)
	}

	return drifts, nil
}
