package service

import (
	"context"
	"fmt"
	"time"

	"cvingest/internal/domain"
)

// WindowStore — хранилище окон лимита. Mutate выполняет fn над окном
// владельца под блокировкой и сохраняет результат.
type WindowStore interface {
	Mutate(ctx context.Context, ownerID string, defaultLimit int, fn func(w *domain.CvWindowBalance)) (*domain.CvWindowBalance, error)
}

// RateLimitService — скользящий 24-часовой лимит на разбор документов.
// Окно привязано ко времени суток первого использования, а не к полуночи.
type RateLimitService struct {
	store        WindowStore
	defaultLimit int
	now          func() time.Time
}

func NewRateLimitService(store WindowStore, defaultLimit int) *RateLimitService {
	return &RateLimitService{
		store:        store,
		defaultLimit: defaultLimit,
		now:          time.Now,
	}
}

// CheckLimit возвращает состояние лимита. Истекшее окно перезапускается
// (и перезапуск сохраняется) до чтения used.
func (s *RateLimitService) CheckLimit(ctx context.Context, ownerID string) (*domain.WindowInfo, error) {
	now := s.now()

	window, err := s.store.Mutate(ctx, ownerID, s.defaultLimit, func(w *domain.CvWindowBalance) {
		w.RollIfElapsed(now)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check limit: %w", err)
	}

	return window.Info(now), nil
}

// Increment увеличивает счетчик окна. Инкремент записывается и сверх
// лимита: хранилище фиксирует перерасход, отказ — ответственность
// вызывающей стороны через CheckLimit.
func (s *RateLimitService) Increment(ctx context.Context, ownerID string) error {
	now := s.now()

	_, err := s.store.Mutate(ctx, ownerID, s.defaultLimit, func(w *domain.CvWindowBalance) {
		w.RollIfElapsed(now)
		w.Used++
	})
	if err != nil {
		return fmt.Errorf("failed to increment window: %w", err)
	}

	return nil
}
