package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cvingest/internal/config"
	"cvingest/internal/domain"
)

const recentUsageLimit = 50

var (
	errNotAGrant      = errors.New("operation type is not a grant")
	errInvalidCredits = errors.New("grant credits must be positive")
)

// UsageStore — хранилище леджера. Реализуется репозиторием поверх Postgres;
// в тестах подменяется in-memory хранилищем.
type UsageStore interface {
	InsertWithBalance(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, bool, error)
	Balance(ctx context.Context, ownerID string) (*domain.UserBalance, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.UsageRecord, error)
}

// UsageService — леджер тарифицируемых операций: списания за разбор
// документов и начисления кредитов.
type UsageService struct {
	store   UsageStore
	pricing config.PricingConfig
}

func NewUsageService(store UsageStore, pricing config.PricingConfig) *UsageService {
	return &UsageService{
		store:   store,
		pricing: pricing,
	}
}

// BuildSpend собирает запись списания: стоимость выводится из количества
// токенов и цен за миллион, дельта кредитов — отрицательная стоимость.
func (s *UsageService) BuildSpend(
	referenceID uuid.UUID,
	referenceTable string,
	ownerID string,
	op domain.OperationType,
	usage domain.TokenUsage,
) *domain.UsageRecord {
	inputCost := float64(usage.PromptTokens) / 1e6 * s.pricing.InputPricePer1M
	outputCost := float64(usage.CompletionTokens) / 1e6 * s.pricing.OutputPricePer1M
	totalCost := inputCost + outputCost

	return &domain.UsageRecord{
		ReferenceTable:   referenceTable,
		ReferenceID:      referenceID,
		OwnerID:          ownerID,
		OperationType:    op,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		InputCost:        inputCost,
		OutputCost:       outputCost,
		TotalCost:        totalCost,
		CreditsDelta:     -totalCost,
	}
}

// RecordUsage идемпотентно записывает списание. Нулевое использование —
// no-op без записи. Повтор по (reference_id, operation_type) возвращает
// первую запись без изменений.
func (s *UsageService) RecordUsage(
	ctx context.Context,
	referenceID uuid.UUID,
	referenceTable string,
	ownerID string,
	op domain.OperationType,
	usage domain.TokenUsage,
) (*domain.UsageRecord, error) {
	if usage.IsZero() {
		return nil, nil
	}

	rec := s.BuildSpend(referenceID, referenceTable, ownerID, op, usage)

	stored, _, err := s.store.InsertWithBalance(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record usage: %w", err)
	}

	return stored, nil
}

// RecordGrant начисляет кредиты (бонус за регистрацию, реферал, ручное
// начисление, промо). Идемпотентность та же: повтор с тем же grant id
// возвращает первую запись.
func (s *UsageService) RecordGrant(
	ctx context.Context,
	grantID uuid.UUID,
	ownerID string,
	op domain.OperationType,
	credits float64,
) (*domain.UsageRecord, error) {
	if !op.IsGrant() {
		return nil, fmt.Errorf("%w: %s", errNotAGrant, op)
	}
	if credits <= 0 {
		return nil, errInvalidCredits
	}

	rec := &domain.UsageRecord{
		ReferenceTable: "credit_grants",
		ReferenceID:    grantID,
		OwnerID:        ownerID,
		OperationType:  op,
		CreditsDelta:   credits,
	}

	stored, _, err := s.store.InsertWithBalance(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to record grant: %w", err)
	}

	return stored, nil
}

// CreditSummary — баланс и последние операции пользователя
type CreditSummary struct {
	Balance float64              `json:"balance"`
	Records []domain.UsageRecord `json:"records"`
}

func (s *UsageService) Summary(ctx context.Context, ownerID string) (*CreditSummary, error) {
	balance, err := s.store.Balance(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	records, err := s.store.ListByOwner(ctx, ownerID, recentUsageLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}

	return &CreditSummary{
		Balance: balance.CreditBalance,
		Records: records,
	}, nil
}
