package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cvingest/internal/domain"
)

// UsageRepository — леджер тарифицируемых операций и агрегированных балансов.
// Запись в леджер и дельта баланса — всегда одна транзакция.
type UsageRepository struct {
	db *sqlx.DB
}

func NewUsageRepository(db *sqlx.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// insertUsageWithBalance вставляет запись леджера и применяет дельту к
// балансу владельца в рамках переданной транзакции. Дубликат по
// (reference_id, operation_type) не ошибка: возвращается первая запись,
// баланс не меняется. ON CONFLICT DO NOTHING вместо отлова 23505: ошибка
// вставки абортировала бы всю транзакцию финализации.
func insertUsageWithBalance(ctx context.Context, tx *sqlx.Tx, rec *domain.UsageRecord) (*domain.UsageRecord, bool, error) {
	insertQuery := `
        INSERT INTO usage_records (
            reference_table, reference_id, owner_id, operation_type,
            prompt_tokens, completion_tokens,
            input_cost, output_cost, total_cost, credits_delta
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        ON CONFLICT (reference_id, operation_type) DO NOTHING
        RETURNING id, created_at`

	err := tx.QueryRowContext(ctx, insertQuery,
		rec.ReferenceTable,
		rec.ReferenceID,
		rec.OwnerID,
		rec.OperationType,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.InputCost,
		rec.OutputCost,
		rec.TotalCost,
		rec.CreditsDelta,
	).Scan(&rec.ID, &rec.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// Операция уже записана: отдаем существующую запись как есть
		var existing domain.UsageRecord
		getQuery := `
            SELECT * FROM usage_records
            WHERE reference_id = $1 AND operation_type = $2`

		if err := tx.GetContext(ctx, &existing, getQuery, rec.ReferenceID, rec.OperationType); err != nil {
			return nil, false, fmt.Errorf("failed to load existing usage record: %w", err)
		}
		return &existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert usage record: %w", err)
	}

	balanceQuery := `
        INSERT INTO user_balances (owner_id, credit_balance)
        VALUES ($1, $2)
        ON CONFLICT (owner_id) DO UPDATE
        SET credit_balance = user_balances.credit_balance + $2,
            updated_at = CURRENT_TIMESTAMP`

	if _, err := tx.ExecContext(ctx, balanceQuery, rec.OwnerID, rec.CreditsDelta); err != nil {
		return nil, false, fmt.Errorf("failed to apply balance delta: %w", err)
	}

	return rec, true, nil
}

// InsertWithBalance записывает операцию и дельту баланса одной транзакцией.
// Возвращает записанную либо уже существующую запись и признак создания.
func (r *UsageRepository) InsertWithBalance(ctx context.Context, rec *domain.UsageRecord) (*domain.UsageRecord, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stored, created, err := insertUsageWithBalance(ctx, tx, rec)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	return stored, created, nil
}

// Balance возвращает баланс владельца; отсутствие строки — нулевой баланс
func (r *UsageRepository) Balance(ctx context.Context, ownerID string) (*domain.UserBalance, error) {
	var balance domain.UserBalance
	query := `SELECT * FROM user_balances WHERE owner_id = $1`

	err := r.db.GetContext(ctx, &balance, query, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		now := time.Now()
		return &domain.UserBalance{
			OwnerID:       ownerID,
			CreditBalance: 0,
			CreatedAt:     now,
			UpdatedAt:     now,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	return &balance, nil
}

// ListByOwner возвращает последние записи леджера владельца
func (r *UsageRepository) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.UsageRecord, error) {
	var records []domain.UsageRecord
	query := `
        SELECT * FROM usage_records
        WHERE owner_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2`

	err := r.db.SelectContext(ctx, &records, query, ownerID, limit)
	if err != nil {
		return nil, err
	}

	return records, nil
}

// UsageSums считает сумму credits_delta по каждому владельцу
func (r *UsageRepository) UsageSums(ctx context.Context) (map[string]float64, error) {
	rows := []struct {
		OwnerID string  `db:"owner_id"`
		Total   float64 `db:"total"`
	}{}

	query := `
        SELECT owner_id, COALESCE(SUM(credits_delta), 0) AS total
        FROM usage_records
        GROUP BY owner_id`

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to sum usage deltas: %w", err)
	}

	sums := make(map[string]float64, len(rows))
	for _, row := range rows {
		sums[row.OwnerID] = row.Total
	}

	return sums, nil
}

// Balances возвращает все сохраненные балансы
func (r *UsageRepository) Balances(ctx context.Context) (map[string]float64, error) {
	rows := []struct {
		OwnerID string  `db:"owner_id"`
		Balance float64 `db:"credit_balance"`
	}{}

	query := `SELECT owner_id, credit_balance FROM user_balances`

	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to select balances: %w", err)
	}

	balances := make(map[string]float64, len(rows))
	for _, row := range rows {
		balances[row.OwnerID] = row.Balance
	}

	return balances, nil
}

// OverwriteBalance принудительно выставляет баланс владельца. Используется
// только офлайновой сверкой.
func (r *UsageRepository) OverwriteBalance(ctx context.Context, ownerID string, value float64) error {
	query := `
        INSERT INTO user_balances (owner_id, credit_balance)
        VALUES ($1, $2)
        ON CONFLICT (owner_id) DO UPDATE
        SET credit_balance = $2,
            updated_at = CURRENT_TIMESTAMP`

	if _, err := r.db.ExecContext(ctx, query, ownerID, value); err != nil {
		return fmt.Errorf("failed to overwrite balance: %w", err)
	}

	return nil
}
