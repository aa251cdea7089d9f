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

// WindowRepository — скользящие 24-часовые окна лимита разбора.
// Строка окна — разделяемое изменяемое состояние, все чтения и записи
// идут под блокировкой строки.
type WindowRepository struct {
	db *sqlx.DB
}

func NewWindowRepository(db *sqlx.DB) *WindowRepository {
	return &WindowRepository{db: db}
}

func getWindowForUpdate(
	ctx context.Context,
	tx *sqlx.Tx,
	ownerID string,
	defaultLimit int,
	now time.Time,
) (*domain.CvWindowBalance, error) {
	var window domain.CvWindowBalance
	query := `SELECT * FROM cv_window_balances WHERE owner_id = $1 FOR UPDATE`

	err := tx.GetContext(ctx, &window, query, ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		// Первого использования еще не было: окно стартует сейчас
		window = domain.CvWindowBalance{
			OwnerID:       ownerID,
			WindowStartAt: now,
			Used:          0,
			Limit:         defaultLimit,
		}

		insertQuery := `
            INSERT INTO cv_window_balances (owner_id, window_start_at, used, window_limit)
            VALUES ($1, $2, $3, $4)
            RETURNING id, created_at, updated_at`

		err = tx.QueryRowContext(ctx, insertQuery,
			window.OwnerID,
			window.WindowStartAt,
			window.Used,
			window.Limit,
		).Scan(&window.ID, &window.CreatedAt, &window.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to create window balance: %w", err)
		}

		return &window, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get window balance: %w", err)
	}

	return &window, nil
}

func saveWindow(ctx context.Context, tx *sqlx.Tx, window *domain.CvWindowBalance) error {
	query := `
        UPDATE cv_window_balances
        SET window_start_at = $1,
            used = $2,
            updated_at = CURRENT_TIMESTAMP
        WHERE owner_id = $3`

	if _, err := tx.ExecContext(ctx, query, window.WindowStartAt, window.Used, window.OwnerID); err != nil {
		return fmt.Errorf("failed to save window balance: %w", err)
	}

	return nil
}

// incrementWindow перезапускает окно при необходимости и увеличивает used в
// рамках переданной транзакции. Инкремент записывается и сверх лимита:
// хранилище фиксирует перерасход, отказывает вызывающая сторона.
func incrementWindow(ctx context.Context, tx *sqlx.Tx, ownerID string, defaultLimit int, now time.Time) error {
	window, err := getWindowForUpdate(ctx, tx, ownerID, defaultLimit, now)
	if err != nil {
		return err
	}

	window.RollIfElapsed(now)
	window.Used++

	return saveWindow(ctx, tx, window)
}

// Mutate выполняет fn над окном владельца под блокировкой строки и
// сохраняет результат. Окно создается при первом обращении.
func (r *WindowRepository) Mutate(
	ctx context.Context,
	ownerID string,
	defaultLimit int,
	fn func(w *domain.CvWindowBalance),
) (*domain.CvWindowBalance, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	window, err := getWindowForUpdate(ctx, tx, ownerID, defaultLimit, time.Now())
	if err != nil {
		return nil, err
	}

	fn(window)

	if err := saveWindow(ctx, tx, window); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return window, nil
}
