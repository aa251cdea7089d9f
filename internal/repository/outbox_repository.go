package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cvingest/internal/domain"
)

// OutboxRepository — журнал событий жизненного цикла задач разбора.
// События только добавляются; текущее состояние процесса определяется
// последним событием. Все переходы выполняются под advisory-локом на
// process_id: READ COMMITTED не сериализует конкурирующие append'ы сам.
type OutboxRepository struct {
	db *sqlx.DB
}

func NewOutboxRepository(db *sqlx.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

func lockProcess(ctx context.Context, tx *sqlx.Tx, processID uuid.UUID) error {
	_, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		"outbox:"+processID.String())
	if err != nil {
		return fmt.Errorf("failed to acquire process lock: %w", err)
	}
	return nil
}

func latestTx(ctx context.Context, tx *sqlx.Tx, processID uuid.UUID) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	query := `
        SELECT * FROM outbox_events
        WHERE process_id = $1
        ORDER BY id DESC
        LIMIT 1`

	err := tx.GetContext(ctx, &event, query, processID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}

	return &event, nil
}

func appendEvent(ctx context.Context, tx *sqlx.Tx, event *domain.OutboxEvent) error {
	query := `
        INSERT INTO outbox_events (process_id, status, file_uuid, owner_id, error)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, created_at`

	err := tx.QueryRowContext(ctx, query,
		event.ProcessID,
		event.Status,
		event.FileUUID,
		event.OwnerID,
		event.Error,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}

	return nil
}

// CreateProcess создает первое событие процесса в статусе pending
func (r *OutboxRepository) CreateProcess(ctx context.Context, event *domain.OutboxEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	event.Status = domain.OutboxStatusPending
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

// Latest возвращает последнее событие процесса
func (r *OutboxRepository) Latest(ctx context.Context, processID uuid.UUID) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	query := `
        SELECT * FROM outbox_events
        WHERE process_id = $1
        ORDER BY id DESC
        LIMIT 1`

	err := r.db.GetContext(ctx, &event, query, processID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProcessNotFound
	}
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// LatestByFile возвращает последнее событие последнего процесса файла
func (r *OutboxRepository) LatestByFile(ctx context.Context, fileUUID uuid.UUID) (*domain.OutboxEvent, error) {
	var event domain.OutboxEvent
	query := `
        SELECT * FROM outbox_events
        WHERE file_uuid = $1
        ORDER BY id DESC
        LIMIT 1`

	err := r.db.GetContext(ctx, &event, query, fileUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProcessNotFound
	}
	if err != nil {
		return nil, err
	}

	return &event, nil
}

// ClaimSending — условный переход pending -> sending. Побеждает ровно один
// продюсер; остальные получают ErrAlreadyProcessing.
func (r *OutboxRepository) ClaimSending(ctx context.Context, processID uuid.UUID) (*domain.OutboxEvent, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockProcess(ctx, tx, processID); err != nil {
		return nil, err
	}

	latest, err := latestTx(ctx, tx, processID)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return nil, domain.ErrProcessNotFound
	}
	if latest.Status != domain.OutboxStatusPending {
		return nil, domain.ErrAlreadyProcessing
	}

	event := &domain.OutboxEvent{
		ProcessID: processID,
		Status:    domain.OutboxStatusSending,
		FileUUID:  latest.FileUUID,
		OwnerID:   latest.OwnerID,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return event, nil
}

// ConfirmProcessing фиксирует успешную отправку в очередь: sending ->
// processing. Если процесс успел уйти дальше (воркер ответил раньше, чем
// продюсер зафиксировал отправку), ничего не меняет.
func (r *OutboxRepository) ConfirmProcessing(ctx context.Context, processID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockProcess(ctx, tx, processID); err != nil {
		return err
	}

	latest, err := latestTx(ctx, tx, processID)
	if err != nil {
		return err
	}
	if latest == nil {
		return domain.ErrProcessNotFound
	}
	if latest.Status != domain.OutboxStatusSending {
		return tx.Commit()
	}

	event := &domain.OutboxEvent{
		ProcessID: processID,
		Status:    domain.OutboxStatusProcessing,
		FileUUID:  latest.FileUUID,
		OwnerID:   latest.OwnerID,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

// ReleaseClaim возвращает процесс в pending после неудачной отправки.
// Перед записью перечитывает состояние: отправка могла частично удаться, и
// если процесс уже ушел из нашего sending, его нельзя откатывать.
func (r *OutboxRepository) ReleaseClaim(ctx context.Context, processID uuid.UUID) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockProcess(ctx, tx, processID); err != nil {
		return err
	}

	latest, err := latestTx(ctx, tx, processID)
	if err != nil {
		return err
	}
	if latest == nil || latest.Status != domain.OutboxStatusSending {
		return tx.Commit()
	}

	event := &domain.OutboxEvent{
		ProcessID: processID,
		Status:    domain.OutboxStatusPending,
		FileUUID:  latest.FileUUID,
		OwnerID:   latest.OwnerID,
	}
	if err := appendEvent(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

// Finalize переводит процесс в конечное состояние и одной транзакцией
// записывает все побочные эффекты: результат разбора, запись в леджере
// использования с дельтой баланса, инкремент окна лимита и статус файла.
// Повторная доставка уже обработанного результата возвращает duplicate=true
// без каких-либо записей.
func (r *OutboxRepository) Finalize(ctx context.Context, fin *domain.ProcessFinalization) (bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	processID := fin.Event.ProcessID
	if err := lockProcess(ctx, tx, processID); err != nil {
		return false, err
	}

	latest, err := latestTx(ctx, tx, processID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, domain.ErrProcessNotFound
	}
	if latest.Status.Terminal() {
		// Идемпотентный replay: очередь доставляет минимум один раз
		return true, tx.Commit()
	}
	if !latest.Status.AcceptsOutcome() {
		return false, domain.ErrInvalidTransition
	}

	fin.Event.FileUUID = latest.FileUUID
	fin.Event.OwnerID = latest.OwnerID
	if err := appendEvent(ctx, tx, fin.Event); err != nil {
		return false, err
	}

	if fin.ResultData != nil {
		query := `
            INSERT INTO cv_results (process_id, file_uuid, owner_id, data)
            VALUES ($1, $2, $3, $4)
            ON CONFLICT (process_id) DO NOTHING`

		if _, err := tx.ExecContext(ctx, query, processID, latest.FileUUID, latest.OwnerID, fin.ResultData); err != nil {
			return false, fmt.Errorf("failed to persist result: %w", err)
		}
	}

	if fin.Usage != nil {
		if _, _, err := insertUsageWithBalance(ctx, tx, fin.Usage); err != nil {
			return false, err
		}
	}

	if fin.CountWindow {
		if err := incrementWindow(ctx, tx, latest.OwnerID, fin.WindowLimit, time.Now()); err != nil {
			return false, err
		}
	}

	if fin.FileStatus != "" {
		query := `
            UPDATE files
            SET status = $1, updated_at = CURRENT_TIMESTAMP
            WHERE uuid = $2 AND status <> 'deleted_by_user'`

		if _, err := tx.ExecContext(ctx, query, fin.FileStatus, latest.FileUUID); err != nil {
			return false, fmt.Errorf("failed to update file status: %w", err)
		}
	}

	return false, tx.Commit()
}

// Result возвращает сохраненный результат разбора процесса
func (r *OutboxRepository) Result(ctx context.Context, processID uuid.UUID) (*domain.CvResult, error) {
	var result domain.CvResult
	query := `SELECT * FROM cv_results WHERE process_id = $1`

	err := r.db.GetContext(ctx, &result, query, processID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	return &result, nil
}

// StalePending возвращает процессы, чье последнее событие — pending старше
// minAge. Используется периодическим свипером для повторной отправки.
func (r *OutboxRepository) StalePending(ctx context.Context, minAge time.Duration, limit int) ([]domain.OutboxEvent, error) {
	var events []domain.OutboxEvent
	query := `
        SELECT o.* FROM (
            SELECT DISTINCT ON (process_id) *
            FROM outbox_events
            ORDER BY process_id, id DESC
        ) o
        WHERE o.status = 'pending'
          AND o.created_at < NOW() - ($1 * INTERVAL '1 second')
        ORDER BY o.created_at
        LIMIT $2`

	err := r.db.SelectContext(ctx, &events, query, minAge.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select stale pending: %w", err)
	}

	return events, nil
}
