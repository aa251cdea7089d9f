package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"cvingest/internal/domain"
)

type FileRepository struct {
	db *sqlx.DB
}

func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

func (r *FileRepository) Create(ctx context.Context, file *domain.FileRecord) error {
	query := `
        INSERT INTO files (uuid, name, mime_type, size_bytes, status, owner_id)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(
		ctx,
		query,
		file.UUID,
		file.Name,
		file.MIMEType,
		file.SizeBytes,
		file.Status,
		file.OwnerID,
	).Scan(&file.CreatedAt, &file.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create file record: %w", err)
	}

	return nil
}

func (r *FileRepository) GetByUUID(ctx context.Context, fileUUID uuid.UUID) (*domain.FileRecord, error) {
	var file domain.FileRecord
	query := `SELECT * FROM files WHERE uuid = $1`

	err := r.db.GetContext(ctx, &file, query, fileUUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	return &file, nil
}

func (r *FileRepository) ListByOwner(ctx context.Context, ownerID string) ([]domain.FileRecord, error) {
	var files []domain.FileRecord
	query := `
        SELECT * FROM files
        WHERE owner_id = $1 AND status <> 'deleted_by_user'
        ORDER BY created_at DESC`

	err := r.db.SelectContext(ctx, &files, query, ownerID)
	if err != nil {
		return nil, err
	}

	return files, nil
}

// lockCanonicalKey берет advisory-лок транзакции на пару (owner, hash).
// Postgres по умолчанию работает в READ COMMITTED, этого недостаточно, чтобы
// две финализации с одинаковым хешем сериализовались сами по себе — лок
// обязателен. Освобождается вместе с коммитом или откатом транзакции.
func lockCanonicalKey(ctx context.Context, tx *sqlx.Tx, ownerID, contentHash string) error {
	_, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		ownerID+":"+contentHash)
	if err != nil {
		return fmt.Errorf("failed to acquire canonical lock: %w", err)
	}
	return nil
}

// ResolveAndClaim ищет существующую каноническую копию с тем же хешем,
// исключая собственную запись вызывающего (повторная финализация не должна
// дедуплицироваться сама на себя). Вызывается внутри транзакции, уже
// держащей лок на (owner, hash).
func (r *FileRepository) ResolveAndClaim(
	ctx context.Context,
	tx *sqlx.Tx,
	ownerID string,
	contentHash string,
	excludeFileID uuid.UUID,
) (*domain.FileRecord, error) {
	var canonical domain.FileRecord
	query := `
        SELECT * FROM files
        WHERE owner_id = $1
          AND content_hash = $2
          AND uuid <> $3
          AND is_canonical
          AND status = 'uploaded'
        LIMIT 1`

	err := tx.GetContext(ctx, &canonical, query, ownerID, contentHash, excludeFileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve canonical copy: %w", err)
	}

	return &canonical, nil
}

// Canonicalize решает судьбу финализируемого файла: стать канонической
// копией или дедуплицироваться на уже существующую. Решение и запись в
// собственную строку файла выполняются одной транзакцией.
func (r *FileRepository) Canonicalize(
	ctx context.Context,
	fileUUID uuid.UUID,
	ownerID string,
	contentHash string,
	sizeBytes int64,
) (*domain.CanonicalDecision, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := lockCanonicalKey(ctx, tx, ownerID, contentHash); err != nil {
		return nil, err
	}

	canonical, err := r.ResolveAndClaim(ctx, tx, ownerID, contentHash, fileUUID)
	if err != nil {
		return nil, err
	}

	if canonical != nil {
		// Каноническая копия уже есть: складываем свою запись в нее,
		// существующий канонический файл не трогаем
		query := `
            UPDATE files
            SET content_hash = $1,
                size_bytes = $2,
                status = 'deduplicated',
                is_canonical = FALSE,
                deduplicated_from = $3,
                updated_at = CURRENT_TIMESTAMP
            WHERE uuid = $4`

		if _, err := tx.ExecContext(ctx, query, contentHash, sizeBytes, canonical.UUID, fileUUID); err != nil {
			return nil, fmt.Errorf("failed to mark file deduplicated: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return nil, err
		}

		return &domain.CanonicalDecision{
			Action:    domain.ActionDeduplicated,
			Canonical: canonical,
		}, nil
	}

	query := `
        UPDATE files
        SET content_hash = $1,
            size_bytes = $2,
            status = 'uploaded',
            is_canonical = TRUE,
            updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $3`

	if _, err := tx.ExecContext(ctx, query, contentHash, sizeBytes, fileUUID); err != nil {
		return nil, fmt.Errorf("failed to claim canonical copy: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &domain.CanonicalDecision{Action: domain.ActionBecameCanonical}, nil
}

func (r *FileRepository) SetStatus(ctx context.Context, fileUUID uuid.UUID, status domain.FileStatus) error {
	query := `
        UPDATE files
        SET status = $1, updated_at = CURRENT_TIMESTAMP
        WHERE uuid = $2`

	result, err := r.db.ExecContext(ctx, query, status, fileUUID)
	if err != nil {
		return fmt.Errorf("failed to update file status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return domain.ErrFileNotFound
	}

	return nil
}

// DuplicateCount возвращает количество живых записей, дедуплицированных на
// данную каноническую копию. Пока их больше нуля, объект в S3 удалять нельзя.
func (r *FileRepository) DuplicateCount(ctx context.Context, canonicalUUID uuid.UUID) (int, error) {
	var count int
	query := `
        SELECT COUNT(*) FROM files
        WHERE deduplicated_from = $1 AND status = 'deduplicated'`

	err := r.db.GetContext(ctx, &count, query, canonicalUUID)
	if err != nil {
		return 0, fmt.Errorf("failed to count duplicates: %w", err)
	}

	return count, nil
}
