package preview

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/h2non/bimg"
	"github.com/jmoiron/sqlx"

	"cvingest/internal/domain"
	"cvingest/internal/service/s3"
)

const (
	maxImageSize = 512 // максимальный размер превью в пикселях
	jpegQuality  = 85  // качество JPEG
	maxSourceLen = 32 * 1024 * 1024
)

// ErrUnsupported — превью для этого типа документа не строится
var ErrUnsupported = errors.New("preview not supported for this document type")

// Service строит и кеширует превью для загруженных изображений
// (сканы резюме). Готовые превью лежат в S3, факт наличия — в file_previews.
type Service struct {
	s3Client s3.Storage
	db       *sqlx.DB
}

func NewService(s3Client s3.Storage, db *sqlx.DB) *Service {
	return &Service{
		s3Client: s3Client,
		db:       db,
	}
}

// StartCleanupTask запускает периодическую очистку старых превью
func (s *Service) StartCleanupTask() {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		for range ticker.C {
			s.cleanupOldPreviews(context.Background())
		}
	}()
}

// cleanupOldPreviews удаляет превью старше 30 дней из S3 и базы
func (s *Service) cleanupOldPreviews(ctx context.Context) {
	log.Printf("[Preview] starting preview cleanup task")

	var keys []string
	query := `
        DELETE FROM file_previews
        WHERE created_at < NOW() - INTERVAL '30 days'
        RETURNING s3_key`

	if err := s.db.SelectContext(ctx, &keys, query); err != nil {
		log.Printf("[Preview] error cleaning up old previews: %v", err)
		return
	}

	for _, key := range keys {
		if err := s.s3Client.DeleteObject(ctx, key); err != nil {
			log.Printf("[Preview] error deleting preview from S3: %v", err)
		}
	}

	log.Printf("[Preview] cleanup removed %d old previews", len(keys))
}

// GetOrGeneratePreview возвращает превью файла, при необходимости генерируя
// и кешируя его
func (s *Service) GetOrGeneratePreview(ctx context.Context, file *domain.FileRecord) ([]byte, error) {
	if !strings.HasPrefix(file.MIMEType, "image/") {
		return nil, ErrUnsupported
	}

	var cached domain.FilePreview
	err := s.db.GetContext(ctx, &cached,
		`SELECT * FROM file_previews WHERE file_uuid = $1`, file.UUID)
	if err == nil {
		obj, err := s.s3Client.GetObject(ctx, cached.S3Key)
		if err == nil {
			defer obj.Close()
			data, err := io.ReadAll(obj)
			if err == nil {
				return data, nil
			}
			log.Printf("[Preview] failed to read cached preview %s: %v", cached.S3Key, err)
		} else {
			log.Printf("[Preview] cached preview %s missing in S3, regenerating: %v", cached.S3Key, err)
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check preview cache: %w", err)
	}

	return s.generate(ctx, file)
}

func (s *Service) generate(ctx context.Context, file *domain.FileRecord) ([]byte, error) {
	obj, err := s.s3Client.GetObject(ctx, file.ObjectKey())
	if err != nil {
		return nil, fmt.Errorf("failed to get source object: %w", err)
	}
	defer obj.Close()

	source, err := io.ReadAll(io.LimitReader(obj, maxSourceLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read source object: %w", err)
	}

	preview, err := bimg.NewImage(source).Process(bimg.Options{
		Width:   maxImageSize,
		Height:  maxImageSize,
		Quality: jpegQuality,
		Type:    bimg.JPEG,
		Enlarge: false,
		Embed:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate preview: %w", err)
	}

	key := file.PreviewKey()
	if err := s.s3Client.UploadBytes(ctx, key, "image/jpeg", preview); err != nil {
		return nil, fmt.Errorf("failed to store preview: %w", err)
	}

	query := `
        INSERT INTO file_previews (file_uuid, s3_key, size_bytes)
        VALUES ($1, $2, $3)
        ON CONFLICT (file_uuid) DO UPDATE
        SET s3_key = $2, size_bytes = $3, created_at = CURRENT_TIMESTAMP`

	if _, err := s.db.ExecContext(ctx, query, file.UUID, key, len(preview)); err != nil {
		return nil, fmt.Errorf("failed to record preview: %w", err)
	}

	return preview, nil
}
