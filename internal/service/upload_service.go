package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"cvingest/internal/config"
	"cvingest/internal/domain"
	"cvingest/internal/service/s3"
)

// Определение пользовательских ошибок
var (
	ErrFileTooLarge    = errors.New("file size exceeds maximum allowed size")
	ErrUnsupportedType = errors.New("unsupported document type")
	ErrLimitExceeded   = errors.New("cv processing limit exceeded")
	ErrNotFinalizable  = errors.New("file is not awaiting finalization")
	ErrContentMissing  = errors.New("uploaded content not found in storage")
)

// Типы документов, которые принимает пайплайн разбора
var allowedMIMETypes = map[string]bool{
	"application/pdf": true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"text/plain": true,
}

// FileStore — хранилище записей файлов
type FileStore interface {
	Create(ctx context.Context, file *domain.FileRecord) error
	GetByUUID(ctx context.Context, fileUUID uuid.UUID) (*domain.FileRecord, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.FileRecord, error)
	Canonicalize(ctx context.Context, fileUUID uuid.UUID, ownerID, contentHash string, sizeBytes int64) (*domain.CanonicalDecision, error)
	SetStatus(ctx context.Context, fileUUID uuid.UUID, status domain.FileStatus) error
	DuplicateCount(ctx context.Context, canonicalUUID uuid.UUID) (int, error)
}

// UploadService — прием документов: выдача presigned-ссылок, финализация с
// канонизацией по хешу содержимого и запуск процесса разбора.
type UploadService struct {
	files     FileStore
	outbox    *OutboxService
	storage   s3.Storage
	rateLimit *RateLimitService
	limits    config.LimitsConfig
}

func NewUploadService(
	files FileStore,
	outbox *OutboxService,
	storage s3.Storage,
	rateLimit *RateLimitService,
	limits config.LimitsConfig,
) *UploadService {
	return &UploadService{
		files:     files,
		outbox:    outbox,
		storage:   storage,
		rateLimit: rateLimit,
		limits:    limits,
	}
}

// UploadIntent — ответ на заявку: запись файла и ссылка для прямой загрузки
type UploadIntent struct {
	File      *domain.FileRecord `json:"file"`
	UploadURL string             `json:"upload_url"`
	ExpiresIn int64              `json:"expires_in"`
}

// CreateUpload регистрирует заявку на загрузку и выдает presigned PUT.
// Ссылка короткоживущая и генерируется заново на каждый запрос.
func (s *UploadService) CreateUpload(ctx context.Context, ownerID, name, mimeType string, sizeBytes int64) (*UploadIntent, error) {
	if name == "" || ownerID == "" {
		return nil, fmt.Errorf("name and owner are required")
	}
	if sizeBytes <= 0 || sizeBytes > s.limits.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: max size is %d bytes", ErrFileTooLarge, s.limits.MaxFileSizeBytes)
	}
	if !allowedMIMETypes[mimeType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mimeType)
	}

	file := &domain.FileRecord{
		UUID:      uuid.New(),
		Name:      name,
		MIMEType:  mimeType,
		SizeBytes: sizeBytes,
		Status:    domain.FileStatusPending,
		OwnerID:   ownerID,
	}

	if err := s.files.Create(ctx, file); err != nil {
		return nil, fmt.Errorf("failed to create file record: %w", err)
	}

	ttl := time.Duration(s.limits.PresignTTLS) * time.Second
	url, err := s.storage.PresignPut(ctx, file.ObjectKey(), mimeType, sizeBytes, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to presign upload: %w", err)
	}

	return &UploadIntent{
		File:      file,
		UploadURL: url,
		ExpiresIn: int64(ttl.Seconds()),
	}, nil
}

// FinalizeResult — исход финализации загрузки
type FinalizeResult struct {
	Action        domain.CanonicalAction `json:"action"`
	File          *domain.FileRecord     `json:"file"`
	Canonical     *domain.FileRecord     `json:"canonical,omitempty"`
	ProcessID     *uuid.UUID             `json:"process_id,omitempty"`
	ProcessStatus domain.OutboxStatus    `json:"process_status,omitempty"`
}

// FinalizeUpload завершает загрузку: считает хеш содержимого, решает судьбу
// копии (каноническая или дубликат) и для канонической создает процесс
// разбора с отправкой в очередь. Повторная финализация уже завершенного
// файла идемпотентна.
func (s *UploadService) FinalizeUpload(ctx context.Context, ownerID string, fileUUID uuid.UUID) (*FinalizeResult, error) {
	file, err := s.files.GetByUUID(ctx, fileUUID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.ErrFileNotFound
	}

	switch file.Status {
	case domain.FileStatusPending:
		// обычный путь
	case domain.FileStatusUploaded, domain.FileStatusDeduplicated:
		// Ретрай финализации: отдаем уже принятое решение
		return s.finalizeReplay(ctx, file)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotFinalizable, file.Status)
	}

	info, err := s.rateLimit.CheckLimit(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !info.Allowed {
		return nil, ErrLimitExceeded
	}

	contentHash, sizeBytes, err := s.hashObject(ctx, file.ObjectKey())
	if err != nil {
		return nil, err
	}
	if sizeBytes > s.limits.MaxFileSizeBytes {
		if err := s.files.SetStatus(ctx, file.UUID, domain.FileStatusFailed); err != nil {
			log.Printf("[Upload] failed to mark oversized file %s: %v", file.UUID, err)
		}
		return nil, fmt.Errorf("%w: max size is %d bytes", ErrFileTooLarge, s.limits.MaxFileSizeBytes)
	}

	decision, err := s.files.Canonicalize(ctx, file.UUID, ownerID, contentHash, sizeBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize upload: %w", err)
	}

	file.ContentHash = &contentHash
	file.SizeBytes = sizeBytes

	if decision.Action == domain.ActionDeduplicated {
		file.Status = domain.FileStatusDeduplicated
		file.IsCanonical = false
		file.DeduplicatedFrom = &decision.Canonical.UUID

		// Собственный объект дубликата больше не нужен
		if err := s.storage.DeleteObject(ctx, file.ObjectKey()); err != nil {
			log.Printf("[Upload] failed to delete duplicate object %s: %v", file.ObjectKey(), err)
		}

		result := &FinalizeResult{
			Action:    domain.ActionDeduplicated,
			File:      file,
			Canonical: decision.Canonical,
		}
		s.attachProcess(ctx, result, decision.Canonical.UUID)
		return result, nil
	}

	file.Status = domain.FileStatusUploaded
	file.IsCanonical = true

	event, err := s.outbox.StartProcess(ctx, file.UUID, ownerID)
	if err != nil {
		return nil, err
	}

	result := &FinalizeResult{
		Action:        domain.ActionBecameCanonical,
		File:          file,
		ProcessID:     &event.ProcessID,
		ProcessStatus: domain.OutboxStatusPending,
	}

	// Неудачная отправка не валит финализацию: процесс остается в pending,
	// его подберет свипер
	if err := s.outbox.Dispatch(ctx, event.ProcessID); err != nil {
		if !errors.Is(err, domain.ErrAlreadyProcessing) {
			log.Printf("[Upload] dispatch failed for process %s: %v", event.ProcessID, err)
			return result, nil
		}
	}
	result.ProcessStatus = domain.OutboxStatusProcessing

	return result, nil
}

// finalizeReplay отдает результат уже состоявшейся финализации
func (s *UploadService) finalizeReplay(ctx context.Context, file *domain.FileRecord) (*FinalizeResult, error) {
	if file.Status == domain.FileStatusDeduplicated {
		canonical, err := s.files.GetByUUID(ctx, *file.DeduplicatedFrom)
		if err != nil {
			return nil, err
		}
		result := &FinalizeResult{
			Action:    domain.ActionDeduplicated,
			File:      file,
			Canonical: canonical,
		}
		s.attachProcess(ctx, result, canonical.UUID)
		return result, nil
	}

	result := &FinalizeResult{
		Action: domain.ActionBecameCanonical,
		File:   file,
	}
	s.attachProcess(ctx, result, file.UUID)
	return result, nil
}

func (s *UploadService) attachProcess(ctx context.Context, result *FinalizeResult, fileUUID uuid.UUID) {
	event, err := s.outbox.StatusByFile(ctx, fileUUID)
	if err != nil {
		if !errors.Is(err, domain.ErrProcessNotFound) {
			log.Printf("[Upload] failed to get process state for %s: %v", fileUUID, err)
		}
		return
	}
	result.ProcessID = &event.ProcessID
	result.ProcessStatus = event.Status
}

// hashObject читает объект из S3 потоком через sha256
func (s *UploadService) hashObject(ctx context.Context, key string) (string, int64, error) {
	obj, err := s.storage.GetObject(ctx, key)
	if err != nil {
		if errors.Is(err, s3.ErrObjectNotFound) {
			return "", 0, ErrContentMissing
		}
		return "", 0, fmt.Errorf("failed to get uploaded object: %w", err)
	}
	defer obj.Close()

	hasher := sha256.New()
	size, err := io.Copy(hasher, obj)
	if err != nil {
		return "", 0, fmt.Errorf("failed to hash object: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// FileView — запись файла со свежей ссылкой на скачивание
type FileView struct {
	File        *domain.FileRecord `json:"file"`
	DownloadURL string             `json:"download_url,omitempty"`
}

func (s *UploadService) ListFiles(ctx context.Context, ownerID string) ([]domain.FileRecord, error) {
	return s.files.ListByOwner(ctx, ownerID)
}

// GetFile возвращает файл со свежесгенерированной presigned-ссылкой.
// Для дубликата ссылка указывает на объект канонической копии.
func (s *UploadService) GetFile(ctx context.Context, ownerID string, fileUUID uuid.UUID) (*FileView, error) {
	file, err := s.files.GetByUUID(ctx, fileUUID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.ErrFileNotFound
	}

	view := &FileView{File: file}

	target := file
	if file.Status == domain.FileStatusDeduplicated && file.DeduplicatedFrom != nil {
		target, err = s.files.GetByUUID(ctx, *file.DeduplicatedFrom)
		if err != nil {
			return nil, err
		}
	}

	if target.Status == domain.FileStatusUploaded || target.Status == domain.FileStatusRejected {
		ttl := time.Duration(s.limits.PresignTTLS) * time.Second
		url, err := s.storage.PresignGet(ctx, target.ObjectKey(), ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to presign download: %w", err)
		}
		view.DownloadURL = url
	}

	return view, nil
}

// DeleteFile помечает файл удаленным. Объект в S3 удаляется только когда на
// каноническую копию больше не ссылаются живые дубликаты.
func (s *UploadService) DeleteFile(ctx context.Context, ownerID string, fileUUID uuid.UUID) error {
	file, err := s.files.GetByUUID(ctx, fileUUID)
	if err != nil {
		return err
	}
	if file.OwnerID != ownerID {
		return domain.ErrFileNotFound
	}
	if file.Status == domain.FileStatusDeleted {
		return nil
	}

	wasDeduplicated := file.Status == domain.FileStatusDeduplicated

	if err := s.files.SetStatus(ctx, fileUUID, domain.FileStatusDeleted); err != nil {
		return err
	}

	// У дубликата собственного объекта уже нет
	if wasDeduplicated {
		return nil
	}

	if file.IsCanonical {
		count, err := s.files.DuplicateCount(ctx, fileUUID)
		if err != nil {
			return err
		}
		if count > 0 {
			log.Printf("[Upload] keeping object %s: %d duplicates still reference it", file.ObjectKey(), count)
			return nil
		}
	}

	if err := s.storage.DeleteObject(ctx, file.ObjectKey()); err != nil {
		log.Printf("[Upload] failed to delete object %s: %v", file.ObjectKey(), err)
	}

	return nil
}

// GetResult возвращает разобранный результат для файла. Для дубликата
// результат берется у канонической копии.
func (s *UploadService) GetResult(ctx context.Context, ownerID string, fileUUID uuid.UUID) (*domain.CvResult, error) {
	file, err := s.files.GetByUUID(ctx, fileUUID)
	if err != nil {
		return nil, err
	}
	if file.OwnerID != ownerID {
		return nil, domain.ErrFileNotFound
	}

	target := file.UUID
	if file.Status == domain.FileStatusDeduplicated && file.DeduplicatedFrom != nil {
		target = *file.DeduplicatedFrom
	}

	event, err := s.outbox.StatusByFile(ctx, target)
	if err != nil {
		if errors.Is(err, domain.ErrProcessNotFound) {
			return nil, domain.ErrResultNotFound
		}
		return nil, err
	}
	if event.Status != domain.OutboxStatusCompleted {
		return nil, domain.ErrResultNotFound
	}

	return s.outbox.Result(ctx, event.ProcessID)
}
