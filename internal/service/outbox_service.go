package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"cvingest/internal/domain"
)

const sweepBatchSize = 50

// ErrInvalidOutcome — некорректный payload результата: неизвестный статус
// или completed без данных. Отклоняется до каких-либо изменений состояния.
var ErrInvalidOutcome = errors.New("invalid worker outcome")

// OutboxStore — журнал событий процессов разбора. Реализуется репозиторием
// поверх Postgres; в тестах подменяется in-memory хранилищем.
type OutboxStore interface {
	CreateProcess(ctx context.Context, event *domain.OutboxEvent) error
	Latest(ctx context.Context, processID uuid.UUID) (*domain.OutboxEvent, error)
	LatestByFile(ctx context.Context, fileUUID uuid.UUID) (*domain.OutboxEvent, error)
	ClaimSending(ctx context.Context, processID uuid.UUID) (*domain.OutboxEvent, error)
	ConfirmProcessing(ctx context.Context, processID uuid.UUID) error
	ReleaseClaim(ctx context.Context, processID uuid.UUID) error
	Finalize(ctx context.Context, fin *domain.ProcessFinalization) (bool, error)
	Result(ctx context.Context, processID uuid.UUID) (*domain.CvResult, error)
	StalePending(ctx context.Context, minAge time.Duration, limit int) ([]domain.OutboxEvent, error)
}

// QueuePusher — продюсер внешней очереди разбора
type QueuePusher interface {
	Enqueue(ctx context.Context, job domain.QueueJob) error
}

// FileGetter — доступ к записям файлов, нужен мосту очереди для типа файла
type FileGetter interface {
	GetByUUID(ctx context.Context, fileUUID uuid.UUID) (*domain.FileRecord, error)
}

// OutboxService — конечный автомат процесса разбора:
// pending -> sending -> processing -> {completed | failed | not-a-cv}.
// Переходы выполняются добавлением событий, никогда — изменением.
type OutboxService struct {
	store       OutboxStore
	files       FileGetter
	queue       QueuePusher
	usage       *UsageService
	windowLimit int
}

func NewOutboxService(
	store OutboxStore,
	files FileGetter,
	queue QueuePusher,
	usage *UsageService,
	windowLimit int,
) *OutboxService {
	return &OutboxService{
		store:       store,
		files:       files,
		queue:       queue,
		usage:       usage,
		windowLimit: windowLimit,
	}
}

// StartProcess создает новый процесс разбора в статусе pending
func (s *OutboxService) StartProcess(ctx context.Context, fileUUID uuid.UUID, ownerID string) (*domain.OutboxEvent, error) {
	event := &domain.OutboxEvent{
		ProcessID: uuid.New(),
		Status:    domain.OutboxStatusPending,
		FileUUID:  fileUUID,
		OwnerID:   ownerID,
	}

	if err := s.store.CreateProcess(ctx, event); err != nil {
		return nil, fmt.Errorf("failed to create process: %w", err)
	}

	return event, nil
}

// Dispatch отправляет процесс во внешнюю очередь: условный переход
// pending -> sending, push, затем sending -> processing. Проигрыш гонки за
// pending — штатное событие, не ошибка. Неудачный push возвращает процесс
// в pending для повторной отправки свипером.
func (s *OutboxService) Dispatch(ctx context.Context, processID uuid.UUID) error {
	claimed, err := s.store.ClaimSending(ctx, processID)
	if errors.Is(err, domain.ErrAlreadyProcessing) {
		log.Printf("[Outbox] process %s already claimed by another producer", processID)
		return domain.ErrAlreadyProcessing
	}
	if err != nil {
		return fmt.Errorf("failed to claim process: %w", err)
	}

	file, err := s.files.GetByUUID(ctx, claimed.FileUUID)
	if err != nil {
		if relErr := s.store.ReleaseClaim(ctx, processID); relErr != nil {
			log.Printf("[Outbox] failed to release claim for %s: %v", processID, relErr)
		}
		return fmt.Errorf("failed to get file for dispatch: %w", err)
	}

	job := domain.QueueJob{
		ProcessID: processID,
		FileID:    claimed.FileUUID,
		OwnerID:   claimed.OwnerID,
		FileType:  file.MIMEType,
	}

	if err := s.queue.Enqueue(ctx, job); err != nil {
		// Push мог частично удаться: ReleaseClaim перечитает состояние
		// и откатит в pending только если наша sending всё ещё последняя
		if relErr := s.store.ReleaseClaim(ctx, processID); relErr != nil {
			log.Printf("[Outbox] failed to release claim for %s: %v", processID, relErr)
		}
		return fmt.Errorf("failed to enqueue process %s: %w", processID, err)
	}

	if err := s.store.ConfirmProcessing(ctx, processID); err != nil {
		return fmt.Errorf("failed to confirm processing: %w", err)
	}

	return nil
}

// ReportOutcome обрабатывает callback воркера. Повторная доставка уже
// обработанного результата — успех с duplicate=true и без side effects.
// Результат для процесса, который еще не отправлялся, — нарушение протокола.
func (s *OutboxService) ReportOutcome(ctx context.Context, processID uuid.UUID, outcome *domain.WorkerOutcome) (*domain.OutcomeAck, error) {
	if !outcome.Status.Terminal() {
		return nil, fmt.Errorf("%w: status %q is not terminal", ErrInvalidOutcome, outcome.Status)
	}
	if outcome.Status == domain.OutboxStatusCompleted && len(outcome.Data) == 0 {
		return nil, fmt.Errorf("%w: completed outcome requires a result payload", ErrInvalidOutcome)
	}

	latest, err := s.store.Latest(ctx, processID)
	if err != nil {
		return nil, err
	}

	event := &domain.OutboxEvent{
		ProcessID: processID,
		Status:    outcome.Status,
		FileUUID:  latest.FileUUID,
		OwnerID:   latest.OwnerID,
	}
	if outcome.Status == domain.OutboxStatusFailed {
		event.Error = outcome.Error
	}

	fin := &domain.ProcessFinalization{
		Event:       event,
		WindowLimit: s.windowLimit,
	}

	switch outcome.Status {
	case domain.OutboxStatusCompleted:
		fin.ResultData = outcome.Data
		fin.CountWindow = true
	case domain.OutboxStatusNotACV:
		// Документ обработан и отвергнут: токены потрачены, окно считается
		fin.CountWindow = true
		fin.FileStatus = domain.FileStatusRejected
	}

	// Токены тратились и на отвергнутые документы; неудачный разбор
	// не тарифицируется
	if outcome.Status != domain.OutboxStatusFailed && outcome.Usage != nil && !outcome.Usage.IsZero() {
		fin.Usage = s.usage.BuildSpend(
			processID,
			"outbox_events",
			latest.OwnerID,
			domain.OperationCvParse,
			*outcome.Usage,
		)
	}

	duplicate, err := s.store.Finalize(ctx, fin)
	if err != nil {
		return nil, err
	}

	if duplicate {
		log.Printf("[Outbox] duplicate outcome delivery for process %s", processID)
	}

	return &domain.OutcomeAck{
		ProcessID: processID,
		Status:    outcome.Status,
		Duplicate: duplicate,
	}, nil
}

// Status возвращает текущее состояние процесса
func (s *OutboxService) Status(ctx context.Context, processID uuid.UUID) (*domain.OutboxEvent, error) {
	return s.store.Latest(ctx, processID)
}

// StatusByFile возвращает состояние последнего процесса файла
func (s *OutboxService) StatusByFile(ctx context.Context, fileUUID uuid.UUID) (*domain.OutboxEvent, error) {
	return s.store.LatestByFile(ctx, fileUUID)
}

// Result возвращает сохраненный результат разбора
func (s *OutboxService) Result(ctx context.Context, processID uuid.UUID) (*domain.CvResult, error) {
	return s.store.Result(ctx, processID)
}

// SweepPending повторно отправляет процессы, задержавшиеся в pending.
// Проигранные гонки за отдельные процессы пропускаются молча.
func (s *OutboxService) SweepPending(ctx context.Context, minAge time.Duration) error {
	stale, err := s.store.StalePending(ctx, minAge, sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to list stale pending: %w", err)
	}

	for _, event := range stale {
		if err := s.Dispatch(ctx, event.ProcessID); err != nil {
			if errors.Is(err, domain.ErrAlreadyProcessing) {
				continue
			}
			log.Printf("[Outbox] sweep dispatch failed for %s: %v", event.ProcessID, err)
		}
	}

	if len(stale) > 0 {
		log.Printf("[Outbox] sweep re-dispatched %d pending processes", len(stale))
	}

	return nil
}
