package service

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cvingest/internal/config"
	"cvingest/internal/domain"
	"cvingest/internal/service/s3"
)

// fakeStorage — in-memory реализация s3.Storage
type fakeStorage struct {
	objects map[string][]byte
	deleted []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

type fakeObject struct {
	io.Reader
	size int64
}

func (o *fakeObject) Close() error         { return nil }
func (o *fakeObject) ContentLength() int64 { return o.size }
func (o *fakeObject) ContentType() string  { return "application/octet-stream" }

func (f *fakeStorage) PresignPut(_ context.Context, key, _ string, _ int64, _ time.Duration) (string, error) {
	return "https://storage.test/put/" + key, nil
}

func (f *fakeStorage) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://storage.test/get/" + key, nil
}

func (f *fakeStorage) GetObject(_ context.Context, key string) (s3.S3Object, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, s3.ErrObjectNotFound
	}
	return &fakeObject{Reader: bytes.NewReader(data), size: int64(len(data))}, nil
}

func (f *fakeStorage) HeadObject(_ context.Context, key string) (int64, error) {
	data, ok := f.objects[key]
	if !ok {
		return 0, s3.ErrObjectNotFound
	}
	return int64(len(data)), nil
}

func (f *fakeStorage) UploadBytes(_ context.Context, key, _ string, data []byte) error {
	f.objects[key] = data
	return nil
}

func (f *fakeStorage) DeleteObject(_ context.Context, key string) error {
	delete(f.objects, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type uploadFixture struct {
	files   *memFileStore
	storage *fakeStorage
	queue   *fakeQueue
	usage   *memUsageStore
	outbox  *OutboxService
	windows *memWindowStore
	svc     *UploadService
}

func newUploadFixture(limits config.LimitsConfig) *uploadFixture {
	files := newMemFileStore()
	storage := newFakeStorage()
	queue := &fakeQueue{}
	usage := newMemUsageStore()
	store := newMemOutboxStore(usage, files)
	windows := newMemWindowStore(time.Now)

	outbox := NewOutboxService(store, files, queue, NewUsageService(usage, testPricing()), limits.CvWindowLimit)
	rateLimit := NewRateLimitService(windows, limits.CvWindowLimit)

	return &uploadFixture{
		files:   files,
		storage: storage,
		queue:   queue,
		usage:   usage,
		outbox:  outbox,
		windows: windows,
		svc:     NewUploadService(files, outbox, storage, rateLimit, limits),
	}
}

func testLimits() config.LimitsConfig {
	return config.LimitsConfig{
		CvWindowLimit:    10,
		MaxFileSizeBytes: 1 << 20,
		PresignTTLS:      900,
	}
}

// uploadAndFinalize проходит полный путь загрузки: заявка, запись байтов в
// хранилище, финализация
func (f *uploadFixture) uploadAndFinalize(t *testing.T, ownerID string, content []byte) (*FinalizeResult, *domain.FileRecord) {
	t.Helper()
	ctx := context.Background()

	intent, err := f.svc.CreateUpload(ctx, ownerID, "resume.pdf", "application/pdf", int64(len(content)))
	require.NoError(t, err)
	require.NoError(t, f.storage.UploadBytes(ctx, intent.File.ObjectKey(), "application/pdf", content))

	result, err := f.svc.FinalizeUpload(ctx, ownerID, intent.File.UUID)
	require.NoError(t, err)
	return result, intent.File
}

func TestUploadService_CreateUpload(t *testing.T) {
	ctx := context.Background()

	t.Run("issues a presigned put for a pending record", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		intent, err := f.svc.CreateUpload(ctx, "user-1", "resume.pdf", "application/pdf", 1024)
		require.NoError(t, err)

		assert.Equal(t, domain.FileStatusPending, intent.File.Status)
		assert.Equal(t, "https://storage.test/put/"+intent.File.ObjectKey(), intent.UploadURL)
		assert.Equal(t, int64(900), intent.ExpiresIn)

		stored, err := f.files.GetByUUID(ctx, intent.File.UUID)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusPending, stored.Status)
	})

	t.Run("rejects unsupported document types", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, err := f.svc.CreateUpload(ctx, "user-1", "movie.mp4", "video/mp4", 1024)
		assert.ErrorIs(t, err, ErrUnsupportedType)
	})

	t.Run("rejects oversized declarations", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, err := f.svc.CreateUpload(ctx, "user-1", "resume.pdf", "application/pdf", (1<<20)+1)
		assert.ErrorIs(t, err, ErrFileTooLarge)
	})
}

func TestUploadService_FinalizeUpload(t *testing.T) {
	ctx := context.Background()
	content := []byte("dear hiring manager, here is my resume")

	t.Run("first copy becomes canonical and gets dispatched", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		result, file := f.uploadAndFinalize(t, "user-1", content)

		assert.Equal(t, domain.ActionBecameCanonical, result.Action)
		assert.Equal(t, domain.FileStatusUploaded, result.File.Status)
		assert.True(t, result.File.IsCanonical)
		require.NotNil(t, result.File.ContentHash)
		require.NotNil(t, result.ProcessID)
		assert.Equal(t, domain.OutboxStatusProcessing, result.ProcessStatus)

		require.Len(t, f.queue.jobs, 1)
		assert.Equal(t, file.UUID, f.queue.jobs[0].FileID)
	})

	t.Run("same content deduplicates without a second process", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		first, _ := f.uploadAndFinalize(t, "user-1", content)
		second, dup := f.uploadAndFinalize(t, "user-1", content)

		assert.Equal(t, domain.ActionDeduplicated, second.Action)
		require.NotNil(t, second.Canonical)
		assert.Equal(t, first.File.UUID, second.Canonical.UUID)
		assert.Equal(t, *first.File.ContentHash, *second.File.ContentHash)

		// Дубликат указывает на процесс канонической копии
		require.NotNil(t, second.ProcessID)
		assert.Equal(t, *first.ProcessID, *second.ProcessID)
		assert.Len(t, f.queue.jobs, 1)

		// Собственный объект дубликата удален
		assert.Contains(t, f.storage.deleted, dup.ObjectKey())
	})

	t.Run("same content for another owner is canonical again", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		f.uploadAndFinalize(t, "user-1", content)
		result, _ := f.uploadAndFinalize(t, "user-2", content)

		assert.Equal(t, domain.ActionBecameCanonical, result.Action)
		assert.Len(t, f.queue.jobs, 2)
	})

	t.Run("retry replays the original decision", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		first, file := f.uploadAndFinalize(t, "user-1", content)

		replay, err := f.svc.FinalizeUpload(ctx, "user-1", file.UUID)
		require.NoError(t, err)
		assert.Equal(t, domain.ActionBecameCanonical, replay.Action)
		require.NotNil(t, replay.ProcessID)
		assert.Equal(t, *first.ProcessID, *replay.ProcessID)
		assert.Len(t, f.queue.jobs, 1)
	})

	t.Run("blocked by the rolling window limit", func(t *testing.T) {
		limits := testLimits()
		limits.CvWindowLimit = 1
		f := newUploadFixture(limits)

		f.uploadAndFinalize(t, "user-1", content)
		// Финализация продвигает окно только после исхода воркера; забиваем
		// счетчик вручную
		f.windows.windows["user-1"].Used = 1

		intent, err := f.svc.CreateUpload(ctx, "user-1", "resume2.pdf", "application/pdf", int64(len(content)))
		require.NoError(t, err)
		require.NoError(t, f.storage.UploadBytes(ctx, intent.File.ObjectKey(), "application/pdf", []byte("different content")))

		_, err = f.svc.FinalizeUpload(ctx, "user-1", intent.File.UUID)
		assert.ErrorIs(t, err, ErrLimitExceeded)
	})

	t.Run("queue failure leaves the process pending", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		f.queue.err = assert.AnError

		result, _ := f.uploadAndFinalize(t, "user-1", content)

		assert.Equal(t, domain.ActionBecameCanonical, result.Action)
		require.NotNil(t, result.ProcessID)
		assert.Equal(t, domain.OutboxStatusPending, result.ProcessStatus)

		// Свипер добивает отправку после восстановления очереди
		f.queue.err = nil
		require.NoError(t, f.outbox.SweepPending(ctx, 0))

		latest, err := f.outbox.Status(ctx, *result.ProcessID)
		require.NoError(t, err)
		assert.Equal(t, domain.OutboxStatusProcessing, latest.Status)
	})

	t.Run("missing content fails finalization", func(t *testing.T) {
		f := newUploadFixture(testLimits())

		intent, err := f.svc.CreateUpload(ctx, "user-1", "resume.pdf", "application/pdf", 1024)
		require.NoError(t, err)

		_, err = f.svc.FinalizeUpload(ctx, "user-1", intent.File.UUID)
		assert.ErrorIs(t, err, ErrContentMissing)
	})

	t.Run("foreign file is invisible", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, file := f.uploadAndFinalize(t, "user-1", content)

		_, err := f.svc.FinalizeUpload(ctx, "user-2", file.UUID)
		assert.ErrorIs(t, err, domain.ErrFileNotFound)
	})
}

func TestUploadService_GetFile(t *testing.T) {
	ctx := context.Background()
	content := []byte("plain text resume")

	t.Run("fresh link for the canonical object", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, file := f.uploadAndFinalize(t, "user-1", content)

		view, err := f.svc.GetFile(ctx, "user-1", file.UUID)
		require.NoError(t, err)
		assert.Equal(t, "https://storage.test/get/"+file.ObjectKey(), view.DownloadURL)
	})

	t.Run("duplicate links to the canonical object", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		first, _ := f.uploadAndFinalize(t, "user-1", content)
		_, dup := f.uploadAndFinalize(t, "user-1", content)

		view, err := f.svc.GetFile(ctx, "user-1", dup.UUID)
		require.NoError(t, err)
		assert.Equal(t, "https://storage.test/get/"+first.File.ObjectKey(), view.DownloadURL)
	})
}

func TestUploadService_DeleteFile(t *testing.T) {
	ctx := context.Background()
	content := []byte("resume to be deleted")

	t.Run("canonical object survives while duplicates reference it", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		first, _ := f.uploadAndFinalize(t, "user-1", content)
		f.uploadAndFinalize(t, "user-1", content)

		require.NoError(t, f.svc.DeleteFile(ctx, "user-1", first.File.UUID))

		_, ok := f.storage.objects[first.File.ObjectKey()]
		assert.True(t, ok, "canonical object must stay while a duplicate is alive")

		stored, err := f.files.GetByUUID(ctx, first.File.UUID)
		require.NoError(t, err)
		assert.Equal(t, domain.FileStatusDeleted, stored.Status)
	})

	t.Run("object removed once the last reference is gone", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		first, _ := f.uploadAndFinalize(t, "user-1", content)
		_, dup := f.uploadAndFinalize(t, "user-1", content)

		require.NoError(t, f.svc.DeleteFile(ctx, "user-1", dup.UUID))
		require.NoError(t, f.svc.DeleteFile(ctx, "user-1", first.File.UUID))

		_, ok := f.storage.objects[first.File.ObjectKey()]
		assert.False(t, ok)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		first, _ := f.uploadAndFinalize(t, "user-1", content)

		require.NoError(t, f.svc.DeleteFile(ctx, "user-1", first.File.UUID))
		require.NoError(t, f.svc.DeleteFile(ctx, "user-1", first.File.UUID))
	})
}

func TestUploadService_GetResult(t *testing.T) {
	ctx := context.Background()
	content := []byte("resume with a result")
	payload := types.JSONText(`{"name":"Jane Doe"}`)

	t.Run("duplicate reads the canonical result", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		first, _ := f.uploadAndFinalize(t, "user-1", content)
		_, dup := f.uploadAndFinalize(t, "user-1", content)

		_, err := f.outbox.ReportOutcome(ctx, *first.ProcessID, &domain.WorkerOutcome{
			Status: domain.OutboxStatusCompleted,
			Data:   payload,
			Usage:  &domain.TokenUsage{PromptTokens: 1000},
		})
		require.NoError(t, err)

		result, err := f.svc.GetResult(ctx, "user-1", dup.UUID)
		require.NoError(t, err)
		assert.JSONEq(t, string(payload), string(result.Data))
	})

	t.Run("no result until the worker completes", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, file := f.uploadAndFinalize(t, "user-1", content)

		_, err := f.svc.GetResult(ctx, "user-1", file.UUID)
		assert.ErrorIs(t, err, domain.ErrResultNotFound)
	})

	t.Run("unknown file", func(t *testing.T) {
		f := newUploadFixture(testLimits())
		_, err := f.svc.GetResult(ctx, "user-1", uuid.New())
		assert.ErrorIs(t, err, domain.ErrFileNotFound)
	})
}
