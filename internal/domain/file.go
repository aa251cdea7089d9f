package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FileStatus — статус загруженного документа
type FileStatus string

const (
	FileStatusPending      FileStatus = "pending"
	FileStatusUploaded     FileStatus = "uploaded"
	FileStatusDeduplicated FileStatus = "deduplicated"
	FileStatusFailed       FileStatus = "failed"
	FileStatusRejected     FileStatus = "rejected"
	FileStatusDeleted      FileStatus = "deleted_by_user"
)

// FileRecord — один загруженный артефакт. content_hash заполняется только
// после того, как содержимое полностью получено, и больше не меняется.
type FileRecord struct {
	UUID             uuid.UUID  `json:"uuid" db:"uuid"`
	Name             string     `json:"name" db:"name"`
	MIMEType         string     `json:"mime_type" db:"mime_type"`
	SizeBytes        int64      `json:"size_bytes" db:"size_bytes"`
	ContentHash      *string    `json:"content_hash,omitempty" db:"content_hash"`
	Status           FileStatus `json:"status" db:"status"`
	IsCanonical      bool       `json:"is_canonical" db:"is_canonical"`
	DeduplicatedFrom *uuid.UUID `json:"deduplicated_from,omitempty" db:"deduplicated_from"`
	OwnerID          string     `json:"owner_id" db:"owner_id"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

// ObjectKey возвращает ключ объекта файла в S3
func (f *FileRecord) ObjectKey() string {
	return fmt.Sprintf("cv_uploads/%s/%s", f.OwnerID, f.UUID)
}

// PreviewKey возвращает ключ превью файла в S3
func (f *FileRecord) PreviewKey() string {
	return fmt.Sprintf("cv_uploads/%s/previews/%s", f.OwnerID, f.UUID)
}

// CanonicalAction — исход канонизации при финализации загрузки
type CanonicalAction string

const (
	ActionBecameCanonical CanonicalAction = "became_canonical"
	ActionDeduplicated    CanonicalAction = "deduplicated"
)

// CanonicalDecision — результат ResolveAndClaim: либо файл стал канонической
// копией, либо уже существует каноническая копия с тем же хешем.
type CanonicalDecision struct {
	Action    CanonicalAction `json:"action"`
	Canonical *FileRecord     `json:"canonical,omitempty"`
}

// FilePreview — закешированное превью документа
type FilePreview struct {
	FileUUID  uuid.UUID `db:"file_uuid"`
	S3Key     string    `db:"s3_key"`
	SizeBytes int64     `db:"size_bytes"`
	CreatedAt time.Time `db:"created_at"`
}
