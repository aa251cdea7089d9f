// storage.go
package s3

import (
	"context"
	"io"
	"time"
)

// S3Object определяет интерфейс для объектов S3
type S3Object interface {
	io.ReadCloser
	ContentLength() int64
	ContentType() string
}

// s3Object реализует интерфейс S3Object
type s3Object struct {
	io.ReadCloser
	contentLength int64
	contentType   string
}

func (o *s3Object) ContentLength() int64 {
	return o.contentLength
}

func (o *s3Object) ContentType() string {
	return o.contentType
}

// Storage определяет интерфейс для работы с S3-совместимым хранилищем.
// Presigned-ссылки короткоживущие и генерируются заново на каждый запрос,
// кешировать их нельзя.
type Storage interface {
	PresignPut(ctx context.Context, key, contentType string, size int64, ttl time.Duration) (string, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	GetObject(ctx context.Context, key string) (S3Object, error)
	HeadObject(ctx context.Context, key string) (int64, error)
	UploadBytes(ctx context.Context, key, contentType string, data []byte) error
	DeleteObject(ctx context.Context, key string) error
}
