package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
)

// OutboxStatus — статус задачи на разбор документа
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusSending    OutboxStatus = "sending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusCompleted  OutboxStatus = "completed"
	OutboxStatusFailed     OutboxStatus = "failed"
	OutboxStatusNotACV     OutboxStatus = "not-a-cv"
)

// Terminal сообщает, является ли статус конечным
func (s OutboxStatus) Terminal() bool {
	switch s {
	case OutboxStatusCompleted, OutboxStatusFailed, OutboxStatusNotACV:
		return true
	}
	return false
}

// AcceptsOutcome сообщает, можно ли из этого статуса принять результат воркера.
// Результат может прийти и во время sending: воркер иногда отвечает раньше,
// чем продюсер успевает зафиксировать processing.
func (s OutboxStatus) AcceptsOutcome() bool {
	return s == OutboxStatusSending || s == OutboxStatusProcessing
}

// OutboxEvent — одно событие жизненного цикла задачи. События только
// добавляются, текущее состояние процесса — статус последнего события.
type OutboxEvent struct {
	ID        int64        `json:"id" db:"id"`
	ProcessID uuid.UUID    `json:"process_id" db:"process_id"`
	Status    OutboxStatus `json:"status" db:"status"`
	FileUUID  uuid.UUID    `json:"file_uuid" db:"file_uuid"`
	OwnerID   string       `json:"owner_id" db:"owner_id"`
	Error     *string      `json:"error,omitempty" db:"error"`
	CreatedAt time.Time    `json:"created_at" db:"created_at"`
}

// CvResult — разобранный воркером результат, один на процесс
type CvResult struct {
	ID        int64          `json:"id" db:"id"`
	ProcessID uuid.UUID      `json:"process_id" db:"process_id"`
	FileUUID  uuid.UUID      `json:"file_uuid" db:"file_uuid"`
	OwnerID   string         `json:"owner_id" db:"owner_id"`
	Data      types.JSONText `json:"data" db:"data"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// WorkerOutcome — входящий результат от воркера разбора
type WorkerOutcome struct {
	Status OutboxStatus   `json:"status"`
	Data   types.JSONText `json:"data,omitempty"`
	Error  *string        `json:"error,omitempty"`
	Usage  *TokenUsage    `json:"usage,omitempty"`
}

// OutcomeAck — ответ на callback воркера. duplicate=true означает повторную
// доставку уже обработанного результата.
type OutcomeAck struct {
	ProcessID uuid.UUID    `json:"process_id"`
	Status    OutboxStatus `json:"status"`
	Duplicate bool         `json:"duplicate"`
}

// ProcessFinalization — всё, что должно быть записано одной транзакцией при
// переводе процесса в конечное состояние: терминальное событие, результат,
// запись в леджере использования и инкремент окна лимита.
type ProcessFinalization struct {
	Event       *OutboxEvent
	ResultData  types.JSONText
	Usage       *UsageRecord
	CountWindow bool
	WindowLimit int
	FileStatus  FileStatus
}

// QueueJob — задача, отправляемая во внешнюю очередь разбора
type QueueJob struct {
	ProcessID uuid.UUID `json:"process_id"`
	FileID    uuid.UUID `json:"file_id"`
	OwnerID   string    `json:"owner_id"`
	FileType  string    `json:"file_type"`
}
