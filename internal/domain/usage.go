package domain

import (
	"time"

	"github.com/google/uuid"
)

// OperationType — тип тарифицируемой операции. Начисления и списания живут
// в одной таблице и различаются категорией типа.
type OperationType string

const (
	OperationCvParse       OperationType = "cv_parse"
	OperationSignupBonus   OperationType = "signup_bonus"
	OperationReferralBonus OperationType = "referral_bonus"
	OperationAdminGrant    OperationType = "admin_grant"
	OperationPromotion     OperationType = "promotion"
)

// IsGrant сообщает, является ли операция начислением кредитов
func (t OperationType) IsGrant() bool {
	switch t {
	case OperationSignupBonus, OperationReferralBonus, OperationAdminGrant, OperationPromotion:
		return true
	}
	return false
}

// TokenUsage — количество токенов, потраченных воркером на один документ
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// IsZero сообщает, что токены не тратились. Нулевое использование никогда
// не создает записи в леджере.
func (u TokenUsage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0
}

// UsageRecord — одна тарифицированная операция. Пара (reference_id,
// operation_type) глобально уникальна: повторная попытка записать ту же
// операцию возвращает первую запись, а не создает дубликат.
type UsageRecord struct {
	ID               int64         `json:"id" db:"id"`
	ReferenceTable   string        `json:"reference_table" db:"reference_table"`
	ReferenceID      uuid.UUID     `json:"reference_id" db:"reference_id"`
	OwnerID          string        `json:"owner_id" db:"owner_id"`
	OperationType    OperationType `json:"operation_type" db:"operation_type"`
	PromptTokens     int64         `json:"prompt_tokens" db:"prompt_tokens"`
	CompletionTokens int64         `json:"completion_tokens" db:"completion_tokens"`
	InputCost        float64       `json:"input_cost" db:"input_cost"`
	OutputCost       float64       `json:"output_cost" db:"output_cost"`
	TotalCost        float64       `json:"total_cost" db:"total_cost"`
	CreditsDelta     float64       `json:"credits_delta" db:"credits_delta"`
	CreatedAt        time.Time     `json:"created_at" db:"created_at"`
}

// UserBalance — агрегированный баланс кредитов пользователя. Инвариант:
// credit_balance равен сумме credits_delta по всем записям пользователя.
type UserBalance struct {
	ID            int64     `json:"id" db:"id"`
	OwnerID       string    `json:"owner_id" db:"owner_id"`
	CreditBalance float64   `json:"credit_balance" db:"credit_balance"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
