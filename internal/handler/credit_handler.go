package handler

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	"cvingest/internal/auth"
	"cvingest/internal/domain"
	"cvingest/internal/service"
)

type CreditHandler struct {
	usageService *service.UsageService
}

func NewCreditHandler(usageService *service.UsageService) *CreditHandler {
	return &CreditHandler{
		usageService: usageService,
	}
}

// GetCredits возвращает баланс и последние операции пользователя
func (h *CreditHandler) GetCredits(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	summary, err := h.usageService.Summary(r.Context(), userID)
	if err != nil {
		log.Printf("[Credits] summary failed: %v", err)
		http.Error(w, "Failed to get credits", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

type grantRequest struct {
	GrantID       *uuid.UUID           `json:"grant_id,omitempty"`
	UserID        string               `json:"user_id"`
	OperationType domain.OperationType `json:"operation_type"`
	Credits       float64              `json:"credits"`
}

// CreateGrant — административное начисление кредитов. Явный grant_id делает
// повторную отправку формы идемпотентной.
func (h *CreditHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.VerifyToken(r); err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if !auth.IsAdmin(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	var req grantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	grantID := uuid.New()
	if req.GrantID != nil {
		grantID = *req.GrantID
	}

	record, err := h.usageService.RecordGrant(r.Context(), grantID, req.UserID, req.OperationType, req.Credits)
	if err != nil {
		log.Printf("[Credits] grant failed: %v", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(record)
}
