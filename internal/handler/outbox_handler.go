package handler

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cvingest/internal/auth"
	"cvingest/internal/domain"
	"cvingest/internal/service"
)

type OutboxHandler struct {
	outboxService *service.OutboxService
	rateLimit     *service.RateLimitService
}

func NewOutboxHandler(outboxService *service.OutboxService, rateLimit *service.RateLimitService) *OutboxHandler {
	return &OutboxHandler{
		outboxService: outboxService,
		rateLimit:     rateLimit,
	}
}

// ReportResult — callback воркера разбора. Очередь доставляет минимум один
// раз: повтор уже обработанного результата отвечает 200 с duplicate=true.
func (h *OutboxHandler) ReportResult(w http.ResponseWriter, r *http.Request) {
	processID, err := uuid.Parse(chi.URLParam(r, "processId"))
	if err != nil {
		http.Error(w, "Invalid process id", http.StatusNotFound)
		return
	}

	var outcome domain.WorkerOutcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ack, err := h.outboxService.ReportOutcome(r.Context(), processID, &outcome)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrProcessNotFound):
			http.Error(w, "Process not found", http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidOutcome):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		case errors.Is(err, domain.ErrInvalidTransition):
			// Результат пришел раньше, чем задача была отправлена воркеру
			http.Error(w, err.Error(), http.StatusConflict)
		default:
			log.Printf("[Outbox] report result failed for %s: %v", processID, err)
			http.Error(w, "Failed to process result", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ack)
}

// GetProcessStatus возвращает текущее состояние процесса разбора
func (h *OutboxHandler) GetProcessStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	processID, err := uuid.Parse(chi.URLParam(r, "processId"))
	if err != nil {
		http.Error(w, "Invalid process id", http.StatusNotFound)
		return
	}

	event, err := h.outboxService.Status(r.Context(), processID)
	if err != nil {
		if errors.Is(err, domain.ErrProcessNotFound) {
			http.Error(w, "Process not found", http.StatusNotFound)
			return
		}
		log.Printf("[Outbox] get status failed for %s: %v", processID, err)
		http.Error(w, "Failed to get process status", http.StatusInternalServerError)
		return
	}
	if event.OwnerID != userID {
		http.Error(w, "Process not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(event)
}

// GetLimits возвращает состояние скользящего окна лимита пользователя
func (h *OutboxHandler) GetLimits(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	info, err := h.rateLimit.CheckLimit(r.Context(), userID)
	if err != nil {
		log.Printf("[Outbox] check limit failed: %v", err)
		http.Error(w, "Failed to check limit", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}
