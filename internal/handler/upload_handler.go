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

type UploadHandler struct {
	uploadService *service.UploadService
}

func NewUploadHandler(uploadService *service.UploadService) *UploadHandler {
	return &UploadHandler{
		uploadService: uploadService,
	}
}

type createUploadRequest struct {
	Name      string `json:"name"`
	MIMEType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// CreateUpload регистрирует заявку на загрузку и отдает presigned PUT
func (h *UploadHandler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req createUploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	intent, err := h.uploadService.CreateUpload(r.Context(), userID, req.Name, req.MIMEType, req.SizeBytes)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrFileTooLarge), errors.Is(err, service.ErrUnsupportedType):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			log.Printf("[Upload] create upload failed: %v", err)
			http.Error(w, "Failed to create upload", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(intent)
}

// FinalizeUpload завершает загрузку: хеширование, канонизация, запуск разбора
func (h *UploadHandler) FinalizeUpload(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "Invalid file UUID", http.StatusBadRequest)
		return
	}

	result, err := h.uploadService.FinalizeUpload(r.Context(), userID, fileUUID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrFileNotFound):
			http.Error(w, "File not found", http.StatusNotFound)
		case errors.Is(err, service.ErrLimitExceeded):
			http.Error(w, "CV processing limit exceeded", http.StatusTooManyRequests)
		case errors.Is(err, service.ErrContentMissing):
			http.Error(w, "Uploaded content not found", http.StatusConflict)
		case errors.Is(err, service.ErrNotFinalizable):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, service.ErrFileTooLarge):
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			log.Printf("[Upload] finalize failed for %s: %v", fileUUID, err)
			http.Error(w, "Failed to finalize upload", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *UploadHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	files, err := h.uploadService.ListFiles(r.Context(), userID)
	if err != nil {
		log.Printf("[Upload] list files failed: %v", err)
		http.Error(w, "Failed to list files", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(files)
}

func (h *UploadHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "Invalid file UUID", http.StatusBadRequest)
		return
	}

	view, err := h.uploadService.GetFile(r.Context(), userID, fileUUID)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		log.Printf("[Upload] get file failed: %v", err)
		http.Error(w, "Failed to get file", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(view)
}

func (h *UploadHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "Invalid file UUID", http.StatusBadRequest)
		return
	}

	if err := h.uploadService.DeleteFile(r.Context(), userID, fileUUID); err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			http.Error(w, "File not found", http.StatusNotFound)
			return
		}
		log.Printf("[Upload] delete file failed: %v", err)
		http.Error(w, "Failed to delete file", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetResult отдает разобранный результат для файла
func (h *UploadHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.VerifyToken(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	fileUUID, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		http.Error(w, "Invalid file UUID", http.StatusBadRequest)
		return
	}

	result, err := h.uploadService.GetResult(r.Context(), userID, fileUUID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrFileNotFound):
			http.Error(w, "File not found", http.StatusNotFound)
		case errors.Is(err, domain.ErrResultNotFound):
			http.Error(w, "Result not ready", http.StatusNotFound)
		default:
			log.Printf("[Upload] get result failed: %v", err)
			http.Error(w, "Failed to get result", http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
