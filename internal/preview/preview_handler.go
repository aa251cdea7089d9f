package preview

import (
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"cvingest/internal/auth"
	"cvingest/internal/domain"
	"cvingest/internal/service"
)

type Handler struct {
	service       *Service
	uploadService *service.UploadService
}

func NewHandler(service *Service, uploadService *service.UploadService) *Handler {
	return &Handler{
		service:       service,
		uploadService: uploadService,
	}
}

func (h *Handler) GetPreview(w http.ResponseWriter, r *http.Request) {
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
		log.Printf("[Preview] failed to get file info: %v", err)
		http.Error(w, "Failed to get file info", http.StatusInternalServerError)
		return
	}

	// Превью дубликата строится по канонической копии
	target := view.File
	if target.Status == domain.FileStatusDeduplicated && target.DeduplicatedFrom != nil {
		canonical, err := h.uploadService.GetFile(r.Context(), userID, *target.DeduplicatedFrom)
		if err == nil {
			target = canonical.File
		}
	}

	previewData, err := h.service.GetOrGeneratePreview(r.Context(), target)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			http.Error(w, "Preview not available", http.StatusUnsupportedMediaType)
			return
		}
		log.Printf("[Preview] failed to generate preview: %v", err)
		http.Error(w, "Failed to generate preview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(previewData)
}
