package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"proximichat/internal/media"
	"proximichat/internal/middleware"
)

const multipartOverhead = 1 << 20

// ImageUploader stores an image and returns its public URL
type ImageUploader interface {
	Upload(ctx context.Context, userID, contentType string, data []byte) (string, error)
}

// MediaHandler handles image uploads
type MediaHandler struct {
	uploader ImageUploader
}

// NewMediaHandler creates a media handler. uploader may be nil when storage
// is not configured.
func NewMediaHandler(uploader ImageUploader) *MediaHandler {
	return &MediaHandler{uploader: uploader}
}

type uploadResponse struct {
	URL string `json:"url"`
}

// Upload handles POST /api/v1/media with a multipart "file" field
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		respondError(w, "Image uploads are not configured", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, media.MaxImageBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, "Image too large. Please select an image under 5MB.", http.StatusBadRequest)
			return
		}
		respondError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, media.MaxImageBytes+1))
	if err != nil {
		respondError(w, "Failed to read image", http.StatusBadRequest)
		return
	}

	url, err := h.uploader.Upload(r.Context(), middleware.GetUserID(r.Context()), header.Header.Get("Content-Type"), data)
	if err != nil {
		respondDomainError(w, r, "upload_image", err)
		return
	}
	respondJSON(w, http.StatusCreated, uploadResponse{URL: url})
}
