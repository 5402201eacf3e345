package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/media"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const multipartOverhead = 1 << 20

// handleUploadMedia accepts a multipart form with a "file" part and a "kind" field.
func (h *httpHandler) handleUploadMedia(c *gin.Context) {
	if h.media == nil {
		respondError(c, http.StatusServiceUnavailable, "media_disabled")
		return
	}
	maxBytes := h.media.MaxBytes()
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(maxBytes)+multipartOverhead)

	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "file_too_large")
			return
		}
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	kind, err := media.ParseKind(c.PostForm("kind"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "unsupported_kind")
		return
	}
	part, err := header.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}
	defer part.Close()
	data, err := io.ReadAll(io.LimitReader(part, int64(maxBytes)+1))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()
	uploaded, err := h.media.Upload(ctx, media.File{Name: header.Filename, Data: data}, kind)
	switch {
	case err == nil:
		respondData(c, http.StatusCreated, uploaded)
	case errors.Is(err, media.ErrFileTooLarge):
		respondError(c, http.StatusRequestEntityTooLarge, "file_too_large")
	case errors.Is(err, media.ErrEmptyFile), errors.Is(err, media.ErrKindMismatch), errors.Is(err, media.ErrUnsupportedKind):
		respondError(c, http.StatusBadRequest, "invalid_media")
	default:
		h.logger.Error("media upload failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "upload_failed")
	}
}
