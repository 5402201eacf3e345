package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/blocks"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/workspace"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIResponse is the envelope of every JSON answer: data on success, an error code otherwise.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func respondError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, APIResponse{Success: false, Error: code})
}

// respondPageError maps page and workspace failures onto HTTP answers.
// Pages owned by someone else are reported as missing.
func (h *httpHandler) respondPageError(c *gin.Context, operation string, err error) {
	switch {
	case errors.Is(err, pages.ErrPageNotFound), errors.Is(err, workspace.ErrNotOwner):
		respondError(c, http.StatusNotFound, "page_not_found")
	case errors.Is(err, pages.ErrInvalidPageID),
		errors.Is(err, pages.ErrInvalidTitle),
		errors.Is(err, pages.ErrInvalidOperation),
		errors.Is(err, blocks.ErrInvalidBlockID),
		errors.Is(err, blocks.ErrInvalidContent):
		respondError(c, http.StatusBadRequest, "invalid_request")
	default:
		h.logger.Error("page request failed", zap.String("operation", operation), zap.Error(err))
		respondError(c, http.StatusInternalServerError, operation+"_failed")
	}
}
