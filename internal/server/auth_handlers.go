package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type signInRequestPayload struct {
	IDToken string `json:"idToken"`
}

type signInRequiredPayload struct {
	SignInRequired bool   `json:"sign_in_required"`
	SignInEnabled  bool   `json:"sign_in_enabled"`
	SignInEndpoint string `json:"sign_in_endpoint"`
}

func (h *httpHandler) handleSignIn(c *gin.Context) {
	if h.verifier == nil {
		respondError(c, http.StatusServiceUnavailable, "sign_in_disabled")
		return
	}
	if !h.signInLimiter.allow(c.ClientIP()) {
		respondError(c, http.StatusTooManyRequests, "too_many_requests")
		return
	}

	var request signInRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		respondError(c, http.StatusBadRequest, "invalid_request")
		return
	}

	ctx, cancel := h.requestContext(c)
	defer cancel()

	claims, err := h.verifier.Verify(ctx, request.IDToken)
	if err != nil {
		h.logger.Warn("identity token verification failed", zap.Error(err))
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.users.EnsureUser(ctx, claims.Profile())
	if err != nil {
		h.logger.Error("failed to record user", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "sign_in_failed")
		return
	}

	token, expiresAt, err := h.sessions.Issue(ctx, user)
	if err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "sign_in_failed")
		return
	}

	http.SetCookie(c.Writer, h.sessions.Cookie(token, expiresAt))
	respondData(c, http.StatusOK, "signed in")
}

func (h *httpHandler) handleSignOut(c *gin.Context) {
	http.SetCookie(c.Writer, h.sessions.ClearCookie())
	respondData(c, http.StatusOK, "signed out")
}

func (h *httpHandler) handleSignInRequired(c *gin.Context) {
	respondData(c, http.StatusOK, signInRequiredPayload{
		SignInRequired: true,
		SignInEnabled:  h.verifier != nil,
		SignInEndpoint: "/api/auth/sign-in",
	})
}
