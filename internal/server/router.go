package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/auth"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/autosave"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/media"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	currentUserContextKey    = "blocknotes_user"
	dashboardPath            = "/dashboard"
	notesPath                = "/notes"
	logInPath                = "/log-in"
	signUpPath               = "/sign-up"
	defaultHeartbeatInterval = 25 * time.Second
	defaultRequestTimeout    = 15 * time.Second
)

var (
	errMissingPagesService  = errors.New("pages service dependency required")
	errMissingUserStore     = errors.New("user store dependency required")
	errMissingSessionIssuer = errors.New("session issuer dependency required")
	errMissingSessionGate   = errors.New("session gate dependency required")
	errMissingSaver         = errors.New("saver dependency required")
)

// IdentityVerifier checks identity provider tokens presented at sign-in.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawToken string) (auth.IdentityClaims, error)
}

// SessionIssuer mints session tokens and the cookies that carry them.
type SessionIssuer interface {
	Issue(ctx context.Context, user users.User) (string, time.Time, error)
	Cookie(token string, expiresAt time.Time) *http.Cookie
	ClearCookie() *http.Cookie
}

// SessionResolver resolves the signed-in user of a request.
type SessionResolver interface {
	CurrentUser(r *http.Request) (*users.User, error)
}

// UserStore records users on sign-in.
type UserStore interface {
	EnsureUser(ctx context.Context, profile users.Profile) (users.User, error)
}

// MediaUploader stores uploaded media.
type MediaUploader interface {
	Upload(ctx context.Context, file media.File, kind media.Kind) (media.Uploaded, error)
	MaxBytes() int
}

// StaticFiles serves a local directory under URLPrefix. Zero value disables it.
type StaticFiles struct {
	URLPrefix string
	Dir       string
}

// Dependencies wires the HTTP surface. IdentityVerifier and Media are optional:
// without them sign-in and uploads answer 503.
type Dependencies struct {
	PagesService        *pages.Service
	Users               UserStore
	Sessions            SessionIssuer
	Gate                SessionResolver
	IdentityVerifier    IdentityVerifier
	Saver               *autosave.Saver
	Media               MediaUploader
	MediaFiles          StaticFiles
	Metrics             *metrics.Collectors
	Realtime            *RealtimeDispatcher
	AllowedOrigins      []string
	AutosaveDelay       time.Duration
	SignInRatePerMinute int
	HeartbeatInterval   time.Duration
	Logger              *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.PagesService == nil {
		return nil, errMissingPagesService
	}
	if deps.Users == nil {
		return nil, errMissingUserStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionIssuer
	}
	if deps.Gate == nil {
		return nil, errMissingSessionGate
	}
	if deps.Saver == nil {
		return nil, errMissingSaver
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(accessLog(logger))
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		pagesService:      deps.PagesService,
		users:             deps.Users,
		sessions:          deps.Sessions,
		gate:              deps.Gate,
		verifier:          deps.IdentityVerifier,
		saver:             deps.Saver,
		media:             deps.Media,
		metrics:           deps.Metrics,
		realtime:          realtime,
		allowedOrigins:    deps.AllowedOrigins,
		autosaveDelay:     deps.AutosaveDelay,
		heartbeatInterval: heartbeat,
		signInLimiter:     newClientLimiter(deps.SignInRatePerMinute),
		logger:            logger,
	}
	router.Use(handler.resolveSession)

	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.MediaFiles.Dir != "" && strings.HasPrefix(deps.MediaFiles.URLPrefix, "/") {
		router.Static(deps.MediaFiles.URLPrefix, deps.MediaFiles.Dir)
	}

	api := router.Group("/api")
	api.POST("/auth/sign-in", handler.handleSignIn)
	api.GET("/auth/sign-out", handler.handleSignOut)
	api.POST("/auth/sign-out", handler.handleSignOut)
	api.GET("/public/pages/:id", handler.handlePublicPage)

	protected := api.Group("/")
	protected.Use(handler.requireUser)
	protected.GET("/pages", handler.handleListPages)
	protected.POST("/pages", handler.handleCreatePage)
	protected.DELETE("/pages/:id", handler.handleDeletePage)
	protected.POST("/pages/:id/visibility", handler.handleToggleVisibility)
	protected.PUT("/pages/:id/title", handler.handleRenamePage)
	protected.GET("/pages/:id/blocks", handler.handleGetBlocks)
	protected.PUT("/pages/:id/blocks", handler.handleSaveBlocks)
	protected.POST("/media", handler.handleUploadMedia)
	protected.GET("/events", handler.handleEvents)

	browser := router.Group("/")
	browser.Use(handler.browserGate)
	browser.GET(dashboardPath, handler.handleDashboard)
	browser.GET(notesPath+"/:id", handler.handleNotePage)
	browser.GET(notesPath+"/:id/editor", handler.handleEditor)
	browser.GET(logInPath, handler.handleSignInRequired)
	browser.GET(signUpPath, handler.handleSignInRequired)
	router.NoRoute(handler.handleNoRoute)

	return router, nil
}

type httpHandler struct {
	pagesService      *pages.Service
	users             UserStore
	sessions          SessionIssuer
	gate              SessionResolver
	verifier          IdentityVerifier
	saver             *autosave.Saver
	media             MediaUploader
	metrics           *metrics.Collectors
	realtime          *RealtimeDispatcher
	allowedOrigins    []string
	autosaveDelay     time.Duration
	heartbeatInterval time.Duration
	signInLimiter     *clientLimiter
	logger            *zap.Logger
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		startTime := time.Now()
		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(startTime)),
			zap.String("ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.ByType(gin.ErrorTypePrivate).String()))
		}
		if status >= http.StatusInternalServerError {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

// resolveSession stores the signed-in user, if any, on the context.
func (h *httpHandler) resolveSession(c *gin.Context) {
	user, err := h.gate.CurrentUser(c.Request)
	if err != nil {
		h.logger.Error("session lookup failed", zap.Error(err))
		respondError(c, http.StatusInternalServerError, "session_lookup_failed")
		return
	}
	if user != nil {
		c.Set(currentUserContextKey, user)
	}
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) {
	if currentUser(c) == nil {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	c.Next()
}

func (h *httpHandler) browserGate(c *gin.Context) {
	if target := gateRedirect(c.Request.URL.Path, currentUser(c) != nil); target != "" {
		c.Redirect(http.StatusFound, target)
		c.Abort()
		return
	}
	c.Next()
}

func (h *httpHandler) handleNoRoute(c *gin.Context) {
	if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
		h.browserGate(c)
		if c.IsAborted() {
			return
		}
	}
	respondError(c, http.StatusNotFound, "not_found")
}

// gateRedirect returns where a browser request must be sent, or "" when it may proceed.
// Signed-in users are confined to the dashboard and notes; everyone else to sign-in pages.
func gateRedirect(path string, signedIn bool) string {
	if signedIn {
		if strings.HasPrefix(path, dashboardPath) || strings.HasPrefix(path, notesPath) {
			return ""
		}
		return dashboardPath
	}
	if strings.HasPrefix(path, logInPath) || strings.HasPrefix(path, signUpPath) {
		return ""
	}
	return logInPath
}

func currentUser(c *gin.Context) *users.User {
	value, ok := c.Get(currentUserContextKey)
	if !ok {
		return nil
	}
	user, _ := value.(*users.User)
	return user
}

func (h *httpHandler) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), defaultRequestTimeout)
}

func (h *httpHandler) publishPagesChanged(userID, source string, pageIDs []pages.PageID) {
	ids := make([]string, 0, len(pageIDs))
	for _, pageID := range pageIDs {
		ids = append(ids, pageID.String())
	}
	h.realtime.Publish(RealtimeMessage{
		UserID:    userID,
		EventType: RealtimeEventPageChanged,
		PageIDs:   ids,
		Source:    source,
	})
}
