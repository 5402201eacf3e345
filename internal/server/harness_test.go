package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/auth"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/autosave"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/database"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/media"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/bytedance/sonic"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "server-test-secret"

var errStubTokenRejected = errors.New("stub: token rejected")

// stubVerifier accepts any token except "bad" and uses the token as the subject.
type stubVerifier struct{}

func (stubVerifier) Verify(_ context.Context, rawToken string) (auth.IdentityClaims, error) {
	if rawToken == "bad" {
		return auth.IdentityClaims{}, errStubTokenRejected
	}
	return auth.IdentityClaims{Subject: rawToken, Email: rawToken + "@example.com", Name: "User " + rawToken}, nil
}

type testServer struct {
	handler  http.Handler
	pages    *pages.Service
	users    *users.Service
	issuer   *auth.SessionIssuer
	realtime *RealtimeDispatcher
	metrics  *metrics.Collectors
	mediaDir string
}

type testServerOption func(*Dependencies)

func withoutVerifier() testServerOption {
	return func(deps *Dependencies) { deps.IdentityVerifier = nil }
}

func withSignInRate(perMinute int) testServerOption {
	return func(deps *Dependencies) { deps.SignInRatePerMinute = perMinute }
}

func withAllowedOrigins(origins ...string) testServerOption {
	return func(deps *Dependencies) { deps.AllowedOrigins = origins }
}

func withoutMedia() testServerOption {
	return func(deps *Dependencies) {
		deps.Media = nil
		deps.MediaFiles = StaticFiles{}
	}
}

func newTestServer(t *testing.T, options ...testServerOption) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	pagesService, err := pages.NewService(pages.ServiceConfig{Database: db, IDProvider: pages.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build pages service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	collectors, err := metrics.NewCollectors()
	if err != nil {
		t.Fatalf("failed to build collectors: %v", err)
	}
	saver, err := autosave.NewSaver(autosave.SaverConfig{Store: pagesService, Metrics: collectors, RetryMin: time.Millisecond, RetryMax: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to build saver: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{SigningSecret: []byte(testSigningSecret), TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	gate, err := auth.NewSessionGate(validator, userService, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build gate: %v", err)
	}

	mediaDir := t.TempDir()
	localBackend, err := media.NewLocalBackend(mediaDir, "/media")
	if err != nil {
		t.Fatalf("failed to build media backend: %v", err)
	}
	mediaStore, err := media.NewStore(media.Config{Backend: localBackend, MaxBytes: 1 << 20})
	if err != nil {
		t.Fatalf("failed to build media store: %v", err)
	}

	realtime := NewRealtimeDispatcher()
	deps := Dependencies{
		PagesService:        pagesService,
		Users:               userService,
		Sessions:            issuer,
		Gate:                gate,
		IdentityVerifier:    stubVerifier{},
		Saver:               saver,
		Media:               mediaStore,
		MediaFiles:          StaticFiles{URLPrefix: "/media", Dir: mediaDir},
		Metrics:             collectors,
		Realtime:            realtime,
		AutosaveDelay:       20 * time.Millisecond,
		SignInRatePerMinute: 100,
		HeartbeatInterval:   time.Hour,
		Logger:              zap.NewNop(),
	}
	for _, option := range options {
		option(&deps)
	}

	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testServer{
		handler:  handler,
		pages:    pagesService,
		users:    userService,
		issuer:   issuer,
		realtime: realtime,
		metrics:  collectors,
		mediaDir: mediaDir,
	}
}

// sessionCookie records userID and returns a valid session cookie for it.
func (s *testServer) sessionCookie(t *testing.T, userID string) *http.Cookie {
	t.Helper()
	user, err := s.users.EnsureUser(context.Background(), users.Profile{Subject: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	token, expiresAt, err := s.issuer.Issue(context.Background(), user)
	if err != nil {
		t.Fatalf("failed to issue session: %v", err)
	}
	return s.issuer.Cookie(token, expiresAt)
}

func (s *testServer) do(t *testing.T, method, path string, body any, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := sonic.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

type testEnvelope[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error"`
}

func decodeEnvelope[T any](t *testing.T, recorder *httptest.ResponseRecorder) testEnvelope[T] {
	t.Helper()
	var envelope testEnvelope[T]
	if err := sonic.ConfigStd.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
	return envelope
}
