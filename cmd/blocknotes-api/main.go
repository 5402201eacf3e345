package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/blocknotes/internal/auth"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/autosave"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/config"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/database"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/logging"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/media"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/metrics"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/pages"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/server"
	"github.com/MarcoPoloResearchLab/blocknotes/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "blocknotes-api",
		Short: "Block notes backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed by CORS and the editor socket")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("session-ttl-minutes", defaults.GetInt("session.ttl_minutes"), "Session lifetime in minutes")
	cmd.PersistentFlags().String("identity-audience", "", "Identity provider client ID; sign-in is disabled when empty")
	cmd.PersistentFlags().Int("autosave-delay-ms", defaults.GetInt("autosave.delay_ms"), "Autosave debounce window in milliseconds")
	cmd.PersistentFlags().String("media-backend", defaults.GetString("media.backend"), "Media backend (local, s3)")
	cmd.PersistentFlags().String("media-local-dir", defaults.GetString("media.local_dir"), "Directory for the local media backend")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "session.signing_secret", "signing-secret")
	bindFlag(cmd, "session.ttl_minutes", "session-ttl-minutes")
	bindFlag(cmd, "identity.audience", "identity-audience")
	bindFlag(cmd, "autosave.delay_ms", "autosave-delay-ms")
	bindFlag(cmd, "media.backend", "media-backend")
	bindFlag(cmd, "media.local_dir", "media-local-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck
	gin.SetMode(gin.ReleaseMode)

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	collectors, err := metrics.NewCollectors()
	if err != nil {
		return err
	}

	pagesService, err := pages.NewService(pages.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: pages.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	saver, err := autosave.NewSaver(autosave.SaverConfig{
		Store:       pagesService,
		Logger:      logger,
		Metrics:     collectors,
		MaxAttempts: appConfig.AutosaveMaxAttempts,
		RetryMin:    appConfig.AutosaveRetryMin,
		RetryMax:    appConfig.AutosaveRetryMax,
	})
	if err != nil {
		return err
	}

	sessionIssuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
		TTL:           appConfig.SessionTTL,
		SecureCookie:  appConfig.SecureCookies,
	})
	if err != nil {
		return err
	}
	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SessionSigningSecret),
		Issuer:        appConfig.SessionIssuer,
		CookieName:    appConfig.SessionCookieName,
	})
	if err != nil {
		return err
	}
	gate, err := auth.NewSessionGate(sessionValidator, userService, logger)
	if err != nil {
		return err
	}

	deps := server.Dependencies{
		PagesService:        pagesService,
		Users:               userService,
		Sessions:            sessionIssuer,
		Gate:                gate,
		Saver:               saver,
		Metrics:             collectors,
		Realtime:            server.NewRealtimeDispatcher(),
		AllowedOrigins:      appConfig.AllowedOrigins,
		AutosaveDelay:       appConfig.AutosaveDelay,
		SignInRatePerMinute: appConfig.SignInRatePerMinute,
		Logger:              logger,
	}

	if appConfig.SignInEnabled() {
		verifier, err := auth.NewIdentityVerifier(auth.IdentityVerifierConfig{
			Audience:       appConfig.IdentityAudience,
			JWKSURL:        appConfig.IdentityJWKSURL,
			AllowedIssuers: appConfig.IdentityIssuers,
			Logger:         logger,
		})
		if err != nil {
			return err
		}
		deps.IdentityVerifier = verifier
	} else {
		logger.Warn("identity.audience is not set; sign-in is disabled")
	}

	mediaStore, staticFiles, err := newMediaStore(ctx, appConfig.Media, logger)
	if err != nil {
		return err
	}
	deps.Media = mediaStore
	deps.MediaFiles = staticFiles

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newMediaStore(ctx context.Context, cfg config.MediaConfig, logger *zap.Logger) (*media.Store, server.StaticFiles, error) {
	var (
		backend media.Backend
		static  server.StaticFiles
	)
	switch cfg.Backend {
	case config.MediaBackendS3:
		s3Backend, err := media.NewS3Backend(ctx, media.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PublicURL: cfg.PublicURL,
			Prefix:    cfg.S3Prefix,
		})
		if err != nil {
			return nil, server.StaticFiles{}, err
		}
		backend = s3Backend
	default:
		localBackend, err := media.NewLocalBackend(cfg.LocalDir, cfg.PublicURL)
		if err != nil {
			return nil, server.StaticFiles{}, err
		}
		backend = localBackend
		static = server.StaticFiles{URLPrefix: cfg.PublicURL, Dir: localBackend.Root()}
	}
	store, err := media.NewStore(media.Config{
		Backend:  backend,
		MaxBytes: cfg.MaxBytes,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return nil, server.StaticFiles{}, err
	}
	return store, static, nil
}
