package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/datahub/config"
	"github.com/Ramsey-B/datahub/pkg/middleware"
	"github.com/Ramsey-B/datahub/pkg/routes/health"
	"github.com/Ramsey-B/datahub/pkg/routes/merge"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the merge HTTP API",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", true, "Apply database migrations before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger, appOptions{migrate: serveMigrate})
	if err := a.start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start dependencies")
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := a.stop(stopCtx); err != nil {
			logger.WithError(err).Warn("Failed to stop dependencies cleanly")
		}
	}()

	checker := health.NewChecker(cfg.Version).
		AddCheck("database", a.db.PingContext)
	if a.redis != nil {
		checker.AddCheck("redis", a.redis.Ping)
	}

	var verifier middleware.TokenVerifier
	if cfg.AuthEnabled {
		v, err := middleware.NewVerifier(ctx, cfg.AuthIssuerURL, cfg.AuthClientID)
		if err != nil {
			logger.WithError(err).Errorf("Failed to discover OIDC issuer %s", cfg.AuthIssuerURL)
			return err
		}
		verifier = v
	}

	e := newRouter(cfg, logger, a.engine, checker, verifier)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("%s %s listening on %s", cfg.AppName, cfg.Version, server.Addr)
		serveErr <- server.ListenAndServe()
	}()
	checker.SetReady(true)

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			return err
		}
		return nil
	case <-ctx.Done():
	}

	checker.SetReady(false)
	logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// newRouter builds the echo instance. A nil verifier leaves the API
// unauthenticated; the acting adviser then comes from X-User-ID.
func newRouter(cfg *config.Config, logger ectologger.Logger, service merge.Service, checker *health.Checker, verifier middleware.TokenVerifier) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	e.Use(otelecho.Middleware(cfg.AppName))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.AllowOrigins,
		AllowMethods: cfg.AllowMethods,
	}))
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))

	checker.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1/merge")
	if verifier != nil {
		api.Use(middleware.Authentication(logger, verifier))
	}
	merge.NewHandler(service).Register(api)

	return e
}
