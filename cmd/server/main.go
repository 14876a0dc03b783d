package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/moodterm/moodterm/api/handlers"
	"github.com/moodterm/moodterm/internal/config"
	"github.com/moodterm/moodterm/internal/db"
	"github.com/moodterm/moodterm/internal/logging"
	"github.com/moodterm/moodterm/internal/metrics"
	"github.com/moodterm/moodterm/internal/repository"
	"github.com/moodterm/moodterm/internal/session"
	"github.com/moodterm/moodterm/internal/ws"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.Development = cfg.Logging.Development
	if cfg.Logging.File != "" {
		logCfg.OutputPaths = []string{cfg.Logging.File}
	}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer log.Sync()

	// Ensure data directories exist
	if err := os.MkdirAll(filepath.Dir(cfg.Storage.DBPath), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	if err := os.MkdirAll(cfg.Storage.CastDir, 0o755); err != nil {
		return fmt.Errorf("create recording directory: %w", err)
	}

	database, err := db.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	m := metrics.New()
	sessionManager := session.NewManager(repository.NewSessionRepository(database), session.Config{
		CastDir:        cfg.Storage.CastDir,
		MaxSessions:    cfg.Session.MaxSessions,
		HistorySize:    cfg.Session.HistorySize,
		ReadBufferSize: cfg.Session.ReadBufferSize,
		StopTimeout:    cfg.Session.StopTimeout,
		Shell:          cfg.Session.Shell,
		Term:           cfg.Session.Term,
		Rows:           cfg.Session.Rows,
		Cols:           cfg.Session.Cols,
	}, log.Named("session"), m)
	if _, err := sessionManager.RecoverOrphans(ctx); err != nil {
		return err
	}

	wsService := ws.NewService(sessionManager, cfg.Server.AllowOrigins, log.Named("ws"), m)

	srv := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: newRouter(cfg, sessionManager, wsService, m, log),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not closed by Shutdown.
		wsService.Close()
		err := srv.Shutdown(shutdownCtx)
		if cerr := sessionManager.Close(); cerr != nil {
			log.Warn("sessions stopped with warnings", zap.Error(cerr))
		}
		return err
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, sessionManager *session.Manager, wsService *ws.Service, m *metrics.Metrics, log *zap.Logger) *gin.Engine {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(log))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Origin", "Cache-Control", "X-Requested-With"},
		AllowCredentials: !slices.Contains(cfg.Server.AllowOrigins, "*"),
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":         "ok",
			"activeSessions": sessionManager.ActiveCount(),
			"maxSessions":    sessionManager.MaxSessions(),
			"uptime":         m.Uptime().Round(time.Second).String(),
		})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	api := r.Group("/api")
	{
		handlers.NewSessionHandler(sessionManager, wsService, log.Named("api")).RegisterRoutes(api)
		handlers.NewWebSocketHandler(sessionManager, wsService, log.Named("api")).RegisterRoutes(api)
	}
	return r
}

// requestLogger logs each request through zap.
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
