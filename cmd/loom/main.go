package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/loomhq/loom/internal/app"
	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/platform/cache"
	"github.com/loomhq/loom/internal/platform/db"
	"github.com/loomhq/loom/internal/rbac"
	"github.com/loomhq/loom/internal/shared"
	"github.com/loomhq/loom/internal/teams"
	"github.com/loomhq/loom/internal/users"
	"github.com/loomhq/loom/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns, MaxIdleTime: cfg.PGMaxIdleTime})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	sessionManager := shared.NewSessionManager(redisClient, "loom_session", cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	auditLogger := shared.NewAuditLogger(pool)
	metrics := observability.NewMetrics()

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo)
	authHandler := auth.NewHandler(logger, authService, sessionManager, csrfManager)

	rbacRepo := rbac.NewRepository(pool)
	permCache := rbac.NewPermissionCache()
	decisions, err := rbac.NewDecisionCache(cfg.DecisionCacheSize)
	if err != nil {
		logger.Error("init decision cache", slog.Any("error", err))
		os.Exit(1)
	}
	hierarchy := rbac.NewHierarchy(rbacRepo)
	resolver := rbac.NewResolver(rbacRepo, hierarchy, permCache)
	store := rbac.NewStore(rbacRepo, cfg.MaxHierarchyDepth, permCache, decisions)
	rbacMiddleware := rbac.Middleware{
		Repo:      rbacRepo,
		Resolver:  resolver,
		Decisions: decisions,
		Logger:    logger,
		Observer:  metrics,
	}
	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	rolesHandler := rbac.NewHandler(logger, store, hierarchy, resolver, auditLogger, rbacMiddleware, jobsClient)
	permissionsHandler := rbac.NewPermissionsHandler(logger, rbacRepo, rbacMiddleware)

	usersRepo := users.NewRepository(pool)
	usersHandler := users.NewHandler(logger, users.NewService(usersRepo), auditLogger, rbacMiddleware)

	teamsRepo := teams.NewRepository(pool)
	teamsHandler := teams.NewHandler(logger, teams.NewService(teamsRepo), auditLogger, rbacMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		SessionManager:     sessionManager,
		CSRFManager:        csrfManager,
		AuthHandler:        authHandler,
		UsersHandler:       usersHandler,
		TeamsHandler:       teamsHandler,
		RolesHandler:       rolesHandler,
		PermissionsHandler: permissionsHandler,
		JobsHandler:        jobsHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
