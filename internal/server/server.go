package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"terminal/internal/api"
	"terminal/internal/auth"
	"terminal/internal/config"
	"terminal/internal/eventbus"
	"terminal/internal/gateway"
	"terminal/internal/keepalive"
	"terminal/internal/monitor"
	"terminal/internal/policy"
	"terminal/internal/sandbox"
	"terminal/internal/sanitize"
	"terminal/internal/session"
	"terminal/internal/session/repo"
	"terminal/internal/worker"
	"terminal/internal/workspace"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	cfg         *config.Config
	deps        *Dependency
	httpServer  *http.Server
	asynqServer *asynq.Server
	asynqMux    *asynq.ServeMux
	registry    *session.Registry
	reaper      *session.Reaper
	pinger      *keepalive.Pinger
	fetcher     *workspace.Fetcher
	allowlist   *sanitize.Allowlist
	logger      *slog.Logger
}

func NewServer(ctx context.Context, cfg *config.Config, deps *Dependency) (*Server, error) {
	logger := deps.Logger

	allowlist := sanitize.NewAllowlist(cfg.Projects)

	source, err := archiveSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	fetcher := workspace.NewFetcher(source, workspace.Options{
		BaseDir:         cfg.Workspace.BaseDir,
		CacheTTL:        cfg.Workspace.CacheTTL,
		Timeout:         cfg.Workspace.FetchTimeout,
		MaxExtractBytes: cfg.Workspace.MaxExtractBytes,
	}, logger)

	// 注意不要把 nil 指针直接放进接口
	var cache redis.Cmdable
	var bus eventbus.EventBus = eventbus.NopBus{}
	if deps.Redis != nil {
		cache = deps.Redis
		bus = eventbus.NewRedisBus(deps.Redis, logger)
	}
	sessionRepo := repo.NewRepository(deps.PG, cache, cfg.Session.MetadataTTL)
	var history api.History
	if deps.PG != nil {
		history = sessionRepo
	}

	registry := session.NewRegistry()
	tracker := monitor.NewErrorTracker()

	gw := gateway.New(gateway.Deps{
		Registry:  registry,
		Allowlist: allowlist,
		Verifier:  auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Purpose, cfg.Auth.Required),
		Assets:    fetcher,
		Spawner:   sandbox.PtySpawner{Logger: logger},
		Validator: policy.NewValidator(logger),
		Store:     sessionRepo,
		Bus:       bus,
		Errors:    tracker,
	}, gateway.Options{
		Sandbox: sandbox.Options{
			ShellPath:  cfg.Sandbox.ShellPath,
			Args:       cfg.Sandbox.ShellArgs,
			Restricted: cfg.Sandbox.Restricted,
			Home:       cfg.Sandbox.Home,
			Path:       cfg.Sandbox.Path,
			Rows:       cfg.Sandbox.Rows,
			Cols:       cfg.Sandbox.Cols,
			Limits: sandbox.Limits{
				CPUSeconds:    cfg.Sandbox.CPUSeconds,
				FileSizeBytes: cfg.Sandbox.FileSizeBytes,
				MaxProcesses:  cfg.Sandbox.MaxProcesses,
			},
			TerminateGrace: cfg.Sandbox.TerminateGrace,
		},
		PromptTimeout:      cfg.Sandbox.PromptTimeout,
		ValidateInput:      cfg.Session.ValidateInput,
		OriginPatterns:     cfg.AllowedOrigins,
		InsecureSkipVerify: cfg.DevMode,
	}, logger)

	reaper := session.NewReaper(registry, session.ReaperConfig{
		IdleTimeout: cfg.Session.IdleTimeout,
		MaxDuration: cfg.Session.MaxDuration,
	}, logger)

	var pinger *keepalive.Pinger
	if cfg.KeepAlive.Enabled && len(cfg.KeepAlive.Targets) > 0 {
		pinger, err = keepalive.New(cfg.KeepAlive.Targets, cfg.KeepAlive.Schedule, cfg.KeepAlive.Timeout, logger)
		if err != nil {
			return nil, err
		}
	}

	var asynqServer *asynq.Server
	mux := asynq.NewServeMux()
	if deps.AsynqRedis != nil {
		asynqServer = asynq.NewServer(deps.AsynqRedis, asynq.Config{
			Concurrency: cfg.Worker.Concurrency,
			Logger:      newAsynqLogger(logger),
		})
		prefetchWorker := worker.NewPrefetchWorker(fetcher, allowlist, logger)
		mux.HandleFunc(worker.TaskWorkspacePrefetch, prefetchWorker.HandlePrefetch)
	}

	router := api.NewRouter(api.RouterDeps{
		Gateway:        gw,
		Registry:       registry,
		Allowlist:      allowlist,
		Workspaces:     fetcher,
		History:        history,
		Events:         bus,
		Errors:         tracker,
		AllowedOrigins: cfg.AllowedOrigins,
		StartedAt:      time.Now(),
		Logger:         logger,
	})
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
		// 终端连接是长连接，只限制请求头读取时间
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}

	return &Server{
		cfg:         cfg,
		deps:        deps,
		httpServer:  httpServer,
		asynqServer: asynqServer,
		asynqMux:    mux,
		registry:    registry,
		reaper:      reaper,
		pinger:      pinger,
		fetcher:     fetcher,
		allowlist:   allowlist,
		logger:      logger,
	}, nil
}

func archiveSource(ctx context.Context, cfg *config.Config) (workspace.ArchiveSource, error) {
	if !cfg.UseS3() {
		return workspace.NewLocalSource(cfg.Storage.LocalDir), nil
	}
	client, err := workspace.NewS3Client(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("s3 client: %w", err)
	}
	return workspace.NewS3Source(client, cfg.Storage.Bucket, cfg.Storage.KeyPrefix), nil
}

func (s *Server) Start(ctx context.Context) error {
	if s.asynqServer != nil {
		go func() {
			s.logger.Info("Starting Asynq worker", "concurrency", s.cfg.Worker.Concurrency)
			if err := s.asynqServer.Start(s.asynqMux); err != nil {
				s.logger.Error("Asynq worker failed", "error", err)
			}
		}()
	}

	go func() {
		if err := monitor.StartMetricsServer(ctx, s.cfg.Metrics.Addr, s.logger); err != nil {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()

	go s.reaper.Start()

	if s.pinger != nil {
		s.pinger.Start()
	}

	if s.cfg.Workspace.Prefetch {
		go s.prefetch(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting terminal gateway", "addr", s.cfg.Server.Addr, "projects", s.allowlist.Slugs())
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		s.Shutdown()
		return err
	}

	return s.Shutdown()
}

// prefetch 预热所有项目的工作区。有 Redis 时交给 asynq 重试，否则在进程内逐个拉取
func (s *Server) prefetch(ctx context.Context) {
	slugs := s.allowlist.Slugs()
	if s.deps.AsynqClient != nil {
		worker.EnqueuePrefetch(ctx, s.deps.AsynqClient, slugs, s.logger)
		return
	}

	for _, slug := range slugs {
		if ctx.Err() != nil {
			return
		}
		workDir, err := s.fetcher.WorkDir(slug)
		if err != nil {
			s.logger.Warn("Prefetch skipped", "project", slug, "error", err)
			continue
		}
		if err := s.fetcher.EnsureAssets(ctx, slug, workDir); err != nil {
			s.logger.Warn("Prefetch failed", "project", slug, "error", err)
		}
	}
}

func (s *Server) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	// 被劫持的 WebSocket 连接不受 http.Server.Shutdown 管理，需要单独关闭
	if err := s.registry.CloseAll(shutdownCtx, session.ReasonShutdown); err != nil {
		s.logger.Error("Sessions did not close in time", "error", err, "remaining", s.registry.Count())
	}

	s.reaper.Stop()

	if s.pinger != nil {
		if err := s.pinger.Stop(shutdownCtx); err != nil {
			s.logger.Error("Keep-alive stop error", "error", err)
		}
	}

	if s.asynqServer != nil {
		s.asynqServer.Shutdown()
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}

type asynqLogger struct {
	l    *slog.Logger
	exit func(int)
}

func newAsynqLogger(l *slog.Logger) *asynqLogger {
	return &asynqLogger{l: l.With("component", "asynq"), exit: os.Exit}
}

func (a *asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a *asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a *asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a *asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }

// Fatal 与 asynq 默认 logger 一致：记录后退出进程
func (a *asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...), "fatal", true)
	a.exit(1)
}
