package session

import (
	"log/slog"
	"time"
)

// ReaperConfig 会话超时配置
type ReaperConfig struct {
	Interval    time.Duration // 扫描间隔
	IdleTimeout time.Duration // 无输入超过此时间关闭，0 表示不限制
	MaxDuration time.Duration // 会话最长存活时间，0 表示不限制
}

// Reaper 定期关闭空闲或超时的会话
type Reaper struct {
	registry *Registry
	logger   *slog.Logger
	config   ReaperConfig
	now      func() time.Time
	stopCh   chan struct{}
}

func NewReaper(registry *Registry, config ReaperConfig, logger *slog.Logger) *Reaper {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	return &Reaper{
		registry: registry,
		logger:   logger.With("component", "session-reaper"),
		config:   config,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

// Start 启动扫描循环（阻塞，应在 goroutine 中调用）
func (r *Reaper) Start() {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	r.logger.Info("Session reaper started",
		"interval", r.config.Interval,
		"idle_timeout", r.config.IdleTimeout,
		"max_duration", r.config.MaxDuration,
	)

	for {
		select {
		case <-r.stopCh:
			r.logger.Info("Session reaper stopped")
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Stop 停止扫描循环
func (r *Reaper) Stop() {
	select {
	case <-r.stopCh:
		// 已经关闭
	default:
		close(r.stopCh)
	}
}

// Sweep closes every expired session and returns how many it closed.
func (r *Reaper) Sweep() int {
	now := r.now()
	closed := 0

	for _, s := range r.registry.List() {
		if s.State() >= StateClosing {
			continue
		}

		var reason CloseReason
		switch {
		case r.config.MaxDuration > 0 && now.Sub(s.CreatedAt) >= r.config.MaxDuration:
			reason = ReasonMaxDuration
		case r.config.IdleTimeout > 0 && now.Sub(s.LastActivity()) >= r.config.IdleTimeout:
			reason = ReasonIdle
		default:
			continue
		}

		r.logger.Info("Closing expired session",
			"session_id", s.ID,
			"project", s.Slug,
			"reason", reason,
			"age", now.Sub(s.CreatedAt),
			"idle", now.Sub(s.LastActivity()),
		)
		s.Close(reason)
		closed++
	}

	return closed
}
