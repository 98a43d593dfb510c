package keepalive

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"terminal/internal/monitor"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 10m"

// Result 是一次探活的结果
type Result struct {
	Target string
	Status int
	Err    error
}

func (r Result) OK() bool { return r.Err == nil && r.Status > 0 && r.Status < 400 }

// Pinger periodically calls GET <target>/healthz on sibling services so that
// hosts which sleep on inactivity stay warm.
type Pinger struct {
	targets []string
	timeout time.Duration
	client  *http.Client
	cron    *cron.Cron
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(targets []string, schedule string, timeout time.Duration, logger *slog.Logger) (*Pinger, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	logger = logger.With("component", "keepalive")
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pinger{
		targets: targets,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	cl := cronLogger{l: logger}
	p.cron = cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := p.cron.AddFunc(schedule, func() { p.PingAll(p.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid keep-alive schedule %q: %w", schedule, err)
	}
	return p, nil
}

func (p *Pinger) Start() {
	p.logger.Info("Keep-alive pinger started", "targets", p.targets, "entries", len(p.cron.Entries()))
	p.cron.Start()
}

// Stop cancels in-flight pings and waits for the running job to return.
func (p *Pinger) Stop(ctx context.Context) error {
	p.cancel()
	stopped := p.cron.Stop()

	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Keep-alive pinger stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PingAll pings every target concurrently and returns the results in
// target order.
func (p *Pinger) PingAll(ctx context.Context) []Result {
	results := make([]Result, len(p.targets))

	var wg sync.WaitGroup
	for i, target := range p.targets {
		wg.Add(1)
		p.wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.wg.Done()
			results[i] = p.ping(ctx, target)
		}()
	}
	wg.Wait()
	return results
}

func (p *Pinger) ping(ctx context.Context, target string) Result {
	url := strings.TrimRight(target, "/") + "/healthz"
	res := Result{Target: target}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Err = err
		return p.record(res)
	}
	req.Header.Set("User-Agent", "portfolio-terminal-keepalive")

	resp, err := p.client.Do(req)
	if err != nil {
		res.Err = err
		return p.record(res)
	}
	resp.Body.Close()
	res.Status = resp.StatusCode
	return p.record(res)
}

func (p *Pinger) record(res Result) Result {
	if res.OK() {
		monitor.KeepAlivePings.WithLabelValues("ok").Inc()
		p.logger.Debug("Keep-alive ping ok", "target", res.Target, "status", res.Status)
	} else {
		monitor.KeepAlivePings.WithLabelValues("failed").Inc()
		p.logger.Warn("Keep-alive ping failed", "target", res.Target, "status", res.Status, "error", res.Err)
	}
	return res
}

// cronLogger 把 cron 的日志转到 slog
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
