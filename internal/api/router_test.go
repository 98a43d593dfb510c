package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"terminal/internal/api"
	"terminal/internal/eventbus"
	"terminal/internal/gateway"
	"terminal/internal/monitor"
	"terminal/internal/policy"
	"terminal/internal/sanitize"
	"terminal/internal/session"
	"terminal/internal/session/repo"
)

type dirWorkspaces struct{ base string }

func (d dirWorkspaces) WorkDir(slug string) (string, error) {
	return sanitize.SafeJoin(d.base, slug)
}

type fakeHistory struct {
	models []repo.SessionModel
	err    error
}

func (f fakeHistory) ListByProject(ctx context.Context, project string, limit int) ([]repo.SessionModel, error) {
	return f.models, f.err
}

type testEnv struct {
	router   http.Handler
	registry *session.Registry
	tracker  *monitor.ErrorTracker
	base     string
}

func newEnv(t *testing.T, history api.History, origins []string) *testEnv {
	t.Helper()
	return newEnvWithEvents(t, history, origins, nil)
}

func newEnvWithEvents(t *testing.T, history api.History, origins []string, events eventbus.EventBus) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	base := t.TempDir()
	registry := session.NewRegistry()
	allow := sanitize.NewAllowlist(sanitize.DefaultProjects)
	tracker := monitor.NewErrorTracker()
	ws := dirWorkspaces{base: base}

	gw := gateway.New(gateway.Deps{
		Registry:  registry,
		Allowlist: allow,
		Validator: policy.NewValidator(logger),
		Errors:    tracker,
	}, gateway.Options{}, logger)

	router := api.NewRouter(api.RouterDeps{
		Gateway:        gw,
		Registry:       registry,
		Allowlist:      allow,
		Workspaces:     ws,
		History:        history,
		Events:         events,
		Errors:         tracker,
		AllowedOrigins: origins,
		StartedAt:      time.Now().Add(-time.Minute),
		Logger:         logger,
	})
	return &testEnv{router: router, registry: registry, tracker: tracker, base: base}
}

func (e *testEnv) get(path string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Invalid JSON %q: %v", w.Body.String(), err)
	}
}

func TestHealthz(t *testing.T) {
	env := newEnv(t, nil, nil)
	w := env.get("/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp api.HealthResponse
	decode(t, w, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status = %q", resp.Status)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Missing X-Request-ID")
	}
}

func TestMetrics(t *testing.T) {
	env := newEnv(t, nil, nil)
	env.registry.Add(session.New("minishell", ""))
	env.registry.Add(session.New("fdf", ""))

	w := env.get("/metrics")
	var resp map[string]any
	decode(t, w, &resp)

	if resp["active_terminals"] != float64(2) {
		t.Errorf("active_terminals = %v", resp["active_terminals"])
	}
	if up, _ := resp["uptime"].(float64); up < 60 {
		t.Errorf("uptime = %v", resp["uptime"])
	}
	if _, ok := resp["memory_used_percent"]; !ok {
		t.Error("Missing memory_used_percent")
	}
}

func TestErrorStats(t *testing.T) {
	env := newEnv(t, nil, nil)

	var empty monitor.ErrorStats
	decode(t, env.get("/error-stats"), &empty)
	if empty.Errors != 0 || empty.LastError != nil {
		t.Errorf("Unexpected initial stats %+v", empty)
	}

	env.tracker.Record(errors.New("boom"))
	var stats monitor.ErrorStats
	decode(t, env.get("/error-stats"), &stats)
	if stats.Errors != 1 || stats.LastError == nil || *stats.LastError != "boom" {
		t.Errorf("Unexpected stats %+v", stats)
	}
}

func TestImages(t *testing.T) {
	env := newEnv(t, nil, nil)
	imgDir := filepath.Join(env.base, "minishell", "images")
	os.MkdirAll(filepath.Join(imgDir, "nested.png"), 0o755)
	os.WriteFile(filepath.Join(imgDir, "demo.png"), []byte("\x89PNG\r\n\x1a\nfake"), 0o644)
	os.WriteFile(filepath.Join(env.base, "secret.png"), []byte("secret"), 0o644)
	os.Symlink(filepath.Join(env.base, "secret.png"), filepath.Join(imgDir, "link.png"))

	tests := []struct {
		name string
		path string
		want int
	}{
		{"served", "/images/minishell/demo.png", http.StatusOK},
		{"slug case folded", "/images/MiniShell/demo.png", http.StatusOK},
		{"missing", "/images/minishell/other.png", http.StatusNotFound},
		{"unknown project", "/images/etc/demo.png", http.StatusNotFound},
		{"bad slug", "/images/mini$hell/demo.png", http.StatusBadRequest},
		{"dotdot name", "/images/minishell/..", http.StatusBadRequest},
		{"bad name", "/images/minishell/de%20mo.png", http.StatusBadRequest},
		{"not an image", "/images/minishell/main.c", http.StatusBadRequest},
		{"directory", "/images/minishell/nested.png", http.StatusForbidden},
		{"symlink escape", "/images/minishell/link.png", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.get(tt.path)
			if w.Code != tt.want {
				t.Errorf("GET %s = %d, want %d (%s)", tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}

	w := env.get("/images/minishell/demo.png")
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("Missing nosniff header")
	}
}

func TestListSessions(t *testing.T) {
	env := newEnv(t, nil, nil)
	s := session.New("cub3d", "198.51.100.4")
	env.registry.Add(s)

	var resp api.SessionListResponse
	decode(t, env.get("/sessions"), &resp)
	if resp.Count != 1 || len(resp.Sessions) != 1 {
		t.Fatalf("Unexpected response %+v", resp)
	}
	if resp.Sessions[0].ID != s.ID || resp.Sessions[0].Project != "cub3d" {
		t.Errorf("Unexpected summary %+v", resp.Sessions[0])
	}
}

func TestSessionHistory(t *testing.T) {
	env := newEnv(t, nil, nil)
	if w := env.get("/sessions/history/minishell"); w.Code != http.StatusNotFound {
		t.Errorf("History without store = %d, want 404", w.Code)
	}

	closed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	env = newEnv(t, fakeHistory{models: []repo.SessionModel{{
		ID: "a", Project: "minishell", CloseReason: "idle-timeout", DeniedCommands: 3,
		CreatedAt: closed.Add(-time.Hour), ClosedAt: closed,
	}}}, nil)

	var resp api.HistoryResponse
	decode(t, env.get("/sessions/history/minishell"), &resp)
	if len(resp.Sessions) != 1 || resp.Sessions[0].DeniedCommands != 3 || resp.Sessions[0].ClosedAt != "2026-03-01T10:00:00Z" {
		t.Errorf("Unexpected history %+v", resp)
	}

	if w := env.get("/sessions/history/nope"); w.Code != http.StatusNotFound {
		t.Errorf("Unknown project = %d", w.Code)
	}
}

func TestTerminalRoutes(t *testing.T) {
	env := newEnv(t, nil, nil)

	// 普通 GET 无法升级，但路由必须命中且不重定向
	for _, path := range []string{"/terminal/minishell", "/terminal/minishell/", "/ws/terminal/minishell", "/ws/terminal/minishell/"} {
		w := env.get(path)
		if w.Code == http.StatusNotFound || (w.Code >= 300 && w.Code < 400) {
			t.Errorf("GET %s = %d, want upgrade failure", path, w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	env := newEnv(t, nil, []string{"aouichou.me", "*.aouichou.me", "localhost:*"})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://aouichou.me", "https://aouichou.me"},
		{"https://www.aouichou.me", "https://www.aouichou.me"},
		{"http://localhost:3000", "http://localhost:3000"},
		{"https://evil.example", ""},
		{"https://aouichou.me.evil.example", ""},
		{"null", ""},
	}
	for _, tt := range tests {
		w := env.get("/healthz", "Origin", tt.origin)
		if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("Origin %s: allow header = %q, want %q", tt.origin, got, tt.want)
		}
	}

	open := newEnv(t, nil, nil)
	if got := open.get("/healthz").Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Open CORS header = %q", got)
	}
}
