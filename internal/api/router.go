package api

import (
	"log/slog"
	"time"

	"terminal/internal/eventbus"
	"terminal/internal/gateway"
	"terminal/internal/monitor"
	"terminal/internal/sanitize"
	"terminal/internal/session"

	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Gateway        *gateway.Gateway
	Registry       *session.Registry
	Allowlist      *sanitize.Allowlist
	Workspaces     Workspaces
	History        History
	Events         eventbus.EventBus
	Errors         *monitor.ErrorTracker
	AllowedOrigins []string
	StartedAt      time.Time
	Logger         *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	// 终端路径带不带结尾斜杠都要直接升级，不能重定向
	r.RedirectTrailingSlash = false
	r.Use(gin.CustomRecovery(func(c *gin.Context, rec any) {
		deps.Logger.Error("Panic in handler", "path", c.Request.URL.Path, "panic", rec)
		c.AbortWithStatusJSON(500, ErrorResponse{Error: "internal server error", Code: 500})
	}))
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware(deps.AllowedOrigins))

	if deps.Errors == nil {
		deps.Errors = monitor.NewErrorTracker()
	}
	if deps.Events == nil {
		deps.Events = eventbus.NopBus{}
	}
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}

	h := &TerminalHandler{
		gateway:    deps.Gateway,
		registry:   deps.Registry,
		allowlist:  deps.Allowlist,
		workspaces: deps.Workspaces,
		history:    deps.History,
		events:     deps.Events,
		errors:     deps.Errors,
		startedAt:  deps.StartedAt,
	}

	r.GET("/healthz", h.Health)
	r.GET("/metrics", h.Metrics)
	r.GET("/error-stats", h.ErrorStats)
	r.GET("/images/:slug/:name", h.Image)

	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/history/:slug", h.SessionHistory)
	r.GET("/sessions/events/:id", h.SessionEvents)

	for _, prefix := range []string{"/terminal/", "/ws/terminal/"} {
		r.GET(prefix+":slug", h.Terminal)
		r.GET(prefix+":slug/", h.Terminal)
	}

	return r
}
