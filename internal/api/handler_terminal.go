package api

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"terminal/internal/eventbus"
	"terminal/internal/gateway"
	"terminal/internal/monitor"
	"terminal/internal/sanitize"
	"terminal/internal/session"
	"terminal/internal/session/repo"

	"github.com/gin-gonic/gin"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".gif":  true,
	".svg":  true,
	".webp": true,
	".ico":  true,
}

// Workspaces resolves project workspace directories.
type Workspaces interface {
	WorkDir(slug string) (string, error)
}

// History lists archived sessions. A nil History disables the endpoint.
type History interface {
	ListByProject(ctx context.Context, project string, limit int) ([]repo.SessionModel, error)
}

type TerminalHandler struct {
	gateway    *gateway.Gateway
	registry   *session.Registry
	allowlist  *sanitize.Allowlist
	workspaces Workspaces
	history    History
	events     eventbus.EventBus
	errors     *monitor.ErrorTracker
	startedAt  time.Time
}

func (h *TerminalHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "healthy"})
}

func (h *TerminalHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, monitor.Collect(h.startedAt, h.registry.Count()))
}

func (h *TerminalHandler) ErrorStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.errors.Stats())
}

// Terminal upgrades to the WebSocket terminal protocol.
func (h *TerminalHandler) Terminal(c *gin.Context) {
	h.gateway.Serve(c.Writer, c.Request, c.Param("slug"), c.ClientIP())
}

func (h *TerminalHandler) ListSessions(c *gin.Context) {
	sessions := h.registry.List()
	resp := SessionListResponse{
		Count:    len(sessions),
		Sessions: make([]session.Summary, 0, len(sessions)),
	}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, s.Summary())
	}
	c.JSON(http.StatusOK, resp)
}

func (h *TerminalHandler) SessionHistory(c *gin.Context) {
	if h.history == nil {
		respondError(c, http.StatusNotFound, ErrHistoryDisabled)
		return
	}

	slug, err := h.allowlist.Sanitize(c.Param("slug"))
	if err != nil {
		respondError(c, mapSanitizeError(err), err)
		return
	}

	models, err := h.history.ListByProject(c.Request.Context(), slug, 50)
	if err != nil {
		h.errors.Record(err)
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	resp := HistoryResponse{Project: slug, Sessions: make([]ArchivedSession, 0, len(models))}
	for _, m := range models {
		resp.Sessions = append(resp.Sessions, ArchivedSession{
			ID:             m.ID,
			Project:        m.Project,
			CloseReason:    m.CloseReason,
			DeniedCommands: m.DeniedCommands,
			CreatedAt:      formatTime(m.CreatedAt),
			ClosedAt:       formatTime(m.ClosedAt),
		})
	}
	c.JSON(http.StatusOK, resp)
}

// Image serves <workspace>/images/<name>. Every component is sanitized and
// the resolved file must stay inside the project workspace.
func (h *TerminalHandler) Image(c *gin.Context) {
	slug, err := h.allowlist.Sanitize(c.Param("slug"))
	if err != nil {
		respondError(c, mapSanitizeError(err), err)
		return
	}

	name := c.Param("name")
	if err := sanitize.ValidateFileName(name); err != nil {
		respondError(c, mapSanitizeError(err), err)
		return
	}
	if !imageExtensions[strings.ToLower(filepath.Ext(name))] {
		respondErrorWithDetails(c, http.StatusBadRequest, ErrUnsupportedImage, filepath.Ext(name))
		return
	}

	workDir, err := h.workspaces.WorkDir(slug)
	if err != nil {
		respondError(c, mapSanitizeError(err), err)
		return
	}
	path, err := sanitize.SafeJoin(workDir, "images", name)
	if err != nil {
		respondError(c, mapSanitizeError(err), err)
		return
	}

	info, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		respondError(c, http.StatusNotFound, ErrImageNotFound)
		return
	case err != nil:
		h.errors.Record(err)
		respondError(c, http.StatusInternalServerError, err)
		return
	case !info.Mode().IsRegular():
		respondError(c, http.StatusForbidden, sanitize.ErrPathEscape)
		return
	}

	c.Header("X-Content-Type-Options", "nosniff")
	c.Header("Cache-Control", "public, max-age=3600")
	if strings.EqualFold(filepath.Ext(name), ".svg") {
		c.Header("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	}
	c.File(path)
}
