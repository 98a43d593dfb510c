package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"terminal/internal/sanitize"
	"terminal/internal/workspace"

	"github.com/hibiken/asynq"
)

var _ WorkspaceWorker = (*PrefetchWorker)(nil)

// PrefetchWorker fills project workspaces ahead of the first terminal.
type PrefetchWorker struct {
	assets    Assets
	allowlist *sanitize.Allowlist
	logger    *slog.Logger
}

func NewPrefetchWorker(assets Assets, allowlist *sanitize.Allowlist, logger *slog.Logger) *PrefetchWorker {
	return &PrefetchWorker{
		assets:    assets,
		allowlist: allowlist,
		logger:    logger.With("component", "prefetch-worker"),
	}
}

func (w *PrefetchWorker) HandlePrefetch(ctx context.Context, task *asynq.Task) error {
	var payload PrefetchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		w.logger.Error("Failed to unmarshal payload", "error", err)
		return fmt.Errorf("json unmarshal error: %v: %w", err, asynq.SkipRetry)
	}

	slug, err := w.allowlist.Sanitize(payload.Slug)
	if err != nil {
		w.logger.Warn("Dropping prefetch for invalid project", "slug", payload.Slug, "error", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	workDir, err := w.assets.WorkDir(slug)
	if err != nil {
		return fmt.Errorf("resolve workspace for %s: %w", slug, err)
	}

	w.logger.Info("Prefetching project files", "project", slug, "dir", workDir)
	if err := w.assets.EnsureAssets(ctx, slug, workDir); err != nil {
		// 缺失或内容不合规的归档重试也不会成功
		if errors.Is(err, workspace.ErrObjectNotFound) ||
			errors.Is(err, workspace.ErrDisallowedFile) ||
			errors.Is(err, workspace.ErrEmptyArchive) {
			w.logger.Warn("Prefetch failed permanently", "project", slug, "kind", workspace.FailureKind(err), "error", err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		w.logger.Error("Prefetch failed", "project", slug, "error", err)
		return err
	}

	w.logger.Info("Prefetch completed", "project", slug)
	return nil
}

// Enqueuer is the subset of *asynq.Client used to schedule prefetches.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// EnqueuePrefetch schedules one prefetch per slug and returns how many were
// queued. Slugs that already have a pending task are skipped silently.
func EnqueuePrefetch(ctx context.Context, client Enqueuer, slugs []string, logger *slog.Logger) int {
	queued := 0
	for _, slug := range slugs {
		task, err := NewPrefetchTask(slug)
		if err != nil {
			logger.Error("Failed to build prefetch task", "project", slug, "error", err)
			continue
		}

		info, err := client.EnqueueContext(ctx, task)
		switch {
		case errors.Is(err, asynq.ErrDuplicateTask):
			logger.Debug("Prefetch already queued", "project", slug)
		case err != nil:
			logger.Error("Failed to enqueue prefetch", "project", slug, "error", err)
		default:
			queued++
			logger.Info("Prefetch queued", "project", slug, "task_id", info.ID)
		}
	}
	return queued
}
