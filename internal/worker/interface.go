package worker

import (
	"context"

	"github.com/hibiken/asynq"
)

type WorkspaceWorker interface {
	HandlePrefetch(ctx context.Context, task *asynq.Task) error
}

// Assets 是预取任务需要的资源拉取能力
type Assets interface {
	WorkDir(slug string) (string, error)
	EnsureAssets(ctx context.Context, slug, workDir string) error
}
