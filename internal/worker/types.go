package worker

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskWorkspacePrefetch = "workspace:prefetch"

const (
	prefetchMaxRetry = 3
	prefetchTimeout  = 5 * time.Minute
	// 同一项目在该窗口内只保留一个待执行任务
	prefetchUniqueTTL = 10 * time.Minute
)

type PrefetchPayload struct {
	Slug string `json:"slug"`
}

// NewPrefetchTask builds the task that warms the workspace of slug.
func NewPrefetchTask(slug string) (*asynq.Task, error) {
	payload, err := json.Marshal(PrefetchPayload{Slug: slug})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWorkspacePrefetch, payload,
		asynq.MaxRetry(prefetchMaxRetry),
		asynq.Timeout(prefetchTimeout),
		asynq.Unique(prefetchUniqueTTL),
	), nil
}
