package sandbox

import (
	"context"
	"time"
)

// Terminal 是网关使用的会话进程句柄
type Terminal interface {
	Write(p []byte) (int, error)
	// Read 超时返回 (nil, nil)；pty 关闭返回 io.EOF
	Read(ctx context.Context, timeout time.Duration) ([]byte, error)
	Resize(rows, cols uint16) error
	// Terminate 幂等，进程已退出时也不会报错
	Terminate()
	Done() <-chan struct{}
	Pid() int
}

// Spawner starts a Terminal. PtySpawner is the production implementation.
type Spawner interface {
	Spawn(ctx context.Context, opts Options) (Terminal, error)
}
