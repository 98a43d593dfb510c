package sandbox

import "errors"

var (
	ErrSpawnFailed = errors.New("failed to spawn sandboxed shell")

	ErrIO = errors.New("sandboxed process I/O error")

	ErrClosed = errors.New("sandboxed process terminated")

	ErrInvalidSize = errors.New("invalid terminal size")
)
