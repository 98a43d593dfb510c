package session

import "context"

// Store mirrors session metadata outside the process. Both calls are
// best effort; the gateway only logs their errors.
type Store interface {
	Put(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	Archive(ctx context.Context, rec Record) error
}
