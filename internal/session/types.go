package session

import (
	"sync"
	"sync/atomic"
	"time"

	"terminal/internal/sandbox"

	"github.com/google/uuid"
)

// State 按 connecting → provisioning → ready → active → closing → closed 单向推进
type State int32

const (
	StateConnecting State = iota
	StateProvisioning
	StateReady
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateProvisioning:
		return "provisioning"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason 同时用作 metrics 标签
type CloseReason string

const (
	ReasonClientGone  CloseReason = "client-disconnect"
	ReasonShellExit   CloseReason = "shell-exit"
	ReasonIdle        CloseReason = "idle-timeout"
	ReasonMaxDuration CloseReason = "max-duration"
	ReasonShutdown    CloseReason = "shutdown"
	ReasonError       CloseReason = "error"
)

// Session is one browser terminal. The identity fields are fixed at creation;
// everything else is safe for concurrent use.
type Session struct {
	ID         string
	Slug       string
	ClientAddr string
	CreatedAt  time.Time

	state        atomic.Int32
	lastActivity atomic.Int64
	rows         atomic.Uint32
	cols         atomic.Uint32
	denied       atomic.Int64

	mu       sync.Mutex
	term     sandbox.Terminal
	closer   func(CloseReason)
	reason   CloseReason
	closing  bool
	closedCh chan struct{}
}

func New(slug, clientAddr string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.New().String(),
		Slug:       slug,
		ClientAddr: clientAddr,
		CreatedAt:  now,
		closedCh:   make(chan struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	s.rows.Store(sandbox.DefaultRows)
	s.cols.Store(sandbox.DefaultCols)
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

// SetState moves the session to st. Once closing has begun the state never
// goes back to a live one.
func (s *Session) SetState(st State) {
	for {
		cur := s.state.Load()
		if State(cur) >= StateClosing && st < StateClosing {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func (s *Session) Touch() { s.lastActivity.Store(time.Now().UnixNano()) }

func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

func (s *Session) SetSize(rows, cols uint16) {
	s.rows.Store(uint32(rows))
	s.cols.Store(uint32(cols))
}

func (s *Session) Size() (rows, cols uint16) {
	return uint16(s.rows.Load()), uint16(s.cols.Load())
}

func (s *Session) RecordDenied() int64 { return s.denied.Add(1) }

func (s *Session) DeniedCount() int64 { return s.denied.Load() }

// AttachTerminal binds the shell. The session owns it from here on.
func (s *Session) AttachTerminal(t sandbox.Terminal) {
	s.mu.Lock()
	s.term = t
	s.mu.Unlock()
}

func (s *Session) Terminal() sandbox.Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// OnClose installs the hook invoked by Close. The hook must not block;
// the owner does the actual teardown and then calls MarkClosed.
func (s *Session) OnClose(fn func(CloseReason)) {
	s.mu.Lock()
	s.closer = fn
	s.mu.Unlock()
}

// Close asks the owner to tear the session down. Only the first reason
// sticks; later calls are ignored.
func (s *Session) Close(reason CloseReason) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	s.reason = reason
	fn := s.closer
	s.mu.Unlock()

	s.SetState(StateClosing)
	if fn != nil {
		fn(reason)
	}
}

// CloseReason returns the first reason passed to Close, or "" when open.
func (s *Session) CloseReason() CloseReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// MarkClosed records that teardown finished. Idempotent.
func (s *Session) MarkClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() == StateClosed {
		return
	}
	s.closing = true
	s.SetState(StateClosed)
	close(s.closedCh)
}

// Closed is closed after MarkClosed.
func (s *Session) Closed() <-chan struct{} { return s.closedCh }

type Summary struct {
	ID           string    `json:"id"`
	Project      string    `json:"project"`
	ClientAddr   string    `json:"client_addr"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Rows         uint16    `json:"rows"`
	Cols         uint16    `json:"cols"`
	Denied       int64     `json:"denied_commands"`
	Pid          int       `json:"pid,omitempty"`
}

func (s *Session) Summary() Summary {
	rows, cols := s.Size()
	sum := Summary{
		ID:           s.ID,
		Project:      s.Slug,
		ClientAddr:   s.ClientAddr,
		State:        s.State().String(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Rows:         rows,
		Cols:         cols,
		Denied:       s.DeniedCount(),
	}
	if t := s.Terminal(); t != nil {
		sum.Pid = t.Pid()
	}
	return sum
}

// Record 是会话结束后归档的内容，不包含任何终端输入输出
type Record struct {
	ID             string
	Slug           string
	ClientAddr     string
	CreatedAt      time.Time
	ClosedAt       time.Time
	DeniedCommands int64
	Reason         CloseReason
}

func (s *Session) Record(closedAt time.Time) Record {
	return Record{
		ID:             s.ID,
		Slug:           s.Slug,
		ClientAddr:     s.ClientAddr,
		CreatedAt:      s.CreatedAt,
		ClosedAt:       closedAt,
		DeniedCommands: s.DeniedCount(),
		Reason:         s.CloseReason(),
	}
}
