package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"terminal/internal/auth"
	"terminal/internal/eventbus"
	"terminal/internal/monitor"
	"terminal/internal/policy"
	"terminal/internal/sandbox"
	"terminal/internal/sanitize"
	"terminal/internal/session"
	"terminal/internal/session/repo"
	"terminal/internal/workspace"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// StatusTokenInvalid 是令牌校验失败时的关闭码
const StatusTokenInvalid websocket.StatusCode = 4001

const (
	readLimit     = 64 * 1024
	pollInterval  = 100 * time.Millisecond
	writeTimeout  = 10 * time.Second
	inboundBuffer = 64
	exitDrainWait = 300 * time.Millisecond
)

// Assets is the part of the asset fetcher the gateway needs.
type Assets interface {
	WorkDir(slug string) (string, error)
	State(workDir string) (workspace.State, error)
	EnsureAssets(ctx context.Context, slug, workDir string) error
}

type Options struct {
	Sandbox        sandbox.Options
	PromptTimeout  time.Duration
	ValidateInput  bool
	OriginPatterns []string
	// InsecureSkipVerify 关闭 Origin 校验，仅开发模式使用
	InsecureSkipVerify bool
}

// Gateway upgrades terminal requests and runs one session per connection.
type Gateway struct {
	registry  *session.Registry
	allowlist *sanitize.Allowlist
	verifier  *auth.Verifier
	assets    Assets
	spawner   sandbox.Spawner
	validator *policy.Validator
	store     session.Store
	bus       eventbus.EventBus
	errors    *monitor.ErrorTracker
	opts      Options
	logger    *slog.Logger
}

type Deps struct {
	Registry  *session.Registry
	Allowlist *sanitize.Allowlist
	Verifier  *auth.Verifier
	Assets    Assets
	Spawner   sandbox.Spawner
	Validator *policy.Validator
	Store     session.Store
	Bus       eventbus.EventBus
	Errors    *monitor.ErrorTracker
}

func New(deps Deps, opts Options, logger *slog.Logger) *Gateway {
	if deps.Bus == nil {
		deps.Bus = eventbus.NopBus{}
	}
	if deps.Store == nil {
		deps.Store = repo.NewRepository(nil, nil, 0)
	}
	if deps.Errors == nil {
		deps.Errors = monitor.NewErrorTracker()
	}
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 15 * time.Second
	}
	return &Gateway{
		registry:  deps.Registry,
		allowlist: deps.Allowlist,
		verifier:  deps.Verifier,
		assets:    deps.Assets,
		spawner:   deps.Spawner,
		validator: deps.Validator,
		store:     deps.Store,
		bus:       deps.Bus,
		errors:    deps.Errors,
		opts:      opts,
		logger:    logger.With("component", "gateway"),
	}
}

// Serve upgrades the request and runs the terminal session for rawSlug until
// either side goes away. It returns once teardown has finished.
func (g *Gateway) Serve(w http.ResponseWriter, r *http.Request, rawSlug, clientAddr string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     g.opts.OriginPatterns,
		InsecureSkipVerify: g.opts.InsecureSkipVerify,
	})
	if err != nil {
		g.logger.Warn("WebSocket upgrade failed", "error", err, "client", clientAddr)
		return
	}
	conn.SetReadLimit(readLimit)

	logger := g.logger.With("client", clientAddr)

	if g.verifier != nil {
		project := strings.ToLower(strings.TrimSpace(rawSlug))
		if _, err := g.verifier.Verify(r.URL.Query().Get("token"), project); err != nil {
			logger.Warn("Rejected terminal token", "error", err)
			conn.Close(StatusTokenInvalid, "invalid or expired token")
			return
		}
	}

	slug, err := g.allowlist.Sanitize(rawSlug)
	if err != nil {
		logger.Warn("Rejected project slug", "slug", rawSlug, "error", err)
		g.sendError(conn, "Invalid project: "+rawSlug)
		conn.Close(websocket.StatusPolicyViolation, "invalid project")
		return
	}

	sess := session.New(slug, clientAddr)
	g.run(conn, sess, logger.With("session_id", sess.ID, "project", slug))
}

// run drives one session from provisioning to teardown.
func (g *Gateway) run(conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	start := time.Now()

	// ctx 在会话关闭时取消；connCtx 只在连接关闭后取消，保证告别消息能发出去
	ctx, cancel := context.WithCancel(context.Background())
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	sess.OnClose(func(session.CloseReason) { cancel() })
	if err := g.registry.Add(sess); err != nil {
		cancel()
		g.sendError(conn, "Failed to register session")
		conn.Close(websocket.StatusInternalError, "registry error")
		return
	}

	t := &teardown{g: g, conn: conn, sess: sess, logger: logger, cancel: cancel}
	defer t.run()

	defer g.guard(conn, sess, logger)

	sess.SetState(session.StateProvisioning)
	if err := g.store.Put(ctx, sess); err != nil {
		logger.Warn("Failed to mirror session metadata", "error", err)
	}

	inbox := make(chan inbound, inboundBuffer)
	go g.readLoop(connCtx, conn, sess, inbox, logger)

	term, ok := g.provision(ctx, conn, sess, logger)
	if !ok {
		return
	}
	t.term = term

	pending, promptSeen := g.waitForPrompt(ctx, term)
	if ctx.Err() != nil {
		return
	}

	sess.SetState(session.StateReady)
	monitor.SessionSetupLatency.Observe(time.Since(start).Seconds())
	logger.Info("Terminal session ready", "pid", term.Pid(), "setup", time.Since(start).String(), "prompt_seen", promptSeen)

	g.sendOutput(conn, fmt.Sprintf("Welcome to %s terminal! Type 'ls' to see project files.\r\n", sess.Slug))
	if !promptSeen {
		g.sendOutput(conn, "⚠️  Shell prompt not detected yet, input is accepted anyway.\r\n")
	}
	if pending != "" {
		g.sendOutput(conn, pending)
	}
	g.publish(sess, eventbus.EventSessionReady, map[string]any{"project": sess.Slug, "pid": term.Pid()})

	sess.SetState(session.StateActive)
	pumpDone := make(chan struct{})
	go g.pump(ctx, conn, sess, term, pumpDone, logger)

	g.loop(ctx, conn, sess, term, inbox, pumpDone, logger)
}

// provision ensures the workspace and spawns the shell. It reports false
// when the session is already closing.
func (g *Gateway) provision(ctx context.Context, conn *websocket.Conn, sess *session.Session, logger *slog.Logger) (sandbox.Terminal, bool) {
	workDir, err := g.assets.WorkDir(sess.Slug)
	if err != nil {
		logger.Error("Failed to resolve workspace", "error", err)
		g.errors.Record(err)
		g.sendError(conn, "Failed to prepare project workspace")
		sess.Close(session.ReasonError)
		return nil, false
	}

	state, _ := g.assets.State(workDir)
	if state != workspace.StateReady {
		g.sendOutput(conn, "📦 Downloading project files...\r\n")
	}

	err = g.assets.EnsureAssets(ctx, sess.Slug, workDir)
	switch {
	case ctx.Err() != nil:
		return nil, false
	case err != nil:
		logger.Warn("Asset fetch failed, continuing with empty project", "error", err, "kind", workspace.FailureKind(err))
		g.errors.Record(err)
		if perr := workspace.WritePlaceholder(workDir, sess.Slug); perr != nil {
			logger.Warn("Failed to write placeholder", "error", perr)
		}
		g.sendOutput(conn, "⚠️  Failed to download project files. Using empty project.\r\n")
	case state != workspace.StateReady:
		g.sendOutput(conn, "✅ Project files downloaded successfully!\r\n")
	}

	g.sendOutput(conn, "🚀 Starting terminal...\r\n")

	opts := g.opts.Sandbox
	opts.Dir = workDir
	opts.Rows, opts.Cols = sess.Size()

	term, err := g.spawner.Spawn(ctx, opts)
	if err != nil {
		logger.Error("Failed to spawn shell", "error", err)
		g.errors.Record(err)
		g.sendError(conn, "Failed to start terminal")
		sess.Close(session.ReasonError)
		return nil, false
	}
	sess.AttachTerminal(term)
	return term, true
}

// waitForPrompt collects early output until it ends like a prompt or the
// timeout passes. The collected output is returned for forwarding.
func (g *Gateway) waitForPrompt(ctx context.Context, term sandbox.Terminal) (string, bool) {
	var buf strings.Builder
	var carry utf8Carry
	deadline := time.Now().Add(g.opts.PromptTimeout)

	for time.Now().Before(deadline) {
		chunk, err := term.Read(ctx, pollInterval)
		if err != nil {
			break
		}
		if chunk == nil {
			continue
		}
		buf.WriteString(carry.push(chunk))
		if looksLikePrompt(buf.String()) {
			return buf.String(), true
		}
	}
	buf.WriteString(carry.flush())
	return buf.String(), false
}

// pump forwards shell output to the client in order. It closes done when the
// pty reports EOF or the session closes.
func (g *Gateway) pump(ctx context.Context, conn *websocket.Conn, sess *session.Session, term sandbox.Terminal, done chan<- struct{}, logger *slog.Logger) {
	defer close(done)
	defer g.guard(conn, sess, logger)
	var carry utf8Carry

	for {
		chunk, err := term.Read(ctx, pollInterval)
		if err != nil {
			if rest := carry.flush(); rest != "" {
				g.sendOutput(conn, rest)
			}
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return
			}
			logger.Error("Terminal read failed", "error", err)
			g.errors.Record(err)
			sess.Close(session.ReasonError)
			return
		}
		if chunk == nil {
			continue
		}
		if out := carry.push(chunk); out != "" {
			g.sendOutput(conn, out)
		}
	}
}

func (g *Gateway) loop(ctx context.Context, conn *websocket.Conn, sess *session.Session, term sandbox.Terminal, inbox <-chan inbound, pumpDone <-chan struct{}, logger *slog.Logger) {
	var lb lineBuffer
	shellExited := term.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case <-pumpDone:
			sess.Close(session.ReasonShellExit)
			return

		case <-shellExited:
			// 给 pump 一点时间把剩余输出发完
			shellExited = nil
			go func() {
				select {
				case <-pumpDone:
				case <-time.After(exitDrainWait):
				}
				sess.Close(session.ReasonShellExit)
			}()

		case msg := <-inbox:
			sess.Touch()
			if msg.resize {
				if err := term.Resize(msg.rows, msg.cols); err != nil {
					logger.Debug("Resize ignored", "rows", msg.rows, "cols", msg.cols, "error", err)
				} else {
					sess.SetSize(msg.rows, msg.cols)
				}
			}
			if msg.hasInput {
				if err := g.handleInput(conn, sess, term, &lb, msg.input, logger); err != nil {
					if !errors.Is(err, sandbox.ErrClosed) {
						logger.Error("Terminal write failed", "error", err)
						g.errors.Record(err)
					}
					sess.Close(session.ReasonError)
					return
				}
			}
		}
	}
}

// handleInput forwards keystrokes and checks every submitted line. A denied
// line is wiped from the shell's editor and never executed.
func (g *Gateway) handleInput(conn *websocket.Conn, sess *session.Session, term sandbox.Terminal, lb *lineBuffer, input string, logger *slog.Logger) error {
	if !g.opts.ValidateInput {
		_, err := term.Write([]byte(input))
		return err
	}

	for _, st := range lb.feed(input) {
		if st.kind == stepForward {
			if _, err := term.Write([]byte(st.data)); err != nil {
				return err
			}
			continue
		}

		var d policy.Decision
		if st.verifiable {
			d = g.validator.Validate(st.line)
		} else {
			d = policy.Decision{Verdict: policy.Deny, Reason: policy.ReasonUnmatched, Rule: "unverifiable-edit"}
		}
		monitor.CommandDecisions.WithLabelValues(string(d.Verdict), string(d.Reason)).Inc()

		if d.Allowed() {
			if _, err := term.Write([]byte(st.data)); err != nil {
				return err
			}
			continue
		}

		denied := sess.RecordDenied()
		logger.Info("Blocked command", "reason", d.Reason, "rule", d.Rule, "denied_total", denied)
		g.publish(sess, eventbus.EventCommandDenied, eventbus.DeniedPayload{
			Project: sess.Slug,
			Reason:  string(d.Reason),
			Rule:    d.Rule,
		})

		// 不写回车：被拒绝的行只能被丢弃，不能提交
		if _, err := term.Write([]byte(lineKill)); err != nil {
			return err
		}
		g.sendOutput(conn, denyNotice(st.line, st.verifiable))
	}
	return nil
}

func denyNotice(line string, verifiable bool) string {
	if !verifiable {
		return "\r\n❌ Command blocked: the line was edited with keys the sandbox cannot verify. Please retype it.\r\n"
	}
	return fmt.Sprintf("\r\n❌ Command blocked by security policy: '%s'\r\nOnly basic file inspection and compilation commands are allowed.\r\n",
		strings.TrimSpace(line))
}

// readLoop feeds client messages into inbox. Any read error means the client
// is gone.
func (g *Gateway) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, inbox chan<- inbound, logger *slog.Logger) {
	defer g.guard(conn, sess, logger)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("Client read ended", "error", err, "status", websocket.CloseStatus(err))
			}
			sess.Close(session.ReasonClientGone)
			return
		}

		msg, ok := parseFrame(data)
		if !ok {
			continue
		}
		select {
		case inbox <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// guard is deferred by every goroutine a session owns. A panic closes that
// session only.
func (g *Gateway) guard(conn *websocket.Conn, sess *session.Session, logger *slog.Logger) {
	rec := recover()
	if rec == nil {
		return
	}
	err := fmt.Errorf("session panic: %v", rec)
	logger.Error("Recovered from session panic", "error", err, "stack", string(debug.Stack()))
	g.errors.Record(err)
	g.sendError(conn, "Internal terminal error")
	sess.Close(session.ReasonError)
}

func (g *Gateway) sendOutput(conn *websocket.Conn, s string) {
	g.write(conn, outputFrame{Output: s})
}

func (g *Gateway) sendError(conn *websocket.Conn, msg string) {
	g.write(conn, errorFrame{Error: msg})
}

// 连接关闭后的写失败直接忽略
func (g *Gateway) write(conn *websocket.Conn, v any) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, v); err != nil {
		g.logger.Debug("Dropped frame for closed connection", "error", err)
	}
}

func (g *Gateway) publish(sess *session.Session, typ eventbus.EventType, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.bus.Publish(ctx, sess.ID, eventbus.Event{Type: typ, Payload: payload}); err != nil {
		g.logger.Debug("Event publish failed", "type", typ, "error", err)
	}
}

// teardown releases everything a session holds exactly once.
type teardown struct {
	g      *Gateway
	conn   *websocket.Conn
	sess   *session.Session
	term   sandbox.Terminal
	logger *slog.Logger
	cancel context.CancelFunc
	once   sync.Once
}

func (t *teardown) run() {
	t.once.Do(func() {
		t.sess.Close(session.ReasonError) // 已关闭时无效，保留原因
		t.cancel()
		reason := t.sess.CloseReason()

		if t.term != nil {
			t.term.Terminate()
		}

		if reason != session.ReasonClientGone {
			switch reason {
			case session.ReasonIdle:
				t.g.sendOutput(t.conn, "\r\n⏱️  Session closed after inactivity.\r\n")
			case session.ReasonMaxDuration:
				t.g.sendOutput(t.conn, "\r\n⏱️  Maximum session duration reached.\r\n")
			}
			t.g.sendOutput(t.conn, "\r\nSession terminated.\r\n")
		}
		t.conn.Close(closeStatus(reason), string(reason))

		t.g.registry.Remove(t.sess.ID)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.g.store.Delete(ctx, t.sess.ID); err != nil {
			t.logger.Warn("Failed to delete session metadata", "error", err)
		}
		if err := t.g.store.Archive(ctx, t.sess.Record(time.Now())); err != nil {
			t.logger.Warn("Failed to archive session", "error", err)
		}
		t.g.publish(t.sess, eventbus.EventSessionClosed, map[string]any{"reason": reason})

		monitor.SessionsTotal.WithLabelValues(string(reason)).Inc()
		t.logger.Info("Terminal session closed",
			"reason", reason,
			"duration", time.Since(t.sess.CreatedAt).String(),
			"denied_commands", t.sess.DeniedCount(),
		)
		t.sess.MarkClosed()
	})
}

func closeStatus(reason session.CloseReason) websocket.StatusCode {
	switch reason {
	case session.ReasonError:
		return websocket.StatusInternalError
	case session.ReasonShutdown:
		return websocket.StatusGoingAway
	default:
		return websocket.StatusNormalClosure
	}
}
