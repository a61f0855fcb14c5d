// Package simulator drives SMTP sessions through the policy orchestrator.
//
// The Backend plugs into github.com/emersion/go-smtp. Every session
// checkpoint is evaluated by the orchestrator and the combined outcome is
// turned into a protocol action: continue, delay, reply with a 4xx or 5xx
// code, or reply and drop the TCP connection.
package simulator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/synqronlabs/mailsim/policy"
	"github.com/synqronlabs/mailsim/utils"
)

// SessionObserver is notified about the session lifecycle.
// *metrics.Metrics implements it.
type SessionObserver interface {
	SessionStarted()
	SessionEnded()
	MessageReceived()
}

type nopObserver struct{}

func (nopObserver) SessionStarted()  {}
func (nopObserver) SessionEnded()    {}
func (nopObserver) MessageReceived() {}

// Backend implements smtp.Backend.
type Backend struct {
	orch     *policy.Orchestrator
	logger   *slog.Logger
	observer SessionObserver

	// ctx is cancelled on shutdown and interrupts pending reply delays.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}

	now func() time.Time
}

var _ smtp.Backend = (*Backend)(nil)

// NewBackend creates a backend evaluating sessions with orch. A nil
// observer is allowed.
func NewBackend(orch *policy.Orchestrator, observer SessionObserver, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		orch:     orch,
		logger:   logger,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[*Session]struct{}),
		now:      time.Now,
	}
}

// Stop interrupts pending delays. Sessions still reply afterwards.
func (b *Backend) Stop() {
	b.cancel()
}

// Active returns the number of open sessions.
func (b *Backend) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// DropAll writes reply to every open session and closes its connection.
func (b *Backend) DropAll(reply Reply) {
	b.mu.Lock()
	open := make([]*Session, 0, len(b.sessions))
	for s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	for _, s := range open {
		s.drop(reply)
	}
}

// NewSession evaluates CONNECT_PRE. A refusal is written as the greeting
// and the connection is closed.
func (b *Backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	raw := c.Conn()
	ip, err := utils.RemoteIP(raw.RemoteAddr())
	if err != nil {
		b.logger.Warn("cannot determine remote IP", slog.Any("error", err))
	}

	ctx, cancel := context.WithCancel(b.ctx)
	s := &Session{
		backend: b,
		conn:    c,
		raw:     raw,
		ctx:     ctx,
		cancel:  cancel,
		pctx: &policy.Context{
			SessionID:  utils.NewSessionID(),
			RemoteIP:   ip,
			Attributes: policy.NewAttributes(),
		},
	}
	s.logger = b.logger.With(
		slog.String("session", s.pctx.SessionID),
		slog.String("remote", s.pctx.RemoteIPString()),
	)
	b.observer.SessionStarted()
	s.logger.Debug("session started")

	if out := s.evaluate(policy.PhaseConnectPre); !out.IsAllow() {
		reply := ReplyFor(out)
		s.drop(reply)
		s.end()
		return nil, reply.SMTPError()
	}

	b.mu.Lock()
	b.sessions[s] = struct{}{}
	b.mu.Unlock()
	return s, nil
}

// Session implements smtp.Session. go-smtp serializes calls per
// connection; only end may race with a server-side close.
type Session struct {
	backend *Backend
	conn    *smtp.Conn
	raw     net.Conn
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	pctx    *policy.Context
	endOnce sync.Once
}

var _ smtp.Session = (*Session)(nil)

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.pctx.SessionID
}

func (s *Session) Mail(from string, _ *smtp.MailOptions) error {
	s.pctx.RemoteHost = s.conn.Hostname()
	s.pctx.MailFrom = from
	s.pctx.CurrentRecipient = ""
	s.pctx.TotalRecipients = 0
	return nil
}

func (s *Session) Rcpt(to string, _ *smtp.RcptOptions) error {
	s.pctx.CurrentRecipient = to
	if err := s.refuse(s.evaluate(policy.PhaseRcptPre)); err != nil {
		return err
	}
	s.pctx.TotalRecipients++
	s.pctx.SessionRecipients++
	return nil
}

// Data evaluates DATA_PRE before consuming the body. go-smtp has already
// sent 354 at that point, so a DATA_PRE refusal is the reply to the
// terminating dot and the library discards the unread body.
func (s *Session) Data(r io.Reader) error {
	s.pctx.CurrentRecipient = ""
	if err := s.refuse(s.evaluate(policy.PhaseDataPre)); err != nil {
		return err
	}

	msg, err := io.ReadAll(r)
	if err != nil {
		s.logger.Info("reading message failed", slog.Any("error", err))
		return err
	}
	s.pctx.Message = msg
	defer func() { s.pctx.Message = nil }()

	err = s.refuse(s.evaluate(policy.PhaseDataEnd))
	if ar := s.pctx.Attributes.GetString(policy.AttrAuthResults); ar != "" {
		s.logger.Info("authentication results", slog.String("authentication_results", ar))
	}
	if err != nil {
		return err
	}

	s.backend.observer.MessageReceived()
	s.logger.Info("message accepted",
		slog.String("from", s.pctx.MailFrom),
		slog.Int("recipients", s.pctx.TotalRecipients),
		slog.Int("size", len(msg)),
	)
	return nil
}

func (s *Session) Reset() {
	s.pctx.MailFrom = ""
	s.pctx.CurrentRecipient = ""
	s.pctx.TotalRecipients = 0
	s.pctx.Message = nil
}

// Logout evaluates SESSION_END. go-smtp calls it once the connection is
// closed, by QUIT, by the client or by a forced disconnect.
func (s *Session) Logout() error {
	s.end()
	return nil
}

// end runs the session teardown exactly once.
func (s *Session) end() {
	s.endOnce.Do(func() {
		s.pctx.Time = s.backend.now()
		s.backend.orch.Evaluate(s.ctx, policy.PhaseSessionEnd, s.pctx)
		s.backend.orch.NotifySessionEnd(s.ctx, s.pctx)
		s.cancel()

		s.backend.mu.Lock()
		delete(s.backend.sessions, s)
		s.backend.mu.Unlock()
		s.backend.observer.SessionEnded()
		s.logger.Debug("session ended", slog.Int("recipients", s.pctx.SessionRecipients))
	})
}

// evaluate runs the phase and sleeps the outcome's delay.
func (s *Session) evaluate(phase policy.Phase) policy.Outcome {
	s.pctx.Time = s.backend.now()
	out := s.backend.orch.Evaluate(s.ctx, phase, s.pctx)
	if out.Delay > 0 {
		sleep(s.ctx, out.Delay)
	}
	return out
}

// refuse returns nil for Allow and the reply as an *smtp.SMTPError
// otherwise, dropping the connection first when the outcome says so.
func (s *Session) refuse(out policy.Outcome) error {
	if out.IsAllow() {
		return nil
	}
	reply := ReplyFor(out)
	if out.CloseConnection {
		s.drop(reply)
	}
	return reply.SMTPError()
}

// drop writes the reply straight to the connection and closes it. go-smtp
// then fails to write its own reply and tears the session down.
func (s *Session) drop(reply Reply) {
	_ = s.raw.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.WriteString(s.raw, reply.String()+"\r\n"); err != nil {
		s.logger.Debug("writing disconnect reply failed", slog.Any("error", err))
	}
	if err := s.raw.Close(); err != nil {
		s.logger.Debug("closing connection failed", slog.Any("error", err))
	}
	s.logger.Info("connection dropped", slog.String("reply", reply.String()))
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
