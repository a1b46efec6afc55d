package smtp

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/guardpost/guardpost/internal/config"
	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/policy"
	"github.com/guardpost/guardpost/internal/proxyproto"
)

// Session drives one SMTP dialogue. Phases run strictly in protocol
// order: connect on accept, mail_from after MAIL, rcpt_to after each
// RCPT, data after DATA, data_received after the final dot.
type Session struct {
	conn     net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	rec      *connection.Connection
	engine   *policy.Engine
	rewriter *proxyproto.Rewriter
	auth     *AuthHandler
	config   *config.Config
	logger   *slog.Logger

	env      *policy.Envelope
	greeted  bool
	quitting bool
}

// NewSession wraps an accepted network connection.
func NewSession(conn net.Conn, cfg *config.Config, engine *policy.Engine, rewriter *proxyproto.Rewriter, auth *AuthHandler, logger *slog.Logger) *Session {
	host, port := splitAddr(conn.RemoteAddr())
	rec := connection.New(host, port)
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:     conn,
		reader:   bufio.NewReader(conn),
		writer:   bufio.NewWriter(conn),
		rec:      rec,
		engine:   engine,
		rewriter: rewriter,
		auth:     auth,
		config:   cfg,
		logger: logger.With(
			"component", "smtp-session",
			"session_id", rec.ID,
			"remote_addr", host,
		),
	}
}

// Connection exposes the session's state record, mainly for tests.
func (s *Session) Connection() *connection.Connection {
	return s.rec
}

// Handle runs the session to completion.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()
	defer s.rec.Close()

	// Checks run under the connection context so in-flight DNS work is
	// abandoned when the client goes away; daemon shutdown cancels it
	// too.
	runCtx, cancel := context.WithCancel(s.rec.Context())
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.logger.Debug("session started")

	// A trusted relay declares the real client before the dialogue
	// begins. Only the configured relay is ever waited on; everyone else
	// gets the banner straight away.
	if s.rewriter != nil && s.expectProxyHeader() {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if !proxyproto.IsDeclaration(line) {
			s.logger.Warn("trusted relay sent no proxy declaration")
			s.writeLine("550 5.7.0 proxy declaration required")
			return
		}
		if err := s.rewriter.Apply(s.rec, line); err != nil {
			s.logger.Warn("proxy declaration refused", "error", err)
			s.writeLine("550 5.7.0 proxy declaration refused")
			return
		}
	}

	if res := s.engine.Run(runCtx, s.rec, nil, policy.PhaseConnect); res.Rejecting() {
		// Connect-phase rejections replace the banner and end the
		// session.
		s.writeReject(res)
		return
	}

	s.writeLine(fmt.Sprintf("220 %s ESMTP guardpost ready", s.config.Server.Hostname))
	s.greeted = true

	for !s.quitting {
		line, err := s.readLine()
		if err != nil {
			return
		}
		if disconnect := s.handleCommand(runCtx, line); disconnect {
			return
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) (disconnect bool) {
	verb, arg := splitCommand(line)

	switch verb {
	case "HELO", "EHLO":
		return s.handleHelo(verb, arg)
	case "AUTH":
		return s.handleAuth(arg)
	case "MAIL":
		return s.handleMail(ctx, arg)
	case "RCPT":
		return s.handleRcpt(ctx, arg)
	case "DATA":
		return s.handleData(ctx)
	case "RSET":
		s.env = nil
		s.writeLine("250 2.0.0 ok")
	case "NOOP":
		s.writeLine("250 2.0.0 ok")
	case "QUIT":
		s.quitting = true
		s.writeLine("221 2.0.0 bye")
		return true
	case "PROXY":
		// A declaration this late is either a duplicate or an untrusted
		// client spoofing its reputation. Always terminal.
		if s.rewriter != nil {
			if err := s.rewriter.Apply(s.rec, line); err == nil {
				// Accepted would mean the rewriter is misconfigured; a
				// declaration after the banner is never legitimate.
				s.logger.Error("proxy declaration accepted mid-session, disconnecting")
			}
		}
		s.writeLine("550 5.7.0 proxy declaration refused")
		return true
	default:
		s.rec.AdjustKarma(-1)
		s.writeLine("500 5.5.2 unrecognized command")
	}
	return false
}

func (s *Session) handleHelo(verb, arg string) bool {
	if arg == "" {
		s.writeLine("501 5.5.4 hostname required")
		return false
	}
	s.rec.SetHelo(arg)
	if verb == "HELO" {
		s.writeLine(fmt.Sprintf("250 %s", s.config.Server.Hostname))
		return false
	}
	s.writeLine(fmt.Sprintf("250-%s", s.config.Server.Hostname))
	if s.auth != nil {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250 8BITMIME")
	return false
}

func (s *Session) handleAuth(arg string) bool {
	if s.auth == nil {
		s.writeLine("502 5.5.1 authentication not enabled")
		return false
	}
	if s.rec.IsAuthenticated() {
		s.writeLine("503 5.5.1 already authenticated")
		return false
	}
	s.auth.Handle(s, arg)
	return false
}

func (s *Session) handleMail(ctx context.Context, arg string) bool {
	if s.env != nil {
		s.writeLine("503 5.5.1 nested MAIL command")
		return false
	}
	sender, ok := parsePath(arg, "FROM")
	if !ok {
		s.writeLine("501 5.5.4 syntax: MAIL FROM:<address>")
		return false
	}
	env := &policy.Envelope{Sender: sender}
	if res := s.engine.Run(ctx, s.rec, env, policy.PhaseMailFrom); res.Rejecting() {
		return s.writeReject(res)
	}
	s.env = env
	s.writeLine("250 2.1.0 sender ok")
	return false
}

func (s *Session) handleRcpt(ctx context.Context, arg string) bool {
	if s.env == nil {
		s.writeLine("503 5.5.1 need MAIL before RCPT")
		return false
	}
	rcpt, ok := parsePath(arg, "TO")
	if !ok || rcpt == "" {
		s.writeLine("501 5.5.4 syntax: RCPT TO:<address>")
		return false
	}
	s.env.Recipients = append(s.env.Recipients, rcpt)
	if res := s.engine.Run(ctx, s.rec, s.env, policy.PhaseRcptTo); res.Rejecting() {
		s.env.Recipients = s.env.Recipients[:len(s.env.Recipients)-1]
		return s.writeReject(res)
	}
	s.writeLine("250 2.1.5 recipient ok")
	return false
}

func (s *Session) handleData(ctx context.Context) bool {
	if s.env == nil || len(s.env.Recipients) == 0 {
		s.writeLine("503 5.5.1 need RCPT before DATA")
		return false
	}
	if res := s.engine.Run(ctx, s.rec, s.env, policy.PhaseData); res.Rejecting() {
		return s.writeReject(res)
	}

	s.writeLine("354 end data with <CR><LF>.<CR><LF>")
	size, err := s.discardData()
	if err != nil {
		return true
	}
	s.logger.Debug("message data received", "bytes", size)

	if res := s.engine.Run(ctx, s.rec, s.env, policy.PhaseDataReceived); res.Rejecting() {
		s.env = nil
		return s.writeReject(res)
	}

	s.env = nil
	s.writeLine(fmt.Sprintf("250 2.0.0 ok, accepted as %s", s.rec.ID))
	return false
}

// discardData consumes the message body up to the terminating dot. The
// driver carries no envelope or content model; the body is read and
// dropped.
func (s *Session) discardData() (int, error) {
	size := 0
	for {
		line, err := s.readLine()
		if err != nil {
			return size, err
		}
		if line == "." {
			return size, nil
		}
		size += len(line) + 2
	}
}

// writeReject maps a rejecting disposition onto the wire and reports
// whether the session must end.
func (s *Session) writeReject(res policy.Result) bool {
	msg := res.Message
	if msg == "" {
		msg = "rejected by policy"
	}
	switch res.Action {
	case policy.ActionRejectTemporary:
		s.writeLine("451 4.7.1 " + msg)
		return false
	case policy.ActionRejectPermanent:
		s.writeLine("550 5.7.1 " + msg)
		return false
	default:
		s.writeLine("550 5.7.1 " + msg)
		return true
	}
}

func (s *Session) expectProxyHeader() bool {
	return s.rec.PhysicalAddr() == s.config.Proxy.TrustedRelay && s.config.Proxy.Enabled
}

func (s *Session) readLine() (string, error) {
	if t := s.config.ReadTimeout(); t > 0 {
		s.conn.SetReadDeadline(time.Now().Add(t))
	}
	line, err := s.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *Session) writeLine(line string) {
	s.writer.WriteString(line + "\r\n")
	s.writer.Flush()
}

func splitCommand(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(line, " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// parsePath extracts the address from "FROM:<addr>" / "TO:<addr>"
// arguments, tolerating whitespace and missing brackets.
func parsePath(arg, keyword string) (string, bool) {
	rest, found := cutPrefixFold(arg, keyword+":")
	if !found {
		return "", false
	}
	rest = strings.TrimSpace(rest)
	// Strip optional ESMTP parameters after the path.
	if i := strings.Index(rest, "> "); i >= 0 {
		rest = rest[:i+1]
	}
	if strings.HasPrefix(rest, "<") && strings.HasSuffix(rest, ">") {
		return rest[1 : len(rest)-1], true
	}
	if strings.ContainsAny(rest, "<>") {
		return "", false
	}
	return rest, true
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}

func splitAddr(addr net.Addr) (string, int) {
	tcp, ok := addr.(*net.TCPAddr)
	if ok {
		return tcp.IP.String(), tcp.Port
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String(), 0
	}
	return host, 0
}
