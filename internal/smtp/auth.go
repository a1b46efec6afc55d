package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/guardpost/guardpost/internal/datasource"
	"github.com/guardpost/guardpost/internal/metrics"
)

// AuthHandler verifies AUTH PLAIN and AUTH LOGIN against the configured
// user datasource. A successful authentication makes the connection
// immune and clears any pending naughty mark, the escape hatch for
// legitimate roaming users tripped by heuristic checks.
type AuthHandler struct {
	users  datasource.DataSource
	logger *slog.Logger
}

// NewAuthHandler creates an auth handler over the given datasource.
func NewAuthHandler(users datasource.DataSource, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{users: users, logger: logger.With("component", "smtp-auth")}
}

// Handle processes one AUTH command and writes the reply.
func (a *AuthHandler) Handle(s *Session, arg string) {
	mech, rest, _ := strings.Cut(arg, " ")
	var username, password string
	var err error

	switch strings.ToUpper(mech) {
	case "PLAIN":
		username, password, err = a.plain(s, rest)
	case "LOGIN":
		username, password, err = a.login(s)
	default:
		s.writeLine("504 5.5.4 unsupported authentication mechanism")
		return
	}
	if err != nil {
		s.writeLine("501 5.5.2 malformed authentication data")
		return
	}

	a.authenticate(s, username, password)
}

func (a *AuthHandler) authenticate(s *Session, username, password string) {
	metrics.Get().AuthAttempts.Inc()

	// Normalize to NFC so clients sending decomposed unicode match the
	// stored usernames.
	username = norm.NFC.String(username)

	ctx, cancel := context.WithTimeout(s.rec.Context(), 10*time.Second)
	defer cancel()

	ok, err := a.users.Authenticate(ctx, username, password)
	if err != nil && !errors.Is(err, datasource.ErrNotFound) {
		a.logger.Error("datasource authentication failed", "error", err)
		s.writeLine("454 4.7.0 temporary authentication failure")
		return
	}
	if !ok {
		metrics.Get().AuthFailures.Inc()
		a.logger.Info("authentication failed", "username", username, "remote_addr", s.rec.RemoteAddr())
		s.writeLine("535 5.7.8 authentication credentials invalid")
		return
	}

	wasNaughty := s.rec.IsNaughty()
	s.rec.Authenticate(username)
	metrics.Get().AuthSuccesses.Inc()
	if wasNaughty {
		metrics.Get().NaughtyCleared.Inc()
		a.logger.Info("naughty mark cleared by authentication", "username", username)
	}
	a.logger.Info("authentication succeeded", "username", username, "remote_addr", s.rec.RemoteAddr())
	s.writeLine("235 2.7.0 authentication successful")
}

// plain decodes the PLAIN initial response, prompting for it when the
// client sent none.
func (a *AuthHandler) plain(s *Session, initial string) (string, string, error) {
	if initial == "" {
		s.writeLine("334 ")
		line, err := s.readLine()
		if err != nil {
			return "", "", err
		}
		initial = line
	}
	raw, err := base64.StdEncoding.DecodeString(initial)
	if err != nil {
		return "", "", err
	}
	parts := strings.Split(string(raw), "\x00")
	if len(parts) != 3 {
		return "", "", errors.New("malformed PLAIN response")
	}
	return parts[1], parts[2], nil
}

// login runs the two-step LOGIN challenge dialogue.
func (a *AuthHandler) login(s *Session) (string, string, error) {
	s.writeLine("334 VXNlcm5hbWU6") // "Username:"
	userLine, err := s.readLine()
	if err != nil {
		return "", "", err
	}
	user, err := base64.StdEncoding.DecodeString(userLine)
	if err != nil {
		return "", "", err
	}

	s.writeLine("334 UGFzc3dvcmQ6") // "Password:"
	passLine, err := s.readLine()
	if err != nil {
		return "", "", err
	}
	pass, err := base64.StdEncoding.DecodeString(passLine)
	if err != nil {
		return "", "", err
	}
	return string(user), string(pass), nil
}
