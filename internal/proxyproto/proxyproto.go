// Package proxyproto ingests a PROXY protocol v1 declaration from a
// trusted adjacent relay and rewrites a connection's remote identity.
// The rewrite is the trust boundary of the whole engine: every
// reputation decision after it uses the declared source address, so a
// declaration is only ever accepted from the configured relay, exactly
// once per connection.
package proxyproto

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/metrics"
)

// Prefix starts every PROXY protocol v1 header line.
const Prefix = "PROXY "

// Violations are terminal: the session is disconnected, never warned.
var (
	ErrDisabled      = errors.New("proxyproto: proxy declarations not enabled")
	ErrUntrustedPeer = errors.New("proxyproto: declaration from untrusted peer")
	ErrBadHeader     = errors.New("proxyproto: malformed declaration")
)

// Rewriter validates and applies proxy declarations.
type Rewriter struct {
	enabled     bool
	trustedAddr string
	logger      *slog.Logger
	resolver    *net.Resolver
}

// NewRewriter creates a rewriter accepting declarations only from
// trustedAddr (an IP address, typically loopback). A disabled rewriter
// rejects every declaration.
func NewRewriter(enabled bool, trustedAddr string, logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{
		enabled:     enabled,
		trustedAddr: trustedAddr,
		logger:      logger.With("component", "proxyproto"),
		resolver:    net.DefaultResolver,
	}
}

// IsDeclaration reports whether line looks like a proxy declaration.
func IsDeclaration(line string) bool {
	return strings.HasPrefix(line, Prefix)
}

// Apply parses one declaration line and rewrites the connection's remote
// identity. Any returned error is a trust violation the caller must
// answer with a disconnect. On success the declared source address
// replaces the physical peer for the rest of the session and a detached
// reverse-DNS lookup for the new address is started.
func (rw *Rewriter) Apply(conn *connection.Connection, line string) error {
	if !rw.enabled {
		metrics.Get().ProxyRejected.Inc()
		return ErrDisabled
	}
	if conn.PhysicalAddr() != rw.trustedAddr {
		metrics.Get().ProxyRejected.Inc()
		rw.logger.Warn("proxy declaration from untrusted peer",
			"connection_id", conn.ID,
			"peer", conn.PhysicalAddr(),
			"trusted", rw.trustedAddr,
		)
		return ErrUntrustedPeer
	}

	info, err := parse(line)
	if err != nil {
		metrics.Get().ProxyRejected.Inc()
		return err
	}

	if err := conn.ApplyProxy(info); err != nil {
		metrics.Get().ProxyRejected.Inc()
		return fmt.Errorf("proxyproto: %w", err)
	}

	metrics.Get().ProxyAccepted.Inc()
	rw.logger.Info("proxy declaration accepted",
		"connection_id", conn.ID,
		"protocol", info.Protocol,
		"source", info.SourceAddr,
		"source_port", info.SourcePort,
		"dest", info.DestAddr,
	)

	// Best effort, must never block or fail the connection. The lookup
	// runs under the connection context and its result is dropped if the
	// session has already closed.
	go rw.lookupHostname(conn)

	return nil
}

func (rw *Rewriter) lookupHostname(conn *connection.Connection) {
	names, err := rw.resolver.LookupAddr(conn.Context(), conn.RemoteAddr())
	if err != nil || len(names) == 0 {
		return
	}
	conn.SetRemoteHostname(strings.TrimSuffix(names[0], "."))
}

// parse validates the five-field grammar:
// PROXY <protocol> <sourceAddr> <destAddr> <sourcePort> <destPort>
func parse(line string) (connection.ProxyInfo, error) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) != 6 || fields[0] != "PROXY" {
		return connection.ProxyInfo{}, ErrBadHeader
	}

	proto := fields[1]
	switch proto {
	case "TCP4", "TCP6":
	default:
		return connection.ProxyInfo{}, fmt.Errorf("%w: protocol %q", ErrBadHeader, proto)
	}

	src := net.ParseIP(fields[2])
	dst := net.ParseIP(fields[3])
	if src == nil || dst == nil {
		return connection.ProxyInfo{}, fmt.Errorf("%w: bad address", ErrBadHeader)
	}
	if proto == "TCP4" && (src.To4() == nil || dst.To4() == nil) {
		return connection.ProxyInfo{}, fmt.Errorf("%w: TCP4 with non-IPv4 address", ErrBadHeader)
	}

	sport, err := parsePort(fields[4])
	if err != nil {
		return connection.ProxyInfo{}, err
	}
	dport, err := parsePort(fields[5])
	if err != nil {
		return connection.ProxyInfo{}, err
	}

	return connection.ProxyInfo{
		Protocol:   proto,
		SourceAddr: src.String(),
		DestAddr:   dst.String(),
		SourcePort: sport,
		DestPort:   dport,
	}, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, fmt.Errorf("%w: bad port %q", ErrBadHeader, s)
	}
	return p, nil
}
