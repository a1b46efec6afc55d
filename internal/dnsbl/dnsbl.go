// Package dnsbl resolves a connection's reputation against configured
// DNS blacklist zones. Lookups fail open: a zone that errors or times
// out never blocks a connection, only listings do.
package dnsbl

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/metrics"
)

// DefaultTimeout bounds a single DNSBL query, primary and fallback
// transport included.
const DefaultTimeout = 30 * time.Second

// EnvOverride is the environment variable honored before any zone is
// queried. Unset: normal operation. Set and empty: all blacklist checks
// are skipped. Set and non-empty: its text becomes the rejection message
// without any queries, with %IP% substituted by the current address.
const EnvOverride = "RBLSMTPD"

// Zone is one blacklist service. Zones with a custom Message are queried
// for an A record and the message (with %IP% substituted) is used on a
// hit; zones without one are queried for a TXT record whose text becomes
// the rejection message.
type Zone struct {
	Name    string
	Message string
}

// ParseZone parses a "zone[:custom message]" configuration entry.
func ParseZone(entry string) Zone {
	name, msg, found := strings.Cut(entry, ":")
	if !found {
		return Zone{Name: strings.TrimSpace(entry)}
	}
	return Zone{Name: strings.TrimSpace(name), Message: strings.TrimSpace(msg)}
}

// Result is the outcome of a reputation check.
type Result struct {
	Listed  bool
	Zone    string
	Message string

	// Override is true when the listing came from the environment
	// override rather than a zone query.
	Override bool
}

// Checker looks up addresses against a zone set. One Checker is shared
// by all connections; its configuration is immutable after construction.
type Checker struct {
	zones     []Zone
	allowlist []string
	resolver  Resolver
	timeout   time.Duration
	breakers  map[string]*gobreaker.CircuitBreaker
	logger    *slog.Logger
}

// NewChecker builds a checker for the given zones and allow-list.
// Allow-list entries are either literal addresses or dotted prefixes,
// e.g. "172.16.33." matches any address starting with that prefix.
func NewChecker(zones []Zone, allowlist []string, resolver Resolver, timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dnsbl")

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(zones))
	for _, z := range zones {
		zone := z.Name
		breakers[zone] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "dnsbl-" + zone,
			Timeout: 60 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			// Not-listed is the normal outcome, it must not trip the
			// breaker.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("zone circuit breaker state changed",
					"zone", zone,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}

	return &Checker{
		zones:     zones,
		allowlist: allowlist,
		resolver:  resolver,
		timeout:   timeout,
		breakers:  breakers,
		logger:    logger,
	}
}

// Allowlisted reports whether addr matches an allow-list entry, by exact
// match or dotted-prefix match.
func (c *Checker) Allowlisted(addr string) bool {
	for _, entry := range c.allowlist {
		if entry == "" {
			continue
		}
		if strings.HasSuffix(entry, ".") {
			if strings.HasPrefix(addr, entry) {
				return true
			}
		} else if addr == entry {
			return true
		}
	}
	return false
}

// Check resolves the connection's current remote address against the
// zone set. Immune or allow-listed connections return "not listed"
// without any queries; an allow-list match makes the connection immune,
// so no later check can terminate it. Karma is decremented by one on a
// listing.
func (c *Checker) Check(ctx context.Context, conn *connection.Connection) Result {
	if conn.IsImmune() {
		return Result{}
	}
	addr := conn.RemoteAddr()
	if c.Allowlisted(addr) {
		conn.SetImmune()
		c.logger.Debug("address allow-listed, skipping zone queries", "remote_addr", addr)
		return Result{}
	}

	if override, set := os.LookupEnv(EnvOverride); set {
		if override == "" {
			// Set-and-empty disables all blacklist checks.
			return Result{}
		}
		return Result{
			Listed:   true,
			Zone:     "rblsmtpd",
			Message:  strings.ReplaceAll(override, "%IP%", addr),
			Override: true,
		}
	}

	return c.Lookup(ctx, addr, conn)
}

// Lookup queries the zones for addr in configured order, stopping at the
// first listing. conn may be nil for one-shot lookups (no karma
// adjustment).
func (c *Checker) Lookup(ctx context.Context, addr string, conn *connection.Connection) Result {
	reversed, ok := reverseIPv4(addr)
	if !ok {
		// Only IPv4 addresses participate in zone lookups.
		return Result{}
	}

	for _, zone := range c.zones {
		res, err := c.query(ctx, zone, reversed, addr)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				// Fail open: an unreachable blacklist must never become
				// an availability outage.
				metrics.Get().DNSBLQueries.WithLabelValues(zone.Name, "error").Inc()
				c.logger.Warn("zone query failed, treating as not listed",
					"zone", zone.Name,
					"remote_addr", addr,
					"error", err,
				)
			} else {
				metrics.Get().DNSBLQueries.WithLabelValues(zone.Name, "miss").Inc()
			}
			continue
		}
		metrics.Get().DNSBLQueries.WithLabelValues(zone.Name, "hit").Inc()
		if conn != nil {
			conn.AdjustKarma(-1)
		}
		return res
	}
	return Result{}
}

// query runs one zone lookup through the zone's circuit breaker.
func (c *Checker) query(ctx context.Context, zone Zone, reversed, addr string) (Result, error) {
	name := reversed + "." + zone.Name
	start := time.Now()
	defer func() {
		metrics.Get().DNSBLDuration.Observe(time.Since(start).Seconds())
	}()

	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	breaker := c.breakers[zone.Name]
	out, err := breaker.Execute(func() (interface{}, error) {
		if zone.Message != "" {
			answers, err := c.resolver.LookupA(qctx, name)
			if err != nil {
				return nil, err
			}
			return answers, nil
		}
		texts, err := c.resolver.LookupTXT(qctx, name)
		if err != nil {
			return nil, err
		}
		return texts, nil
	})
	if err != nil {
		return Result{}, err
	}

	switch v := out.(type) {
	case []Answer:
		// Infer the responsible zone from the answer's owner name by
		// stripping the reversed-IP prefix. Best effort only: multi-label
		// zones behind CNAMEs can mis-parse, so fall back to the queried
		// zone.
		respZone := zoneFromAnswer(v, reversed, zone.Name)
		msg := strings.ReplaceAll(zone.Message, "%IP%", addr)
		if msg == "" {
			msg = "blocked by " + respZone
		}
		return Result{Listed: true, Zone: respZone, Message: msg}, nil
	case []string:
		return Result{Listed: true, Zone: zone.Name, Message: strings.Join(v, "; ")}, nil
	}
	return Result{}, ErrNotFound
}

// zoneFromAnswer derives a zone name from an A answer's owner name by
// removing the reversed-IP prefix.
func zoneFromAnswer(answers []Answer, reversed, fallback string) string {
	for _, a := range answers {
		if rest, ok := strings.CutPrefix(a.Name, reversed+"."); ok && rest != "" {
			return strings.TrimSuffix(rest, ".")
		}
	}
	return fallback
}

// reverseIPv4 returns the dotted octets of addr in reverse order, e.g.
// "1.2.3.4" becomes "4.3.2.1".
func reverseIPv4(addr string) (string, bool) {
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		return "", false
	}
	parts := strings.Split(ip.To4().String(), ".")
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "."), true
}
