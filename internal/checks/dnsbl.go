// Package checks contains the standard policy checks composed onto the
// engine: DNS blacklists, greylisting and the karma floor.
package checks

import (
	"context"
	"log/slog"
	"strings"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/dnsbl"
	"github.com/guardpost/guardpost/internal/policy"
)

// DNSBL runs the reputation resolver at the connect phase. Listings are
// conventionally rejected immediately, but the check can be configured
// to mark the connection naughty instead and let the dispatcher reject
// it at its trigger phase.
type DNSBL struct {
	checker    *dnsbl.Checker
	deferred   bool
	rejectType connection.RejectType
	logger     *slog.Logger
}

// NewDNSBL wires the resolver into a connect-phase check. With deferred
// set, listings become naughty marks instead of immediate rejections.
func NewDNSBL(checker *dnsbl.Checker, deferred bool, rejectType connection.RejectType, logger *slog.Logger) *DNSBL {
	if logger == nil {
		logger = slog.Default()
	}
	if rejectType == "" {
		rejectType = connection.RejectPermanent
	}
	return &DNSBL{
		checker:    checker,
		deferred:   deferred,
		rejectType: rejectType,
		logger:     logger.With("component", "check-dnsbl"),
	}
}

func (d *DNSBL) Name() string { return "dnsbl" }

func (d *DNSBL) Phases() []policy.Phase { return []policy.Phase{policy.PhaseConnect} }

func (d *DNSBL) Run(ctx context.Context, conn *connection.Connection, env *policy.Envelope, phase policy.Phase) policy.Result {
	res := d.checker.Check(ctx, conn)
	if !res.Listed {
		return policy.Continue()
	}

	rejectType := d.rejectType
	if res.Override {
		// Legacy override semantics: a message starting with "-" asks
		// for a permanent rejection, anything else is temporary.
		if strings.HasPrefix(res.Message, "-") {
			res.Message = strings.TrimPrefix(res.Message, "-")
			rejectType = connection.RejectPermanent
		} else {
			rejectType = connection.RejectTemporary
		}
	}

	logMsg := "listed by " + res.Zone
	if d.deferred {
		conn.MarkNaughty(d.Name(), res.Message, rejectType)
		d.logger.Info("listed address marked for deferred rejection",
			"remote_addr", conn.RemoteAddr(),
			"zone", res.Zone,
		)
		return policy.Continue()
	}
	return policy.Reject(res.Message, logMsg, rejectType)
}
