package checks

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/guardpost/guardpost/internal/cache"
	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/metrics"
	"github.com/guardpost/guardpost/internal/policy"
)

// Greylist defers the first contact for an (address, sender, recipient)
// triplet with a temporary rejection and lets retries through once the
// retry delay has passed. State lives in the cache layer, outside the
// per-session connection record. Cache failures fail open.
type Greylist struct {
	store      cache.Cache
	retryDelay time.Duration
	expiry     time.Duration
	logger     *slog.Logger
}

// NewGreylist creates the rcpt_to-phase greylist check. retryDelay is
// how long a triplet must wait before a retry is accepted; expiry is how
// long a triplet stays known.
func NewGreylist(store cache.Cache, retryDelay, expiry time.Duration, logger *slog.Logger) *Greylist {
	if retryDelay == 0 {
		retryDelay = 5 * time.Minute
	}
	if expiry == 0 {
		expiry = 36 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Greylist{
		store:      store,
		retryDelay: retryDelay,
		expiry:     expiry,
		logger:     logger.With("component", "check-greylist"),
	}
}

func (g *Greylist) Name() string { return "greylist" }

func (g *Greylist) Phases() []policy.Phase { return []policy.Phase{policy.PhaseRcptTo} }

func (g *Greylist) Run(ctx context.Context, conn *connection.Connection, env *policy.Envelope, phase policy.Phase) policy.Result {
	if conn.IsImmune() {
		return policy.Continue()
	}

	key := g.key(conn.RemoteAddr(), env.Sender, env.Recipient())
	val, err := g.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			// Fail open on storage trouble.
			g.logger.Warn("greylist store unavailable", "error", err)
			metrics.Get().GreylistOutcomes.WithLabelValues("error").Inc()
			return policy.Continue()
		}
		// SetNX so two concurrent first contacts record one timestamp;
		// either way the triplet is new and gets deferred.
		firstSeen := strconv.FormatInt(time.Now().Unix(), 10)
		if _, err := g.store.SetNX(ctx, key, firstSeen, g.expiry); err != nil {
			g.logger.Warn("greylist store unavailable", "error", err)
			metrics.Get().GreylistOutcomes.WithLabelValues("error").Inc()
			return policy.Continue()
		}
		metrics.Get().GreylistOutcomes.WithLabelValues("deferred").Inc()
		return policy.Reject(
			"greylisted, please try again later",
			"first contact for "+conn.RemoteAddr(),
			connection.RejectTemporary,
		)
	}

	firstSeen, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		g.logger.Warn("dropping malformed greylist entry", "key", key)
		_ = g.store.Delete(ctx, key)
		return policy.Continue()
	}
	if time.Since(time.Unix(firstSeen, 0)) < g.retryDelay {
		metrics.Get().GreylistOutcomes.WithLabelValues("too_soon").Inc()
		return policy.Reject(
			"greylisted, please try again later",
			"retry before delay for "+conn.RemoteAddr(),
			connection.RejectTemporary,
		)
	}

	metrics.Get().GreylistOutcomes.WithLabelValues("passed").Inc()
	conn.AdjustKarma(1)
	// Refresh the entry so the triplet stays known for another expiry
	// window.
	if err := g.store.Set(ctx, key, val, g.expiry); err != nil {
		g.logger.Warn("greylist store unavailable", "error", err)
	}
	return policy.Continue()
}

func (g *Greylist) key(addr, sender, recipient string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(addr + "\x00" + sender + "\x00" + recipient)))
	return "greylist:" + hex.EncodeToString(sum[:16])
}
