package checks

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/policy"
)

// KarmaFloor is a downstream consumer of the karma accumulator: when a
// connection's score has sunk below the configured floor by the data
// phase, it is marked naughty. The engine itself never thresholds karma;
// this check is the policy that does.
type KarmaFloor struct {
	floor  int
	logger *slog.Logger
}

// NewKarmaFloor creates the data-phase karma check.
func NewKarmaFloor(floor int, logger *slog.Logger) *KarmaFloor {
	if logger == nil {
		logger = slog.Default()
	}
	return &KarmaFloor{floor: floor, logger: logger.With("component", "check-karma")}
}

func (k *KarmaFloor) Name() string { return "karma" }

func (k *KarmaFloor) Phases() []policy.Phase { return []policy.Phase{policy.PhaseData} }

func (k *KarmaFloor) Run(ctx context.Context, conn *connection.Connection, env *policy.Envelope, phase policy.Phase) policy.Result {
	if conn.IsImmune() {
		return policy.Continue()
	}
	karma := conn.Karma()
	if karma >= k.floor {
		return policy.Continue()
	}
	k.logger.Info("karma below floor, marking connection",
		"remote_addr", conn.RemoteAddr(),
		"karma", karma,
		"floor", k.floor,
	)
	conn.MarkNaughty(k.Name(), fmt.Sprintf("too many policy failures from %s", conn.RemoteAddr()), "")
	return policy.Continue()
}
