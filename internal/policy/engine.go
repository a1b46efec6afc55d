package policy

import (
	"context"
	"log/slog"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/metrics"
)

// Engine executes registered checks phase by phase. Checks are resolved
// at startup into an ordered list per phase; there is no runtime
// discovery.
type Engine struct {
	checks map[Phase][]Check
	logger *slog.Logger
}

// NewEngine creates an empty engine. Register checks before serving
// connections; registration is not safe once connections are running.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		checks: make(map[Phase][]Check),
		logger: logger.With("component", "policy-engine"),
	}
}

// Register appends a check to every phase it declares, in registration
// order.
func (e *Engine) Register(c Check) {
	for _, p := range c.Phases() {
		e.checks[p] = append(e.checks[p], c)
	}
}

// Checks returns the checks registered for a phase, in execution order.
func (e *Engine) Checks(phase Phase) []Check {
	return e.checks[phase]
}

// Run executes the phase's checks in order. The first rejecting
// disposition halts the remaining checks and is returned for the
// protocol driver to enforce. An exclusive decline also stops the phase,
// but lets the session advance.
func (e *Engine) Run(ctx context.Context, conn *connection.Connection, env *Envelope, phase Phase) Result {
	for _, c := range e.checks[phase] {
		res := c.Run(ctx, conn, env, phase)
		res.Check = c.Name()
		metrics.Get().Dispositions.WithLabelValues(string(phase), c.Name(), string(res.Action)).Inc()

		if res.Rejecting() {
			logMsg := res.Log
			if logMsg == "" {
				logMsg = res.Message
			}
			e.logger.Info("check rejected connection",
				"connection_id", conn.ID,
				"remote_addr", conn.RemoteAddr(),
				"phase", string(phase),
				"check", c.Name(),
				"action", string(res.Action),
				"reason", logMsg,
			)
			return res
		}
		if res.Action == ActionDecline && res.Exclusive {
			e.logger.Debug("check declined exclusively, skipping rest of phase",
				"connection_id", conn.ID,
				"phase", string(phase),
				"check", c.Name(),
			)
			return res
		}
	}
	return Continue()
}
