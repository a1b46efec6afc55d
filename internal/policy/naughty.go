package policy

import (
	"context"
	"log/slog"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/metrics"
)

// Dispatcher converts a naughty mark into a terminal disposition at the
// configured trigger phase. It registers itself at data_received as well,
// so a mark can never survive to queuing if an earlier check in the
// trigger phase ended that phase before the dispatcher ran. Once a
// connection is disposed the dispatcher is inert for the rest of the
// session.
type Dispatcher struct {
	trigger           Phase
	defaultRejectType connection.RejectType
	logger            *slog.Logger
}

// NewDispatcher creates a dispatcher firing at the given trigger phase.
// An empty defaultRejectType falls back to disconnect.
func NewDispatcher(trigger Phase, defaultRejectType connection.RejectType, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultRejectType == "" {
		defaultRejectType = connection.RejectDisconnect
	}
	return &Dispatcher{
		trigger:           trigger,
		defaultRejectType: defaultRejectType,
		logger:            logger.With("component", "naughty-dispatcher"),
	}
}

func (d *Dispatcher) Name() string { return "naughty" }

// Phases returns the trigger phase plus the data_received fallback. No
// duplicate registration happens when the trigger is data_received
// itself.
func (d *Dispatcher) Phases() []Phase {
	if d.trigger == PhaseDataReceived {
		return []Phase{PhaseDataReceived}
	}
	return []Phase{d.trigger, PhaseDataReceived}
}

func (d *Dispatcher) Run(ctx context.Context, conn *connection.Connection, env *Envelope, phase Phase) Result {
	mark, ok := conn.Dispose()
	if !ok {
		return Continue()
	}

	rejectType := mark.RejectType
	if rejectType == "" {
		rejectType = d.defaultRejectType
	}

	metrics.Get().Disposals.WithLabelValues(string(phase)).Inc()
	d.logger.Info("disposing naughty connection",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr(),
		"phase", string(phase),
		"marked_by", mark.Check,
		"reject_type", string(rejectType),
		"reason", mark.Message,
	)

	return Result{
		Action:  ActionFor(rejectType),
		Message: mark.Message,
		Log:     mark.Message,
	}
}
