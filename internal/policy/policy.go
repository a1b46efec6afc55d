// Package policy runs the connection-policy pipeline: an ordered list of
// checks per protocol phase, plus the deferred-rejection dispatcher that
// converts naughty marks into terminal dispositions.
package policy

import (
	"context"
	"fmt"

	"github.com/guardpost/guardpost/internal/connection"
)

// Phase identifies a fixed point in the SMTP dialogue at which checks
// run. The five phases always execute in the order listed here.
type Phase string

const (
	PhaseConnect      Phase = "connect"
	PhaseMailFrom     Phase = "mail_from"
	PhaseRcptTo       Phase = "rcpt_to"
	PhaseData         Phase = "data"
	PhaseDataReceived Phase = "data_received"
)

// Phases lists all phases in protocol order.
var Phases = []Phase{PhaseConnect, PhaseMailFrom, PhaseRcptTo, PhaseData, PhaseDataReceived}

// ParsePhase validates a phase name from configuration.
func ParsePhase(s string) (Phase, error) {
	for _, p := range Phases {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown phase %q", s)
}

// Action is a check's disposition for the current phase.
type Action string

const (
	ActionContinue         Action = "continue"
	ActionDecline          Action = "decline"
	ActionRejectTemporary  Action = "reject_temporary"
	ActionRejectPermanent  Action = "reject_permanent"
	ActionRejectDisconnect Action = "reject_disconnect"
)

// Result is the outcome of one check at one phase.
type Result struct {
	Action  Action
	Message string // client-visible text for rejecting actions
	Log     string // operator-facing detail, defaults to Message
	Check   string // filled in by the engine

	// Exclusive makes an ActionDecline stop the remaining checks in the
	// current phase. Declines are non-exclusive by default.
	Exclusive bool
}

// Rejecting reports whether the result terminates the phase with a
// rejection the protocol driver must enforce.
func (r Result) Rejecting() bool {
	switch r.Action {
	case ActionRejectTemporary, ActionRejectPermanent, ActionRejectDisconnect:
		return true
	}
	return false
}

// Continue is the neutral disposition.
func Continue() Result {
	return Result{Action: ActionContinue}
}

// Decline is an explicit pass. Exclusive declines stop the rest of the
// phase.
func Decline(exclusive bool) Result {
	return Result{Action: ActionDecline, Exclusive: exclusive}
}

// Reject builds an immediate rejection with the given type. An empty
// rejectType falls back to a permanent rejection.
func Reject(message, logMessage string, rejectType connection.RejectType) Result {
	r := Result{Message: message, Log: logMessage}
	switch rejectType {
	case connection.RejectTemporary:
		r.Action = ActionRejectTemporary
	case connection.RejectDisconnect:
		r.Action = ActionRejectDisconnect
	default:
		r.Action = ActionRejectPermanent
	}
	if r.Log == "" {
		r.Log = r.Message
	}
	return r
}

// ActionFor maps a reject type to its rejecting action.
func ActionFor(rt connection.RejectType) Action {
	switch rt {
	case connection.RejectTemporary:
		return ActionRejectTemporary
	case connection.RejectPermanent:
		return ActionRejectPermanent
	default:
		return ActionRejectDisconnect
	}
}

// Envelope carries the transaction arguments checks may consult. The
// engine owns no envelope semantics beyond passing it through.
type Envelope struct {
	Sender     string
	Recipients []string
}

// Recipient returns the recipient currently being evaluated, the most
// recently added one.
func (e *Envelope) Recipient() string {
	if e == nil || len(e.Recipients) == 0 {
		return ""
	}
	return e.Recipients[len(e.Recipients)-1]
}

// Check is one policy check, statically composed onto the engine at
// startup. Run must recover from its own external-service failures and
// report only a disposition (fail-open); the engine never inspects
// check-internal error detail.
type Check interface {
	Name() string
	Phases() []Phase
	Run(ctx context.Context, conn *connection.Connection, env *Envelope, phase Phase) Result
}
