package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/guardpost/guardpost/internal/connection"
)

type stubCheck struct {
	name   string
	phases []Phase
	fn     func(conn *connection.Connection, phase Phase) Result
	runs   int
}

func (s *stubCheck) Name() string    { return s.name }
func (s *stubCheck) Phases() []Phase { return s.phases }
func (s *stubCheck) Run(ctx context.Context, conn *connection.Connection, env *Envelope, phase Phase) Result {
	s.runs++
	if s.fn == nil {
		return Continue()
	}
	return s.fn(conn, phase)
}

func TestParsePhase(t *testing.T) {
	for _, p := range Phases {
		got, err := ParsePhase(string(p))
		assert.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParsePhase("helo")
	assert.Error(t, err)
}

func TestEngineRunsChecksInRegistrationOrder(t *testing.T) {
	var order []string
	mk := func(name string) *stubCheck {
		return &stubCheck{
			name:   name,
			phases: []Phase{PhaseConnect},
			fn: func(conn *connection.Connection, phase Phase) Result {
				order = append(order, name)
				return Continue()
			},
		}
	}
	engine := NewEngine(nil)
	engine.Register(mk("first"))
	engine.Register(mk("second"))
	engine.Register(mk("third"))

	conn := connection.New("192.0.2.1", 1000)
	res := engine.Run(context.Background(), conn, nil, PhaseConnect)
	assert.Equal(t, ActionContinue, res.Action)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFirstRejectionHaltsPhase(t *testing.T) {
	rejecting := &stubCheck{
		name:   "rejector",
		phases: []Phase{PhaseConnect},
		fn: func(conn *connection.Connection, phase Phase) Result {
			return Reject("go away", "test rejection", connection.RejectPermanent)
		},
	}
	after := &stubCheck{name: "after", phases: []Phase{PhaseConnect}}

	engine := NewEngine(nil)
	engine.Register(rejecting)
	engine.Register(after)

	conn := connection.New("192.0.2.1", 1000)
	res := engine.Run(context.Background(), conn, nil, PhaseConnect)
	assert.Equal(t, ActionRejectPermanent, res.Action)
	assert.Equal(t, "go away", res.Message)
	assert.Equal(t, "rejector", res.Check)
	assert.Equal(t, 0, after.runs, "checks after a rejection must not run")
}

func TestExclusiveDeclineStopsPhaseWithoutRejecting(t *testing.T) {
	decliner := &stubCheck{
		name:   "decliner",
		phases: []Phase{PhaseRcptTo},
		fn: func(conn *connection.Connection, phase Phase) Result {
			return Decline(true)
		},
	}
	after := &stubCheck{name: "after", phases: []Phase{PhaseRcptTo}}

	engine := NewEngine(nil)
	engine.Register(decliner)
	engine.Register(after)

	conn := connection.New("192.0.2.1", 1000)
	res := engine.Run(context.Background(), conn, nil, PhaseRcptTo)
	assert.False(t, res.Rejecting())
	assert.Equal(t, 0, after.runs)
}

func TestNonExclusiveDeclineContinuesPhase(t *testing.T) {
	decliner := &stubCheck{
		name:   "decliner",
		phases: []Phase{PhaseRcptTo},
		fn: func(conn *connection.Connection, phase Phase) Result {
			return Decline(false)
		},
	}
	after := &stubCheck{name: "after", phases: []Phase{PhaseRcptTo}}

	engine := NewEngine(nil)
	engine.Register(decliner)
	engine.Register(after)

	conn := connection.New("192.0.2.1", 1000)
	engine.Run(context.Background(), conn, nil, PhaseRcptTo)
	assert.Equal(t, 1, after.runs)
}

func TestRejectDefaultsToPermanent(t *testing.T) {
	res := Reject("nope", "", "")
	assert.Equal(t, ActionRejectPermanent, res.Action)
	assert.Equal(t, "nope", res.Log, "log message defaults to client message")
}

func TestEnvelopeRecipient(t *testing.T) {
	var env *Envelope
	assert.Equal(t, "", env.Recipient())

	env = &Envelope{Sender: "a@example.com"}
	assert.Equal(t, "", env.Recipient())

	env.Recipients = append(env.Recipients, "b@example.com", "c@example.com")
	assert.Equal(t, "c@example.com", env.Recipient())
}
