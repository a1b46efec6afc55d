package checks

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/dnsbl"
	"github.com/guardpost/guardpost/internal/policy"
)

type cannedResolver struct {
	txt map[string][]string
}

func (c *cannedResolver) LookupA(ctx context.Context, name string) ([]dnsbl.Answer, error) {
	return nil, dnsbl.ErrNotFound
}

func (c *cannedResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	if texts, ok := c.txt[name]; ok {
		return texts, nil
	}
	return nil, dnsbl.ErrNotFound
}

func listedChecker() *dnsbl.Checker {
	resolver := &cannedResolver{
		txt: map[string][]string{
			"5.0.0.10.bl.example.org": {"listed: spam source"},
		},
	}
	return dnsbl.NewChecker([]dnsbl.Zone{{Name: "bl.example.org"}}, nil, resolver, time.Second, nil)
}

func clearOverride(t *testing.T) {
	t.Helper()
	if old, ok := os.LookupEnv(dnsbl.EnvOverride); ok {
		os.Unsetenv(dnsbl.EnvOverride)
		t.Cleanup(func() { os.Setenv(dnsbl.EnvOverride, old) })
	}
}

func TestDNSBLImmediateRejection(t *testing.T) {
	clearOverride(t)
	check := NewDNSBL(listedChecker(), false, connection.RejectPermanent, nil)

	conn := connection.New("10.0.0.5", 1000)
	res := check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	require.True(t, res.Rejecting())
	assert.Equal(t, policy.ActionRejectPermanent, res.Action)
	assert.Equal(t, "listed: spam source", res.Message)
	assert.False(t, conn.IsNaughty())
}

func TestDNSBLDeferredMarksNaughty(t *testing.T) {
	clearOverride(t)
	check := NewDNSBL(listedChecker(), true, connection.RejectPermanent, nil)

	conn := connection.New("10.0.0.5", 1000)
	res := check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	assert.Equal(t, policy.ActionContinue, res.Action)

	mark := conn.NaughtyMark()
	require.NotNil(t, mark)
	assert.Equal(t, "listed: spam source", mark.Message)
	assert.Equal(t, connection.RejectPermanent, mark.RejectType)
}

func TestDNSBLNotListedContinues(t *testing.T) {
	clearOverride(t)
	check := NewDNSBL(listedChecker(), false, connection.RejectPermanent, nil)

	conn := connection.New("192.0.2.77", 1000)
	res := check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	assert.Equal(t, policy.ActionContinue, res.Action)
}

func TestDNSBLOverrideSeverity(t *testing.T) {
	check := NewDNSBL(listedChecker(), false, connection.RejectPermanent, nil)
	conn := connection.New("10.0.0.5", 1000)

	// Plain override text rejects temporarily.
	t.Setenv(dnsbl.EnvOverride, "come back later")
	res := check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	require.True(t, res.Rejecting())
	assert.Equal(t, policy.ActionRejectTemporary, res.Action)
	assert.Equal(t, "come back later", res.Message)

	// A leading dash asks for a permanent rejection.
	t.Setenv(dnsbl.EnvOverride, "-go away")
	res = check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	require.True(t, res.Rejecting())
	assert.Equal(t, policy.ActionRejectPermanent, res.Action)
	assert.Equal(t, "go away", res.Message)
}

func TestAllowlistedConnectionNeverDisposed(t *testing.T) {
	clearOverride(t)
	checker := dnsbl.NewChecker(nil, []string{"192.168.1."}, &cannedResolver{}, time.Second, nil)

	engine := policy.NewEngine(nil)
	engine.Register(NewDNSBL(checker, false, connection.RejectPermanent, nil))
	engine.Register(NewKarmaFloor(-3, nil))
	engine.Register(policy.NewDispatcher(policy.PhaseRcptTo, connection.RejectDisconnect, nil))

	conn := connection.New("192.168.1.42", 1000)
	for i := 0; i < 5; i++ {
		conn.AdjustKarma(-1)
	}

	for _, phase := range policy.Phases {
		res := engine.Run(context.Background(), conn, nil, phase)
		assert.False(t, res.Rejecting(), "phase %s must not terminate an allow-listed connection", phase)
	}
	assert.True(t, conn.IsImmune())
	assert.False(t, conn.IsNaughty())
}

func TestDNSBLOverrideAppliesWithoutZones(t *testing.T) {
	t.Setenv(dnsbl.EnvOverride, "-access denied")
	checker := dnsbl.NewChecker(nil, nil, &cannedResolver{}, time.Second, nil)
	check := NewDNSBL(checker, false, connection.RejectPermanent, nil)

	conn := connection.New("10.0.0.5", 1000)
	res := check.Run(context.Background(), conn, nil, policy.PhaseConnect)
	require.True(t, res.Rejecting(), "the override must apply with no zones configured")
	assert.Equal(t, policy.ActionRejectPermanent, res.Action)
	assert.Equal(t, "access denied", res.Message)
}

func TestKarmaFloorMarksWhenBelowFloor(t *testing.T) {
	check := NewKarmaFloor(-3, nil)

	conn := connection.New("192.0.2.7", 1000)
	for i := 0; i < 4; i++ {
		conn.AdjustKarma(-1)
	}
	res := check.Run(context.Background(), conn, nil, policy.PhaseData)
	assert.Equal(t, policy.ActionContinue, res.Action, "karma floor defers, never rejects inline")
	assert.True(t, conn.IsNaughty())
}

func TestKarmaFloorLeavesHealthyConnectionsAlone(t *testing.T) {
	check := NewKarmaFloor(-3, nil)

	conn := connection.New("192.0.2.7", 1000)
	conn.AdjustKarma(-3)
	res := check.Run(context.Background(), conn, nil, policy.PhaseData)
	assert.Equal(t, policy.ActionContinue, res.Action)
	assert.False(t, conn.IsNaughty(), "karma at the floor is still acceptable")
}

func TestKarmaFloorSkipsImmune(t *testing.T) {
	check := NewKarmaFloor(0, nil)

	conn := connection.New("192.0.2.7", 1000)
	conn.SetImmune()
	conn.AdjustKarma(-10)
	check.Run(context.Background(), conn, nil, policy.PhaseData)
	assert.False(t, conn.IsNaughty())
}
