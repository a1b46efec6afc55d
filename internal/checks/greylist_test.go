package checks

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardpost/guardpost/internal/cache"
	"github.com/guardpost/guardpost/internal/connection"
	"github.com/guardpost/guardpost/internal/policy"
)

func greylistEnv() *policy.Envelope {
	return &policy.Envelope{
		Sender:     "sender@example.com",
		Recipients: []string{"rcpt@example.net"},
	}
}

func TestGreylistDefersFirstContact(t *testing.T) {
	store := cache.NewMemory()
	g := NewGreylist(store, 5*time.Minute, time.Hour, nil)

	conn := connection.New("192.0.2.7", 1000)
	res := g.Run(context.Background(), conn, greylistEnv(), policy.PhaseRcptTo)
	require.True(t, res.Rejecting())
	assert.Equal(t, policy.ActionRejectTemporary, res.Action)
}

func TestGreylistRejectsRetryBeforeDelay(t *testing.T) {
	store := cache.NewMemory()
	g := NewGreylist(store, 5*time.Minute, time.Hour, nil)

	conn := connection.New("192.0.2.7", 1000)
	env := greylistEnv()
	g.Run(context.Background(), conn, env, policy.PhaseRcptTo)

	res := g.Run(context.Background(), conn, env, policy.PhaseRcptTo)
	assert.Equal(t, policy.ActionRejectTemporary, res.Action)
}

func TestGreylistAcceptsRetryAfterDelay(t *testing.T) {
	store := cache.NewMemory()
	g := NewGreylist(store, 5*time.Minute, time.Hour, nil)

	conn := connection.New("192.0.2.7", 1000)
	env := greylistEnv()

	// Backdate the first-seen timestamp past the retry delay.
	key := g.key(conn.RemoteAddr(), env.Sender, env.Recipient())
	firstSeen := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
	require.NoError(t, store.Set(context.Background(), key, firstSeen, time.Hour))

	res := g.Run(context.Background(), conn, env, policy.PhaseRcptTo)
	assert.Equal(t, policy.ActionContinue, res.Action)
	assert.Equal(t, 1, conn.Karma(), "passing the greylist earns karma")
}

func TestGreylistSkipsImmuneConnections(t *testing.T) {
	store := cache.NewMemory()
	g := NewGreylist(store, 5*time.Minute, time.Hour, nil)

	conn := connection.New("192.0.2.7", 1000)
	conn.Authenticate("alice")
	res := g.Run(context.Background(), conn, greylistEnv(), policy.PhaseRcptTo)
	assert.Equal(t, policy.ActionContinue, res.Action)
}

func TestGreylistFailsOpenOnStoreErrors(t *testing.T) {
	// A disconnected redis backend errors on every operation.
	store := cache.NewRedis(cache.Config{Host: "localhost"})
	g := NewGreylist(store, 5*time.Minute, time.Hour, nil)

	conn := connection.New("192.0.2.7", 1000)
	res := g.Run(context.Background(), conn, greylistEnv(), policy.PhaseRcptTo)
	assert.Equal(t, policy.ActionContinue, res.Action)
}

func TestGreylistKeyDistinguishesTriplets(t *testing.T) {
	g := NewGreylist(cache.NewMemory(), 0, 0, nil)
	base := g.key("1.2.3.4", "a@example.com", "b@example.net")
	assert.Equal(t, base, g.key("1.2.3.4", "a@example.com", "b@example.net"))
	assert.NotEqual(t, base, g.key("1.2.3.5", "a@example.com", "b@example.net"))
	assert.NotEqual(t, base, g.key("1.2.3.4", "c@example.com", "b@example.net"))
	assert.NotEqual(t, base, g.key("1.2.3.4", "a@example.com", "d@example.net"))
}
