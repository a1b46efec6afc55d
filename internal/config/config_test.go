package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guardpost/guardpost/internal/policy"
)

func TestDefaults(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":2525", cfg.Server.Listen)
	assert.Equal(t, "rcpt_to", cfg.Naughty.TriggerPhase)
	assert.Equal(t, policy.PhaseRcptTo, cfg.TriggerPhase())
	assert.Equal(t, "disconnect", cfg.Naughty.DefaultRejectType)
	assert.Equal(t, "connect", cfg.DNSBL.RejectAt)
	assert.Equal(t, 30, cfg.DNSBL.Timeout)
	assert.Equal(t, "127.0.0.1", cfg.Proxy.TrustedRelay)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
[server]
hostname = "mx1.example.com"
listen = ":25"

[dnsbl]
zones = ["bl.example.org", "sbl.example.net:blocked %IP%"]
allowlist = ["192.168.1.", "10.0.0.8"]
reject_at = "deferred"

[naughty]
trigger_phase = "data_received"

[proxy]
enabled = true
trusted_relay = "10.1.2.3"
`))
	require.NoError(t, err)

	assert.Equal(t, "mx1.example.com", cfg.Server.Hostname)
	assert.Equal(t, []string{"bl.example.org", "sbl.example.net:blocked %IP%"}, cfg.DNSBL.Zones)
	assert.Equal(t, "deferred", cfg.DNSBL.RejectAt)
	assert.Equal(t, policy.PhaseDataReceived, cfg.TriggerPhase())
	assert.True(t, cfg.Proxy.Enabled)

	// Untouched sections keep their defaults.
	assert.Equal(t, "disconnect", cfg.Naughty.DefaultRejectType)
	assert.Equal(t, 500, cfg.Server.MaxConnections)
}

func TestInvalidTriggerPhaseIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
[naughty]
trigger_phase = "helo"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger_phase")
}

func TestInvalidRejectTypeIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
[naughty]
default_reject_type = "shun"
`))
	assert.Error(t, err)
}

func TestInvalidRejectAtIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
[dnsbl]
reject_at = "rcpt_to"
`))
	assert.Error(t, err)
}

func TestInvalidTrustedRelayIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
[proxy]
enabled = true
trusted_relay = "not-an-ip"
`))
	assert.Error(t, err)

	// The relay address is only validated when the feature is on.
	_, err = Parse([]byte(`
[proxy]
enabled = false
trusted_relay = "not-an-ip"
`))
	assert.NoError(t, err)
}

func TestEmptyZoneEntryIsFatal(t *testing.T) {
	_, err := Parse([]byte(`
[dnsbl]
zones = ["bl.example.org", ""]
`))
	assert.Error(t, err)
}

func TestMalformedTOML(t *testing.T) {
	_, err := Parse([]byte(`[server`))
	assert.Error(t, err)
}
