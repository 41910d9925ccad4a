package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "socketcan", cfg.Interface)
	assert.Equal(t, "can0", cfg.Channel)
}

func TestLoadOverridesDefaults(t *testing.T) {
	raw := []byte(`
[bus]
interface = virtual
channel = vcan0

[isotp]
n_bs_timeout_ms = 2500

[diagnostics]
response_pending_retries = 3
probe_delay_ms = 50
`)
	cfg, err := Load(raw)
	require.NoError(t, err)
	assert.Equal(t, "virtual", cfg.Interface)
	assert.Equal(t, "vcan0", cfg.Channel)
	assert.Equal(t, 2500*time.Millisecond, cfg.NBsTimeout)
	assert.Equal(t, 3, cfg.ResponsePendingRetries)
	assert.Equal(t, 50*time.Millisecond, cfg.ProbeDelay)
}

func TestLoadMissingSectionsKeepsDefaults(t *testing.T) {
	cfg, err := Load([]byte(`[bus]
interface = socketcan
`))
	require.NoError(t, err)
	assert.Equal(t, Default().NBsTimeout, cfg.NBsTimeout)
	assert.Equal(t, Default().ResponsePendingRetries, cfg.ResponsePendingRetries)
}
