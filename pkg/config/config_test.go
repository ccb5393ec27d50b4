package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tcan "github.com/simonkerscher/tcan"
)

const sampleINI = `
[bus]
name = can0
mode = sync
start_passive = true
max_queue_size = 64
sanity_check_interval_ms = 500

[device "drive1"]
node_id = 12
name = drive1
max_device_timeout_counter = 3
max_sdo_timeout_counter = 2
max_sdo_sent_counter = 5
producer_heartbeat_time_ms = 1000
`

func writeSampleINI(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.ini")
	require.NoError(t, os.WriteFile(path, []byte(sampleINI), 0o644))
	return path
}

func TestLoadBusConfig(t *testing.T) {
	path := writeSampleINI(t)
	cfg, err := LoadBusConfig(path, "bus")
	require.NoError(t, err)

	assert.Equal(t, "can0", cfg.Name)
	assert.Equal(t, tcan.Synchronous, cfg.Mode)
	assert.True(t, cfg.StartPassive)
	assert.Equal(t, 64, cfg.MaxQueueSize)
	assert.Equal(t, 500, int(cfg.SanityCheckInterval.Milliseconds()))
}

func TestLoadDeviceOptions(t *testing.T) {
	path := writeSampleINI(t)
	opts, err := LoadDeviceOptions(path, `device "drive1"`)
	require.NoError(t, err)

	assert.EqualValues(t, 12, opts.NodeID)
	assert.Equal(t, "drive1", opts.Name)
	assert.EqualValues(t, 3, opts.MaxDeviceTimeoutCounter)
	assert.EqualValues(t, 2, opts.MaxSdoTimeoutCounter)
	assert.EqualValues(t, 5, opts.MaxSdoSentCounter)
	assert.EqualValues(t, 1000, opts.ProducerHeartbeatTimeMs)
}
