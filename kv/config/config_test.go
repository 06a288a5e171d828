package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	conf := NewDefaultConfig()
	require.NoError(t, conf.Validate())

	conf.DataPartitions = 0
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.MissedHeartbeatPeriods = 0.5
	assert.Error(t, conf.Validate())

	conf = NewDefaultConfig()
	conf.MaxClockSkew = NewDuration(-time.Second)
	assert.Error(t, conf.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinytxn.toml")
	content := `
store-addr = "127.0.0.1:21000"
data-partitions = 4
partition-splits = ["g", "p"]
heartbeat-interval = "250ms"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	conf, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:21000", conf.StoreAddr)
	assert.Equal(t, 4, conf.DataPartitions)
	assert.Equal(t, []string{"g", "p"}, conf.PartitionSplits)
	assert.Equal(t, 250*time.Millisecond, conf.HeartbeatInterval.Duration)
	// Unset fields keep their defaults.
	assert.Equal(t, 2, conf.StatusPartitions)
	require.NoError(t, conf.Validate())
}

func TestTuningSeededFromConfig(t *testing.T) {
	conf := NewTestConfig()
	tuning := conf.NewTuning()
	assert.Equal(t, conf.HeartbeatInterval.Duration, tuning.HeartbeatInterval.Load())
	assert.Equal(t, conf.MaxClockSkew.Duration, tuning.MaxClockSkew.Load())
	assert.True(t, tuning.AllowRerequestStatus.Load())
	assert.Equal(t,
		time.Duration(float64(conf.HeartbeatInterval.Duration)*conf.MissedHeartbeatPeriods),
		tuning.TransactionTimeout())
}
