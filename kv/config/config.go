package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/tinytxn/log"
	"go.uber.org/atomic"
)

// Duration is a time.Duration that decodes from a TOML string like "500ms".
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// Config holds the static configuration of a tinytxn store. Values that make
// sense to change while the process is running live in Tuning instead.
type Config struct {
	StoreAddr string `toml:"store-addr"`
	LogLevel  string `toml:"log-level"`
	DBPath    string `toml:"db-path"` // Directory to store the data in. Should exist and be writable.

	// Number of data partitions (intent/version owners) and status
	// partitions (transaction record owners) hosted by the cluster.
	DataPartitions   int `toml:"data-partitions"`
	StatusPartitions int `toml:"status-partitions"`
	// Split keys for range partitioning. When set, keys are routed by range
	// over len(PartitionSplits)+1 data partitions and DataPartitions is
	// ignored; when empty, keys are hashed over DataPartitions partitions.
	PartitionSplits []string `toml:"partition-splits"`

	// Interval at which client transactions send keep-alive heartbeats to
	// their status record.
	HeartbeatInterval Duration `toml:"heartbeat-interval"`
	// A transaction expires after HeartbeatInterval * MissedHeartbeatPeriods
	// without a heartbeat.
	MissedHeartbeatPeriods float64 `toml:"missed-heartbeat-periods"`
	// Interval of the coordinator sweep that detects expired transactions,
	// resends intent application and garbage collects finished records.
	CheckInterval Duration `toml:"check-interval"`
	// Upper bound on the clock skew between any two stores.
	MaxClockSkew Duration `toml:"max-clock-skew"`
	// How long aborted intents linger before physical removal.
	IntentCleanupDelay Duration `toml:"intent-cleanup-delay"`
}

func (c *Config) Validate() error {
	if c.DataPartitions <= 0 {
		return fmt.Errorf("data-partitions must be positive, got %v", c.DataPartitions)
	}
	if c.StatusPartitions <= 0 {
		return fmt.Errorf("status-partitions must be positive, got %v", c.StatusPartitions)
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat-interval must be positive, got %v", c.HeartbeatInterval.Duration)
	}
	if c.MissedHeartbeatPeriods < 1 {
		return fmt.Errorf("missed-heartbeat-periods must be at least 1, got %v", c.MissedHeartbeatPeriods)
	}
	if c.CheckInterval.Duration <= 0 {
		return fmt.Errorf("check-interval must be positive, got %v", c.CheckInterval.Duration)
	}
	if c.CheckInterval.Duration > c.HeartbeatInterval.Duration {
		log.Warnf("check-interval %v is larger than heartbeat-interval %v, expiry detection will lag",
			c.CheckInterval.Duration, c.HeartbeatInterval.Duration)
	}
	if c.MaxClockSkew.Duration < 0 {
		return fmt.Errorf("max-clock-skew must not be negative, got %v", c.MaxClockSkew.Duration)
	}
	return nil
}

const (
	DefaultStoreAddr = "127.0.0.1:20160"
)

func getLogLevel() (logLevel string) {
	logLevel = "info"
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		logLevel = l
	}
	return
}

func NewDefaultConfig() *Config {
	return &Config{
		StoreAddr:              DefaultStoreAddr,
		LogLevel:               getLogLevel(),
		DBPath:                 "/tmp/badger",
		DataPartitions:         8,
		StatusPartitions:       2,
		HeartbeatInterval:      NewDuration(500 * time.Millisecond),
		MissedHeartbeatPeriods: 10,
		CheckInterval:          NewDuration(500 * time.Millisecond),
		MaxClockSkew:           NewDuration(50 * time.Millisecond),
		IntentCleanupDelay:     NewDuration(time.Second),
	}
}

// NewTestConfig shortens every interval so that expiry, cleanup and restart
// behavior can be observed within a test's lifetime.
func NewTestConfig() *Config {
	return &Config{
		LogLevel:               getLogLevel(),
		DBPath:                 "/tmp/badger",
		DataPartitions:         8,
		StatusPartitions:       2,
		HeartbeatInterval:      NewDuration(50 * time.Millisecond),
		MissedHeartbeatPeriods: 4,
		CheckInterval:          NewDuration(10 * time.Millisecond),
		MaxClockSkew:           NewDuration(250 * time.Millisecond),
		IntentCleanupDelay:     NewDuration(0),
	}
}

// LoadFromFile reads a TOML config file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	conf := NewDefaultConfig()
	if _, err := toml.DecodeFile(path, conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// Tuning is the set of knobs that may be flipped at runtime, both by
// operators and by tests injecting faults. Readers load each value on every
// use, so changes take effect on the next operation.
type Tuning struct {
	HeartbeatInterval      atomic.Duration
	MissedHeartbeatPeriods atomic.Float64
	MaxClockSkew           atomic.Duration
	CheckInterval          atomic.Duration
	IntentCleanupDelay     atomic.Duration

	// Probability in [0, 1] that a participant silently drops an intent
	// application request. The coordinator keeps resending until the apply
	// is acknowledged.
	IgnoreApplyingProbability atomic.Float64
	// When false, a participant resolves a foreign intent's status at most
	// once and serves later reads from the cached outcome.
	AllowRerequestStatus atomic.Bool
	// Stops client transactions from heartbeating, so they expire.
	DisableHeartbeat atomic.Bool
	// Stops the background removal of aborted intents. They are then only
	// reclaimed by an explicit compaction.
	DisableProactiveCleanup atomic.Bool
}

// NewTuning seeds a Tuning block from the static config.
func (c *Config) NewTuning() *Tuning {
	t := &Tuning{}
	t.HeartbeatInterval.Store(c.HeartbeatInterval.Duration)
	t.MissedHeartbeatPeriods.Store(c.MissedHeartbeatPeriods)
	t.MaxClockSkew.Store(c.MaxClockSkew.Duration)
	t.CheckInterval.Store(c.CheckInterval.Duration)
	t.IntentCleanupDelay.Store(c.IntentCleanupDelay.Duration)
	t.AllowRerequestStatus.Store(true)
	return t
}

// TransactionTimeout is how long a transaction may go without a heartbeat
// before its coordinator declares it expired.
func (t *Tuning) TransactionTimeout() time.Duration {
	return time.Duration(float64(t.HeartbeatInterval.Load()) * t.MissedHeartbeatPeriods.Load())
}
