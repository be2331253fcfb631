// Package config holds the configuration consumed by the transfer core.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// ChunkSize is the conventional size of a block request.
const ChunkSize = 16 * 1024

// AutoRate holds the constants of the automatic upload rate controller.
type AutoRate struct {
	PingBoundary   time.Duration `toml:"ping_boundary"`
	PingSamples    int           `toml:"ping_samples"`
	PingDiscards   int           `toml:"ping_discards"`
	PingThreshhold int           `toml:"ping_threshhold"`
	AdjustUp       float64       `toml:"adjust_up"`
	AdjustDown     float64       `toml:"adjust_down"`
	UpDelayFirst   int           `toml:"up_delay_first"`
	UpDelayNext    int           `toml:"up_delay_next"`
	SlotsStarting  int           `toml:"slots_starting"`
	SlotsFactor    float64       `toml:"slots_factor"`
}

// Config is the configuration of a swarm.  Rates are in bytes per second.
type Config struct {
	MaxSliceLength   int           `toml:"max_slice_length"`
	MaxMessageLength int           `toml:"max_message_length"`
	MaxUploadRate    float64       `toml:"max_upload_rate"`
	UploadUnitSize   int           `toml:"upload_unit_size"`
	MaxRatePeriod    time.Duration `toml:"max_rate_period"`
	UploadRateFudge  time.Duration `toml:"upload_rate_fudge"`
	MaxUploads       int           `toml:"max_uploads"`
	MinUploads       int           `toml:"min_uploads"`
	RoundRobinPeriod time.Duration `toml:"round_robin_period"`
	SuperSeeder      bool          `toml:"super_seeder"`

	MinRate           float64       `toml:"min_rate"`
	SnubTime          time.Duration `toml:"snub_time"`
	BufferReads       bool          `toml:"buffer_reads"`
	MemoryHighMark    int64         `toml:"memory_high_mark"`
	PexMaxAddrs       int           `toml:"ut_pex_max_addrs_from_peer"`
	G2G               bool          `toml:"g2g"`
	ListenPort        int           `toml:"listen_port"`
	MaxConnections    int           `toml:"max_connections"`
	Proxy             string        `toml:"proxy"`
	KeepaliveInterval time.Duration `toml:"keepalive_interval"`
	MetricsNamespace  string        `toml:"metrics_namespace"`

	AutoRate AutoRate `toml:"auto_rate"`
}

// DefaultAutoRate returns the auto rate constants that have been found to
// work in practice.
func DefaultAutoRate() AutoRate {
	return AutoRate{
		PingBoundary:   1200 * time.Millisecond,
		PingSamples:    7,
		PingDiscards:   1,
		PingThreshhold: 5,
		AdjustUp:       1.05,
		AdjustDown:     0.95,
		UpDelayFirst:   5,
		UpDelayNext:    2,
		SlotsStarting:  6,
		SlotsFactor:    1.66 / 1000,
	}
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		MaxSliceLength:    128 * 1024,
		MaxMessageLength:  1 << 23,
		MaxUploadRate:     0,
		UploadUnitSize:    1460,
		MaxRatePeriod:     20 * time.Second,
		UploadRateFudge:   5 * time.Second,
		MaxUploads:        7,
		MinUploads:        4,
		RoundRobinPeriod:  30 * time.Second,
		MinRate:           1000,
		SnubTime:          30 * time.Second,
		PexMaxAddrs:       50,
		G2G:               true,
		ListenPort:        6881,
		MaxConnections:    80,
		KeepaliveInterval: 2 * time.Minute,
		MetricsNamespace:  "swarmcore",
		AutoRate:          DefaultAutoRate(),
	}
}

// Load reads a TOML file on top of the default configuration.
func Load(filename string) (*Config, error) {
	cfg := Default()
	_, err := toml.DecodeFile(filename, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %q",
			filename)
	}
	return cfg, cfg.Validate()
}

// Validate checks the configuration for values the core cannot work with.
func (cfg *Config) Validate() error {
	switch {
	case cfg.MaxSliceLength <= 0:
		return errors.New("max_slice_length must be positive")
	case cfg.MaxMessageLength < cfg.MaxSliceLength+13:
		return errors.New("max_message_length is smaller " +
			"than a maximal PIECE message")
	case cfg.UploadUnitSize <= 0:
		return errors.New("upload_unit_size must be positive")
	case cfg.MaxRatePeriod <= 0:
		return errors.New("max_rate_period must be positive")
	case cfg.UploadRateFudge < 0:
		return errors.New("upload_rate_fudge must not be negative")
	case cfg.MaxUploads < 0:
		return errors.New("max_uploads must not be negative")
	case cfg.MinUploads < 0 || cfg.MinUploads > cfg.MaxUploads:
		return errors.Errorf("min_uploads must be between 0 and %v",
			cfg.MaxUploads)
	case cfg.RoundRobinPeriod <= 0:
		return errors.New("round_robin_period must be positive")
	case cfg.PexMaxAddrs < 0:
		return errors.New("ut_pex_max_addrs_from_peer " +
			"must not be negative")
	case cfg.ListenPort < 0 || cfg.ListenPort > 0xFFFF:
		return errors.Errorf("bad listen_port %v", cfg.ListenPort)
	case cfg.MemoryHighMark < 0:
		return errors.New("memory_high_mark must not be negative")
	case cfg.KeepaliveInterval <= 0:
		return errors.New("keepalive_interval must be positive")
	}
	return cfg.AutoRate.Validate()
}

func (a *AutoRate) Validate() error {
	switch {
	case a.PingSamples <= 0 || a.PingDiscards < 0:
		return errors.New("bad auto_rate ping sample counts")
	case a.PingThreshhold > a.PingSamples:
		return errors.New("auto_rate.ping_threshhold " +
			"exceeds ping_samples")
	case a.AdjustUp <= 1 || a.AdjustDown <= 0 || a.AdjustDown >= 1:
		return errors.New("bad auto_rate adjustment factors")
	case a.UpDelayFirst <= 0 || a.UpDelayNext <= 0:
		return errors.New("bad auto_rate up delays")
	case a.SlotsStarting <= 0 || a.SlotsFactor <= 0:
		return errors.New("bad auto_rate slots")
	}
	return nil
}
