// Package config defines the recognized configuration of the cutting core
// and loads it from YAML. Durations are integer milliseconds on the wire;
// unknown keys are rejected so typos fail fast at startup.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full recognized option set.
	Config struct {
		Pool          Pool          `yaml:"pool"`
		Locks         Locks         `yaml:"locks"`
		Optimization  Optimization  `yaml:"optimization"`
		Notifications Notifications `yaml:"notifications"`
		Broker        Broker        `yaml:"broker"`
		Mongo         Mongo         `yaml:"mongo"`
	}

	// Pool configures the optimization worker pool. Defaults are tuned for
	// a 16-physical-core host.
	Pool struct {
		MinWorkers               int `yaml:"minWorkers"`
		MaxWorkers               int `yaml:"maxWorkers"`
		IdleTimeoutMS            int `yaml:"idleTimeoutMs"`
		MaxQueue                 int `yaml:"maxQueue"`
		ConcurrentTasksPerWorker int `yaml:"concurrentTasksPerWorker"`
	}

	// Locks configures document lease duration and reaping cadence.
	Locks struct {
		LeaseMS        int `yaml:"leaseMs"`
		ReapIntervalMS int `yaml:"reapIntervalMs"`
	}

	// Optimization configures engine timeouts and algorithm defaults.
	Optimization struct {
		Timeout1DMS        int    `yaml:"timeout1DMs"`
		Timeout2DMS        int    `yaml:"timeout2DMs"`
		DefaultKerfMM      int64  `yaml:"defaultKerfMm"`
		DefaultAlgorithm1D string `yaml:"defaultAlgorithm1D"`
		DefaultAlgorithm2D string `yaml:"defaultAlgorithm2D"`
		StockLowThreshold  int    `yaml:"stockLowThreshold"`
		MinWasteReturnMM   int64  `yaml:"minWasteReturnMm"`
	}

	// Notifications configures channel fan-out behavior.
	Notifications struct {
		Enabled             bool   `yaml:"enabled"`
		DefaultChannel      string `yaml:"defaultChannel"`
		PerChannelTimeoutMS int    `yaml:"perChannelTimeoutMs"`
	}

	// Broker configures the durable cross-process event adapter.
	Broker struct {
		URL           string `yaml:"url"`
		Prefetch      int    `yaml:"prefetch"`
		AckTimeoutMS  int    `yaml:"ackTimeoutMs"`
		MaxDeliveries int    `yaml:"maxDeliveries"`
	}

	// Mongo configures the persistence backend connection.
	Mongo struct {
		URI       string `yaml:"uri"`
		Database  string `yaml:"database"`
		TimeoutMS int    `yaml:"timeoutMs"`
	}
)

// Default returns the configuration with all recognized defaults applied.
func Default() Config {
	return Config{
		Pool: Pool{
			MinWorkers:               4,
			MaxWorkers:               12,
			IdleTimeoutMS:            60_000,
			MaxQueue:                 256,
			ConcurrentTasksPerWorker: 1,
		},
		Locks: Locks{
			LeaseMS:        900_000,
			ReapIntervalMS: 60_000,
		},
		Optimization: Optimization{
			Timeout1DMS:        120_000,
			Timeout2DMS:        300_000,
			DefaultKerfMM:      3,
			DefaultAlgorithm1D: "1D_BFD",
			DefaultAlgorithm2D: "2D_BOTTOM_LEFT",
			StockLowThreshold:  5,
			MinWasteReturnMM:   500,
		},
		Notifications: Notifications{
			Enabled:             true,
			DefaultChannel:      "in_app",
			PerChannelTimeoutMS: 10_000,
		},
		Broker: Broker{
			URL:           "redis://localhost:6379",
			Prefetch:      16,
			AckTimeoutMS:  30_000,
			MaxDeliveries: 2,
		},
		Mongo: Mongo{
			URI:       "mongodb://localhost:27017",
			Database:  "cutcore",
			TimeoutMS: 5_000,
		},
	}
}

// Load reads path and overlays it on the defaults. Unknown keys fail.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Pool.MinWorkers <= 0 || c.Pool.MaxWorkers < c.Pool.MinWorkers {
		return fmt.Errorf("pool: minWorkers must be positive and at most maxWorkers")
	}
	if c.Pool.MaxQueue <= 0 {
		return fmt.Errorf("pool: maxQueue must be positive")
	}
	if c.Locks.LeaseMS <= 0 || c.Locks.ReapIntervalMS <= 0 {
		return fmt.Errorf("locks: leaseMs and reapIntervalMs must be positive")
	}
	if c.Broker.MaxDeliveries <= 0 {
		return fmt.Errorf("broker: maxDeliveries must be positive")
	}
	return nil
}

// Duration helpers keep millisecond wire values and time.Duration call
// sites from drifting apart.

func (p Pool) IdleTimeout() time.Duration { return ms(p.IdleTimeoutMS) }

func (l Locks) Lease() time.Duration        { return ms(l.LeaseMS) }
func (l Locks) ReapInterval() time.Duration { return ms(l.ReapIntervalMS) }

func (o Optimization) Timeout1D() time.Duration { return ms(o.Timeout1DMS) }
func (o Optimization) Timeout2D() time.Duration { return ms(o.Timeout2DMS) }

func (n Notifications) PerChannelTimeout() time.Duration { return ms(n.PerChannelTimeoutMS) }

func (b Broker) AckTimeout() time.Duration { return ms(b.AckTimeoutMS) }

func (m Mongo) Timeout() time.Duration { return ms(m.TimeoutMS) }

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
