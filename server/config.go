// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"fmt"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/eviction"
	"github.com/featurebasedb/ivm/toml"
)

// Replication sources.
const (
	SourceNone  = "none"
	SourceLog   = "log"
	SourceKafka = "kafka"
)

// TLSConfig contains TLS configuration
type TLSConfig struct {
	// CertificatePath contains the path to the certificate (.crt or .pem file)
	CertificatePath string `toml:"certificate"`
	// CertificateKeyPath contains the path to the certificate key (.key file)
	CertificateKeyPath string `toml:"key"`
	// CACertPath is the path to a CA certificate (.crt or .pem file)
	CACertPath string `toml:"ca-certificate"`
	// SkipVerify disables verification for self-signed certificates
	SkipVerify bool `toml:"skip-verify"`
	// EnableClientVerification enables verification of client TLS certificates (Mutual TLS)
	EnableClientVerification bool `toml:"enable-client-verification"`
}

// Config represents the configuration for the command.
type Config struct {
	// DataDir holds the recipe store and the local write log.
	DataDir string `toml:"data-dir"`
	// Bind is the host:port on which ivm will listen.
	Bind string `toml:"bind"`

	// LogPath configures where ivm will write logs.
	LogPath string `toml:"log-path"`

	// Verbose toggles verbose logging which can be useful for debugging.
	Verbose bool `toml:"verbose"`

	// RedactSensitive replaces keys and row values in logs with a placeholder.
	RedactSensitive bool `toml:"redact-sensitive"`

	// HTTP Handler options
	Handler struct {
		// CORS Allowed Origins
		AllowedOrigins []string      `toml:"allowed-origins"`
		LongQueryTime  toml.Duration `toml:"long-query-time"`
		CloseTimeout   toml.Duration `toml:"close-timeout"`
	} `toml:"handler"`

	// TLS
	TLS TLSConfig `toml:"tls"`

	Lookup struct {
		Timeout        toml.Duration `toml:"timeout"`
		RetryAfter     toml.Duration `toml:"retry-after"`
		FillsPerSecond float64       `toml:"fills-per-second"`
		FillBurst      int           `toml:"fill-burst"`
	} `toml:"lookup"`

	Dataflow struct {
		Partial        bool                      `toml:"partial"`
		AllowFull      bool                      `toml:"allow-full"`
		Frontier       dataflow.FrontierStrategy `toml:"frontier"`
		UpqueryTimeout toml.Duration             `toml:"upquery-timeout"`
		SweepInterval  toml.Duration             `toml:"sweep-interval"`
	} `toml:"dataflow"`

	Eviction struct {
		Enabled            bool          `toml:"enabled"`
		Interval           toml.Duration `toml:"interval"`
		NodeBudget         int           `toml:"node-budget"`
		MemoryLimit        uint64        `toml:"memory-limit"`
		IdleAfter          toml.Duration `toml:"idle-after"`
		EvictionsPerSecond float64       `toml:"evictions-per-second"`
		Burst              int           `toml:"burst"`
	} `toml:"eviction"`

	Replication struct {
		// Source is one of none, log or kafka.
		Source       string        `toml:"source"`
		Stream       string        `toml:"stream"`
		PollInterval toml.Duration `toml:"poll-interval"`
		Kafka        struct {
			Hosts      []string `toml:"hosts"`
			Topic      string   `toml:"topic"`
			Group      string   `toml:"group"`
			Partitions int      `toml:"partitions"`
			SkipOld    bool     `toml:"skip-old"`
		} `toml:"kafka"`
	} `toml:"replication"`

	Tracing struct {
		// AgentHostPort enables jaeger tracing when set.
		AgentHostPort string  `toml:"agent-host-port"`
		SamplerType   string  `toml:"sampler-type"`
		SamplerParam  float64 `toml:"sampler-param"`
	} `toml:"tracing"`
}

// NewConfig returns an instance of Config with default options.
func NewConfig() *Config {
	c := &Config{
		DataDir: "~/.ivm",
		Bind:    "localhost:10201",
		// LogPath: "",
		// Verbose: false,
		TLS: TLSConfig{},
	}

	c.Handler.AllowedOrigins = []string{}
	c.Handler.LongQueryTime = toml.Duration(time.Minute)
	c.Handler.CloseTimeout = toml.Duration(30 * time.Second)

	def := ivm.DefaultConfig()
	c.Lookup.Timeout = toml.Duration(def.LookupTimeout)
	c.Lookup.RetryAfter = toml.Duration(def.RetryAfter)
	// c.Lookup.FillsPerSecond = 0
	c.Lookup.FillBurst = def.FillBurst

	c.Dataflow.Partial = def.Runtime.Materialization.PartialEnabled
	c.Dataflow.AllowFull = def.Runtime.Materialization.AllowFullMaterialization
	c.Dataflow.Frontier = def.Runtime.Materialization.FrontierStrategy
	c.Dataflow.UpqueryTimeout = toml.Duration(def.Runtime.UpqueryTimeout)
	c.Dataflow.SweepInterval = toml.Duration(def.Runtime.SweepInterval)

	c.Eviction.Enabled = true
	c.Eviction.Interval = toml.Duration(10 * time.Second)
	// c.Eviction.NodeBudget = 0
	// c.Eviction.MemoryLimit = 0
	c.Eviction.IdleAfter = toml.Duration(10 * time.Minute)
	// c.Eviction.EvictionsPerSecond = 0
	c.Eviction.Burst = 64

	c.Replication.Source = SourceLog
	c.Replication.Stream = "ivm"
	c.Replication.PollInterval = toml.Duration(100 * time.Millisecond)
	c.Replication.Kafka.Hosts = []string{"localhost:9092"}
	c.Replication.Kafka.Topic = "ivm"
	c.Replication.Kafka.Group = "ivm"
	c.Replication.Kafka.Partitions = 1

	c.Tracing.SamplerType = "remote"
	c.Tracing.SamplerParam = 0.001

	return c
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Bind == "" {
		return fmt.Errorf("bind address required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory required")
	}
	switch c.Replication.Source {
	case SourceNone, "", SourceLog:
	case SourceKafka:
		if len(c.Replication.Kafka.Hosts) == 0 {
			return fmt.Errorf("kafka replication needs at least one host")
		}
		if c.Replication.Kafka.Partitions <= 0 {
			return fmt.Errorf("kafka partitions must be positive, got %d", c.Replication.Kafka.Partitions)
		}
	default:
		return fmt.Errorf("'%s' is not a supported replication source", c.Replication.Source)
	}
	if c.Replication.Source == SourceLog && c.Replication.Stream == "" {
		return fmt.Errorf("log replication needs a stream name")
	}
	if c.Eviction.NodeBudget < 0 || c.Eviction.Burst < 0 || c.Eviction.EvictionsPerSecond < 0 {
		return fmt.Errorf("eviction limits must not be negative")
	}
	if c.Lookup.FillsPerSecond < 0 || c.Lookup.FillBurst < 0 {
		return fmt.Errorf("fill limits must not be negative")
	}
	if !c.Dataflow.Partial && !c.Dataflow.AllowFull {
		return fmt.Errorf("at least one of partial and full materialization must be allowed")
	}
	return nil
}

// EngineConfig builds the engine configuration. The logger and recipe store
// are left for the caller.
func (c *Config) EngineConfig() ivm.Config {
	cfg := ivm.DefaultConfig()
	cfg.LookupTimeout = time.Duration(c.Lookup.Timeout)
	cfg.RetryAfter = time.Duration(c.Lookup.RetryAfter)
	cfg.FillsPerSecond = c.Lookup.FillsPerSecond
	cfg.FillBurst = c.Lookup.FillBurst

	cfg.Runtime.Materialization.PartialEnabled = c.Dataflow.Partial
	cfg.Runtime.Materialization.AllowFullMaterialization = c.Dataflow.AllowFull
	cfg.Runtime.Materialization.FrontierStrategy = c.Dataflow.Frontier
	cfg.Runtime.UpqueryTimeout = time.Duration(c.Dataflow.UpqueryTimeout)
	cfg.Runtime.SweepInterval = time.Duration(c.Dataflow.SweepInterval)

	if c.Eviction.Enabled {
		cfg.Eviction = &eviction.Config{
			Interval:           time.Duration(c.Eviction.Interval),
			NodeBudget:         c.Eviction.NodeBudget,
			MemoryLimit:        c.Eviction.MemoryLimit,
			IdleAfter:          time.Duration(c.Eviction.IdleAfter),
			EvictionsPerSecond: c.Eviction.EvictionsPerSecond,
			Burst:              c.Eviction.Burst,
		}
	}
	return cfg
}
