// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server_test

import (
	"testing"
	"time"

	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/server"
	"github.com/featurebasedb/ivm/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NewConfig(t *testing.T) {
	c := server.NewConfig()
	require.NoError(t, c.Validate())
	if c.Replication.Source != server.SourceLog {
		t.Fatalf("unexpected Replication.Source: %v", c.Replication.Source)
	}
	if c.Dataflow.Frontier != dataflow.FrontierNone {
		t.Fatalf("unexpected Dataflow.Frontier: %v", c.Dataflow.Frontier)
	}
}

func TestConfig_Validate(t *testing.T) {
	for name, mod := range map[string]func(*server.Config){
		"NoBind":      func(c *server.Config) { c.Bind = "" },
		"NoDataDir":   func(c *server.Config) { c.DataDir = "" },
		"BadSource":   func(c *server.Config) { c.Replication.Source = "ftp" },
		"NoStream":    func(c *server.Config) { c.Replication.Stream = "" },
		"NoKafkaHost": func(c *server.Config) { c.Replication.Source = server.SourceKafka; c.Replication.Kafka.Hosts = nil },
		"NoPartition": func(c *server.Config) { c.Replication.Source = server.SourceKafka; c.Replication.Kafka.Partitions = 0 },
		"NegBudget":   func(c *server.Config) { c.Eviction.NodeBudget = -1 },
		"NegFills":    func(c *server.Config) { c.Lookup.FillsPerSecond = -1 },
		"NoMaterial":  func(c *server.Config) { c.Dataflow.Partial = false; c.Dataflow.AllowFull = false },
	} {
		t.Run(name, func(t *testing.T) {
			c := server.NewConfig()
			mod(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestConfig_EngineConfig(t *testing.T) {
	c := server.NewConfig()
	c.Lookup.Timeout = toml.Duration(3 * time.Second)
	c.Dataflow.Frontier = dataflow.FrontierReaders
	c.Eviction.NodeBudget = 1 << 20

	cfg := c.EngineConfig()
	assert.Equal(t, 3*time.Second, cfg.LookupTimeout)
	assert.Equal(t, dataflow.FrontierReaders, cfg.Runtime.Materialization.FrontierStrategy)
	require.NotNil(t, cfg.Eviction)
	assert.Equal(t, 1<<20, cfg.Eviction.NodeBudget)
	assert.Equal(t, 10*time.Second, cfg.Eviction.Interval)

	c.Eviction.Enabled = false
	assert.Nil(t, c.EngineConfig().Eviction)
}

func TestDuration(t *testing.T) {
	d := toml.Duration(time.Second * 182)
	assert.Equal(t, "3m2s", d.String())

	v, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, []byte("3m2s"), v)

	assert.Error(t, d.UnmarshalText([]byte("5")), "duration without unit")
	require.NoError(t, d.Set("250ms"))
	assert.Equal(t, toml.Duration(250*time.Millisecond), d)
	assert.Equal(t, "duration", d.Type())
}

func TestGetTLSConfig(t *testing.T) {
	_, err := server.GetTLSConfig(nil, logger.NopLogger)
	assert.Error(t, err)

	_, err = server.GetTLSConfig(&server.TLSConfig{CACertPath: "ca.pem", SkipVerify: true}, logger.NopLogger)
	assert.Error(t, err)

	_, err = server.GetTLSConfig(&server.TLSConfig{CertificatePath: "c.pem", CertificateKeyPath: "k.pem", SkipVerify: true}, logger.NopLogger)
	assert.Error(t, err)

	_, err = server.GetTLSConfig(&server.TLSConfig{CertificatePath: "missing.pem", CertificateKeyPath: "missing.key"}, logger.NopLogger)
	assert.Error(t, err)

	cfg, err := server.GetTLSConfig(&server.TLSConfig{}, logger.NopLogger)
	assert.NoError(t, err)
	assert.Nil(t, cfg)
}
