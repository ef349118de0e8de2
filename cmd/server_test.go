// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/featurebasedb/ivm/cmd"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/server"
	"github.com/featurebasedb/ivm/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerHelp(t *testing.T) {
	output, err := ExecNewRootCommand(t, "server", "--help")
	if !strings.Contains(output, "Usage:") ||
		!strings.Contains(output, "Flags:") ||
		!strings.Contains(output, "--eviction.node-budget") || err != nil {
		t.Fatalf("Command 'server --help' not working, err: '%v', output: '%s'", err, output)
	}
}

func TestServerConfig(t *testing.T) {
	dataDir := t.TempDir()
	tests := []struct {
		args           []string
		env            map[string]string
		cfgFileContent string
		validation     func(t *testing.T, c *server.Config)
	}{
		// Flags beat the environment, which beats the file.
		{
			args: []string{"--data-dir", dataDir, "--replication.kafka.hosts", "k1:9092,k2:9092", "--bind", "localhost:10211"},
			env:  map[string]string{"IVM_DATA_DIR": "/tmp/envDataDir", "IVM_HANDLER_LONG_QUERY_TIME": "1m30s", "IVM_EVICTION_NODE_BUDGET": "2000"},
			cfgFileContent: `
	data-dir = "/tmp/fileDataDir"
	bind = "localhost:0"

	[eviction]
		node-budget = 3000
		idle-after = "2m"
	[replication]
		source = "kafka"
		[replication.kafka]
			hosts = ["localhost:19092"]
			partitions = 4
	`,
			validation: func(t *testing.T, c *server.Config) {
				assert.Equal(t, dataDir, c.DataDir)
				assert.Equal(t, "localhost:10211", c.Bind)
				assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Replication.Kafka.Hosts)
				assert.Equal(t, server.SourceKafka, c.Replication.Source)
				assert.Equal(t, 4, c.Replication.Kafka.Partitions)
				assert.Equal(t, toml.Duration(90*time.Second), c.Handler.LongQueryTime)
				assert.Equal(t, toml.Duration(2*time.Minute), c.Eviction.IdleAfter)
				assert.Equal(t, 2000, c.Eviction.NodeBudget)
			},
		},
		{
			args: []string{"--dataflow.frontier", "readers"},
			env:  map[string]string{"IVM_REPLICATION_KAFKA_HOSTS": "e1:9092,e2:9092", "IVM_LOOKUP_TIMEOUT": "750ms"},
			cfgFileContent: `
	[handler]
		allowed-origins = ["http://a.example", "http://b.example"]
	[dataflow]
		frontier = "all-partial"
		partial = true
	`,
			validation: func(t *testing.T, c *server.Config) {
				assert.Equal(t, dataflow.FrontierReaders, c.Dataflow.Frontier)
				assert.Equal(t, []string{"e1:9092", "e2:9092"}, c.Replication.Kafka.Hosts)
				assert.Equal(t, []string{"http://a.example", "http://b.example"}, c.Handler.AllowedOrigins)
				assert.Equal(t, toml.Duration(750*time.Millisecond), c.Lookup.Timeout)
				// untouched options keep their defaults
				assert.Equal(t, server.NewConfig().Eviction.Interval, c.Eviction.Interval)
			},
		},
	}

	for i, test := range tests {
		for k, v := range test.env {
			t.Setenv(k, v)
		}
		args := append([]string{"server", "--dry-run", "--config", writeConfig(t, test.cfgFileContent)}, test.args...)
		_, err := ExecNewRootCommand(t, args...)
		require.EqualError(t, err, "dry run", "test %d", i)
		test.validation(t, cmd.Server.Config)
		for k := range test.env {
			t.Setenv(k, "")
		}
	}
}

func TestServerRejectsBadFrontier(t *testing.T) {
	_, err := ExecNewRootCommand(t, "server", "--dry-run", "--dataflow.frontier", "everything")
	require.Error(t, err)
	assert.NotEqual(t, "dry run", err.Error())
}

func TestConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rc := cmd.NewRootCommand(strings.NewReader(""), &out, &out)
	rc.SetArgs([]string{"config", "--bind", "localhost:10999", "--eviction.burst", "7"})
	require.NoError(t, rc.Execute())
	assert.Contains(t, out.String(), `bind = "localhost:10999"`)
	assert.Contains(t, out.String(), "burst = 7")
}
