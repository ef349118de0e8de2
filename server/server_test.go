// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/http"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/featurebasedb/ivm/server"
	"github.com/featurebasedb/ivm/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MustRunCommand starts a server on a free port with its data in dir.
func MustRunCommand(t *testing.T, dir string) (*server.Command, *http.Client) {
	t.Helper()
	var stderr bytes.Buffer
	m := server.NewCommand(nil, &bytes.Buffer{}, &stderr)
	m.Config.DataDir = dir
	m.Config.Bind = "localhost:0"
	m.Config.Replication.PollInterval = toml.Duration(5 * time.Millisecond)
	m.Config.Handler.CloseTimeout = toml.Duration(time.Second)
	m.Config.Lookup.Timeout = toml.Duration(200 * time.Millisecond)
	if err := m.Start(); err != nil {
		_ = m.Close()
		t.Fatalf("starting server: %v\n%s", err, stderr.String())
	}
	c, err := http.NewClient(m.URL(), nil)
	require.NoError(t, err)
	return m, c
}

func graph() dataflow.Diff {
	return dataflow.Diff{Add: []dataflow.NodeSpec{
		{Name: "users", Kind: dataflow.KindBase, Columns: []string{"id", "city"}, Key: []int{0}},
		{Name: "by_city", Kind: dataflow.KindReader, Domain: 1, Parents: []string{"users"}, Key: []int{1}},
	}}
}

func lookupEventually(t *testing.T, c *http.Client, k keys.Key, off offset.Offset, want []keys.Row) {
	t.Helper()
	var res ivm.LookupResult
	require.Eventually(t, func() bool {
		var err error
		res, err = c.Lookup(context.Background(), "by_city", k, off)
		return err == nil && res.Status == ivm.LookupHit
	}, 5*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, want, res.Rows)
}

func TestCommand_ReplicatesFromWriteLog(t *testing.T) {
	dir := t.TempDir()
	m, c := MustRunCommand(t, dir)
	ctx := context.Background()

	_, err := c.Migrate(ctx, graph())
	require.NoError(t, err)

	wl := m.WriteLog()
	require.NotNil(t, wl)
	for i, ev := range []replication.Event{
		{Offset: offset.Single(1), Table: "users", Row: keys.R(1, "paris")},
		{Offset: offset.Single(2), Table: "users", Row: keys.R(2, "oslo")},
		{Offset: offset.Single(3), Table: "users", Row: keys.R(3, "paris")},
	} {
		require.NoError(t, wl.Append("ivm", 0, ev), "event %d", i)
	}
	lookupEventually(t, c, keys.K("paris"), offset.Single(3), []keys.Row{keys.R(1, "paris"), keys.R(3, "paris")})

	// Direct ingest is ordered with the log.
	_, err = c.Ingest(ctx, []replication.Event{{Offset: offset.Single(2), Table: "users", Row: keys.R(9, "x")}})
	assert.Error(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Wait())

	// The graph comes back from the recipe store and the data from the log.
	m, c = MustRunCommand(t, dir)
	defer m.Close()
	views, err := c.Views(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	lookupEventually(t, c, keys.K("oslo"), offset.Single(3), []keys.Row{keys.R(2, "oslo")})
}

func TestCommand_BadConfig(t *testing.T) {
	m := server.NewCommand(nil, &bytes.Buffer{}, &bytes.Buffer{})
	m.Config.DataDir = t.TempDir()
	m.Config.Replication.Source = "carrier-pigeon"
	err := m.Start()
	assert.Error(t, err)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Wait())
}

func TestCommand_NoReplication(t *testing.T) {
	var stderr bytes.Buffer
	m := server.NewCommand(nil, &bytes.Buffer{}, &stderr)
	m.Config.DataDir = t.TempDir()
	m.Config.Bind = "localhost:0"
	m.Config.Replication.Source = server.SourceNone
	m.Config.Eviction.Enabled = false
	require.NoError(t, m.Start())
	assert.Nil(t, m.WriteLog())
	assert.Nil(t, m.Engine.Evictor())
	assert.Contains(t, stderr.String(), "listening as http://")
	require.NoError(t, m.Close())
	select {
	case <-m.Done():
	default:
		t.Fatal("expected done to be closed")
	}
}
