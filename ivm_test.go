// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ivm_test

import (
	"context"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/boltdb"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/eviction"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t testing.TB, opts ...func(*ivm.Config)) *ivm.Engine {
	t.Helper()
	cfg := ivm.DefaultConfig()
	if lt, ok := t.(*testing.T); ok {
		cfg.Logger = logger.NewLogfLogger(lt)
	}
	cfg.Runtime.SweepInterval = 10 * time.Millisecond
	for _, opt := range opts {
		opt(&cfg)
	}
	e := ivm.NewEngine(cfg)
	require.NoError(t, e.Open(context.Background()))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// simpleGraph is a base table t(id, v) in domain 0 read by a partial view
// keyed on id in domain 1.
func simpleGraph() dataflow.Diff {
	return dataflow.Diff{Add: []dataflow.NodeSpec{
		{Name: "t", Kind: dataflow.KindBase, Columns: []string{"id", "v"}, Key: []int{0}},
		{Name: "by_id", Kind: dataflow.KindReader, Domain: 1, Parents: []string{"t"}, Key: []int{0}},
	}}
}

func load(t testing.TB, e *ivm.Engine, lo, hi int, off uint64) {
	t.Helper()
	var rows []keys.Row
	for i := lo; i < hi; i++ {
		rows = append(rows, keys.R(i, "v"))
	}
	require.NoError(t, e.Inject("t", keys.Inserts(rows), offset.Single(off)))
}

func TestEngine_Lookup(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	ack, err := e.Migrate(ctx, simpleGraph())
	require.NoError(t, err)
	assert.Contains(t, ack.Added, "by_id")
	load(t, e, 10, 30, 1)

	res, err := e.Lookup(ctx, "by_id", keys.K(15), offset.Single(1))
	require.NoError(t, err)
	assert.Equal(t, ivm.LookupHit, res.Status)
	assert.Equal(t, []keys.Row{keys.R(15, "v")}, res.Rows)
	assert.Equal(t, offset.Single(1), res.Offset)
	assert.NoError(t, res.Err("by_id", keys.K(15), nil))

	res, err = e.Lookup(ctx, "by_id", keys.K(99), nil)
	require.NoError(t, err)
	assert.Equal(t, ivm.LookupHit, res.Status)
	assert.Empty(t, res.Rows)

	// Updates flow into keys that have been filled.
	require.NoError(t, e.Ingest(ctx, replication.Event{Offset: offset.Single(2), Table: "t", Op: keys.Delete, Row: keys.R(15, "v")}))
	res, err = e.Lookup(ctx, "by_id", keys.K(15), offset.Single(2))
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestEngine_Stale(t *testing.T) {
	e := newEngine(t, func(c *ivm.Config) { c.LookupTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	_, err := e.Migrate(ctx, simpleGraph())
	require.NoError(t, err)
	load(t, e, 0, 5, 1)

	res, err := e.Lookup(ctx, "by_id", keys.K(1), offset.Single(1))
	require.NoError(t, err)
	require.Equal(t, ivm.LookupHit, res.Status)

	res, err = e.Lookup(ctx, "by_id", keys.K(1), offset.Single(5))
	require.NoError(t, err)
	assert.Equal(t, ivm.LookupStale, res.Status)
	assert.Equal(t, offset.Single(1), res.Offset)
	assert.True(t, errors.Is(res.Err("by_id", keys.K(1), offset.Single(5)), ivm.ErrStale))
}

func TestEngine_ConcurrentLookupsShareFill(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Migrate(ctx, simpleGraph())
	require.NoError(t, err)
	load(t, e, 0, 40, 1)
	v, err := e.Runtime().View("by_id")
	require.NoError(t, err)
	require.NoError(t, v.Offset.Wait(ctx, offset.Single(1)))

	before := testutil.ToFloat64(dataflow.CounterReplaysStarted)
	var wg sync.WaitGroup
	results := make([]ivm.LookupResult, 2)
	for i, k := range []int{25, 27} {
		i, k := i, k
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Lookup(ctx, "by_id", keys.K(k), nil)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()
	assert.Equal(t, []keys.Row{keys.R(25, "v")}, results[0].Rows)
	assert.Equal(t, []keys.Row{keys.R(27, "v")}, results[1].Rows)
	// One replay at the view and one serving it upstream.
	assert.Equal(t, before+2, testutil.ToFloat64(dataflow.CounterReplaysStarted))
}

func TestEngine_Errors(t *testing.T) {
	e := newEngine(t)
	ctx := context.Background()
	_, err := e.Migrate(ctx, simpleGraph())
	require.NoError(t, err)

	_, err = e.Lookup(ctx, "nope", keys.K(1), nil)
	assert.True(t, errors.Is(err, ivm.ErrUnknownView), err)
	_, err = e.Lookup(ctx, "t", keys.K(1), nil)
	assert.True(t, errors.Is(err, ivm.ErrUnknownView), err)
	_, err = e.Lookup(ctx, "by_id", keys.K(1, 2), nil)
	assert.True(t, errors.Is(err, ivm.ErrInvalidKey), err)

	_, err = e.Migrate(ctx, simpleGraph())
	assert.True(t, errors.Is(err, dataflow.ErrDuplicateNode), err)

	require.NoError(t, e.Inject("t", nil, offset.Single(2)))
	err = e.Inject("t", keys.Inserts([]keys.Row{keys.R(1, "x")}), offset.Single(2))
	assert.True(t, errors.Is(err, offset.ErrOffsetRegression), err)
	assert.Equal(t, offset.Single(2), e.LastOffset())
	assert.Error(t, e.Ingest(ctx, replication.Event{Table: "t"}))

	require.NoError(t, e.Close())
	_, err = e.Lookup(ctx, "by_id", keys.K(1), nil)
	assert.Error(t, err)
}

func TestEngine_RecipesSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ivm.boltdb")
	open := func() (*boltdb.DB, *boltdb.RecipeStore) {
		db := boltdb.NewDB("file:" + path)
		db.RegisterBuckets(boltdb.RecipeBuckets...)
		require.NoError(t, db.Open())
		return db, boltdb.NewRecipeStore(db, logger.NopLogger)
	}

	db, rs := open()
	e := newEngine(t, func(c *ivm.Config) { c.Recipes = rs })
	ack, err := e.Migrate(context.Background(), simpleGraph())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ack.Version)
	require.NoError(t, e.Close())
	require.NoError(t, db.Close())

	db, rs = open()
	t.Cleanup(func() { _ = db.Close() })
	e = newEngine(t, func(c *ivm.Config) { c.Recipes = rs })
	load(t, e, 0, 3, 1)
	res, err := e.Lookup(context.Background(), "by_id", keys.K(2), offset.Single(1))
	require.NoError(t, err)
	assert.Equal(t, []keys.Row{keys.R(2, "v")}, res.Rows)
}

func TestEngine_EvictionRefills(t *testing.T) {
	e := newEngine(t, func(c *ivm.Config) {
		c.Eviction = &eviction.Config{Interval: time.Hour, NodeBudget: 1, IdleAfter: time.Hour}
	})
	ctx := context.Background()
	_, err := e.Migrate(ctx, simpleGraph())
	require.NoError(t, err)
	load(t, e, 10, 20, 1)

	res, err := e.Lookup(ctx, "by_id", keys.K(15), offset.Single(1))
	require.NoError(t, err)
	require.Equal(t, ivm.LookupHit, res.Status)

	rep, err := e.Evictor().Sweep(ctx)
	require.NoError(t, err)
	assert.NotZero(t, rep.Rows)
	v, err := e.Runtime().View("by_id")
	require.NoError(t, err)
	assert.False(t, v.Handle.Snapshot().Covered(keys.K(15)))

	res, err = e.Lookup(ctx, "by_id", keys.K(15), offset.Single(1))
	require.NoError(t, err)
	assert.Equal(t, []keys.Row{keys.R(15, "v")}, res.Rows)
}

func TestLookupResult_MarshalJSON(t *testing.T) {
	for _, tc := range []struct {
		res  ivm.LookupResult
		want string
	}{
		{ivm.LookupResult{Status: ivm.LookupHit, Offset: offset.Single(3)}, `{"status":"hit","rows":[],"offset":[3]}`},
		{ivm.LookupResult{Status: ivm.LookupStale, Offset: offset.Single(1)}, `{"status":"stale","offset":[1]}`},
		{ivm.LookupResult{Status: ivm.LookupMiss, RetryAfter: time.Second}, `{"status":"miss","retry_after":"1s"}`},
	} {
		t.Run(tc.res.Status.String(), func(t *testing.T) {
			buf, err := tc.res.MarshalJSON()
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(buf))
		})
	}
}

func TestVersionInfo(t *testing.T) {
	defer func(v, c, b string) { ivm.Version, ivm.Commit, ivm.BuildTime = v, c, b }(ivm.Version, ivm.Commit, ivm.BuildTime)

	ivm.Version, ivm.Commit, ivm.BuildTime = "v1.2.3", "abcdef0", ""
	assert.Equal(t, "ivm v1.2.3 (abcdef0) "+runtime.Version(), ivm.VersionInfo())

	ivm.Version, ivm.BuildTime = "", "yesterday"
	info := ivm.VersionInfo()
	assert.True(t, strings.HasPrefix(info, "ivm v0.x (yesterday, abcdef0)"), info)
}
