// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package state_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/state"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(i int) keys.Key { return keys.K(i) }

// rowsIn returns the rows of src whose first column falls in r.
func rowsIn(src []keys.Row, r keys.Range) []keys.Row {
	var out []keys.Row
	for _, row := range src {
		if r.Contains(row.Project([]int{0})) {
			out = append(out, row)
		}
	}
	return out
}

func rowStrings(rows []keys.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.String()
	}
	return out
}

// upstream is the full data set a partial state is filled from.
func upstream() []keys.Row {
	var out []keys.Row
	for i := 0; i < 50; i++ {
		out = append(out, keys.R(i, "a"), keys.R(i, "b"))
	}
	return out
}

func newPartial(t *testing.T, clock func() time.Time) *state.State {
	t.Helper()
	opts := []state.Option{}
	if clock != nil {
		opts = append(opts, state.WithClock(clock))
	}
	s := state.New(true, opts...)
	require.Equal(t, 0, s.AddIndex([]int{0}, nil))
	return s
}

func TestLookupFillScenario(t *testing.T) {
	s := newPartial(t, nil)
	data := upstream()

	_, err := s.Fill(0, keys.ClosedOpen(k(10), k(20)), rowsIn(data, keys.ClosedOpen(k(10), k(20))))
	require.NoError(t, err)

	res, err := s.Lookup(0, k(15))
	require.NoError(t, err)
	require.True(t, res.Hit)
	assert.Equal(t, []string{`[15, "a"]`, `[15, "b"]`}, rowStrings(res.Rows))

	res, err = s.Lookup(0, k(25))
	require.NoError(t, err)
	assert.False(t, res.Hit)
	assert.Equal(t, "[20, +inf)", res.Hole.String())

	n, err := s.Fill(0, keys.ClosedOpen(k(20), k(30)), rowsIn(data, keys.ClosedOpen(k(20), k(30))))
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, "[10, 30)", s.Coverage(0)[0].String())

	res, err = s.Lookup(0, k(25))
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Len(t, res.Rows, 2)
}

func TestFillIdempotent(t *testing.T) {
	data := upstream()
	rng := rand.New(rand.NewSource(3))
	s := newPartial(t, nil)
	for i := 0; i < 200; i++ {
		key := k(rng.Intn(60))
		res, err := s.Lookup(0, key)
		require.NoError(t, err)
		if !res.Hit {
			hole := res.Hole
			// Fill the hole, and sometimes an overlapping wider range.
			if rng.Intn(2) == 0 {
				lo := rng.Intn(60)
				hole = hole.Hull(keys.Closed(k(lo), k(lo+5)))
			}
			_, err = s.Fill(0, hole, rowsIn(data, hole))
			require.NoError(t, err)
			_, err = s.Fill(0, hole, rowsIn(data, hole))
			require.NoError(t, err)
		}
		res, err = s.Lookup(0, key)
		require.NoError(t, err)
		require.True(t, res.Hit)
		if diff := cmp.Diff(rowStrings(rowsIn(data, keys.Point(key))), rowStrings(res.Rows)); diff != "" {
			t.Fatalf("rows for %s mismatch (-want +got):\n%s", key, diff)
		}
	}
}

func TestApplyDelta(t *testing.T) {
	s := newPartial(t, nil)
	_, err := s.Fill(0, keys.ClosedOpen(k(0), k(10)), []keys.Row{keys.R(1, "x")})
	require.NoError(t, err)

	assert.True(t, s.ApplyDelta(keys.Delta{Op: keys.Insert, Row: keys.R(1, "y")}))
	assert.False(t, s.ApplyDelta(keys.Delta{Op: keys.Insert, Row: keys.R(50, "hole")}), "deltas for holes are dropped")
	assert.True(t, s.ApplyDelta(keys.Delta{Op: keys.Delete, Row: keys.R(1, "x")}))
	assert.False(t, s.ApplyDelta(keys.Delta{Op: keys.Delete, Row: keys.R(1, "nope")}))

	res, err := s.Lookup(0, k(1))
	require.NoError(t, err)
	assert.Equal(t, []string{`[1, "y"]`}, rowStrings(res.Rows))
	assert.Equal(t, 1, s.Rows())

	res, err = s.Lookup(0, k(50))
	require.NoError(t, err)
	assert.False(t, res.Hit)
}

func TestMultipleIndexes(t *testing.T) {
	full := state.New(false)
	full.AddIndex([]int{0}, nil)
	full.ApplyDelta(keys.Delta{Op: keys.Insert, Row: keys.R(1, "a")})
	full.ApplyDelta(keys.Delta{Op: keys.Insert, Row: keys.R(2, "a")})

	byName := full.AddIndex([]int{1}, nil)
	assert.Equal(t, byName, full.AddIndex([]int{1}, nil))
	res, err := full.Lookup(byName, keys.K("a"))
	require.NoError(t, err)
	assert.True(t, res.Hit)
	assert.Len(t, res.Rows, 2)

	_, err = full.Evict(0, keys.Full())
	assert.True(t, errors.Is(err, state.ErrEvictFullState))
	_, err = full.Lookup(7, k(1))
	assert.True(t, errors.Is(err, state.ErrUnknownIndex))
}

func TestEvict(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newPartial(t, func() time.Time { return now })
	data := upstream()

	_, err := s.Fill(0, keys.ClosedOpen(k(10), k(20)), rowsIn(data, keys.ClosedOpen(k(10), k(20))))
	require.NoError(t, err)
	p, err := s.AddPending(0, keys.ClosedOpen(k(20), k(30)), 1)
	require.NoError(t, err)

	_, err = s.Evict(0, keys.ClosedOpen(k(10), k(25)))
	assert.True(t, errors.Is(err, state.ErrEvictPendingFill))
	assert.True(t, s.Covered(0, k(15)), "refused eviction must not change state")

	res, err := s.Evict(0, keys.ClosedOpen(k(10), k(20)))
	require.NoError(t, err)
	assert.Equal(t, 20, res.Rows)
	assert.Len(t, res.Keys, 10)
	assert.Equal(t, 0, s.Bytes())

	lr, err := s.Lookup(0, k(15))
	require.NoError(t, err)
	assert.False(t, lr.Hit)

	got, ok := s.PendingOverlapping(0, keys.Point(k(27)))
	require.True(t, ok)
	assert.Equal(t, p, got)
	s.RemovePending(p)
	assert.Equal(t, 0, s.NumPending())
}

func TestFillClearsCoveredPending(t *testing.T) {
	s := newPartial(t, nil)
	data := upstream()

	_, err := s.AddPending(0, keys.ClosedOpen(k(10), k(20)), 1)
	require.NoError(t, err)
	_, err = s.AddPending(0, keys.ClosedOpen(k(25), k(40)), 2)
	require.NoError(t, err)

	_, err = s.Fill(0, keys.ClosedOpen(k(0), k(30)), rowsIn(data, keys.ClosedOpen(k(0), k(30))))
	require.NoError(t, err)
	assert.Equal(t, []string{"[25, 40)"}, rangeStrings(s.PendingRanges(0)), "a pending fill sticking out of the range stays")

	// Refilling a covered range still clears pending fills inside it.
	_, err = s.AddPending(0, keys.ClosedOpen(k(25), k(40)), 3)
	require.NoError(t, err)
	_, err = s.Fill(0, keys.ClosedOpen(k(0), k(40)), rowsIn(data, keys.ClosedOpen(k(0), k(40))))
	require.NoError(t, err)
	assert.Equal(t, 0, s.NumPending())
	_, ok := s.PendingOverlapping(0, keys.Point(k(30)))
	assert.False(t, ok)
}

func TestSegments(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newPartial(t, func() time.Time { return now })

	_, err := s.Fill(0, keys.ClosedOpen(k(0), k(10)), nil)
	require.NoError(t, err)
	now = now.Add(time.Minute)
	_, err = s.Fill(0, keys.ClosedOpen(k(5), k(20)), []keys.Row{keys.R(12)})
	require.NoError(t, err)

	segs := s.Segments(0)
	require.Len(t, segs, 2)
	assert.Equal(t, "[0, 10)", segs[0].Range.String())
	assert.Equal(t, "[10, 20)", segs[1].Range.String())

	now = now.Add(time.Minute)
	_, err = s.Lookup(0, k(3))
	require.NoError(t, err)
	segs = s.Segments(0)
	assert.Equal(t, now, segs[0].LastAccess)
	assert.Equal(t, time.Unix(1060, 0), segs[1].LastAccess)
	assert.True(t, s.RangeBytes(0, segs[1].Range) > 0)

	_, err = s.Evict(0, keys.ClosedOpen(k(8), k(15)))
	require.NoError(t, err)
	segs = s.Segments(0)
	require.Len(t, segs, 2)
	assert.Equal(t, "[0, 8)", segs[0].Range.String())
	assert.Equal(t, "[15, 20)", segs[1].Range.String())
}

func TestExpirePendingAndClear(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newPartial(t, func() time.Time { return now })
	_, err := s.Fill(0, keys.Full(), []keys.Row{keys.R(1), keys.R(100)})
	require.NoError(t, err)

	_, err = s.AddPending(0, keys.Point(k(500)), 1)
	require.NoError(t, err)
	now = now.Add(time.Second)
	_, err = s.AddPending(0, keys.Point(k(600)), 2)
	require.NoError(t, err)

	s.Clear()
	assert.Equal(t, 0, s.Rows())
	assert.Equal(t, []string{"[500, 500]", "[600, 600]"}, rangeStrings(s.PendingRanges(0)))
	assert.Len(t, s.Coverage(0), 2, "pending points stay covered by the earlier fill")

	expired := s.ExpirePending(now.Add(500*time.Millisecond), time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, uint64(1), expired[0].Tag)
	assert.Equal(t, 1, s.NumPending())
}

func rangeStrings(rs []keys.Range) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}
