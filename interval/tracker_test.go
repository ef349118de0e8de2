// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package interval_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/featurebasedb/ivm/interval"
	"github.com/featurebasedb/ivm/keys"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func k(i int) keys.Key { return keys.K(i) }

func rangeStrings(rs []keys.Range) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.String()
	}
	return out
}

func TestTracker(t *testing.T) {
	t.Run("MergeTouching", func(t *testing.T) {
		tr := interval.NewTracker(nil)
		tr.InsertRange(keys.ClosedOpen(k(10), k(20)))
		tr.InsertRange(keys.ClosedOpen(k(30), k(40)))
		assert.Equal(t, []string{"[10, 20)", "[30, 40)"}, rangeStrings(tr.Ranges()))

		tr.InsertRange(keys.ClosedOpen(k(20), k(30)))
		assert.Equal(t, []string{"[10, 40)"}, rangeStrings(tr.Ranges()))

		tr.InsertRange(keys.Open(k(40), k(50)))
		assert.Equal(t, []string{"[10, 40)", "(40, 50)"}, rangeStrings(tr.Ranges()))

		tr.InsertRange(keys.Point(k(40)))
		assert.Equal(t, []string{"[10, 50)"}, rangeStrings(tr.Ranges()))

		tr.InsertRange(keys.Below(k(0)))
		tr.InsertRange(keys.Closed(k(-5), k(12)))
		assert.Equal(t, []string{"(-inf, 50)"}, rangeStrings(tr.Ranges()))
	})

	t.Run("RemoveSplits", func(t *testing.T) {
		tr := interval.NewTracker(nil)
		tr.InsertRange(keys.ClosedOpen(k(0), k(100)))
		tr.RemoveRange(keys.Closed(k(10), k(20)))
		assert.Equal(t, []string{"[0, 10)", "(20, 100)"}, rangeStrings(tr.Ranges()))

		tr.RemoveRange(keys.ClosedOpen(k(5), k(50)))
		assert.Equal(t, []string{"[0, 5)", "[50, 100)"}, rangeStrings(tr.Ranges()))

		tr.RemoveRange(keys.Full())
		assert.Equal(t, 0, tr.Len())
	})

	t.Run("FindHole", func(t *testing.T) {
		tr := interval.NewTracker(nil)
		tr.InsertRange(keys.ClosedOpen(k(10), k(20)))

		assert.True(t, tr.Covered(k(15)))
		_, ok := tr.FindHole(k(15))
		assert.False(t, ok)

		hole, ok := tr.FindHole(k(25))
		require.True(t, ok)
		assert.Equal(t, "[20, +inf)", hole.String())

		hole, ok = tr.FindHole(k(5))
		require.True(t, ok)
		assert.Equal(t, "(-inf, 10)", hole.String())

		tr.InsertRange(keys.Closed(k(30), k(40)))
		hole, _ = tr.FindHole(k(25))
		assert.Equal(t, "[20, 30)", hole.String())
		hole, _ = tr.FindHole(k(41))
		assert.Equal(t, "(40, +inf)", hole.String())
	})

	t.Run("FindHoleDomain", func(t *testing.T) {
		domain := keys.ClosedOpen(k(0), k(1000))
		tr := interval.NewTracker(&domain)
		tr.InsertRange(keys.ClosedOpen(k(10), k(20)))

		hole, ok := tr.FindHole(k(25))
		require.True(t, ok)
		assert.Equal(t, "[20, 1000)", hole.String())

		hole, _ = tr.FindHole(k(3))
		assert.Equal(t, "[0, 10)", hole.String())

		hole, ok = tr.FindHole(k(5000))
		require.True(t, ok)
		assert.Equal(t, "[5000, 5000]", hole.String())
	})

	t.Run("Gaps", func(t *testing.T) {
		tr := interval.NewTracker(nil)
		tr.InsertRange(keys.ClosedOpen(k(10), k(20)))
		tr.InsertRange(keys.Closed(k(30), k(40)))

		assert.Equal(t, []string{"[0, 10)", "[20, 30)", "(40, 50)"},
			rangeStrings(tr.Gaps(keys.ClosedOpen(k(0), k(50)))))
		assert.Empty(t, tr.Gaps(keys.ClosedOpen(k(12), k(18))))
		assert.Equal(t, []string{"[20, 25]"}, rangeStrings(tr.Gaps(keys.Closed(k(15), k(25)))))
		assert.Equal(t, []string{"[15, 20)", "[30, 35]"},
			rangeStrings(tr.CoveredIn(keys.Closed(k(15), k(35)))))
		assert.True(t, tr.CoversRange(keys.Closed(k(30), k(40))))
		assert.False(t, tr.CoversRange(keys.Closed(k(15), k(30))))
	})

	t.Run("FullAndClone", func(t *testing.T) {
		tr := interval.NewFullTracker()
		assert.True(t, tr.Covered(keys.K("anything")))
		c := tr.Clone()
		c.RemoveRange(keys.Point(k(1)))
		assert.True(t, tr.Covered(k(1)))
		assert.False(t, c.Covered(k(1)))
		assert.Equal(t, 2, c.Len())
	})
}

// naive replays every operation; the last operation whose range contains a
// key decides whether it is covered.
type naiveOp struct {
	r      keys.Range
	insert bool
}

func naiveCovered(ops []naiveOp, key keys.Key) bool {
	covered := false
	for _, op := range ops {
		if op.r.Contains(key) {
			covered = op.insert
		}
	}
	return covered
}

func randomRange(rng *rand.Rand) keys.Range {
	lo := rng.Intn(40)
	hi := lo + rng.Intn(10)
	r := keys.Range{
		Lower: keys.Bound{Key: k(lo), Inclusive: rng.Intn(2) == 0},
		Upper: keys.Bound{Key: k(hi), Inclusive: rng.Intn(2) == 0},
	}
	switch rng.Intn(12) {
	case 0:
		r.Lower = keys.Unbounded()
	case 1:
		r.Upper = keys.Unbounded()
	}
	return r
}

func TestTrackerMatchesNaive(t *testing.T) {
	for seed := int64(0); seed < 40; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			tr := interval.NewTracker(nil)
			var ops []naiveOp
			for i := 0; i < 60; i++ {
				r := randomRange(rng)
				insert := rng.Intn(3) != 0
				if insert {
					tr.InsertRange(r)
				} else {
					tr.RemoveRange(r)
				}
				ops = append(ops, naiveOp{r: r, insert: insert})

				ranges := tr.Ranges()
				for j := 1; j < len(ranges); j++ {
					prev, cur := ranges[j-1], ranges[j]
					require.True(t, keys.CompareLower(prev.Lower, cur.Lower) < 0, "unsorted: %v", rangeStrings(ranges))
					require.False(t, prev.Touches(cur), "touching: %v", rangeStrings(ranges))
				}
				for _, rr := range ranges {
					require.False(t, rr.Empty())
				}

				for x := -2; x <= 52; x++ {
					for _, key := range []keys.Key{k(x), keys.Key{keys.Float(float64(x) + 0.5)}} {
						require.Equal(t, naiveCovered(ops, key), tr.Covered(key), "key %s after %d ops: %v", key, i+1, rangeStrings(ranges))
					}
				}
			}
		})
	}
}

func TestTrackerRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		tr := interval.NewTracker(nil)
		for j := 0; j < 4; j++ {
			tr.InsertRange(randomRange(rng))
		}
		before := rangeStrings(tr.Ranges())

		r := randomRange(rng)
		if len(tr.CoveredIn(r)) > 0 {
			continue
		}
		tr.InsertRange(r)
		tr.RemoveRange(r)
		assert.Equal(t, before, rangeStrings(tr.Ranges()), "round trip of %s", r)
	}
}
