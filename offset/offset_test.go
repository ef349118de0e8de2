// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package offset_test

import (
	"context"
	"testing"
	"time"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/offset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		a, b offset.Offset
		exp  offset.Ordering
	}{
		{offset.Single(1), offset.Single(2), offset.Less},
		{offset.Single(2), offset.Single(2), offset.Equal},
		{offset.Offset{3, 4}, offset.Offset{3, 2}, offset.Greater},
		{offset.Offset{3, 1}, offset.Offset{2, 2}, offset.Concurrent},
		{offset.Offset{3}, offset.Offset{3, 0}, offset.Equal},
		{offset.Offset{3}, offset.Offset{3, 1}, offset.Less},
	}
	for _, test := range tests {
		assert.Equal(t, test.exp, offset.Compare(test.a, test.b), "%s vs %s", test.a, test.b)
	}
	assert.Equal(t, offset.Offset{2, 1}, offset.Min(offset.Offset{3, 1}, offset.Offset{2, 2}))
	assert.Equal(t, offset.Offset{3, 2}, offset.Max(offset.Offset{3, 1}, offset.Offset{2, 2}))
	assert.Equal(t, offset.Offset{0, 0, 7}, offset.Offset(nil).With(2, 7))
	assert.True(t, offset.Same(nil, nil))
	assert.False(t, offset.Same(nil, offset.Single(0)))
}

func TestParse(t *testing.T) {
	o, err := offset.Parse("[1, 2,3]")
	require.NoError(t, err)
	assert.Equal(t, offset.Offset{1, 2, 3}, o)
	assert.Equal(t, "[1,2,3]", o.String())

	o, err = offset.Parse("42")
	require.NoError(t, err)
	assert.Equal(t, "42", o.String())

	o, err = offset.Parse("")
	require.NoError(t, err)
	assert.Nil(t, o)

	_, err = offset.Parse("x,1")
	assert.True(t, errors.Is(err, offset.ErrInvalidOffset))
}

func TestTracker(t *testing.T) {
	t.Run("RejectsRegression", func(t *testing.T) {
		tr := offset.NewTracker(1)
		assert.Nil(t, tr.Current())
		require.NoError(t, tr.Advance(0, offset.Single(10)))

		err := tr.Advance(0, offset.Single(10))
		assert.True(t, errors.Is(err, offset.ErrOffsetRegression))
		err = tr.Advance(0, offset.Single(7))
		assert.True(t, errors.Is(err, offset.ErrOffsetRegression))
		assert.Equal(t, offset.Single(10), tr.Current())

		require.NoError(t, tr.Advance(0, offset.Single(11)))
		assert.Equal(t, offset.Single(11), tr.Current())
	})

	t.Run("RejectsConcurrentVector", func(t *testing.T) {
		tr := offset.NewTracker(1)
		require.NoError(t, tr.Advance(0, offset.Offset{5, 5}))
		err := tr.Advance(0, offset.Offset{6, 4})
		assert.True(t, errors.Is(err, offset.ErrOffsetRegression))
		require.NoError(t, tr.Advance(0, offset.Offset{6, 5}))
	})

	t.Run("SafeOffset", func(t *testing.T) {
		tr := offset.NewTracker(2)
		require.NoError(t, tr.Advance(0, offset.Offset{10, 3}))
		assert.Nil(t, tr.SafeOffset())
		assert.False(t, tr.IsCaughtUpTo(offset.Offset{1, 1}))
		assert.True(t, tr.IsCaughtUpTo(nil))

		require.NoError(t, tr.Advance(1, offset.Offset{4, 8}))
		assert.Equal(t, offset.Offset{4, 3}, tr.SafeOffset())
		assert.True(t, tr.IsCaughtUpTo(offset.Offset{4, 3}))
		assert.False(t, tr.IsCaughtUpTo(offset.Offset{5, 3}))

		err := tr.Advance(2, offset.Single(1))
		assert.True(t, errors.Is(err, offset.ErrInvalidShard))
	})

	t.Run("Wait", func(t *testing.T) {
		tr := offset.NewTracker(1)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var g errgroup.Group
		g.Go(func() error { return tr.Wait(ctx, offset.Single(3)) })
		for i := uint64(1); i <= 3; i++ {
			require.NoError(t, tr.Advance(0, offset.Single(i)))
		}
		require.NoError(t, g.Wait())

		short, cancel2 := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel2()
		assert.ErrorIs(t, tr.Wait(short, offset.Single(100)), context.DeadlineExceeded)
	})

	t.Run("ConcurrentReaders", func(t *testing.T) {
		tr := offset.NewTracker(1)
		var g errgroup.Group
		for i := 0; i < 4; i++ {
			g.Go(func() error {
				var last offset.Offset
				for j := 0; j < 1000; j++ {
					cur := tr.Current()
					if last != nil && cur != nil && offset.Compare(cur, last) == offset.Less {
						return errors.Errorf("offset went backwards: %s after %s", cur, last)
					}
					last = cur
				}
				return nil
			})
		}
		for i := uint64(1); i <= 1000; i++ {
			require.NoError(t, tr.Advance(0, offset.Single(i)))
		}
		require.NoError(t, g.Wait())
	})
}
