// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteLog(t *testing.T) {
	dir := t.TempDir()
	wl := replication.NewWriteLog(dir, logger.NewLogfLogger(t))
	defer wl.Close()

	t.Run("Basic", func(t *testing.T) {
		require.NoError(t, wl.Append("stories", 0, insert("stories", 1, 1, "a")))
		require.NoError(t, wl.Append("stories", 0, insert("stories", 2, 2, "b")))
		require.NoError(t, wl.Append("stories", 3, replication.Marker(offset.Single(3))))

		vs, err := wl.Versions("stories")
		require.NoError(t, err)
		assert.Equal(t, []int{0, 3}, vs)

		vs, err = wl.Versions("nothing")
		require.NoError(t, err)
		assert.Empty(t, vs)

		assert.Error(t, wl.Append("stories", 0, replication.Event{Table: "stories"}))
	})

	t.Run("Lock", func(t *testing.T) {
		require.NoError(t, wl.Lock("votes"))
		assert.Error(t, wl.Lock("votes"))
		require.NoError(t, wl.Unlock("votes"))
		require.NoError(t, wl.Lock("votes"))
		require.NoError(t, wl.Unlock("votes"))

		vs, err := wl.Versions("votes")
		require.NoError(t, err)
		assert.Empty(t, vs, "lock files are not versions")
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, wl.Append("tmp", 1, insert("tmp", 1, 1)))
		require.NoError(t, wl.DeleteLog("tmp", 1))
		require.NoError(t, wl.DeleteLog("tmp", 1))
		_, err := os.Stat(filepath.Join(dir, "tmp", "1"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestLogSource_Tails(t *testing.T) {
	wl := replication.NewWriteLog(t.TempDir(), nil)
	defer wl.Close()
	src := replication.NewLogSource(wl, "s")
	src.PollInterval = time.Millisecond
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan replication.Event)
	errs := make(chan error, 1)
	go func() {
		for {
			ev, err := src.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			got <- ev
		}
	}()

	// Nothing has been written yet; the source waits for the first version.
	require.NoError(t, wl.Append("s", 0, insert("t", 1, 1)))
	assert.Equal(t, insert("t", 1, 1), <-got)
	require.NoError(t, wl.Append("s", 0, insert("t", 2, 2)))
	assert.Equal(t, insert("t", 2, 2), <-got)

	// A new version is picked up once the current one is exhausted.
	require.NoError(t, wl.Append("s", 1, replication.Event{Offset: offset.Single(3), Table: "t", Op: keys.Delete, Row: keys.R(1)}))
	ev := <-got
	assert.Equal(t, keys.Delete, ev.Op)
	assert.Equal(t, offset.Single(3), ev.Offset)

	cancel()
	assert.ErrorIs(t, <-errs, context.Canceled)
}
