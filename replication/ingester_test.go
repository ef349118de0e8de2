// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication_test

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	events    []replication.Event
	committed int
	read      int
}

func (s *sliceSource) Next(ctx context.Context) (replication.Event, error) {
	if s.read == len(s.events) {
		return replication.Event{}, io.EOF
	}
	s.read++
	return s.events[s.read-1], nil
}

func (s *sliceSource) Commit(ctx context.Context) error {
	s.committed = s.read
	return nil
}

type injection struct {
	table  string
	deltas []keys.Delta
	off    offset.Offset
}

type recordingSink struct {
	mu  sync.Mutex
	got []injection
}

func (s *recordingSink) Inject(table string, deltas []keys.Delta, off offset.Offset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if table == "missing" {
		return errors.New("UnknownNode", "no such table")
	}
	s.got = append(s.got, injection{table, deltas, off})
	return nil
}

func insert(table string, off uint64, vs ...interface{}) replication.Event {
	return replication.Event{Offset: offset.Single(off), Table: table, Op: keys.Insert, Row: keys.R(vs...)}
}

func TestIngester_Run(t *testing.T) {
	src := &sliceSource{events: []replication.Event{
		insert("t", 1, 1, "a"),
		insert("t", 2, 2, "b"),
		insert("t", 2, 3, "c"), // regression: same offset again
		replication.Marker(offset.Single(3)),
		insert("t", 1, 4, "d"), // regression
		{Offset: offset.Single(9), Table: "t", Op: keys.Delete},
		{Offset: offset.Single(4), Table: "t", Op: keys.Delete, Row: keys.R(1, "a")},
	}}
	sink := &recordingSink{}
	log := logger.NewBufferLogger()
	in := replication.NewIngester(src, sink, log)
	require.NoError(t, in.Run(context.Background()))

	require.Len(t, sink.got, 4)
	assert.Equal(t, injection{"t", []keys.Delta{{Op: keys.Insert, Row: keys.R(1, "a")}}, offset.Single(1)}, sink.got[0])
	assert.Equal(t, injection{"", nil, offset.Single(3)}, sink.got[2])
	assert.Equal(t, keys.Delete, sink.got[3].deltas[0].Op)
	assert.Equal(t, offset.Single(4), in.Last())
	assert.Equal(t, len(src.events), src.committed)

	assert.Contains(t, log.String(), "skipping")
}

func TestIngester_SinkError(t *testing.T) {
	src := &sliceSource{events: []replication.Event{insert("missing", 1, 1)}}
	in := replication.NewIngester(src, &recordingSink{}, nil)
	err := in.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, in.Last())
}

func TestEvent(t *testing.T) {
	ev, err := replication.DecodeEvent([]byte(`{"offset":[3],"table":"stories","op":"delete","row":[7,"title"]}`))
	require.NoError(t, err)
	assert.Equal(t, insertOp(keys.Delete, "stories", 3, 7, "title"), ev)
	assert.False(t, ev.IsMarker())
	require.NoError(t, ev.Validate())

	_, err = replication.DecodeEvent([]byte(`{"offset":`))
	assert.Error(t, err)

	m := replication.Marker(offset.Offset{1, 2})
	assert.True(t, m.IsMarker())
	assert.Equal(t, "marker@[1,2]", m.String())

	err = replication.Event{Table: "t", Row: keys.R(1)}.Validate()
	assert.True(t, errors.Is(err, replication.ErrInvalidEvent))
}

func insertOp(op keys.Op, table string, off uint64, vs ...interface{}) replication.Event {
	ev := insert(table, off, vs...)
	ev.Op = op
	return ev
}
