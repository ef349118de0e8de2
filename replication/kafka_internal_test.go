// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication

import (
	"context"
	"io"
	"testing"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
	segmentio "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafka struct {
	msgs      []segmentio.Message
	committed []segmentio.Message
	closed    bool
}

func (f *fakeKafka) FetchMessage(ctx context.Context) (segmentio.Message, error) {
	if len(f.msgs) == 0 {
		return segmentio.Message{}, io.EOF
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

func (f *fakeKafka) CommitMessages(ctx context.Context, msgs ...segmentio.Message) error {
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.closed = true
	return nil
}

func TestKafkaSource_OffsetVector(t *testing.T) {
	fake := &fakeKafka{msgs: []segmentio.Message{
		{Topic: "ivm", Partition: 0, Offset: 0, Value: []byte(`{"table":"t","op":"insert","row":[1]}`)},
		{Topic: "ivm", Partition: 1, Offset: 7, Value: []byte(`{"table":"t","op":"insert","row":[2]}`)},
		{Topic: "ivm", Partition: 0, Offset: 1, Value: []byte(`{"offset":[99],"table":"t","op":"delete","row":[1]}`)},
		{Topic: "ivm", Partition: 5, Offset: 1, Value: []byte(`{}`)},
	}}
	src := NewKafkaSource()
	src.Partitions = 2
	src.reader = fake
	ctx := context.Background()

	var offs []offset.Offset
	for i := 0; i < 3; i++ {
		ev, err := src.Next(ctx)
		require.NoError(t, err)
		offs = append(offs, ev.Offset)
		if i == 2 {
			assert.Equal(t, keys.Delete, ev.Op)
		}
	}
	assert.Equal(t, []offset.Offset{{1, 0}, {1, 8}, {2, 8}}, offs)

	_, err := src.Next(ctx)
	assert.Error(t, err, "partition outside the vector")

	require.NoError(t, src.Commit(ctx))
	assert.Len(t, fake.committed, 3)
	require.NoError(t, src.Commit(ctx))
	assert.Len(t, fake.committed, 3)

	require.NoError(t, src.Close())
	assert.True(t, fake.closed)
	_, err = src.Next(ctx)
	assert.Error(t, err)
}

func TestKafkaSource_Ingest(t *testing.T) {
	fake := &fakeKafka{msgs: []segmentio.Message{
		{Partition: 0, Offset: 4, Value: []byte(`{"table":"t","op":"insert","row":[1]}`)},
		{Partition: 0, Offset: 5, Value: []byte(`{"table":"t","op":"insert","row":[2]}`)},
	}}
	src := NewKafkaSource()
	src.reader = fake
	var got []offset.Offset
	sink := sinkFunc(func(table string, deltas []keys.Delta, off offset.Offset) error {
		got = append(got, off)
		return nil
	})
	require.NoError(t, NewIngester(src, sink, nil).Run(context.Background()))
	assert.Equal(t, []offset.Offset{{5}, {6}}, got)
	assert.Len(t, fake.committed, 2)
}

type sinkFunc func(table string, deltas []keys.Delta, off offset.Offset) error

func (f sinkFunc) Inject(table string, deltas []keys.Delta, off offset.Offset) error {
	return f(table, deltas, off)
}
