// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication

import (
	"context"
	"io"
	"time"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	segmentio "github.com/segmentio/kafka-go"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (segmentio.Message, error)
	CommitMessages(ctx context.Context, msgs ...segmentio.Message) error
	io.Closer
}

// KafkaSource reads JSON encoded events from a Kafka topic. Each partition
// of the topic is one component of the offset vector, so events from
// different partitions are applied in the order they are fetched while the
// vector records how far each partition has been read. The offset embedded
// in a message is ignored.
//
// It is not threadsafe.
type KafkaSource struct {
	Hosts      []string
	Topic      string
	Group      string
	Partitions int
	Timeout    time.Duration
	SkipOld    bool
	Log        logger.Logger

	reader kafkaReader
	last   offset.Offset
	spool  []segmentio.Message
}

// NewKafkaSource gets a new KafkaSource with defaults.
func NewKafkaSource() *KafkaSource {
	return &KafkaSource{
		Hosts:      []string{"localhost:9092"},
		Topic:      "ivm",
		Group:      "ivm",
		Partitions: 1,
		Log:        logger.NopLogger,
	}
}

// Open connects the consumer group reader.
func (s *KafkaSource) Open() error {
	if s.Topic == "" {
		return errors.New(errors.ErrUncoded, "kafka source needs a topic")
	}
	if s.Partitions <= 0 {
		s.Partitions = 1
	}
	config := segmentio.ReaderConfig{
		Brokers:     s.Hosts,
		GroupID:     s.Group,
		Topic:       s.Topic,
		Logger:      segmentio.LoggerFunc(s.Log.Debugf),
		ErrorLogger: segmentio.LoggerFunc(s.Log.Errorf),
	}
	if s.SkipOld {
		config.StartOffset = segmentio.LastOffset
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "validating kafka reader config")
	}
	s.reader = segmentio.NewReader(config)
	return nil
}

// Next fetches the next message and decodes it.
func (s *KafkaSource) Next(ctx context.Context) (Event, error) {
	if s.reader == nil {
		return Event{}, errors.New(ErrSourceClosed, "kafka source is not open")
	}
	if s.last == nil {
		s.last = make(offset.Offset, s.Partitions)
	}
	if s.Timeout != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return Event{}, err
	}
	if msg.Partition >= len(s.last) {
		return Event{}, NewErrInvalidEvent("message from unexpected partition")
	}
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		return Event{}, err
	}
	// Stored offsets are one past the message so zero means nothing read.
	s.last = s.last.With(msg.Partition, uint64(msg.Offset)+1)
	ev.Offset = s.last.Clone()
	s.spool = append(s.spool, msg)
	return ev, nil
}

// Commit commits every message returned by Next so far.
func (s *KafkaSource) Commit(ctx context.Context) error {
	if len(s.spool) == 0 {
		return nil
	}
	if err := s.reader.CommitMessages(ctx, s.spool...); err != nil {
		return errors.Wrap(err, "failed to commit messages")
	}
	s.spool = s.spool[:0]
	return nil
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return errors.Wrap(err, "closing kafka reader")
}
