// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication

import (
	"context"
	"io"
	"sync"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
)

// Ingester reads a Source and applies its events to a Sink in order.
type Ingester struct {
	Source Source
	Sink   Sink
	Logger logger.Logger

	mu   sync.Mutex
	last offset.Offset
}

func NewIngester(src Source, sink Sink, log logger.Logger) *Ingester {
	if log == nil {
		log = logger.NopLogger
	}
	return &Ingester{Source: src, Sink: sink, Logger: log}
}

// Last returns the offset of the most recently applied event.
func (in *Ingester) Last() offset.Offset {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.last.Clone()
}

// Run applies events until ctx is done or the source is exhausted. A source
// returning io.EOF ends the run without error.
func (in *Ingester) Run(ctx context.Context) error {
	for {
		ev, err := in.Source.Next(ctx)
		switch {
		case err == nil:
		case err == io.EOF, errors.Is(err, ErrSourceClosed):
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return errors.Wrap(err, "reading replication source")
		}
		if err := in.Apply(ev); err != nil {
			if errors.IsAny(err, offset.ErrOffsetRegression, ErrInvalidEvent) {
				in.Logger.Warnf("REPLICATION: skipping %s: %v", logger.Sensitive(ev), err)
				continue
			}
			return err
		}
		if c, ok := in.Source.(Committer); ok {
			if err := c.Commit(ctx); err != nil {
				return errors.Wrap(err, "committing replication source")
			}
		}
	}
}

// Apply applies one event. Events that do not move past the last applied
// offset are rejected with ErrOffsetRegression and leave no trace.
func (in *Ingester) Apply(ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.last != nil && offset.Compare(ev.Offset, in.last) != offset.Greater {
		CounterRegressions.Inc()
		return offset.NewErrOffsetRegression(0, in.last, ev.Offset)
	}
	var deltas []keys.Delta
	if !ev.IsMarker() {
		deltas = []keys.Delta{ev.Delta()}
	}
	if err := in.Sink.Inject(ev.Table, deltas, ev.Offset); err != nil {
		return errors.Wrapf(err, "applying %s", ev)
	}
	in.last = ev.Offset.Clone()
	CounterEvents.Inc()
	return nil
}
