// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package replication feeds upstream changes into base tables. A Source
// yields Events in offset order; an Ingester applies them to a Sink and
// rejects anything that would move the stream backwards.
package replication

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
)

const (
	ErrInvalidEvent errors.Code = "InvalidEvent"
	ErrSourceClosed errors.Code = "SourceClosed"
)

func NewErrInvalidEvent(msg string) error {
	return errors.New(ErrInvalidEvent, msg)
}

// Event is one change at an offset. An event without a table is a marker:
// it only moves the offset forward.
type Event struct {
	Offset offset.Offset `json:"offset"`
	Table  string        `json:"table,omitempty"`
	Op     keys.Op       `json:"op"`
	Row    keys.Row      `json:"row,omitempty"`
}

// Marker returns an event that advances the stream to off.
func Marker(off offset.Offset) Event {
	return Event{Offset: off}
}

// IsMarker reports whether e carries no row.
func (e Event) IsMarker() bool { return e.Table == "" }

// Delta returns the row change e carries.
func (e Event) Delta() keys.Delta { return keys.Delta{Op: e.Op, Row: e.Row} }

func (e Event) String() string {
	if e.IsMarker() {
		return fmt.Sprintf("marker@%s", e.Offset)
	}
	return fmt.Sprintf("%s %s %s@%s", e.Op, e.Table, e.Row, e.Offset)
}

// Validate checks that e can be applied.
func (e Event) Validate() error {
	if e.Offset == nil {
		return NewErrInvalidEvent("event has no offset")
	}
	if e.IsMarker() && len(e.Row) > 0 {
		return NewErrInvalidEvent("row without a table")
	}
	if !e.IsMarker() && len(e.Row) == 0 {
		return NewErrInvalidEvent(fmt.Sprintf("%s event for %s has no row", e.Op, e.Table))
	}
	return nil
}

// DecodeEvent parses one JSON encoded event.
func DecodeEvent(buf []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(buf, &e); err != nil {
		if se, ok := err.(*json.SyntaxError); ok {
			return Event{}, errors.Wrapf(err, "decoding event at character offset %d: %s", se.Offset, string(buf))
		}
		return Event{}, errors.Wrapf(err, "decoding event: %s", string(buf))
	}
	return e, nil
}

// Source yields events in offset order. Next blocks until an event is
// available or ctx is done.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// Committer is implemented by sources that acknowledge events once they
// have been applied.
type Committer interface {
	Commit(ctx context.Context) error
}

// Sink applies row changes to a base table at an offset. An empty table
// only advances the offset.
type Sink interface {
	Inject(table string, deltas []keys.Delta, off offset.Offset) error
}
