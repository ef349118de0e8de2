// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ivm

import (
	"context"
	"encoding/json"
	"time"

	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/tracing"
)

// LookupStatus is the outcome of a lookup.
type LookupStatus int

const (
	LookupHit LookupStatus = iota
	LookupStale
	LookupMiss
)

func (s LookupStatus) String() string {
	switch s {
	case LookupHit:
		return "hit"
	case LookupStale:
		return "stale"
	case LookupMiss:
		return "miss"
	}
	return "unknown"
}

func (s LookupStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *LookupStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "hit":
		*s = LookupHit
	case "stale":
		*s = LookupStale
	case "miss":
		*s = LookupMiss
	default:
		return errors.Errorf("unknown lookup status %q", b)
	}
	return nil
}

// LookupResult is what a lookup returns. Rows and Offset are set for a hit,
// Offset alone for a stale result, and RetryAfter for a miss.
type LookupResult struct {
	Status     LookupStatus
	Rows       []keys.Row
	Offset     offset.Offset
	RetryAfter time.Duration
}

// Err returns nil for a hit and a coded error otherwise.
func (r LookupResult) Err(view string, k keys.Key, want offset.Offset) error {
	switch r.Status {
	case LookupStale:
		return NewErrStale(view, r.Offset, want)
	case LookupMiss:
		return NewErrMiss(view, k, r.RetryAfter)
	}
	return nil
}

func (r LookupResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Status     LookupStatus  `json:"status"`
		Rows       interface{}   `json:"rows,omitempty"`
		Offset     offset.Offset `json:"offset,omitempty"`
		RetryAfter string        `json:"retry_after,omitempty"`
	}{Status: r.Status, Offset: r.Offset}
	if r.Status == LookupHit {
		rows := r.Rows
		if rows == nil {
			rows = []keys.Row{}
		}
		out.Rows = rows
	}
	if r.RetryAfter > 0 {
		out.RetryAfter = r.RetryAfter.String()
	}
	return json.Marshal(out)
}

func (r *LookupResult) UnmarshalJSON(b []byte) error {
	var in struct {
		Status     LookupStatus  `json:"status"`
		Rows       []keys.Row    `json:"rows"`
		Offset     offset.Offset `json:"offset"`
		RetryAfter string        `json:"retry_after"`
	}
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = LookupResult{Status: in.Status, Rows: in.Rows, Offset: in.Offset}
	if in.RetryAfter != "" {
		d, err := time.ParseDuration(in.RetryAfter)
		if err != nil {
			return errors.Wrap(err, "parsing retry_after")
		}
		r.RetryAfter = d
	}
	return nil
}

// Lookup reads the rows of view whose key equals k once the view has
// reached minOffset. A hole is filled by an upquery; concurrent lookups
// falling into the same hole share one. Failing to fill or catch up within
// the lookup timeout is reported as a Miss or Stale result, not an error.
func (e *Engine) Lookup(ctx context.Context, view string, k keys.Key, minOffset offset.Offset) (res LookupResult, err error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "Engine.Lookup")
	defer span.Finish()
	span.SetTag(tracing.TagView, view)
	start := time.Now()
	defer func() {
		tracing.Fail(span, err)
		if err == nil {
			span.SetTag(tracing.TagStatus, res.Status.String())
			CounterLookups.WithLabelValues(res.Status.String()).Inc()
			HistogramLookupDuration.WithLabelValues(res.Status.String()).Observe(time.Since(start).Seconds())
		}
	}()

	v, err := e.view(view)
	if err != nil {
		return LookupResult{}, err
	}
	if len(k) != len(v.Key) {
		return LookupResult{}, NewErrInvalidKey(view, len(k), len(v.Key))
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LookupTimeout)
	defer cancel()

	if !v.Offset.IsCaughtUpTo(minOffset) {
		if err := v.Offset.Wait(ctx, minOffset); err != nil {
			span.LogKV("stale", v.Offset.SafeOffset().String())
			return LookupResult{Status: LookupStale, Offset: v.Handle.Snapshot().Offset()}, nil
		}
	}

	for {
		snap := v.Handle.Snapshot()
		if rows, ok := snap.Read(k); ok {
			return LookupResult{Status: LookupHit, Rows: rows, Offset: snap.Offset()}, nil
		}
		hole, _ := snap.FindHole(k)
		span.LogKV("hole", logger.Sensitive(hole).String())
		err := e.fill(ctx, view, hole, k)
		switch {
		case err == nil:
		case errors.Is(err, dataflow.ErrRuntimeClosed):
			return LookupResult{}, err
		case errors.IsAny(err, dataflow.ErrUnknownNode, dataflow.ErrNotReader):
			return LookupResult{}, NewErrUnknownView(view)
		case ctx.Err() != nil:
			return LookupResult{Status: LookupMiss, RetryAfter: e.cfg.RetryAfter}, nil
		default:
			// Upquery timeouts and other fill failures are retried until
			// the lookup itself times out.
			e.logger.Debugf("lookup %s%s: retrying fill: %v", view, logger.Sensitive(k), err)
			t := time.NewTimer(e.cfg.RetryAfter)
			select {
			case <-ctx.Done():
			case <-t.C:
			}
			t.Stop()
		}
	}
}

func (e *Engine) view(name string) (*dataflow.View, error) {
	v, err := e.rt.View(name)
	if errors.IsAny(err, dataflow.ErrUnknownNode, dataflow.ErrNotReader) {
		return nil, NewErrUnknownView(name)
	}
	return v, err
}

// fill starts an upquery for the hole around k, or joins one already
// started by another lookup, and waits for it until ctx is done.
func (e *Engine) fill(ctx context.Context, view string, hole keys.Range, k keys.Key) error {
	span, ctx := tracing.StartSpanFromContext(ctx, "Engine.fill")
	defer span.Finish()
	span.SetTag(tracing.TagView, view)

	ch := e.fills.DoChan(view+"|"+hole.String(), func() (interface{}, error) {
		// The fill runs on its own deadline; each caller stops waiting on
		// its own context.
		fctx, cancel := context.WithTimeout(context.Background(), e.cfg.LookupTimeout)
		defer cancel()
		if err := e.limiter.Wait(fctx); err != nil {
			return nil, err
		}
		CounterLookupFills.Inc()
		return nil, e.rt.Fill(fctx, view, k)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
