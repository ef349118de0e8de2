// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ivm is an incrementally maintained view engine with partial
// materialization. Base tables are fed from a replication stream; views
// are dataflow readers that hold only the keys that have been asked for and
// fill holes on demand by querying their ancestors.
package ivm

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/featurebasedb/ivm/boltdb"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/eviction"
	"github.com/featurebasedb/ivm/gcnotify"
	"github.com/featurebasedb/ivm/gopsutil"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Config configures an Engine.
type Config struct {
	Runtime dataflow.Config

	// LookupTimeout bounds how long a lookup waits for a fill or for the
	// view to reach the requested offset.
	LookupTimeout time.Duration
	// RetryAfter is the hint returned with a Miss.
	RetryAfter time.Duration
	// FillsPerSecond and FillBurst pace the upqueries lookups start.
	// Zero means unlimited.
	FillsPerSecond float64
	FillBurst      int

	// Eviction enables the eviction manager when set. A nil Memory probe
	// uses gopsutil.
	Eviction *eviction.Config

	// Recipes persists migrations when set.
	Recipes *boltdb.RecipeStore

	Logger logger.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Runtime:       dataflow.DefaultConfig(),
		LookupTimeout: 2 * time.Second,
		RetryAfter:    100 * time.Millisecond,
		FillBurst:     100,
		Logger:        logger.NopLogger,
	}
}

// Engine is the interface the adapter layer talks to: lookups, migrations
// and ingestion.
type Engine struct {
	id      string
	cfg     Config
	rt      *dataflow.Runtime
	evictor *eviction.Manager
	recipes *boltdb.RecipeStore

	fills   singleflight.Group
	limiter *rate.Limiter

	// ingestMu serializes writes into the runtime.
	ingestMu sync.Mutex
	last     offset.Offset

	mu     sync.Mutex
	opened bool
	closed bool
	eg     errgroup.Group

	logger logger.Logger
}

var _ replication.Sink = (*Engine)(nil)

// NewEngine returns an engine. Open must be called before use.
func NewEngine(cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = def.RetryAfter
	}
	if cfg.FillBurst <= 0 {
		cfg.FillBurst = def.FillBurst
	}
	if cfg.Runtime.Logger == nil {
		cfg.Runtime.Logger = cfg.Logger
	}
	limit := rate.Inf
	if cfg.FillsPerSecond > 0 {
		limit = rate.Limit(cfg.FillsPerSecond)
	}
	e := &Engine{
		id:      uuid.New().String(),
		cfg:     cfg,
		rt:      dataflow.NewRuntime(cfg.Runtime),
		recipes: cfg.Recipes,
		limiter: rate.NewLimiter(limit, cfg.FillBurst),
		logger:  cfg.Logger,
	}
	if cfg.Eviction != nil {
		ecfg := *cfg.Eviction
		if ecfg.Memory == nil {
			ecfg.Memory = gopsutil.NewSystemInfo()
		}
		if ecfg.NewGC == nil {
			ecfg.NewGC = gcnotify.New
		}
		if ecfg.Logger == nil {
			ecfg.Logger = cfg.Logger
		}
		e.evictor = eviction.New(e.rt, ecfg)
	}
	return e
}

// ID identifies this engine instance.
func (e *Engine) ID() string { return e.id }

// Runtime returns the dataflow runtime behind the engine.
func (e *Engine) Runtime() *dataflow.Runtime { return e.rt }

// Evictor returns the eviction manager, or nil if eviction is disabled.
func (e *Engine) Evictor() *eviction.Manager { return e.evictor }

// Open rebuilds the graph from stored recipes and starts eviction.
func (e *Engine) Open(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return NewErrEngineClosed()
	}
	if e.opened {
		return nil
	}
	if e.recipes != nil {
		recipes, err := e.recipes.Recipes(ctx)
		if err != nil {
			return errors.Wrap(err, "loading recipes")
		}
		for _, r := range recipes {
			if _, err := e.rt.Migrate(ctx, r.Diff); err != nil {
				return errors.Wrapf(err, "replaying recipe %d", r.Version)
			}
		}
		if len(recipes) > 0 {
			e.logger.Infof("rebuilt graph from %d recipes", len(recipes))
		}
	}
	if e.evictor != nil {
		e.eg.Go(e.evictor.Run)
	}
	e.opened = true
	e.logger.Printf("engine %s open", e.id)
	return nil
}

// Close stops eviction and the runtime.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	opened := e.opened
	e.mu.Unlock()

	if e.evictor != nil && opened {
		e.evictor.Stop()
	}
	err := e.eg.Wait()
	if cerr := e.rt.Close(); err == nil {
		err = cerr
	}
	return err
}

// Ack reports a successful migration.
type Ack struct {
	Version uint64   `json:"version,omitempty"`
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
}

// Migrate applies diff to the graph and records it in the recipe store.
func (e *Engine) Migrate(ctx context.Context, diff dataflow.Diff) (Ack, error) {
	ch, err := e.rt.Migrate(ctx, diff)
	if err != nil {
		CounterMigrations.WithLabelValues("error").Inc()
		return Ack{}, err
	}
	CounterMigrations.WithLabelValues("ok").Inc()
	g := e.rt.Graph()
	ack := Ack{Added: names(g, ch.Added), Removed: names(g, ch.Removed)}
	if e.recipes != nil {
		v, err := e.recipes.Append(ctx, diff)
		if err != nil {
			return ack, errors.Wrap(err, "storing recipe")
		}
		ack.Version = v
	}
	return ack, nil
}

func names(g *dataflow.Graph, ids []dataflow.NodeID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if n := g.Node(id); n != nil {
			out = append(out, n.Name)
		}
	}
	return out
}

// Inject feeds deltas for table at off. An empty table only advances the
// offset. Offsets must strictly increase; anything else is rejected and
// nothing is applied.
func (e *Engine) Inject(table string, deltas []keys.Delta, off offset.Offset) error {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	if off == nil {
		return replication.NewErrInvalidEvent("ingest without an offset")
	}
	if e.last != nil && offset.Compare(off, e.last) != offset.Greater {
		replication.CounterRegressions.Inc()
		err := offset.NewErrOffsetRegression(0, e.last, off)
		e.logger.Warnf("rejecting ingest for %q: %v", table, err)
		return err
	}
	if err := e.rt.Inject(table, deltas, off); err != nil {
		return err
	}
	e.last = off.Clone()
	CounterIngestedDeltas.Add(float64(len(deltas)))
	for i, v := range off {
		GaugeIngestOffset.WithLabelValues(strconv.Itoa(i)).Set(float64(v))
	}
	return nil
}

// Ingest applies one replication event.
func (e *Engine) Ingest(ctx context.Context, ev replication.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	var deltas []keys.Delta
	if !ev.IsMarker() {
		deltas = []keys.Delta{ev.Delta()}
	}
	return e.Inject(ev.Table, deltas, ev.Offset)
}

// LastOffset returns the offset of the last accepted ingest.
func (e *Engine) LastOffset() offset.Offset {
	e.ingestMu.Lock()
	defer e.ingestMu.Unlock()
	return e.last.Clone()
}
