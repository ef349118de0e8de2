// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/readermap"
	"golang.org/x/sync/errgroup"
)

// Config configures a Runtime.
type Config struct {
	Materialization MaterializationConfig
	// UpqueryTimeout bounds how long a fill may stay pending.
	UpqueryTimeout time.Duration
	// SweepInterval is how often domains look for expired fills.
	SweepInterval time.Duration
	Logger        logger.Logger
	Clock         func() time.Time
}

// DefaultConfig returns the default runtime configuration.
func DefaultConfig() Config {
	return Config{
		Materialization: DefaultMaterializationConfig(),
		UpqueryTimeout:  5 * time.Second,
		SweepInterval:   250 * time.Millisecond,
		Logger:          logger.NopLogger,
		Clock:           time.Now,
	}
}

// View is a reader node as seen by lookups.
type View struct {
	Name    string
	Node    NodeID
	Domain  DomainID
	Key     []int
	Columns []string
	Partial bool
	Handle  *readermap.Handle
	Offset  *offset.Tracker
}

// Runtime owns the graph and the domains running it.
type Runtime struct {
	cfg    Config
	logger logger.Logger

	// migrating serializes migrations. mu guards the fields below it and is
	// never held while waiting on a domain.
	migrating sync.Mutex
	mu        sync.RWMutex
	graph     *Graph
	domains   map[DomainID]*Domain
	views     map[string]*View
	bases     map[string]NodeID
	closed    bool

	tags   atomic.Uint64
	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group
}

// NewRuntime returns a runtime with an empty graph.
func NewRuntime(cfg Config) *Runtime {
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.UpqueryTimeout <= 0 {
		cfg.UpqueryTimeout = DefaultConfig().UpqueryTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	return &Runtime{
		cfg:     cfg,
		logger:  cfg.Logger,
		graph:   NewGraph(),
		domains: make(map[DomainID]*Domain),
		views:   make(map[string]*View),
		bases:   make(map[string]NodeID),
		ctx:     ctx,
		cancel:  cancel,
		eg:      eg,
	}
}

func (r *Runtime) send(d DomainID, p Packet) error {
	r.mu.RLock()
	dom, ok := r.domains[d]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return NewErrRuntimeClosed()
	}
	if !ok {
		return NewErrUnknownDomain(d)
	}
	if !dom.box.push(p) {
		return NewErrRuntimeClosed()
	}
	return nil
}

// Graph returns the current graph. It must not be modified.
func (r *Runtime) Graph() *Graph {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.graph
}

// Migrate applies a diff, plans materialization for the new nodes and
// installs them in their domains. A diff that fails validation or planning
// leaves the graph unchanged.
func (r *Runtime) Migrate(ctx context.Context, diff Diff) (Changes, error) {
	r.migrating.Lock()
	defer r.migrating.Unlock()

	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return Changes{}, NewErrRuntimeClosed()
	}
	g := r.graph.Clone()
	r.mu.RUnlock()

	ch, err := g.Apply(diff)
	if err != nil {
		return Changes{}, err
	}
	plan, err := Plan(g, r.cfg.Materialization, ch)
	if err != nil {
		return Changes{}, err
	}

	trackers := make(map[NodeID]*offset.Tracker)
	writers := make(map[NodeID]*readermap.Writer)
	views := make(map[string]*View)
	bases := make(map[string]NodeID)
	for _, id := range ch.Added {
		n := g.Node(id)
		trackers[id] = offset.NewTracker(len(n.Parents))
		switch op := n.Op.(type) {
		case *Reader:
			w, h := readermap.New(nil)
			writers[id] = w
			views[n.Name] = &View{
				Name:    n.Name,
				Node:    id,
				Domain:  n.Domain,
				Key:     op.Key,
				Columns: n.Columns,
				Partial: n.Materialization == Partial,
				Handle:  h,
				Offset:  trackers[id],
			}
		case *Base:
			bases[op.Table] = id
		}
	}

	r.mu.Lock()
	r.graph = g
	for _, id := range ch.Removed {
		n := g.Node(id)
		delete(r.views, n.Name)
		if b, ok := n.Op.(*Base); ok && r.bases[b.Table] == id {
			delete(r.bases, b.Table)
		}
	}
	for name, v := range views {
		r.views[name] = v
	}
	for table, id := range bases {
		r.bases[table] = id
	}
	for _, d := range g.Domains() {
		if _, ok := r.domains[d]; !ok {
			dom := newDomain(d, r, &r.tags, r.cfg)
			r.domains[d] = dom
			r.eg.Go(func() error { return dom.Run(r.ctx) })
		}
	}
	doms := make([]*Domain, 0, len(r.domains))
	for _, dom := range r.domains {
		doms = append(doms, dom)
	}
	r.mu.Unlock()

	dones := make([]chan error, len(doms))
	for i, dom := range doms {
		dones[i] = make(chan error, 1)
		dom.box.push(&Install{
			Graph:    g,
			Added:    ch.Added,
			NewState: plan.NewState,
			Indexes:  plan.Indexes,
			Removed:  ch.Removed,
			Trackers: trackers,
			Writers:  writers,
			Done:     dones[i],
		})
	}
	for _, done := range dones {
		select {
		case err := <-done:
			if err != nil {
				return ch, err
			}
		case <-ctx.Done():
			return ch, ctx.Err()
		case <-r.ctx.Done():
			return ch, NewErrRuntimeClosed()
		}
	}
	r.logger.Infof("migration added %d nodes, removed %d", len(ch.Added), len(ch.Removed))
	return ch, nil
}

// View returns the reader named name.
func (r *Runtime) View(name string) (*View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.views[name]
	if !ok {
		if _, exists := r.graph.Lookup(name); exists {
			return nil, NewErrNotReader(name)
		}
		return nil, NewErrUnknownNode(name)
	}
	return v, nil
}

// Views returns every reader, sorted by name.
func (r *Runtime) Views() []*View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tables returns the tables that have base nodes.
func (r *Runtime) Tables() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.bases))
	for t := range r.bases {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Inject feeds deltas for table into its base node, bringing it to off.
// Every other base is advanced to off too, so offsets keep moving on paths
// the deltas do not touch. Calls must not be concurrent.
func (r *Runtime) Inject(table string, deltas []keys.Delta, off offset.Offset) error {
	r.mu.RLock()
	target, ok := r.bases[table]
	g := r.graph
	ids := make([]NodeID, 0, len(r.bases))
	for _, id := range r.bases {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	if !ok && table != "" {
		return NewErrUnknownNode(table)
	}
	sortIDs(ids)
	for _, id := range ids {
		n := g.Node(id)
		var p Packet
		switch {
		case id == target && ok:
			p = &Message{From: NoNode, To: id, Deltas: deltas, Offset: off}
		case off != nil:
			p = &OffsetMarker{From: NoNode, To: id, Offset: off}
		default:
			continue
		}
		if err := r.send(n.Domain, p); err != nil {
			return err
		}
	}
	return nil
}

// Advance moves every base to off without changing data.
func (r *Runtime) Advance(off offset.Offset) error {
	return r.Inject("", nil, off)
}

// Fill asks the domain of view to materialize the hole around k and waits
// for the result to be published.
func (r *Runtime) Fill(ctx context.Context, view string, k keys.Key) error {
	v, err := r.View(view)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.send(v.Domain, &ReaderMiss{Node: v.Node, Key: k, Done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return NewErrRuntimeClosed()
	}
}

// Evict removes ranges from one index of a partial node and every partial
// descendant that depends on them.
func (r *Runtime) Evict(ctx context.Context, node NodeID, index int, ranges []keys.Range) (EvictResult, error) {
	r.mu.RLock()
	n := r.graph.Node(node)
	r.mu.RUnlock()
	if n == nil || n.Removed {
		return EvictResult{}, NewErrUnknownNode(fmt.Sprintf("%d", node))
	}
	done := make(chan EvictResult, 1)
	if err := r.send(n.Domain, &EvictRequest{Node: node, Index: index, Ranges: ranges, Done: done}); err != nil {
		return EvictResult{}, err
	}
	select {
	case res := <-done:
		return res, res.Err
	case <-ctx.Done():
		return EvictResult{}, ctx.Err()
	case <-r.ctx.Done():
		return EvictResult{}, NewErrRuntimeClosed()
	}
}

// Stats collects state statistics from every domain.
func (r *Runtime) Stats(ctx context.Context) ([]NodeStats, error) {
	r.mu.RLock()
	ids := make([]DomainID, 0, len(r.domains))
	for id := range r.domains {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []NodeStats
	for _, id := range ids {
		done := make(chan []NodeStats, 1)
		if err := r.send(id, &StatsRequest{Done: done}); err != nil {
			return nil, err
		}
		select {
		case st := <-done:
			out = append(out, st...)
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.ctx.Done():
			return nil, NewErrRuntimeClosed()
		}
	}
	return out, nil
}

// Graphviz writes the current graph in dot format.
func (r *Runtime) Graphviz(w io.Writer, detailed bool) error {
	return WriteGraphviz(w, r.Graph(), detailed)
}

// Close stops every domain and waits for them to exit.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	return r.eg.Wait()
}
