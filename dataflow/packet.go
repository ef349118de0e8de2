// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"time"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/readermap"
)

// NoNode marks a message that did not come from a node, i.e. one injected by
// the ingestion path.
const NoNode = NodeID(^uint32(0))

// Packet is the closed set of things a domain's queue carries.
type Packet interface {
	packet()
}

// Message carries deltas from one node to another. Offset is the position
// in the change stream the deltas bring the sender to.
type Message struct {
	From   NodeID
	To     NodeID
	Deltas []keys.Delta
	Offset offset.Offset
}

// OffsetMarker advances a node's offset without carrying deltas.
type OffsetMarker struct {
	From   NodeID
	To     NodeID
	Offset offset.Offset
}

// ReplayRequest asks another domain to compute the rows of Node whose Cols
// fall in Range. Chain lists the replays this request is serving.
type ReplayRequest struct {
	Tag   uint64
	Key   string
	Chain []uint64
	From  DomainID
	Node  NodeID
	Cols  []int
	Range keys.Range
}

// ReplayResponse answers a ReplayRequest on the requester's queue, ordered
// after every message the responder sent before it.
type ReplayResponse struct {
	Tag  uint64
	Key  string
	Rows []keys.Row
	Err  error
}

// ReaderMiss asks the domain owning a reader to fill the hole around Key.
// Done receives nil once the key is materialized and published.
type ReaderMiss struct {
	Node NodeID
	Key  keys.Key
	Done chan error
}

// EvictRequest asks a domain to evict Ranges from a node's index. A
// Propagated request comes from an evicted ancestor instead: Cols are the
// node's columns the ranges are over, and Mapped false means the ancestor's
// columns do not map onto the node, so all of its partial state goes.
type EvictRequest struct {
	Node       NodeID
	Index      int
	Ranges     []keys.Range
	Propagated bool
	Cols       []int
	Mapped     bool
	Done       chan EvictResult
}

// EvictResult summarizes an eviction at its first node.
type EvictResult struct {
	Keys  int
	Rows  int
	Bytes int
	Err   error
}

// Install brings a domain up to date after a migration.
type Install struct {
	Graph    *Graph
	Added    []NodeID
	NewState []NodeID
	Indexes  map[NodeID][][]int
	Removed  []NodeID
	Trackers map[NodeID]*offset.Tracker
	Writers  map[NodeID]*readermap.Writer
	Done     chan error
}

// StatsRequest collects state statistics for the eviction manager.
type StatsRequest struct {
	Done chan []NodeStats
}

// NodeStats describes the materialized state of one node.
type NodeStats struct {
	Node           NodeID
	Name           string
	Domain         DomainID
	Partial        bool
	BeyondFrontier bool
	Rows           int
	Bytes          int
	Pending        int
	Segments       []SegmentStats
	// PendingRanges are the ranges with fills in flight.
	PendingRanges []PendingRange
}

// PendingRange is a range of one index awaiting an upquery response.
type PendingRange struct {
	Index int
	Range keys.Range
}

// SegmentStats describes one evictable unit.
type SegmentStats struct {
	Index      int
	Range      keys.Range
	Filled     time.Time
	LastAccess time.Time
	Bytes      int
}

func (*Message) packet()        {}
func (*OffsetMarker) packet()   {}
func (*ReplayRequest) packet()  {}
func (*ReplayResponse) packet() {}
func (*ReaderMiss) packet()     {}
func (*EvictRequest) packet()   {}
func (*Install) packet()        {}
func (*StatsRequest) packet()   {}
