// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package offset tracks how far into the upstream change stream a node's
// state reflects. Offsets are vectors with one component per upstream
// partition and are compared component-wise.
package offset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/featurebasedb/ivm/errors"
)

const (
	ErrOffsetRegression errors.Code = "OffsetRegression"
	ErrInvalidShard     errors.Code = "InvalidShard"
	ErrInvalidOffset    errors.Code = "InvalidOffset"
)

func NewErrOffsetRegression(shard int, current, next Offset) error {
	return errors.New(ErrOffsetRegression,
		fmt.Sprintf("offset for shard %d did not advance: current %s, got %s", shard, current, next))
}

func NewErrInvalidShard(shard, n int) error {
	return errors.New(ErrInvalidShard, fmt.Sprintf("shard %d out of range [0, %d)", shard, n))
}

// Offset is a position in the change stream. A single stream uses a vector
// of length one. Missing trailing components compare as zero.
type Offset []uint64

// Single returns a one-component offset.
func Single(n uint64) Offset { return Offset{n} }

// Ordering is the result of comparing two offsets.
type Ordering int

const (
	Less Ordering = iota
	Equal
	Greater
	// Concurrent means neither offset dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	}
	return "concurrent"
}

func (o Offset) at(i int) uint64 {
	if i < len(o) {
		return o[i]
	}
	return 0
}

// Compare compares a and b component-wise.
func Compare(a, b Offset) Ordering {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	var less, greater bool
	for i := 0; i < n; i++ {
		switch x, y := a.at(i), b.at(i); {
		case x < y:
			less = true
		case x > y:
			greater = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Less
	case greater:
		return Greater
	}
	return Equal
}

// Equal reports whether a and b are the same position.
func (o Offset) Equal(b Offset) bool { return Compare(o, b) == Equal }

// Same reports whether a and b are the same position, treating nil as unset
// and distinct from every reported offset.
func Same(a, b Offset) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return Compare(a, b) == Equal
}

// AtLeast reports whether o is equal to or after target in every component.
func (o Offset) AtLeast(target Offset) bool {
	c := Compare(o, target)
	return c == Equal || c == Greater
}

// Min returns the component-wise minimum of a and b.
func Min(a, b Offset) Offset {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(Offset, n)
	for i := range out {
		x, y := a.at(i), b.at(i)
		if y < x {
			x = y
		}
		out[i] = x
	}
	return out
}

// Max returns the component-wise maximum of a and b.
func Max(a, b Offset) Offset {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make(Offset, n)
	for i := range out {
		x, y := a.at(i), b.at(i)
		if y > x {
			x = y
		}
		out[i] = x
	}
	return out
}

// With returns a copy of o with component i set to v.
func (o Offset) With(i int, v uint64) Offset {
	n := len(o)
	if i >= n {
		n = i + 1
	}
	out := make(Offset, n)
	copy(out, o)
	out[i] = v
	return out
}

func (o Offset) Clone() Offset {
	if o == nil {
		return nil
	}
	return append(make(Offset, 0, len(o)), o...)
}

func (o Offset) String() string {
	if o == nil {
		return "none"
	}
	parts := make([]string, len(o))
	for i, v := range o {
		parts[i] = strconv.FormatUint(v, 10)
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Parse reads an offset written as "5", "[1,2]" or "1,2".
func Parse(s string) (Offset, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "["), "]"))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make(Offset, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, errors.New(ErrInvalidOffset, fmt.Sprintf("invalid offset %q", s))
		}
		out[i] = v
	}
	return out, nil
}
