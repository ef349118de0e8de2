// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keys

import (
	"bytes"
	"strings"
)

// Key is an ordered tuple of column values used to index state. Keys compare
// lexicographically; a strict prefix sorts first.
type Key []Value

// K is shorthand for building a key from Go scalars.
func K(vs ...interface{}) Key { return Key(Values(vs...)) }

func (k Key) Compare(o Key) int {
	n := len(k)
	if len(o) < n {
		n = len(o)
	}
	for i := 0; i < n; i++ {
		if c := k[i].Compare(o[i]); c != 0 {
			return c
		}
	}
	return cmpInt(int64(len(k)), int64(len(o)))
}

func (k Key) Equal(o Key) bool { return k.Compare(o) == 0 }

// Encode returns a canonical string form of the key, suitable as a map key.
func (k Key) Encode() string {
	var buf bytes.Buffer
	for _, v := range k {
		v.appendEncoded(&buf)
	}
	return buf.String()
}

func (k Key) String() string {
	if len(k) == 1 {
		return k[0].String()
	}
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Row is an ordered tuple of typed values.
type Row []Value

// R is shorthand for building a row from Go scalars.
func R(vs ...interface{}) Row { return Row(Values(vs...)) }

// Project builds the key formed by the given columns of the row.
func (r Row) Project(cols []int) Key {
	k := make(Key, len(cols))
	for i, c := range cols {
		if c < len(r) {
			k[i] = r[c]
		}
	}
	return k
}

func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Size approximates the in-memory footprint of the row.
func (r Row) Size() int {
	n := 24
	for _, v := range r {
		n += v.Size()
	}
	return n
}

func (r Row) String() string {
	parts := make([]string, len(r))
	for i, v := range r {
		parts[i] = v.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// Op is the kind of change a delta carries.
type Op uint8

const (
	Insert Op = iota
	Delete
)

func (o Op) String() string {
	if o == Delete {
		return "delete"
	}
	return "insert"
}

func (o Op) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Op) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "insert", "+", "":
		*o = Insert
	case "delete", "-":
		*o = Delete
	default:
		return NewErrInvalidOp(string(b))
	}
	return nil
}

// Delta is a single row change.
type Delta struct {
	Op  Op  `json:"op"`
	Row Row `json:"row"`
}

// Inserts wraps rows as insert deltas.
func Inserts(rows []Row) []Delta {
	out := make([]Delta, len(rows))
	for i, r := range rows {
		out[i] = Delta{Op: Insert, Row: r}
	}
	return out
}
