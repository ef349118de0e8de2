// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package keys holds the value model shared by every layer of the engine:
// typed values, keys and rows built from them, and the ranges over the key
// ordering that state coverage is tracked in.
package keys

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/featurebasedb/ivm/errors"
)

const (
	ErrInvalidValue errors.Code = "InvalidValue"
)

// Kind is the type tag of a Value. Values of different kinds order by kind,
// except Int and Float which compare numerically against each other.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is a single typed column value. The zero Value is Null.
type Value struct {
	kind Kind
	i    int64
	f    float64
	s    string
}

func Null() Value           { return Value{} }
func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Text(s string) Value   { return Value{kind: KindText, s: s} }

func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.i = 1
	}
	return v
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) AsBool() bool   { return v.kind == KindBool && v.i == 1 }
func (v Value) AsText() string { return v.s }

// AsInt returns the value as an integer; floats are truncated.
func (v Value) AsInt() int64 {
	if v.kind == KindFloat {
		return int64(v.f)
	}
	return v.i
}

// AsFloat returns the numeric value as a float64.
func (v Value) AsFloat() float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

func rank(k Kind) int {
	switch k {
	case KindNull:
		return 0
	case KindBool:
		return 1
	case KindInt, KindFloat:
		return 2
	default:
		return 3
	}
}

// Compare returns -1, 0 or 1.
func (v Value) Compare(o Value) int {
	if rv, ro := rank(v.kind), rank(o.kind); rv != ro {
		if rv < ro {
			return -1
		}
		return 1
	}
	switch v.kind {
	case KindNull:
		return 0
	case KindBool:
		return cmpInt(v.i, o.i)
	case KindText:
		switch {
		case v.s < o.s:
			return -1
		case v.s > o.s:
			return 1
		}
		return 0
	}
	switch {
	case v.kind == KindInt && o.kind == KindInt:
		return cmpInt(v.i, o.i)
	case v.kind == KindInt && !math.IsNaN(o.f):
		return cmpIntFloat(v.i, o.f)
	case o.kind == KindInt && !math.IsNaN(v.f):
		return -cmpIntFloat(o.i, v.f)
	}
	a, b := v.AsFloat(), o.AsFloat()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cmpIntFloat compares i with f exactly; converting i to a float would
// round above 2^53.
func cmpIntFloat(i int64, f float64) int {
	switch {
	case f >= 1<<63:
		return -1
	case f < -(1 << 63):
		return 1
	}
	t := math.Trunc(f)
	if c := cmpInt(i, int64(t)); c != 0 {
		return c
	}
	switch {
	case f > t:
		return -1
	case f < t:
		return 1
	}
	return 0
}

func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

// Size approximates the in-memory footprint of the value in bytes.
func (v Value) Size() int { return 32 + len(v.s) }

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindBool:
		return strconv.FormatBool(v.AsBool())
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return strconv.Quote(v.s)
	}
}

// integral reports whether a float value can be encoded as an int without
// changing how it compares.
func (v Value) integral() (int64, bool) {
	if v.kind != KindFloat || math.Trunc(v.f) != v.f || v.f >= 1<<63 || v.f < -(1<<63) {
		return 0, false
	}
	return int64(v.f), true
}

// appendEncoded writes a canonical encoding: two values encode identically
// iff they compare equal.
func (v Value) appendEncoded(buf *bytes.Buffer) {
	switch v.kind {
	case KindNull:
		buf.WriteByte('n')
	case KindBool:
		if v.AsBool() {
			buf.WriteString("t")
		} else {
			buf.WriteString("F")
		}
	case KindInt:
		buf.WriteByte('i')
		buf.WriteString(strconv.FormatInt(v.i, 10))
	case KindFloat:
		if i, ok := v.integral(); ok {
			buf.WriteByte('i')
			buf.WriteString(strconv.FormatInt(i, 10))
			break
		}
		buf.WriteByte('f')
		buf.WriteString(strconv.FormatFloat(v.f, 'g', -1, 64))
	case KindText:
		buf.WriteByte('s')
		buf.WriteString(strconv.Itoa(len(v.s)))
		buf.WriteByte(':')
		buf.WriteString(v.s)
	}
	buf.WriteByte(';')
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindBool:
		return json.Marshal(v.AsBool())
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, errors.New(ErrInvalidValue, fmt.Sprintf("cannot encode float %v", v.f))
		}
		return json.Marshal(v.f)
	default:
		return json.Marshal(v.s)
	}
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return errors.Wrap(err, "decoding value")
	}
	out, err := FromInterface(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// FromInterface converts a decoded JSON scalar (or a Go scalar) to a Value.
func FromInterface(raw interface{}) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return Value{}, errors.New(ErrInvalidValue, fmt.Sprintf("invalid number %q", x))
		}
		return Float(f), nil
	case int:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case float64:
		if i := int64(x); float64(i) == x {
			return Int(i), nil
		}
		return Float(x), nil
	case string:
		return Text(x), nil
	}
	return Value{}, errors.New(ErrInvalidValue, fmt.Sprintf("unsupported value type %T", raw))
}

// Values builds a slice of values from Go scalars. It panics on unsupported
// types and is meant for tests and literals.
func Values(vs ...interface{}) []Value {
	out := make([]Value, len(vs))
	for i, x := range vs {
		if v, ok := x.(Value); ok {
			out[i] = v
			continue
		}
		v, err := FromInterface(x)
		if err != nil {
			panic(err)
		}
		out[i] = v
	}
	return out
}
