// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ivm

import (
	"fmt"
	"time"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
)

const (
	ErrMiss         errors.Code = "Miss"
	ErrStale        errors.Code = "Stale"
	ErrUnknownView  errors.Code = "UnknownView"
	ErrInvalidKey   errors.Code = "InvalidKey"
	ErrEngineClosed errors.Code = "EngineClosed"
)

func NewErrMiss(view string, k keys.Key, retryAfter time.Duration) error {
	return errors.New(ErrMiss, fmt.Sprintf("%s%s is not materialized yet, retry after %s", view, k, retryAfter))
}

func NewErrStale(view string, current, want offset.Offset) error {
	return errors.New(ErrStale, fmt.Sprintf("%s is at offset %s, want %s", view, current, want))
}

func NewErrUnknownView(view string) error {
	return errors.New(ErrUnknownView, fmt.Sprintf("view '%s' does not exist", view))
}

func NewErrInvalidKey(view string, got, want int) error {
	return errors.New(ErrInvalidKey, fmt.Sprintf("view '%s' is keyed on %d columns, got %d", view, want, got))
}

func NewErrEngineClosed() error {
	return errors.New(ErrEngineClosed, "engine is closed")
}
