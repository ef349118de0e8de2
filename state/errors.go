// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package state

import (
	"fmt"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
)

const (
	ErrEvictPendingFill errors.Code = "EvictPendingFill"
	ErrEvictFullState   errors.Code = "EvictFullState"
	ErrUnknownIndex     errors.Code = "UnknownIndex"
)

func NewErrEvictPendingFill(r, pending keys.Range) error {
	return errors.New(ErrEvictPendingFill,
		fmt.Sprintf("eviction of %s overlaps pending fill %s", r, pending))
}

func NewErrEvictFullState() error {
	return errors.New(ErrEvictFullState, "cannot evict from fully materialized state")
}

func NewErrUnknownIndex(idx int) error {
	return errors.New(ErrUnknownIndex, fmt.Sprintf("unknown index: %d", idx))
}
