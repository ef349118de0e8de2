// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keys

import (
	"fmt"

	"github.com/featurebasedb/ivm/errors"
)

const (
	ErrInvalidOp    errors.Code = "InvalidOp"
	ErrInvalidRange errors.Code = "InvalidRange"
)

func NewErrInvalidOp(op string) error {
	return errors.New(ErrInvalidOp, fmt.Sprintf("invalid delta op: %q", op))
}

func NewErrInvalidRange(r Range) error {
	return errors.New(ErrInvalidRange, fmt.Sprintf("invalid range: %s", r))
}
