// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"

	"github.com/featurebasedb/ivm/errors"
)

const (
	ErrUnknownNode     errors.Code = "UnknownNode"
	ErrUnknownDomain   errors.Code = "UnknownDomain"
	ErrDuplicateNode   errors.Code = "DuplicateNode"
	ErrInvalidNode     errors.Code = "InvalidNode"
	ErrNodeHasChildren errors.Code = "NodeHasChildren"
	ErrUnsupported     errors.Code = "Unsupported"
	ErrUpqueryTimeout  errors.Code = "UpqueryTimeout"
	ErrNotReader       errors.Code = "NotReader"
	ErrRuntimeClosed   errors.Code = "RuntimeClosed"
)

func NewErrUnknownNode(name string) error {
	return errors.New(ErrUnknownNode, fmt.Sprintf("node '%s' does not exist", name))
}

func NewErrUnknownDomain(d DomainID) error {
	return errors.New(ErrUnknownDomain, fmt.Sprintf("domain %d is not running", d))
}

func NewErrDuplicateNode(name string) error {
	return errors.New(ErrDuplicateNode, fmt.Sprintf("node '%s' already exists", name))
}

func NewErrInvalidNode(name, reason string) error {
	return errors.New(ErrInvalidNode, fmt.Sprintf("invalid node '%s': %s", name, reason))
}

func NewErrNodeHasChildren(name, child string) error {
	return errors.New(ErrNodeHasChildren, fmt.Sprintf("node '%s' still feeds '%s'", name, child))
}

func NewErrUnsupported(reason string) error {
	return errors.New(ErrUnsupported, reason)
}

func NewErrUpqueryTimeout(node string) error {
	return errors.New(ErrUpqueryTimeout, fmt.Sprintf("upquery for '%s' timed out", node))
}

func NewErrNotReader(name string) error {
	return errors.New(ErrNotReader, fmt.Sprintf("node '%s' is not a reader", name))
}

func NewErrRuntimeClosed() error {
	return errors.New(ErrRuntimeClosed, "dataflow runtime is closed")
}
