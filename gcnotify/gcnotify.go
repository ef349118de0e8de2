// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package gcnotify feeds garbage collection events to the eviction manager.
package gcnotify

import (
	"github.com/CAFxX/gcnotifier"
	"github.com/featurebasedb/ivm/eviction"
)

// Ensure ActiveGCNotifier implements interface.
var _ eviction.GCNotifier = &ActiveGCNotifier{}

type ActiveGCNotifier struct {
	gcn *gcnotifier.GCNotifier
}

// NewActiveGCNotifier creates an active GCNotifier.
func NewActiveGCNotifier() *ActiveGCNotifier {
	return &ActiveGCNotifier{
		gcn: gcnotifier.New(),
	}
}

// New returns a notifier as the eviction manager asks for one.
func New() eviction.GCNotifier { return NewActiveGCNotifier() }

func (n *ActiveGCNotifier) Close() {
	n.gcn.Close()
}

func (n *ActiveGCNotifier) AfterGC() <-chan struct{} {
	return n.gcn.AfterGC()
}
