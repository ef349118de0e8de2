// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestGenerateConfigCommand_Run(t *testing.T) {
	buf := &bytes.Buffer{}
	cm := NewGenerateConfigCommand(nil, buf, &bytes.Buffer{})
	err := cm.Run(context.Background())
	if err != nil {
		t.Fatalf("Config Run doesn't work: %s", err)
	}
	for _, want := range []string{"localhost:10201", "[eviction]", "[replication.kafka]", `frontier = "none"`, `interval = "10s"`} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %q in config: %s", want, buf.String())
		}
	}
}
