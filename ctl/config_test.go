// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/featurebasedb/ivm/server"
)

func TestConfigCommand_Run(t *testing.T) {
	var buf bytes.Buffer
	cm := NewConfigCommand(nil, &buf, &bytes.Buffer{})
	cm.Config.Bind = "localhost:20201"
	cm.Config.Replication.Source = server.SourceKafka

	if err := cm.Run(context.Background()); err != nil {
		t.Fatalf("Config Run doesn't work: %s", err)
	}
	if !strings.Contains(buf.String(), "localhost:20201") || !strings.Contains(buf.String(), `source = "kafka"`) {
		t.Fatalf("Unexpected config: \n%s", buf.String())
	}

	cm.Config.Bind = ""
	if err := cm.Run(context.Background()); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}
