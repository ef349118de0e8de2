// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/featurebasedb/ivm/cmd"
	"github.com/stretchr/testify/require"
)

// ExecNewRootCommand executes the ivm root command with the given arguments
// and returns its output.
func ExecNewRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rc := cmd.NewRootCommand(strings.NewReader(""), &out, &out)
	rc.SetArgs(args)
	err := rc.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ivm.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestRootCommand(t *testing.T) {
	outStr, err := ExecNewRootCommand(t, "--help")
	require.NoError(t, err)
	if !strings.Contains(outStr, "Usage:") ||
		!strings.Contains(outStr, "Available Commands:") ||
		!strings.Contains(outStr, "--help") {
		t.Fatalf("Expected standard usage message from RootCommand, but got: %s", outStr)
	}
	for _, sub := range []string{"server", "migrate", "import", "lookup", "views", "graphviz", "generate-config"} {
		if !strings.Contains(outStr, sub) {
			t.Fatalf("expected subcommand %q in: %s", sub, outStr)
		}
	}
}

func TestGenerateConfigRoundTrip(t *testing.T) {
	out, err := ExecNewRootCommand(t, "generate-config")
	require.NoError(t, err)

	// The generated file is accepted as is.
	path := writeConfig(t, out)
	_, err = ExecNewRootCommand(t, "server", "--dry-run", "--config", path)
	require.EqualError(t, err, "dry run")
}

func TestBadConfigFile(t *testing.T) {
	path := writeConfig(t, "bind = \"localhost:1\"\nmax-writes-per-request = 3\n")
	_, err := ExecNewRootCommand(t, "server", "--dry-run", "--config", path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid option in configuration file: max-writes-per-request")

	_, err = ExecNewRootCommand(t, "server", "--config", filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "error reading configuration file")
}
