// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/server"
)

// MigrateCommand applies a graph diff read from a JSON file.
type MigrateCommand struct {
	Host string

	// Path to the diff. "-" reads stdin.
	Path string

	TLS server.TLSConfig

	*ivm.CmdIO
}

// NewMigrateCommand returns a new instance of MigrateCommand.
func NewMigrateCommand(stdin io.Reader, stdout, stderr io.Writer) *MigrateCommand {
	return &MigrateCommand{
		CmdIO: ivm.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run reads the diff and sends it.
func (cmd *MigrateCommand) Run(ctx context.Context) error {
	var r io.Reader
	switch cmd.Path {
	case "":
		return errors.Errorf("path required")
	case "-":
		r = cmd.Stdin
	default:
		f, err := os.Open(cmd.Path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	var diff dataflow.Diff
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&diff); err != nil {
		return errors.Wrap(err, "decoding migration")
	}

	client, err := CommandClient(cmd)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	ack, err := client.Migrate(ctx, diff)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.Stdout, "version %d\n", ack.Version)
	if len(ack.Added) > 0 {
		fmt.Fprintf(cmd.Stdout, "added: %s\n", strings.Join(ack.Added, ", "))
	}
	if len(ack.Removed) > 0 {
		fmt.Fprintf(cmd.Stdout, "removed: %s\n", strings.Join(ack.Removed, ", "))
	}
	return nil
}

func (cmd *MigrateCommand) TLSHost() string { return cmd.Host }

func (cmd *MigrateCommand) TLSConfiguration() server.TLSConfig { return cmd.TLS }
