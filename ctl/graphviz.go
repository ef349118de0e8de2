// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/server"
)

// GraphvizCommand prints a server's dataflow graph in dot format.
type GraphvizCommand struct {
	Host     string
	Detailed bool
	TLS      server.TLSConfig

	*ivm.CmdIO
}

// NewGraphvizCommand returns a new instance of GraphvizCommand.
func NewGraphvizCommand(stdin io.Reader, stdout, stderr io.Writer) *GraphvizCommand {
	return &GraphvizCommand{
		CmdIO: ivm.NewCmdIO(stdin, stdout, stderr),
	}
}

func (cmd *GraphvizCommand) Run(ctx context.Context) error {
	client, err := CommandClient(cmd)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	return client.Graphviz(ctx, cmd.Stdout, cmd.Detailed)
}

func (cmd *GraphvizCommand) TLSHost() string { return cmd.Host }

func (cmd *GraphvizCommand) TLSConfiguration() server.TLSConfig { return cmd.TLS }
