// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"io"
	"strings"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/server"
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
)

// ViewsCommand lists a server's views.
type ViewsCommand struct {
	Host string
	TLS  server.TLSConfig

	*ivm.CmdIO
}

// NewViewsCommand returns a new instance of ViewsCommand.
func NewViewsCommand(stdin io.Reader, stdout, stderr io.Writer) *ViewsCommand {
	return &ViewsCommand{
		CmdIO: ivm.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run prints a table with one row per view.
func (cmd *ViewsCommand) Run(ctx context.Context) error {
	client, err := CommandClient(cmd)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	views, err := client.Views(ctx)
	if err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.Stdout)

	// Don't uppercase the header values.
	t.Style().Format.Header = text.FormatDefault

	t.AppendHeader(table.Row{"name", "domain", "key", "partial", "offset"})
	for _, v := range views {
		t.AppendRow(table.Row{v.Name, v.Domain, strings.Join(v.Key, ","), v.Partial, v.Offset.String()})
	}
	t.Render()
	return nil
}

func (cmd *ViewsCommand) TLSHost() string { return cmd.Host }

func (cmd *ViewsCommand) TLSConfiguration() server.TLSConfig { return cmd.TLS }
