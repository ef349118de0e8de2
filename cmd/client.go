// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"

	"github.com/featurebasedb/ivm/ctl"
	"github.com/featurebasedb/ivm/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const defaultHost = "localhost:10201"

func clientFlags(flags *pflag.FlagSet, host *string, tls *server.TLSConfig) {
	flags.StringVarP(host, "host", "", defaultHost, "host:port of ivm.")
	ctl.SetTLSConfig(flags, "", &tls.CertificatePath, &tls.CertificateKeyPath, &tls.CACertPath, &tls.SkipVerify, &tls.EnableClientVerification)
}

var Migrator *ctl.MigrateCommand

func newMigrateCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Migrator = ctl.NewMigrateCommand(stdin, stdout, stderr)
	migrateCmd := &cobra.Command{
		Use:   "migrate PATH",
		Short: "Change the dataflow graph.",
		Long: `Applies a graph diff to a running server. The diff is a JSON
object with an "add" list of node specs and a "remove" list of node
names. A PATH of "-" reads the diff from stdin.
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			Migrator.Path = args[0]
			return Migrator.Run(context.Background())
		},
	}
	clientFlags(migrateCmd.Flags(), &Migrator.Host, &Migrator.TLS)
	return migrateCmd
}

var Importer *ctl.ImportCommand

func newImportCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Importer = ctl.NewImportCommand(stdin, stdout, stderr)
	importCmd := &cobra.Command{
		Use:   "import PATH...",
		Short: "Send replication events to a server.",
		Long: `Sends rows to a running server as replication events, in order.

A file ending in .json holds an array of events:

	[{"offset": [1], "table": "users", "op": "insert", "row": [1, "paris"]}]

Any other file is CSV without headers, one row per line. Its rows are
inserted into --table at consecutive offsets starting from --offset.
Values are read as JSON where they parse and as text otherwise.
`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			Importer.Paths = args
			return Importer.Run(context.Background())
		},
	}

	flags := importCmd.Flags()
	clientFlags(flags, &Importer.Host, &Importer.TLS)
	flags.StringVarP(&Importer.Table, "table", "t", "", "Base table CSV rows belong to.")
	flags.Uint64Var(&Importer.Offset, "offset", 1, "Offset of the first CSV row.")
	flags.BoolVar(&Importer.Delete, "delete", false, "Delete the CSV rows instead of inserting them.")
	flags.IntVarP(&Importer.BufferSize, "buffer-size", "s", Importer.BufferSize, "Number of events sent per request.")
	return importCmd
}

var Lookuper *ctl.LookupCommand

func newLookupCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Lookuper = ctl.NewLookupCommand(stdin, stdout, stderr)
	lookupCmd := &cobra.Command{
		Use:   "lookup VIEW KEY...",
		Short: "Read a key from a view.",
		Long: `Reads the rows of VIEW whose key equals KEY, one argument per key
column, and prints the result as JSON. A miss is retried after the
server's hint up to --retries times.
`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			Lookuper.View = args[0]
			Lookuper.Key = args[1:]
			return Lookuper.Run(context.Background())
		},
	}

	flags := lookupCmd.Flags()
	clientFlags(flags, &Lookuper.Host, &Lookuper.TLS)
	flags.StringVar(&Lookuper.Offset, "offset", "", "Minimum offset the answer must reflect, e.g. 12 or 12,7.")
	flags.IntVar(&Lookuper.Retries, "retries", 3, "Times to retry a miss.")
	return lookupCmd
}

var Viewer *ctl.ViewsCommand

func newViewsCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Viewer = ctl.NewViewsCommand(stdin, stdout, stderr)
	viewsCmd := &cobra.Command{
		Use:   "views",
		Short: "List the views of a server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Viewer.Run(context.Background())
		},
	}
	clientFlags(viewsCmd.Flags(), &Viewer.Host, &Viewer.TLS)
	return viewsCmd
}

var Grapher *ctl.GraphvizCommand

func newGraphvizCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Grapher = ctl.NewGraphvizCommand(stdin, stdout, stderr)
	graphvizCmd := &cobra.Command{
		Use:   "graphviz",
		Short: "Print the dataflow graph in dot format.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return Grapher.Run(context.Background())
		},
	}
	flags := graphvizCmd.Flags()
	clientFlags(flags, &Grapher.Host, &Grapher.TLS)
	flags.BoolVar(&Grapher.Detailed, "detailed", false, "Include columns, keys and materialization.")
	return graphvizCmd
}
