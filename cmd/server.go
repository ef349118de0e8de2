// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Server is global so that tests can control and verify it.
var Server *server.Command

func newServeCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Server = server.NewCommand(stdin, stdout, stderr)
	serveCmd := &cobra.Command{
		Use:   "server",
		Short: "Run ivm.",
		Long: `ivm server runs the engine.

It reinstalls the dataflow graph recorded in the data directory,
replays replication from the configured source, and starts listening
for client connections on the configured address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(Server.Stderr, "%s\n", ivm.VersionInfo())

			// Execute the program.
			if err := Server.Start(); err != nil {
				_ = Server.Close()
				return fmt.Errorf("running server: %v", err)
			}

			stopped := make(chan error, 1)
			go func() { stopped <- Server.Wait() }()

			// First SIGKILL causes server to shut down gracefully.
			c := make(chan os.Signal, 2)
			signal.Notify(c, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(c)
			select {
			case sig := <-c:
				fmt.Fprintf(Server.Stderr, "Received %s; gracefully shutting down...\n", sig.String())

				// Second signal causes a hard shutdown.
				go func() { <-c; os.Exit(1) }()

				return Server.Close()
			case <-Server.Done():
				fmt.Fprintf(Server.Stderr, "Server closed externally\n")
			case err := <-stopped:
				if cerr := Server.Close(); err == nil {
					err = cerr
				}
				return err
			}
			return nil
		},
	}

	// Attach flag set to the command.
	serverFlagSet(serveCmd.Flags(), Server.Config)
	return serveCmd
}

// serverFlagSet binds every server config option to a flag named after its
// path in the config file.
func serverFlagSet(flags *pflag.FlagSet, srv *server.Config) {
	flags.StringVarP(&srv.DataDir, "data-dir", "d", srv.DataDir, "Directory to store the recipe store and write log in.")
	flags.StringVarP(&srv.Bind, "bind", "b", srv.Bind, "Default URI on which ivm should listen.")
	flags.StringVar(&srv.LogPath, "log-path", srv.LogPath, "Log path")
	flags.BoolVar(&srv.Verbose, "verbose", srv.Verbose, "Enable verbose logging")
	flags.BoolVar(&srv.RedactSensitive, "redact-sensitive", srv.RedactSensitive, "Hide keys and row values in logs.")

	// Handler
	flags.StringSliceVar(&srv.Handler.AllowedOrigins, "handler.allowed-origins", srv.Handler.AllowedOrigins, "Comma separated list of allowed origin URIs (for CORS/Web UI).")
	flags.Var(&srv.Handler.LongQueryTime, "handler.long-query-time", "Duration above which a request is logged as slow.")
	flags.Var(&srv.Handler.CloseTimeout, "handler.close-timeout", "Time to wait for in-flight requests on shutdown.")

	// TLS
	flags.StringVar(&srv.TLS.CertificatePath, "tls.certificate", srv.TLS.CertificatePath, "TLS certificate path (usually has the .crt or .pem extension)")
	flags.StringVar(&srv.TLS.CertificateKeyPath, "tls.key", srv.TLS.CertificateKeyPath, "TLS certificate key path (usually has the .key extension)")
	flags.StringVar(&srv.TLS.CACertPath, "tls.ca-certificate", srv.TLS.CACertPath, "TLS CA certificate path (usually has the .crt or .pem extension)")
	flags.BoolVar(&srv.TLS.SkipVerify, "tls.skip-verify", srv.TLS.SkipVerify, "Skip TLS certificate verification (not secure)")
	flags.BoolVar(&srv.TLS.EnableClientVerification, "tls.enable-client-verification", srv.TLS.EnableClientVerification, "Enable TLS certificate verification for incoming connections")

	// Lookup
	flags.Var(&srv.Lookup.Timeout, "lookup.timeout", "How long a lookup waits for a fill or for replication to catch up.")
	flags.Var(&srv.Lookup.RetryAfter, "lookup.retry-after", "Retry hint returned with a miss.")
	flags.Float64Var(&srv.Lookup.FillsPerSecond, "lookup.fills-per-second", srv.Lookup.FillsPerSecond, "Rate at which misses may start upqueries; 0 is unlimited.")
	flags.IntVar(&srv.Lookup.FillBurst, "lookup.fill-burst", srv.Lookup.FillBurst, "Upqueries that may start at once above the fill rate.")

	// Dataflow
	flags.BoolVar(&srv.Dataflow.Partial, "dataflow.partial", srv.Dataflow.Partial, "Allow partially materialized state.")
	flags.BoolVar(&srv.Dataflow.AllowFull, "dataflow.allow-full", srv.Dataflow.AllowFull, "Allow fully materialized state where partial state is impossible.")
	flags.Var(&srv.Dataflow.Frontier, "dataflow.frontier", "Materialization frontier: none, all-partial or readers.")
	flags.Var(&srv.Dataflow.UpqueryTimeout, "dataflow.upquery-timeout", "How long a domain waits for an upquery response.")
	flags.Var(&srv.Dataflow.SweepInterval, "dataflow.sweep-interval", "Interval at which timed out upqueries are swept.")

	// Eviction
	flags.BoolVar(&srv.Eviction.Enabled, "eviction.enabled", srv.Eviction.Enabled, "Run the eviction manager.")
	flags.Var(&srv.Eviction.Interval, "eviction.interval", "Interval at which eviction runs.")
	flags.IntVar(&srv.Eviction.NodeBudget, "eviction.node-budget", srv.Eviction.NodeBudget, "Bytes of state each node may hold; 0 is unlimited.")
	flags.Uint64Var(&srv.Eviction.MemoryLimit, "eviction.memory-limit", srv.Eviction.MemoryLimit, "Process memory above which eviction starts; 0 disables.")
	flags.Var(&srv.Eviction.IdleAfter, "eviction.idle-after", "Evict segments not read for this long.")
	flags.Float64Var(&srv.Eviction.EvictionsPerSecond, "eviction.evictions-per-second", srv.Eviction.EvictionsPerSecond, "Rate of eviction messages; 0 is unlimited.")
	flags.IntVar(&srv.Eviction.Burst, "eviction.burst", srv.Eviction.Burst, "Eviction messages that may be sent at once above the rate.")

	// Replication
	flags.StringVar(&srv.Replication.Source, "replication.source", srv.Replication.Source, "Where replication events come from: none, log or kafka.")
	flags.StringVar(&srv.Replication.Stream, "replication.stream", srv.Replication.Stream, "Write log stream to replicate from.")
	flags.Var(&srv.Replication.PollInterval, "replication.poll-interval", "Interval at which the write log is polled.")
	flags.StringSliceVar(&srv.Replication.Kafka.Hosts, "replication.kafka.hosts", srv.Replication.Kafka.Hosts, "Comma separated list of kafka brokers.")
	flags.StringVar(&srv.Replication.Kafka.Topic, "replication.kafka.topic", srv.Replication.Kafka.Topic, "Kafka topic to replicate from.")
	flags.StringVar(&srv.Replication.Kafka.Group, "replication.kafka.group", srv.Replication.Kafka.Group, "Kafka consumer group.")
	flags.IntVar(&srv.Replication.Kafka.Partitions, "replication.kafka.partitions", srv.Replication.Kafka.Partitions, "Number of topic partitions, one offset shard each.")
	flags.BoolVar(&srv.Replication.Kafka.SkipOld, "replication.kafka.skip-old", srv.Replication.Kafka.SkipOld, "Start from the newest message instead of the oldest.")

	// Tracing
	flags.StringVar(&srv.Tracing.AgentHostPort, "tracing.agent-host-port", srv.Tracing.AgentHostPort, "Jaeger agent host:port; tracing is off when empty.")
	flags.StringVar(&srv.Tracing.SamplerType, "tracing.sampler-type", srv.Tracing.SamplerType, "Jaeger sampler type (remote, const, probabilistic, ratelimiting).")
	flags.Float64Var(&srv.Tracing.SamplerParam, "tracing.sampler-param", srv.Tracing.SamplerParam, "Jaeger sampler parameter.")
}
