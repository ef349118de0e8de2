// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package server contains the `ivm server` subcommand which runs the
// engine. The purpose of this package is to define an easily tested Command
// object which handles interpreting configuration and setting up all the
// objects that ivm needs.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/boltdb"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/http"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/replication"
	"github.com/featurebasedb/ivm/tracing"
	"github.com/featurebasedb/ivm/tracing/opentracing"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"golang.org/x/sync/errgroup"
)

// Command represents the state of the ivm server command.
type Command struct {
	Engine *ivm.Engine

	// Configuration.
	Config *Config

	// Standard input/output
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	logOutput io.Writer
	logger    logger.Logger

	db       *boltdb.DB
	handler  *http.Handler
	ln       net.Listener
	writeLog *replication.WriteLog
	source   replication.Source
	tracer   io.Closer
	certs    *certReloader

	ctx    context.Context
	cancel context.CancelFunc
	eg     *errgroup.Group

	closeOnce sync.Once
	closeErr  error

	// Started will be closed once Command.Start is finished.
	Started chan struct{}
	// done will be closed when Command.Close() is called
	done chan struct{}
}

// NewCommand returns a new instance of Command.
func NewCommand(stdin io.Reader, stdout, stderr io.Writer) *Command {
	return &Command{
		Config: NewConfig(),

		Stdin:  stdin,
		Stdout: stdout,
		Stderr: stderr,

		Started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start opens the engine, starts replication and starts serving HTTP.
func (m *Command) Start() (err error) {
	defer close(m.Started)
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.eg, m.ctx = errgroup.WithContext(m.ctx)

	if err := m.Config.Validate(); err != nil {
		return errors.Wrap(err, "validating config")
	}
	prefix := "~" + string(filepath.Separator)
	if strings.HasPrefix(m.Config.DataDir, prefix) {
		HomeDir := os.Getenv("HOME")
		if HomeDir == "" {
			return errors.Errorf("data directory not specified and no home dir available")
		}
		m.Config.DataDir = filepath.Join(HomeDir, strings.TrimPrefix(m.Config.DataDir, prefix))
	}
	if err := os.MkdirAll(m.Config.DataDir, 0750); err != nil {
		return errors.Wrap(err, "creating data directory")
	}

	if err := m.setupLogger(); err != nil {
		return errors.Wrap(err, "setting up logger")
	}
	if err := m.setupTracing(); err != nil {
		return errors.Wrap(err, "setting up tracing")
	}

	m.db, err = boltdb.NewSvcBolt(m.Config.DataDir, "ivm", boltdb.RecipeBuckets...)
	if err != nil {
		return errors.Wrap(err, "opening recipe store")
	}

	cfg := m.Config.EngineConfig()
	cfg.Logger = m.logger
	cfg.Recipes = boltdb.NewRecipeStore(m.db, m.logger)
	m.Engine = ivm.NewEngine(cfg)
	if err := m.Engine.Open(m.ctx); err != nil {
		return errors.Wrap(err, "opening engine")
	}

	if err := m.setupReplication(); err != nil {
		return errors.Wrap(err, "setting up replication")
	}

	if err := m.setupHandler(); err != nil {
		return errors.Wrap(err, "setting up handler")
	}

	m.eg.Go(m.handler.Serve)
	if m.source != nil {
		ingester := replication.NewIngester(m.source, m.Engine, m.logger)
		m.eg.Go(func() error {
			err := ingester.Run(m.ctx)
			if err != nil {
				m.logger.Errorf("replication stopped: %v", err)
				go m.Close()
			}
			return err
		})
	}

	m.logger.Printf("%s", ivm.VersionInfo())
	m.logger.Printf("using data from: %s", m.Config.DataDir)
	m.logger.Printf("listening as %s", m.URL())
	return nil
}

// setupLogger sets up the logger based on the configuration.
func (m *Command) setupLogger() error {
	if m.Config.LogPath == "" {
		m.logOutput = m.Stderr
	} else {
		f, err := logger.NewFileWriter(m.Config.LogPath)
		if err != nil {
			return errors.Wrap(err, "opening file")
		}
		m.logOutput = f
	}

	logger.SetRedactSensitive(m.Config.RedactSensitive)
	if m.Config.Verbose {
		m.logger = logger.NewVerboseLogger(m.logOutput)
	} else {
		m.logger = logger.NewStandardLogger(m.logOutput)
	}
	return nil
}

func (m *Command) setupTracing() error {
	if m.Config.Tracing.AgentHostPort == "" {
		return nil
	}
	cfg := jaegercfg.Configuration{
		ServiceName: "ivm",
		Sampler: &jaegercfg.SamplerConfig{
			Type:  m.Config.Tracing.SamplerType,
			Param: m.Config.Tracing.SamplerParam,
		},
		Reporter: &jaegercfg.ReporterConfig{
			LocalAgentHostPort: m.Config.Tracing.AgentHostPort,
		},
	}
	tracer, closer, err := cfg.NewTracer()
	if err != nil {
		return errors.Wrap(err, "initializing jaeger tracer")
	}
	m.tracer = closer
	tracing.GlobalTracer = opentracing.NewTracer(tracer, m.logger)
	return nil
}

func (m *Command) setupReplication() error {
	switch m.Config.Replication.Source {
	case SourceLog:
		m.writeLog = replication.NewWriteLog(filepath.Join(m.Config.DataDir, "wl"), m.logger)
		src := replication.NewLogSource(m.writeLog, m.Config.Replication.Stream)
		src.PollInterval = time.Duration(m.Config.Replication.PollInterval)
		m.source = src
	case SourceKafka:
		src := replication.NewKafkaSource()
		src.Hosts = m.Config.Replication.Kafka.Hosts
		src.Topic = m.Config.Replication.Kafka.Topic
		src.Group = m.Config.Replication.Kafka.Group
		src.Partitions = m.Config.Replication.Kafka.Partitions
		src.SkipOld = m.Config.Replication.Kafka.SkipOld
		src.Log = m.logger
		if err := src.Open(); err != nil {
			return errors.Wrap(err, "opening kafka source")
		}
		m.source = src
	}
	return nil
}

func (m *Command) setupHandler() (err error) {
	m.ln, err = net.Listen("tcp", m.Config.Bind)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", m.Config.Bind)
	}
	if m.Config.TLS.CertificatePath != "" {
		tlsConfig, certs, err := buildTLSConfig(&m.Config.TLS, m.logger)
		if err != nil {
			return errors.Wrap(err, "getting tls config")
		} else if tlsConfig == nil {
			return errors.Errorf("tls certificate %s needs a key", m.Config.TLS.CertificatePath)
		}
		certs.Watch()
		m.certs = certs
		m.ln = tls.NewListener(m.ln, tlsConfig)
	}

	m.handler, err = http.NewHandler(
		http.OptHandlerEngine(m.Engine),
		http.OptHandlerListener(m.ln),
		http.OptHandlerLogger(m.logger),
		http.OptHandlerAllowedOrigins(m.Config.Handler.AllowedOrigins),
		http.OptHandlerCloseTimeout(time.Duration(m.Config.Handler.CloseTimeout)),
		http.OptHandlerLongQueryTime(time.Duration(m.Config.Handler.LongQueryTime)),
	)
	return err
}

// URL returns the address the server listens on.
func (m *Command) URL() string {
	scheme := "http"
	if m.Config.TLS.CertificatePath != "" {
		scheme = "https"
	}
	if m.ln == nil {
		return scheme + "://" + m.Config.Bind
	}
	return scheme + "://" + m.ln.Addr().String()
}

// WriteLog returns the local write log, or nil unless replication reads
// from it.
func (m *Command) WriteLog() *replication.WriteLog { return m.writeLog }

// Wait blocks until the server stops and returns the error that stopped
// it, if any.
func (m *Command) Wait() error {
	<-m.Started
	if m.eg == nil {
		return nil
	}
	return m.eg.Wait()
}

// Done is closed once Close has been called.
func (m *Command) Done() <-chan struct{} { return m.done }

// Close shuts down the server.
func (m *Command) Close() error {
	m.closeOnce.Do(func() {
		defer close(m.done)
		m.closeErr = m.close()
	})
	return m.closeErr
}

func (m *Command) close() error {
	var errs []error
	if m.cancel != nil {
		m.cancel()
	}
	if m.handler != nil {
		if err := m.handler.Close(); err != nil {
			errs = append(errs, err)
		}
	} else if m.ln != nil {
		_ = m.ln.Close()
	}
	if m.eg != nil {
		if err := m.eg.Wait(); err != nil && err != context.Canceled {
			errs = append(errs, errors.Wrap(err, "waiting for workers"))
		}
	}
	if c, ok := m.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing replication source"))
		}
	}
	if m.certs != nil {
		_ = m.certs.Close()
	}
	if m.writeLog != nil {
		if err := m.writeLog.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing write log"))
		}
	}
	if m.Engine != nil {
		if err := m.Engine.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing engine"))
		}
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing recipe store"))
		}
	}
	if m.tracer != nil {
		if err := m.tracer.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing tracer"))
		}
		tracing.GlobalTracer = tracing.NopTracer()
	}
	if closer, ok := m.logOutput.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, errors.Wrap(err, "closing logs"))
		}
	}

	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return fmt.Errorf("closing server: %s", strings.Join(msgs, "; "))
	}
	return nil
}
