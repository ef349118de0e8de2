// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/http"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/replication"
	"github.com/featurebasedb/ivm/server"
)

// ImportCommand sends replication events to a server. A .json file holds an
// array of events. Any other file is CSV, one row per line, inserted into
// Table at consecutive offsets starting from Offset.
type ImportCommand struct {
	// Destination host and port.
	Host string `json:"host"`

	// Table CSV rows are inserted into.
	Table string `json:"table"`

	// Offset of the first CSV row.
	Offset uint64 `json:"offset"`

	// Delete turns CSV rows into deletes.
	Delete bool `json:"delete"`

	// Filenames to import from. "-" reads stdin.
	Paths []string `json:"paths"`

	// Size of buffer used to chunk import.
	BufferSize int `json:"bufferSize"`

	// TLS configuration
	TLS server.TLSConfig

	// Reusable client.
	client *http.Client

	*ivm.CmdIO
}

// NewImportCommand returns a new instance of ImportCommand.
func NewImportCommand(stdin io.Reader, stdout, stderr io.Writer) *ImportCommand {
	return &ImportCommand{
		CmdIO:      ivm.NewCmdIO(stdin, stdout, stderr),
		BufferSize: 1000,
	}
}

// Run executes the main program execution.
func (cmd *ImportCommand) Run(ctx context.Context) error {
	if len(cmd.Paths) == 0 {
		return errors.Errorf("path required")
	} else if cmd.BufferSize <= 0 {
		return errors.Errorf("buffer size must be positive")
	}

	client, err := CommandClient(cmd)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}
	cmd.client = client

	next := cmd.Offset
	for _, path := range cmd.Paths {
		if filepath.Ext(path) == ".json" {
			err = cmd.importJSON(ctx, path)
		} else {
			next, err = cmd.importCSV(ctx, path, next)
		}
		if err != nil {
			return errors.Wrapf(err, "importing %s", path)
		}
	}
	return nil
}

func (cmd *ImportCommand) open(path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.Stdin), nil
	}
	return os.Open(path)
}

func (cmd *ImportCommand) importJSON(ctx context.Context, path string) error {
	f, err := cmd.open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var events []replication.Event
	if err := json.NewDecoder(f).Decode(&events); err != nil {
		return errors.Wrap(err, "decoding events")
	}
	for len(events) > 0 {
		n := cmd.BufferSize
		if n > len(events) {
			n = len(events)
		}
		if err := cmd.send(ctx, events[:n]); err != nil {
			return err
		}
		events = events[n:]
	}
	return nil
}

// importCSV returns the offset the next row would get.
func (cmd *ImportCommand) importCSV(ctx context.Context, path string, next uint64) (uint64, error) {
	if cmd.Table == "" {
		return next, errors.Errorf("table required for csv import")
	}
	f, err := cmd.open(path)
	if err != nil {
		return next, err
	}
	defer f.Close()

	op := keys.Insert
	if cmd.Delete {
		op = keys.Delete
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	buf := make([]replication.Event, 0, cmd.BufferSize)
	for rnum := 1; ; rnum++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return next, errors.Wrap(err, "reading csv")
		}
		row, err := http.ParseKey(record)
		if err != nil {
			return next, errors.Wrapf(err, "line %d", rnum)
		}
		buf = append(buf, replication.Event{
			Offset: offset.Single(next),
			Table:  cmd.Table,
			Op:     op,
			Row:    keys.Row(row),
		})
		next++

		if len(buf) >= cmd.BufferSize {
			if err := cmd.send(ctx, buf); err != nil {
				return next, err
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if err := cmd.send(ctx, buf); err != nil {
			return next, err
		}
	}
	return next, nil
}

func (cmd *ImportCommand) send(ctx context.Context, events []replication.Event) error {
	rsp, err := cmd.client.Ingest(ctx, events)
	if err != nil {
		return errors.Wrapf(err, "sending %d events", len(events))
	}
	cmd.Logger().Printf("applied %d events, offset %s", rsp.Applied, rsp.Offset)
	return nil
}

func (cmd *ImportCommand) TLSHost() string { return cmd.Host }

func (cmd *ImportCommand) TLSConfiguration() server.TLSConfig { return cmd.TLS }

