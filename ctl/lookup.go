// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ctl

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/featurebasedb/ivm"
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/http"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/server"
)

// LookupCommand reads one key from a view and prints the result as JSON.
type LookupCommand struct {
	Host string
	View string

	// Key holds one value per key column, JSON or plain text.
	Key []string

	// Offset is the minimum offset the answer must reflect.
	Offset string

	// Retries re-issues a lookup that missed, after the server's
	// retry-after hint.
	Retries int

	TLS server.TLSConfig

	*ivm.CmdIO
}

// NewLookupCommand returns a new instance of LookupCommand.
func NewLookupCommand(stdin io.Reader, stdout, stderr io.Writer) *LookupCommand {
	return &LookupCommand{
		CmdIO: ivm.NewCmdIO(stdin, stdout, stderr),
	}
}

// Run executes the lookup.
func (cmd *LookupCommand) Run(ctx context.Context) error {
	if cmd.View == "" {
		return errors.Errorf("view required")
	}
	k, err := http.ParseKey(cmd.Key)
	if err != nil {
		return err
	}
	var minOffset offset.Offset
	if cmd.Offset != "" {
		if minOffset, err = offset.Parse(cmd.Offset); err != nil {
			return err
		}
	}

	client, err := CommandClient(cmd)
	if err != nil {
		return errors.Wrap(err, "creating client")
	}

	var res ivm.LookupResult
	for attempt := 0; ; attempt++ {
		res, err = client.Lookup(ctx, cmd.View, k, minOffset)
		if err != nil {
			return err
		}
		if res.Status != ivm.LookupMiss || attempt >= cmd.Retries {
			break
		}
		cmd.Logger().Debugf("lookup missed, retrying in %s", res.RetryAfter)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(res.RetryAfter):
		}
	}

	enc := json.NewEncoder(cmd.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func (cmd *LookupCommand) TLSHost() string { return cmd.Host }

func (cmd *LookupCommand) TLSConfiguration() server.TLSConfig { return cmd.TLS }
