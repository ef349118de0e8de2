// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package ctl contains the client side of the ivm subcommands.
package ctl

import (
	"crypto/tls"

	"github.com/featurebasedb/ivm/http"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/server"
	"github.com/spf13/pflag"
)

// CommandWithTLSSupport is the interface for commands which has TLS settings
type CommandWithTLSSupport interface {
	TLSHost() string
	TLSConfiguration() server.TLSConfig
	Logger() logger.Logger
}

// SetTLSConfig creates common TLS flags
func SetTLSConfig(flags *pflag.FlagSet, prefix string, certificatePath *string, certificateKeyPath *string, caCertPath *string, skipVerify *bool, enableClientVerification *bool) {
	flags.StringVarP(certificatePath, prefix+"tls.certificate", "", "", "TLS certificate path (usually has the .crt or .pem extension)")
	flags.StringVarP(certificateKeyPath, prefix+"tls.key", "", "", "TLS certificate key path (usually has the .key extension)")
	flags.StringVarP(caCertPath, prefix+"tls.ca-certificate", "", "", "TLS CA certificate path (usually has the .crt or .pem extension)")
	flags.BoolVarP(skipVerify, prefix+"tls.skip-verify", "", false, "Skip TLS certificate verification (not secure)")
	flags.BoolVarP(enableClientVerification, prefix+"tls.enable-client-verification", "", false, "Enable TLS certificate verification for incoming connections")
}

// CommandClient returns an http.Client for the command.
func CommandClient(cmd CommandWithTLSSupport) (*http.Client, error) {
	tlsConfig := cmd.TLSConfiguration()
	TLSConfig, err := server.GetTLSConfig(&tlsConfig, cmd.Logger())
	if err != nil {
		return nil, err
	}
	if TLSConfig == nil && tlsConfig.SkipVerify {
		TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return http.NewClient(cmd.TLSHost(), http.GetHTTPClient(TLSConfig))
}
