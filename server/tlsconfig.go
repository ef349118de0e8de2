// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package server

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/logger"
)

// certReloader hands out a certificate pair that is re-read from disk on
// Reload. A failed reload keeps the previous pair.
type certReloader struct {
	certPath string
	keyPath  string
	cert     atomic.Pointer[tls.Certificate]
	logger   logger.Logger

	once    sync.Once
	closing chan struct{}
}

func newCertReloader(certPath, keyPath string, log logger.Logger) (*certReloader, error) {
	r := &certReloader{
		certPath: certPath,
		keyPath:  keyPath,
		logger:   log,
		closing:  make(chan struct{}),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload reads the pair again.
func (r *certReloader) Reload() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return errors.Wrapf(err, "loading %s and %s", r.certPath, r.keyPath)
	}
	r.cert.Store(&cert)
	return nil
}

// Watch reloads the pair on every SIGHUP until Close is called.
func (r *certReloader) Watch() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGHUP)
	go func() {
		defer signal.Stop(c)
		for {
			select {
			case <-r.closing:
				return
			case <-c:
			}
			r.logger.Infof("received SIGHUP, reloading TLS certificate %q", r.certPath)
			if err := r.Reload(); err != nil {
				r.logger.Errorf("keeping old TLS certificate: %v", err)
			}
		}
	}()
}

func (r *certReloader) Close() error {
	r.once.Do(func() { close(r.closing) })
	return nil
}

func (r *certReloader) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

func (r *certReloader) getClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return r.cert.Load(), nil
}

// GetTLSConfig builds the tls.Config described by c, or returns nil when c
// names no certificate pair.
func GetTLSConfig(c *TLSConfig, log logger.Logger) (*tls.Config, error) {
	cfg, _, err := buildTLSConfig(c, log)
	return cfg, err
}

func buildTLSConfig(c *TLSConfig, log logger.Logger) (*tls.Config, *certReloader, error) {
	if c == nil {
		return nil, nil, errors.Errorf("cannot parse nil tls config")
	}
	hasCA := c.CACertPath != ""
	hasCert := c.CertificatePath != "" && c.CertificateKeyPath != ""

	switch {
	case hasCA && c.SkipVerify:
		return nil, nil, errors.Errorf("cannot specify root certificate and disable server certificate verification")
	case hasCert && c.SkipVerify:
		return nil, nil, errors.Errorf("cannot specify TLS certificate and disable server certificate verification")
	case !hasCert:
		return nil, nil, nil
	}

	certs, err := newCertReloader(c.CertificatePath, c.CertificateKeyPath, log)
	if err != nil {
		return nil, nil, errors.Wrap(err, "loading keypair")
	}
	cfg := &tls.Config{
		MinVersion:           tls.VersionTLS12,
		GetCertificate:       certs.getCertificate,
		GetClientCertificate: certs.getClientCertificate,
	}
	if hasCA {
		pem, err := os.ReadFile(c.CACertPath)
		if err != nil {
			return nil, nil, errors.Wrap(err, "loading tls ca certificate")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, nil, errors.Errorf("parsing CA certificate %s", c.CACertPath)
		}
		cfg.ClientCAs = pool
		cfg.RootCAs = pool
	}
	if c.EnableClientVerification {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, certs, nil
}
