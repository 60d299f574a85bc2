// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package service

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// tlsConfigWithCertUpdater returns a tls.Config that serves the
// certificate named by cluster.TLS, reloading it from disk when the
// process receives SIGHUP.
func tlsConfigWithCertUpdater(cluster *spillway.Cluster, logger logrus.FieldLogger) (*tls.Config, error) {
	keyfile, certfile := cluster.TLS.Key, cluster.TLS.Certificate
	if !strings.HasPrefix(keyfile, "file://") || !strings.HasPrefix(certfile, "file://") {
		return nil, errors.New("cannot use TLS certificate: TLS.Key and TLS.Certificate must be specified as file://...")
	}
	keyfile, certfile = keyfile[7:], certfile[7:]

	var current atomic.Pointer[tls.Certificate]
	load := func() error {
		cert, err := tls.LoadX509KeyPair(certfile, keyfile)
		if err != nil {
			return fmt.Errorf("error loading X509 key pair: %s", err)
		}
		current.Store(&cert)
		return nil
	}
	if err := load(); err != nil {
		return nil, err
	}

	go func() {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		for range reload {
			if err := load(); err != nil {
				logger.WithError(err).Warn("error updating TLS certificate")
			}
		}
	}()

	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			return current.Load(), nil
		},
	}, nil
}
