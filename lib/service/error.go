// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// ErrorHandler returns a Handler that reports itself as unhealthy and
// responds 500 to all requests. ErrorHandler itself logs the given
// error once, and the returned handler logs it again for each
// incoming request.
func ErrorHandler(ctx context.Context, _ *spillway.Cluster, err error) Handler {
	logger := ctxlog.FromContext(ctx)
	logger.WithError(err).Error("unhealthy service")
	done := make(chan struct{})
	close(done)
	return errorHandler{err: err, logger: logger, done: done}
}

type errorHandler struct {
	err    error
	logger logrus.FieldLogger
	done   chan struct{}
}

func (eh errorHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	eh.logger.WithError(eh.err).Error("unhealthy service")
	http.Error(w, "", http.StatusInternalServerError)
}

func (eh errorHandler) CheckHealth() error {
	return eh.err
}

// Done returns a closed channel, indicating the service has already
// failed.
func (eh errorHandler) Done() <-chan struct{} {
	return eh.done
}
