// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/stats"
)

// HandlerWithContext returns an http.Handler that serves each request
// with the given context, instead of the default request context.
func HandlerWithContext(ctx context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}

// LogRequests wraps an http.Handler, logging each request and
// response via the logger in the request context.
func LogRequests(h http.Handler) http.Handler {
	return http.HandlerFunc(func(wrapped http.ResponseWriter, req *http.Request) {
		w := &responseTimer{ResponseWriter: WrapResponseWriter(wrapped)}
		t0 := time.Now()
		lgr := ctxlog.FromContext(req.Context()).WithFields(logrus.Fields{
			"RequestID":       req.Header.Get("X-Request-Id"),
			"remoteAddr":      req.RemoteAddr,
			"reqForwardedFor": req.Header.Get("X-Forwarded-For"),
			"reqMethod":       req.Method,
			"reqHost":         req.Host,
			"reqPath":         req.URL.Path[1:],
			"reqQuery":        req.URL.RawQuery,
			"reqBytes":        req.ContentLength,
		})
		req = req.WithContext(ctxlog.Context(req.Context(), lgr))
		lgr.Info("request")
		defer func() {
			tDone := time.Now()
			status := w.WroteStatus()
			if status == 0 {
				status = http.StatusOK
			}
			lgr.WithFields(logrus.Fields{
				"timeTotal":      stats.Duration(tDone.Sub(t0)),
				"timeToStatus":   stats.Duration(w.writeTime.Sub(t0)),
				"timeWriteBody":  stats.Duration(tDone.Sub(w.writeTime)),
				"respStatusCode": status,
				"respStatus":     http.StatusText(status),
				"respBytes":      w.WroteBodyBytes(),
			}).Info("response")
		}()
		h.ServeHTTP(w, req)
	})
}

// responseTimer records the time of the first write, so LogRequests
// can report the time to first byte separately from the total
// response time.
type responseTimer struct {
	ResponseWriter
	wrote     bool
	writeTime time.Time
}

func (rt *responseTimer) WriteHeader(code int) {
	if !rt.wrote {
		rt.wrote, rt.writeTime = true, time.Now()
	}
	rt.ResponseWriter.WriteHeader(code)
}

func (rt *responseTimer) Write(p []byte) (int, error) {
	if !rt.wrote {
		rt.wrote, rt.writeTime = true, time.Now()
	}
	return rt.ResponseWriter.Write(p)
}
