// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
)

// ResponseWriter is an http.ResponseWriter that reports the status
// and body size it has sent so far.
type ResponseWriter interface {
	http.ResponseWriter
	WroteStatus() int
	WroteBodyBytes() int
}

type responseWriter struct {
	http.ResponseWriter
	status    int // first status given to WriteHeader()
	bodyBytes int // bytes written so far
}

func WrapResponseWriter(orig http.ResponseWriter) ResponseWriter {
	return &responseWriter{ResponseWriter: orig}
}

func (w *responseWriter) WriteHeader(s int) {
	if w.status == 0 {
		w.status = s
	}
	// ...else it's too late to change the status seen by the
	// client, but the wrapped WriteHeader() still gets a chance to
	// log a warning.
	w.ResponseWriter.WriteHeader(s)
}

func (w *responseWriter) Write(data []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(data)
	w.bodyBytes += n
	return n, err
}

func (w *responseWriter) WroteStatus() int {
	return w.status
}

func (w *responseWriter) WroteBodyBytes() int {
	return w.bodyBytes
}

func (w *responseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
