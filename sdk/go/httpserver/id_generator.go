// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// AddRequestIDs wraps an http.Handler, adding an X-Request-Id header
// to each request that doesn't already have one.
func AddRequestIDs(h http.Handler) http.Handler {
	gen := &idGenerator{prefix: "req-"}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("X-Request-Id") == "" {
			req.Header.Set("X-Request-Id", gen.next())
		}
		h.ServeHTTP(w, req)
	})
}

// idGenerator returns IDs that are unique for the lifetime of the
// generator: the current time in nanoseconds, bumped by at least one
// per call.
type idGenerator struct {
	prefix string
	mtx    sync.Mutex
	last   int64
}

func (g *idGenerator) next() string {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if now := time.Now().UnixNano(); now > g.last {
		g.last = now
	} else {
		g.last++
	}
	return g.prefix + strconv.FormatInt(g.last, 36)
}
