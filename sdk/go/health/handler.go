// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
)

// Func is a health check: it returns nil when healthy, otherwise an
// error explaining the problem.
type Func func() error

// Routes maps a path (with the handler's Prefix removed) to the
// health check served at that path.
type Routes map[string]Func

// Handler is an http.Handler that responds to authenticated
// health-check requests with JSON responses like {"health":"OK"} or
// {"health":"ERROR","error":"error text"}.
//
// Fields must not be changed after the Handler is first used.
type Handler struct {
	// Authentication token. If empty, all requests return 404.
	Token string

	// Route prefix, typically "/_health/".
	Prefix string

	// Health checks, by path below Prefix: Routes["ping"] is
	// served at "{Prefix}ping". A "ping" route that always
	// reports healthy is added automatically unless listed here.
	Routes Routes

	setupOnce sync.Once
	mux       *http.ServeMux
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setupOnce.Do(h.setup)
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) setup() {
	h.mux = http.NewServeMux()
	prefix := h.Prefix
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for name, fn := range h.Routes {
		h.mux.Handle(prefix+name, h.checkHandler(fn))
	}
	if _, ok := h.Routes["ping"]; !ok {
		h.mux.Handle(prefix+"ping", h.checkHandler(func() error { return nil }))
	}
}

func (h *Handler) checkHandler(fn Func) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token == "" {
			http.Error(w, "disabled", http.StatusNotFound)
			return
		}
		switch ah := r.Header.Get("Authorization"); {
		case ah == "":
			http.Error(w, "authorization required", http.StatusUnauthorized)
			return
		case ah != "Bearer "+h.Token:
			http.Error(w, "authorization error", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := fn(); err != nil {
			json.NewEncoder(w).Encode(map[string]string{
				"health": "ERROR",
				"error":  err.Error(),
			})
		} else {
			w.Write([]byte(`{"health":"OK"}` + "\n"))
		}
	})
}
