// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net"
	"net/http"
	"sync/atomic"
)

// Server is an http.Server that can be started without blocking the
// caller, and stopped without killing the process.
type Server struct {
	http.Server
	Addr string // host:port where the server is listening.

	listener net.Listener
	closing  atomic.Bool
	err      error
	done     chan struct{}
}

// Start listens on srv.Addr, replaces srv.Addr with the chosen
// address:port (so listening on ":0" is useful in test suites), and
// serves incoming connections in a new goroutine. If srv.TLSConfig is
// non-nil, connections are served with TLS.
func (srv *Server) Start() error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	srv.listener = ln
	srv.Addr = ln.Addr().String()
	srv.done = make(chan struct{})
	go func() {
		defer close(srv.done)
		var err error
		if srv.TLSConfig != nil {
			err = srv.ServeTLS(ln, "", "")
		} else {
			err = srv.Serve(ln)
		}
		if !srv.closing.Load() {
			srv.err = err
		}
	}()
	return nil
}

// Close shuts down the server and returns when it has stopped.
func (srv *Server) Close() error {
	srv.closing.Store(true)
	srv.listener.Close()
	return srv.Wait()
}

// Wait returns when the server has shut down. The returned error is
// nil if the server stopped because Close was called, otherwise the
// error reported by the serve loop.
func (srv *Server) Wait() error {
	if srv.done == nil {
		return nil
	}
	<-srv.done
	return srv.err
}
