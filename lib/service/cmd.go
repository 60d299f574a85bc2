// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package service provides a cmd.Handler that brings up a system service.
package service

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"net/url"
	"os"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cmd"
	"github.com/spillway-project/spillway/lib/config"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/health"
	"github.com/spillway-project/spillway/sdk/go/httpserver"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

type Handler interface {
	http.Handler
	CheckHealth() error
	// Done returns a channel that closes when the handler shuts
	// itself down, or nil if this never happens.
	Done() <-chan struct{}
}

type NewHandlerFunc func(_ context.Context, _ *spillway.Cluster, registry *prometheus.Registry) Handler

type command struct {
	newHandler NewHandlerFunc
	svcName    spillway.ServiceName
	ctx        context.Context // enables tests to shutdown service; no public API yet
}

// Command returns a cmd.Handler that loads site config, calls
// newHandler with the current cluster config, and brings up an http
// server with the returned handler.
//
// The handler is wrapped with server middleware (adding X-Request-ID
// headers, logging requests/responses, etc).
func Command(svcName spillway.ServiceName, newHandler NewHandlerFunc) cmd.Handler {
	return &command{
		newHandler: newHandler,
		svcName:    svcName,
		ctx:        context.Background(),
	}
}

func (c *command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	log := ctxlog.New(stderr, "json", "info")

	var err error
	defer func() {
		if err != nil {
			log.WithError(err).Error("exiting")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(stdin, log)
	loader.SetupFlags(flags)
	versionFlag := flags.Bool("version", false, "Write version information to stdout and exit 0")
	pprofAddr := flags.String("pprof", "", "Serve Go profile data at `[addr]:port`")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	} else if *versionFlag {
		return cmd.Version.RunCommand(prog, args, stdin, stdout, stderr)
	}

	if *pprofAddr != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}

	// Now that the config is known, the bootstrap logger gets
	// replaced by one configured per SystemLogs.
	log = ctxlog.New(stderr, cluster.SystemLogs.Format, cluster.SystemLogs.LogLevel)
	logger := log.WithFields(logrus.Fields{
		"PID":       os.Getpid(),
		"ClusterID": cluster.ClusterID,
	})
	ctx := ctxlog.Context(c.ctx, logger)

	listenURL, err := getListenAddr(cluster.Services, c.svcName, log)
	if err != nil {
		return 1
	}
	ctx = context.WithValue(ctx, contextKeyURL{}, listenURL)

	reg := prometheus.NewRegistry()

	// spillway_version_running{version="1.2.3"} 1.0
	versionGauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spillway",
		Name:      "version_running",
		Help:      "Indicated version is running.",
	}, []string{"version"})
	versionGauge.WithLabelValues(cmd.Version.String()).Set(1)
	reg.MustRegister(versionGauge)

	handler := c.newHandler(ctx, cluster, reg)
	if err = handler.CheckHealth(); err != nil {
		return 1
	}

	instrumented := httpserver.Instrument(reg, log,
		httpserver.AddRequestIDs(
			httpserver.LogRequests(
				withHealthPing(cluster.ManagementToken, handler.CheckHealth,
					handler))))
	srv := &httpserver.Server{
		Server: http.Server{
			Handler:     instrumented.ServeAPI(cluster.ManagementToken, instrumented),
			BaseContext: func(net.Listener) context.Context { return ctx },
		},
		Addr: listenURL.Host,
	}
	if listenURL.Scheme == "https" {
		tlsconfig, err := tlsConfigWithCertUpdater(cluster, logger)
		if err != nil {
			logger.WithError(err).Errorf("cannot start %s service on %s", c.svcName, listenURL.String())
			return 1
		}
		srv.TLSConfig = tlsconfig
	}
	if err = srv.Start(); err != nil {
		return 1
	}
	logger.WithFields(logrus.Fields{
		"URL":     listenURL,
		"Listen":  srv.Addr,
		"Service": c.svcName,
		"Version": cmd.Version.String(),
	}).Info("listening")
	if _, err := daemon.SdNotify(false, "READY=1"); err != nil {
		logger.WithError(err).Errorf("error notifying init daemon")
	}
	go func() {
		// Stop the server if the caller cancels the context.
		<-ctx.Done()
		srv.Close()
	}()
	go func() {
		// Stop the server if the handler shuts itself down.
		<-handler.Done()
		srv.Close()
	}()
	err = srv.Wait()
	if err != nil {
		return 1
	}
	return 0
}

// withHealthPing returns a handler that serves "GET /_health/ping"
// itself, using the given health check, and passes all other requests
// through to next. Services whose own mux has richer health routes
// shadow this one.
func withHealthPing(mgtToken string, checkHealth func() error, next http.Handler) http.Handler {
	mux := httprouter.New()
	mux.Handler("GET", "/_health/ping", &health.Handler{
		Token:  mgtToken,
		Prefix: "/_health/",
		Routes: health.Routes{"ping": checkHealth},
	})
	mux.NotFound = next
	return mux
}

func getListenAddr(svcs spillway.Services, prog spillway.ServiceName, log logrus.FieldLogger) (spillway.URL, error) {
	svc, ok := svcs.Map()[prog]
	if !ok {
		return spillway.URL{}, fmt.Errorf("unknown service name %q", prog)
	}

	if want := os.Getenv("SPILLWAY_SERVICE_INTERNAL_URL"); want != "" {
		url, err := url.Parse(want)
		if err != nil {
			return spillway.URL{}, fmt.Errorf("$SPILLWAY_SERVICE_INTERNAL_URL (%q): %s", want, err)
		}
		if url.Path == "" {
			url.Path = "/"
		}
		return spillway.URL(*url), nil
	}

	errors := []string{}
	for url := range svc.InternalURLs {
		listener, err := net.Listen("tcp", url.Host)
		if err == nil {
			listener.Close()
			return url, nil
		}
		if strings.Contains(err.Error(), "cannot assign requested address") {
			// InternalURLs may list addresses served by
			// other hosts running this service. Binding
			// one of those fails with EADDRNOTAVAIL, which
			// just means the entry belongs to somebody
			// else.
			continue
		}
		errors = append(errors, fmt.Sprintf("tried %v, got %v", url, err))
	}
	if len(errors) > 0 {
		return spillway.URL{}, fmt.Errorf("could not enable the %q service on this host: %s", prog, strings.Join(errors, "; "))
	}
	return spillway.URL{}, fmt.Errorf("configuration does not enable the %q service on this host", prog)
}

type contextKeyURL struct{}

// URLFromContext returns the URL the service is listening on, as
// stashed in ctx by RunCommand.
func URLFromContext(ctx context.Context) (spillway.URL, bool) {
	u, ok := ctx.Value(contextKeyURL{}).(spillway.URL)
	return u, ok
}
