// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package httpserver

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gogo/protobuf/jsonpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/auth"
	"github.com/spillway-project/spillway/sdk/go/stats"
)

// Handler is an http.Handler that can also publish its own metrics
// data at /metrics and /metrics.json.
type Handler interface {
	http.Handler

	// ServeAPI returns an http.Handler that serves the metrics
	// data, and passes other requests through to next.
	ServeAPI(token string, next http.Handler) http.Handler
}

// Instrument returns a new Handler that passes requests through to
// the next handler in the stack, and tracks metrics of those
// requests.
//
// For the metrics to be accurate, the caller must ensure every
// request passed to the Handler also passes through LogRequests(...),
// and vice versa.
//
// If registry is nil, a new registry is created.
//
// If logger is nil, logrus.StandardLogger() is used.
func Instrument(registry *prometheus.Registry, logger *logrus.Logger, next http.Handler) Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	reqDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "request_duration_seconds",
		Help: "Summary of request duration.",
	}, []string{"code", "method"})
	timeToStatus := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name: "time_to_status_seconds",
		Help: "Summary of request TTFB.",
	}, []string{"code", "method"})
	registry.MustRegister(timeToStatus, reqDuration)
	ih := &instrumentedHandler{
		next:         promhttp.InstrumentHandlerDuration(reqDuration, next),
		registry:     registry,
		timeToStatus: timeToStatus,
		exportProm: promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			ErrorLog: logger,
		}),
	}
	logger.AddHook(ih)
	return ih
}

type instrumentedHandler struct {
	next         http.Handler
	registry     *prometheus.Registry
	timeToStatus *prometheus.SummaryVec
	exportProm   http.Handler
}

// ServeHTTP implements http.Handler.
func (ih *instrumentedHandler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ih.next.ServeHTTP(w, req)
}

// ServeAPI returns a new http.Handler that serves current metrics
// data at "GET /metrics" (prometheus text format) and "GET
// /metrics.json", and passes other requests through to next.
//
// If the given token is not empty, a client must supply it to access
// the metrics endpoints.
//
// Typical example:
//
//	m := Instrument(...)
//	srv := http.Server{Handler: m.ServeAPI("secrettoken", m)}
func (ih *instrumentedHandler) ServeAPI(token string, next http.Handler) http.Handler {
	jsonMetrics := auth.RequireLiteralToken(token, http.HandlerFunc(ih.exportJSON))
	plainMetrics := auth.RequireLiteralToken(token, ih.exportProm)
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.Method != "GET" && req.Method != "HEAD":
			next.ServeHTTP(w, req)
		case req.URL.Path == "/metrics.json":
			jsonMetrics.ServeHTTP(w, req)
		case req.URL.Path == "/metrics":
			plainMetrics.ServeHTTP(w, req)
		default:
			next.ServeHTTP(w, req)
		}
	})
}

// Levels implements logrus.Hook.
func (*instrumentedHandler) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook: data points from the response log
// entries written by LogRequests become observations on the
// time-to-status summary.
func (ih *instrumentedHandler) Fire(ent *logrus.Entry) error {
	tts, ok := ent.Data["timeToStatus"].(stats.Duration)
	if !ok {
		return nil
	}
	method, ok := ent.Data["reqMethod"].(string)
	if !ok {
		return nil
	}
	code, ok := ent.Data["respStatusCode"].(int)
	if !ok {
		return nil
	}
	ih.timeToStatus.WithLabelValues(strconv.Itoa(code), strings.ToLower(method)).Observe(time.Duration(tts).Seconds())
	return nil
}

func (ih *instrumentedHandler) exportJSON(w http.ResponseWriter, req *http.Request) {
	jm := jsonpb.Marshaler{Indent: "  "}
	mfs, _ := ih.registry.Gather()
	w.Write([]byte{'['})
	for i, mf := range mfs {
		if i > 0 {
			w.Write([]byte{','})
		}
		jm.Marshal(w, mf)
	}
	w.Write([]byte{']'})
}
