// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/batchq"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/lib/orchestrator/pool"
	"github.com/spillway-project/spillway/sdk/go/auth"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/health"
	"github.com/spillway-project/spillway/sdk/go/httpserver"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

type orchestrator struct {
	Cluster       *spillway.Cluster
	Context       context.Context
	Backend       cloud.Backend
	Queue         batchq.BatchQueue
	Registry      *prometheus.Registry
	InstanceSetID cloud.InstanceSetID

	logger      logrus.FieldLogger
	pool        *pool.Pool
	httpHandler http.Handler

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the orchestrator. Start can be called multiple times
// with no ill effect.
func (orch *orchestrator) Start() {
	orch.setupOnce.Do(orch.setup)
}

// ServeHTTP implements service.Handler.
func (orch *orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	orch.Start()
	orch.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (orch *orchestrator) CheckHealth() error {
	orch.Start()
	return nil
}

// Done implements service.Handler. The returned channel closes when
// the scheduling loop ends, i.e., after the configured cycle limit is
// reached or Close is called.
func (orch *orchestrator) Done() <-chan struct{} {
	orch.Start()
	return orch.stopped
}

// Stop scheduling and release resources. Typically used in tests.
func (orch *orchestrator) Close() {
	orch.Start()
	select {
	case orch.stop <- struct{}{}:
	default:
	}
	<-orch.stopped
}

func (orch *orchestrator) setup() {
	orch.initialize()
	go orch.run()
}

func (orch *orchestrator) initialize() {
	orch.logger = ctxlog.FromContext(orch.Context)
	if orch.InstanceSetID == "" {
		orch.InstanceSetID = cloud.InstanceSetID(orch.Cluster.ClusterID)
	}
	if orch.Registry == nil {
		orch.Registry = prometheus.NewRegistry()
	}
	orch.stop = make(chan struct{}, 1)
	orch.stopped = make(chan struct{})

	orch.pool = pool.New(orch.logger, orch.Cluster, orch.Backend, orch.Queue, &pool.ThresholdPolicy{
		PendingJobGrace: orch.Cluster.CloudVMs.PendingJobGrace.Duration(),
		TimeoutIdle:     orch.Cluster.CloudVMs.TimeoutIdle.Duration(),
	}, orch.Registry)

	mux := httprouter.New()
	mux.HandlerFunc("POST", "/spillway/v1/ready", orch.apiReady)
	if orch.Cluster.ManagementToken == "" {
		mux.NotFound = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mgmt := httprouter.New()
		mgmt.HandlerFunc("GET", "/spillway/v1/status", orch.apiStatus)
		mgmt.HandlerFunc("GET", "/spillway/v1/vms", orch.apiVMs)
		mgmt.HandlerFunc("GET", "/spillway/v1/jobs", orch.apiJobs)
		mgmt.HandlerFunc("POST", "/spillway/v1/vms/stop", orch.apiVMStop)
		metricsH := promhttp.HandlerFor(orch.Registry, promhttp.HandlerOpts{
			ErrorLog: orch.logger,
		})
		mgmt.Handler("GET", "/metrics", metricsH)
		mgmt.Handler("GET", "/metrics.json", metricsH)
		mgmt.Handler("GET", "/_health/:check", &health.Handler{
			Token:  orch.Cluster.ManagementToken,
			Prefix: "/_health/",
			Routes: health.Routes{"ping": orch.CheckHealth},
		})
		mux.NotFound = auth.RequireLiteralToken(orch.Cluster.ManagementToken, mgmt)
	}
	orch.httpHandler = mux
}

func (orch *orchestrator) run() {
	defer close(orch.stopped)
	ctx, cancel := context.WithCancel(orch.Context)
	defer cancel()
	go func() {
		select {
		case <-orch.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	orch.pool.Run(ctx)
	orch.pool.Stop()
}

// Readiness endpoint: a booting VM announces that it is up, proving
// its identity with the one-time auth token its boot script received.
// The nodename under which the batch system will report the VM's jobs
// is the first label of the submitted hostname.
func (orch *orchestrator) apiReady(w http.ResponseWriter, r *http.Request) {
	nodename := r.FormValue("hostname")
	if i := strings.IndexByte(nodename, '.'); i >= 0 {
		nodename = nodename[:i]
	}
	if !orch.pool.VMIsReady(r.FormValue("auth"), nodename) {
		httpserver.Error(w, "readiness announcement rejected", http.StatusForbidden)
	}
}

// Management API: scheduling counters and the current pool contents.
func (orch *orchestrator) apiStatus(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(orch.pool.Status())
}

// Management API: all VM records, including those that are shutting
// down and those whose readiness announcement is still outstanding.
func (orch *orchestrator) apiVMs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []spillway.VM `json:"items"`
	}
	status := orch.pool.Status()
	resp.Items = append(status.VMs, status.Stopping...)
	json.NewEncoder(w).Encode(resp)
}

// Management API: pending jobs currently counted as cloud candidates.
func (orch *orchestrator) apiJobs(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []spillway.Job `json:"items"`
	}
	resp.Items = orch.pool.Status().Candidates
	json.NewEncoder(w).Encode(resp)
}

// Management API: stop the specified VM on the next scheduling cycle,
// regardless of the scale-down policy.
func (orch *orchestrator) apiVMStop(w http.ResponseWriter, r *http.Request) {
	vmid := spillway.VMID(r.FormValue("vmid"))
	if vmid == "" {
		httpserver.Error(w, "vmid parameter not provided", http.StatusBadRequest)
		return
	}
	err := orch.pool.SetStopRequested(vmid)
	if err != nil {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	}
}
