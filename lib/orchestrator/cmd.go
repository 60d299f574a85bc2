// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spillway-project/spillway/lib/cmd"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/lib/service"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

var Command cmd.Handler = service.Command(spillway.ServiceNameOrchestrator, newHandler)

func newHandler(ctx context.Context, cluster *spillway.Cluster, reg *prometheus.Registry) service.Handler {
	logger := ctxlog.FromContext(ctx)
	if cluster.CloudVMs.MaxVMs < 1 {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("CloudVMs.MaxVMs must be at least 1 (got %d)", cluster.CloudVMs.MaxVMs))
	}
	if cluster.CloudVMs.TaskWorkers < 1 {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("CloudVMs.TaskWorkers must be at least 1 (got %d)", cluster.CloudVMs.TaskWorkers))
	}
	readyURL := cluster.CloudVMs.ReadyURL
	if readyURL.Host == "" {
		// Unless configured otherwise, new VMs announce
		// readiness to the same address this service listens
		// on.
		if url, ok := service.URLFromContext(ctx); ok {
			readyURL = url
		}
	}
	setID := cloud.InstanceSetID(cluster.ClusterID)
	backend, err := newBackend(cluster, readyURL, setID, logger)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing cloud driver: %s", err))
	}
	queue, err := newBatchQueue(cluster, logger)
	if err != nil {
		return service.ErrorHandler(ctx, cluster, fmt.Errorf("error initializing batch queue source: %s", err))
	}
	orch := &orchestrator{
		Cluster:       cluster,
		Context:       ctx,
		Backend:       backend,
		Queue:         queue,
		Registry:      reg,
		InstanceSetID: setID,
	}
	go orch.Start()
	return orch
}
