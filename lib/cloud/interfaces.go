// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloud

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// A RateLimitError should be returned by a Backend when the cloud
// service indicates it is rejecting all API calls for some time
// interval.
type RateLimitError interface {
	// Time before which the caller should expect requests to
	// fail.
	EarliestRetry() time.Time
	error
}

// A QuotaError should be returned by a Backend when the cloud
// service indicates the account cannot create more VMs than already
// exist.
type QuotaError interface {
	// If true, don't create more instances until some existing
	// instances are destroyed. If false, don't handle the error
	// as a quota error.
	IsQuotaError() bool
	error
}

// An InstanceSetID identifies the orchestrator that created a cloud
// resource. Backends tag every resource they create with it, and
// never touch resources tagged with a different one, so two
// orchestrators can share a cloud account without interfering with
// each other.
type InstanceSetID string

type InstanceTags map[string]string

// A Backend creates, destroys, and polls VM instances on an elastic
// cloud provider like AWS or Azure.
//
// All methods are goroutine safe. All methods return promptly when
// the context is cancelled, leaving any unfinished cloud operation to
// complete or fail on its own.
type Backend interface {
	// Start creates a cloud instance for the given VM record and,
	// on success, fills in the record's InstanceID, ProviderType,
	// and (if already known) Address fields. The instance is
	// tagged so RefreshStatus can find it again, and boots with
	// the record's one-time auth token so it can announce itself
	// to the readiness endpoint.
	//
	// The returned error should implement RateLimitError and
	// QuotaError where applicable.
	Start(ctx context.Context, vm *spillway.VM) error

	// Stop destroys the instance identified by the record's
	// InstanceID, along with any per-instance resources created
	// by Start.
	Stop(ctx context.Context, vm *spillway.VM) error

	// RefreshStatus updates the State and, where known, Address
	// fields of the given records in place to reflect the cloud's
	// view of each instance. Records whose instance no longer
	// exists are set to Down. Implementations must not add or
	// remove records, and must leave all other fields alone; the
	// caller reconciles the reported states with its own
	// bookkeeping.
	RefreshStatus(ctx context.Context, vms []*spillway.VM) error
}

// A Driver returns a Backend that uses the given cloud configuration.
//
// DriverParameters is an opaque cloud-specific document; each driver
// decodes the keys it knows and ignores the rest. The remaining
// CloudVMs fields of interest to drivers are ResourceTags and
// TagKeyPrefix (applied to every created resource) and ReadyURL (the
// address new instances call home to).
type Driver interface {
	Backend(cloudcfg spillway.CloudVMsConfig, id InstanceSetID, logger logrus.FieldLogger) (Backend, error)
}

// DriverFunc makes a Driver using the provided function as its
// Backend method. This is similar to http.HandlerFunc.
func DriverFunc(fn func(cloudcfg spillway.CloudVMsConfig, id InstanceSetID, logger logrus.FieldLogger) (Backend, error)) Driver {
	return driverFunc(fn)
}

type driverFunc func(cloudcfg spillway.CloudVMsConfig, id InstanceSetID, logger logrus.FieldLogger) (Backend, error)

func (df driverFunc) Backend(cloudcfg spillway.CloudVMsConfig, id InstanceSetID, logger logrus.FieldLogger) (Backend, error) {
	return df(cloudcfg, id, logger)
}

// BootScript returns a first-boot script for a new instance. The
// script announces the instance to the orchestrator by posting the
// one-time auth token from the given VM record, together with the
// instance's own hostname, to the readiness endpoint, retrying until
// the post succeeds.
func BootScript(readyURL string, vm *spillway.VM) string {
	url := strings.TrimSuffix(readyURL, "/") + "/spillway/v1/ready?auth=" + vm.AuthToken + "&hostname="
	return "#!/bin/sh\n" +
		"while ! curl -fsS -m 10 -X POST '" + url + "'\"$(hostname)\"; do\n" +
		"    sleep 5\n" +
		"done\n"
}
