// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/lib/cloud/azure"
	"github.com/spillway-project/spillway/lib/cloud/dummy"
	"github.com/spillway-project/spillway/lib/cloud/ec2"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// Drivers lists the available cloud drivers, by the name used to
// select them in the CloudVMs.Driver config entry.
var Drivers = map[string]cloud.Driver{
	"azure": azure.Driver,
	"dummy": dummy.Driver,
	"ec2":   ec2.Driver,
}

func newBackend(cluster *spillway.Cluster, readyURL spillway.URL, setID cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.Backend, error) {
	driver, ok := Drivers[cluster.CloudVMs.Driver]
	if !ok {
		return nil, fmt.Errorf("unsupported cloud driver %q", cluster.CloudVMs.Driver)
	}
	cloudcfg := cluster.CloudVMs
	cloudcfg.ReadyURL = readyURL
	return driver.Backend(cloudcfg, setID, logger)
}
