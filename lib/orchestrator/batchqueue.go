// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/batchq"
	"github.com/spillway-project/spillway/lib/batchq/gridengine"
	"github.com/spillway-project/spillway/lib/batchq/replay"
	"github.com/spillway-project/spillway/lib/batchq/slurmrest"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

func newBatchQueue(cluster *spillway.Cluster, logger logrus.FieldLogger) (batchq.BatchQueue, error) {
	conf := cluster.BatchSystem
	switch conf.Type {
	case "gridengine":
		return gridengine.New(conf.GridEngine, logger), nil
	case "slurmrest":
		return slurmrest.New(conf.SlurmREST, logger), nil
	case "replay":
		return replay.New(conf.Replay, logger)
	default:
		return nil, fmt.Errorf("unsupported batch system type %q", conf.Type)
	}
}
