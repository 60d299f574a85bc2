// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package batchq defines the interface between the orchestrator and
// the batch queueing system whose workload it watches.
package batchq

import (
	"context"

	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// A BatchQueue reports the current contents of a batch job queue.
//
// Snapshot returns one record per job the batch system currently
// knows about. Jobs that have left the queue since the previous
// snapshot are simply absent; a snapshot may also include records in
// state Finished, which consumers treat the same as absent ones.
// Every returned record satisfies spillway.Job.Validate.
//
// A failed snapshot returns a non-nil error and no records; the
// caller keeps working from the last good snapshot.
type BatchQueue interface {
	Snapshot(ctx context.Context) ([]spillway.Job, error)
}
