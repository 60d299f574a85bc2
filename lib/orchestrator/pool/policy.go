// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"time"

	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// A Policy decides which pending jobs justify starting cloud VMs,
// and when a running VM has outlived its usefulness.
//
// Both methods are called with copies, once per job/VM per
// scheduling cycle, while the pool's lock is held: implementations
// must not block.
type Policy interface {
	// IsCloudCandidate reports whether the given pending job
	// should count toward cloud demand. Once a job has been
	// accepted it stays on the candidate list until it starts
	// running or leaves the queue, without further calls.
	IsCloudCandidate(job spillway.Job) bool
	// CanVMBeStopped reports whether the given VM (always in
	// state Ready) should be taken down now.
	CanVMBeStopped(vm spillway.VM) bool
}

// A DemandPolicy additionally takes over the decision whether a new
// VM is needed at all. When the configured Policy does not implement
// DemandPolicy, the pool starts a VM whenever the candidate list is
// non-empty and the pool is below its size limit.
type DemandPolicy interface {
	Policy
	// IsNewVMNeeded reports whether a new VM should be started,
	// given the pool's current status. The size limit is still
	// enforced by the pool itself.
	IsNewVMNeeded(status spillway.PoolStatus) bool
}

// ThresholdPolicy is the stock policy: a pending job becomes a cloud
// candidate once it has waited at least PendingJobGrace, and a Ready
// VM can be stopped once it has had no jobs for at least TimeoutIdle.
type ThresholdPolicy struct {
	PendingJobGrace time.Duration
	TimeoutIdle     time.Duration

	timeNow func() time.Time
}

// IsCloudCandidate implements Policy.
func (p *ThresholdPolicy) IsCloudCandidate(job spillway.Job) bool {
	return p.now().Sub(job.SubmittedAt) >= p.PendingJobGrace
}

// CanVMBeStopped implements Policy. A zero TimeoutIdle disables
// scale-down entirely.
func (p *ThresholdPolicy) CanVMBeStopped(vm spillway.VM) bool {
	return p.TimeoutIdle > 0 && vm.LastIdle.Duration() >= p.TimeoutIdle
}

func (p *ThresholdPolicy) now() time.Time {
	if p.timeNow != nil {
		return p.timeNow()
	}
	return time.Now()
}
