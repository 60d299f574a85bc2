// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spillway

import (
	"fmt"
	"time"
)

// VM tracks one cloud VM from creation to teardown.
//
// AuthToken is the one-time credential a booting VM presents to the
// readiness endpoint. It is cleared when the VM becomes Ready and is
// never rendered in API responses.
//
// InstanceID, Address and ProviderType are assigned by the cloud
// backend when the start operation succeeds.
type VM struct {
	VMID         VMID      `json:"vmid"`
	State        VMState   `json:"state"`
	AuthToken    string    `json:"-"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	ReadyAt      time.Time `json:"ready_at,omitempty"`
	StoppedAt    time.Time `json:"stopped_at,omitempty"`
	TotalIdle    Duration  `json:"total_idle"`
	LastIdle     Duration  `json:"last_idle"`
	Jobs         JobIDSet  `json:"jobs"`
	NodeName     string    `json:"nodename,omitempty"`
	InstanceID   string    `json:"instance_id,omitempty"`
	Address      string    `json:"address,omitempty"`
	ProviderType string    `json:"provider_type,omitempty"`

	// StopRequested is set by the management API to force the VM
	// into the next scale-down pass regardless of policy.
	StopRequested bool `json:"stop_requested,omitempty"`
}

// Validate returns an error if the record violates the VM record
// invariants: vmid must be non-empty, jobs may only be associated with
// a Ready VM, and a Ready VM must have a node name.
func (vm VM) Validate() error {
	if vm.VMID == "" {
		return fmt.Errorf("VM record has empty vmid")
	}
	if len(vm.Jobs) > 0 && vm.State != VMStateReady {
		return fmt.Errorf("VM %s is %s but has %d jobs associated", vm.VMID, vm.State, len(vm.Jobs))
	}
	if vm.State == VMStateReady && vm.NodeName == "" {
		return fmt.Errorf("VM %s is Ready but has no nodename", vm.VMID)
	}
	return nil
}

// Copy returns an independent copy of the record, safe to hand to
// policies and API clients while the original keeps changing.
func (vm VM) Copy() VM {
	c := vm
	c.Jobs = vm.Jobs.Copy()
	return c
}

// VMID is an orchestrator-assigned VM identifier, unique for the
// lifetime of the orchestrator process.
type VMID string

// VMState is a string corresponding to a valid VM state.
type VMState string

const (
	// Start requested, waiting for the cloud and/or the readiness
	// handshake.
	VMStateStarting = VMState("Starting")
	// Cloud reports the instance running, but it has not called
	// home yet.
	VMStateUp = VMState("Up")
	// Readiness handshake completed; the VM accepts jobs under
	// NodeName.
	VMStateReady = VMState("Ready")
	// Shutdown decided; stop call dispatched or about to be.
	VMStateStopping = VMState("Stopping")
	// Instance gone, or start failed.
	VMStateDown = VMState("Down")
	// Cloud reports a state this orchestrator does not interpret.
	VMStateOther = VMState("Other")
)
