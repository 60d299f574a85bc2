// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dummy provides a cloud backend that keeps its instances in
// process memory. It is used by tests, and by simulations that play
// back a recorded job timeline without touching a real cloud account.
//
// A dummy instance "boots" after the configured BootDelay and then
// announces itself to the readiness endpoint over HTTP, the same way
// a real instance's first-boot script would.
package dummy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// Driver is the dummy implementation of the cloud.Driver interface.
var Driver = cloud.DriverFunc(newDummyBackend)

type dummyBackendParams struct {
	// Time between a successful start call and the instance
	// announcing readiness.
	BootDelay time.Duration

	// Probability (0 to 1) that a start or stop call fails.
	StartErrorRate float64
	StopErrorRate  float64
}

func decodeParams(raw json.RawMessage) (dummyBackendParams, error) {
	var params dummyBackendParams
	if len(raw) == 0 {
		return params, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return params, err
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.StringToTimeDurationHookFunc(),
		Result:     &params,
	})
	if err != nil {
		return params, err
	}
	return params, dec.Decode(m)
}

type dummyBackend struct {
	params   dummyBackendParams
	readyURL string
	logger   logrus.FieldLogger

	mtx       sync.Mutex
	instances map[string]*dummyInstance
	seq       int
}

type dummyInstance struct {
	state spillway.VMState
}

func newDummyBackend(cloudcfg spillway.CloudVMsConfig, _ cloud.InstanceSetID, logger logrus.FieldLogger) (cloud.Backend, error) {
	params, err := decodeParams(cloudcfg.DriverParameters)
	if err != nil {
		return nil, fmt.Errorf("error decoding driver parameters: %s", err)
	}
	be := &dummyBackend{
		params:    params,
		readyURL:  cloudcfg.ReadyURL.String(),
		logger:    logger,
		instances: map[string]*dummyInstance{},
	}
	if be.readyURL == "" {
		logger.Warn("CloudVMs.ReadyURL is not set; dummy instances will never announce readiness")
	}
	return be, nil
}

func (be *dummyBackend) Start(ctx context.Context, vm *spillway.VM) error {
	if rand.Float64() < be.params.StartErrorRate {
		return errors.New("instance create failed (injected error)")
	}
	be.mtx.Lock()
	be.seq++
	name := fmt.Sprintf("dummy-%07d", be.seq)
	be.instances[name] = &dummyInstance{state: spillway.VMStateStarting}
	be.mtx.Unlock()

	vm.InstanceID = name
	vm.ProviderType = "dummy"
	vm.Address = "127.0.0.1"

	authToken := vm.AuthToken
	time.AfterFunc(be.params.BootDelay, func() {
		be.boot(name, authToken)
	})
	return nil
}

func (be *dummyBackend) boot(name, authToken string) {
	be.mtx.Lock()
	inst, ok := be.instances[name]
	if !ok || inst.state != spillway.VMStateStarting {
		// stopped before it finished booting
		be.mtx.Unlock()
		return
	}
	inst.state = spillway.VMStateUp
	be.mtx.Unlock()
	be.announce(authToken, name)
}

func (be *dummyBackend) announce(authToken, hostname string) {
	if be.readyURL == "" {
		return
	}
	url := strings.TrimSuffix(be.readyURL, "/") + "/spillway/v1/ready?auth=" + authToken + "&hostname=" + hostname
	client := retryablehttp.NewClient()
	client.RetryWaitMin = time.Second / 4
	client.RetryWaitMax = time.Second
	client.RetryMax = 4
	client.Logger = nil
	resp, err := client.Post(url, "application/octet-stream", nil)
	if err != nil {
		be.logger.WithError(err).WithField("Instance", hostname).Warn("readiness announcement failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		be.logger.WithFields(logrus.Fields{
			"Instance": hostname,
			"Status":   resp.StatusCode,
		}).Warn("readiness announcement rejected")
	}
}

func (be *dummyBackend) Stop(ctx context.Context, vm *spillway.VM) error {
	if rand.Float64() < be.params.StopErrorRate {
		return errors.New("instance delete failed (injected error)")
	}
	be.mtx.Lock()
	defer be.mtx.Unlock()
	inst, ok := be.instances[vm.InstanceID]
	if !ok {
		return fmt.Errorf("unknown instance %q", vm.InstanceID)
	}
	inst.state = spillway.VMStateDown
	return nil
}

func (be *dummyBackend) RefreshStatus(ctx context.Context, vms []*spillway.VM) error {
	be.mtx.Lock()
	defer be.mtx.Unlock()
	for _, vm := range vms {
		inst, ok := be.instances[vm.InstanceID]
		if !ok {
			vm.State = spillway.VMStateDown
			continue
		}
		vm.State = inst.state
	}
	return nil
}
