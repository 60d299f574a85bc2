// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// A tester does a sequence of operations to test a cloud driver and
// configuration. Run() should be called only once, after assigning
// suitable values to public fields.
type tester struct {
	Logger          logrus.FieldLogger
	Driver          cloud.Driver
	CloudVMs        spillway.CloudVMsConfig
	SetID           cloud.InstanceSetID
	TimeoutBooting  time.Duration
	PollInterval    time.Duration
	PauseBeforeStop func()

	backend   cloud.Backend
	testVM    spillway.VM
	ready     chan string
	listening bool
}

// Run the test sequence as specified, clean up as needed, and return
// true (everything is OK) or false (something went wrong).
func (t *tester) Run() bool {
	// This flag gets set when we encounter a non-fatal problem, so
	// we can continue doing more checks but remember to return
	// false (failure) at the end.
	deferredError := false

	var err error
	t.backend, err = t.Driver.Backend(t.CloudVMs, t.SetID, t.Logger)
	if err != nil {
		t.Logger.WithError(err).Error("error initializing driver")
		return false
	}

	t.testVM = spillway.VM{
		VMID:      "cloudtest",
		State:     spillway.VMStateStarting,
		AuthToken: randomHex(40),
		StartedAt: time.Now(),
	}
	t.ready = make(chan string, 1)
	stopListener, err := t.startReadyListener()
	if err != nil {
		t.Logger.WithError(err).Error("error starting readiness listener")
		return false
	}
	if stopListener != nil {
		defer stopListener()
	}

	bootDeadline := time.Now().Add(t.TimeoutBooting)
	t.Logger.WithFields(logrus.Fields{
		"InstanceSetID": t.SetID,
		"Tags":          t.CloudVMs.ResourceTags,
		"Deadline":      bootDeadline,
	}).Info("starting test instance")
	ctx, cancel := context.WithDeadline(context.Background(), bootDeadline)
	defer cancel()
	t0 := time.Now()
	err = t.backend.Start(ctx, &t.testVM)
	lgr := t.Logger.WithField("Duration", time.Since(t0))
	if err != nil {
		lgr.WithError(err).Error("error starting test instance")
		return false
	}
	lgr.WithFields(logrus.Fields{
		"Instance":     t.testVM.InstanceID,
		"ProviderType": t.testVM.ProviderType,
		"Address":      t.testVM.Address,
	}).Info("started test instance")

	defer t.stopTestInstance()

	if !t.waitForBoot(bootDeadline) {
		deferredError = true
	}

	if fn := t.PauseBeforeStop; fn != nil {
		fn()
	}

	return !deferredError
}

// startReadyListener accepts readiness announcements at the port of
// the configured ReadyURL, so a test instance whose boot script calls
// home can prove the whole handshake path works, including the
// network path from the instance back to us. The returned func stops
// the listener; it is nil (with a nil error) when the handshake check
// is skipped.
func (t *tester) startReadyListener() (func(), error) {
	readyURL := url.URL(t.CloudVMs.ReadyURL)
	if readyURL.Host == "" {
		t.Logger.Info("CloudVMs.ReadyURL is not configured; skipping the readiness handshake check")
		return nil, nil
	}
	if readyURL.Scheme != "http" {
		t.Logger.WithField("URL", readyURL.String()).Info("readiness handshake check supports only plain http ReadyURLs; skipping it")
		return nil, nil
	}
	port := readyURL.Port()
	if port == "" {
		port = "80"
	}
	ln, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostname := r.FormValue("hostname")
		if r.Method != "POST" || hostname == "" || r.FormValue("auth") != t.testVM.AuthToken {
			http.Error(w, "readiness announcement rejected", http.StatusForbidden)
			return
		}
		select {
		case t.ready <- hostname:
		default:
		}
	})}
	go srv.Serve(ln)
	t.listening = true
	t.Logger.WithField("Address", ln.Addr().String()).Info("listening for readiness announcements")
	return func() { srv.Close() }, nil
}

// Poll the instance's cloud state until it reports Up and, when the
// readiness listener is active, its announcement has come in with the
// right auth token.
func (t *tester) waitForBoot(deadline time.Time) bool {
	for time.Now().Before(deadline) {
		if t.listening {
			select {
			case hostname := <-t.ready:
				t.Logger.WithField("Hostname", hostname).Info("readiness announcement received")
				return true
			default:
			}
		}
		switch t.refreshTestInstance() {
		case spillway.VMStateDown:
			t.Logger.Error("instance disappeared while booting")
			return false
		case spillway.VMStateUp, spillway.VMStateReady:
			if !t.listening {
				t.Logger.Info("instance is up")
				return true
			}
		}
		t.sleepPollInterval()
	}
	t.Logger.Error("timed out waiting for instance to boot")
	return false
}

// Get the instance's current state from the cloud. On a failed poll,
// the last known state is returned.
func (t *tester) refreshTestInstance() spillway.VMState {
	before := t.testVM.State
	err := t.backend.RefreshStatus(context.Background(), []*spillway.VM{&t.testVM})
	if err != nil {
		t.Logger.WithError(err).Error("error refreshing instance status")
		return t.testVM.State
	}
	if t.testVM.State != before {
		t.Logger.WithFields(logrus.Fields{
			"Instance": t.testVM.InstanceID,
			"State":    t.testVM.State,
		}).Info("instance state changed")
	}
	return t.testVM.State
}

// Currently, this tries forever until the cloud reports the instance
// down.
func (t *tester) stopTestInstance() {
	if t.testVM.InstanceID == "" {
		return
	}
	for {
		lgr := t.Logger.WithField("Instance", t.testVM.InstanceID)
		lgr.Info("stopping test instance")
		t0 := time.Now()
		err := t.backend.Stop(context.Background(), &t.testVM)
		lgrDur := lgr.WithField("Duration", time.Since(t0))
		if err != nil {
			lgrDur.WithError(err).Error("error stopping test instance")
			t.sleepPollInterval()
			continue
		}
		lgrDur.Info("Stop() call succeeded")
		break
	}
	for t.refreshTestInstance() != spillway.VMStateDown {
		t.sleepPollInterval()
	}
	t.Logger.Info("instance is down")
}

func (t *tester) sleepPollInterval() {
	time.Sleep(t.PollInterval)
}

// Return a random string of n hexadecimal digits (n*4 random bits). n
// must be even.
func randomHex(n int) string {
	buf := make([]byte, n/2)
	_, err := rand.Read(buf)
	if err != nil {
		panic(err)
	}
	return fmt.Sprintf("%x", buf)
}
