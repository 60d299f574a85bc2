// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/lib/cloud/dummy"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/spillway"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&OrchestratorSuite{})

type OrchestratorSuite struct {
	ctx     context.Context
	cancel  context.CancelFunc
	cluster *spillway.Cluster
	queue   *testQueue
	orch    *orchestrator
	srv     *httptest.Server
}

func (s *OrchestratorSuite) SetUpTest(c *check.C) {
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.ctx = ctxlog.Context(s.ctx, ctxlog.TestLogger(c))
	s.queue = &testQueue{}
	s.cluster = &spillway.Cluster{
		ClusterID:       "zzzzz",
		ManagementToken: "test-management-token",
		CloudVMs: spillway.CloudVMsConfig{
			Driver:        "dummy",
			MaxVMs:        4,
			TaskWorkers:   2,
			CycleInterval: spillway.Duration(10 * time.Millisecond),
			TimeoutIdle:   spillway.Duration(100 * time.Millisecond),
		},
	}
	s.orch = &orchestrator{
		Cluster:  s.cluster,
		Context:  s.ctx,
		Queue:    s.queue,
		Registry: prometheus.NewRegistry(),
	}
	s.srv = nil
	// Test cases can modify s.cluster and set s.orch.Backend
	// before calling initialize(), and then call go run().
}

func (s *OrchestratorSuite) TearDownTest(c *check.C) {
	s.cancel()
	s.orch.Close()
	if s.srv != nil {
		s.srv.Close()
	}
}

// startDummy serves the orchestrator's HTTP surface on a real
// listener, points a dummy cloud at its readiness endpoint, submits
// one pending job, and returns the resulting VM record once its
// readiness announcement has come in over HTTP.
func (s *OrchestratorSuite) startDummy(c *check.C) spillway.VM {
	s.srv = httptest.NewServer(s.orch)
	u, err := url.Parse(s.srv.URL)
	c.Assert(err, check.IsNil)
	s.cluster.CloudVMs.ReadyURL = spillway.URL(*u)

	be, err := dummy.Driver.Backend(s.cluster.CloudVMs, cloud.InstanceSetID(s.cluster.ClusterID), ctxlog.TestLogger(c))
	c.Assert(err, check.IsNil)
	s.orch.Backend = be
	s.orch.setupOnce.Do(s.orch.initialize)

	s.queue.set(spillway.Job{
		JobID:       "toil1",
		State:       spillway.JobStatePending,
		SubmittedAt: time.Now().Add(-time.Minute),
	})
	go s.orch.run()

	var status spillway.PoolStatus
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		status = s.getStatus(c)
		if len(status.VMs) == 1 && status.VMs[0].State == spillway.VMStateReady {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for a ready VM, last status %+v", status)
		}
	}
	return status.VMs[0]
}

func (s *OrchestratorSuite) apiRequest(c *check.C, method, path, token string) (int, string) {
	req, err := http.NewRequest(method, s.srv.URL+path, nil)
	c.Assert(err, check.IsNil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.srv.Client().Do(req)
	c.Assert(err, check.IsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, check.IsNil)
	return resp.StatusCode, string(body)
}

func (s *OrchestratorSuite) getStatus(c *check.C) spillway.PoolStatus {
	code, body := s.apiRequest(c, "GET", "/spillway/v1/status", s.cluster.ManagementToken)
	c.Assert(code, check.Equals, http.StatusOK)
	var status spillway.PoolStatus
	c.Assert(json.Unmarshal([]byte(body), &status), check.IsNil)
	return status
}

// Dispatch a job to a dummy cloud and follow the resulting VM through
// its whole life: start, readiness announcement over HTTP, job
// assignment, idle timeout, shutdown.
func (s *OrchestratorSuite) TestLifecycleWithDummyDriver(c *check.C) {
	// A pending job keeps demanding VMs until it runs, so cap the
	// pool at one to keep the assertions simple.
	s.cluster.CloudVMs.MaxVMs = 1
	vm := s.startDummy(c)
	c.Check(vm.NodeName, check.Matches, `dummy-\d+`)
	c.Check(vm.InstanceID, check.Equals, vm.NodeName)
	c.Check(vm.ProviderType, check.Equals, "dummy")
	c.Check(vm.ReadyAt.IsZero(), check.Equals, false)

	// The one-time auth token must not leak through the API.
	code, body := s.apiRequest(c, "GET", "/spillway/v1/vms", s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(strings.Contains(body, "AuthToken"), check.Equals, false)

	code, body = s.apiRequest(c, "GET", "/spillway/v1/jobs", s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `(?s).*"toil1".*`)

	// The batch system reports the job running on the new VM.
	s.queue.set(spillway.Job{
		JobID:        "toil1",
		State:        spillway.JobStateRunning,
		ExecNodeName: vm.NodeName,
		SubmittedAt:  time.Now().Add(-time.Minute),
		RunningAt:    time.Now(),
	})
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		status := s.getStatus(c)
		if len(status.Candidates) == 0 && len(status.VMs) == 1 && status.VMs[0].Jobs.Has("toil1") {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for job assignment, last status %+v", status)
		}
	}

	// Job finishes; the VM eventually exceeds its idle timeout
	// and is taken down.
	s.queue.set()
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		status := s.getStatus(c)
		if len(status.VMs) == 0 && len(status.Stopping) == 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for scale-down, last status %+v", status)
		}
	}

	code, body = s.apiRequest(c, "GET", "/metrics", s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusOK)
	c.Check(body, check.Matches, `(?ms).*spillway_orchestrator_vm_starts_total [^0].*`)
	c.Check(body, check.Matches, `(?ms).*spillway_orchestrator_vm_stops_total [^0].*`)
	c.Check(body, check.Matches, `(?ms).*spillway_orchestrator_ready_announcements_accepted_total [^0].*`)
	c.Check(body, check.Matches, `(?ms).*spillway_orchestrator_cycles_total [^0].*`)
	c.Check(body, check.Matches, `(?ms).*spillway_orchestrator_vms{state="ready"} 0.*`)
}

func (s *OrchestratorSuite) TestOperatorForcedStop(c *check.C) {
	s.cluster.CloudVMs.MaxVMs = 1
	s.cluster.CloudVMs.TimeoutIdle = 0
	vm := s.startDummy(c)
	s.queue.set()

	code, _ := s.apiRequest(c, "POST", "/spillway/v1/vms/stop", s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusBadRequest)
	code, _ = s.apiRequest(c, "POST", "/spillway/v1/vms/stop?vmid=vm99999", s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusNotFound)

	code, _ = s.apiRequest(c, "POST", "/spillway/v1/vms/stop?vmid="+string(vm.VMID), s.cluster.ManagementToken)
	c.Check(code, check.Equals, http.StatusOK)
	for deadline := time.Now().Add(10 * time.Second); ; time.Sleep(10 * time.Millisecond) {
		status := s.getStatus(c)
		if len(status.VMs) == 0 && len(status.Stopping) == 0 {
			break
		}
		if time.Now().After(deadline) {
			c.Fatalf("timed out waiting for forced stop, last status %+v", status)
		}
	}
}

func (s *OrchestratorSuite) TestAPIPermissions(c *check.C) {
	s.cluster.ManagementToken = "abcdefgh"
	s.orch.Backend = nopBackend{}
	s.orch.setupOnce.Do(s.orch.initialize)
	go s.orch.run()

	for _, token := range []string{"abc", ""} {
		req := httptest.NewRequest("GET", "/spillway/v1/vms", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp := httptest.NewRecorder()
		s.orch.ServeHTTP(resp, req)
		if token == "" {
			c.Check(resp.Code, check.Equals, http.StatusUnauthorized)
		} else {
			c.Check(resp.Code, check.Equals, http.StatusForbidden)
		}
	}

	for _, path := range []string{"/spillway/v1/status", "/spillway/v1/vms", "/spillway/v1/jobs", "/metrics", "/_health/ping"} {
		req := httptest.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer abcdefgh")
		resp := httptest.NewRecorder()
		s.orch.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, http.StatusOK, check.Commentf("%s", path))
	}

	req := httptest.NewRequest("GET", "/spillway/v1/status", nil)
	req.Header.Set("Authorization", "Bearer abcdefgh")
	resp := httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	var status spillway.PoolStatus
	c.Assert(json.Unmarshal(resp.Body.Bytes(), &status), check.IsNil)
	c.Check(status.MaxVMs, check.Equals, 4)

	// The readiness endpoint is authenticated by the one-time
	// token, not the management token.
	req = httptest.NewRequest("POST", "/spillway/v1/ready?auth=bogus&hostname=node1.example", nil)
	resp = httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `(?s).*readiness announcement rejected.*`)
}

func (s *OrchestratorSuite) TestAPIDisabled(c *check.C) {
	s.cluster.ManagementToken = ""
	s.orch.Backend = nopBackend{}
	s.orch.setupOnce.Do(s.orch.initialize)
	go s.orch.run()

	for _, token := range []string{"abc", ""} {
		req := httptest.NewRequest("GET", "/spillway/v1/vms", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp := httptest.NewRecorder()
		s.orch.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, http.StatusForbidden)
		c.Check(resp.Body.String(), check.Matches, `(?s).*authentication is not configured.*`)
	}

	// Readiness announcements are still routed.
	req := httptest.NewRequest("POST", "/spillway/v1/ready?auth=bogus&hostname=node1", nil)
	resp := httptest.NewRecorder()
	s.orch.ServeHTTP(resp, req)
	c.Check(resp.Code, check.Equals, http.StatusForbidden)
	c.Check(resp.Body.String(), check.Matches, `(?s).*readiness announcement rejected.*`)
}

func (s *OrchestratorSuite) TestBadConfig(c *check.C) {
	for _, trial := range []struct {
		fixup func(*spillway.Cluster)
		err   string
	}{
		{func(cl *spillway.Cluster) { cl.CloudVMs.Driver = "gce" }, `.*unsupported cloud driver "gce".*`},
		{func(cl *spillway.Cluster) { cl.BatchSystem.Type = "pbs" }, `.*unsupported batch system type "pbs".*`},
		{func(cl *spillway.Cluster) { cl.CloudVMs.MaxVMs = 0 }, `.*MaxVMs must be at least 1.*`},
		{func(cl *spillway.Cluster) { cl.CloudVMs.TaskWorkers = -1 }, `.*TaskWorkers must be at least 1.*`},
	} {
		cluster := *s.cluster
		trial.fixup(&cluster)
		h := newHandler(s.ctx, &cluster, prometheus.NewRegistry())
		c.Check(h.CheckHealth(), check.ErrorMatches, trial.err)
		req := httptest.NewRequest("GET", "/spillway/v1/status", nil)
		resp := httptest.NewRecorder()
		h.ServeHTTP(resp, req)
		c.Check(resp.Code, check.Equals, http.StatusInternalServerError)
	}

	// With a valid config, construction succeeds.
	timeline := filepath.Join(c.MkDir(), "timeline.jsonl")
	c.Assert(os.WriteFile(timeline, nil, 0777), check.IsNil)
	cluster := *s.cluster
	cluster.BatchSystem.Type = "replay"
	cluster.BatchSystem.Replay.Path = timeline
	h := newHandler(s.ctx, &cluster, prometheus.NewRegistry())
	c.Check(h.CheckHealth(), check.IsNil)
}

type testQueue struct {
	mtx  sync.Mutex
	jobs []spillway.Job
}

func (q *testQueue) Snapshot(context.Context) ([]spillway.Job, error) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	return append([]spillway.Job(nil), q.jobs...), nil
}

func (q *testQueue) set(jobs ...spillway.Job) {
	q.mtx.Lock()
	defer q.mtx.Unlock()
	q.jobs = jobs
}

type nopBackend struct{}

func (nopBackend) Start(context.Context, *spillway.VM) error           { return nil }
func (nopBackend) Stop(context.Context, *spillway.VM) error            { return nil }
func (nopBackend) RefreshStatus(context.Context, []*spillway.VM) error { return nil }
