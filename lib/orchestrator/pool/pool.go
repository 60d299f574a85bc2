// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package pool implements the orchestrator's VM pool: the scheduling
// cycle that reconciles batch queue demand with cloud capacity, the
// readiness handshake for booting VMs, and the bookkeeping behind the
// management API.
package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmcvetta/randutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/lib/batchq"
	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/sdk/go/spillway"
	"github.com/spillway-project/spillway/sdk/go/stats"
)

const (
	defaultCycleInterval = 30 * time.Second
	defaultTimeoutStart  = 10 * time.Minute
	defaultTimeoutStop   = 10 * time.Minute
	defaultTimeoutStatus = time.Minute
	defaultTaskWorkers   = 8

	authTokenLength = 30
	authTokenChars  = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Pool tracks a set of cloud VMs serving an overflowing batch queue.
//
// A VM record lives in one of three places: the pending-auth map
// (keyed by one-time auth token) between the start request and the
// readiness handshake, the tracked map (keyed by vmid) from start
// success or handshake until a stop is decided, and the stopping map
// from the stop decision until the stop call succeeds. The node
// lookup maps nodenames to Ready records so queue snapshots can be
// matched to VMs.
//
// All fields below mtx are guarded by it. Cloud and batch system
// calls happen with the lock released; their results are reconciled
// under the lock afterwards.
type Pool struct {
	logger        logrus.FieldLogger
	backend       cloud.Backend
	queue         batchq.BatchQueue
	policy        Policy
	runner        *taskRunner
	maxVMs        int
	maxCycles     int
	cycleInterval time.Duration
	timeoutStart  time.Duration
	timeoutStop   time.Duration
	timeoutStatus time.Duration
	timeNow       func() time.Time
	stop          chan struct{}
	stopOnce      sync.Once

	mtx               sync.Mutex
	candidates        map[spillway.JobID]spillway.Job
	tracked           map[spillway.VMID]*spillway.VM
	stopping          map[spillway.VMID]*spillway.VM
	pendingAuth       map[string]*spillway.VM
	nodes             map[string]*spillway.VM
	vmSeq             int64
	watermark         time.Time
	lastIdleCheck     time.Time
	nextStartAllowed  time.Time
	cycles            int64
	lastCycleDuration time.Duration

	mVMs             *prometheus.GaugeVec
	mCandidates      prometheus.Gauge
	mCycles          prometheus.Counter
	mLastCycle       prometheus.Gauge
	mStartsInitiated prometheus.Counter
	mStartFailures   prometheus.Counter
	mStopsInitiated  prometheus.Counter
	mStopFailures    prometheus.Counter
	mReadyAccepted   prometheus.Counter
	mReadyRejected   prometheus.Counter
	mTasksRunning    prometheus.Gauge
	mTasksQueued     prometheus.Gauge
}

// New returns a Pool sized and timed according to
// cluster.CloudVMs. The caller is expected to have validated the
// config; see lib/orchestrator.
func New(logger logrus.FieldLogger, cluster *spillway.Cluster, backend cloud.Backend, queue batchq.BatchQueue, policy Policy, reg *prometheus.Registry) *Pool {
	cc := cluster.CloudVMs
	wp := &Pool{
		logger:        logger,
		backend:       backend,
		queue:         queue,
		policy:        policy,
		maxVMs:        cc.MaxVMs,
		maxCycles:     cc.MaxCycles,
		cycleInterval: duration(cc.CycleInterval, defaultCycleInterval),
		timeoutStart:  duration(cc.TimeoutStart, defaultTimeoutStart),
		timeoutStop:   duration(cc.TimeoutStop, defaultTimeoutStop),
		timeoutStatus: duration(cc.TimeoutStatus, defaultTimeoutStatus),
		timeNow:       time.Now,
		stop:          make(chan struct{}),
		candidates:    map[spillway.JobID]spillway.Job{},
		tracked:       map[spillway.VMID]*spillway.VM{},
		stopping:      map[spillway.VMID]*spillway.VM{},
		pendingAuth:   map[string]*spillway.VM{},
		nodes:         map[string]*spillway.VM{},
	}
	workers := cc.TaskWorkers
	if workers < 1 {
		workers = defaultTaskWorkers
	}
	wp.runner = newTaskRunner(logger, workers)
	wp.registerMetrics(reg)
	return wp
}

// Run executes scheduling cycles until the context is cancelled,
// Stop is called, or the configured MaxCycles is reached (0 means no
// limit). The readiness handshake and the status API keep working
// after Run returns.
func (wp *Pool) Run(ctx context.Context) {
	wp.logger.WithFields(logrus.Fields{
		"CycleInterval": wp.cycleInterval,
		"MaxVMs":        wp.maxVMs,
	}).Info("orchestrator starting")
	for cycle := 1; wp.maxCycles == 0 || cycle <= wp.maxCycles; cycle++ {
		select {
		case <-ctx.Done():
			return
		case <-wp.stop:
			return
		default:
		}
		cycleStart := wp.timeNow()
		wp.runCycle(ctx)
		sleep := wp.cycleInterval - wp.timeNow().Sub(cycleStart)
		if sleep <= 0 {
			if wp.cycleInterval > 0 {
				wp.logger.WithFields(logrus.Fields{
					"Elapsed":       stats.Duration(wp.timeNow().Sub(cycleStart)),
					"CycleInterval": stats.Duration(wp.cycleInterval),
				}).Warn("scheduling cycle overran the cycle interval")
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-wp.stop:
			return
		case <-time.After(sleep):
		}
	}
	wp.logger.WithField("Cycles", wp.maxCycles).Info("cycle limit reached, scheduling stopped")
}

// Stop terminates the Run loop and, once the queued cloud operations
// have drained, the task workers.
func (wp *Pool) Stop() {
	wp.stopOnce.Do(func() {
		close(wp.stop)
		wp.runner.Close()
	})
}

func (wp *Pool) runCycle(ctx context.Context) {
	cycleStart := wp.timeNow()
	if err := wp.updateJobStatus(ctx); err != nil {
		wp.logger.WithError(err).Error("error getting batch queue snapshot, skipping cycle")
	} else {
		wp.refreshVMStatus(ctx)
		wp.updateIdle(cycleStart)
		wp.scaleUp()
		wp.scaleDown()
	}
	wp.mCycles.Inc()
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	wp.cycles++
	wp.lastCycleDuration = wp.timeNow().Sub(cycleStart)
	wp.updateMetricsLocked()
}

// updateJobStatus gets a queue snapshot and reconciles it with the
// candidate list and the job associations of Ready VMs. A snapshot
// error leaves all state, including the watermark, untouched.
func (wp *Pool) updateJobStatus(ctx context.Context) error {
	snapAt := wp.timeNow()
	jobs, err := wp.queue.Snapshot(ctx)
	if err != nil {
		return err
	}

	insnap := make(map[spillway.JobID]spillway.Job, len(jobs))
	for _, job := range jobs {
		if job.State != spillway.JobStateFinished {
			insnap[job.JobID] = job
		}
	}

	wp.mtx.Lock()
	defer wp.mtx.Unlock()

	for _, vm := range wp.tracked {
		for jobid := range vm.Jobs {
			if _, ok := insnap[jobid]; !ok {
				vm.Jobs.Remove(jobid)
				wp.logger.WithFields(logrus.Fields{
					"JobID":    jobid,
					"VMID":     vm.VMID,
					"NodeName": vm.NodeName,
				}).Info("job finished")
			}
		}
	}

	for _, job := range jobs {
		switch job.State {
		case spillway.JobStateRunning:
			if !job.RunningAt.After(wp.watermark) {
				continue
			}
			_, wasCandidate := wp.candidates[job.JobID]
			delete(wp.candidates, job.JobID)
			logger := wp.logger.WithFields(logrus.Fields{
				"JobID":    job.JobID,
				"NodeName": job.ExecNodeName,
			})
			if vm, ok := wp.nodes[job.ExecNodeName]; ok {
				vm.Jobs.Add(job.JobID)
				logger.WithField("VMID", vm.VMID).Info("job started on cloud VM")
			} else if wasCandidate {
				logger.Error("candidate job is running on a node this orchestrator does not manage")
			}
		case spillway.JobStatePending:
			// Re-testing jobs that failed the candidate check
			// before lets a policy with a pending-job grace
			// period admit them once the grace elapses.
			if _, ok := wp.candidates[job.JobID]; ok {
				wp.candidates[job.JobID] = job
			} else if wp.policy.IsCloudCandidate(job) {
				wp.candidates[job.JobID] = job
				wp.logger.WithFields(logrus.Fields{
					"JobID":       job.JobID,
					"SubmittedAt": job.SubmittedAt,
				}).Info("pending job added to cloud candidates")
			}
		}
	}

	for jobid := range wp.candidates {
		current, ok := insnap[jobid]
		if ok && current.State == spillway.JobStatePending {
			continue
		}
		delete(wp.candidates, jobid)
		logger := wp.logger.WithField("JobID", jobid)
		if !ok {
			logger.Info("candidate job left the queue")
		} else {
			logger.WithField("State", current.State).Info("candidate job is no longer pending")
		}
	}

	wp.watermark = snapAt
	return nil
}

// refreshVMStatus asks the cloud backend for the current state of all
// tracked VMs and reconciles the answers. The backend works on
// copies, so the lock is not held during the cloud call.
func (wp *Pool) refreshVMStatus(ctx context.Context) {
	wp.mtx.Lock()
	copies := make([]*spillway.VM, 0, len(wp.tracked))
	for _, vm := range wp.tracked {
		c := vm.Copy()
		copies = append(copies, &c)
	}
	wp.mtx.Unlock()
	if len(copies) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, wp.timeoutStatus)
	defer cancel()
	if err := wp.backend.RefreshStatus(ctx, copies); err != nil {
		wp.logger.WithError(err).Warn("error refreshing instance status, keeping last known states")
		return
	}

	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	for _, c := range copies {
		vm, ok := wp.tracked[c.VMID]
		if !ok {
			// Moved to stopping (or removed) while the lock
			// was released.
			continue
		}
		if c.Address != "" {
			vm.Address = c.Address
		}
		logger := wp.logger.WithFields(logrus.Fields{
			"VMID":       vm.VMID,
			"InstanceID": vm.InstanceID,
		})
		switch c.State {
		case spillway.VMStateUp:
			if vm.State == spillway.VMStateStarting || vm.State == spillway.VMStateOther {
				vm.State = spillway.VMStateUp
				logger.Info("instance is up")
			}
		case spillway.VMStateDown:
			logger.Warn("instance disappeared from cloud")
			if len(vm.Jobs) > 0 {
				logger.WithField("Jobs", vm.Jobs.Sorted()).Warn("instance terminated while jobs were associated")
			}
			wp.unlinkLocked(vm)
			vm.State = spillway.VMStateDown
			vm.Jobs = make(spillway.JobIDSet)
		case spillway.VMStateOther:
			if vm.State != spillway.VMStateReady && vm.State != spillway.VMStateOther {
				logger.WithField("State", vm.State).Warn("instance is in an unexpected state")
				vm.State = spillway.VMStateOther
			}
		}
	}
}

// updateIdle charges the real time elapsed since the last successful
// cycle to every tracked VM that has no jobs, and resets the
// last-idle clock of VMs that do.
func (wp *Pool) updateIdle(now time.Time) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if !wp.lastIdleCheck.IsZero() {
		elapsed := spillway.Duration(now.Sub(wp.lastIdleCheck))
		for _, vm := range wp.tracked {
			if len(vm.Jobs) > 0 {
				vm.LastIdle = 0
				continue
			}
			vm.TotalIdle += elapsed
			vm.LastIdle += elapsed
		}
	}
	wp.lastIdleCheck = now
}

// scaleUp starts at most one new VM per cycle, when demand warrants
// it, the pool is below its size limit, and the cloud is not rate
// limiting us.
func (wp *Pool) scaleUp() {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if !wp.vmNeededLocked() {
		return
	}
	if active := wp.activeCountLocked(); active >= wp.maxVMs {
		wp.logger.WithFields(logrus.Fields{
			"ActiveVMs": active,
			"MaxVMs":    wp.maxVMs,
		}).Debug("VM needed, but the pool is at its size limit")
		return
	}
	if wp.timeNow().Before(wp.nextStartAllowed) {
		wp.logger.WithField("EarliestRetry", wp.nextStartAllowed).Info("VM needed, but the cloud is rate limiting requests")
		return
	}
	token, err := wp.newAuthTokenLocked()
	if err != nil {
		wp.logger.WithError(err).Error("error generating auth token")
		return
	}
	wp.vmSeq++
	vm := &spillway.VM{
		VMID:      spillway.VMID(fmt.Sprintf("vm%05d", wp.vmSeq)),
		State:     spillway.VMStateStarting,
		AuthToken: token,
		Jobs:      make(spillway.JobIDSet),
	}
	wp.pendingAuth[token] = vm
	wp.mStartsInitiated.Inc()
	wp.logger.WithFields(logrus.Fields{
		"VMID":       vm.VMID,
		"Candidates": len(wp.candidates),
	}).Info("starting new VM")
	arg := vm.Copy()
	wp.runner.Go("start "+string(vm.VMID), wp.timeoutStart,
		func(ctx context.Context) error { return wp.backend.Start(ctx, &arg) },
		func(err error) { wp.startDone(vm, &arg, err) })
}

// caller must have lock.
func (wp *Pool) vmNeededLocked() bool {
	if dp, ok := wp.policy.(DemandPolicy); ok {
		return dp.IsNewVMNeeded(wp.statusLocked())
	}
	return len(wp.candidates) > 0
}

// caller must have lock. Counts tracked records plus starts still in
// flight, so the size limit covers VMs the cloud is still creating.
func (wp *Pool) activeCountLocked() int {
	n := len(wp.tracked)
	for _, vm := range wp.pendingAuth {
		if _, ok := wp.tracked[vm.VMID]; !ok {
			n++
		}
	}
	return n
}

// caller must have lock.
func (wp *Pool) newAuthTokenLocked() (string, error) {
	for {
		token, err := randutil.String(authTokenLength, authTokenChars)
		if err != nil {
			return "", err
		}
		if _, inuse := wp.pendingAuth[token]; !inuse {
			return token, nil
		}
	}
}

// startDone reconciles the outcome of a start task. vm is the live
// record, started is the copy the backend filled in.
func (wp *Pool) startDone(vm *spillway.VM, started *spillway.VM, err error) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	defer wp.updateMetricsLocked()
	logger := wp.logger.WithField("VMID", vm.VMID)
	if err != nil {
		wp.mStartFailures.Inc()
		if rle, ok := err.(cloud.RateLimitError); ok {
			wp.nextStartAllowed = rle.EarliestRetry()
			logger.WithError(err).WithField("EarliestRetry", rle.EarliestRetry()).Warn("VM start failed, cloud is rate limiting requests")
		} else if qe, ok := err.(cloud.QuotaError); ok && qe.IsQuotaError() {
			logger.WithError(err).Info("VM start failed, cloud quota reached")
		} else {
			logger.WithError(err).Error("VM start failed")
		}
		if len(vm.Jobs) > 0 {
			logger.WithField("Jobs", vm.Jobs.Sorted()).Warn("discarding job associations of failed VM")
		}
		wp.unlinkLocked(vm)
		vm.State = spillway.VMStateDown
		vm.Jobs = make(spillway.JobIDSet)
		return
	}
	vm.InstanceID = started.InstanceID
	vm.ProviderType = started.ProviderType
	if started.Address != "" {
		vm.Address = started.Address
	}
	vm.StartedAt = wp.timeNow()
	logger = logger.WithFields(logrus.Fields{
		"InstanceID":   vm.InstanceID,
		"ProviderType": vm.ProviderType,
	})
	if _, held := wp.stopping[vm.VMID]; held {
		logger.Info("VM started, but it is already being stopped")
	} else if vm.State == spillway.VMStateDown {
		logger.Info("VM started, but it was already taken down")
	} else {
		wp.tracked[vm.VMID] = vm
		logger.Info("VM started")
	}
}

// scaleDown moves VMs whose time has come to the stop list and
// dispatches their stop tasks. Policy is consulted for Ready VMs
// only; an operator stop request overrides it for any tracked VM.
func (wp *Pool) scaleDown() {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	for vmid, vm := range wp.tracked {
		stop := vm.StopRequested
		if !stop && vm.State == spillway.VMStateReady {
			stop = wp.policy.CanVMBeStopped(vm.Copy())
		}
		if !stop {
			continue
		}
		if vm.InstanceID == "" {
			// Start call has not returned yet; wait for it so
			// the stop task knows which instance to destroy.
			continue
		}
		logger := wp.logger.WithFields(logrus.Fields{
			"VMID":     vmid,
			"NodeName": vm.NodeName,
			"LastIdle": vm.LastIdle,
		})
		if len(vm.Jobs) > 0 {
			logger.WithField("Jobs", vm.Jobs.Sorted()).Warn("stopping VM that still has jobs associated")
		}
		delete(wp.tracked, vmid)
		if vm.NodeName != "" && wp.nodes[vm.NodeName] == vm {
			delete(wp.nodes, vm.NodeName)
		}
		if vm.AuthToken != "" {
			delete(wp.pendingAuth, vm.AuthToken)
			vm.AuthToken = ""
		}
		vm.State = spillway.VMStateStopping
		vm.Jobs = make(spillway.JobIDSet)
		wp.stopping[vmid] = vm
		wp.mStopsInitiated.Inc()
		logger.Info("stopping VM")
		arg := vm.Copy()
		wp.runner.Go("stop "+string(vmid), wp.timeoutStop,
			func(ctx context.Context) error { return wp.backend.Stop(ctx, &arg) },
			func(err error) { wp.stopDone(vm, err) })
	}
}

// stopDone reconciles the outcome of a stop task. A failed stop
// leaves the record on the stop list where operators can see it; it
// is not retried automatically.
func (wp *Pool) stopDone(vm *spillway.VM, err error) {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	defer wp.updateMetricsLocked()
	logger := wp.logger.WithFields(logrus.Fields{
		"VMID":       vm.VMID,
		"InstanceID": vm.InstanceID,
	})
	if wp.stopping[vm.VMID] != vm {
		logger.Debug("stale stop completion, record already removed")
		return
	}
	if err != nil {
		wp.mStopFailures.Inc()
		logger.WithError(err).Error("VM stop failed, the instance may still be running and accruing charges")
		return
	}
	delete(wp.stopping, vm.VMID)
	vm.State = spillway.VMStateDown
	vm.StoppedAt = wp.timeNow()
	fields := logrus.Fields{}
	if !vm.StartedAt.IsZero() {
		runTime := vm.StoppedAt.Sub(vm.StartedAt)
		fields["RunTime"] = stats.Duration(runTime)
		if runTime > 0 {
			fields["IdlePct"] = fmt.Sprintf("%.1f", 100*float64(vm.TotalIdle)/float64(runTime))
		}
	}
	logger.WithFields(fields).Info("VM stopped")
}

// VMIsReady handles a readiness announcement from a booting VM. The
// auth token is single use: it is invalidated as soon as it is
// presented, whatever the outcome. VMIsReady returns true if the
// announcement was accepted; the VM is then Ready and jobs running
// under the given nodename are attributed to it.
func (wp *Pool) VMIsReady(authToken, nodename string) bool {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if authToken == "" || nodename == "" {
		wp.mReadyRejected.Inc()
		wp.logger.WithField("NodeName", nodename).Error("rejecting readiness announcement with missing auth token or hostname")
		return false
	}
	vm, ok := wp.pendingAuth[authToken]
	if !ok {
		wp.mReadyRejected.Inc()
		wp.logger.WithField("NodeName", nodename).Error("readiness announcement does not match any VM awaiting its handshake")
		return false
	}
	delete(wp.pendingAuth, authToken)
	vm.AuthToken = ""
	logger := wp.logger.WithFields(logrus.Fields{
		"VMID":     vm.VMID,
		"NodeName": nodename,
	})
	if vm.State == spillway.VMStateStopping || vm.State == spillway.VMStateDown {
		wp.mReadyRejected.Inc()
		logger.WithField("State", vm.State).Warn("ignoring readiness announcement for a VM that is already on its way down")
		return false
	}
	if other, ok := wp.nodes[nodename]; ok && other != vm {
		logger.WithField("OtherVMID", other.VMID).Warn("another VM already announced this nodename, replacing it in the node lookup")
	}
	vm.State = spillway.VMStateReady
	vm.ReadyAt = wp.timeNow()
	vm.NodeName = nodename
	if vm.Jobs == nil {
		vm.Jobs = make(spillway.JobIDSet)
	}
	wp.nodes[nodename] = vm
	wp.tracked[vm.VMID] = vm
	wp.mReadyAccepted.Inc()
	wp.updateMetricsLocked()
	logger.Info("VM is ready to accept jobs")
	return true
}

// SetStopRequested marks the given VM to be stopped in the next
// scheduling cycle regardless of policy. Requesting a stop for a VM
// that is already on the stop list is not an error.
func (wp *Pool) SetStopRequested(vmid spillway.VMID) error {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	if vm, ok := wp.tracked[vmid]; ok {
		vm.StopRequested = true
		wp.logger.WithField("VMID", vmid).Info("VM stop requested")
		return nil
	}
	if _, ok := wp.stopping[vmid]; ok {
		return nil
	}
	for _, vm := range wp.pendingAuth {
		if vm.VMID == vmid {
			vm.StopRequested = true
			wp.logger.WithField("VMID", vmid).Info("VM stop requested")
			return nil
		}
	}
	return fmt.Errorf("VM %s is not tracked", vmid)
}

// Status returns a copy of the pool's bookkeeping.
func (wp *Pool) Status() spillway.PoolStatus {
	wp.mtx.Lock()
	defer wp.mtx.Unlock()
	return wp.statusLocked()
}

// caller must have lock.
func (wp *Pool) statusLocked() spillway.PoolStatus {
	st := spillway.PoolStatus{
		Cycles:            wp.cycles,
		LastCycleDuration: spillway.Duration(wp.lastCycleDuration),
		Watermark:         wp.watermark,
		PendingAuth:       len(wp.pendingAuth),
		MaxVMs:            wp.maxVMs,
	}
	for _, job := range wp.candidates {
		st.Candidates = append(st.Candidates, job)
	}
	sort.Slice(st.Candidates, func(i, j int) bool { return st.Candidates[i].JobID < st.Candidates[j].JobID })
	for _, vm := range wp.tracked {
		st.VMs = append(st.VMs, vm.Copy())
	}
	for _, vm := range wp.pendingAuth {
		if _, ok := wp.tracked[vm.VMID]; !ok {
			st.VMs = append(st.VMs, vm.Copy())
		}
	}
	sort.Slice(st.VMs, func(i, j int) bool { return st.VMs[i].VMID < st.VMs[j].VMID })
	for _, vm := range wp.stopping {
		st.Stopping = append(st.Stopping, vm.Copy())
	}
	sort.Slice(st.Stopping, func(i, j int) bool { return st.Stopping[i].VMID < st.Stopping[j].VMID })
	return st
}

// caller must have lock. Remove vm from every index it appears in.
func (wp *Pool) unlinkLocked(vm *spillway.VM) {
	delete(wp.tracked, vm.VMID)
	delete(wp.stopping, vm.VMID)
	if vm.NodeName != "" && wp.nodes[vm.NodeName] == vm {
		delete(wp.nodes, vm.NodeName)
	}
	if vm.AuthToken != "" {
		delete(wp.pendingAuth, vm.AuthToken)
		vm.AuthToken = ""
	}
}

var vmStates = []spillway.VMState{
	spillway.VMStateStarting,
	spillway.VMStateUp,
	spillway.VMStateReady,
	spillway.VMStateStopping,
	spillway.VMStateDown,
	spillway.VMStateOther,
}

func (wp *Pool) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	wp.mVMs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "vms",
		Help:      "Number of VM records by state, including records whose start call is still in flight and records being stopped.",
	}, []string{"state"})
	reg.MustRegister(wp.mVMs)
	wp.mCandidates = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "candidate_jobs",
		Help:      "Number of pending jobs currently counting toward cloud demand.",
	})
	reg.MustRegister(wp.mCandidates)
	wp.mCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "cycles_total",
		Help:      "Number of scheduling cycles run since process start.",
	})
	reg.MustRegister(wp.mCycles)
	wp.mLastCycle = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "last_cycle_seconds",
		Help:      "Duration of the last scheduling cycle.",
	})
	reg.MustRegister(wp.mLastCycle)
	wp.mStartsInitiated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "vm_starts_total",
		Help:      "Number of VM start operations initiated.",
	})
	reg.MustRegister(wp.mStartsInitiated)
	wp.mStartFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "vm_start_failures_total",
		Help:      "Number of VM start operations that failed, including timeouts, quota and rate limit errors.",
	})
	reg.MustRegister(wp.mStartFailures)
	wp.mStopsInitiated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "vm_stops_total",
		Help:      "Number of VM stop operations initiated.",
	})
	reg.MustRegister(wp.mStopsInitiated)
	wp.mStopFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "vm_stop_failures_total",
		Help:      "Number of VM stop operations that failed.",
	})
	reg.MustRegister(wp.mStopFailures)
	wp.mReadyAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "ready_announcements_accepted_total",
		Help:      "Number of readiness announcements that matched a VM awaiting its handshake.",
	})
	reg.MustRegister(wp.mReadyAccepted)
	wp.mReadyRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "ready_announcements_rejected_total",
		Help:      "Number of readiness announcements rejected because of a bad token or VM state.",
	})
	reg.MustRegister(wp.mReadyRejected)
	wp.mTasksRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "tasks_running",
		Help:      "Number of workers currently executing a cloud operation.",
	})
	reg.MustRegister(wp.mTasksRunning)
	wp.mTasksQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spillway",
		Subsystem: "orchestrator",
		Name:      "tasks_queued",
		Help:      "Number of cloud operations waiting for a free worker.",
	})
	reg.MustRegister(wp.mTasksQueued)
}

// caller must have lock.
func (wp *Pool) updateMetricsLocked() {
	counts := map[spillway.VMState]int{}
	for _, vm := range wp.tracked {
		counts[vm.State]++
	}
	for _, vm := range wp.pendingAuth {
		if _, ok := wp.tracked[vm.VMID]; !ok {
			counts[vm.State]++
		}
	}
	for _, vm := range wp.stopping {
		counts[vm.State]++
	}
	for _, state := range vmStates {
		wp.mVMs.WithLabelValues(strings.ToLower(string(state))).Set(float64(counts[state]))
	}
	wp.mCandidates.Set(float64(len(wp.candidates)))
	wp.mLastCycle.Set(wp.lastCycleDuration.Seconds())
	running, queued := wp.runner.Stats()
	wp.mTasksRunning.Set(float64(running))
	wp.mTasksQueued.Set(float64(queued))
}

func duration(conf spillway.Duration, def time.Duration) time.Duration {
	if conf > 0 {
		return time.Duration(conf)
	}
	return def
}
