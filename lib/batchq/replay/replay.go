// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package replay serves batch queue snapshots from a recorded
// workload file. Together with the dummy cloud driver it turns the
// orchestrator into a simulator: scaling decisions run against a
// captured or synthesized demand timeline instead of a live batch
// master.
//
// The timeline file has one JSON document per line:
//
//	{"jobid": "sim-1", "submit_after": "10s", "run_after": "2m", "finish_after": "10m", "exec_node_name": "sim-node-1"}
//
// Times are offsets from playback start. A job appears in snapshots
// as Pending once submit_after has elapsed, switches to Running on
// exec_node_name at run_after, and leaves the queue at finish_after.
// A zero run_after means the job never runs, modeling demand that is
// not served; a zero finish_after means it never finishes.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

type entry struct {
	JobID        spillway.JobID    `json:"jobid"`
	ExecNodeName string            `json:"exec_node_name"`
	SubmitAfter  spillway.Duration `json:"submit_after"`
	RunAfter     spillway.Duration `json:"run_after"`
	FinishAfter  spillway.Duration `json:"finish_after"`
}

type Queue struct {
	config  spillway.ReplayConfig
	logger  logrus.FieldLogger
	entries []entry

	timeNow   func() time.Time // test hook
	mtx       sync.Mutex
	startedAt time.Time
}

// New loads the timeline at config.Path. Playback starts at the first
// Snapshot call.
func New(config spillway.ReplayConfig, logger logrus.FieldLogger) (*Queue, error) {
	f, err := os.Open(config.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var entries []entry
	scanner := bufio.NewScanner(f)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("%s line %d: %s", config.Path, lineno, err)
		}
		if err := checkEntry(e); err != nil {
			return nil, fmt.Errorf("%s line %d: %s", config.Path, lineno, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %s", config.Path, err)
	}
	logger.Infof("loaded %d jobs from %s", len(entries), config.Path)
	return &Queue{
		config:  config,
		logger:  logger,
		entries: entries,
		timeNow: time.Now,
	}, nil
}

func checkEntry(e entry) error {
	if e.JobID == "" {
		return fmt.Errorf("job has empty jobid")
	}
	if e.RunAfter > 0 && e.ExecNodeName == "" {
		return fmt.Errorf("job %s has run_after but no exec_node_name", e.JobID)
	}
	if e.RunAfter > 0 && e.RunAfter < e.SubmitAfter {
		return fmt.Errorf("job %s has run_after before submit_after", e.JobID)
	}
	if e.FinishAfter > 0 && (e.FinishAfter < e.SubmitAfter || e.FinishAfter < e.RunAfter) {
		return fmt.Errorf("job %s has finish_after before submit_after/run_after", e.JobID)
	}
	return nil
}

// Snapshot returns the jobs whose timeline position has been reached,
// in file order.
func (q *Queue) Snapshot(ctx context.Context) ([]spillway.Job, error) {
	q.mtx.Lock()
	if q.startedAt.IsZero() {
		q.startedAt = q.timeNow()
		q.logger.Infof("replaying %d jobs at time scale %v", len(q.entries), q.scale())
	}
	started := q.startedAt
	q.mtx.Unlock()

	virtual := time.Duration(float64(q.timeNow().Sub(started)) * q.scale())
	var jobs []spillway.Job
	for _, e := range q.entries {
		if virtual < e.SubmitAfter.Duration() {
			continue
		}
		if e.FinishAfter > 0 && virtual >= e.FinishAfter.Duration() {
			continue
		}
		job := spillway.Job{
			JobID:       e.JobID,
			State:       spillway.JobStatePending,
			SubmittedAt: started.Add(q.wall(e.SubmitAfter)),
		}
		if e.RunAfter > 0 && virtual >= e.RunAfter.Duration() {
			job.State = spillway.JobStateRunning
			job.ExecNodeName = e.ExecNodeName
			job.RunningAt = started.Add(q.wall(e.RunAfter))
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// wall converts a timeline offset to elapsed wall clock time.
func (q *Queue) wall(d spillway.Duration) time.Duration {
	return time.Duration(float64(d) / q.scale())
}

func (q *Queue) scale() float64 {
	if q.config.TimeScale > 0 {
		return q.config.TimeScale
	}
	return 1
}
