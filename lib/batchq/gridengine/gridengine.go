// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package gridengine takes batch queue snapshots from a Sun/Open/Univa
// Grid Engine master by running qstat and parsing its XML output.
package gridengine

import (
	"context"
	"encoding/xml"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// qstat prints local times with no zone designator.
const qstatTimeLayout = "2006-01-02T15:04:05"

type Queue struct {
	config spillway.GridEngineConfig
	logger logrus.FieldLogger

	// (for testing) if non-nil, call stubCommand() instead of
	// exec.CommandContext() when running qstat.
	stubCommand func(string, ...string) *exec.Cmd
}

func New(config spillway.GridEngineConfig, logger logrus.FieldLogger) *Queue {
	return &Queue{config: config, logger: logger}
}

func (q *Queue) command(ctx context.Context, prog string, args ...string) *exec.Cmd {
	if f := q.stubCommand; f != nil {
		return f(prog, args...)
	}
	return exec.CommandContext(ctx, prog, args...)
}

// Snapshot runs the configured qstat command and returns the pending
// and running jobs it reports.
func (q *Queue) Snapshot(ctx context.Context) ([]spillway.Job, error) {
	cmd := q.command(ctx, q.config.QstatCommand, q.config.QstatArguments...)
	q.logger.Debugf("running %q %q", q.config.QstatCommand, q.config.QstatArguments)
	buf, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s: %s", q.config.QstatCommand, errWithStderr(err))
	}
	return parseQstat(buf)
}

// qstat -xml lists running jobs under <queue_info> and pending jobs
// under a nested <job_info> element, both as <job_list> entries.
type qstatOutput struct {
	Running []qstatJob `xml:"queue_info>job_list"`
	Pending []qstatJob `xml:"job_info>job_list"`
}

type qstatJob struct {
	Number     string `xml:"JB_job_number"`
	State      string `xml:"state"`
	QueueName  string `xml:"queue_name"`
	SubmitTime string `xml:"JB_submission_time"`
	StartTime  string `xml:"JAT_start_time"`
}

func parseQstat(buf []byte) ([]spillway.Job, error) {
	var out qstatOutput
	err := xml.Unmarshal(buf, &out)
	if err != nil {
		return nil, fmt.Errorf("error parsing qstat XML: %s", err)
	}
	var jobs []spillway.Job
	for _, xj := range append(out.Running, out.Pending...) {
		job := spillway.Job{
			JobID:        spillway.JobID(xj.Number),
			State:        jobState(xj.State),
			ExecNodeName: execNodeName(xj.QueueName),
		}
		if xj.SubmitTime != "" {
			job.SubmittedAt, err = time.ParseInLocation(qstatTimeLayout, xj.SubmitTime, time.Local)
			if err != nil {
				return nil, fmt.Errorf("job %s: error parsing JB_submission_time %q: %s", xj.Number, xj.SubmitTime, err)
			}
		}
		if xj.StartTime != "" {
			job.RunningAt, err = time.ParseInLocation(qstatTimeLayout, xj.StartTime, time.Local)
			if err != nil {
				return nil, fmt.Errorf("job %s: error parsing JAT_start_time %q: %s", xj.Number, xj.StartTime, err)
			}
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("bad job record in qstat output: %s", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// jobState maps a Grid Engine state letter combination (see the qstat
// man page) to a job state. Any error, hold, suspend, or deletion
// letter takes precedence: such a job is neither runnable demand nor
// proof of a busy node.
func jobState(letters string) spillway.JobState {
	switch {
	case strings.ContainsAny(letters, "EhTsSd"):
		return spillway.JobStateOther
	case strings.Contains(letters, "q"):
		return spillway.JobStatePending
	case strings.ContainsAny(letters, "rt"):
		return spillway.JobStateRunning
	default:
		return spillway.JobStateOther
	}
}

// execNodeName extracts the unqualified host name from a Grid Engine
// queue instance name like "all.q@compute-0-1.example.org". Booting
// VMs report the same unqualified name in the readiness handshake, so
// the two can be matched up.
func execNodeName(queueName string) string {
	at := strings.Index(queueName, "@")
	if at < 0 {
		return ""
	}
	return strings.SplitN(queueName[at+1:], ".", 2)[0]
}

func errWithStderr(err error) error {
	if err, ok := err.(*exec.ExitError); ok {
		return fmt.Errorf("%s (%q)", err, err.Stderr)
	}
	return err
}
