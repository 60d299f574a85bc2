// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package slurmrest takes batch queue snapshots from a slurmrestd
// server.
package slurmrest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

const jobsPath = "/slurm/v0.0.37/jobs"

type Queue struct {
	config spillway.SlurmRESTConfig
	logger logrus.FieldLogger
	client *retryablehttp.Client
}

func New(config spillway.SlurmRESTConfig, logger logrus.FieldLogger) *Queue {
	client := retryablehttp.NewClient()
	client.RetryWaitMin = time.Second / 2
	client.RetryWaitMax = 2 * time.Second
	client.RetryMax = 3
	client.Logger = nil
	return &Queue{config: config, logger: logger, client: client}
}

type slurmJob struct {
	JobID      int64  `json:"job_id"`
	JobState   string `json:"job_state"`
	SubmitTime int64  `json:"submit_time"`
	StartTime  int64  `json:"start_time"`
	Nodes      string `json:"nodes"`
}

type jobsResponse struct {
	Jobs   []slurmJob `json:"jobs"`
	Errors []struct {
		Error       string `json:"error"`
		ErrorNumber int    `json:"error_number"`
	} `json:"errors"`
}

// Snapshot polls the slurmrestd jobs endpoint and returns the jobs it
// reports.
func (q *Queue) Snapshot(ctx context.Context) ([]spillway.Job, error) {
	if q.config.PollTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.config.PollTimeout.Duration())
		defer cancel()
	}
	url := strings.TrimSuffix(q.config.URL.String(), "/") + jobsPath
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if q.config.UserName != "" {
		req.Header.Set("X-SLURM-USER-NAME", q.config.UserName)
	}
	if q.config.AuthToken != "" {
		req.Header.Set("X-SLURM-USER-TOKEN", q.config.AuthToken)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error getting queue snapshot from slurmrestd: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slurmrestd: %s", resp.Status)
	}
	var jr jobsResponse
	err = json.NewDecoder(resp.Body).Decode(&jr)
	if err != nil {
		return nil, fmt.Errorf("error parsing slurmrestd response: %s", err)
	}
	if len(jr.Errors) > 0 {
		return nil, fmt.Errorf("slurmrestd: %s (error %d)", jr.Errors[0].Error, jr.Errors[0].ErrorNumber)
	}
	jobs := make([]spillway.Job, 0, len(jr.Jobs))
	for _, sj := range jr.Jobs {
		job := spillway.Job{
			JobID: spillway.JobID(strconv.FormatInt(sj.JobID, 10)),
			State: jobState(sj.JobState),
		}
		if sj.SubmitTime > 0 {
			job.SubmittedAt = time.Unix(sj.SubmitTime, 0)
		}
		if job.State == spillway.JobStateRunning {
			// For pending jobs start_time is a scheduler
			// estimate; only a running job has really
			// started.
			if sj.StartTime > 0 {
				job.RunningAt = time.Unix(sj.StartTime, 0)
			}
			job.ExecNodeName = nodeName(sj.Nodes)
		}
		if err := job.Validate(); err != nil {
			return nil, fmt.Errorf("bad job record from slurmrestd: %s", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// jobState maps a Slurm job state name to a job state. COMPLETING and
// CONFIGURING jobs hold their allocated nodes, so they count as
// running.
func jobState(state string) spillway.JobState {
	switch state {
	case "PENDING":
		return spillway.JobStatePending
	case "RUNNING", "COMPLETING", "CONFIGURING":
		return spillway.JobStateRunning
	case "COMPLETED", "CANCELLED", "FAILED", "TIMEOUT", "NODE_FAIL", "PREEMPTED", "BOOT_FAIL", "DEADLINE", "OUT_OF_MEMORY":
		return spillway.JobStateFinished
	default:
		return spillway.JobStateOther
	}
}

// nodeName reduces a Slurm node list to a single unqualified host
// name. The batch systems spillway drives allocate one node per job;
// a multi-node list comes out as the first member.
func nodeName(nodes string) string {
	return strings.SplitN(strings.SplitN(nodes, ",", 2)[0], ".", 2)[0]
}
