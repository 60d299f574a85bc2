// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spillway

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Job is one batch job as reported by a queue snapshot.
type Job struct {
	JobID        JobID     `json:"jobid"`
	State        JobState  `json:"state"`
	ExecNodeName string    `json:"exec_node_name,omitempty"`
	SubmittedAt  time.Time `json:"submitted_at"`
	RunningAt    time.Time `json:"running_at,omitempty"`
}

// Validate returns an error if the record violates the job record
// invariants: jobid must be non-empty, and a Running job must name its
// execution node.
func (j Job) Validate() error {
	if j.JobID == "" {
		return fmt.Errorf("job record has empty jobid")
	}
	if j.State == JobStateRunning && j.ExecNodeName == "" {
		return fmt.Errorf("job %s is Running but has no exec_node_name", j.JobID)
	}
	return nil
}

// JobID is a batch-system-assigned job identifier.
type JobID string

// JobState is a string corresponding to a valid Job state.
type JobState string

const (
	JobStatePending  = JobState("Pending")
	JobStateRunning  = JobState("Running")
	JobStateFinished = JobState("Finished")
	JobStateOther    = JobState("Other")
)

// JobIDSet is a set of JobIDs. It marshals as a sorted JSON array.
type JobIDSet map[JobID]struct{}

func (s JobIDSet) Has(id JobID) bool {
	_, ok := s[id]
	return ok
}

func (s JobIDSet) Add(id JobID) {
	s[id] = struct{}{}
}

func (s JobIDSet) Remove(id JobID) {
	delete(s, id)
}

// Sorted returns the members in lexical order.
func (s JobIDSet) Sorted() []JobID {
	ids := make([]JobID, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Copy returns an independent copy of the set.
func (s JobIDSet) Copy() JobIDSet {
	c := make(JobIDSet, len(s))
	for id := range s {
		c[id] = struct{}{}
	}
	return c
}

func (s JobIDSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *JobIDSet) UnmarshalJSON(data []byte) error {
	var ids []JobID
	if err := json.Unmarshal(data, &ids); err != nil {
		return err
	}
	*s = make(JobIDSet, len(ids))
	for _, id := range ids {
		(*s)[id] = struct{}{}
	}
	return nil
}
