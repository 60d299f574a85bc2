// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrTaskTimeout wraps the error reported for a cloud operation that
// did not return before its deadline.
var ErrTaskTimeout = fmt.Errorf("task deadline exceeded")

type task struct {
	label   string
	timeout time.Duration
	do      func(context.Context) error
	done    func(error)
}

// taskRunner executes cloud operations on a fixed number of worker
// goroutines. Go never blocks: tasks queue up until a worker is
// free. Each task runs with a context that is cancelled at its
// deadline; if the operation has not returned by then, its done
// callback is invoked with an ErrTaskTimeout-wrapped error right
// away, and the eventual return (if any) is logged.
type taskRunner struct {
	logger logrus.FieldLogger

	mtx    sync.Mutex
	cond   *sync.Cond
	queue  []task
	busy   int
	closed bool
}

func newTaskRunner(logger logrus.FieldLogger, workers int) *taskRunner {
	tr := &taskRunner{logger: logger}
	tr.cond = sync.NewCond(&tr.mtx)
	for i := 0; i < workers; i++ {
		go tr.runForever()
	}
	return tr
}

// Go queues a task. The done callback runs on a worker goroutine,
// exactly once, with the task's error (nil on success).
func (tr *taskRunner) Go(label string, timeout time.Duration, do func(context.Context) error, done func(error)) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	if tr.closed {
		tr.logger.WithField("Task", label).Warn("task runner is closed; dropping task")
		return
	}
	tr.queue = append(tr.queue, task{label: label, timeout: timeout, do: do, done: done})
	tr.cond.Signal()
}

// Stats returns the number of workers currently executing a task and
// the number of tasks waiting for a worker.
func (tr *taskRunner) Stats() (busy, queued int) {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	return tr.busy, len(tr.queue)
}

// Close makes the workers exit after draining the queue. Tasks
// queued after Close are dropped.
func (tr *taskRunner) Close() {
	tr.mtx.Lock()
	defer tr.mtx.Unlock()
	tr.closed = true
	tr.cond.Broadcast()
}

func (tr *taskRunner) runForever() {
	for {
		tr.mtx.Lock()
		for len(tr.queue) == 0 && !tr.closed {
			tr.cond.Wait()
		}
		if len(tr.queue) == 0 {
			tr.mtx.Unlock()
			return
		}
		t := tr.queue[0]
		tr.queue = tr.queue[1:]
		tr.busy++
		tr.mtx.Unlock()

		tr.runTask(t)

		tr.mtx.Lock()
		tr.busy--
		tr.mtx.Unlock()
	}
}

func (tr *taskRunner) runTask(t task) {
	logger := tr.logger.WithField("Task", t.label)
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	started := time.Now()
	result := make(chan error, 1)
	go func() {
		result <- t.do(ctx)
	}()
	select {
	case err := <-result:
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w after %s: %s", ErrTaskTimeout, t.timeout, err)
		}
		t.done(err)
	case <-ctx.Done():
		t.done(fmt.Errorf("%w after %s", ErrTaskTimeout, t.timeout))
		// The operation ignored its context. Free this worker
		// and log whenever it does come back.
		go func() {
			err := <-result
			logger.WithFields(logrus.Fields{
				"Elapsed": time.Since(started),
				"Error":   err,
			}).Warn("task returned long after its deadline expired")
		}()
	}
}
