// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&RunnerSuite{})

type RunnerSuite struct{}

func (s *RunnerSuite) TestBoundedConcurrency(c *check.C) {
	tr := newTaskRunner(ctxlog.TestLogger(c), 2)
	defer tr.Close()
	var mtx sync.Mutex
	var running, maxRunning, done int
	release := make(chan struct{})
	for i := 0; i < 5; i++ {
		tr.Go(fmt.Sprintf("task%d", i), time.Minute, func(ctx context.Context) error {
			mtx.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mtx.Unlock()
			<-release
			mtx.Lock()
			running--
			mtx.Unlock()
			return nil
		}, func(err error) {
			c.Check(err, check.IsNil)
			mtx.Lock()
			done++
			mtx.Unlock()
		})
	}
	waitCond(c, func() bool {
		busy, queued := tr.Stats()
		return busy == 2 && queued == 3
	})
	close(release)
	waitCond(c, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return done == 5
	})
	mtx.Lock()
	defer mtx.Unlock()
	c.Check(maxRunning, check.Equals, 2)
}

func (s *RunnerSuite) TestDeadlineReported(c *check.C) {
	tr := newTaskRunner(ctxlog.TestLogger(c), 1)
	defer tr.Close()
	errs := make(chan error, 1)
	tr.Go("sleepy", 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, func(err error) { errs <- err })
	select {
	case err := <-errs:
		c.Check(errors.Is(err, ErrTaskTimeout), check.Equals, true)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for task completion")
	}
}

func (s *RunnerSuite) TestIgnoredCancellationFreesWorker(c *check.C) {
	logbuf := &syncBuffer{}
	logger := logrus.New()
	logger.Out = logbuf
	tr := newTaskRunner(logger, 1)
	defer tr.Close()

	release := make(chan struct{})
	errs := make(chan error, 2)
	tr.Go("stubborn", 10*time.Millisecond, func(ctx context.Context) error {
		// ignore the context on purpose
		<-release
		return errors.New("eventually")
	}, func(err error) { errs <- err })
	select {
	case err := <-errs:
		c.Check(errors.Is(err, ErrTaskTimeout), check.Equals, true)
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for deadline report")
	}

	// the single worker is free again even though the first task is
	// still blocked
	tr.Go("next", time.Minute, func(ctx context.Context) error { return nil },
		func(err error) { errs <- err })
	select {
	case err := <-errs:
		c.Check(err, check.IsNil)
	case <-time.After(5 * time.Second):
		c.Fatal("worker was not freed after the deadline expired")
	}

	close(release)
	waitCond(c, func() bool {
		return strings.Contains(logbuf.String(), "task returned long after its deadline expired")
	})
}

func (s *RunnerSuite) TestCloseDrainsQueue(c *check.C) {
	logbuf := &syncBuffer{}
	logger := logrus.New()
	logger.Out = logbuf
	tr := newTaskRunner(logger, 1)
	done := make(chan string, 3)
	for i := 0; i < 3; i++ {
		label := fmt.Sprintf("task%d", i)
		tr.Go(label, time.Minute, func(ctx context.Context) error {
			time.Sleep(time.Millisecond)
			return nil
		}, func(err error) { done <- label })
	}
	tr.Close()
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.Fatal("queued tasks were not drained after Close")
		}
	}

	// tasks submitted after Close are dropped
	tr.Go("late", time.Minute, func(ctx context.Context) error { return nil },
		func(err error) { c.Error("dropped task must not run") })
	waitCond(c, func() bool {
		return strings.Contains(logbuf.String(), "task runner is closed")
	})
}

func waitCond(c *check.C, f func() bool) {
	for deadline := time.Now().Add(5 * time.Second); !f(); {
		if time.Now().After(deadline) {
			c.Fatal("timed out waiting for condition")
		}
		time.Sleep(time.Millisecond)
	}
}
