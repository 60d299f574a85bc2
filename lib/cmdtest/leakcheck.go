// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package cmdtest provides tools for testing command line tools.
package cmdtest

import (
	"io"
	"os"

	check "gopkg.in/check.v1"
)

// LeakCheck tests for output leaked to os.Stdout and os.Stderr that
// should have gone to the stdout and stderr streams passed to a
// cmd.Handler's RunCommand.
//
// It redirects os.Stdout and os.Stderr to tempfiles, and returns a
// func, which the caller is expected to defer, that restores them and
// checks that the tempfiles are still empty.
//
// Example:
//
//	func (s *Suite) TestSomething(c *check.C) {
//		defer cmdtest.LeakCheck(c)()
//		// ... run a command that shouldn't print to os.Stderr
//		// or os.Stdout
//	}
func LeakCheck(c *check.C) func() {
	realStdout, realStderr := os.Stdout, os.Stderr
	os.Stdout = captureFile(c)
	os.Stderr = captureFile(c)
	return func() {
		stdout, stderr := os.Stdout, os.Stderr
		os.Stdout, os.Stderr = realStdout, realStderr
		c.Check(readBack(c, stdout), check.Equals, "")
		c.Check(readBack(c, stderr), check.Equals, "")
	}
}

// captureFile returns an already-unlinked tempfile.
func captureFile(c *check.C) *os.File {
	f, err := os.CreateTemp("", "")
	c.Assert(err, check.IsNil)
	c.Assert(os.Remove(f.Name()), check.IsNil)
	return f
}

func readBack(c *check.C, f *os.File) string {
	defer f.Close()
	_, err := f.Seek(0, io.SeekStart)
	c.Assert(err, check.IsNil)
	buf, err := io.ReadAll(f)
	c.Assert(err, check.IsNil)
	return string(buf)
}
