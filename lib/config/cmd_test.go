// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"strings"

	"github.com/spillway-project/spillway/lib/cmdtest"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&CommandSuite{})

type CommandSuite struct{}

func (s *CommandSuite) TestDump(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: aaabbbcccdddeeefffggghhhiiijjjkkk
`
	code := DumpCommand.RunCommand("spillway config-dump", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*z1234.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*MaxVMs: 4\n.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*CycleInterval: 30s\n.*`)
}

func (s *CommandSuite) TestDumpUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  UnknownKey: foobar
  ManagementToken: aaabbbcccdddeeefffggghhhiiijjjkkk
`
	code := DumpCommand.RunCommand("spillway config-dump", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry: Clusters\.z1234\.UnknownKey.*`)
	c.Check(stdout.String(), check.Matches, `(?ms).*ManagementToken: aaabbb.*`)
}

func (s *CommandSuite) TestCheckOK(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: aaabbbcccdddeeefffggghhhiiijjjkkk
`
	code := CheckCommand.RunCommand("spillway config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stderr.String(), check.Equals, "")
}

func (s *CommandSuite) TestCheckUnknownKey(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  ManagementToken: aaabbbcccdddeeefffggghhhiiijjjkkk
  Frobnicate: true
`
	code := CheckCommand.RunCommand("spillway config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*deprecated or unknown config entry.*Frobnicate.*`)
}

func (s *CommandSuite) TestCheckBrokenConfig(c *check.C) {
	var stdout, stderr bytes.Buffer
	in := `
Clusters:
 z1234:
  CloudVMs:
   MaxVMs: "lots"
`
	code := CheckCommand.RunCommand("spillway config-check", []string{"-config", "-"}, strings.NewReader(in), &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?ms).*cannot unmarshal.*`)
}

func (s *CommandSuite) TestDumpDefaults(c *check.C) {
	defer cmdtest.LeakCheck(c)()
	var stdout, stderr bytes.Buffer
	code := DumpDefaultsCommand.RunCommand("spillway config-defaults", nil, strings.NewReader(""), &stdout, &stderr)
	c.Check(code, check.Equals, 0)
	c.Check(stdout.String(), check.Matches, `(?ms).*Clusters:\n  xxxxx:\n.*`)
}
