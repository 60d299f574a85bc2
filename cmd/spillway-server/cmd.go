// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"github.com/spillway-project/spillway/lib/cloud/cloudtest"
	"github.com/spillway-project/spillway/lib/cmd"
	"github.com/spillway-project/spillway/lib/config"
	"github.com/spillway-project/spillway/lib/orchestrator"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"cloudtest":       cloudtest.Command,
		"config-check":    config.CheckCommand,
		"config-defaults": config.DumpDefaultsCommand,
		"config-dump":     config.DumpCommand,
		"orchestrator":    orchestrator.Command,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
