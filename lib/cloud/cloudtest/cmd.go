// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cloudtest

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spillway-project/spillway/lib/cloud"
	"github.com/spillway-project/spillway/lib/cmd"
	"github.com/spillway-project/spillway/lib/config"
	"github.com/spillway-project/spillway/lib/orchestrator"
	"github.com/spillway-project/spillway/sdk/go/ctxlog"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// Command starts one instance with the configured cloud driver, waits
// for it to call home, and stops it again, reporting timings and
// errors along the way.
var Command command

const defaultPollInterval = 2 * time.Second

type command struct{}

func (command) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configFile := flags.String("config", spillway.DefaultConfigFile, "Site configuration `file`")
	instanceSetID := flags.String("instance-set-id", "cloudtest", "InstanceSetID tag `value` to use on the test instance")
	readyURL := flags.String("ready-url", "", "Readiness endpoint `URL` for the test instance to call home to (if empty, use CloudVMs.ReadyURL)")
	pauseBeforeStop := flags.Bool("pause-before-stop", false, "Prompt and wait before stopping the test instance")
	if ok, code := cmd.ParseFlags(flags, prog, args, "", stderr); !ok {
		return code
	}
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("fatal")
			// suppress output from the other error-printing func
			err = nil
		}
		logger.Info("exiting")
	}()

	loader := config.NewLoader(stdin, logger)
	loader.Path = *configFile
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}
	driver, ok := orchestrator.Drivers[cluster.CloudVMs.Driver]
	if !ok {
		err = fmt.Errorf("unsupported cloud driver %q", cluster.CloudVMs.Driver)
		return 1
	}
	cloudcfg := cluster.CloudVMs
	if *readyURL != "" {
		var u spillway.URL
		if err = u.UnmarshalText([]byte(*readyURL)); err != nil {
			err = fmt.Errorf("invalid -ready-url %q: %s", *readyURL, err)
			return 1
		}
		cloudcfg.ReadyURL = u
	}
	tags := map[string]string{}
	for k, v := range cluster.CloudVMs.ResourceTags {
		tags[k] = v
	}
	tags[cloudcfg.TagKeyPrefix+"CloudTestPID"] = fmt.Sprintf("%d", os.Getpid())
	cloudcfg.ResourceTags = tags
	timeoutBooting := cloudcfg.TimeoutStart.Duration()
	if timeoutBooting <= 0 {
		timeoutBooting = 10 * time.Minute
	}
	if !(&tester{
		Logger:         logger,
		Driver:         driver,
		CloudVMs:       cloudcfg,
		SetID:          cloud.InstanceSetID(*instanceSetID),
		TimeoutBooting: timeoutBooting,
		PollInterval:   defaultPollInterval,
		PauseBeforeStop: func() {
			if *pauseBeforeStop {
				logger.Info("waiting for operator to press Enter")
				fmt.Fprint(stderr, "Press Enter to continue: ")
				bufio.NewReader(stdin).ReadString('\n')
			}
		},
	}).Run() {
		return 1
	}
	return 0
}
