// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package config loads site configuration files, filling in default
// values for anything the file leaves unspecified.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"

	"dario.cat/mergo"
	"github.com/ghodss/yaml"
	"github.com/sirupsen/logrus"
	"github.com/spillway-project/spillway/sdk/go/spillway"
)

// A Loader reads and validates a site config file.
type Loader struct {
	Stdin  io.Reader
	Logger logrus.FieldLogger
	Path   string

	configdata []byte
}

// NewLoader returns a new Loader with Stdin and Logger set to the
// given values, and the config path set to its default value.
func NewLoader(stdin io.Reader, logger logrus.FieldLogger) *Loader {
	return &Loader{Stdin: stdin, Logger: logger, Path: spillway.DefaultConfigFile}
}

// SetupFlags configures a flagset so the -config command line option
// overrides the default config file path.
func (ldr *Loader) SetupFlags(flagset *flag.FlagSet) {
	flagset.StringVar(&ldr.Path, "config", spillway.DefaultConfigFile, "Site configuration `file` (default may be overridden by setting a SPILLWAY_CONFIG environment variable)")
}

func (ldr *Loader) loadBytes(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(ldr.Stdin)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// Load reads the configuration file at Path ("-" means stdin), merges
// it into the built-in defaults for each cluster ID it defines, and
// returns the result.
func (ldr *Loader) Load() (*spillway.Config, error) {
	if ldr.configdata == nil {
		buf, err := ldr.loadBytes(ldr.Path)
		if err != nil {
			return nil, err
		}
		ldr.configdata = buf
	}

	// Load the config into a dummy map to get the cluster ID
	// keys, discarding the values; then set up defaults for each
	// cluster ID; then load the real config on top of the
	// defaults.
	var dummy struct {
		Clusters map[string]struct{}
	}
	err := yaml.Unmarshal(ldr.configdata, &dummy)
	if err != nil {
		return nil, err
	}
	if len(dummy.Clusters) == 0 {
		return nil, errors.New("config does not define any clusters")
	}

	// We can't merge deep structs here; instead, we unmarshal the
	// default & loaded config files into generic maps, merge
	// those, and then json-encode+decode the result into the
	// config struct type.
	var merged map[string]interface{}
	for id := range dummy.Clusters {
		var src map[string]interface{}
		err = yaml.Unmarshal(bytes.Replace(DefaultYAML, []byte(" xxxxx:"), []byte(" "+id+":"), -1), &src)
		if err != nil {
			return nil, fmt.Errorf("loading defaults for %s: %s", id, err)
		}
		err = mergo.Merge(&merged, src, mergo.WithOverride)
		if err != nil {
			return nil, fmt.Errorf("merging defaults for %s: %s", id, err)
		}
	}
	var src map[string]interface{}
	err = yaml.Unmarshal(ldr.configdata, &src)
	if err != nil {
		return nil, fmt.Errorf("loading config data: %s", err)
	}
	ldr.logExtraKeys(merged, src, "")
	removeSampleKeys(merged)
	err = mergo.Merge(&merged, src, mergo.WithOverride)
	if err != nil {
		return nil, fmt.Errorf("merging config data: %s", err)
	}

	var cfg spillway.Config
	buf, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}
	err = json.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, fmt.Errorf("transcoding config data: %s", err)
	}

	// Check for known mistakes
	for id, cc := range cfg.Clusters {
		for _, err := range []error{
			ldr.checkClusterID(fmt.Sprintf("Clusters.%s", id), id),
			ldr.checkToken(fmt.Sprintf("Clusters.%s.ManagementToken", id), cc.ManagementToken),
		} {
			if err != nil {
				return nil, err
			}
		}
	}
	return &cfg, nil
}

var acceptableClusterIDRe = regexp.MustCompile(`^[a-z0-9]{5}$`)

func (ldr *Loader) checkClusterID(label, clusterID string) error {
	if !acceptableClusterIDRe.MatchString(clusterID) {
		return fmt.Errorf("%s: cluster ID should be 5 lowercase alphanumeric characters", label)
	}
	return nil
}

const acceptableTokenLength = 32

var acceptableTokenRe = regexp.MustCompile(`^[a-zA-Z0-9]+$`)

func (ldr *Loader) checkToken(label, token string) error {
	if token == "" {
		if ldr.Logger != nil {
			ldr.Logger.Warnf("%s is not set. The management API will be unavailable", label)
		}
	} else if !acceptableTokenRe.MatchString(token) {
		return fmt.Errorf("%s: unacceptable characters in token (only a-z, A-Z, 0-9 are acceptable)", label)
	} else if len(token) < acceptableTokenLength {
		if ldr.Logger != nil {
			ldr.Logger.Warnf("%s is too short. Security is degraded with tokens shorter than %d characters", label, acceptableTokenLength)
		}
	}
	return nil
}

func removeSampleKeys(m map[string]interface{}) {
	delete(m, "SAMPLE")
	for _, v := range m {
		if v, _ := v.(map[string]interface{}); v != nil {
			removeSampleKeys(v)
		}
	}
}

// logExtraKeys warns about keys in the supplied config document that
// do not appear in the expected (default) document. A "SAMPLE" entry
// in an expected map means the map accepts arbitrary keys, each
// shaped like the SAMPLE value.
func (ldr *Loader) logExtraKeys(expected, supplied map[string]interface{}, prefix string) {
	if ldr.Logger == nil {
		return
	}
	for k, vsupp := range supplied {
		if k == "SAMPLE" {
			// entry will be dropped when merging
			continue
		}
		vexp, ok := expected[k]
		if expected["SAMPLE"] != nil {
			// use the SAMPLE entry's keys as the
			// "expected" map when checking vsupp
			// recursively
			vexp = expected["SAMPLE"]
		} else if !ok {
			ldr.Logger.Warnf("deprecated or unknown config entry: %s%s", prefix, k)
			continue
		}
		if vsupp, ok := vsupp.(map[string]interface{}); !ok {
			// if vsupp should have been a map but isn't,
			// the transcoding step will catch it
			continue
		} else if vexp, ok := vexp.(map[string]interface{}); !ok {
			ldr.Logger.Warnf("unexpected object in config entry: %s%s", prefix, k)
		} else {
			ldr.logExtraKeys(vexp, vsupp, prefix+k+".")
		}
	}
}
