// Copyright (C) The Spillway Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package spillway

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"time"
)

// DefaultConfigFile is the path of the site config file, unless
// overridden by a SPILLWAY_CONFIG environment variable or a -config
// command line argument.
var DefaultConfigFile = func() string {
	if path := os.Getenv("SPILLWAY_CONFIG"); path != "" {
		return path
	}
	return "/etc/spillway/config.yml"
}()

// Config is the top level of a spillway config file, a map of cluster
// IDs to cluster configs.
type Config struct {
	Clusters map[string]Cluster
}

// GetCluster returns the cluster config with the given ID. If id is
// empty and the config has exactly one cluster, that cluster is
// returned.
func (sc *Config) GetCluster(clusterID string) (*Cluster, error) {
	if clusterID == "" {
		if len(sc.Clusters) == 0 {
			return nil, fmt.Errorf("no clusters configured")
		} else if len(sc.Clusters) > 1 {
			return nil, fmt.Errorf("multiple clusters configured, cannot choose one automatically")
		}
		for id := range sc.Clusters {
			clusterID = id
		}
	}
	cc, ok := sc.Clusters[clusterID]
	if !ok {
		return nil, fmt.Errorf("cluster %q is not configured", clusterID)
	}
	cc.ClusterID = clusterID
	return &cc, nil
}

type Cluster struct {
	ClusterID       string `json:"-"`
	ManagementToken string
	Services        Services
	SystemLogs      SystemLogs
	TLS             TLS
	BatchSystem     BatchSystemConfig
	CloudVMs        CloudVMsConfig
}

type Services struct {
	Orchestrator Service
}

// Map returns all services as a map keyed by service name.
func (svcs Services) Map() map[ServiceName]Service {
	return map[ServiceName]Service{
		ServiceNameOrchestrator: svcs.Orchestrator,
	}
}

type Service struct {
	InternalURLs map[URL]ServiceInstance
	ExternalURL  URL
}

type ServiceInstance struct{}

type SystemLogs struct {
	LogLevel string
	Format   string
}

// TLS configures the certificate used by https InternalURLs. Both
// values are "file://..." paths.
type TLS struct {
	Certificate string
	Key         string
}

// BatchSystemConfig selects and configures the source of job queue
// snapshots.
type BatchSystemConfig struct {
	Type       string
	GridEngine GridEngineConfig
	SlurmREST  SlurmRESTConfig
	Replay     ReplayConfig
}

type GridEngineConfig struct {
	QstatCommand   string
	QstatArguments []string
}

type SlurmRESTConfig struct {
	URL         URL
	UserName    string
	AuthToken   string
	PollTimeout Duration
}

type ReplayConfig struct {
	Path      string
	TimeScale float64
}

// CloudVMsConfig configures the cloud backend and the scaling loop.
type CloudVMsConfig struct {
	Driver           string
	DriverParameters json.RawMessage

	MaxVMs      int
	MaxDelta    int
	TaskWorkers int

	CycleInterval Duration
	MaxCycles     int

	TimeoutStart  Duration
	TimeoutStop   Duration
	TimeoutStatus Duration

	PendingJobGrace Duration
	TimeoutIdle     Duration

	ResourceTags map[string]string
	TagKeyPrefix string

	// ReadyURL is the address booting VMs use to call the
	// readiness endpoint; drivers pass it to new instances along
	// with their one-time auth token.
	ReadyURL URL
}

// URL is a url.URL that is a literal string in JSON and YAML.
type URL url.URL

// UnmarshalText implements encoding.TextUnmarshaler.
func (su *URL) UnmarshalText(text []byte) error {
	u, err := url.Parse(string(text))
	if err == nil {
		*su = URL(*u)
	}
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (su URL) MarshalText() ([]byte, error) {
	return []byte(su.String()), nil
}

func (su URL) String() string {
	u := url.URL(su)
	return u.String()
}

// ServiceName identifies a service component.
type ServiceName string

const (
	ServiceNameOrchestrator ServiceName = "spillway-orchestrator"
)

// PoolStatus is a read-only snapshot of the orchestrator's bookkeeping,
// served by the management API and passed to demand policies.
//
// VMs covers every record that is not on the stop list, including
// records whose start operation has not returned yet; Watermark is
// the time of the last successful batch queue snapshot.
type PoolStatus struct {
	Cycles            int64     `json:"cycles"`
	LastCycleDuration Duration  `json:"last_cycle_duration"`
	Watermark         time.Time `json:"watermark"`
	Candidates        []Job     `json:"candidates"`
	VMs               []VM      `json:"vms"`
	Stopping          []VM      `json:"stopping"`
	PendingAuth       int       `json:"pending_auth"`
	MaxVMs            int       `json:"max_vms"`
}
