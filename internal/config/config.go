// Package config models the typed configuration record the core consumes
// (spec.md §6 "Configuration surface"). Loading it from disk, env, or a
// flag set is an external collaborator's job (out of scope, spec.md §1);
// this package only defines the recognized keys and their defaults, and
// validates a decoded record.
package config

import (
	"time"

	"github.com/pkg/errors"
)

// GovernorPolicy selects the governor's spin/sleep strategy (spec.md §4.4).
type GovernorPolicy string

const (
	GovernorBusy   GovernorPolicy = "busy"
	GovernorIdle   GovernorPolicy = "idle"
	GovernorHybrid GovernorPolicy = "hybrid"
)

// IsolationLevel scopes which other processes may attach to the same
// coordination region (spec.md §6).
type IsolationLevel string

const (
	IsolationProcess IsolationLevel = "process"
	IsolationUser    IsolationLevel = "user"
	IsolationGroup   IsolationLevel = "group"
	IsolationPublic  IsolationLevel = "public"
)

// Topology holds the topology.* configuration keys.
type Topology struct {
	// Binding is the CPU mask for this instance: "inherit", "all",
	// "cores", or an explicit bitmask/list (internal/bitset grammar).
	Binding string `mapstructure:"binding"`
	// NUMANodes is one CPU-list string per NUMA node, in logical-id
	// order. Empty means "ask the OS".
	NUMANodes []string `mapstructure:"numa_nodes"`
	// ComplexSets is one CPU-list string per complex set.
	ComplexSets []string `mapstructure:"complex_sets"`
}

// Scheduler holds the scheduler.* configuration keys.
type Scheduler struct {
	QuantumNS          int64 `mapstructure:"quantum_ns"`
	QueueBatch         int   `mapstructure:"queue_batch"`
	CPUsPerQueue       int   `mapstructure:"cpus_per_queue"`
	InQueueSize        int   `mapstructure:"in_queue_size"`
	ImmediateSuccessor bool  `mapstructure:"immediate_successor"`
}

// Governor holds the governor.* configuration keys.
type Governor struct {
	Policy GovernorPolicy `mapstructure:"policy"`
	Spins  int            `mapstructure:"spins"`
}

// SharedMemory holds the shared_memory.* configuration keys.
type SharedMemory struct {
	IsolationLevel IsolationLevel `mapstructure:"isolation_level"`
	Name           string         `mapstructure:"name"`
	Size           int64          `mapstructure:"size"`
	Start          uintptr        `mapstructure:"start"`
}

// Remote holds remote.* configuration keys, governing how an
// AttachRemote process talks to nosvd beyond the initial attach
// exchange (spec.md §4.8 "transfer to a process still wanting them").
type Remote struct {
	// GrantPollInterval is how often a remote-attached process asks
	// nosvd whether it has been handed any CPUs since the last poll,
	// while it has at least one outstanding want registered.
	GrantPollInterval time.Duration `mapstructure:"grant_poll_interval"`
}

// Config is the full decoded configuration record.
type Config struct {
	Topology     Topology     `mapstructure:"topology"`
	Scheduler    Scheduler    `mapstructure:"scheduler"`
	Governor     Governor     `mapstructure:"governor"`
	SharedMemory SharedMemory `mapstructure:"shared_memory"`
	Remote       Remote       `mapstructure:"remote"`
}

// Default returns the configuration record with the runtime's built-in
// defaults, before any external decode step overrides them.
func Default() Config {
	return Config{
		Topology: Topology{
			Binding: "inherit",
		},
		Scheduler: Scheduler{
			QuantumNS:          10 * int64(time.Millisecond),
			QueueBatch:         32,
			CPUsPerQueue:       1,
			InQueueSize:        256,
			ImmediateSuccessor: true,
		},
		Governor: Governor{
			Policy: GovernorHybrid,
			Spins:  1000,
		},
		SharedMemory: SharedMemory{
			IsolationLevel: IsolationUser,
			Name:           "nosv",
			Size:           64 << 20,
		},
		Remote: Remote{
			GrantPollInterval: 20 * time.Millisecond,
		},
	}
}

// Validate checks that a decoded Config is internally consistent. It is
// the only place bad configuration is rejected; per spec.md §7 this is a
// configuration error and is fatal, not a recoverable status code.
func (c Config) Validate() error {
	switch c.Governor.Policy {
	case GovernorBusy, GovernorIdle, GovernorHybrid:
	default:
		return errors.Errorf("governor.policy: unrecognized policy %q", c.Governor.Policy)
	}
	if c.Governor.Policy == GovernorHybrid && c.Governor.Spins < 0 {
		return errors.Errorf("governor.spins: must be >= 0, got %d", c.Governor.Spins)
	}
	switch c.SharedMemory.IsolationLevel {
	case IsolationProcess, IsolationUser, IsolationGroup, IsolationPublic:
	default:
		return errors.Errorf("shared_memory.isolation_level: unrecognized level %q", c.SharedMemory.IsolationLevel)
	}
	if c.SharedMemory.Name == "" {
		return errors.New("shared_memory.name: must not be empty")
	}
	if c.Scheduler.QueueBatch <= 0 {
		return errors.New("scheduler.queue_batch: must be > 0")
	}
	if c.Scheduler.CPUsPerQueue <= 0 {
		return errors.New("scheduler.cpus_per_queue: must be > 0")
	}
	if c.Scheduler.InQueueSize <= 0 {
		return errors.New("scheduler.in_queue_size: must be > 0")
	}
	if c.Scheduler.QuantumNS < 0 {
		return errors.New("scheduler.quantum_ns: must be >= 0")
	}
	if c.Remote.GrantPollInterval <= 0 {
		return errors.New("remote.grant_poll_interval: must be > 0")
	}
	return nil
}

// Decode decodes a generic map (as produced by a TOML/JSON/env loader,
// out of scope here) into a Config using mapstructure, starting from
// Default() so unspecified keys keep their defaults.
func Decode(raw map[string]interface{}, dst *Config) error {
	return decode(raw, dst)
}
