// Package wire defines the gob-encoded request/response protocol
// nosvctl and pkg/nosv speak to nosvd over a Unix domain socket,
// grounded directly on the teacher's own daemon protocol
// (cmd/perflock/protocol.go's PerfLockAction envelope and
// gob.Register pattern).
package wire

import "encoding/gob"

// Request is the envelope every client message is wrapped in, exactly
// as PerfLockAction wraps perflock's actions.
type Request struct {
	Action interface{}
}

// ActionAttach implements process attach (spec.md §4.8): the first
// attacher causes nosvd to build the region; every attacher gets back
// its process's pid-scoped view of it.
type ActionAttach struct {
	Pid            int64
	IsolationLevel string
	RegionName     string
}

// ActionAttachResponse reports the attached region's shape and the set
// of logical CPUs this attach granted the calling process (spec.md §4.4
// "CPU ownership"): the caller builds its own local delegation lock,
// governor, scheduler, and worker pool scoped to exactly this set.
type ActionAttachResponse struct {
	NumCPU  int
	CPUs    []int
	Created bool
	Err     string
}

// ActionReportStats lets an attached process push its local task count
// so nosvctl ps can display it (task execution itself is entirely
// local to the attached process; the daemon has no other way to know).
type ActionReportStats struct {
	Pid       int64
	TaskCount int
}

// ActionDetach implements process detach.
type ActionDetach struct {
	Pid int64
}

// ActionDetachResponse acknowledges a detach.
type ActionDetachResponse struct {
	Err string
}

// ActionTopologyDomain requests one domain's description.
type ActionTopologyDomain struct {
	Level     int
	LogicalID int
}

// TopologyDomainDTO is the wire shape of a topology.Domain: plain
// exported fields only, since topology.Domain embeds bitset.Set's
// unexported storage and gob cannot reach into that.
type TopologyDomainDTO struct {
	Level       int
	SystemID    int
	LogicalID   int
	Parent      [5]int
	SystemCPUs  string // cpuset(7) rendering of the domain's system ids
	LogicalCPUs string // cpuset(7) rendering of the domain's logical ids
}

// ActionTopologyDomainResponse carries the requested domain, or Err if
// no such domain exists.
type ActionTopologyDomainResponse struct {
	Domain TopologyDomainDTO
	Err    string
}

// ActionTopologyCount requests the number of domains at a level.
type ActionTopologyCount struct {
	Level int
}

// ActionTopologyCountResponse carries the count.
type ActionTopologyCountResponse struct {
	Count int
}

// ActionRequestCPU registers that an attached process still has
// pending work affine to a logical CPU it was not granted (spec.md
// §4.8 "a process still wanting them"). nosvd remembers this so that
// when some other attached process later detaches and releases that
// CPU, it is handed over by transfer instead of simply marked free.
type ActionRequestCPU struct {
	Pid int64
	CPU int
}

// ActionRequestCPUResponse acknowledges a recorded want.
type ActionRequestCPUResponse struct {
	Err string
}

// ActionPollGrant asks nosvd whether any CPUs have been transferred to
// pid since the last poll. A remote-attached process with an
// outstanding want polls this on internal/config's
// remote.grant_poll_interval cadence so it can spin up a local worker
// for anything it is handed.
type ActionPollGrant struct {
	Pid int64
}

// ActionPollGrantResponse carries any CPUs granted to pid since the
// last poll; empty if none.
type ActionPollGrantResponse struct {
	CPUs []int
}

// ActionPS requests a snapshot of every attached process and the CPUs
// each currently owns (nosvctl's "ps" subcommand, SPEC_FULL.md
// supplemented feature).
type ActionPS struct{}

// ProcessSnapshot describes one attached process for ActionPS.
type ProcessSnapshot struct {
	Pid       int64
	OwnedCPUs string // cpuset(7) rendering
	TaskCount int
}

// ActionPSResponse carries the process snapshot list.
type ActionPSResponse struct {
	Processes []ProcessSnapshot
}

func init() {
	gob.Register(ActionAttach{})
	gob.Register(ActionDetach{})
	gob.Register(ActionTopologyDomain{})
	gob.Register(ActionTopologyCount{})
	gob.Register(ActionPS{})
	gob.Register(ActionReportStats{})
	gob.Register(ActionRequestCPU{})
	gob.Register(ActionPollGrant{})
}
