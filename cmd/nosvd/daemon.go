// Command nosvd is the cross-process arbitration daemon: it hosts one
// coordination region's topology and CPU ownership manager and answers
// attach/detach/topology/ps/telemetry requests over a Unix domain
// socket, grounded on the teacher's own daemon architecture
// (cmd/perflock/daemon.go). It deliberately does not run task bodies
// itself — a task's body is a Go closure that only its own process can
// call, so the delegation lock, governor, scheduler, and worker pool
// all live in the attached process itself (pkg/nosv.Process), scoped to
// whichever CPUs this daemon has granted that process. See
// internal/region's package doc for the full rationale.
package main

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aclements/nosv/internal/config"
	"github.com/aclements/nosv/internal/region"
	"github.com/aclements/nosv/internal/topology"
)

// procState tracks one attached process's CPU grant, self-reported
// telemetry (pushed via ActionReportStats; spec.md doesn't mandate
// telemetry push, but without it the daemon has no way to know what a
// remote process's local governor/task counts are, since those live
// entirely in that process), and any CPUs transferred to it that it
// has not yet polled for.
type procState struct {
	pid           int64
	cpus          []int
	taskCount     int
	pendingGrants []int
}

// daemon holds the single region this process hosts and the set of
// currently attached processes. Real nOS-V can host multiple regions
// (one per isolation scope); this binary hosts exactly one, configured
// at startup, which is sufficient to exercise attach, detach, topology
// introspection, and CPU-ownership arbitration end to end.
type daemon struct {
	dir  string
	cfg  config.Config
	plat topology.Platform

	mu    sync.Mutex
	rgn   *region.Region
	procs map[int64]*procState
	wants map[int]int64 // cpu -> pid that last registered wanting it (ActionRequestCPU)
}

func newDaemon(dir string, cfg config.Config, plat topology.Platform) *daemon {
	return &daemon{
		dir:   dir,
		cfg:   cfg,
		plat:  plat,
		procs: make(map[int64]*procState),
		wants: make(map[int]int64),
	}
}

// attach implements the daemon side of process attach (spec.md §4.8).
// The first attacher builds the region (topology + CPU manager); every
// attacher is then granted every currently-unowned CPU it can claim.
func (d *daemon) attach(pid int64) (numCPU int, cpus []int, created bool, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.rgn == nil {
		rgn, wasCreated, err := region.Open(d.dir, d.cfg, d.plat)
		if err != nil {
			return 0, nil, false, err
		}
		d.rgn = rgn
		created = wasCreated
	} else {
		d.rgn.Attach()
	}

	ps := &procState{pid: pid}
	for {
		cpu, ok := d.rgn.CPUManager.PopFree(pid)
		if !ok {
			break
		}
		ps.cpus = append(ps.cpus, cpu)
	}
	d.procs[pid] = ps
	logrus.WithFields(logrus.Fields{"pid": pid, "cpus": ps.cpus}).Info("process attached")
	return d.rgn.Topology.NumCPUs(), ps.cpus, created, nil
}

// detach implements the daemon side of process detach (spec.md §4.8):
// releases the process's CPUs, preferring transfer to another attached
// process that registered wanting them (ActionRequestCPU) over marking
// them free (spec.md line 148, scenario S3).
func (d *daemon) detach(pid int64) error {
	d.mu.Lock()
	ps, ok := d.procs[pid]
	if !ok {
		d.mu.Unlock()
		return nil
	}
	delete(d.procs, pid)
	rgn := d.rgn

	for _, cpu := range ps.cpus {
		toPid, wanted := d.wants[cpu]
		toPS, stillAttached := d.procs[toPid]
		if wanted && toPid != pid && stillAttached {
			delete(d.wants, cpu)
			if err := rgn.CPUManager.Transfer(cpu, toPid, nil); err != nil {
				logrus.WithError(err).WithField("cpu", cpu).Warn("transferring CPU at detach")
			} else {
				toPS.cpus = append(toPS.cpus, cpu)
				toPS.pendingGrants = append(toPS.pendingGrants, cpu)
				logrus.WithFields(logrus.Fields{"cpu": cpu, "from": pid, "to": toPid}).Info("CPU transferred at detach")
				continue
			}
		}
		if err := rgn.CPUManager.MarkFree(cpu); err != nil {
			logrus.WithError(err).WithField("cpu", cpu).Warn("freeing CPU at detach")
		}
	}
	d.mu.Unlock()

	logrus.WithField("pid", pid).Info("process detached")
	return rgn.Detach()
}

// requestCPU records that pid still has pending work affine to cpu
// (ActionRequestCPU), consulted by a later detach.
func (d *daemon) requestCPU(pid int64, cpu int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.procs[pid]; !ok {
		return errors.Errorf("pid %d is not attached", pid)
	}
	d.wants[cpu] = pid
	return nil
}

// pollGrant returns and clears any CPUs transferred to pid since its
// last poll (ActionPollGrant).
func (d *daemon) pollGrant(pid int64) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	ps, ok := d.procs[pid]
	if !ok || len(ps.pendingGrants) == 0 {
		return nil
	}
	granted := ps.pendingGrants
	ps.pendingGrants = nil
	return granted
}

// reportStats records a process's self-reported task count for the ps
// listing (ActionReportStats).
func (d *daemon) reportStats(pid int64, taskCount int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ps, ok := d.procs[pid]; ok {
		ps.taskCount = taskCount
	}
}
