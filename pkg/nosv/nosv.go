// Package nosv is the public client API for the co-execution tasking
// runtime: creating and running tasks, the cooperative task mutex, and
// topology introspection (spec.md §1-§4). A Process links the runtime
// the way a C program links liblnosv.so — Attach builds a complete,
// self-contained runtime instance in the calling Go program, with its
// own topology, CPU manager, delegation lock, governor, scheduler, and
// worker pool (spec.md §4.1-§4.6). AttachRemote additionally registers
// with a nosvd daemon so the operating system's CPUs are partitioned
// between cooperating OS processes instead of each claiming all of
// them (spec.md §4.8); see internal/region's package doc for why that
// cross-process half is necessarily a separate, thinner protocol than
// the rest of the runtime.
package nosv

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aclements/nosv/internal/config"
	"github.com/aclements/nosv/internal/cpumanager"
	"github.com/aclements/nosv/internal/delegation"
	"github.com/aclements/nosv/internal/governor"
	"github.com/aclements/nosv/internal/region"
	"github.com/aclements/nosv/internal/scheduler"
	"github.com/aclements/nosv/internal/task"
	"github.com/aclements/nosv/internal/topology"
)

// Config is the runtime's configuration record (spec.md §6).
type Config = config.Config

// DefaultConfig returns the built-in configuration defaults.
func DefaultConfig() Config { return config.Default() }

// Process is one attached runtime instance: a topology, a CPU manager,
// and the delegation lock/governor/scheduler/worker pool that dispatch
// this process's own tasks across the CPUs it owns.
type Process struct {
	pid  int64
	cfg  Config
	tree *topology.Tree
	cpus *cpumanager.Manager
	lock *delegation.Lock
	gov  *governor.Governor
	sched *scheduler.Server

	mu      sync.Mutex
	workers map[int]*task.Worker
	tasks   map[uint64]*task.Task
	stop    chan struct{}

	rgn      *region.Region
	client   *daemonClient // non-nil only for AttachRemote
	pollOnce sync.Once     // guards starting pollGrants on first outstanding want
}

// Attach builds a standalone runtime instance in the calling process,
// claiming every CPU cfg.Topology.Binding selects (spec.md §4.1
// "Initialization contract", §4.8 "attach"). Use this when the calling
// program does not need to coordinate CPU ownership with unrelated
// nosv-linked processes on the same machine.
func Attach(cfg Config) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	plat := topology.NewPlatform()
	tree, err := topology.Build(plat, topology.Config{
		Binding:     cfg.Topology.Binding,
		NUMANodes:   cfg.Topology.NUMANodes,
		ComplexSets: cfg.Topology.ComplexSets,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building topology")
	}

	dir, err := regionDir(cfg)
	if err != nil {
		return nil, err
	}
	rgn, _, err := region.Open(dir, cfg, plat)
	if err != nil {
		return nil, errors.Wrap(err, "opening region marker")
	}

	cpus := cpumanager.New(tree.NumCPUs())
	pid := int64(os.Getpid())
	var granted []int
	for {
		cpu, ok := cpus.PopFree(pid)
		if !ok {
			break
		}
		granted = append(granted, cpu)
	}

	p := newProcess(pid, cfg, tree, cpus, granted)
	p.rgn = rgn
	return p, nil
}

// AttachRemote additionally registers pid with the nosvd daemon at
// socketPath, which arbitrates CPU ownership across every process
// attached to the same region: this process is granted only the
// subset of logical CPUs the daemon reports as free, instead of
// claiming the whole topology for itself.
func AttachRemote(cfg Config, socketPath string) (*Process, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	plat := topology.NewPlatform()
	tree, err := topology.Build(plat, topology.Config{
		Binding:     cfg.Topology.Binding,
		NUMANodes:   cfg.Topology.NUMANodes,
		ComplexSets: cfg.Topology.ComplexSets,
	})
	if err != nil {
		return nil, errors.Wrap(err, "building topology")
	}

	cl, err := dialDaemon(socketPath)
	if err != nil {
		return nil, errors.Wrap(err, "dialing nosvd")
	}
	pid := int64(os.Getpid())
	numCPU, granted, _, err := cl.attach(pid)
	if err != nil {
		cl.close()
		return nil, err
	}
	if numCPU != tree.NumCPUs() {
		logrus.WithFields(logrus.Fields{"daemon_cpus": numCPU, "local_cpus": tree.NumCPUs()}).
			Warn("local topology disagrees with daemon's CPU count; proceeding with the daemon's CPU grant")
	}

	cpus := cpumanager.New(tree.NumCPUs())
	for _, cpu := range granted {
		cpus.Claim(cpu, pid)
	}

	p := newProcess(pid, cfg, tree, cpus, granted)
	p.client = cl
	return p, nil
}

func newProcess(pid int64, cfg Config, tree *topology.Tree, cpus *cpumanager.Manager, granted []int) *Process {
	lock := delegation.New(tree.NumCPUs())
	gov := governor.New(tree.NumCPUs(), governorPolicy(cfg), cfg.Governor.Spins)
	sched := scheduler.New(tree, scheduler.Config{
		QuantumNS:          cfg.Scheduler.QuantumNS,
		QueueBatch:         cfg.Scheduler.QueueBatch,
		CPUsPerQueue:       cfg.Scheduler.CPUsPerQueue,
		InQueueSize:        cfg.Scheduler.InQueueSize,
		ImmediateSuccessor: cfg.Scheduler.ImmediateSuccessor,
	})
	p := &Process{
		pid:     pid,
		cfg:     cfg,
		tree:    tree,
		cpus:    cpus,
		lock:    lock,
		gov:     gov,
		sched:   sched,
		workers: make(map[int]*task.Worker),
		tasks:   make(map[uint64]*task.Task),
		stop:    make(chan struct{}),
	}
	for _, cpu := range granted {
		w := task.NewWorker(cpu, pid, lock, gov, cpus, sched)
		p.workers[cpu] = w
		go w.Run(p.stop)
	}
	return p
}

// wantCPU registers, with the nosvd daemon this process is attached
// to, that it still has pending work affine to cpu (spec.md §4.8 "a
// process still wanting them"): if some other attached process later
// detaches and releases cpu, the daemon transfers it here instead of
// marking it free. It starts this process's background grant poller on
// first use and is a no-op for a standalone (Attach, not AttachRemote)
// process, since there is no daemon to transfer a CPU from.
func (p *Process) wantCPU(cpu int) {
	if p.client == nil {
		return
	}
	p.pollOnce.Do(func() { go p.pollGrants() })
	if err := p.client.requestCPU(p.pid, cpu); err != nil {
		logrus.WithError(err).WithField("cpu", cpu).Warn("registering CPU want with daemon")
	}
}

// pollGrants periodically asks the daemon whether it has transferred
// any CPUs to this process since the last check, and starts a worker
// for each one it is handed (spec.md §4.8, scenario: a detaching
// process's CPU is transferred to this one rather than marked free).
func (p *Process) pollGrants() {
	ticker := time.NewTicker(p.cfg.Remote.GrantPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		granted, err := p.client.pollGrant(p.pid)
		if err != nil {
			logrus.WithError(err).Warn("polling nosvd for CPU grants")
			continue
		}
		for _, cpu := range granted {
			p.adoptCPU(cpu)
		}
	}
}

// adoptCPU starts a worker for a CPU this process was just granted
// after its initial attach, the same way newProcess starts one for
// each CPU it was granted up front.
func (p *Process) adoptCPU(cpu int) {
	if !p.cpus.Claim(cpu, p.pid) {
		logrus.WithField("cpu", cpu).Warn("daemon granted a CPU this process's local manager already considers owned")
		return
	}
	w := task.NewWorker(cpu, p.pid, p.lock, p.gov, p.cpus, p.sched)
	p.mu.Lock()
	p.workers[cpu] = w
	p.mu.Unlock()
	go w.Run(p.stop)
	logrus.WithField("cpu", cpu).Info("adopted CPU transferred from another process")
}

func governorPolicy(cfg Config) governor.Policy {
	switch cfg.Governor.Policy {
	case config.GovernorBusy:
		return governor.Busy
	case config.GovernorIdle:
		return governor.Idle
	default:
		return governor.Hybrid
	}
}

// NumCPU returns the number of logical CPUs this process currently
// owns.
func (p *Process) NumCPU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Detach implements process detach (spec.md §4.8): stops this
// process's workers, releases its CPUs, and disconnects from the
// daemon (if attached remotely).
func (p *Process) Detach() error {
	close(p.stop)
	p.mu.Lock()
	cpus := make([]int, 0, len(p.workers))
	for cpu := range p.workers {
		cpus = append(cpus, cpu)
	}
	p.mu.Unlock()

	for _, cpu := range cpus {
		p.cpus.MarkFree(cpu)
	}

	var err error
	if p.client != nil {
		err = p.client.detach(p.pid)
		p.client.close()
	}
	if p.rgn != nil {
		if e := p.rgn.Detach(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func regionDir(cfg Config) (string, error) {
	switch cfg.SharedMemory.IsolationLevel {
	case config.IsolationPublic:
		return "/dev/shm", nil
	default:
		return "/tmp", nil
	}
}

