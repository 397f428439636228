// Package scheduler implements the scheduler core of spec.md §4.5:
// per-producer MPSC input queues, the single-consumer server-side
// dispatch algorithm run by whichever CPU currently holds the
// delegation lock, the quantum, and the immediate-successor hint.
//
// The scheduler operates on the Handle interface rather than a concrete
// task type so internal/task (which drives the worker loop that calls
// into this package) can implement Handle on its Task without creating
// an import cycle.
package scheduler

import (
	"sync"
	"time"

	"github.com/aclements/nosv/internal/bitset"
	"github.com/aclements/nosv/internal/topology"
)

// Handle is the scheduler's view of a runnable unit of work.
type Handle interface {
	// SchedID is a stable id used for queued-at-most-once bookkeeping
	// and FIFO tie-breaking.
	SchedID() uint64
	// Affinity returns the task's affinity domain and policy. ok is
	// false when the task has no affinity (spec.md S1's "no affinity"
	// tasks).
	Affinity() (level topology.Level, logicalID int, strict bool, ok bool)
	// Degree is 1 for a scalar task, N for a parallel task of degree N.
	Degree() int
}

// Config mirrors the scheduler.* configuration keys of spec.md §6.
type Config struct {
	QuantumNS          int64
	QueueBatch         int
	CPUsPerQueue       int
	InQueueSize        int
	ImmediateSuccessor bool
}

type overflow struct {
	mu    sync.Mutex
	items []Handle
}

// Server is the per-region scheduler core: one set of input queues, and
// the ready-task structures the delegation-lock holder dispatches from.
type Server struct {
	tree *topology.Tree
	cfg  Config

	rings     []*bitset.Ring
	overflows []*overflow

	mu        sync.Mutex
	strict    []Handle // FIFO, affinity policy strict
	preferred []Handle // FIFO, affinity policy preferred
	any       []Handle // FIFO, no affinity

	enqueued  map[uint64]bool // at-most-once-queued bookkeeping (spec.md §4.5 invariant)
	remaining map[uint64]int // parallel-degree tasks: concurrent invocations left to start

	successors map[uint64]pendingSuccessor // successor's SchedID -> submitting cpu and handle (immediate-successor hint)
}

type pendingSuccessor struct {
	cpu    int
	handle Handle
}

// New returns a Server for tree with the given scheduler configuration.
// Producers are grouped cfg.CPUsPerQueue CPUs per ring, per spec.md §6
// "scheduler.cpus_per_queue".
func New(tree *topology.Tree, cfg Config) *Server {
	numQueues := (tree.NumCPUs() + cfg.CPUsPerQueue - 1) / cfg.CPUsPerQueue
	if numQueues < 1 {
		numQueues = 1
	}
	s := &Server{
		tree:       tree,
		cfg:        cfg,
		rings:      make([]*bitset.Ring, numQueues),
		overflows:  make([]*overflow, numQueues),
		enqueued:   make(map[uint64]bool),
		remaining:  make(map[uint64]int),
		successors: make(map[uint64]pendingSuccessor),
	}
	for i := range s.rings {
		s.rings[i] = bitset.NewRing(cfg.InQueueSize)
		s.overflows[i] = &overflow{}
	}
	return s
}

// QueueFor returns the input-queue index a submission from cpu belongs
// to.
func (s *Server) QueueFor(cpu int) int {
	return cpu / s.cfg.CPUsPerQueue
}

// Submit enqueues h on the ring belonging to submittingCPU, falling back
// to the overflow list if the ring is full (spec.md §4.5 "Submission
// never blocks on other producers"). It is safe to call concurrently
// from any number of distinct submittingCPU values, one at a time each
// (single-producer per ring).
func (s *Server) Submit(submittingCPU int, h Handle) {
	q := s.QueueFor(submittingCPU)
	if s.rings[q].Push(h) {
		return
	}
	ov := s.overflows[q]
	ov.mu.Lock()
	ov.items = append(ov.items, h)
	ov.mu.Unlock()
}

// SubmitSuccessor submits h on behalf of a task running on cpu and, when
// ImmediateSuccessor is enabled and h either has no affinity or has an
// affinity domain covering cpu, records h as cpu's immediate-successor
// hint (spec.md §4.5 point 4). h still goes through the ordinary input
// queue so it participates in normal batching/affinity bookkeeping.
func (s *Server) SubmitSuccessor(cpu int, h Handle) {
	s.Submit(cpu, h)
	if !s.cfg.ImmediateSuccessor {
		return
	}
	if level, logicalID, _, ok := h.Affinity(); ok && !s.tree.Covers(level, logicalID, cpu) {
		return
	}
	s.mu.Lock()
	s.successors[h.SchedID()] = pendingSuccessor{cpu: cpu, handle: h}
	s.mu.Unlock()
}

// TakeSuccessor returns the pending immediate-successor hint for cpu, if
// that task has been drained and is still queued, and consumes the hint.
// As with Dispatch, a parallel task stays filed until all of its
// invocations have started. It does not check whether other tasks
// affine to cpu are queued ahead of the successor.
func (s *Server) TakeSuccessor(cpu int) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range s.successors {
		if p.cpu == cpu {
			delete(s.successors, id)
			if s.enqueued[id] {
				if s.remaining[id] > 1 {
					s.remaining[id]--
					return p.handle, true
				}
				delete(s.enqueued, id)
				delete(s.remaining, id)
				s.strict = removeID(s.strict, id)
				s.preferred = removeID(s.preferred, id)
				s.any = removeID(s.any, id)
				return p.handle, true
			}
		}
	}
	return nil, false
}

func removeID(list []Handle, id uint64) []Handle {
	for i, h := range list {
		if h.SchedID() == id {
			return removeAt(list, i)
		}
	}
	return list
}

// DrainBatch drains up to cfg.QueueBatch items from queue's ring and
// overflow list (ring first, then overflow, preserving each source's
// FIFO order) and files them into the ready structures by affinity
// (spec.md §4.5 step 1).
func (s *Server) DrainBatch(queue int) int {
	n := 0
	for n < s.cfg.QueueBatch {
		v, ok := s.rings[queue].Pop()
		if !ok {
			break
		}
		s.file(v.(Handle))
		n++
	}
	if n < s.cfg.QueueBatch {
		ov := s.overflows[queue]
		ov.mu.Lock()
		for n < s.cfg.QueueBatch && len(ov.items) > 0 {
			h := ov.items[0]
			ov.items = ov.items[1:]
			s.file(h)
			n++
		}
		ov.mu.Unlock()
	}
	return n
}

// DrainAll drains every input queue; used by a fresh holder's
// server-loop pass before dispatch.
func (s *Server) DrainAll() {
	for q := range s.rings {
		for s.DrainBatch(q) == s.cfg.QueueBatch {
			// Keep draining this queue until a partial (or zero) batch
			// indicates it's temporarily exhausted.
		}
	}
}

func (s *Server) file(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueued[h.SchedID()] {
		return // already queued: spec.md §4.5 "No task is enqueued twice simultaneously"
	}
	s.enqueued[h.SchedID()] = true
	s.remaining[h.SchedID()] = h.Degree()
	level, _, strict, ok := h.Affinity()
	switch {
	case !ok:
		s.any = append(s.any, h)
	case strict:
		s.strict = append(s.strict, h)
	default:
		_ = level
		s.preferred = append(s.preferred, h)
	}
}

// Dispatch selects the best task for an idle waiter on cpu, per spec.md
// §4.5 step 2: strict-affine FIFO, then preferred-affine FIFO, then any
// task tie-broken by locality, else nothing.
func (s *Server) Dispatch(cpu int) (Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, idx, ok := s.pickCovering(s.strict, cpu); ok {
		var h Handle
		s.strict, h = s.take(s.strict, idx)
		return h, true
	}
	if _, idx, ok := s.pickCovering(s.preferred, cpu); ok {
		var h Handle
		s.preferred, h = s.take(s.preferred, idx)
		return h, true
	}
	if _, idx, ok := s.pickAny(cpu); ok {
		var h Handle
		if idx < len(s.preferred) {
			s.preferred, h = s.take(s.preferred, idx)
		} else {
			s.any, h = s.take(s.any, idx-len(s.preferred))
		}
		return h, true
	}
	return nil, false
}

// take consumes one concurrent invocation of list[idx]. A scalar task
// (degree 1) is removed from both the ready list and the at-most-once
// bookkeeping immediately; a parallel task of degree N stays filed,
// eligible to be matched by up to N-1 more idle CPUs, until all N
// invocations have been started (spec.md S6 "up to degree concurrent
// invocations").
func (s *Server) take(list []Handle, idx int) ([]Handle, Handle) {
	h := list[idx]
	id := h.SchedID()
	s.remaining[id]--
	if s.remaining[id] <= 0 {
		delete(s.remaining, id)
		delete(s.enqueued, id)
		list = removeAt(list, idx)
	}
	return list, h
}

func (s *Server) pickCovering(list []Handle, cpu int) (Handle, int, bool) {
	for i, h := range list {
		level, logicalID, _, ok := h.Affinity()
		if ok && s.tree.Covers(level, logicalID, cpu) {
			return h, i, true
		}
	}
	return nil, -1, false
}

// pickAny considers every remaining preferred task (whose domain did not
// cover cpu) plus every unaffine "any" task, picking the one with the
// best locality score to cpu; unaffine tasks always score worst so a
// preferred task that is merely stranded elsewhere still wins ties
// against a task with no affinity at all.
func (s *Server) pickAny(cpu int) (Handle, int, bool) {
	best := -1
	bestScore := 1 << 30
	combined := append(append([]Handle{}, s.preferred...), s.any...)
	for i, h := range combined {
		score := s.locality(cpu, h)
		if score < bestScore {
			bestScore = score
			best = i
		}
	}
	if best == -1 {
		return nil, -1, false
	}
	return combined[best], best, true
}

var tieBreakLevels = []topology.Level{topology.LevelCore, topology.LevelComplexSet, topology.LevelNUMA, topology.LevelNode}

func (s *Server) locality(cpu int, h Handle) int {
	level, logicalID, _, ok := h.Affinity()
	if !ok {
		return len(tieBreakLevels) + 1
	}
	dom, err := s.tree.Domain(level, logicalID)
	if err != nil {
		return len(tieBreakLevels) + 1
	}
	cpuDomain, err := s.tree.Domain(topology.LevelCPU, cpu)
	if err != nil {
		return len(tieBreakLevels) + 1
	}
	for rank, lvl := range tieBreakLevels {
		target := cpuDomain.Parent[lvl]
		found := false
		dom.LogicalSet.Range(func(c int) {
			if found {
				return
			}
			other, err := s.tree.Domain(topology.LevelCPU, c)
			if err == nil && other.Parent[lvl] == target {
				found = true
			}
		})
		if found {
			return rank
		}
	}
	return len(tieBreakLevels)
}

func removeAt(list []Handle, i int) []Handle {
	return append(list[:i:i], list[i+1:]...)
}

// HasReadyFor reports whether any queued task (strict or preferred) is
// affine to cpu, which is what makes a quantum expiry actionable
// (spec.md §4.5 point 3: "if... another ready task targets the same
// CPU, the current task is signaled to yield").
func (s *Server) HasReadyFor(cpu int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _, ok := s.pickCovering(s.strict, cpu)
	if ok {
		return true
	}
	_, _, ok = s.pickCovering(s.preferred, cpu)
	return ok
}

// Quantum returns the configured quantum as a time.Duration (0 disables
// it, spec.md §6).
func (s *Server) Quantum() time.Duration {
	return time.Duration(s.cfg.QuantumNS)
}
