package nosv

import "github.com/aclements/nosv/internal/topology"

// Level names one level of the topology hierarchy (spec.md §4.1):
// node, NUMA node, complex set, core, CPU, from coarsest to finest.
type Level = topology.Level

// Topology levels, coarsest to finest (spec.md §4.1).
const (
	LevelNode       = topology.LevelNode
	LevelNUMA       = topology.LevelNUMA
	LevelComplexSet = topology.LevelComplexSet
	LevelCore       = topology.LevelCore
	LevelCPU        = topology.LevelCPU
)

// Domain describes one node of the topology hierarchy (spec.md §4.1).
type Domain = topology.Domain

// TopologyNumCPU returns the number of logical CPUs in this process's topology
// (not the number this process owns; see Process.NumCPU for that).
func (p *Process) TopologyNumCPU() int {
	return p.tree.NumCPUs()
}

// CountDomains returns how many domains exist at level l.
func (p *Process) CountDomains(l Level) int {
	return p.tree.CountDomains(l)
}

// TopologyDomain returns the domain at level l with the given logical
// id (spec.md §4.1 "topology_query").
func (p *Process) TopologyDomain(l Level, logicalID int) (Domain, error) {
	return p.tree.Domain(l, logicalID)
}

// TopologyDomains returns every domain at level l, ordered by logical
// id.
func (p *Process) TopologyDomains(l Level) []Domain {
	return p.tree.Domains(l)
}

// ParentOf returns the logical id of cpuLogical's ancestor domain at
// level l.
func (p *Process) ParentOf(cpuLogical int, l Level) (int, error) {
	return p.tree.ParentOf(cpuLogical, l)
}

// OwnedCPUs returns the logical CPU ids this process currently owns,
// in ascending order.
func (p *Process) OwnedCPUs() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	cpus := make([]int, 0, len(p.workers))
	for cpu := range p.workers {
		cpus = append(cpus, cpu)
	}
	return sortInts(cpus)
}

func sortInts(s []int) []int {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
	return s
}
