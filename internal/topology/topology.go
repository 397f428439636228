// Package topology builds and queries the five-level locality tree
// (spec.md §4.1): node, NUMA, complex-set, core, and CPU. Every other
// level queries are derived from a dense per-level Domain array; no
// parent/child pointers are stored, only parent logical ids, following
// the arena style described in spec.md §9 ("cyclic parent/child
// references... are avoided by storing only parent logical ids").
package topology

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aclements/nosv/internal/bitset"
)

// Level names one of the five locality levels, ordered coarsest first so
// Parent[] can be indexed directly by Level.
type Level int

const (
	LevelNode Level = iota
	LevelNUMA
	LevelComplexSet
	LevelCore
	LevelCPU
	numLevels
)

func (l Level) String() string {
	switch l {
	case LevelNode:
		return "node"
	case LevelNUMA:
		return "numa"
	case LevelComplexSet:
		return "complex_set"
	case LevelCore:
		return "core"
	case LevelCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Domain is one node of the locality tree (spec.md §3 "Topology domain").
type Domain struct {
	Level     Level
	SystemID  int
	LogicalID int

	// Parent holds, for each coarser level, the logical id of this
	// domain's ancestor at that level. Parent[Level] of a domain is
	// meaningless (a domain is not its own parent) and left at -1.
	Parent [numLevels]int

	// SystemSet and LogicalSet hold, respectively, the system ids and
	// logical ids of the CPUs covered by this domain.
	SystemSet  bitset.Set
	LogicalSet bitset.Set
}

// Tree is the full five-level locality hierarchy for one coordination
// region, plus the logical<->system id maps for its CPUs.
type Tree struct {
	NumCPU int

	logicalToSystem []int
	systemToLogical map[int]int

	levels [numLevels][]Domain
}

// NumCPUs returns the number of valid CPUs this tree was built over.
func (t *Tree) NumCPUs() int { return t.NumCPU }

// LogicalToSystem converts a logical CPU id to its OS system id.
func (t *Tree) LogicalToSystem(logical int) (int, error) {
	if logical < 0 || logical >= len(t.logicalToSystem) {
		return 0, errors.Errorf("logical CPU %d out of range [0, %d)", logical, len(t.logicalToSystem))
	}
	return t.logicalToSystem[logical], nil
}

// SystemToLogical converts an OS system CPU id to its logical id.
func (t *Tree) SystemToLogical(system int) (int, error) {
	l, ok := t.systemToLogical[system]
	if !ok {
		return 0, errors.Errorf("system CPU %d is not part of this instance", system)
	}
	return l, nil
}

// CountDomains returns the number of domains at level l.
func (t *Tree) CountDomains(l Level) int {
	if l < 0 || l >= numLevels {
		return 0
	}
	return len(t.levels[l])
}

// Domain returns domain logicalID at level l.
func (t *Tree) Domain(l Level, logicalID int) (Domain, error) {
	if l < 0 || l >= numLevels {
		return Domain{}, errors.Errorf("invalid level %d", l)
	}
	ds := t.levels[l]
	if logicalID < 0 || logicalID >= len(ds) {
		return Domain{}, errors.Errorf("no domain %d at level %s", logicalID, l)
	}
	return ds[logicalID], nil
}

// Domains returns every domain at level l, ordered by logical id. The
// returned slice must not be mutated.
func (t *Tree) Domains(l Level) []Domain {
	if l < 0 || l >= numLevels {
		return nil
	}
	return t.levels[l]
}

// ParentOf returns the logical id of cpu's ancestor domain at level l.
func (t *Tree) ParentOf(cpuLogical int, l Level) (int, error) {
	d, err := t.Domain(LevelCPU, cpuLogical)
	if err != nil {
		return 0, err
	}
	return d.Parent[l], nil
}

// Covers reports whether the domain at (l, logicalID) covers cpuLogical.
func (t *Tree) Covers(l Level, logicalID, cpuLogical int) bool {
	d, err := t.Domain(l, logicalID)
	if err != nil {
		return false
	}
	return d.LogicalSet.IsSet(cpuLogical)
}

// Build constructs the five-level tree from a Platform (OS introspection)
// and a Config (spec.md §4.1 "Initialization contract"). It implements
// the ordered algorithm of spec.md §4.1: valid CPUs, cores+CPUs
// (interleaved logical ids), complex sets, NUMA, node, then downward
// parent propagation, then the post-condition assertions.
//
// Build aborts (returns an error) on any configuration error; per
// spec.md §7 these are fatal at initialization and the caller is
// expected to treat a non-nil error as unrecoverable.
func Build(plat Platform, cfg Config) (*Tree, error) {
	valid, err := plat.ValidCPUs(cfg.Binding)
	if err != nil {
		return nil, errors.Wrap(err, "resolving topology.binding")
	}
	if valid.Empty() {
		return nil, errors.New("topology.binding selected zero CPUs")
	}

	t := &Tree{}
	if err := t.buildCoresAndCPUs(plat, valid, cfg.Binding); err != nil {
		return nil, err
	}
	if err := t.buildComplexSets(cfg.ComplexSets); err != nil {
		return nil, err
	}
	if err := t.buildNUMA(plat, cfg.NUMANodes); err != nil {
		return nil, err
	}
	t.buildNode()

	if err := t.propagateParents(); err != nil {
		return nil, err
	}
	if err := t.verify(); err != nil {
		return nil, errors.Wrap(err, "topology post-condition check failed")
	}
	logrus.WithFields(logrus.Fields{
		"cpus":         t.NumCPU,
		"cores":        len(t.levels[LevelCore]),
		"complex_sets": len(t.levels[LevelComplexSet]),
		"numa_nodes":   len(t.levels[LevelNUMA]),
	}).Debug("topology built")
	return t, nil
}

// buildCoresAndCPUs implements spec.md §4.1 step 1: cores and CPUs are
// discovered together, with logical CPU ids assigned interleaved across
// cores (pass k visits the k-th sibling of every core, in system-id
// order of the cores) per the "Open question" resolution in spec.md §9.
func (t *Tree) buildCoresAndCPUs(plat Platform, valid bitset.Set, bindingDesc string) error {
	systemCPUs := sortedMembers(valid)
	t.NumCPU = len(systemCPUs)
	t.logicalToSystem = make([]int, t.NumCPU)
	t.systemToLogical = make(map[int]int, t.NumCPU)

	placed := make(map[int]bool, t.NumCPU) // system id -> already assigned a core
	type core struct {
		systemID int
		siblings []int // system ids, filtered to valid, sorted
	}
	var cores []core
	coreOfSystemCPU := make(map[int]int) // system cpu -> index into cores

	for _, sysCPU := range systemCPUs {
		if placed[sysCPU] {
			continue
		}
		sibs, err := plat.ThreadSiblings(sysCPU)
		if err != nil {
			return errors.Wrapf(err, "reading thread siblings of CPU %d", sysCPU)
		}
		sibs = bitset.Intersect(sibs, valid)
		if sibs.Empty() {
			sibs.Set(sysCPU)
		}
		members := sortedMembers(sibs)
		coreSystemID := members[0]
		ci := len(cores)
		cores = append(cores, core{systemID: coreSystemID, siblings: members})
		for _, m := range members {
			placed[m] = true
			coreOfSystemCPU[m] = ci
		}
	}
	if len(cores) == 0 {
		return errors.Errorf("no cores discovered for binding %q", bindingDesc)
	}
	sort.Slice(cores, func(i, j int) bool { return cores[i].systemID < cores[j].systemID })
	// coreOfSystemCPU indices are now stale after sort; rebuild.
	for ci, c := range cores {
		for _, m := range c.siblings {
			coreOfSystemCPU[m] = ci
		}
	}

	coreDomains := make([]Domain, len(cores))
	for ci, c := range cores {
		coreDomains[ci] = Domain{
			Level:      LevelCore,
			SystemID:   c.systemID,
			LogicalID:  ci,
			SystemSet:  bitset.New(maxSystemID(systemCPUs) + 1),
			LogicalSet: bitset.New(t.NumCPU),
		}
		for i := range coreDomains[ci].Parent {
			coreDomains[ci].Parent[i] = -1
		}
	}

	cpuDomains := make([]Domain, t.NumCPU)
	logical := 0
	maxSiblings := 0
	for _, c := range cores {
		if len(c.siblings) > maxSiblings {
			maxSiblings = len(c.siblings)
		}
	}
	// Interleaved assignment: pass k visits the k-th sibling of every
	// core, in core system-id order.
	for k := 0; k < maxSiblings; k++ {
		for ci, c := range cores {
			if k >= len(c.siblings) {
				continue
			}
			sysCPU := c.siblings[k]
			t.logicalToSystem[logical] = sysCPU
			t.systemToLogical[sysCPU] = logical

			coreDomains[ci].SystemSet.Set(sysCPU)
			coreDomains[ci].LogicalSet.Set(logical)

			cpuDomains[logical] = Domain{
				Level:      LevelCPU,
				SystemID:   sysCPU,
				LogicalID:  logical,
				SystemSet:  bitset.New(maxSystemID(systemCPUs) + 1),
				LogicalSet: bitset.New(t.NumCPU),
			}
			for i := range cpuDomains[logical].Parent {
				cpuDomains[logical].Parent[i] = -1
			}
			cpuDomains[logical].SystemSet.Set(sysCPU)
			cpuDomains[logical].LogicalSet.Set(logical)
			cpuDomains[logical].Parent[LevelCore] = ci

			logical++
		}
	}

	t.levels[LevelCore] = coreDomains
	t.levels[LevelCPU] = cpuDomains
	return nil
}

// buildComplexSets implements spec.md §4.1 step 2.
func (t *Tree) buildComplexSets(entries []string) error {
	cpuCount := t.NumCPU
	maxSys := maxSystemIDFromTree(t)

	var domains []Domain
	coreParent := make([]int, len(t.levels[LevelCore])) // complex-set logical id per core, -1 if unassigned
	for i := range coreParent {
		coreParent[i] = -1
	}

	for _, raw := range entries {
		logicalSet, err := parseSystemListAsLogical(t, raw)
		if err != nil {
			return errors.Wrapf(err, "topology.complex_sets entry %q", raw)
		}
		if logicalSet.Empty() {
			return errors.Errorf("topology.complex_sets entry %q covers no valid CPU", raw)
		}
		cs := Domain{
			Level:      LevelComplexSet,
			LogicalID:  len(domains),
			SystemID:   len(domains),
			SystemSet:  bitset.New(maxSys + 1),
			LogicalSet: bitset.New(cpuCount),
		}
		for i := range cs.Parent {
			cs.Parent[i] = -1
		}
		seenCores := map[int]bool{}
		var err2 error
		logicalSet.Range(func(cpu int) {
			if err2 != nil {
				return
			}
			cs.LogicalSet.Set(cpu)
			sys, _ := t.LogicalToSystem(cpu)
			cs.SystemSet.Set(sys)
			coreID := t.levels[LevelCPU][cpu].Parent[LevelCore]
			if prev := coreParent[coreID]; prev != -1 && prev != cs.LogicalID {
				err2 = errors.Errorf("core %d already belongs to complex set %d, cannot also join %d", coreID, prev, cs.LogicalID)
				return
			}
			if seenCores[coreID] {
				return
			}
			seenCores[coreID] = true
			coreParent[coreID] = cs.LogicalID
		})
		if err2 != nil {
			return err2
		}
		domains = append(domains, cs)
	}

	// Unparented cores are each wrapped in a singleton complex set.
	for ci, parent := range coreParent {
		if parent != -1 {
			continue
		}
		core := t.levels[LevelCore][ci]
		cs := Domain{
			Level:      LevelComplexSet,
			LogicalID:  len(domains),
			SystemID:   len(domains),
			SystemSet:  core.SystemSet.Clone(),
			LogicalSet: core.LogicalSet.Clone(),
		}
		for i := range cs.Parent {
			cs.Parent[i] = -1
		}
		coreParent[ci] = cs.LogicalID
		domains = append(domains, cs)
	}

	t.levels[LevelComplexSet] = domains
	// Stamp core -> complex-set parent now; propagateParents handles the
	// rest (CPU -> complex-set, and everything -> numa/node).
	for ci, parent := range coreParent {
		t.levels[LevelCore][ci].Parent[LevelComplexSet] = parent
	}
	return nil
}

// buildNUMA implements spec.md §4.1 step 3.
func (t *Tree) buildNUMA(plat Platform, entries []string) error {
	var sets []bitset.Set
	if len(entries) > 0 {
		for _, raw := range entries {
			s, err := parseSystemListAsLogical(t, raw)
			if err != nil {
				return errors.Wrapf(err, "topology.numa_nodes entry %q", raw)
			}
			if s.Empty() {
				return errors.Errorf("topology.numa_nodes entry %q covers no valid CPU", raw)
			}
			sets = append(sets, s)
		}
	} else {
		discovered, err := plat.NUMANodes()
		if err != nil {
			logrus.WithError(err).Warn("NUMA discovery failed, falling back to a single node")
		}
		for _, d := range discovered {
			filtered := bitset.New(t.NumCPU)
			empty := true
			d.Range(func(cpu int) {
				if l, ok := t.systemToLogical[cpu]; ok {
					filtered.Set(l)
					empty = false
				}
			})
			if !empty {
				sets = append(sets, filtered)
			}
		}
	}
	if len(sets) == 0 {
		all := bitset.New(t.NumCPU)
		for i := 0; i < t.NumCPU; i++ {
			all.Set(i)
		}
		sets = append(sets, all)
	}

	maxSys := maxSystemIDFromTree(t)
	domains := make([]Domain, len(sets))
	for i, s := range sets {
		d := Domain{
			Level:      LevelNUMA,
			LogicalID:  i,
			SystemID:   i,
			SystemSet:  bitset.New(maxSys + 1),
			LogicalSet: s,
		}
		for j := range d.Parent {
			d.Parent[j] = -1
		}
		s.Range(func(cpu int) {
			sys, _ := t.LogicalToSystem(cpu)
			d.SystemSet.Set(sys)
		})
		domains[i] = d
	}
	t.levels[LevelNUMA] = domains
	return nil
}

// buildNode implements spec.md §4.1 step 4: a single domain covering
// every valid CPU.
func (t *Tree) buildNode() {
	all := bitset.New(t.NumCPU)
	allSys := bitset.New(maxSystemIDFromTree(t) + 1)
	for i := 0; i < t.NumCPU; i++ {
		all.Set(i)
		sys, _ := t.LogicalToSystem(i)
		allSys.Set(sys)
	}
	d := Domain{
		Level:      LevelNode,
		LogicalID:  0,
		SystemID:   0,
		SystemSet:  allSys,
		LogicalSet: all,
	}
	for i := range d.Parent {
		d.Parent[i] = -1
	}
	t.levels[LevelNode] = []Domain{d}
}

// propagateParents walks from each CPU upward, stamping the logical id
// of every coarser domain into the per-CPU chain, and downward into the
// complex-set and core domains that cover that CPU (spec.md §4.1,
// "propagate parents downward").
func (t *Tree) propagateParents() error {
	for cpu := range t.levels[LevelCPU] {
		cpuDomain := &t.levels[LevelCPU][cpu]
		complexSetID := t.levels[LevelCore][cpuDomain.Parent[LevelCore]].Parent[LevelComplexSet]
		if complexSetID == -1 {
			return errors.Errorf("core %d has no complex-set parent", cpuDomain.Parent[LevelCore])
		}
		cpuDomain.Parent[LevelComplexSet] = complexSetID

		numaID := -1
		for i, d := range t.levels[LevelNUMA] {
			if d.LogicalSet.IsSet(cpu) {
				numaID = i
				break
			}
		}
		if numaID == -1 {
			return errors.Errorf("CPU %d is not covered by any NUMA node", cpu)
		}
		cpuDomain.Parent[LevelNUMA] = numaID
		cpuDomain.Parent[LevelNode] = 0

		core := &t.levels[LevelCore][cpuDomain.Parent[LevelCore]]
		if err := stampOnce(&core.Parent[LevelComplexSet], complexSetID); err != nil {
			return errors.Wrapf(err, "core %d", core.LogicalID)
		}
		if err := stampOnce(&core.Parent[LevelNUMA], numaID); err != nil {
			return errors.Wrapf(err, "core %d", core.LogicalID)
		}
		core.Parent[LevelNode] = 0
	}
	for i := range t.levels[LevelComplexSet] {
		cs := &t.levels[LevelComplexSet][i]
		numaID := -1
		cs.LogicalSet.Range(func(cpu int) {
			if numaID == -1 {
				numaID = t.levels[LevelCPU][cpu].Parent[LevelNUMA]
			}
		})
		if numaID != -1 {
			cs.Parent[LevelNUMA] = numaID
		}
		cs.Parent[LevelNode] = 0
	}
	for i := range t.levels[LevelNUMA] {
		t.levels[LevelNUMA][i].Parent[LevelNode] = 0
	}
	return nil
}

func stampOnce(slot *int, val int) error {
	if *slot != -1 && *slot != val {
		return errors.Errorf("conflicting parent stamp: had %d, got %d", *slot, val)
	}
	*slot = val
	return nil
}

// verify checks the post-conditions of spec.md §4.1: every domain below
// the node level has all of its ancestor parents set, and every CPU
// covered by a domain at numa..core agrees on its parent at every
// higher level.
func (t *Tree) verify() error {
	for l := LevelNUMA; l <= LevelCPU; l++ {
		for _, d := range t.levels[l] {
			for anc := LevelNode; anc < l; anc++ {
				if d.Parent[anc] == -1 {
					return errors.Errorf("%s domain %d missing %s parent", l, d.LogicalID, anc)
				}
			}
		}
	}
	for l := LevelNUMA; l <= LevelCore; l++ {
		for _, d := range t.levels[l] {
			var bad error
			d.LogicalSet.Range(func(cpu int) {
				if bad != nil {
					return
				}
				cd := t.levels[LevelCPU][cpu]
				if cd.Parent[l] != d.LogicalID {
					bad = errors.Errorf("CPU %d disagrees with %s domain %d about its parent at that level", cpu, l, d.LogicalID)
				}
			})
			if bad != nil {
				return bad
			}
		}
	}
	return nil
}

func sortedMembers(s bitset.Set) []int {
	var out []int
	s.Range(func(i int) { out = append(out, i) })
	sort.Ints(out)
	return out
}

func maxSystemID(systemCPUs []int) int {
	max := 0
	for _, c := range systemCPUs {
		if c > max {
			max = c
		}
	}
	return max
}

func maxSystemIDFromTree(t *Tree) int {
	max := 0
	for _, s := range t.logicalToSystem {
		if s > max {
			max = s
		}
	}
	return max
}

// parseSystemListAsLogical parses raw as a cpuset(7) list of *system*
// CPU ids and converts it to a logical-id Set, dropping any ids not
// present in this tree's valid-CPU set.
func parseSystemListAsLogical(t *Tree, raw string) (bitset.Set, error) {
	maxSys := maxSystemIDFromTree(t)
	sysSet, err := bitset.Parse(maxSys+1, raw)
	if err != nil {
		return bitset.Set{}, err
	}
	out := bitset.New(t.NumCPU)
	sysSet.Range(func(sys int) {
		if l, ok := t.systemToLogical[sys]; ok {
			out.Set(l)
		}
	})
	return out, nil
}
