package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aclements/nosv/internal/bitset"
)

// fakePlatform is a test double for Platform: it reports a fixed valid
// set and an explicit sibling grouping instead of touching /sys.
type fakePlatform struct {
	valid    bitset.Set
	siblings map[int][]int // system cpu -> its thread-sibling group (including itself)
	numa     []bitset.Set
	numaErr  error
}

func (f fakePlatform) ValidCPUs(binding string) (bitset.Set, error) {
	return f.valid, nil
}

func (f fakePlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	group := f.siblings[cpu]
	if group == nil {
		group = []int{cpu}
	}
	s := bitset.New(64)
	for _, c := range group {
		s.Set(c)
	}
	return s, nil
}

func (f fakePlatform) NUMANodes() ([]bitset.Set, error) {
	return f.numa, f.numaErr
}

func setOf(n int, members ...int) bitset.Set {
	s := bitset.New(n)
	for _, m := range members {
		s.Set(m)
	}
	return s
}

func TestBuildNoSMTOneCorePerCPU(t *testing.T) {
	plat := fakePlatform{valid: setOf(64, 0, 1, 2, 3)}
	tree, err := Build(plat, Config{Binding: "all"})
	require.NoError(t, err)

	assert.Equal(t, 4, tree.NumCPUs())
	assert.Equal(t, 4, tree.CountDomains(LevelCore))
	assert.Equal(t, 1, tree.CountDomains(LevelNUMA))
	assert.Equal(t, 1, tree.CountDomains(LevelNode))

	for logical := 0; logical < 4; logical++ {
		sys, err := tree.LogicalToSystem(logical)
		require.NoError(t, err)
		back, err := tree.SystemToLogical(sys)
		require.NoError(t, err)
		assert.Equal(t, logical, back, "logical->system->logical round trip")
	}
}

func TestBuildInterleavedAcrossSMTCores(t *testing.T) {
	// Two 2-way SMT cores: core A = {0,1}, core B = {2,3}. The
	// interleaved assignment policy (spec.md §9's resolved "open
	// question") visits the first sibling of every core before the
	// second, so logical ids 0,1 must land one per core.
	plat := fakePlatform{
		valid: setOf(64, 0, 1, 2, 3),
		siblings: map[int][]int{
			0: {0, 1}, 1: {0, 1},
			2: {2, 3}, 3: {2, 3},
		},
	}
	tree, err := Build(plat, Config{Binding: "all"})
	require.NoError(t, err)

	require.Equal(t, 2, tree.CountDomains(LevelCore))

	core0, err := tree.ParentOf(0, LevelCore)
	require.NoError(t, err)
	core1, err := tree.ParentOf(1, LevelCore)
	require.NoError(t, err)
	assert.NotEqual(t, core0, core1, "the first two logical CPUs must land on distinct cores under interleaved assignment")
}

func TestBuildComplexSetsConflictDetected(t *testing.T) {
	plat := fakePlatform{
		valid: setOf(64, 0, 1, 2, 3),
		siblings: map[int][]int{
			0: {0, 1}, 1: {0, 1},
		},
	}
	_, err := Build(plat, Config{
		Binding: "all",
		// The first complex set claims system CPU 0 and the second
		// claims system CPU 1, which shares a core with CPU 0: this is
		// the "two CPUs of the same core may not belong to different
		// complex sets" failure.
		ComplexSets: []string{"0", "1"},
	})
	assert.Error(t, err)
}

func TestBuildComplexSetsSingletonWrap(t *testing.T) {
	plat := fakePlatform{valid: setOf(64, 0, 1, 2, 3)}
	tree, err := Build(plat, Config{
		Binding:     "all",
		ComplexSets: []string{"0-1"},
	})
	require.NoError(t, err)
	// cores 0-1 form one named complex set; cores 2 and 3 each get a
	// singleton complex set of their own ("coverage is total").
	assert.Equal(t, 3, tree.CountDomains(LevelComplexSet))
}

func TestBuildNUMAFromConfig(t *testing.T) {
	plat := fakePlatform{valid: setOf(64, 0, 1, 2, 3)}
	tree, err := Build(plat, Config{
		Binding:   "all",
		NUMANodes: []string{"0-1", "2-3"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, tree.CountDomains(LevelNUMA))

	n0, err := tree.ParentOf(0, LevelNUMA)
	require.NoError(t, err)
	n2, err := tree.ParentOf(2, LevelNUMA)
	require.NoError(t, err)
	assert.NotEqual(t, n0, n2)
}

func TestBuildNUMAFallsBackToOSThenSingleNode(t *testing.T) {
	plat := fakePlatform{valid: setOf(64, 0, 1, 2, 3), numa: nil}
	tree, err := Build(plat, Config{Binding: "all"})
	require.NoError(t, err)
	assert.Equal(t, 1, tree.CountDomains(LevelNUMA), "no config and no OS NUMA info: single node covering all valid CPUs")
}

func TestBuildRejectsEmptyBinding(t *testing.T) {
	plat := fakePlatform{valid: bitset.New(64)}
	_, err := Build(plat, Config{Binding: "all"})
	assert.Error(t, err)
}

func TestCoversAndDomainLookup(t *testing.T) {
	plat := fakePlatform{valid: setOf(64, 0, 1, 2, 3)}
	tree, err := Build(plat, Config{Binding: "all"})
	require.NoError(t, err)

	assert.True(t, tree.Covers(LevelNode, 0, 2))
	assert.False(t, tree.Covers(LevelCore, 0, 2), "cpu 2 is not in core 0's cover")

	_, err = tree.Domain(LevelCore, 99)
	assert.Error(t, err)
}

// TestQuantifiedInvariantParentSubset exercises spec.md §8's invariant 2:
// every domain at a finer level has its coarser-level parent set, and
// its CPU set is a subset of that parent's CPU set.
func TestQuantifiedInvariantParentSubset(t *testing.T) {
	plat := fakePlatform{
		valid: setOf(64, 0, 1, 2, 3),
		siblings: map[int][]int{
			0: {0, 1}, 1: {0, 1},
			2: {2, 3}, 3: {2, 3},
		},
	}
	tree, err := Build(plat, Config{
		Binding:     "all",
		ComplexSets: []string{"0-3"},
	})
	require.NoError(t, err)

	for _, lvl := range []Level{LevelNUMA, LevelComplexSet, LevelCore} {
		for _, d := range tree.Domains(lvl) {
			for anc := LevelNode; anc < lvl; anc++ {
				assert.NotEqual(t, -1, d.Parent[anc], "%s domain %d missing %s parent", lvl, d.LogicalID, anc)
				parentDom, err := tree.Domain(anc, d.Parent[anc])
				require.NoError(t, err)
				d.LogicalSet.Range(func(cpu int) {
					assert.True(t, parentDom.LogicalSet.IsSet(cpu), "cpu %d in %s domain %d must be covered by its %s parent", cpu, lvl, d.LogicalID, anc)
				})
			}
		}
	}
}
