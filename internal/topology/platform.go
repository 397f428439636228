package topology

import (
	"github.com/aclements/nosv/internal/bitset"
)

// Config is the subset of the external configuration record
// (internal/config.Topology) that topology.Build needs. Kept distinct
// from internal/config.Topology to avoid a dependency from this package
// onto the configuration-surface package.
type Config struct {
	// Binding selects the CPU mask for this instance: "inherit", "all",
	// "cores", or an explicit bitmask/list (internal/bitset grammar).
	Binding string
	// NUMANodes is one CPU-list string (system ids) per NUMA node.
	NUMANodes []string
	// ComplexSets is one CPU-list string (system ids) per complex set.
	ComplexSets []string
}

// Platform is the OS-introspection surface topology.Build needs. The
// production implementation is linuxPlatform (platform_linux.go);
// tests supply a fake.
type Platform interface {
	// ValidCPUs resolves a topology.binding string to the set of valid
	// system CPU ids, after the kernel-round-trip correction described
	// in spec.md §4.1 ("set the mask, read it back, intersect").
	ValidCPUs(binding string) (bitset.Set, error)

	// ThreadSiblings returns the system ids of cpu's SMT thread
	// siblings (including cpu itself).
	ThreadSiblings(cpu int) (bitset.Set, error)

	// NUMANodes returns one Set of system CPU ids per NUMA node
	// reported by the OS, in node-id order. Used only when the config
	// does not supply topology.numa_nodes.
	NUMANodes() ([]bitset.Set, error)
}
