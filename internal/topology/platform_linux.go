//go:build linux

package topology

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
	gopsutilcpu "github.com/shirou/gopsutil/v3/cpu"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"

	"github.com/aclements/nosv/internal/bitset"
)

const sysCPUDir = "/sys/devices/system/cpu"
const sysNodeDir = "/sys/devices/system/node"

// linuxPlatform implements Platform using /sys and /proc introspection,
// grounded on the teacher's own pattern of reading /proc/<pid>/status in
// internal/cpuset.CPUSetOfPid, generalized to the fuller topology
// surface the runtime needs.
type linuxPlatform struct{}

// NewPlatform returns the production Platform for the current OS.
func NewPlatform() Platform { return linuxPlatform{} }

func (linuxPlatform) maxSystemID() int {
	raw, err := os.ReadFile(filepath.Join(sysCPUDir, "possible"))
	if err == nil {
		if set, err := bitset.Parse(1<<20, strings.TrimSpace(string(raw))); err == nil {
			max := -1
			set.Range(func(i int) { max = i })
			if max >= 0 {
				return max + 1
			}
		}
	}
	if n := cpuid.CPU.LogicalCores; n > 0 {
		return n
	}
	return 1024
}

func (p linuxPlatform) ValidCPUs(binding string) (bitset.Set, error) {
	bound := p.maxSystemID()
	requested, err := p.resolveBinding(binding, bound)
	if err != nil {
		return bitset.Set{}, err
	}

	// Kernel round-trip correction (spec.md §4.1): set the mask, read it
	// back, and intersect, to drop CPUs the kernel reports online but
	// will not actually schedule onto for this process (some arches'
	// "online" list includes CPUs that are not schedulable).
	var kset unix.CPUSet
	requested.Range(func(i int) {
		if i < len(kset)*64 {
			kset.Set(i)
		}
	})
	if err := unix.SchedSetaffinity(0, &kset); err != nil {
		return bitset.Set{}, errors.Wrap(err, "sched_setaffinity")
	}
	var readBack unix.CPUSet
	if err := unix.SchedGetaffinity(0, &readBack); err != nil {
		return bitset.Set{}, errors.Wrap(err, "sched_getaffinity")
	}
	actual := bitset.New(bound)
	for i := 0; i < bound; i++ {
		if readBack.IsSet(i) {
			actual.Set(i)
		}
	}
	return bitset.Intersect(requested, actual), nil
}

func (p linuxPlatform) resolveBinding(binding string, bound int) (bitset.Set, error) {
	switch binding {
	case "", "inherit":
		var cur unix.CPUSet
		if err := unix.SchedGetaffinity(0, &cur); err != nil {
			return bitset.Set{}, errors.Wrap(err, "sched_getaffinity")
		}
		out := bitset.New(bound)
		for i := 0; i < bound; i++ {
			if cur.IsSet(i) {
				out.Set(i)
			}
		}
		return out, nil
	case "all":
		return p.readCPUList("online", bound)
	case "cores":
		online, err := p.readCPUList("online", bound)
		if err != nil {
			return bitset.Set{}, err
		}
		return p.oneCPUPerCore(online, bound)
	default:
		return bitset.Parse(bound, binding)
	}
}

func (linuxPlatform) readCPUList(name string, bound int) (bitset.Set, error) {
	raw, err := os.ReadFile(filepath.Join(sysCPUDir, name))
	if err != nil {
		return bitset.Set{}, errors.Wrapf(err, "reading cpu %s list", name)
	}
	return bitset.Parse(bound, strings.TrimSpace(string(raw)))
}

func (p linuxPlatform) oneCPUPerCore(online bitset.Set, bound int) (bitset.Set, error) {
	out := bitset.New(bound)
	seenCore := map[int]bool{}
	var rangeErr error
	online.Range(func(cpu int) {
		if rangeErr != nil {
			return
		}
		sibs, err := p.ThreadSiblings(cpu)
		if err != nil {
			rangeErr = err
			return
		}
		sibs = bitset.Intersect(sibs, online)
		min := cpu
		sibs.Range(func(s int) {
			if s < min {
				min = s
			}
		})
		if seenCore[min] {
			return
		}
		seenCore[min] = true
		out.Set(min)
	})
	return out, rangeErr
}

func (linuxPlatform) ThreadSiblings(cpu int) (bitset.Set, error) {
	path := filepath.Join(sysCPUDir, fmt.Sprintf("cpu%d", cpu), "topology", "thread_siblings_list")
	raw, err := os.ReadFile(path)
	if err != nil {
		// No topology info (e.g. a container without /sys/devices/system/cpu
		// topology files): the CPU is its own sole sibling.
		single := bitset.New(cpu + 1)
		single.Set(cpu)
		return single, nil
	}
	return bitset.Parse(cpu+4096, strings.TrimSpace(string(raw)))
}

func (linuxPlatform) NUMANodes() ([]bitset.Set, error) {
	entries, err := os.ReadDir(sysNodeDir)
	if err != nil {
		return gopsutilNUMAFallback()
	}
	var nodes []bitset.Set
	bound := linuxPlatform{}.maxSystemID()
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "node") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(sysNodeDir, e.Name(), "cpulist"))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(raw))
		if text == "" {
			nodes = append(nodes, bitset.New(bound))
			continue
		}
		set, err := bitset.Parse(bound, text)
		if err != nil {
			continue
		}
		nodes = append(nodes, set)
	}
	if len(nodes) == 0 {
		return gopsutilNUMAFallback()
	}
	return nodes, nil
}

// gopsutilNUMAFallback is used when /sys/devices/system/node is
// unavailable (e.g. inside some sandboxes): it derives a coarse NUMA
// grouping from gopsutil's per-CPU info, and procfs.NewDefaultFS as a
// last check that /proc itself is even mounted before giving up.
func gopsutilNUMAFallback() ([]bitset.Set, error) {
	if _, err := procfs.NewDefaultFS(); err != nil {
		return nil, errors.Wrap(err, "procfs unavailable for NUMA fallback")
	}
	infos, err := gopsutilcpu.Info()
	if err != nil {
		return nil, errors.Wrap(err, "gopsutil cpu.Info")
	}
	byPhysical := map[int32]bitset.Set{}
	bound := len(infos) + 1
	var order []int32
	for _, info := range infos {
		set, ok := byPhysical[info.PhysicalID]
		if !ok {
			set = bitset.New(bound)
			order = append(order, info.PhysicalID)
		}
		set.Set(int(info.CPU))
		byPhysical[info.PhysicalID] = set
	}
	var out []bitset.Set
	for _, p := range order {
		out = append(out, byPhysical[p])
	}
	return out, nil
}
