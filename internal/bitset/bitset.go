// Package bitset implements fixed-size CPU bitsets with the parse/print
// grammar from the cpuset(7) CPU-list format, plus the SPSC ring buffer
// used to move tasks between a submitter and the scheduler server.
package bitset

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// wordBits is the width of one storage word.
const wordBits = 64

// Set is a fixed-capacity bitset over logical ids [0, Cap).
//
// Adapted from golang.org/x/sys/unix.CPUSet, generalized to an arbitrary
// (caller-chosen) capacity so it can represent both system-id and
// logical-id CPU sets, as well as arbitrary per-level domain covers.
type Set struct {
	words []uint64
	cap   int
}

// New returns an empty Set capable of holding ids in [0, n).
func New(n int) Set {
	return Set{words: make([]uint64, (n+wordBits-1)/wordBits), cap: n}
}

// Cap returns the capacity this set was constructed with.
func (s Set) Cap() int { return s.cap }

// Set marks i as a member of the set.
func (s Set) Set(i int) {
	s.words[i/wordBits] |= 1 << uint(i%wordBits)
}

// Clear removes i from the set.
func (s Set) Clear(i int) {
	s.words[i/wordBits] &^= 1 << uint(i%wordBits)
}

// IsSet reports whether i is a member of the set.
func (s Set) IsSet(i int) bool {
	if i < 0 || i/wordBits >= len(s.words) {
		return false
	}
	return s.words[i/wordBits]&(1<<uint(i%wordBits)) != 0
}

// Count returns the number of members.
func (s Set) Count() int {
	n := 0
	for _, w := range s.words {
		for w != 0 {
			w &= w - 1
			n++
		}
	}
	return n
}

// Clone returns an independent copy of s.
func (s Set) Clone() Set {
	out := New(s.cap)
	copy(out.words, s.words)
	return out
}

// Range calls fn with the id of every member, in ascending order.
func (s Set) Range(fn func(i int)) {
	for wi, w := range s.words {
		for w != 0 {
			bit := w & -w
			i := wi*wordBits + trailingZeros64(bit)
			fn(i)
			w &^= bit
		}
	}
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// Union returns the union of a and b. a and b must have equal capacity.
func Union(a, b Set) Set {
	out := New(a.cap)
	for i := range out.words {
		out.words[i] = a.words[i] | b.words[i]
	}
	return out
}

// Intersect returns the intersection of a and b.
func Intersect(a, b Set) Set {
	out := New(a.cap)
	for i := range out.words {
		out.words[i] = a.words[i] & b.words[i]
	}
	return out
}

// Difference returns the members of a that are not in b.
func Difference(a, b Set) Set {
	out := New(a.cap)
	for i := range out.words {
		out.words[i] = a.words[i] &^ b.words[i]
	}
	return out
}

// Equal reports whether a and b have the same members.
func Equal(a, b Set) bool {
	if a.cap != b.cap {
		return false
	}
	for i := range a.words {
		if a.words[i] != b.words[i] {
			return false
		}
	}
	return true
}

// Empty reports whether the set has no members.
func (s Set) Empty() bool {
	for _, w := range s.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Parse constructs a Set of capacity n from a cpuset(7)-style CPU list:
//
//	list  := range ("," range)*
//	range := N | N "-" M | N "-" M ":" S
//
// and the hex form "0x...", where each set bit i is CPU i.
func Parse(n int, s string) (Set, error) {
	set := New(n)
	if s == "" {
		return set, errors.New("cannot parse empty string")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return parseHex(n, s)
	}

	for _, r := range strings.Split(s, ",") {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		stride := 1
		body := r
		if idx := strings.Index(r, ":"); idx >= 0 {
			body = r[:idx]
			st, err := strconv.Atoi(r[idx+1:])
			if err != nil || st <= 0 {
				return set, errors.Errorf("invalid stride in range %q", r)
			}
			stride = st
		}

		bounds := strings.SplitN(body, "-", 2)
		switch len(bounds) {
		case 1:
			i, err := strconv.Atoi(bounds[0])
			if err != nil {
				return set, errors.Wrapf(err, "invalid CPU id %q", bounds[0])
			}
			if err := checkRange(n, i); err != nil {
				return set, err
			}
			set.Set(i)
		case 2:
			start, err := strconv.Atoi(bounds[0])
			if err != nil {
				return set, errors.Wrapf(err, "invalid range start %q", r)
			}
			end, err := strconv.Atoi(bounds[1])
			if err != nil {
				return set, errors.Wrapf(err, "invalid range end %q", r)
			}
			if start > end {
				return set, errors.Errorf("invalid range %q (%d > %d)", r, start, end)
			}
			if err := checkRange(n, end); err != nil {
				return set, err
			}
			for i := start; i <= end; i += stride {
				set.Set(i)
			}
		}
	}
	return set, nil
}

func checkRange(n, i int) error {
	if i < 0 || i >= n {
		return errors.Errorf("CPU id %d out of range [0, %d)", i, n)
	}
	return nil
}

func parseHex(n int, s string) (Set, error) {
	set := New(n)
	digits := s[2:]
	bit := 0
	for i := len(digits) - 1; i >= 0; i-- {
		v, err := strconv.ParseUint(string(digits[i]), 16, 8)
		if err != nil {
			return set, errors.Wrapf(err, "invalid hex mask %q", s)
		}
		for b := 0; b < 4; b++ {
			if v&(1<<uint(b)) != 0 {
				if err := checkRange(n, bit); err != nil {
					return set, err
				}
				set.Set(bit)
			}
			bit++
		}
	}
	return set, nil
}

// String renders s as a canonical comma-separated range list.
func String(s Set) string {
	var parts []string
	start, prev := -1, -1
	flush := func() {
		if start < 0 {
			return
		}
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, fmt.Sprintf("%d-%d", start, prev))
		}
	}
	for i := 0; i < s.cap; i++ {
		if s.IsSet(i) {
			if start < 0 {
				start = i
			}
			prev = i
		} else {
			flush()
			start = -1
		}
	}
	flush()
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, ",")
}
