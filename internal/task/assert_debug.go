//go:build nosv_debug

package task

// assertTrip panics on a violated internal invariant. Builds tagged
// nosv_debug (spec.md §7's "debug builds") trip immediately; release
// builds (assert_release.go) only log.
func assertTrip(err error) {
	panic(err)
}
