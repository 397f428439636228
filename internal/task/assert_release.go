//go:build !nosv_debug

package task

import "github.com/sirupsen/logrus"

// assertTrip logs an invariant violation without panicking; release
// builds favor staying up over crashing a multi-tenant daemon on a
// scheduler bug (see assert_debug.go for the nosv_debug behavior).
func assertTrip(err error) {
	logrus.WithError(err).Error("internal invariant violated")
}
