// Package testutil carries helpers shared by test packages.
package testutil

import (
	"flag"
	"testing"
)

var runHeavy = flag.Bool("heavy", false, "run tests that commit and repack many times")

// RequireHeavy skips the test unless the -heavy flag was given.
func RequireHeavy(t *testing.T) {
	t.Helper()
	if !*runHeavy {
		t.Skip("skipping heavy test (use -heavy to enable)")
	}
}

// IsHeavyEnabled reports whether heavy tests were requested.
func IsHeavyEnabled() bool {
	return *runHeavy
}
