// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build race

package amp_test

import "testing"

// skipRace skips tests that exercise the coalescing buffers and lfq
// lanes. The race detector tracks per-variable happens-before and cannot
// see their cross-variable memory ordering (packed count word guards the
// slot writes and the region swap), producing false positives.
func skipRace(tb testing.TB) {
	tb.Helper()
	tb.Skip("skip: coalescing buffers use cross-variable memory ordering")
}
