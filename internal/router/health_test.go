// Copyright ModelMux Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeClock pins the board's clock so cooldown checks are deterministic.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBoard(base, limit time.Duration) (*Board, *fakeClock) {
	b := NewBoard(base, limit)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	b.now = clk.now
	return b, clk
}

func TestBoardStartsHealthy(t *testing.T) {
	b, _ := newTestBoard(time.Second, time.Minute)

	require.Equal(t, StatusHealthy, b.Status("pipeline_x_y"))
	require.True(t, b.Healthy("pipeline_x_y"))
	require.Equal(t, View{Status: StatusHealthy}, b.View("pipeline_x_y"))
	require.Empty(t, b.Snapshot())
}

func TestBoardCooldownGrowsAndHealsLazily(t *testing.T) {
	b, clk := newTestBoard(time.Second, time.Minute)

	b.ReportFailure("p")
	require.Equal(t, StatusBlocked, b.Status("p"))

	clk.advance(999 * time.Millisecond)
	require.False(t, b.Healthy("p"))
	clk.advance(time.Millisecond)
	require.True(t, b.Healthy("p"))

	// The streak survives the lazy heal, so the second cooldown doubles.
	b.ReportFailure("p")
	v := b.View("p")
	require.Equal(t, StatusBlocked, v.Status)
	require.Equal(t, 2, v.ConsecutiveFailures)
	require.Equal(t, clk.t.Add(2*time.Second), *v.CooldownUntil)

	clk.advance(2*time.Second - time.Millisecond)
	require.False(t, b.Healthy("p"))
	clk.advance(time.Millisecond)
	require.True(t, b.Healthy("p"))
}

func TestBoardCooldownCap(t *testing.T) {
	b, clk := newTestBoard(time.Second, 3*time.Second)

	for i := 0; i < 3; i++ {
		b.ReportFailure("p")
		clk.advance(time.Minute)
	}
	b.ReportFailure("p")

	v := b.View("p")
	require.Equal(t, 4, v.ConsecutiveFailures)
	require.Equal(t, clk.t.Add(3*time.Second), *v.CooldownUntil)
}

func TestBoardSuccessClearsOwnStreak(t *testing.T) {
	b, clk := newTestBoard(time.Second, time.Minute)

	b.ReportFailure("p")
	b.ReportFailure("other")
	clk.advance(time.Hour)
	b.ReportSuccess("p")

	require.Equal(t, View{Status: StatusHealthy}, b.View("p"))

	// The streak is gone, so the next cooldown starts from the base again.
	b.ReportFailure("p")
	v := b.View("p")
	require.Equal(t, 1, v.ConsecutiveFailures)
	require.Equal(t, clk.t.Add(time.Second), *v.CooldownUntil)

	// Success on one pipeline never touches another's record.
	require.Equal(t, 1, b.View("other").ConsecutiveFailures)
}

func TestBoardBlacklistIsSticky(t *testing.T) {
	b, clk := newTestBoard(time.Second, time.Minute)

	b.Blacklist("p")
	require.Equal(t, StatusBlacklisted, b.Status("p"))

	clk.advance(24 * time.Hour)
	require.Equal(t, StatusBlacklisted, b.Status("p"))

	b.ReportSuccess("p")
	require.Equal(t, StatusBlacklisted, b.Status("p"))
	b.ReportFailure("p")
	require.Equal(t, StatusBlacklisted, b.Status("p"))

	// Reset is the operator escape hatch.
	b.Reset("p")
	require.Equal(t, StatusHealthy, b.Status("p"))
	require.Empty(t, b.Snapshot())
}

func TestBoardDestroyIsFinal(t *testing.T) {
	b, _ := newTestBoard(time.Second, time.Minute)

	b.ReportFailure("p")
	b.Destroy("p")
	require.Equal(t, StatusDestroyed, b.Status("p"))

	b.Reset("p")
	require.Equal(t, StatusDestroyed, b.Status("p"))
	b.ReportSuccess("p")
	require.Equal(t, StatusDestroyed, b.Status("p"))
	b.Blacklist("p")
	require.Equal(t, StatusDestroyed, b.Status("p"))
}

func TestBoardSnapshotHealsExpiredCooldowns(t *testing.T) {
	b, clk := newTestBoard(time.Second, time.Minute)

	b.ReportFailure("a")
	failedAt := clk.t
	b.Blacklist("z")
	clk.advance(2 * time.Second)

	snap := b.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, StatusHealthy, snap["a"].Status)
	require.Equal(t, 1, snap["a"].ConsecutiveFailures)
	require.Equal(t, failedAt, *snap["a"].LastFailure)
	require.Nil(t, snap["a"].CooldownUntil)
	require.Equal(t, StatusBlacklisted, snap["z"].Status)
}
