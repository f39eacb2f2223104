package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC)

func TestNextRun_At(t *testing.T) {
	t.Run("valid RFC 3339 timestamp", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindAt, At: "2026-12-25T14:00:00Z"}, base)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 12, 25, 14, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("past timestamp is returned as is", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindAt, At: "2020-01-01T00:00:00Z"}, base)
		require.NoError(t, err)
		assert.True(t, next.Before(base))
	})

	t.Run("invalid timestamp", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindAt, At: "invalid"}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid timestamp")
	})

	t.Run("missing at field", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindAt}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires 'at' field")
	})
}

func TestNextRun_Every(t *testing.T) {
	t.Run("without anchor", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindEvery, EveryMs: 60000}, base)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Minute), next.UTC())
	})

	t.Run("with anchor in past aligns to the grid", func(t *testing.T) {
		anchor := base.Add(-150 * time.Second).UnixMilli()
		next, err := NextRun(Schedule{Kind: KindEvery, EveryMs: 60000, AnchorMs: &anchor}, base)
		require.NoError(t, err)

		// 2.5 periods elapsed, so the next boundary is anchor + 3 periods.
		assert.Equal(t, time.UnixMilli(anchor+180000).UTC(), next.UTC())
	})

	t.Run("with anchor in future", func(t *testing.T) {
		anchor := base.Add(time.Minute).UnixMilli()
		next, err := NextRun(Schedule{Kind: KindEvery, EveryMs: 60000, AnchorMs: &anchor}, base)
		require.NoError(t, err)
		assert.Equal(t, anchor, next.UnixMilli())
	})

	t.Run("anchor exactly at now moves one period forward", func(t *testing.T) {
		anchor := base.UnixMilli()
		next, err := NextRun(Schedule{Kind: KindEvery, EveryMs: 60000, AnchorMs: &anchor}, base)
		require.NoError(t, err)
		assert.Equal(t, base.Add(time.Minute), next.UTC())
	})

	t.Run("negative interval", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindEvery, EveryMs: -1000}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "positive 'every_ms'")
	})

	t.Run("zero interval", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindEvery}, base)
		assert.Error(t, err)
	})
}

func TestNextRun_Cron(t *testing.T) {
	t.Run("hourly expression", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindCron, Expr: "0 * * * *"}, base)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("daily at nine rolls to the next day", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindCron, Expr: "0 9 * * *"}, base)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("with timezone", func(t *testing.T) {
		next, err := NextRun(Schedule{Kind: KindCron, Expr: "0 9 * * *", TZ: "America/New_York"}, base)
		require.NoError(t, err)

		loc, lerr := time.LoadLocation("America/New_York")
		require.NoError(t, lerr)
		assert.Equal(t, 9, next.In(loc).Hour())
		assert.Equal(t, 0, next.In(loc).Minute())
	})

	t.Run("invalid expression", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindCron, Expr: "invalid"}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid cron expression")
	})

	t.Run("invalid timezone", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindCron, Expr: "0 9 * * *", TZ: "Invalid/Timezone"}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid timezone")
	})

	t.Run("missing expression", func(t *testing.T) {
		_, err := NextRun(Schedule{Kind: KindCron}, base)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "requires 'expr' field")
	})
}

func TestNextRun_UnknownKind(t *testing.T) {
	_, err := NextRun(Schedule{Kind: "sometimes"}, base)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown schedule kind")
}
