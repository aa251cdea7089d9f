package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextWindowStart(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)

	t.Run("preserves time of day after a skipped day", func(t *testing.T) {
		// Пользователь вернулся через 30 часов: окно двигается на сутки,
		// а не на 30 часов
		now := start.Add(30 * time.Hour)
		next := NextWindowStart(start, now)
		assert.Equal(t, start.Add(24*time.Hour), next)
	})

	t.Run("jumps several days at once", func(t *testing.T) {
		now := start.Add(49 * time.Hour)
		next := NextWindowStart(start, now)
		assert.Equal(t, start.Add(48*time.Hour), next)
	})

	t.Run("exact expiry moves exactly one day", func(t *testing.T) {
		now := start.Add(24 * time.Hour)
		next := NextWindowStart(start, now)
		assert.Equal(t, start.Add(24*time.Hour), next)
	})

	t.Run("never starts in the future", func(t *testing.T) {
		// now раньше времени суток окна: кандидат на сегодня еще не
		// наступил, берутся вчерашние 14:37
		now := time.Date(2025, 3, 12, 9, 0, 0, 0, time.UTC)
		next := NextWindowStart(start, now)
		assert.Equal(t, time.Date(2025, 3, 11, 14, 37, 12, 0, time.UTC), next)
		assert.False(t, next.After(now))
	})
}

func TestRollIfElapsed(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)

	t.Run("no roll inside the window", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 3, Limit: 10}
		rolled := w.RollIfElapsed(start.Add(23 * time.Hour))
		assert.False(t, rolled)
		assert.Equal(t, 3, w.Used)
		assert.Equal(t, start, w.WindowStartAt)
	})

	t.Run("roll resets used", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 10, Limit: 10}
		rolled := w.RollIfElapsed(start.Add(25 * time.Hour))
		assert.True(t, rolled)
		assert.Equal(t, 0, w.Used)
		assert.Equal(t, start.Add(24*time.Hour), w.WindowStartAt)
	})

	t.Run("roll at the exact boundary", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 7, Limit: 10}
		rolled := w.RollIfElapsed(start.Add(WindowDuration))
		assert.True(t, rolled)
		assert.Equal(t, 0, w.Used)
	})
}

func TestWindowInfo(t *testing.T) {
	start := time.Date(2025, 3, 10, 14, 37, 12, 0, time.UTC)

	t.Run("allowed below limit", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 9, Limit: 10}
		info := w.Info(start.Add(time.Hour))
		require.NotNil(t, info)
		assert.True(t, info.Allowed)
		assert.Equal(t, 1, info.Remaining)
		assert.Equal(t, int64(23*3600), info.ResetsIn)
	})

	t.Run("blocked at limit", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 10, Limit: 10}
		info := w.Info(start.Add(time.Hour))
		assert.False(t, info.Allowed)
		assert.Equal(t, 0, info.Remaining)
	})

	t.Run("overrun clamps remaining to zero", func(t *testing.T) {
		w := &CvWindowBalance{WindowStartAt: start, Used: 12, Limit: 10}
		info := w.Info(start.Add(time.Hour))
		assert.False(t, info.Allowed)
		assert.Equal(t, 0, info.Remaining)
		assert.Equal(t, 12, info.Used)
	})
}
