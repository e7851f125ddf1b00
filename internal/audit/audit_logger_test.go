package audit

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger(t *testing.T) {
	logger, hook := test.NewNullLogger()
	a := NewAuditLogger(logger)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	t.Run("wager event", func(t *testing.T) {
		hook.Reset()
		a.LogWager("bet-1", 7, 3, decimal.RequireFromString("12.5"), map[string]any{"cash": "10.00"})

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, logrus.InfoLevel, entry.Level)
		assert.Equal(t, "AUDIT", entry.Message)
		assert.Equal(t, "WAGER", entry.Data["event_type"])
		assert.Equal(t, "12.50", entry.Data["amount"])
		assert.Equal(t, int64(3), entry.Data["tenant_id"])
		assert.Equal(t, fixed, entry.Data["at"])
	})

	t.Run("error event", func(t *testing.T) {
		hook.Reset()
		a.LogError("op-9", 7, errors.New("rail down"))

		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, "FAILED", entry.Data["status"])
		assert.Equal(t, map[string]any{"error": "rail down"}, entry.Data["details"])
	})
}
