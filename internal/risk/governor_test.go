package risk

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowerNotional_Proportional(t *testing.T) {
	t.Parallel()

	// master $500 при балансе $10k, follower $1k -> $50
	got := FollowerNotional(500, 10000, 1000, 0.10, 10)

	require.False(t, got.Skip)
	assert.InDelta(t, 50.0, got.Notional, 1e-9)
}

func TestFollowerNotional_RiskCap(t *testing.T) {
	t.Parallel()

	// пропорция дала бы $25, потолок 10% от баланса $50 - это $5
	got := FollowerNotional(5000, 10000, 50, 0.10, 1)

	require.False(t, got.Skip)
	assert.InDelta(t, 5.0, got.Notional, 1e-9)
}

func TestFollowerNotional_BelowBrokerMinimumIsSkip(t *testing.T) {
	t.Parallel()

	// capped $5 < минимум $10 - пропуск, не отказ
	got := FollowerNotional(5000, 10000, 50, 0.10, 10)

	require.True(t, got.Skip)
	assert.Contains(t, got.Reason, "position too small")
}

func TestFollowerNotional_ZeroBalances(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		masterBalance   float64
		followerBalance float64
		reason          string
	}{
		{"zero_master", 0, 1000, "master balance unknown"},
		{"zero_follower", 10000, 0, "zero balance"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := FollowerNotional(500, tt.masterBalance, tt.followerBalance, 0.10, 10)

			require.True(t, got.Skip)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestBreaker_TripsAfterLimit(t *testing.T) {
	t.Parallel()

	var trippedAccount string
	b := NewBreaker(3, slog.New(slog.NewTextHandler(io.Discard, nil)), func(accountID, _ string) {
		trippedAccount = accountID
	})

	assert.False(t, b.RecordFailure("acc-1", "rejection"))
	assert.False(t, b.RecordFailure("acc-1", "rejection"))
	assert.True(t, b.RecordFailure("acc-1", "rejection"))

	assert.True(t, b.Tripped("acc-1"))
	assert.Equal(t, "acc-1", trippedAccount)

	// повторные ошибки уже открытого breaker'а не дергают onTrip
	assert.False(t, b.RecordFailure("acc-1", "rejection"))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()

	b := NewBreaker(2, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	b.RecordFailure("acc-1", "rejection")
	b.RecordSuccess("acc-1")
	assert.False(t, b.RecordFailure("acc-1", "rejection"))
	assert.False(t, b.Tripped("acc-1"))
}

func TestBreaker_ManualReset(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	require.True(t, b.RecordFailure("acc-1", "rejection"))
	require.True(t, b.Tripped("acc-1"))

	b.Reset("acc-1")
	assert.False(t, b.Tripped("acc-1"))
}

func TestBreaker_AccountsIndependent(t *testing.T) {
	t.Parallel()

	b := NewBreaker(1, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	b.RecordFailure("acc-1", "rejection")

	assert.True(t, b.Tripped("acc-1"))
	assert.False(t, b.Tripped("acc-2"))
}
