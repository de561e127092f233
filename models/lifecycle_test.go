package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPhaseOf_Determinism(t *testing.T) {
	endAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	auction := &Auction{EndAt: endAt}

	tests := []struct {
		name string
		now  time.Time
		want Phase
	}{
		{"well before deadline", endAt.Add(-time.Hour), PhaseActive},
		{"one second before", endAt.Add(-time.Second), PhaseActive},
		{"exactly at deadline", endAt, PhaseEnded},
		{"one second after", endAt.Add(time.Second), PhaseEnded},
		{"long after", endAt.Add(48 * time.Hour), PhaseEnded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PhaseOf(auction, tt.now))
		})
	}
}

func TestPhaseOf_ClaimedIsTerminal(t *testing.T) {
	endAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	auction := &Auction{EndAt: endAt, MoneyClaimed: true}

	// Claimed wins regardless of the clock.
	assert.Equal(t, PhaseClaimed, PhaseOf(auction, endAt.Add(-time.Hour)))
	assert.Equal(t, PhaseClaimed, PhaseOf(auction, endAt.Add(time.Hour)))
}

func TestCountdownOf_Decomposition(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		remaining time.Duration
		want      Countdown
	}{
		{"1d 1h 1m 1s", 90061 * time.Second, Countdown{Days: 1, Hours: 1, Minutes: 1, Seconds: 1}},
		{"exact day", 86400 * time.Second, Countdown{Days: 1}},
		{"under a minute", 59 * time.Second, Countdown{Seconds: 59}},
		{"zero is terminal", 0, Countdown{Expired: true}},
		{"past deadline is terminal, never negative", -time.Hour, Countdown{Expired: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CountdownOf(now.Add(tt.remaining), now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCountdown_String(t *testing.T) {
	assert.Equal(t, "1d 1h 1m 1s", Countdown{Days: 1, Hours: 1, Minutes: 1, Seconds: 1}.String())
	assert.Equal(t, "Auction Ended", Countdown{Expired: true}.String())
}
