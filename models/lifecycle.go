// models/lifecycle.go
package models

import (
	"fmt"
	"time"
)

// Phase is derived from timestamps and the claimed flag on every read.
// It is never stored.
type Phase string

const (
	PhaseActive  Phase = "active"
	PhaseEnded   Phase = "ended"
	PhaseClaimed Phase = "claimed" // terminal
)

// PhaseOf derives the lifecycle phase of an auction at the given instant.
func PhaseOf(a *Auction, now time.Time) Phase {
	if a.MoneyClaimed {
		return PhaseClaimed
	}
	if !now.Before(a.EndAt) {
		return PhaseEnded
	}
	return PhaseActive
}

// Countdown is the human decomposition of the time remaining until EndAt.
type Countdown struct {
	Days    int64 `json:"days"`
	Hours   int64 `json:"hours"`
	Minutes int64 `json:"minutes"`
	Seconds int64 `json:"seconds"`
	Expired bool  `json:"expired"`
}

// CountdownOf decomposes the remaining duration until endAt. When the
// deadline has passed it reports Expired with zeroed components, never
// negative values. Stateless; recompute on every tick.
func CountdownOf(endAt, now time.Time) Countdown {
	remaining := int64(endAt.Sub(now) / time.Second)
	if remaining <= 0 {
		return Countdown{Expired: true}
	}
	return Countdown{
		Days:    remaining / 86400,
		Hours:   (remaining % 86400) / 3600,
		Minutes: (remaining % 3600) / 60,
		Seconds: remaining % 60,
	}
}

func (c Countdown) String() string {
	if c.Expired {
		return "Auction Ended"
	}
	return fmt.Sprintf("%dd %dh %dm %ds", c.Days, c.Hours, c.Minutes, c.Seconds)
}
