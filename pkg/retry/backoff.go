// Package retry provides injectable, cancellable retry and polling policies.
//
// Policies are pure: they compute delays and never sleep. Poller applies a
// policy under a wall-clock timeout with an injectable sleep, so tests drive
// it without real delays.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy schedules attempts. Delay returns the wait before attempt n
// (0-based) and false once n reaches the attempt limit.
type Policy interface {
	Delay(attempt int) (time.Duration, bool)
}

// Fixed waits Interval between attempts. MaxAttempts <= 0 means unbounded.
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

func (f Fixed) Delay(attempt int) (time.Duration, bool) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return 0, false
	}
	if attempt == 0 {
		return 0, true
	}
	return f.Interval, true
}

// Exponential doubles Base per attempt up to Max and adds a deterministic
// jitter in [0, MaxJitter) derived from Seed and the attempt index, so two
// replicas driving the same workflow compute the same schedule.
type Exponential struct {
	Seed        string
	Base        time.Duration
	Max         time.Duration
	MaxJitter   time.Duration
	MaxAttempts int
}

func (e Exponential) Delay(attempt int) (time.Duration, bool) {
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
		return 0, false
	}
	if attempt == 0 {
		return 0, true
	}
	factor := int64(1) << min(attempt, 30)
	d := time.Duration(int64(e.Base) * factor)
	if e.Max > 0 && (d > e.Max || d < 0) {
		d = e.Max
	}
	return d + Jitter(e.Seed, attempt, e.MaxJitter), true
}

// Jitter returns a deterministic value in [0, span) for seed and attempt.
func Jitter(seed string, attempt int, span time.Duration) time.Duration {
	if span <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(sum[:8])
	return time.Duration(basis % uint64(span)) //nolint:gosec // span is positive
}

// Attempt is one scheduled attempt of a plan.
type Attempt struct {
	Index       int           `json:"attempt_index"`
	Delay       time.Duration `json:"delay"`
	ScheduledAt time.Time     `json:"scheduled_at"`
}

// Plan lays out the full schedule of a bounded policy starting at now. An
// unbounded policy is cut at limit attempts.
func Plan(p Policy, now time.Time, limit int) []Attempt {
	var out []Attempt
	at := now
	for i := 0; i < limit; i++ {
		d, ok := p.Delay(i)
		if !ok {
			break
		}
		at = at.Add(d)
		out = append(out, Attempt{Index: i, Delay: d, ScheduledAt: at})
	}
	return out
}
