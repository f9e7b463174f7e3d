package queue

import (
	"time"

	"quizrank/internal/identity"
)

// Entry is one waiting player in one category queue.
type Entry struct {
	UserID   int64             `json:"userId"`
	Nickname string            `json:"nickname"`
	Identity identity.Identity `json:"identity"`
	Skill    int               `json:"skill"`
	JoinedAt time.Time         `json:"joinedAt"`
}

type QueueState string

const (
	QueueStateIdle   QueueState = "idle"
	QueueStateQueued QueueState = "queued"
)

// StatusResult is what polling clients see.
type StatusResult struct {
	State           QueueState `json:"state"`
	Category        string     `json:"category,omitempty"`
	Position        int        `json:"position,omitempty"`
	Count           int        `json:"count,omitempty"`
	CountdownEndsAt *time.Time `json:"countdownEndsAt,omitempty"`
	JoinedAt        *time.Time `json:"joinedAt,omitempty"`
}

type Config struct {
	Countdown     time.Duration
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
	MinPlayers    int
	PopLockTTL    time.Duration
}

func (c *Config) applyDefaults() {
	if c.Countdown <= 0 {
		c.Countdown = 30 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 45 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.MinPlayers <= 0 {
		c.MinPlayers = 2
	}
	if c.PopLockTTL <= 0 {
		c.PopLockTTL = 5 * time.Second
	}
}

// countdownAction is the sweep's decision for one category tick.
type countdownAction int

const (
	countdownNone countdownAction = iota
	countdownStart
	countdownClear
	countdownPop
)

// decideCountdown implements the countdown policy: start at the player
// threshold, clear when the queue drains below it, pop only once the deadline
// has both started and elapsed.
func decideCountdown(count, minPlayers int, deadline *time.Time, now time.Time) countdownAction {
	switch {
	case deadline == nil && count >= minPlayers:
		return countdownStart
	case deadline == nil:
		return countdownNone
	case count < minPlayers:
		return countdownClear
	case !now.Before(*deadline):
		return countdownPop
	default:
		return countdownNone
	}
}
