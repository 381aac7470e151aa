package ponggame

import (
	"fmt"
	"time"
)

const (
	DEFAULT_TICK_RATE   = 120
	DEFAULT_WIN_SCORE   = 3
	DEFAULT_MAX_SPEED   = 10.0
	DEFAULT_VEL_INCR    = 1.15
	DEFAULT_COUNTDOWN   = 3 * time.Second
	DEFAULT_OUTBOX_SIZE = 64

	// maxJoinAttempts bounds matchmaking retries when a found room fills up
	// before the join lands.
	maxJoinAttempts = 3
)

// Config holds the tunables shared by the engine, the scheduler and the
// manager.
type Config struct {
	// TickRate is the scheduler frequency in Hz.
	TickRate int
	// WinScore is the score that ends a match.
	WinScore int
	// MaxBallSpeed caps the ball velocity magnitude, in units per tick.
	MaxBallSpeed float64
	// Acceleration multiplies the ball speed on every paddle contact.
	Acceleration float64
	// Countdown holds the ball still on first launch.
	Countdown time.Duration
	// ForfeitGrace delays the forfeit of a tournament participant whose
	// transport dropped, giving the same identity a chance to reconnect.
	// Zero forfeits immediately. Explicit leaves always forfeit immediately.
	ForfeitGrace time.Duration
	// OutboxSize is the per-connection outbound event buffer.
	OutboxSize int
}

func DefaultConfig() Config {
	return Config{
		TickRate:     DEFAULT_TICK_RATE,
		WinScore:     DEFAULT_WIN_SCORE,
		MaxBallSpeed: DEFAULT_MAX_SPEED,
		Acceleration: DEFAULT_VEL_INCR,
		Countdown:    DEFAULT_COUNTDOWN,
		OutboxSize:   DEFAULT_OUTBOX_SIZE,
	}
}

// TickInterval returns the scheduler period, never below one millisecond.
func (c Config) TickInterval() time.Duration {
	if c.TickRate <= 0 {
		return time.Second / DEFAULT_TICK_RATE
	}
	d := time.Second / time.Duration(c.TickRate)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// Validate fills zero values with defaults and rejects nonsensical ones.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.TickRate == 0 {
		c.TickRate = def.TickRate
	}
	if c.WinScore == 0 {
		c.WinScore = def.WinScore
	}
	if c.MaxBallSpeed == 0 {
		c.MaxBallSpeed = def.MaxBallSpeed
	}
	if c.Acceleration == 0 {
		c.Acceleration = def.Acceleration
	}
	if c.OutboxSize == 0 {
		c.OutboxSize = def.OutboxSize
	}
	switch {
	case c.TickRate < 0:
		return fmt.Errorf("tick rate must be positive: %d", c.TickRate)
	case c.WinScore < 1:
		return fmt.Errorf("win score must be at least 1: %d", c.WinScore)
	case c.MaxBallSpeed < 0:
		return fmt.Errorf("max ball speed must be positive: %v", c.MaxBallSpeed)
	case c.Acceleration < 1:
		return fmt.Errorf("acceleration must be >= 1: %v", c.Acceleration)
	case c.Countdown < 0 || c.ForfeitGrace < 0:
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
