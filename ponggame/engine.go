package ponggame

import (
	"math"
	"math/rand"
	"time"

	"github.com/decred/slog"
)

// PongGame is the authoritative simulation of one match. It performs no I/O
// and is not safe for concurrent use; the owning SessionRoom serializes
// access.
type PongGame struct {
	mode  MatchMode
	state MatchState

	maxSpeed  float64
	accel     float64
	countdown time.Duration

	launchedAt    time.Time
	launched      bool
	countdownDone bool
	finished      bool

	// per round
	scored      bool
	lastContact PaddleSide
	hits        int
	// err is the round error of a 2-player rally (engine.ErrP1Win or
	// engine.ErrP2Win) once the ball crossed an edge.
	err error

	rng *rand.Rand
	now func() time.Time
	log slog.Logger
}

// NewPongGame returns a stopped game for mode with the ball centred.
func NewPongGame(mode MatchMode, cfg Config) *PongGame {
	g := &PongGame{
		mode:      mode,
		state:     mode.arena(),
		maxSpeed:  cfg.MaxBallSpeed,
		accel:     cfg.Acceleration,
		countdown: cfg.Countdown,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		now:       time.Now,
		log:       slog.Disabled,
	}
	if g.maxSpeed <= 0 {
		g.maxSpeed = DEFAULT_MAX_SPEED
	}
	if g.accel < 1 {
		g.accel = DEFAULT_VEL_INCR
	}
	g.state.WinScore = cfg.WinScore
	if g.state.WinScore <= 0 {
		g.state.WinScore = DEFAULT_WIN_SCORE
	}
	g.resetBall()
	return g
}

// SetLogger sets the engine logger.
func (g *PongGame) SetLogger(log slog.Logger) *PongGame {
	g.log = log
	return g
}

// SetRand replaces the source used for serve directions.
func (g *PongGame) SetRand(rng *rand.Rand) *PongGame {
	g.rng = rng
	g.resetBall()
	return g
}

// SetClock replaces the time source used by the launch countdown.
func (g *PongGame) SetClock(now func() time.Time) *PongGame {
	g.now = now
	return g
}

func (g *PongGame) Mode() MatchMode { return g.mode }

func (g *PongGame) Running() bool { return g.state.Running }

// Finished reports whether a winner was declared.
func (g *PongGame) Finished() bool { return g.finished }

// LastContact is the paddle that last touched the ball this round.
func (g *PongGame) LastContact() PaddleSide { return g.lastContact }

// Error returns the round error of the current rally, nil while it is in
// play.
func (g *PongGame) Error() error { return g.err }

// State returns a copy of the current match state.
func (g *PongGame) State() MatchState { return g.state.clone() }

// Start launches the match. The first launch arms the countdown. Starting a
// running or finished game does nothing.
func (g *PongGame) Start() {
	if g.state.Running || g.finished {
		return
	}
	g.state.Running = true
	if !g.launched {
		g.launched = true
		g.launchedAt = g.now()
		if g.countdown > 0 {
			g.state.Countdown = int(math.Ceil(g.countdown.Seconds()))
		} else {
			g.countdownDone = true
		}
	}
}

func (g *PongGame) Stop() {
	g.state.Running = false
}

// Step advances the simulation by one tick.
func (g *PongGame) Step() StepOutcome {
	if !g.state.Running {
		return StepOutcome{Kind: OutcomeIdle}
	}

	if !g.countdownDone {
		remaining := g.countdown - g.now().Sub(g.launchedAt)
		if remaining > 0 {
			g.state.Countdown = int(math.Ceil(remaining.Seconds()))
			return StepOutcome{Kind: OutcomeContinue}
		}
		g.countdownDone = true
		g.state.Countdown = 0
	}

	b := &g.state.Ball
	b.Pos = b.Pos.Add(b.Vel)

	g.mode.collide(g)

	if !g.scored {
		if scorer, crossed := g.mode.crossing(g); crossed {
			g.scored = true
			if p := g.state.paddle(scorer); p != nil {
				p.Score++
				g.log.Debugf("Paddle %s scored (%d)", scorer, p.Score)
			}
		}
	}

	if g.mode.exited(&g.state) {
		g.resetBall()
	}

	if res, ok := g.winner(); ok {
		g.Stop()
		g.finished = true
		g.log.Debugf("Paddle %s won %d-%d", res.Winner, res.WinnerScore, res.LoserScore)
		return StepOutcome{Kind: OutcomeFinished, Result: res}
	}
	return StepOutcome{Kind: OutcomeContinue}
}

// MovePaddle moves side by one paddle step. Vertical paddles move on Y and
// horizontal ones on X, always clamped inside the arena.
func (g *PongGame) MovePaddle(side PaddleSide, dir Direction) bool {
	p := g.state.paddle(side)
	if p == nil {
		return false
	}
	delta := float64(dir) * g.state.PaddleSpeed
	if side.Vertical() {
		p.Rect.Y = clamp(p.Rect.Y+delta, 0, g.state.Height-p.Rect.H)
	} else {
		p.Rect.X = clamp(p.Rect.X+delta, 0, g.state.Width-p.Rect.W)
	}
	return true
}

// hit records a paddle contact.
func (g *PongGame) hit(side PaddleSide) {
	g.lastContact = side
	g.accelerateBall()
}

// accelerateBall scales the ball speed by the acceleration factor, never
// exceeding the cap.
func (g *PongGame) accelerateBall() {
	v := g.state.Ball.Vel
	speed := v.Len()
	if speed == 0 {
		return
	}
	target := math.Min(speed*g.accel, g.maxSpeed)
	g.state.Ball.Vel = v.Scale(target / speed)
	g.hits++
}

// resetBall serves a new round from the centre at base speed in a random
// diagonal direction.
func (g *PongGame) resetBall() {
	comp := g.mode.baseSpeed() / math.Sqrt2
	dx, dy := comp, comp
	if g.rng.Intn(2) == 0 {
		dx = -dx
	}
	if g.rng.Intn(2) == 0 {
		dy = -dy
	}
	g.state.Ball.Pos = Vec2{g.state.Width / 2, g.state.Height / 2}
	g.state.Ball.Vel = Vec2{dx, dy}
	g.scored = false
	g.lastContact = ""
	g.hits = 0
	g.err = nil
}

func (g *PongGame) winner() (MatchResult, bool) {
	var w *Paddle
	for i := range g.state.Paddles {
		if g.state.Paddles[i].Score >= g.state.WinScore {
			w = &g.state.Paddles[i]
			break
		}
	}
	if w == nil {
		return MatchResult{}, false
	}
	var l *Paddle
	for i := range g.state.Paddles {
		p := &g.state.Paddles[i]
		if p.Side == w.Side {
			continue
		}
		if l == nil || p.Score < l.Score {
			l = p
		}
	}
	return MatchResult{
		Winner:      w.Side,
		WinnerScore: w.Score,
		Loser:       l.Side,
		LoserScore:  l.Score,
	}, true
}

type engineSnapshot struct {
	state         MatchState
	countdownDone bool
	finished      bool
	scored        bool
	lastContact   PaddleSide
	hits          int
	err           error
}

func (g *PongGame) save() engineSnapshot {
	return engineSnapshot{
		state:         g.state.clone(),
		countdownDone: g.countdownDone,
		finished:      g.finished,
		scored:        g.scored,
		lastContact:   g.lastContact,
		hits:          g.hits,
		err:           g.err,
	}
}

func (g *PongGame) restore(s engineSnapshot) {
	g.state = s.state
	g.countdownDone = s.countdownDone
	g.finished = s.finished
	g.scored = s.scored
	g.lastContact = s.lastContact
	g.hits = s.hits
	g.err = s.err
}
