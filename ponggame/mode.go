package ponggame

import (
	"errors"
	"fmt"
	"math"

	"github.com/ndabAP/ping-pong/engine"
)

const (
	paddleMargin = 20.0

	twoPlayerBaseSpeed   = 5.0
	twoPlayerPaddleSpeed = 4.0

	fourPlayerSize        = 600.0
	fourPlayerPaddleLen   = 100.0
	fourPlayerPaddleThick = 10.0
	fourPlayerBallRadius  = 8.0
	fourPlayerBaseSpeed   = 4.0
	fourPlayerPaddleSpeed = 4.0
)

var (
	twoPlayerSides  = []PaddleSide{SideA, SideC}
	fourPlayerSides = []PaddleSide{SideA, SideB, SideC, SideD}
)

// MatchMode holds the geometry, collision and scoring rules of one variant.
// It is chosen once when a room is created.
type MatchMode interface {
	// Players is the number of paddles.
	Players() int
	// Sides is the paddle assignment order.
	Sides() []PaddleSide

	arena() MatchState
	baseSpeed() float64
	collide(g *PongGame)
	// crossing reports whether the ball centre is past a boundary and which
	// paddle, if any, is credited.
	crossing(g *PongGame) (scorer PaddleSide, crossed bool)
	exited(s *MatchState) bool
}

// ModeFor returns the match mode for a room capacity.
func ModeFor(capacity int) (MatchMode, error) {
	switch capacity {
	case 2:
		return TwoPlayer{}, nil
	case 4:
		return FourPlayer{}, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
}

// TwoPlayer is classic Pong: A on the left, C on the right, walls top and
// bottom.
type TwoPlayer struct{}

func (TwoPlayer) Players() int        { return 2 }
func (TwoPlayer) Sides() []PaddleSide { return twoPlayerSides }
func (TwoPlayer) baseSpeed() float64  { return twoPlayerBaseSpeed }

// classicTable is the 2-player field as the ping-pong engine models it.
var classicTable = engine.NewGame(
	800, 600,
	engine.NewPlayer(10, 75),
	engine.NewPlayer(10, 75),
	engine.NewBall(15, 15),
)

func (TwoPlayer) arena() MatchState {
	g := classicTable
	return MatchState{
		Width:  g.Width,
		Height: g.Height,
		Ball:   Ball{Radius: g.Ball.Width / 2},
		Paddles: []Paddle{{
			Side: SideA,
			Rect: Rect{X: paddleMargin, Y: (g.Height - g.P1.Height) / 2, W: g.P1.Width, H: g.P1.Height},
		}, {
			Side: SideC,
			Rect: Rect{X: g.Width - paddleMargin - g.P2.Width, Y: (g.Height - g.P2.Height) / 2, W: g.P2.Width, H: g.P2.Height},
		}},
		PaddleSpeed: twoPlayerPaddleSpeed,
	}
}

func (TwoPlayer) collide(g *PongGame) {
	s := &g.state
	b := &s.Ball
	if b.Pos.Y-b.Radius < 0 {
		b.Pos.Y = b.Radius
		b.Vel.Y = math.Abs(b.Vel.Y)
	} else if b.Pos.Y+b.Radius > s.Height {
		b.Pos.Y = s.Height - b.Radius
		b.Vel.Y = -math.Abs(b.Vel.Y)
	}

	for i := range s.Paddles {
		p := &s.Paddles[i]
		if !touches(b, p.Rect) {
			continue
		}
		if bounceX(b, p.Rect, p.Side == SideA) {
			g.hit(p.Side)
			return
		}
	}
}

func (TwoPlayer) crossing(g *PongGame) (PaddleSide, bool) {
	g.err = rallyResult(&g.state)
	switch {
	case errors.Is(g.err, engine.ErrP1Win):
		return SideA, true
	case errors.Is(g.err, engine.ErrP2Win):
		return SideC, true
	}
	return "", false
}

// rallyResult ends a 2-player rally with the engine's round errors: P1 (A)
// wins once the ball centre is past the right edge, P2 (C) past the left.
func rallyResult(s *MatchState) error {
	switch {
	case s.Ball.Pos.X > s.Width:
		return engine.ErrP1Win
	case s.Ball.Pos.X < 0:
		return engine.ErrP2Win
	}
	return nil
}

func (TwoPlayer) exited(s *MatchState) bool {
	b := s.Ball
	return b.Pos.X+b.Radius < 0 || b.Pos.X-b.Radius > s.Width
}

// FourPlayer is a square arena with one paddle per edge: A left, B bottom,
// C right, D top. Every edge is open.
type FourPlayer struct{}

func (FourPlayer) Players() int        { return 4 }
func (FourPlayer) Sides() []PaddleSide { return fourPlayerSides }
func (FourPlayer) baseSpeed() float64  { return fourPlayerBaseSpeed }

func (FourPlayer) arena() MatchState {
	const (
		size  = fourPlayerSize
		long  = fourPlayerPaddleLen
		thick = fourPlayerPaddleThick
		mid   = (size - long) / 2
	)
	return MatchState{
		Width:  size,
		Height: size,
		Ball:   Ball{Radius: fourPlayerBallRadius},
		Paddles: []Paddle{
			{Side: SideA, Rect: Rect{X: paddleMargin, Y: mid, W: thick, H: long}},
			{Side: SideB, Rect: Rect{X: mid, Y: size - paddleMargin - thick, W: long, H: thick}},
			{Side: SideC, Rect: Rect{X: size - paddleMargin - thick, Y: mid, W: thick, H: long}},
			{Side: SideD, Rect: Rect{X: mid, Y: paddleMargin, W: long, H: thick}},
		},
		PaddleSpeed: fourPlayerPaddleSpeed,
	}
}

func (FourPlayer) collide(g *PongGame) {
	s := &g.state
	b := &s.Ball
	for i := range s.Paddles {
		p := &s.Paddles[i]
		if !touches(b, p.Rect) {
			continue
		}
		if resolveHit(b, p) {
			g.hit(p.Side)
			return
		}
	}
}

// resolveHit bounces b off p. A centre strictly inside the paddle's
// perpendicular span is a face hit; anything else is a corner hit resolved on
// the axis with the smaller penetration.
func resolveHit(b *Ball, p *Paddle) bool {
	r := p.Rect
	if p.Side.Vertical() {
		if b.Pos.Y > r.Y && b.Pos.Y < r.Bottom() {
			return bounceX(b, r, p.Side == SideA)
		}
	} else if b.Pos.X > r.X && b.Pos.X < r.Right() {
		return bounceY(b, r, p.Side == SideD)
	}

	c := r.ClosestPoint(b.Pos)
	penX := b.Radius - math.Abs(b.Pos.X-c.X)
	penY := b.Radius - math.Abs(b.Pos.Y-c.Y)
	if penX < penY {
		return bounceX(b, r, b.Pos.X >= r.X+r.W/2)
	}
	return bounceY(b, r, b.Pos.Y >= r.Y+r.H/2)
}

func (FourPlayer) crossing(g *PongGame) (PaddleSide, bool) {
	s := &g.state
	var out PaddleSide
	switch {
	case s.Ball.Pos.X < 0:
		out = SideA
	case s.Ball.Pos.X > s.Width:
		out = SideC
	case s.Ball.Pos.Y > s.Height:
		out = SideB
	case s.Ball.Pos.Y < 0:
		out = SideD
	default:
		return "", false
	}
	if g.lastContact == "" || g.lastContact == out {
		return "", true
	}
	return g.lastContact, true
}

func (FourPlayer) exited(s *MatchState) bool {
	b := s.Ball
	return b.Pos.X+b.Radius < 0 || b.Pos.X-b.Radius > s.Width ||
		b.Pos.Y+b.Radius < 0 || b.Pos.Y-b.Radius > s.Height
}

func touches(b *Ball, r Rect) bool {
	c := r.ClosestPoint(b.Pos)
	dx, dy := b.Pos.X-c.X, b.Pos.Y-c.Y
	return dx*dx+dy*dy <= b.Radius*b.Radius
}

// bounceX reflects the horizontal velocity and places the ball outside the
// right face (toRight) or the left face. The ball must be moving toward that
// face with its centre on that side of the paddle, otherwise nothing happens.
func bounceX(b *Ball, r Rect, toRight bool) bool {
	mid := r.X + r.W/2
	if toRight {
		if b.Vel.X >= 0 || b.Pos.X < mid {
			return false
		}
		b.Pos.X = r.Right() + b.Radius
	} else {
		if b.Vel.X <= 0 || b.Pos.X > mid {
			return false
		}
		b.Pos.X = r.X - b.Radius
	}
	b.Vel.X = -b.Vel.X
	return true
}

// bounceY is bounceX for the vertical axis; toBottom selects the lower face.
func bounceY(b *Ball, r Rect, toBottom bool) bool {
	mid := r.Y + r.H/2
	if toBottom {
		if b.Vel.Y >= 0 || b.Pos.Y < mid {
			return false
		}
		b.Pos.Y = r.Bottom() + b.Radius
	} else {
		if b.Vel.Y <= 0 || b.Pos.Y > mid {
			return false
		}
		b.Pos.Y = r.Y - b.Radius
	}
	b.Vel.Y = -b.Vel.Y
	return true
}
