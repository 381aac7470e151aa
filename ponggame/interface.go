package ponggame

import (
	"context"
	"math"
	"time"
)

type Vec2 struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
}

func (v Vec2) Add(w Vec2) Vec2 {
	return Vec2{v.X + w.X, v.Y + w.Y}
}

func (v Vec2) Scale(s float64) Vec2 {
	return Vec2{v.X * s, v.Y * s}
}

// Len returns the magnitude of v.
func (v Vec2) Len() float64 {
	return math.Hypot(v.X, v.Y)
}

// Rect is an axis aligned box anchored at its top-left corner.
type Rect struct {
	X float64 `json:"x" msgpack:"x"`
	Y float64 `json:"y" msgpack:"y"`
	W float64 `json:"width" msgpack:"width"`
	H float64 `json:"height" msgpack:"height"`
}

func (r Rect) Right() float64  { return r.X + r.W }
func (r Rect) Bottom() float64 { return r.Y + r.H }

// ClosestPoint returns the point of r nearest to p.
func (r Rect) ClosestPoint(p Vec2) Vec2 {
	return Vec2{
		X: clamp(p.X, r.X, r.Right()),
		Y: clamp(p.Y, r.Y, r.Bottom()),
	}
}

type Ball struct {
	Pos    Vec2    `json:"pos" msgpack:"pos"`
	Vel    Vec2    `json:"vel" msgpack:"vel"`
	Radius float64 `json:"radius" msgpack:"radius"`
}

// PaddleSide identifies a controllable paddle independent of who controls it.
type PaddleSide string

const (
	SideA PaddleSide = "A" // left, vertical
	SideB PaddleSide = "B" // bottom, horizontal
	SideC PaddleSide = "C" // right, vertical
	SideD PaddleSide = "D" // top, horizontal

	// SideSpectator is returned by a join that does not take a paddle.
	SideSpectator PaddleSide = "spectator"
)

// Vertical reports whether the paddle moves on the Y axis.
func (s PaddleSide) Vertical() bool {
	return s == SideA || s == SideC
}

func (s PaddleSide) Valid() bool {
	switch s {
	case SideA, SideB, SideC, SideD:
		return true
	}
	return false
}

// ParseSide accepts the paddle letters and the 2-player aliases left/right.
func ParseSide(s string) (PaddleSide, bool) {
	switch s {
	case "A", "a", "left":
		return SideA, true
	case "B", "b":
		return SideB, true
	case "C", "c", "right":
		return SideC, true
	case "D", "d":
		return SideD, true
	}
	return "", false
}

type Paddle struct {
	Side  PaddleSide `json:"side" msgpack:"side"`
	Rect  Rect       `json:"rect" msgpack:"rect"`
	Score int        `json:"score" msgpack:"score"`
}

// Direction is a logical paddle movement. Horizontal paddles map Up to -X.
type Direction int

const (
	DirUp   Direction = -1
	DirNone Direction = 0
	DirDown Direction = 1
)

// MatchState is the authoritative state of one match and also the snapshot
// broadcast to clients every tick.
type MatchState struct {
	Width       float64  `json:"width" msgpack:"width"`
	Height      float64  `json:"height" msgpack:"height"`
	Ball        Ball     `json:"ball" msgpack:"ball"`
	Paddles     []Paddle `json:"paddles" msgpack:"paddles"`
	PaddleSpeed float64  `json:"paddleSpeed" msgpack:"paddleSpeed"`
	WinScore    int      `json:"winScore" msgpack:"winScore"`
	Running     bool     `json:"running" msgpack:"running"`
	Countdown   int      `json:"countdown" msgpack:"countdown"`
}

// clone returns a deep copy safe to hand to other goroutines.
func (s MatchState) clone() MatchState {
	out := s
	out.Paddles = append([]Paddle(nil), s.Paddles...)
	return out
}

func (s *MatchState) paddle(side PaddleSide) *Paddle {
	for i := range s.Paddles {
		if s.Paddles[i].Side == side {
			return &s.Paddles[i]
		}
	}
	return nil
}

// MatchResult describes a finished match in paddle terms.
type MatchResult struct {
	Winner      PaddleSide `json:"winner" msgpack:"winner"`
	WinnerScore int        `json:"winnerScore" msgpack:"winnerScore"`
	Loser       PaddleSide `json:"loser" msgpack:"loser"`
	LoserScore  int        `json:"loserScore" msgpack:"loserScore"`
}

type OutcomeKind int

const (
	// OutcomeIdle is returned when the engine is stopped.
	OutcomeIdle OutcomeKind = iota
	OutcomeContinue
	OutcomeFinished
)

// StepOutcome is the result of one physics step. Result is set only for
// OutcomeFinished, which is produced exactly once per match.
type StepOutcome struct {
	Kind   OutcomeKind
	Result MatchResult
}

func (o StepOutcome) Finished() bool { return o.Kind == OutcomeFinished }

// RoomKind distinguishes how a room was created and how it ends.
type RoomKind string

const (
	RoomRanked          RoomKind = "ranked"
	RoomLocal           RoomKind = "local"
	RoomTournamentLobby RoomKind = "tournament_lobby"
	RoomTournamentMatch RoomKind = "tournament_match"
)

// Identity is the optional authenticated user behind a connection.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MatchType is the label persisted with a finished match.
type MatchType string

const (
	MatchRanked     MatchType = "ranked"
	MatchTournament MatchType = "tournament"
)

// MatchRecord is what the result sink persists for a finished match.
type MatchRecord struct {
	RoomID      string    `json:"room_id"`
	WinnerID    string    `json:"winner_id"`
	LoserID     string    `json:"loser_id"`
	WinnerScore int       `json:"winner_score"`
	LoserScore  int       `json:"loser_score"`
	MatchType   MatchType `json:"match_type"`
	Walkover    bool      `json:"walkover"`
	FinishedAt  time.Time `json:"finished_at"`
}

// MatchRecorder persists finished matches.
type MatchRecorder interface {
	RecordMatchResult(ctx context.Context, rec MatchRecord) error
}

// RoomNamer allocates globally unique room names outside this process.
type RoomNamer interface {
	CreateRoom(ctx context.Context, capacity int) (string, error)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
