package ponggame

import (
	"context"
	"time"

	"github.com/decred/slog"
)

// MatchEnd is handed to the end-of-match handler after a finished room was
// torn down.
type MatchEnd struct {
	RoomID     string
	Kind       RoomKind
	Tournament *Tournament
	Seats      []Seat
	Result     MatchResult
	// Evicted are the connections that were still in the room.
	Evicted []string
}

// Broadcaster delivers a post-step snapshot to a room's connections.
type Broadcaster func(roomID string, conns []string, state MatchState)

// TickScheduler drives every running room at a fixed rate.
type TickScheduler struct {
	registry   *RoomRegistry
	interval   time.Duration
	broadcast  Broadcaster
	onFinished func(MatchEnd)
	log        slog.Logger
}

func NewTickScheduler(registry *RoomRegistry, interval time.Duration, log slog.Logger) *TickScheduler {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return &TickScheduler{
		registry:   registry,
		interval:   interval,
		broadcast:  func(string, []string, MatchState) {},
		onFinished: func(MatchEnd) {},
		log:        log,
	}
}

func (s *TickScheduler) SetBroadcaster(b Broadcaster) *TickScheduler {
	s.broadcast = b
	return s
}

// OnFinished sets the end-of-match handler. It is called from the tick
// goroutine after the room was removed.
func (s *TickScheduler) OnFinished(fn func(MatchEnd)) *TickScheduler {
	s.onFinished = fn
	return s
}

func (s *TickScheduler) SetLogger(log slog.Logger) *TickScheduler {
	s.log = log
	return s
}

func (s *TickScheduler) Interval() time.Duration { return s.interval }

// Run ticks until ctx is done.
func (s *TickScheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Infof("Tick scheduler running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick steps every running room once. A room whose step fails is rolled
// back and skipped; the others still tick.
func (s *TickScheduler) Tick() {
	for _, room := range s.registry.Snapshot() {
		state, out, seats, err := room.advance()
		if err != nil {
			s.log.Errorf("Tick: %v", err)
			continue
		}
		if out.Kind == OutcomeIdle {
			continue
		}

		s.broadcast(room.ID, room.Connections(), state)

		if out.Finished() {
			s.finish(room, out.Result, seats)
		}
	}
}

// finish tears down a room whose match ended with res. seats are the
// players captured when the deciding step ran.
func (s *TickScheduler) finish(room *SessionRoom, res MatchResult, seats []Seat) {
	end := MatchEnd{
		RoomID:     room.ID,
		Kind:       room.Kind,
		Tournament: room.Tournament(),
		Seats:      seats,
		Result:     res,
	}
	end.Evicted = s.registry.Delete(room.ID)
	s.log.Debugf("Room %s finished: %s %d - %s %d",
		room.ID, res.Winner, res.WinnerScore, res.Loser, res.LoserScore)
	s.onFinished(end)
}
