package ponggame

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/vctt94/bisonbotkit/utils"
)

const recordTimeout = 5 * time.Second

// GameManager ties connections, rooms, the tick loop and tournaments
// together. Transports call its Handle* methods; it never blocks on a
// client.
type GameManager struct {
	PlayerSessions *PlayerSessions
	Registry       *RoomRegistry
	Scheduler      *TickScheduler

	cfg      Config
	recorder MatchRecorder
	newRand  func() *rand.Rand

	tournamentsMu sync.RWMutex
	Tournaments   map[string]*Tournament

	graceMu sync.Mutex
	grace   map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	Log slog.Logger
}

func NewGameManager(cfg Config, log slog.Logger) (*GameManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid game config: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	gm := &GameManager{
		PlayerSessions: NewPlayerSessions(cfg.OutboxSize),
		Registry:       NewRoomRegistry(cfg, log),
		cfg:            cfg,
		newRand: func() *rand.Rand {
			return rand.New(rand.NewSource(time.Now().UnixNano()))
		},
		Tournaments: make(map[string]*Tournament),
		grace:       make(map[string]*time.Timer),
		ctx:         ctx,
		cancel:      cancel,
		Log:         log,
	}
	gm.Scheduler = NewTickScheduler(gm.Registry, cfg.TickInterval(), log).
		SetBroadcaster(gm.broadcastState).
		OnFinished(gm.handleMatchEnd)
	return gm, nil
}

// SetRecorder sets the sink finished matches are persisted to.
func (gm *GameManager) SetRecorder(rec MatchRecorder) *GameManager {
	gm.recorder = rec
	return gm
}

// SetNamer makes new rooms take their names from an external allocator.
func (gm *GameManager) SetNamer(n RoomNamer) *GameManager {
	gm.Registry.SetNamer(n)
	return gm
}

// SetRandSource sets the seeding source of new tournaments.
func (gm *GameManager) SetRandSource(fn func() *rand.Rand) *GameManager {
	gm.newRand = fn
	return gm
}

// Run drives the tick loop until ctx is done.
func (gm *GameManager) Run(ctx context.Context) error {
	return gm.Scheduler.Run(ctx)
}

// Connect registers a new connection.
func (gm *GameManager) Connect(conn string, id *Identity) *Session {
	s := gm.PlayerSessions.CreateSession(conn, id)
	if id != nil {
		gm.Log.Debugf("Connection %s authenticated as %s (%s)", conn, id.Username, id.UserID)
	}
	return s
}

// HandleJoin puts conn in a room: the named one, or one found or created
// by capacity and kind. A connection already in a room leaves it first.
// Everything runs under the JoinLock of conn.
func (gm *GameManager) HandleJoin(ctx context.Context, conn string, req JoinRequest) (JoinResult, error) {
	s := gm.PlayerSessions.GetPlayer(conn)
	if s == nil {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrUnknownConnection, conn)
	}
	release, ok := gm.Registry.JoinLock().TryAcquire(conn)
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrJoinInProgress, conn)
	}
	defer release()

	key := s.Key()
	req.Key = key
	if req.Alias == "" {
		req.Alias = s.Username()
	}
	if req.Tourney {
		req.Capacity = TournamentSize
		req.Local = false
	}

	if err := gm.checkIsolation(conn, key, &req); errors.Is(err, errAwaitingMatch) {
		return gm.rebindAwaiting(conn, key)
	} else if err != nil {
		return JoinResult{}, err
	}

	if cur := gm.Registry.RoomOf(conn); cur != nil {
		if cur.ID == req.RoomName {
			return JoinResult{}, fmt.Errorf("%w: %s", ErrAlreadyInRoom, cur.ID)
		}
		gm.leave(conn, ReasonLeft)
	}

	if req.Tourney && req.RoomName == "" {
		tid, err := utils.GenerateRandomString(16)
		if err != nil {
			return JoinResult{}, fmt.Errorf("failed to generate tournament id: %w", err)
		}
		req.OnCreate = func(room *SessionRoom) {
			t := NewTournament(tid, room.ID, gm.newRand())
			room.attach(t)
			gm.tournamentsMu.Lock()
			gm.Tournaments[t.ID] = t
			gm.tournamentsMu.Unlock()
			gm.Log.Infof("Tournament %s created with lobby %s", t.ID, room.ID)
		}
	}

	res, err := gm.Registry.joinRoomHeld(ctx, conn, req)
	if err != nil {
		gm.Log.Debugf("Join rejected for %s: %v", conn, err)
		return JoinResult{}, err
	}

	t := res.Room.Tournament()
	switch {
	case res.Side == SideSpectator || t == nil:
	case res.Room.Kind == RoomTournamentLobby:
		full, err := t.Register(key, conn, s.Identity)
		if err != nil {
			gm.Registry.Leave(conn)
			return JoinResult{}, err
		}
		gm.notifyJoined(conn, res)
		gm.notifyTournament(t)
		if full {
			gm.startSemifinals(ctx, t)
		}
		return res, nil
	case res.Room.Kind == RoomTournamentMatch:
		gm.cancelGrace(key)
		if _, err := t.Rebind(key, conn); err != nil {
			gm.Log.Warnf("Rebind %s in tournament %s: %v", key, t.ID, err)
		}
		if res.Replaced != "" {
			gm.PlayerSessions.GetPlayer(res.Replaced).Enqueue(Event{
				Type: EventRoomLeft,
				Data: RoomLeft{Room: res.Room.ID, Reason: ReasonReplaced},
			})
			gm.Log.Infof("Participant %s reconnected to %s as %s", key, res.Room.ID, conn)
		}
		gm.notifyJoined(conn, res)
		gm.maybeStartFinal(t, res.Room)
		gm.notifyTournament(t)
		return res, nil
	}

	gm.notifyJoined(conn, res)
	return res, nil
}

// checkIsolation keeps tournament participants out of other rooms and
// players of running matches out of tournaments. An active participant
// asking for a tournament is routed back to its own lobby or match.
func (gm *GameManager) checkIsolation(conn, key string, req *JoinRequest) error {
	if req.Spectator {
		return nil
	}
	t := gm.activeTournament(key)
	if t == nil {
		if !req.Tourney {
			if room := gm.Registry.Get(req.RoomName); room != nil && room.Kind == RoomTournamentMatch {
				return fmt.Errorf("%w: %s is a tournament match", ErrTournamentLocked, room.ID)
			}
			return nil
		}
		if cur := gm.Registry.RoomOf(conn); cur != nil && cur.Tournament() == nil && cur.Running() {
			return fmt.Errorf("%w: %s is playing in %s", ErrTournamentIsolation, conn, cur.ID)
		}
		return nil
	}

	if req.RoomName != "" {
		if room := gm.Registry.Get(req.RoomName); room != nil && room.Tournament() == t {
			req.Tourney = true
			return nil
		}
		return fmt.Errorf("%w: %s is in tournament %s", ErrTournamentIsolation, key, t.ID)
	}
	if !req.Tourney {
		return fmt.Errorf("%w: %s is in tournament %s", ErrTournamentIsolation, key, t.ID)
	}
	if t.Phase() == PhaseWaiting {
		req.RoomName = t.LobbyRoomID
		return nil
	}
	if m, ok := t.CurrentMatch(key); ok {
		req.RoomName = m.RoomID
		return nil
	}
	return errAwaitingMatch
}

// rebindAwaiting moves a participant that has no match room right now, a
// semifinal winner waiting for the final, onto conn. The old connection no
// longer speaks for it and a pending grace period ends.
func (gm *GameManager) rebindAwaiting(conn, key string) (JoinResult, error) {
	t := gm.activeTournament(key)
	if t == nil {
		return JoinResult{}, fmt.Errorf("%w: %s is not in a tournament", ErrPhase, key)
	}
	if cur := gm.Registry.RoomOf(conn); cur != nil {
		gm.leave(conn, ReasonLeft)
	}
	gm.cancelGrace(key)
	old, err := t.Rebind(key, conn)
	if err != nil {
		return JoinResult{}, err
	}
	if old != "" && old != conn {
		gm.Log.Infof("Participant %s reconnected to tournament %s as %s", key, t.ID, conn)
	}
	gm.notifyTournament(t)
	return JoinResult{Tournament: t}, nil
}

// activeTournament returns the tournament key still plays in.
func (gm *GameManager) activeTournament(key string) *Tournament {
	for _, t := range gm.tournamentList() {
		if t.Active(key) {
			return t
		}
	}
	return nil
}

func (gm *GameManager) tournamentList() []*Tournament {
	gm.tournamentsMu.RLock()
	defer gm.tournamentsMu.RUnlock()
	out := make([]*Tournament, 0, len(gm.Tournaments))
	for _, t := range gm.Tournaments {
		out = append(out, t)
	}
	return out
}

// HandleInput buffers a key press or release for side.
func (gm *GameManager) HandleInput(conn string, side PaddleSide, dir Direction, pressed bool) error {
	room := gm.Registry.RoomOf(conn)
	if room == nil {
		return fmt.Errorf("%w: %s", ErrNotInRoom, conn)
	}
	return room.SetInput(conn, side, dir, pressed)
}

// HandleLeave removes conn from every room. A tournament participant leaving
// forfeits.
func (gm *GameManager) HandleLeave(conn string) {
	s := gm.PlayerSessions.GetPlayer(conn)
	gm.leave(conn, ReasonLeft)
	if s != nil {
		gm.forfeitIfBound(s.Key(), conn)
	}
}

// Disconnect handles transport loss. Authenticated tournament participants
// get ForfeitGrace to come back before forfeiting; everyone else is treated
// as leaving.
func (gm *GameManager) Disconnect(conn string) {
	s := gm.PlayerSessions.GetPlayer(conn)
	if s == nil {
		return
	}
	key := s.Key()
	defer gm.PlayerSessions.RemovePlayer(conn)

	if t := gm.activeTournament(key); t != nil && gm.cfg.ForfeitGrace > 0 && s.Authenticated() {
		if bound, ok := t.Conn(key); ok && bound == conn {
			room := gm.Registry.RoomOf(conn)
			if room == nil || room.Kind == RoomTournamentMatch {
				t.Detach(key, conn)
				gm.startGrace(t, key, conn)
				gm.Log.Infof("Participant %s dropped from tournament %s, waiting %s",
					key, t.ID, gm.cfg.ForfeitGrace)
				return
			}
		}
	}

	gm.leave(conn, ReasonLeft)
	gm.forfeitIfBound(key, conn)
}

func (gm *GameManager) startGrace(t *Tournament, key, conn string) {
	gm.graceMu.Lock()
	defer gm.graceMu.Unlock()
	if old := gm.grace[key]; old != nil {
		old.Stop()
	}
	gm.grace[key] = time.AfterFunc(gm.cfg.ForfeitGrace, func() {
		gm.graceMu.Lock()
		delete(gm.grace, key)
		gm.graceMu.Unlock()

		if _, back := t.Conn(key); back {
			return
		}
		gm.Log.Infof("Participant %s did not return to tournament %s", key, t.ID)
		gm.leave(conn, ReasonLeft)
		if t.Active(key) {
			gm.forfeit(t, key)
		}
	})
}

func (gm *GameManager) cancelGrace(key string) {
	gm.graceMu.Lock()
	defer gm.graceMu.Unlock()
	if tm := gm.grace[key]; tm != nil {
		tm.Stop()
		delete(gm.grace, key)
	}
}

// leave removes conn from its room and settles what that implies: evicted
// players are told, a running ranked duel is a walkover and a tournament
// participant forfeits.
func (gm *GameManager) leave(conn, reason string) bool {
	res := gm.Registry.Leave(conn)
	if res.RoomID == "" {
		return false
	}
	gm.PlayerSessions.GetPlayer(conn).Enqueue(Event{
		Type: EventRoomLeft,
		Data: RoomLeft{Room: res.RoomID, Reason: reason},
	})
	defer gm.PlayerSessions.Send(res.Evicted, Event{
		Type: EventRoomLeft,
		Data: RoomLeft{Room: res.RoomID, Reason: ReasonAbandoned},
	})
	if res.Spectator {
		return true
	}
	gm.Log.Debugf("Connection %s left room %s (running=%v deleted=%v)",
		conn, res.RoomID, res.WasRunning, res.Deleted)

	t := res.Tournament
	switch {
	case t != nil:
		if res.Kind == RoomTournamentLobby && res.Deleted && t.Phase() == PhaseWaiting {
			gm.removeTournament(t.ID)
			return true
		}
		if res.Kind == RoomTournamentLobby && t.Phase() != PhaseWaiting {
			// moved out of the lobby into a match
			return true
		}
		gm.forfeit(t, res.Seat.Key)

	case res.Kind == RoomRanked && res.WasRunning && len(res.Remaining) == 1:
		w := res.Remaining[0]
		gm.PlayerSessions.Send(res.Evicted, Event{
			Type: EventMatchEnded,
			Data: MatchEnded{Room: res.RoomID, Winner: w.Side, Loser: res.Seat.Side, Walkover: true},
		})
		gm.record(MatchRecord{
			RoomID:    res.RoomID,
			WinnerID:  w.Key,
			LoserID:   res.Seat.Key,
			MatchType: MatchRanked,
			Walkover:  true,
		})
	}
	return true
}

// forfeitIfBound forfeits key if conn is the connection its tournament
// currently plays through.
func (gm *GameManager) forfeitIfBound(key, conn string) {
	t := gm.activeTournament(key)
	if t == nil {
		return
	}
	if bound, ok := t.Conn(key); ok && bound != conn {
		return
	}
	gm.forfeit(t, key)
}

func (gm *GameManager) forfeit(t *Tournament, key string) {
	adv, err := t.Forfeit(key)
	if err != nil {
		gm.Log.Warnf("Forfeit of %s in tournament %s: %v", key, t.ID, err)
		return
	}
	if !adv.Freed {
		gm.Log.Infof("Participant %s forfeited in tournament %s (%s)", key, t.ID, adv.Phase)
	}
	gm.applyAdvance(gm.ctx, t, adv)
}

// handleMatchEnd runs on the tick goroutine after a finished room was
// removed.
func (gm *GameManager) handleMatchEnd(end MatchEnd) {
	gm.PlayerSessions.Send(end.Evicted, Event{
		Type: EventMatchEnded,
		Data: MatchEnded{
			Room:        end.RoomID,
			Winner:      end.Result.Winner,
			WinnerScore: end.Result.WinnerScore,
			Loser:       end.Result.Loser,
			LoserScore:  end.Result.LoserScore,
		},
	})
	gm.PlayerSessions.Send(end.Evicted, Event{
		Type: EventRoomLeft,
		Data: RoomLeft{Room: end.RoomID, Reason: ReasonMatchEnded},
	})

	var winner, loser string
	for _, s := range end.Seats {
		switch s.Side {
		case end.Result.Winner:
			winner = s.Key
		case end.Result.Loser:
			loser = s.Key
		}
	}

	switch end.Kind {
	case RoomRanked:
		gm.record(MatchRecord{
			RoomID:      end.RoomID,
			WinnerID:    winner,
			LoserID:     loser,
			WinnerScore: end.Result.WinnerScore,
			LoserScore:  end.Result.LoserScore,
			MatchType:   MatchRanked,
		})

	case RoomTournamentMatch:
		t := end.Tournament
		if t == nil {
			return
		}
		if winner == "" {
			// the winner's seat was emptied; fall back to the bracket
			m, ok := t.MatchByRoom(end.RoomID)
			if !ok {
				return
			}
			winner = m.Players[0]
			if end.Result.Winner == SideC {
				winner = m.Players[1]
			}
		}
		adv, err := t.ReportResult(end.RoomID, winner, end.Result.WinnerScore, end.Result.LoserScore)
		if errors.Is(err, ErrPhase) {
			// a participant left after the deciding point and forfeited
			gm.Log.Debugf("Tournament %s: %v", t.ID, err)
			return
		}
		if err != nil {
			gm.Log.Errorf("Tournament %s: %v", t.ID, err)
			return
		}
		// Building the final may call out to the room namer; keep it off
		// the tick goroutine.
		gm.wg.Add(1)
		go func() {
			defer gm.wg.Done()
			gm.applyAdvance(gm.ctx, t, adv)
		}()
	}
}

// applyAdvance carries out a bracket change: tears down rooms of walkover
// matches, records results, builds the final and tells everyone.
func (gm *GameManager) applyAdvance(ctx context.Context, t *Tournament, adv Advance) {
	for _, m := range adv.Decided {
		if m.Walkover {
			if m.RoomID != "" {
				gm.PlayerSessions.Send(gm.Registry.Delete(m.RoomID), Event{
					Type: EventRoomLeft,
					Data: RoomLeft{Room: m.RoomID, Reason: ReasonAbandoned},
				})
			}
			winSide, loseSide := SideA, SideC
			if m.Winner == m.Players[1] {
				winSide, loseSide = SideC, SideA
			}
			for _, k := range m.Players {
				if c, ok := t.Conn(k); ok {
					gm.PlayerSessions.GetPlayer(c).Enqueue(Event{
						Type: EventMatchEnded,
						Data: MatchEnded{Room: m.RoomID, Winner: winSide, Loser: loseSide, Walkover: true},
					})
				}
			}
		}
		gm.record(MatchRecord{
			RoomID:      m.RoomID,
			WinnerID:    m.Winner,
			LoserID:     m.Loser,
			WinnerScore: m.WinnerScore,
			LoserScore:  m.LoserScore,
			MatchType:   MatchTournament,
			Walkover:    m.Walkover,
		})
	}

	if adv.FinalReady {
		gm.startFinal(ctx, t, adv.Final)
	}
	if adv.Phase == PhaseCompleted && adv.Champion != "" {
		gm.Log.Infof("Tournament %s won by %s", t.ID, adv.Champion)
	}
	gm.notifyTournament(t)
}

func (gm *GameManager) startSemifinals(ctx context.Context, t *Tournament) {
	semis, err := t.StartSemifinals()
	if err != nil {
		gm.Log.Errorf("Tournament %s: %v", t.ID, err)
		return
	}
	gm.Log.Infof("Tournament %s: semifinals %v vs %v",
		t.ID, semis[0].Players, semis[1].Players)

	for i, m := range semis {
		room, err := gm.Registry.Create(ctx, RoomOptions{
			Capacity:   2,
			Kind:       RoomTournamentMatch,
			Roster:     m.Roster(),
			Tournament: t,
		})
		if err != nil {
			gm.Log.Errorf("Tournament %s: failed to create semifinal %d: %v", t.ID, i, err)
			continue
		}
		if err := t.BindSemifinal(i, room.ID); err != nil {
			gm.Log.Errorf("Tournament %s: %v", t.ID, err)
			continue
		}
		gm.moveIntoMatch(t, room, m)
	}
	gm.notifyTournament(t)
}

func (gm *GameManager) startFinal(ctx context.Context, t *Tournament, final BracketMatch) {
	room, err := gm.Registry.Create(ctx, RoomOptions{
		Capacity:   2,
		Kind:       RoomTournamentMatch,
		Roster:     final.Roster(),
		Tournament: t,
	})
	if err != nil {
		gm.Log.Errorf("Tournament %s: failed to create final: %v", t.ID, err)
		return
	}
	if err := t.BindFinal(room.ID); err != nil {
		gm.Log.Errorf("Tournament %s: %v", t.ID, err)
		gm.Registry.Delete(room.ID)
		return
	}
	gm.moveIntoMatch(t, room, final)
	gm.maybeStartFinal(t, room)
}

// maybeStartFinal enters the final phase once both finalists sit in the
// final's room.
func (gm *GameManager) maybeStartFinal(t *Tournament, room *SessionRoom) {
	if t.Phase() != PhaseWaitingFinal || !t.IsFinalRoom(room.ID) || len(room.Players()) < 2 {
		return
	}
	if err := t.StartFinal(); err != nil {
		gm.Log.Debugf("Tournament %s: %v", t.ID, err)
	}
}

// moveIntoMatch seats the connected players of m in room.
func (gm *GameManager) moveIntoMatch(t *Tournament, room *SessionRoom, m BracketMatch) {
	for _, key := range m.Players {
		conn, ok := t.Conn(key)
		if !ok {
			continue
		}
		if cur := gm.Registry.RoomOf(conn); cur != nil {
			res := gm.Registry.Leave(conn)
			gm.PlayerSessions.GetPlayer(conn).Enqueue(Event{
				Type: EventRoomLeft,
				Data: RoomLeft{Room: res.RoomID, Reason: ReasonMoved},
			})
		}
		var alias string
		if s := gm.PlayerSessions.GetPlayer(conn); s != nil {
			alias = s.Username()
		}
		res, err := gm.Registry.Join(conn, room.ID, JoinOptions{Key: key, Alias: alias})
		if err != nil {
			gm.Log.Errorf("Tournament %s: failed to seat %s in %s: %v", t.ID, key, room.ID, err)
			continue
		}
		gm.notifyJoined(conn, res)
	}
}

func (gm *GameManager) notifyJoined(conn string, res JoinResult) {
	sum := res.Room.Summary()
	gm.PlayerSessions.GetPlayer(conn).Enqueue(Event{
		Type: EventRoomJoined,
		Data: RoomJoined{
			Room:         sum.ID,
			Kind:         sum.Kind,
			Players:      sum.Players,
			MaxPlayers:   sum.Capacity,
			Paddle:       res.Side,
			Paddles:      res.Sides,
			TournamentID: sum.TournamentID,
		},
	})
}

func (gm *GameManager) notifyTournament(t *Tournament) {
	gm.PlayerSessions.Send(t.Connections(), Event{
		Type: EventTournamentUpdate,
		Data: t.Snapshot(),
	})
}

func (gm *GameManager) broadcastState(_ string, conns []string, state MatchState) {
	gm.PlayerSessions.Send(conns, Event{Type: EventGameState, Data: state})
}

// record persists rec in the background.
func (gm *GameManager) record(rec MatchRecord) {
	if gm.recorder == nil || rec.WinnerID == "" {
		return
	}
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	gm.wg.Add(1)
	go func() {
		defer gm.wg.Done()
		ctx, cancel := context.WithTimeout(gm.ctx, recordTimeout)
		defer cancel()
		if err := gm.recorder.RecordMatchResult(ctx, rec); err != nil {
			gm.Log.Errorf("Failed to record result of %s: %v", rec.RoomID, err)
		}
	}()
}

func (gm *GameManager) removeTournament(id string) {
	gm.tournamentsMu.Lock()
	delete(gm.Tournaments, id)
	gm.tournamentsMu.Unlock()
	gm.Log.Debugf("Tournament %s removed", id)
}

// Tournament returns a snapshot of tournament id.
func (gm *GameManager) Tournament(id string) (TournamentSnapshot, bool) {
	gm.tournamentsMu.RLock()
	t := gm.Tournaments[id]
	gm.tournamentsMu.RUnlock()
	if t == nil {
		return TournamentSnapshot{}, false
	}
	return t.Snapshot(), true
}

// Rooms returns the summaries of every room.
func (gm *GameManager) Rooms() []RoomSummary {
	return gm.Registry.List()
}

// Shutdown stops every room, cancels pending forfeits and waits for result
// writes in flight.
func (gm *GameManager) Shutdown() {
	gm.graceMu.Lock()
	for k, tm := range gm.grace {
		tm.Stop()
		delete(gm.grace, k)
	}
	gm.graceMu.Unlock()

	for _, room := range gm.Registry.Snapshot() {
		gm.PlayerSessions.Send(gm.Registry.Delete(room.ID), Event{
			Type: EventRoomLeft,
			Data: RoomLeft{Room: room.ID, Reason: ReasonShuttingDown},
		})
	}
	gm.wg.Wait()
	gm.cancel()
}
