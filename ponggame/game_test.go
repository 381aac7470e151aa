package ponggame

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecorder struct {
	mu      sync.Mutex
	records []MatchRecord
}

func (f *fakeRecorder) RecordMatchResult(_ context.Context, rec MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeRecorder) all() []MatchRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]MatchRecord(nil), f.records...)
}

func createTestManager(t *testing.T, tweak func(*Config)) (*GameManager, *fakeRecorder) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Countdown = 0
	cfg.OutboxSize = 512
	if tweak != nil {
		tweak(&cfg)
	}
	gm, err := NewGameManager(cfg, slog.Disabled)
	require.NoError(t, err)
	rec := &fakeRecorder{}
	gm.SetRecorder(rec).SetRandSource(func() *rand.Rand { return rand.New(rand.NewSource(3)) })
	t.Cleanup(gm.Shutdown)
	return gm, rec
}

// drain returns every queued event for s.
func drain(s *Session) []Event {
	var out []Event
	for {
		select {
		case ev := <-s.Outbox:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventsOf(evs []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range evs {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// forceWin sets up room so that side scores the deciding point on the next
// tick of a 2-player match.
func forceWin(room *SessionRoom, side PaddleSide) {
	room.mu.Lock()
	defer room.mu.Unlock()
	s := &room.game.state
	s.paddle(side).Score = s.WinScore - 1
	s.Ball.Vel = Vec2{}
	if side == SideA {
		s.Ball.Pos = Vec2{X: s.Width + 1, Y: s.Height / 2}
	} else {
		s.Ball.Pos = Vec2{X: -1, Y: s.Height / 2}
	}
}

func TestGameManager_RankedMatch(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	ctx := context.Background()
	a := gm.Connect("a", nil)
	b := gm.Connect("b", nil)

	_, err := gm.HandleJoin(ctx, "nobody", JoinRequest{Capacity: 2})
	assert.ErrorIs(t, err, ErrUnknownConnection)

	ra, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	rb, err := gm.HandleJoin(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	require.Equal(t, ra.Room.ID, rb.Room.ID)

	joined := eventsOf(drain(b), EventRoomJoined)
	require.Len(t, joined, 1)
	rj := joined[0].Data.(RoomJoined)
	assert.Equal(t, SideC, rj.Paddle)
	assert.Equal(t, 2, rj.Players)
	assert.Equal(t, 2, rj.MaxPlayers)

	assert.ErrorIs(t, gm.HandleInput("a", SideC, DirUp, true), ErrInvalidPaddleAssignment)
	assert.NoError(t, gm.HandleInput("a", SideA, DirUp, true))
	assert.ErrorIs(t, gm.HandleInput("ghost", SideA, DirUp, true), ErrNotInRoom)

	gm.Scheduler.Tick()
	assert.NotEmpty(t, eventsOf(drain(a), EventGameState))

	forceWin(ra.Room, SideC)
	gm.Scheduler.Tick()

	evs := drain(a)
	ended := eventsOf(evs, EventMatchEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, SideC, ended[0].Data.(MatchEnded).Winner)
	assert.Len(t, eventsOf(evs, EventRoomLeft), 1)
	assert.Nil(t, gm.Registry.RoomOf("a"))
	assert.Empty(t, gm.Rooms())

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	r := rec.all()[0]
	assert.Equal(t, "b", r.WinnerID)
	assert.Equal(t, "a", r.LoserID)
	assert.Equal(t, MatchRanked, r.MatchType)
	assert.Equal(t, 3, r.WinnerScore)
}

func TestGameManager_AbandonedRankedMatch(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	ctx := context.Background()
	gm.Connect("a", nil)
	b := gm.Connect("b", nil)
	_, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = gm.HandleJoin(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	drain(b)

	gm.Disconnect("a")

	evs := drain(b)
	require.Len(t, eventsOf(evs, EventMatchEnded), 1)
	assert.True(t, eventsOf(evs, EventMatchEnded)[0].Data.(MatchEnded).Walkover)
	left := eventsOf(evs, EventRoomLeft)
	require.Len(t, left, 1)
	assert.Equal(t, ReasonAbandoned, left[0].Data.(RoomLeft).Reason)
	assert.Nil(t, gm.PlayerSessions.GetPlayer("a"))

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, "b", rec.all()[0].WinnerID)
	assert.True(t, rec.all()[0].Walkover)
}

func TestGameManager_LocalRoom(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	gm.Connect("solo", nil)

	res, err := gm.HandleJoin(context.Background(), "solo", JoinRequest{Capacity: 2, Local: true})
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.NoError(t, gm.HandleInput("solo", SideC, DirDown, true))

	forceWin(res.Room, SideA)
	gm.Scheduler.Tick()
	assert.Empty(t, gm.Rooms())

	// Local games are never persisted.
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.all())
}

// joinTournament connects four authenticated users and fills one bracket.
func joinTournament(t *testing.T, gm *GameManager) *Tournament {
	t.Helper()
	ctx := context.Background()
	var res JoinResult
	for i := 1; i <= TournamentSize; i++ {
		conn, user := fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i)
		gm.Connect(conn, &Identity{UserID: user, Username: "user" + user})
		var err error
		res, err = gm.HandleJoin(ctx, conn, JoinRequest{Tourney: true})
		require.NoError(t, err)
		assert.Equal(t, RoomTournamentLobby, res.Room.Kind)
	}
	tr := res.Room.Tournament()
	require.NotNil(t, tr)
	require.Equal(t, PhaseSemifinals, tr.Phase())
	return tr
}

func semiRoom(t *testing.T, gm *GameManager, tr *Tournament, i int) (*SessionRoom, BracketMatch) {
	t.Helper()
	m := tr.Snapshot().Semifinals[i]
	room := gm.Registry.Get(m.RoomID)
	require.NotNil(t, room)
	return room, m
}

func TestGameManager_TournamentBracket(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	tr := joinTournament(t, gm)

	snap, ok := gm.Tournament(tr.ID)
	require.True(t, ok)
	assert.Len(t, snap.Participants, TournamentSize)
	assert.Nil(t, gm.Registry.Get(tr.LobbyRoomID), "lobby is gone once everyone moved")

	r0, m0 := semiRoom(t, gm, tr, 0)
	r1, m1 := semiRoom(t, gm, tr, 1)
	assert.True(t, r0.Running())
	assert.True(t, r1.Running())
	for _, key := range m0.Players {
		conn, _ := tr.Conn(key)
		assert.Equal(t, r0, gm.Registry.RoomOf(conn))
	}

	// Tournament players stay out of other rooms.
	c1, _ := tr.Conn(m0.Players[0])
	_, err := gm.HandleJoin(context.Background(), c1, JoinRequest{Capacity: 2})
	assert.ErrorIs(t, err, ErrTournamentIsolation)
	assert.Equal(t, "TOURNAMENT_ISOLATION", ErrorCode(err))

	forceWin(r0, SideA)
	forceWin(r1, SideC)
	gm.Scheduler.Tick()

	require.Eventually(t, func() bool { return tr.Phase() == PhaseFinal }, time.Second, time.Millisecond)
	final := tr.Snapshot().Final
	require.NotNil(t, final)
	assert.Equal(t, [2]string{m0.Players[0], m1.Players[1]}, final.Players)
	fr := gm.Registry.Get(final.RoomID)
	require.NotNil(t, fr)
	assert.True(t, fr.Running())

	forceWin(fr, SideC)
	gm.Scheduler.Tick()
	require.Eventually(t, func() bool { return tr.Phase() == PhaseCompleted }, time.Second, time.Millisecond)
	assert.Equal(t, m1.Players[1], tr.Champion())
	assert.Equal(t, phaseOrder, tr.History())

	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, time.Millisecond)
	for _, r := range rec.all() {
		assert.Equal(t, MatchTournament, r.MatchType)
		assert.False(t, r.Walkover)
	}

	// Once the bracket is over its players are free again.
	champConn, _ := tr.Conn(m1.Players[1])
	_, err = gm.HandleJoin(context.Background(), champConn, JoinRequest{Capacity: 2})
	assert.NoError(t, err)
}

func TestGameManager_RunningPlayerCannotEnterTournament(t *testing.T) {
	gm, _ := createTestManager(t, nil)
	ctx := context.Background()
	gm.Connect("a", nil)
	gm.Connect("b", nil)
	_, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = gm.HandleJoin(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)

	_, err = gm.HandleJoin(ctx, "a", JoinRequest{Tourney: true})
	assert.ErrorIs(t, err, ErrTournamentIsolation)
}

func TestGameManager_SemifinalDisconnect(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	tr := joinTournament(t, gm)
	r0, m0 := semiRoom(t, gm, tr, 0)
	r1, _ := semiRoom(t, gm, tr, 1)

	quitterConn, _ := tr.Conn(m0.Players[0])
	stayConn, _ := tr.Conn(m0.Players[1])
	stay := gm.PlayerSessions.GetPlayer(stayConn)
	drain(stay)

	gm.Disconnect(quitterConn)

	assert.Nil(t, gm.Registry.Get(r0.ID))
	m := tr.Snapshot().Semifinals[0]
	assert.True(t, m.Done)
	assert.True(t, m.Walkover)
	assert.Equal(t, m0.Players[1], m.Winner)
	assert.Equal(t, PhaseSemifinals, tr.Phase())

	evs := drain(stay)
	ended := eventsOf(evs, EventMatchEnded)
	require.NotEmpty(t, ended)
	assert.True(t, ended[0].Data.(MatchEnded).Walkover)
	assert.NotEmpty(t, eventsOf(evs, EventTournamentUpdate))

	forceWin(r1, SideA)
	gm.Scheduler.Tick()
	require.Eventually(t, func() bool { return tr.Phase() == PhaseFinal }, time.Second, time.Millisecond)
	assert.Contains(t, tr.History(), PhaseWaitingFinal)
	assertPhasePrefix(t, tr)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
}

func TestGameManager_TournamentReconnect(t *testing.T) {
	gm, _ := createTestManager(t, func(c *Config) { c.ForfeitGrace = time.Minute })
	tr := joinTournament(t, gm)
	r0, m0 := semiRoom(t, gm, tr, 0)

	key := m0.Players[0]
	oldConn, _ := tr.Conn(key)
	gm.Disconnect(oldConn)

	// The seat is held during the grace period.
	assert.Equal(t, PhaseSemifinals, tr.Phase())
	assert.True(t, r0.Running())
	assert.False(t, tr.Snapshot().Semifinals[0].Done)

	gm.Connect("back", &Identity{UserID: key, Username: "again"})
	res, err := gm.HandleJoin(context.Background(), "back", JoinRequest{Tourney: true})
	require.NoError(t, err)
	assert.Equal(t, r0, res.Room)
	assert.Equal(t, SideA, res.Side)
	assert.Equal(t, oldConn, res.Replaced)

	conn, ok := tr.Conn(key)
	require.True(t, ok)
	assert.Equal(t, "back", conn)
	assert.Contains(t, r0.Players(), "back")
	assert.NotContains(t, r0.Players(), oldConn)
	assert.NoError(t, gm.HandleInput("back", SideA, DirDown, true))

	gm.graceMu.Lock()
	pending := len(gm.grace)
	gm.graceMu.Unlock()
	assert.Zero(t, pending)
}

func TestGameManager_GraceExpiryForfeits(t *testing.T) {
	gm, _ := createTestManager(t, func(c *Config) { c.ForfeitGrace = 20 * time.Millisecond })
	tr := joinTournament(t, gm)
	r0, m0 := semiRoom(t, gm, tr, 0)

	conn, _ := tr.Conn(m0.Players[0])
	gm.Disconnect(conn)
	assert.True(t, r0.Running())

	require.Eventually(t, func() bool {
		return tr.Snapshot().Semifinals[0].Done
	}, time.Second, time.Millisecond)
	m := tr.Snapshot().Semifinals[0]
	assert.Equal(t, m0.Players[1], m.Winner)
	assert.True(t, m.Walkover)
	assert.Nil(t, gm.Registry.Get(r0.ID))
}

func TestGameManager_LobbyLeaveFreesSlot(t *testing.T) {
	gm, _ := createTestManager(t, nil)
	ctx := context.Background()
	gm.Connect("a", &Identity{UserID: "ua"})
	gm.Connect("b", &Identity{UserID: "ub"})

	ra, err := gm.HandleJoin(ctx, "a", JoinRequest{Tourney: true})
	require.NoError(t, err)
	_, err = gm.HandleJoin(ctx, "b", JoinRequest{Tourney: true})
	require.NoError(t, err)
	tr := ra.Room.Tournament()
	require.Len(t, tr.Participants(), 2)

	gm.HandleLeave("a")
	assert.Len(t, tr.Participants(), 1)
	assert.Equal(t, PhaseWaiting, tr.Phase())

	// The last one out removes the tournament.
	gm.HandleLeave("b")
	_, ok := gm.Tournament(tr.ID)
	assert.False(t, ok)
}

func TestGameManager_LeaveBeforeTeardownKeepsResult(t *testing.T) {
	gm, rec := createTestManager(t, nil)
	ctx := context.Background()
	gm.Connect("a", nil)
	b := gm.Connect("b", nil)
	ra, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = gm.HandleJoin(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	room := ra.Room

	forceWin(room, SideA)
	_, out, seats, err := room.advance()
	require.NoError(t, err)
	require.True(t, out.Finished())
	require.Len(t, seats, 2)

	// The winner leaves between the deciding step and the teardown.
	gm.HandleLeave("a")
	require.NotNil(t, gm.Registry.Get(room.ID))
	drain(b)

	gm.Scheduler.finish(room, out.Result, seats)
	assert.Nil(t, gm.Registry.Get(room.ID))
	ended := eventsOf(drain(b), EventMatchEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, SideA, ended[0].Data.(MatchEnded).Winner)
	assert.False(t, ended[0].Data.(MatchEnded).Walkover)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	r := rec.all()[0]
	assert.Equal(t, "a", r.WinnerID)
	assert.Equal(t, "b", r.LoserID)
	assert.Equal(t, 3, r.WinnerScore)
	assert.False(t, r.Walkover)
}

func TestGameManager_JoinHoldsJoinLock(t *testing.T) {
	gm, _ := createTestManager(t, nil)
	ctx := context.Background()
	gm.Connect("a", nil)
	ra, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)

	release, ok := gm.Registry.JoinLock().TryAcquire("a")
	require.True(t, ok)
	_, err = gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 4})
	assert.ErrorIs(t, err, ErrJoinInProgress)
	// Nothing moved: a is still seated where it was.
	assert.Equal(t, ra.Room, gm.Registry.RoomOf("a"))
	release()

	res, err := gm.HandleJoin(ctx, "a", JoinRequest{Capacity: 4})
	require.NoError(t, err)
	assert.NotEqual(t, ra.Room.ID, res.Room.ID)
	assert.Nil(t, gm.Registry.Get(ra.Room.ID))
	assert.False(t, gm.Registry.JoinLock().Held("a"))
}

// winFirstSemifinal decides semifinal 0 for its A side and returns that
// participant with the connection it played through.
func winFirstSemifinal(t *testing.T, gm *GameManager, tr *Tournament) (key, conn string) {
	t.Helper()
	r0, m0 := semiRoom(t, gm, tr, 0)
	key = m0.Players[0]
	conn, _ = tr.Conn(key)

	forceWin(r0, SideA)
	gm.Scheduler.Tick()
	require.True(t, tr.Snapshot().Semifinals[0].Done)
	require.Equal(t, PhaseSemifinals, tr.Phase())
	require.Nil(t, gm.Registry.RoomOf(conn))
	return key, conn
}

func TestGameManager_WaitingWinnerReload(t *testing.T) {
	gm, _ := createTestManager(t, nil)
	tr := joinTournament(t, gm)
	r1, _ := semiRoom(t, gm, tr, 1)
	key, oldConn := winFirstSemifinal(t, gm, tr)

	// The new connection arrives while the old one is still open.
	back := gm.Connect("reload", &Identity{UserID: key})
	res, err := gm.HandleJoin(context.Background(), "reload", JoinRequest{Tourney: true})
	require.NoError(t, err)
	assert.Nil(t, res.Room)
	assert.Equal(t, tr, res.Tournament)
	conn, ok := tr.Conn(key)
	require.True(t, ok)
	assert.Equal(t, "reload", conn)
	assert.NotEmpty(t, eventsOf(drain(back), EventTournamentUpdate))

	gm.Disconnect(oldConn)
	assert.True(t, tr.Active(key))

	forceWin(r1, SideA)
	gm.Scheduler.Tick()
	require.Eventually(t, func() bool { return tr.Phase() == PhaseFinal }, time.Second, time.Millisecond)
	final := tr.Snapshot().Final
	require.NotNil(t, final)
	assert.Equal(t, key, final.Players[0])
	assert.False(t, final.Done)
	fr := gm.Registry.Get(final.RoomID)
	require.NotNil(t, fr)
	assert.Contains(t, fr.Players(), "reload")
}

func TestGameManager_WaitingWinnerGraceReconnect(t *testing.T) {
	gm, _ := createTestManager(t, func(c *Config) { c.ForfeitGrace = 30 * time.Millisecond })
	tr := joinTournament(t, gm)
	key, oldConn := winFirstSemifinal(t, gm, tr)

	gm.Disconnect(oldConn)
	_, bound := tr.Conn(key)
	assert.False(t, bound)

	gm.Connect("back", &Identity{UserID: key})
	_, err := gm.HandleJoin(context.Background(), "back", JoinRequest{Tourney: true})
	require.NoError(t, err)

	gm.graceMu.Lock()
	pending := len(gm.grace)
	gm.graceMu.Unlock()
	assert.Zero(t, pending)

	time.Sleep(90 * time.Millisecond)
	assert.True(t, tr.Active(key))
	conn, ok := tr.Conn(key)
	require.True(t, ok)
	assert.Equal(t, "back", conn)
}
