package ponggame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/decred/slog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestRegistry() *RoomRegistry {
	cfg := DefaultConfig()
	cfg.Countdown = 0
	return NewRoomRegistry(cfg, slog.Disabled)
}

type stubNamer struct {
	mu    sync.Mutex
	calls int
	err   error
	// block, when set, is waited on before answering.
	block chan struct{}
}

func (n *stubNamer) CreateRoom(ctx context.Context, capacity int) (string, error) {
	if n.block != nil {
		select {
		case <-n.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return "", n.err
	}
	n.calls++
	return fmt.Sprintf("ext-%d-%d", capacity, n.calls), nil
}

func TestRoomRegistry_TwoPlayerJoinOrder(t *testing.T) {
	r := createTestRegistry()
	ctx := context.Background()

	x, err := r.JoinRoom(ctx, "x", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, SideA, x.Side)
	assert.False(t, x.Started)

	y, err := r.JoinRoom(ctx, "y", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, SideC, y.Side)
	assert.Equal(t, x.Room.ID, y.Room.ID)
	assert.True(t, y.Started)

	sum := y.Room.Summary()
	assert.Equal(t, 2, sum.Players)
	assert.Equal(t, 2, sum.Capacity)
	assert.True(t, sum.Running)

	// A third player gets a fresh room.
	z, err := r.JoinRoom(ctx, "z", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	assert.NotEqual(t, x.Room.ID, z.Room.ID)
	assert.Equal(t, SideA, z.Side)
}

func TestRoomRegistry_FourPlayerJoinOrder(t *testing.T) {
	r := createTestRegistry()
	want := []PaddleSide{SideA, SideB, SideC, SideD}
	var room *SessionRoom
	for i, side := range want {
		res, err := r.JoinRoom(context.Background(), fmt.Sprintf("c%d", i), JoinRequest{Capacity: 4})
		require.NoError(t, err)
		assert.Equal(t, side, res.Side)
		assert.Equal(t, i == 3, res.Started)
		room = res.Room
	}
	assert.True(t, room.Running())
	assert.Equal(t, 1, r.Len())
}

func TestRoomRegistry_FindOrCreateFilters(t *testing.T) {
	r := createTestRegistry()
	ctx := context.Background()

	two, err := r.FindOrCreate(ctx, RoomOptions{Capacity: 2})
	require.NoError(t, err)
	four, err := r.FindOrCreate(ctx, RoomOptions{Capacity: 4})
	require.NoError(t, err)
	local, err := r.FindOrCreate(ctx, RoomOptions{Capacity: 2, Kind: RoomLocal})
	require.NoError(t, err)

	assert.NotEqual(t, two, four)
	assert.NotEqual(t, two, local)

	again, err := r.FindOrCreate(ctx, RoomOptions{Capacity: 2})
	require.NoError(t, err)
	assert.Equal(t, two, again)

	_, err = r.FindOrCreate(ctx, RoomOptions{Capacity: 3})
	assert.ErrorIs(t, err, ErrInvalidCapacity)

	// Room names are unique and increasing.
	assert.Equal(t, "room-1", two)
	assert.Equal(t, "room-2", four)
	assert.Equal(t, "room-3", local)
}

func TestRoomRegistry_JoinErrors(t *testing.T) {
	r := createTestRegistry()
	ctx := context.Background()

	_, err := r.Join("a", "nope", JoinOptions{})
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.Equal(t, "ROOM_NOT_FOUND", ErrorCode(err))

	room, err := r.Create(ctx, RoomOptions{Capacity: 2})
	require.NoError(t, err)
	_, err = r.Join("a", room.ID, JoinOptions{Key: "a"})
	require.NoError(t, err)
	_, err = r.Join("b", room.ID, JoinOptions{Key: "b"})
	require.NoError(t, err)

	_, err = r.Join("c", room.ID, JoinOptions{Key: "c"})
	assert.ErrorIs(t, err, ErrRoomFull)
	assert.Equal(t, "ROOM_FULL", ErrorCode(err))

	_, err = r.Join("a", room.ID, JoinOptions{Key: "a"})
	assert.ErrorIs(t, err, ErrAlreadyInRoom)

	// Spectators fit in a full room and take no paddle.
	res, err := r.JoinRoom(ctx, "s", JoinRequest{RoomName: room.ID, Spectator: true})
	require.NoError(t, err)
	assert.Equal(t, SideSpectator, res.Side)
	assert.Contains(t, room.Connections(), "s")

	_, err = r.JoinRoom(ctx, "s2", JoinRequest{Capacity: 2, Spectator: true})
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestRoomRegistry_LocalRoom(t *testing.T) {
	r := createTestRegistry()

	res, err := r.JoinRoom(context.Background(), "solo", JoinRequest{Capacity: 4, Local: true})
	require.NoError(t, err)
	assert.True(t, res.Started)
	assert.Equal(t, []PaddleSide{SideA, SideB, SideC, SideD}, res.Sides)
	assert.True(t, res.Room.Full())

	// One connection drives every paddle.
	for _, side := range res.Sides {
		assert.NoError(t, res.Room.SetInput("solo", side, DirUp, true))
	}

	lr := r.Leave("solo")
	assert.True(t, lr.Deleted)
	assert.Nil(t, r.Get(res.Room.ID))
	assert.Zero(t, r.Len())
}

func TestRoomRegistry_LeaveDeletesEmptyRoom(t *testing.T) {
	r := createTestRegistry()
	res, err := r.JoinRoom(context.Background(), "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)

	lr := r.Leave("a")
	assert.Equal(t, res.Room.ID, lr.RoomID)
	assert.Equal(t, SideA, lr.Seat.Side)
	assert.False(t, lr.WasRunning)
	assert.True(t, lr.Deleted)
	assert.Nil(t, r.RoomOf("a"))

	// Leaving twice is harmless.
	assert.Empty(t, r.Leave("a").RoomID)
}

func TestRoomRegistry_LeaveRunningEvictsEveryone(t *testing.T) {
	r := createTestRegistry()
	ctx := context.Background()
	a, err := r.JoinRoom(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, "watch", JoinRequest{RoomName: a.Room.ID, Spectator: true})
	require.NoError(t, err)
	require.True(t, a.Room.Running())

	// A spectator leaving does not end the match.
	lr := r.Leave("watch")
	assert.True(t, lr.Spectator)
	assert.False(t, lr.Deleted)
	assert.True(t, a.Room.Running())

	lr = r.Leave("a")
	assert.True(t, lr.WasRunning)
	assert.True(t, lr.Deleted)
	assert.Equal(t, []string{"b"}, lr.Evicted)
	require.Len(t, lr.Remaining, 1)
	assert.Equal(t, SideC, lr.Remaining[0].Side)
	assert.False(t, a.Room.Running())
	assert.Nil(t, r.RoomOf("b"))
	assert.Zero(t, r.Len())
}

func TestRoomRegistry_SetInputAuthority(t *testing.T) {
	r := createTestRegistry()
	ctx := context.Background()
	a, err := r.JoinRoom(ctx, "a", JoinRequest{Capacity: 2})
	require.NoError(t, err)
	_, err = r.JoinRoom(ctx, "b", JoinRequest{Capacity: 2})
	require.NoError(t, err)

	assert.NoError(t, a.Room.SetInput("a", SideA, DirDown, true))
	err = a.Room.SetInput("a", SideC, DirDown, true)
	assert.ErrorIs(t, err, ErrInvalidPaddleAssignment)
	assert.Equal(t, "INVALID_PADDLE", ErrorCode(err))
}

func TestRoomRegistry_JoinInProgress(t *testing.T) {
	r := createTestRegistry()
	namer := &stubNamer{block: make(chan struct{})}
	r.SetNamer(namer)

	type result struct {
		res JoinResult
		err error
	}
	results := make(chan result, 2)
	join := func() {
		res, err := r.JoinRoom(context.Background(), "same", JoinRequest{Capacity: 2})
		results <- result{res, err}
	}

	go join()
	// The first join is parked in the namer holding the lock.
	require.Eventually(t, func() bool { return r.JoinLock().Held("same") }, time.Second, time.Millisecond)
	go join()

	second := <-results
	assert.ErrorIs(t, second.err, ErrJoinInProgress)
	assert.Equal(t, "JOIN_IN_PROGRESS", ErrorCode(second.err))

	close(namer.block)
	first := <-results
	require.NoError(t, first.err)
	assert.Equal(t, SideA, first.res.Side)
	assert.Equal(t, "ext-2-1", first.res.Room.ID)
	assert.False(t, r.JoinLock().Held("same"))
}

func TestRoomRegistry_JoinLockReleasedOnError(t *testing.T) {
	r := createTestRegistry()
	r.SetNamer(&stubNamer{err: errors.New("directory down")})

	_, err := r.JoinRoom(context.Background(), "a", JoinRequest{Capacity: 2})
	require.Error(t, err)
	assert.False(t, r.JoinLock().Held("a"))
	assert.Zero(t, r.JoinLock().Len())

	_, err = r.JoinRoom(context.Background(), "a", JoinRequest{Capacity: 5})
	assert.ErrorIs(t, err, ErrInvalidCapacity)
	assert.False(t, r.JoinLock().Held("a"))
}

func TestRoomRegistry_ConcurrentMatchmaking(t *testing.T) {
	r := createTestRegistry()
	const n = 40

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.JoinRoom(context.Background(), fmt.Sprintf("c%d", i), JoinRequest{Capacity: 2})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seated := 0
	for _, room := range r.Snapshot() {
		players := room.Players()
		assert.LessOrEqual(t, len(players), 2)
		seated += len(players)
	}
	assert.Equal(t, n, seated)
}

func TestRoomRegistry_RosterRebind(t *testing.T) {
	r := createTestRegistry()
	room, err := r.Create(context.Background(), RoomOptions{
		Capacity: 2,
		Kind:     RoomTournamentMatch,
		Roster:   map[string]PaddleSide{"alice": SideC, "bob": SideA},
	})
	require.NoError(t, err)

	res, err := r.Join("c1", room.ID, JoinOptions{Key: "alice"})
	require.NoError(t, err)
	assert.Equal(t, SideC, res.Side)

	_, err = r.Join("c2", room.ID, JoinOptions{Key: "mallory"})
	assert.ErrorIs(t, err, ErrTournamentLocked)

	// Same participant on a new connection takes over the seat.
	res, err = r.Join("c3", room.ID, JoinOptions{Key: "alice"})
	require.NoError(t, err)
	assert.Equal(t, SideC, res.Side)
	assert.Equal(t, "c1", res.Replaced)
	assert.Nil(t, r.RoomOf("c1"))
	assert.Equal(t, room, r.RoomOf("c3"))
	assert.Equal(t, []string{"c3"}, room.Players())
	assert.False(t, room.Running())

	res, err = r.Join("c4", room.ID, JoinOptions{Key: "bob"})
	require.NoError(t, err)
	assert.Equal(t, SideA, res.Side)
	assert.True(t, res.Started)
}

func TestJoinLock(t *testing.T) {
	l := NewJoinLock()

	release, ok := l.TryAcquire("a")
	require.True(t, ok)
	assert.True(t, l.Held("a"))

	_, ok = l.TryAcquire("a")
	assert.False(t, ok)

	other, ok := l.TryAcquire("b")
	require.True(t, ok)
	assert.Equal(t, 2, l.Len())

	release()
	release()
	assert.False(t, l.Held("a"))
	assert.True(t, l.Held("b"))

	// A stale release must not free a newer holder.
	again, ok := l.TryAcquire("a")
	require.True(t, ok)
	release()
	assert.True(t, l.Held("a"))

	again()
	other()
	assert.Zero(t, l.Len())
}
