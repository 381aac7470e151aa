package ponggame

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/slog"
)

// RoomOptions describes a room to find or create.
type RoomOptions struct {
	Capacity int
	Kind     RoomKind
	// Name forces the room id instead of allocating one.
	Name string
	// Roster pins participant keys to paddles (tournament matches).
	Roster     map[string]PaddleSide
	Tournament *Tournament
	// OnCreate runs under the registry lock right after a new room is
	// inserted. It must not call back into the registry.
	OnCreate func(room *SessionRoom)
}

// JoinRequest is a client join: either a named room or matchmaking by
// capacity, locality and kind.
type JoinRequest struct {
	Capacity  int
	Local     bool
	Tourney   bool
	RoomName  string
	Spectator bool
	Alias     string
	Key       string
	OnCreate  func(room *SessionRoom)
}

func (req JoinRequest) roomOptions() RoomOptions {
	kind := RoomRanked
	switch {
	case req.Local:
		kind = RoomLocal
	case req.Tourney:
		kind = RoomTournamentLobby
	}
	return RoomOptions{Capacity: req.Capacity, Kind: kind, OnCreate: req.OnCreate}
}

// JoinResult is a successful join.
type JoinResult struct {
	Room    *SessionRoom
	Side    PaddleSide
	Sides   []PaddleSide
	Started bool
	// Replaced is the previous connection of a participant that rejoined
	// its tournament match.
	Replaced string
	// Tournament is set instead of Room when a participant between matches
	// was rebound to the connection.
	Tournament *Tournament
}

// LeaveResult describes what a leave did to the room.
type LeaveResult struct {
	RoomID     string
	Kind       RoomKind
	Tournament *Tournament
	Seat       Seat
	Spectator  bool
	WasRunning bool
	Deleted    bool
	// Evicted are the other connections removed because the room was torn
	// down, and Remaining their seats.
	Evicted   []string
	Remaining []Seat
}

// RoomRegistry is the process wide set of rooms. All mutation of the room
// map goes through its methods.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]*SessionRoom
	byConn map[string]string
	seq    uint64

	cfg   Config
	joins *JoinLock
	namer RoomNamer
	clock func() time.Time

	log slog.Logger
}

func NewRoomRegistry(cfg Config, log slog.Logger) *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]*SessionRoom),
		byConn: make(map[string]string),
		cfg:    cfg,
		joins:  NewJoinLock(),
		clock:  time.Now,
		log:    log,
	}
}

// SetNamer makes new rooms take their names from an external allocator.
func (r *RoomRegistry) SetNamer(n RoomNamer) *RoomRegistry {
	r.namer = n
	return r
}

// SetClock sets the time source handed to new engines.
func (r *RoomRegistry) SetClock(now func() time.Time) *RoomRegistry {
	r.clock = now
	return r
}

// JoinLock exposes the in-flight join set.
func (r *RoomRegistry) JoinLock() *JoinLock { return r.joins }

// FindOrCreate returns the first non-full room, in creation order, matching
// the capacity and kind of opts, creating one when none fits.
func (r *RoomRegistry) FindOrCreate(ctx context.Context, opts RoomOptions) (string, error) {
	if _, err := ModeFor(opts.Capacity); err != nil {
		return "", err
	}
	if room := r.findOpen(opts); room != nil {
		return room.ID, nil
	}
	room, err := r.Create(ctx, opts)
	if err != nil {
		return "", err
	}
	return room.ID, nil
}

func (r *RoomRegistry) findOpen(opts RoomOptions) *SessionRoom {
	if opts.Kind == "" {
		opts.Kind = RoomRanked
	}
	for _, room := range r.Snapshot() {
		if room.Capacity != opts.Capacity || room.Kind != opts.Kind || room.Full() {
			continue
		}
		if room.Kind == RoomTournamentLobby {
			t := room.Tournament()
			if t == nil || t.Phase() != PhaseWaiting {
				continue
			}
		}
		return room
	}
	return nil
}

// Create allocates a new room. When a namer is configured the name is
// requested from it before the registry lock is taken.
func (r *RoomRegistry) Create(ctx context.Context, opts RoomOptions) (*SessionRoom, error) {
	mode, err := ModeFor(opts.Capacity)
	if err != nil {
		return nil, err
	}
	if opts.Kind == "" {
		opts.Kind = RoomRanked
	}

	name := opts.Name
	if name == "" && r.namer != nil {
		name, err = r.namer.CreateRoom(ctx, opts.Capacity)
		if err != nil {
			return nil, fmt.Errorf("failed to name room externally: %w", err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	if name == "" {
		name = fmt.Sprintf("room-%d", r.seq)
	}
	if _, exists := r.rooms[name]; exists {
		if opts.Name != "" {
			return nil, fmt.Errorf("room %s already exists", name)
		}
		name = fmt.Sprintf("%s-%d", name, r.seq)
	}

	var game *PongGame
	if opts.Kind != RoomTournamentLobby {
		game = NewPongGame(mode, r.cfg).SetLogger(r.log).SetClock(r.clock)
	}
	room := newSessionRoom(name, opts.Capacity, opts.Kind, game)
	room.seq = r.seq
	room.roster = opts.Roster
	room.tournament = opts.Tournament
	r.rooms[name] = room

	if opts.OnCreate != nil {
		opts.OnCreate(room)
	}
	r.log.Debugf("Room %s created (kind=%s capacity=%d). Total rooms: %d",
		name, opts.Kind, opts.Capacity, len(r.rooms))
	return room, nil
}

// Join seats conn in roomID.
func (r *RoomRegistry) Join(conn, roomID string, opts JoinOptions) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if cur, ok := r.byConn[conn]; ok {
		return JoinResult{}, fmt.Errorf("%w: %s is in %s", ErrAlreadyInRoom, conn, cur)
	}

	jr, err := room.join(conn, opts)
	if err != nil {
		return JoinResult{}, err
	}
	if jr.replaced != "" {
		delete(r.byConn, jr.replaced)
	}
	r.byConn[conn] = roomID

	return JoinResult{
		Room:     room,
		Side:     jr.side,
		Sides:    room.Sides(conn),
		Started:  jr.started,
		Replaced: jr.replaced,
	}, nil
}

// JoinRoom is the client join path. Joins for one connection are serialized
// through the JoinLock: a concurrent second join fails with
// ErrJoinInProgress.
func (r *RoomRegistry) JoinRoom(ctx context.Context, conn string, req JoinRequest) (JoinResult, error) {
	release, ok := r.joins.TryAcquire(conn)
	if !ok {
		return JoinResult{}, fmt.Errorf("%w: %s", ErrJoinInProgress, conn)
	}
	defer release()
	return r.joinRoomHeld(ctx, conn, req)
}

// joinRoomHeld is JoinRoom for callers already holding the JoinLock of
// conn.
func (r *RoomRegistry) joinRoomHeld(ctx context.Context, conn string, req JoinRequest) (JoinResult, error) {
	opts := JoinOptions{Key: req.Key, Alias: req.Alias, Spectator: req.Spectator}
	if opts.Key == "" {
		opts.Key = conn
	}
	if req.RoomName != "" {
		return r.Join(conn, req.RoomName, opts)
	}
	if req.Spectator {
		return JoinResult{}, fmt.Errorf("%w: spectators must name a room", ErrRoomNotFound)
	}

	if _, err := ModeFor(req.Capacity); err != nil {
		return JoinResult{}, err
	}
	ropts := req.roomOptions()
	for attempt := 0; attempt < maxJoinAttempts; attempt++ {
		room := r.findOpen(ropts)
		if room == nil {
			break
		}
		res, err := r.Join(conn, room.ID, opts)
		if errors.Is(err, ErrRoomFull) || errors.Is(err, ErrRoomNotFound) || errors.Is(err, ErrTournamentLocked) {
			// Lost a race for the last slot; look again.
			continue
		}
		return res, err
	}
	return r.createAndJoin(ctx, conn, ropts, opts)
}

// createAndJoin creates a room and seats conn before anyone else can see
// it.
func (r *RoomRegistry) createAndJoin(ctx context.Context, conn string, ropts RoomOptions, opts JoinOptions) (JoinResult, error) {
	var (
		jr   joinResult
		jerr error
	)
	onCreate := ropts.OnCreate
	ropts.OnCreate = func(room *SessionRoom) {
		if onCreate != nil {
			onCreate(room)
		}
		if cur, ok := r.byConn[conn]; ok {
			jerr = fmt.Errorf("%w: %s is in %s", ErrAlreadyInRoom, conn, cur)
			return
		}
		jr, jerr = room.join(conn, opts)
		if jerr == nil {
			r.byConn[conn] = room.ID
		}
	}
	room, err := r.Create(ctx, ropts)
	if err != nil {
		return JoinResult{}, err
	}
	if jerr != nil {
		r.Delete(room.ID)
		return JoinResult{}, jerr
	}
	return JoinResult{
		Room:    room,
		Side:    jr.side,
		Sides:   room.Sides(conn),
		Started: jr.started,
	}, nil
}

// Leave removes conn from its room. Empty rooms, local rooms and rooms whose
// match was running are torn down.
func (r *RoomRegistry) Leave(conn string) LeaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byConn[conn]
	if !ok {
		return LeaveResult{}
	}
	delete(r.byConn, conn)
	room := r.rooms[id]
	if room == nil {
		return LeaveResult{}
	}

	lr := room.leave(conn)
	res := LeaveResult{
		RoomID:     id,
		Kind:       room.Kind,
		Tournament: room.Tournament(),
		Seat:       lr.seat,
		Spectator:  lr.spectator,
		WasRunning: lr.wasRunning,
	}

	switch {
	case lr.spectator:
	case lr.wasRunning, room.Local():
		res.Remaining = room.Seats()
		res.Evicted = r.deleteLocked(id)
		res.Deleted = true
		return res
	}
	if room.empty() {
		r.deleteLocked(id)
		res.Deleted = true
	}
	return res
}

// Delete stops and removes a room, returning the connections it held.
func (r *RoomRegistry) Delete(roomID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(roomID)
}

func (r *RoomRegistry) deleteLocked(roomID string) []string {
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	conns := room.stop()
	for _, c := range conns {
		if r.byConn[c] == roomID {
			delete(r.byConn, c)
		}
	}
	delete(r.rooms, roomID)
	r.log.Debugf("Room %s removed. Total rooms: %d", roomID, len(r.rooms))
	return conns
}

func (r *RoomRegistry) Get(roomID string) *SessionRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[roomID]
}

// RoomOf returns the room conn is in, or nil.
func (r *RoomRegistry) RoomOf(conn string) *SessionRoom {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn]
	if !ok {
		return nil
	}
	return r.rooms[id]
}

// Snapshot returns the rooms in creation order.
func (r *RoomRegistry) Snapshot() []*SessionRoom {
	r.mu.RLock()
	out := make([]*SessionRoom, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, room)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// List returns summaries of every room.
func (r *RoomRegistry) List() []RoomSummary {
	rooms := r.Snapshot()
	out := make([]RoomSummary, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, room.Summary())
	}
	return out
}

func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
