package ponggame

import (
	"fmt"
	"sync"
	"time"
)

type inputFlags struct {
	up, down bool
}

// Seat is one occupied paddle of a room.
type Seat struct {
	Conn  string     `json:"conn"`
	Key   string     `json:"key"`
	Alias string     `json:"alias,omitempty"`
	Side  PaddleSide `json:"side"`
}

// RoomSummary is the public view of a room.
type RoomSummary struct {
	ID           string   `json:"id"`
	Kind         RoomKind `json:"kind"`
	Capacity     int      `json:"maxPlayers"`
	Players      int      `json:"players"`
	Spectators   int      `json:"spectators"`
	Running      bool     `json:"running"`
	TournamentID string   `json:"tournamentId,omitempty"`
}

// JoinOptions describes who is joining a room.
type JoinOptions struct {
	// Key is the stable participant identity: the authenticated user id, or
	// the connection id for guests.
	Key       string
	Alias     string
	Spectator bool
}

// SessionRoom is the mutable state of one match: who is connected, which
// paddle each connection drives, buffered input and the engine.
type SessionRoom struct {
	mu sync.Mutex

	ID       string
	Capacity int
	Kind     RoomKind
	Created  time.Time
	seq      uint64

	players    []string
	spectators []string
	paddles    map[string]PaddleSide
	keys       map[string]string
	aliases    map[string]string
	inputs     map[PaddleSide]*inputFlags

	// roster pins participant keys to sides in tournament matches.
	roster     map[string]PaddleSide
	tournament *Tournament

	// game is nil for tournament lobbies.
	game *PongGame
}

func newSessionRoom(id string, capacity int, kind RoomKind, game *PongGame) *SessionRoom {
	return &SessionRoom{
		ID:       id,
		Capacity: capacity,
		Kind:     kind,
		Created:  time.Now(),
		paddles:  make(map[string]PaddleSide),
		keys:     make(map[string]string),
		aliases:  make(map[string]string),
		inputs:   make(map[PaddleSide]*inputFlags),
		game:     game,
	}
}

func (r *SessionRoom) Local() bool { return r.Kind == RoomLocal }

// attach ties the room to a bracket.
func (r *SessionRoom) attach(t *Tournament) {
	r.mu.Lock()
	r.tournament = t
	r.mu.Unlock()
}

// Tournament returns the bracket this room belongs to, if any.
func (r *SessionRoom) Tournament() *Tournament {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tournament
}

// Players returns the participant connections in arrival order.
func (r *SessionRoom) Players() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.players...)
}

// Connections returns players followed by spectators.
func (r *SessionRoom) Connections() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectionsLocked()
}

func (r *SessionRoom) connectionsLocked() []string {
	out := make([]string, 0, len(r.players)+len(r.spectators))
	out = append(out, r.players...)
	return append(out, r.spectators...)
}

// Sides returns the paddles conn is allowed to drive.
func (r *SessionRoom) Sides(conn string) []PaddleSide {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sidesLocked(conn)
}

func (r *SessionRoom) sidesLocked(conn string) []PaddleSide {
	side, ok := r.paddles[conn]
	if !ok {
		return nil
	}
	if r.Local() && r.game != nil {
		return append([]PaddleSide(nil), r.game.mode.Sides()...)
	}
	return []PaddleSide{side}
}

// Seats returns the occupied paddles.
func (r *SessionRoom) Seats() []Seat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seatsLocked()
}

func (r *SessionRoom) seatsLocked() []Seat {
	seats := make([]Seat, 0, len(r.players))
	for _, c := range r.players {
		seats = append(seats, Seat{Conn: c, Key: r.keys[c], Alias: r.aliases[c], Side: r.paddles[c]})
	}
	return seats
}

func (r *SessionRoom) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.game != nil && r.game.Running()
}

// State returns a copy of the match state, or false for rooms without a
// match.
func (r *SessionRoom) State() (MatchState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.game == nil {
		return MatchState{}, false
	}
	return r.game.State(), true
}

func (r *SessionRoom) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fullLocked()
}

func (r *SessionRoom) fullLocked() bool {
	if r.Local() {
		return len(r.players) >= 1
	}
	return len(r.players) >= r.Capacity
}

func (r *SessionRoom) Summary() RoomSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := RoomSummary{
		ID:         r.ID,
		Kind:       r.Kind,
		Capacity:   r.Capacity,
		Players:    len(r.players),
		Spectators: len(r.spectators),
		Running:    r.game != nil && r.game.Running(),
	}
	if r.tournament != nil {
		s.TournamentID = r.tournament.ID
	}
	return s
}

// SetInput records a key press or release for side. The sender must own the
// paddle, or for local rooms be the connection that owns every paddle.
func (r *SessionRoom) SetInput(conn string, side PaddleSide, dir Direction, pressed bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	allowed := false
	for _, s := range r.sidesLocked(conn) {
		if s == side {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s does not drive %s in room %s", ErrInvalidPaddleAssignment, conn, side, r.ID)
	}

	f := r.inputs[side]
	if f == nil {
		f = &inputFlags{}
		r.inputs[side] = f
	}
	switch dir {
	case DirUp:
		f.up = pressed
	case DirDown:
		f.down = pressed
	}
	return nil
}

func (r *SessionRoom) applyInputsLocked() {
	for side, f := range r.inputs {
		switch {
		case f.up && !f.down:
			r.game.MovePaddle(side, DirUp)
		case f.down && !f.up:
			r.game.MovePaddle(side, DirDown)
		}
	}
}

// joinResult is what a successful room.join reports back to the registry.
type joinResult struct {
	side PaddleSide
	// started is set when this join filled the room and launched the match.
	started bool
	// replaced is the previous connection of a participant that rejoined.
	replaced string
}

// join seats conn.
func (r *SessionRoom) join(conn string, opts JoinOptions) (joinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if opts.Spectator {
		r.spectators = append(r.spectators, conn)
		return joinResult{side: SideSpectator}, nil
	}

	var side PaddleSide
	switch {
	case r.roster != nil:
		rs, ok := r.roster[opts.Key]
		if !ok {
			return joinResult{}, fmt.Errorf("%w: %s is not playing in %s", ErrTournamentLocked, opts.Key, r.ID)
		}
		// Same identity on a new connection takes over the seat.
		for _, c := range r.players {
			if r.keys[c] == opts.Key {
				r.replaceLocked(c, conn)
				return joinResult{side: rs, replaced: c}, nil
			}
		}
		side = rs
	case r.Kind == RoomTournamentLobby && r.tournament != nil && !r.tournament.Admits(opts.Key):
		return joinResult{}, fmt.Errorf("%w: %s", ErrTournamentLocked, r.ID)
	}

	if r.fullLocked() {
		return joinResult{}, fmt.Errorf("%w: %s", ErrRoomFull, r.ID)
	}

	if side == "" {
		side = r.nextSideLocked()
	}
	r.players = append(r.players, conn)
	r.paddles[conn] = side
	r.keys[conn] = opts.Key
	if opts.Alias != "" {
		r.aliases[conn] = opts.Alias
	}

	res := joinResult{side: side}
	if r.fullLocked() && r.game != nil && !r.game.Running() && !r.game.Finished() {
		r.game.Start()
		res.started = true
	}
	return res, nil
}

func (r *SessionRoom) nextSideLocked() PaddleSide {
	taken := make(map[PaddleSide]bool, len(r.paddles))
	for _, s := range r.paddles {
		taken[s] = true
	}
	for _, s := range sidesFor(r.Capacity) {
		if !taken[s] {
			return s
		}
	}
	return ""
}

func sidesFor(capacity int) []PaddleSide {
	if capacity == 2 {
		return twoPlayerSides
	}
	return fourPlayerSides
}

// leaveResult describes a removal from a room.
type leaveResult struct {
	seat       Seat
	found      bool
	spectator  bool
	wasRunning bool
}

// leave removes conn from the players or the spectators.
func (r *SessionRoom) leave(conn string) leaveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	res := leaveResult{wasRunning: r.game != nil && r.game.Running()}
	for i, c := range r.spectators {
		if c == conn {
			r.spectators = append(r.spectators[:i], r.spectators[i+1:]...)
			res.found, res.spectator = true, true
			return res
		}
	}
	for i, c := range r.players {
		if c == conn {
			r.players = append(r.players[:i], r.players[i+1:]...)
			res.found = true
			break
		}
	}
	if !res.found {
		return res
	}
	res.seat = Seat{Conn: conn, Key: r.keys[conn], Alias: r.aliases[conn], Side: r.paddles[conn]}
	if r.Local() {
		r.inputs = make(map[PaddleSide]*inputFlags)
	} else {
		delete(r.inputs, res.seat.Side)
	}
	delete(r.paddles, conn)
	delete(r.keys, conn)
	delete(r.aliases, conn)
	return res
}

func (r *SessionRoom) empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.players) == 0 && len(r.spectators) == 0
}

// stop halts the match and returns everyone still connected.
func (r *SessionRoom) stop() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.game != nil {
		r.game.Stop()
	}
	return r.connectionsLocked()
}

func (r *SessionRoom) replaceLocked(oldConn, newConn string) {
	for i, c := range r.players {
		if c == oldConn {
			r.players[i] = newConn
		}
	}
	if s, ok := r.paddles[oldConn]; ok {
		r.paddles[newConn] = s
		delete(r.paddles, oldConn)
	}
	if k, ok := r.keys[oldConn]; ok {
		r.keys[newConn] = k
		delete(r.keys, oldConn)
	}
	if a, ok := r.aliases[oldConn]; ok {
		r.aliases[newConn] = a
		delete(r.aliases, oldConn)
	}
}

// advance applies buffered input and steps the match once. A panic inside
// the step is recovered and the match is rolled back to its pre-step state.
// When the step finishes the match, seats are the players seated at that
// moment; a leave racing the teardown cannot change them.
func (r *SessionRoom) advance() (state MatchState, out StepOutcome, seats []Seat, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.game == nil || !r.game.Running() {
		return MatchState{}, StepOutcome{Kind: OutcomeIdle}, nil, nil
	}

	saved := r.game.save()
	defer func() {
		if p := recover(); p != nil {
			r.game.restore(saved)
			state = MatchState{}
			out = StepOutcome{Kind: OutcomeIdle}
			seats = nil
			err = fmt.Errorf("room %s: step panicked: %v", r.ID, p)
		}
	}()

	r.applyInputsLocked()
	out = r.game.Step()
	if out.Finished() {
		seats = r.seatsLocked()
	}
	return r.game.State(), out, seats, nil
}
