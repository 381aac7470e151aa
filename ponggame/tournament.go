package ponggame

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

type TournamentPhase string

const (
	PhaseWaiting      TournamentPhase = "waiting"
	PhaseSemifinals   TournamentPhase = "semifinals"
	PhaseWaitingFinal TournamentPhase = "waiting_final"
	PhaseFinal        TournamentPhase = "final"
	PhaseCompleted    TournamentPhase = "completed"
)

var phaseOrder = []TournamentPhase{
	PhaseWaiting,
	PhaseSemifinals,
	PhaseWaitingFinal,
	PhaseFinal,
	PhaseCompleted,
}

func (p TournamentPhase) index() int {
	for i, q := range phaseOrder {
		if p == q {
			return i
		}
	}
	return -1
}

// TournamentSize is the number of participants in a bracket.
const TournamentSize = 4

type BracketStage string

const (
	StageSemifinal BracketStage = "semifinal"
	StageFinal     BracketStage = "final"
)

// Participant is a bracket entrant. Key is stable for the whole tournament;
// Conn is whichever connection currently plays for it.
type Participant struct {
	Key       string `json:"key"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Conn      string `json:"-"`
	Forfeited bool   `json:"forfeited"`
}

// BracketMatch is one node of the bracket. Players[0] plays paddle A and
// Players[1] paddle C.
type BracketMatch struct {
	Stage       BracketStage `json:"stage"`
	Index       int          `json:"index"`
	RoomID      string       `json:"roomId,omitempty"`
	Players     [2]string    `json:"players"`
	Winner      string       `json:"winner,omitempty"`
	Loser       string       `json:"loser,omitempty"`
	WinnerScore int          `json:"winnerScore"`
	LoserScore  int          `json:"loserScore"`
	Walkover    bool         `json:"walkover"`
	Done        bool         `json:"done"`
}

// Roster maps the match players to their paddles.
func (m BracketMatch) Roster() map[string]PaddleSide {
	return map[string]PaddleSide{
		m.Players[0]: SideA,
		m.Players[1]: SideC,
	}
}

func (m BracketMatch) has(key string) bool {
	return key != "" && (m.Players[0] == key || m.Players[1] == key)
}

func (m BracketMatch) opponent(key string) string {
	if m.Players[0] == key {
		return m.Players[1]
	}
	return m.Players[0]
}

// Advance reports what a tournament operation changed.
type Advance struct {
	// Decided lists the matches settled by this call, in order.
	Decided []BracketMatch
	Phase   TournamentPhase
	// FinalReady is set when both finalists are known and the final needs a
	// room.
	FinalReady bool
	Final      BracketMatch
	Champion   string
	// Freed is set when a waiting participant gave up its slot.
	Freed bool
}

// TournamentSnapshot is the public view of a tournament.
type TournamentSnapshot struct {
	ID           string            `json:"id"`
	LobbyRoomID  string            `json:"lobbyRoomId"`
	Phase        TournamentPhase   `json:"phase"`
	History      []TournamentPhase `json:"history"`
	Participants []Participant     `json:"participants"`
	Semifinals   []BracketMatch    `json:"semifinals,omitempty"`
	Final        *BracketMatch     `json:"final,omitempty"`
	Champion     string            `json:"champion,omitempty"`
	Created      time.Time         `json:"created"`
}

// Tournament is a four player single elimination bracket. It only keeps
// bookkeeping; rooms are created and torn down by the caller. Tournament
// methods never lock rooms.
type Tournament struct {
	mu sync.Mutex

	ID          string
	LobbyRoomID string
	Created     time.Time

	phase        TournamentPhase
	history      []TournamentPhase
	participants []*Participant
	semis        [2]*BracketMatch
	final        *BracketMatch
	champion     string

	rng *rand.Rand
}

func NewTournament(id, lobbyRoomID string, rng *rand.Rand) *Tournament {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Tournament{
		ID:          id,
		LobbyRoomID: lobbyRoomID,
		Created:     time.Now(),
		phase:       PhaseWaiting,
		history:     []TournamentPhase{PhaseWaiting},
		rng:         rng,
	}
}

func (t *Tournament) Phase() TournamentPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

// History returns every phase visited, in order.
func (t *Tournament) History() []TournamentPhase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TournamentPhase(nil), t.history...)
}

func (t *Tournament) setPhaseLocked(next TournamentPhase) error {
	cur, n := t.phase.index(), next.index()
	if n != cur+1 {
		return fmt.Errorf("%w: %s -> %s", ErrPhase, t.phase, next)
	}
	t.phase = next
	t.history = append(t.history, next)
	return nil
}

func (t *Tournament) participantLocked(key string) *Participant {
	for _, p := range t.participants {
		if p.Key == key {
			return p
		}
	}
	return nil
}

// Register adds a participant while the bracket is waiting. Registering a
// known key again only rebinds its connection. full reports whether the
// bracket now has every participant.
func (t *Tournament) Register(key, conn string, id *Identity) (full bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p := t.participantLocked(key); p != nil {
		p.Conn = conn
		return len(t.participants) == TournamentSize, nil
	}
	if t.phase != PhaseWaiting {
		return false, fmt.Errorf("%w: %s", ErrTournamentLocked, t.ID)
	}
	if len(t.participants) >= TournamentSize {
		return false, fmt.Errorf("%w: tournament %s", ErrRoomFull, t.ID)
	}
	p := &Participant{Key: key, Conn: conn}
	if id != nil {
		p.UserID, p.Username = id.UserID, id.Username
	}
	t.participants = append(t.participants, p)
	return len(t.participants) == TournamentSize, nil
}

// Admits reports whether key may enter the lobby: anyone while waiting,
// afterwards only bracket participants.
func (t *Tournament) Admits(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase == PhaseWaiting {
		return true
	}
	return t.participantLocked(key) != nil
}

// Participants returns a copy of the entrants in registration order.
func (t *Tournament) Participants() []Participant {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, *p)
	}
	return out
}

// Conn returns the current connection of key.
func (t *Tournament) Conn(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.participantLocked(key)
	if p == nil || p.Conn == "" {
		return "", false
	}
	return p.Conn, true
}

// KeyOf returns the participant currently bound to conn.
func (t *Tournament) KeyOf(conn string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.participants {
		if p.Conn == conn {
			return p.Key, true
		}
	}
	return "", false
}

// Rebind points key at a new connection and returns the previous one.
func (t *Tournament) Rebind(key, conn string) (old string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.participantLocked(key)
	if p == nil {
		return "", fmt.Errorf("%w: %s is not in tournament %s", ErrUnknownConnection, key, t.ID)
	}
	old, p.Conn = p.Conn, conn
	return old, nil
}

// Detach clears the connection of key without forfeiting.
func (t *Tournament) Detach(key, conn string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p := t.participantLocked(key); p != nil && p.Conn == conn {
		p.Conn = ""
	}
}

// Active reports whether key is still playing: registered, not eliminated
// and the bracket not completed.
func (t *Tournament) Active(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.participantLocked(key)
	if p == nil || p.Forfeited || t.phase == PhaseCompleted {
		return false
	}
	for _, m := range t.matchesLocked() {
		if m.Done && m.Loser == key {
			return false
		}
	}
	return true
}

// CurrentMatch returns the undecided match key plays in, if it has a room.
func (t *Tournament) CurrentMatch(key string) (BracketMatch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.matchesLocked() {
		if m.has(key) && !m.Done && m.RoomID != "" {
			return *m, true
		}
	}
	return BracketMatch{}, false
}

// MatchByRoom returns the match played in roomID.
func (t *Tournament) MatchByRoom(roomID string) (BracketMatch, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m := t.matchByRoomLocked(roomID); m != nil {
		return *m, true
	}
	return BracketMatch{}, false
}

func (t *Tournament) matchByRoomLocked(roomID string) *BracketMatch {
	for _, m := range t.matchesLocked() {
		if m.RoomID == roomID {
			return m
		}
	}
	return nil
}

func (t *Tournament) matchesLocked() []*BracketMatch {
	out := make([]*BracketMatch, 0, 3)
	for _, m := range t.semis {
		if m != nil {
			out = append(out, m)
		}
	}
	if t.final != nil {
		out = append(out, t.final)
	}
	return out
}

// StartSemifinals shuffles the four participants into two semifinals.
func (t *Tournament) StartSemifinals() ([2]BracketMatch, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.phase != PhaseWaiting {
		return [2]BracketMatch{}, fmt.Errorf("%w: semifinals from %s", ErrPhase, t.phase)
	}
	if len(t.participants) != TournamentSize {
		return [2]BracketMatch{}, fmt.Errorf("%w: %d of %d participants",
			ErrPhase, len(t.participants), TournamentSize)
	}

	keys := make([]string, 0, TournamentSize)
	for _, p := range t.participants {
		keys = append(keys, p.Key)
	}
	t.rng.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })

	var out [2]BracketMatch
	for i := range t.semis {
		t.semis[i] = &BracketMatch{
			Stage:   StageSemifinal,
			Index:   i,
			Players: [2]string{keys[2*i], keys[2*i+1]},
		}
		out[i] = *t.semis[i]
	}
	if err := t.setPhaseLocked(PhaseSemifinals); err != nil {
		return [2]BracketMatch{}, err
	}
	return out, nil
}

// BindSemifinal records the room a semifinal is played in.
func (t *Tournament) BindSemifinal(index int, roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if index < 0 || index > 1 || t.semis[index] == nil {
		return fmt.Errorf("%w: no semifinal %d", ErrPhase, index)
	}
	t.semis[index].RoomID = roomID
	return nil
}

// BindFinal records the room the final is played in.
func (t *Tournament) BindFinal(roomID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.final == nil {
		return fmt.Errorf("%w: no final in %s", ErrPhase, t.phase)
	}
	t.final.RoomID = roomID
	return nil
}

// StartFinal enters the final phase once both finalists joined its room.
func (t *Tournament) StartFinal() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.phase != PhaseWaitingFinal || t.final == nil || t.final.RoomID == "" {
		return fmt.Errorf("%w: final from %s", ErrPhase, t.phase)
	}
	return t.setPhaseLocked(PhaseFinal)
}

// IsFinalRoom reports whether roomID hosts the final.
func (t *Tournament) IsFinalRoom(roomID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final != nil && roomID != "" && t.final.RoomID == roomID
}

// ReportResult settles the match played in roomID.
func (t *Tournament) ReportResult(roomID, winner string, winnerScore, loserScore int) (Advance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	m := t.matchByRoomLocked(roomID)
	if m == nil {
		return Advance{}, fmt.Errorf("%w: %s in tournament %s", ErrRoomNotFound, roomID, t.ID)
	}
	if !m.has(winner) {
		return Advance{}, fmt.Errorf("%w: %s in %s", ErrWinnerNotInMatch, winner, roomID)
	}
	if m.Done {
		return Advance{}, fmt.Errorf("%w: match %s already decided", ErrPhase, roomID)
	}
	var adv Advance
	if err := t.decideLocked(m, winner, winnerScore, loserScore, false, &adv); err != nil {
		return Advance{}, err
	}
	t.fillAdvanceLocked(&adv)
	return adv, nil
}

// Forfeit withdraws key. While waiting the slot is freed. Later the
// opponent of key's current or upcoming match wins by walkover.
func (t *Tournament) Forfeit(key string) (Advance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.participantLocked(key)
	if p == nil {
		return Advance{}, fmt.Errorf("%w: %s is not in tournament %s", ErrUnknownConnection, key, t.ID)
	}

	var adv Advance
	switch t.phase {
	case PhaseWaiting:
		for i, q := range t.participants {
			if q == p {
				t.participants = append(t.participants[:i], t.participants[i+1:]...)
				break
			}
		}
		adv.Freed = true

	case PhaseSemifinals, PhaseWaitingFinal, PhaseFinal:
		if p.Forfeited {
			break
		}
		p.Forfeited = true
		for _, m := range t.matchesLocked() {
			if !m.has(key) || m.Done {
				continue
			}
			if err := t.decideLocked(m, m.opponent(key), 0, 0, true, &adv); err != nil {
				return Advance{}, err
			}
			break
		}
		// A semifinal winner waiting for the other semifinal loses the
		// final by walkover once it is formed.
	}
	t.fillAdvanceLocked(&adv)
	return adv, nil
}

// decideLocked settles m and advances the phase, cascading into a walkover
// final when a finalist already forfeited.
func (t *Tournament) decideLocked(m *BracketMatch, winner string, ws, ls int, walkover bool, adv *Advance) error {
	m.Done = true
	m.Winner = winner
	m.Loser = m.opponent(winner)
	m.WinnerScore, m.LoserScore = ws, ls
	m.Walkover = walkover
	adv.Decided = append(adv.Decided, *m)

	switch m.Stage {
	case StageSemifinal:
		if t.semis[0] == nil || t.semis[1] == nil || !t.semis[0].Done || !t.semis[1].Done {
			return nil
		}
		if err := t.setPhaseLocked(PhaseWaitingFinal); err != nil {
			return err
		}
		t.final = &BracketMatch{
			Stage:   StageFinal,
			Players: [2]string{t.semis[0].Winner, t.semis[1].Winner},
		}
		return t.walkoverFinalLocked(adv)

	case StageFinal:
		if t.phase == PhaseWaitingFinal {
			if err := t.setPhaseLocked(PhaseFinal); err != nil {
				return err
			}
		}
		t.champion = winner
		return t.setPhaseLocked(PhaseCompleted)
	}
	return nil
}

// walkoverFinalLocked decides the final without play when a finalist has
// forfeited. With both gone the first finalist is credited.
func (t *Tournament) walkoverFinalLocked(adv *Advance) error {
	f := t.final
	var gone []string
	for _, k := range f.Players {
		if p := t.participantLocked(k); p != nil && p.Forfeited {
			gone = append(gone, k)
		}
	}
	switch len(gone) {
	case 0:
		return nil
	case 1:
		return t.decideLocked(f, f.opponent(gone[0]), 0, 0, true, adv)
	default:
		return t.decideLocked(f, f.Players[0], 0, 0, true, adv)
	}
}

func (t *Tournament) fillAdvanceLocked(adv *Advance) {
	adv.Phase = t.phase
	adv.Champion = t.champion
	if t.phase == PhaseWaitingFinal && t.final != nil && !t.final.Done {
		adv.FinalReady = true
		adv.Final = *t.final
	}
}

// Champion returns the winner of the final, if decided.
func (t *Tournament) Champion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.champion
}

func (t *Tournament) Snapshot() TournamentSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := TournamentSnapshot{
		ID:          t.ID,
		LobbyRoomID: t.LobbyRoomID,
		Phase:       t.phase,
		History:     append([]TournamentPhase(nil), t.history...),
		Champion:    t.champion,
		Created:     t.Created,
	}
	for _, p := range t.participants {
		s.Participants = append(s.Participants, *p)
	}
	for _, m := range t.semis {
		if m != nil {
			s.Semifinals = append(s.Semifinals, *m)
		}
	}
	if t.final != nil {
		f := *t.final
		s.Final = &f
	}
	return s
}

// Connections returns the current connection of every participant that has
// one.
func (t *Tournament) Connections() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.participants))
	for _, p := range t.participants {
		if p.Conn != "" {
			out = append(out, p.Conn)
		}
	}
	return out
}
