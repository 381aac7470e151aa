package ponggame

import (
	"sync"
)

// Session is one connected client. Outbound events go through Outbox, a
// bounded queue that drops the oldest event when the client falls behind.
type Session struct {
	sync.RWMutex

	ID       string
	Identity *Identity
	Outbox   chan Event

	closeOnce sync.Once
	closed    chan struct{}
	dropped   uint64
}

// Key is the stable participant key: the authenticated user id, or the
// connection id for guests.
func (s *Session) Key() string {
	s.RLock()
	defer s.RUnlock()
	if s.Identity != nil && s.Identity.UserID != "" {
		return s.Identity.UserID
	}
	return s.ID
}

// Authenticated reports whether the session carries a user identity.
func (s *Session) Authenticated() bool {
	s.RLock()
	defer s.RUnlock()
	return s.Identity != nil && s.Identity.UserID != ""
}

// Username returns the display name of the session.
func (s *Session) Username() string {
	s.RLock()
	defer s.RUnlock()
	if s.Identity != nil {
		return s.Identity.Username
	}
	return ""
}

// Enqueue queues ev without blocking. When the outbox is full the oldest
// event is discarded to make room. It returns false if the event was dropped
// or the session is closed.
func (s *Session) Enqueue(ev Event) bool {
	if s == nil {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.Outbox <- ev:
		return true
	default:
		// outbox full; drop the oldest one
		select {
		case <-s.Outbox:
			s.Lock()
			s.dropped++
			s.Unlock()
		default:
			// means the outbox was emptied in the meantime
		}

		select {
		case s.Outbox <- ev:
			return true
		default:
			return false
		}
	}
}

// Dropped returns how many events were discarded for this session.
func (s *Session) Dropped() uint64 {
	s.RLock()
	defer s.RUnlock()
	return s.dropped
}

// Done is closed when the session is removed.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.closed) })
}

// PlayerSessions is the set of connected clients keyed by connection id.
type PlayerSessions struct {
	sync.RWMutex
	Sessions map[string]*Session

	outboxSize int
}

func NewPlayerSessions(outboxSize int) *PlayerSessions {
	if outboxSize <= 0 {
		outboxSize = DEFAULT_OUTBOX_SIZE
	}
	return &PlayerSessions{
		Sessions:   make(map[string]*Session),
		outboxSize: outboxSize,
	}
}

// CreateSession registers conn, returning the existing session if there is
// one.
func (ps *PlayerSessions) CreateSession(conn string, id *Identity) *Session {
	ps.Lock()
	defer ps.Unlock()

	s := ps.Sessions[conn]
	if s == nil {
		s = &Session{
			ID:       conn,
			Identity: id,
			Outbox:   make(chan Event, ps.outboxSize),
			closed:   make(chan struct{}),
		}
		ps.Sessions[conn] = s
	}
	return s
}

func (ps *PlayerSessions) GetPlayer(conn string) *Session {
	ps.RLock()
	defer ps.RUnlock()
	return ps.Sessions[conn]
}

// RemovePlayer drops conn and closes its session.
func (ps *PlayerSessions) RemovePlayer(conn string) {
	ps.Lock()
	s := ps.Sessions[conn]
	delete(ps.Sessions, conn)
	ps.Unlock()
	if s != nil {
		s.close()
	}
}

// Send enqueues ev for each listed connection that is still connected.
func (ps *PlayerSessions) Send(conns []string, ev Event) {
	for _, c := range conns {
		ps.GetPlayer(c).Enqueue(ev)
	}
}

func (ps *PlayerSessions) Len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.Sessions)
}
