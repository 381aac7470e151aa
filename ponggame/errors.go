package ponggame

import "errors"

var (
	ErrRoomNotFound            = errors.New("room not found")
	ErrRoomFull                = errors.New("room is full")
	ErrJoinInProgress          = errors.New("join already in progress")
	ErrTournamentLocked        = errors.New("tournament already started")
	ErrTournamentIsolation     = errors.New("cannot mix tournament and regular rooms")
	ErrInvalidPaddleAssignment = errors.New("paddle not assigned to sender")
	ErrWinnerNotInMatch        = errors.New("winner is not part of the match")
	ErrNotInRoom               = errors.New("not in a room")
	ErrAlreadyInRoom           = errors.New("already in a room")
	ErrPhase                   = errors.New("invalid tournament phase")
	ErrInvalidCapacity         = errors.New("capacity must be 2 or 4")
	ErrUnknownConnection       = errors.New("unknown connection")

	// errAwaitingMatch marks a participant with no match room to go to yet.
	errAwaitingMatch = errors.New("awaiting next match")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	case errors.Is(err, ErrRoomFull):
		return "ROOM_FULL"
	case errors.Is(err, ErrJoinInProgress):
		return "JOIN_IN_PROGRESS"
	case errors.Is(err, ErrTournamentLocked):
		return "TOURNAMENT_LOCKED"
	case errors.Is(err, ErrTournamentIsolation):
		return "TOURNAMENT_ISOLATION"
	case errors.Is(err, ErrInvalidPaddleAssignment):
		return "INVALID_PADDLE"
	case errors.Is(err, ErrWinnerNotInMatch):
		return "WINNER_NOT_IN_MATCH"
	case errors.Is(err, ErrNotInRoom):
		return "NOT_IN_ROOM"
	case errors.Is(err, ErrAlreadyInRoom):
		return "ALREADY_IN_ROOM"
	case errors.Is(err, ErrPhase):
		return "TOURNAMENT_PHASE"
	case errors.Is(err, ErrInvalidCapacity):
		return "INVALID_CAPACITY"
	}
	return "INTERNAL"
}
