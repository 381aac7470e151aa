package ponggame

// EventType names an outbound message.
type EventType string

const (
	EventRoomJoined       EventType = "roomJoined"
	EventGameState        EventType = "gameState"
	EventMatchEnded       EventType = "matchEnded"
	EventRoomLeft         EventType = "roomLeft"
	EventTournamentUpdate EventType = "tournamentUpdate"
	EventError            EventType = "error"
)

// Event is one outbound message. Data holds one of the payload types below
// or a MatchState.
type Event struct {
	Type EventType   `json:"type" msgpack:"type"`
	Data interface{} `json:"data" msgpack:"data"`
}

type RoomJoined struct {
	Room         string       `json:"room" msgpack:"room"`
	Kind         RoomKind     `json:"kind" msgpack:"kind"`
	Players      int          `json:"players" msgpack:"players"`
	MaxPlayers   int          `json:"maxPlayers" msgpack:"maxPlayers"`
	Paddle       PaddleSide   `json:"paddle" msgpack:"paddle"`
	Paddles      []PaddleSide `json:"paddles,omitempty" msgpack:"paddles,omitempty"`
	TournamentID string       `json:"tournamentId,omitempty" msgpack:"tournamentId,omitempty"`
}

type MatchEnded struct {
	Room        string     `json:"room" msgpack:"room"`
	Winner      PaddleSide `json:"winner" msgpack:"winner"`
	WinnerScore int        `json:"winnerScore" msgpack:"winnerScore"`
	Loser       PaddleSide `json:"loser" msgpack:"loser"`
	LoserScore  int        `json:"loserScore" msgpack:"loserScore"`
	Walkover    bool       `json:"walkover" msgpack:"walkover"`
}

// Reasons carried by RoomLeft.
const (
	ReasonLeft         = "left"
	ReasonMatchEnded   = "match_ended"
	ReasonAbandoned    = "abandoned"
	ReasonMoved        = "moved"
	ReasonReplaced     = "replaced"
	ReasonShuttingDown = "shutdown"
)

type RoomLeft struct {
	Room   string `json:"room" msgpack:"room"`
	Reason string `json:"reason" msgpack:"reason"`
}

type ErrorPayload struct {
	Error string `json:"error" msgpack:"error"`
	Code  string `json:"code,omitempty" msgpack:"code,omitempty"`
}

// ErrorEvent builds the error event sent for a rejected operation.
func ErrorEvent(err error) Event {
	return Event{Type: EventError, Data: ErrorPayload{Error: err.Error(), Code: ErrorCode(err)}}
}
