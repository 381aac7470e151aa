package server

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/vctt94/pongarena/ponggame"
)

// Inbound message types.
const (
	msgJoinRoom      = "joinRoom"
	msgInput         = "input"
	msgLeaveAllRooms = "leaveAllRooms"
)

const codeBadRequest = "BAD_REQUEST"

var errBadMessage = errors.New("malformed message")

type joinRoomMsg struct {
	Capacity     int    `json:"capacity" validate:"omitempty,oneof=2 4"`
	IsLocal      bool   `json:"isLocal"`
	IsTournament bool   `json:"isTournament"`
	RoomName     string `json:"roomName" validate:"omitempty,max=64,printascii"`
	IsSpectator  bool   `json:"isSpectator"`
	Alias        string `json:"alias" validate:"omitempty,max=32"`
}

func (m joinRoomMsg) request() ponggame.JoinRequest {
	capacity := m.Capacity
	if capacity == 0 {
		capacity = 2
	}
	return ponggame.JoinRequest{
		Capacity:  capacity,
		Local:     m.IsLocal,
		Tourney:   m.IsTournament,
		RoomName:  m.RoomName,
		Spectator: m.IsSpectator,
		Alias:     m.Alias,
	}
}

type inputMsg struct {
	Type      string `json:"type" validate:"required,oneof=keydown keyup"`
	Player    string `json:"player" validate:"required,oneof=A B C D a b c d left right"`
	Direction string `json:"direction" validate:"required,oneof=up down"`
}

// decode maps the message to a paddle side, a direction and whether the key
// is down.
func (m inputMsg) decode() (ponggame.PaddleSide, ponggame.Direction, bool, error) {
	side, ok := ponggame.ParseSide(m.Player)
	if !ok {
		return "", ponggame.DirNone, false, fmt.Errorf("%w: unknown paddle %q", errBadMessage, m.Player)
	}
	dir := ponggame.DirDown
	if m.Direction == "up" {
		dir = ponggame.DirUp
	}
	return side, dir, m.Type == "keydown", nil
}

func errUnknownType(typ string) error {
	return fmt.Errorf("%w: unknown type %q", errBadMessage, typ)
}

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// validationError flattens validator errors into one message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Errorf("%w: field %s failed %s", errBadMessage, fe.Field(), fe.Tag())
	}
	return fmt.Errorf("%w: %v", errBadMessage, err)
}

func badRequestEvent(err error) ponggame.Event {
	return ponggame.Event{
		Type: ponggame.EventError,
		Data: ponggame.ErrorPayload{Error: err.Error(), Code: codeBadRequest},
	}
}
