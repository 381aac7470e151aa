package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vctt94/pongarena/ponggame"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// handleWS upgrades a client to a websocket. The connection lives until the
// client goes away or the server shuts down; losing it is handled as a
// disconnect by the game manager.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	c, err := codecFor(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.identity.ResolveIdentity(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("Upgrade failed: %v", err)
		return
	}

	connID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s.activeConns.Store(connID, cancel)
	defer s.activeConns.Delete(connID)

	sess := s.gameManager.Connect(connID, id)
	s.log.Debugf("Client %s connected (codec %s)", connID, c.Name())

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.writeLoop(ctx, ws, sess, c)
	}()

	s.readLoop(ctx, ws, sess, c)

	cancel()
	<-done
	ws.Close()
	s.gameManager.Disconnect(connID)
	s.log.Debugf("Client %s disconnected", connID)
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, sess *ponggame.Session, c codec) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debugf("Client %s read error: %v", sess.ID, err)
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.handleMessage(ctx, sess, c, data)
	}
}

// handleMessage dispatches one inbound frame. Rejections go back to the
// sender as error events.
func (s *Server) handleMessage(ctx context.Context, sess *ponggame.Session, c codec, data []byte) {
	typ, decode, err := c.DecodeEnvelope(data)
	if err != nil {
		s.log.Debugf("Discarding malformed message from %s: %v", sess.ID, err)
		sess.Enqueue(badRequestEvent(errBadMessage))
		return
	}

	switch typ {
	case msgJoinRoom:
		var msg joinRoomMsg
		if err := s.decodeValid(decode, &msg); err != nil {
			sess.Enqueue(badRequestEvent(err))
			return
		}
		if _, err := s.gameManager.HandleJoin(ctx, sess.ID, msg.request()); err != nil {
			s.log.Debugf("Join by %s rejected: %v", sess.ID, err)
			sess.Enqueue(ponggame.ErrorEvent(err))
		}

	case msgInput:
		var msg inputMsg
		if err := s.decodeValid(decode, &msg); err != nil {
			sess.Enqueue(badRequestEvent(err))
			return
		}
		side, dir, pressed, err := msg.decode()
		if err != nil {
			sess.Enqueue(badRequestEvent(err))
			return
		}
		if err := s.gameManager.HandleInput(sess.ID, side, dir, pressed); err != nil {
			sess.Enqueue(ponggame.ErrorEvent(err))
		}

	case msgLeaveAllRooms:
		s.gameManager.HandleLeave(sess.ID)

	default:
		sess.Enqueue(badRequestEvent(errUnknownType(typ)))
	}
}

func (s *Server) decodeValid(decode func(v interface{}) error, v interface{}) error {
	if err := decode(v); err != nil {
		return errBadMessage
	}
	if err := s.validate.Struct(v); err != nil {
		return validationError(err)
	}
	return nil
}

// writeLoop is the only writer of ws.
func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, sess *ponggame.Session, c codec) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	write := func(ev ponggame.Event) bool {
		data, err := c.Marshal(ev)
		if err != nil {
			s.log.Errorf("Failed to encode %s for %s: %v", ev.Type, sess.ID, err)
			return true
		}
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteMessage(c.FrameType(), data); err != nil {
			return false
		}
		return true
	}

	for {
		select {
		case <-ctx.Done():
			// flush what is already queued, then say goodbye
		flush:
			for {
				select {
				case ev := <-sess.Outbox:
					if !write(ev) {
						return
					}
				default:
					break flush
				}
			}
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(writeWait))
			ws.Close()
			return

		case <-sess.Done():
			ws.Close()
			return

		case ev := <-sess.Outbox:
			if !write(ev) {
				ws.Close()
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				ws.Close()
				return
			}
		}
	}
}
