package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avelin/parley/internal/domain"
)

var ErrBackpressure = errors.New("relay: member send buffer full")

const (
	sendBufferSize = 32
	writeDeadline  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMember is one attached websocket connection with its buffered
// outbound queue. Dropping instead of blocking keeps one slow member
// from stalling the whole room.
type wsMember struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (m *wsMember) TrySend(data []byte) error {
	select {
	case m.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (m *wsMember) close() {
	m.once.Do(func() {
		close(m.send)
		_ = m.conn.Close()
	})
}

// Controller serves the relay's websocket endpoint.
type Controller struct {
	Hub    *Hub
	Issuer *Issuer
}

// HandleWS validates the session credential, attaches the member to
// its room and runs the pumps until either side goes away.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	token := c.Query("token")

	userID, ok := ctl.Issuer.Validate(token, roomID)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay.ws").Msg("ws upgrade failed")
		return
	}

	m := &wsMember{
		conn: ws,
		send: make(chan []byte, sendBufferSize),
	}
	memberID := uuid.NewString()
	room := ctl.Hub.getOrCreate(roomID)
	room.add(&member{id: memberID, user: userID, conn: m})
	membersConnected.Inc()

	log.Info().Str("module", "relay.ws").Str("room", string(roomID)).Str("user", string(userID)).Msg("member attached")

	// Join snapshot so the client can show presence immediately.
	ctl.sendJSON(m, map[string]any{
		"type":    "room_state",
		"room":    roomID,
		"members": room.count(),
	})

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, m)
	go ctl.readPump(cancel, room, memberID, m)
}

func (ctl *Controller) writePump(ctx context.Context, m *wsMember) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-m.send:
			if !ok {
				return
			}
			if err := m.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Debug().Err(err).Str("module", "relay.ws").Msg("write deadline error")
				return
			}
			if err := m.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("module", "relay.ws").Msg("write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(cancel context.CancelFunc, room *room, memberID string, m *wsMember) {
	defer func() {
		room.remove(memberID)
		membersConnected.Dec()
		cancel()
		m.close()
	}()

	for {
		_, data, err := m.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "relay.ws").Str("member", memberID).Msg("read pump exit")
			return
		}
		res := room.broadcast(memberID, data)
		framesRelayed.Add(float64(res.sent))
		framesDropped.Add(float64(res.dropped))
	}
}

func (ctl *Controller) sendJSON(m *wsMember, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("module", "relay.ws").Msg("sendJSON marshal")
		return
	}
	_ = m.TrySend(b)
}
