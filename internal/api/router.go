// Package api is the local HTTP surface the UI talks to. Rendering
// lives entirely outside this core; these handlers only expose the
// coordinator's operations.
package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/avelin/parley/internal/call"
	"github.com/avelin/parley/internal/domain"
	"github.com/avelin/parley/internal/session"
	"github.com/avelin/parley/internal/store"
)

type Server struct {
	Self  domain.Participant
	Coord *session.Coordinator
	Store *store.Store
}

func SetupRouter(mode string, srv *Server) *gin.Engine {
	if mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	api := r.Group("/api")

	api.GET("/whoami", srv.handleWhoAmI)

	rooms := api.Group("/rooms/:room")
	rooms.POST("/join", srv.handleJoin)
	rooms.POST("/leave", srv.handleLeave)
	rooms.GET("/messages", srv.handleMessages)
	rooms.POST("/messages", srv.handleSend)
	rooms.DELETE("/messages", srv.handleClear)
	rooms.GET("/calls", srv.handleCallLog)
	rooms.POST("/call", srv.handleInitiate)
	rooms.POST("/call/accept", srv.handleAccept)
	rooms.POST("/call/decline", srv.handleDecline)
	rooms.POST("/call/hangup", srv.handleHangup)
	rooms.GET("/call", srv.handleCallState)

	return r
}

func (s *Server) roomSession(c *gin.Context) (*session.Session, bool) {
	roomID := domain.RoomID(c.Param("room"))
	sess, ok := s.Coord.Get(roomID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not joined"})
		return nil, false
	}
	return sess, true
}

func (s *Server) handleWhoAmI(c *gin.Context) {
	c.JSON(http.StatusOK, s.Self)
}

func (s *Server) handleJoin(c *gin.Context) {
	roomID := domain.RoomID(c.Param("room"))
	if _, err := s.Coord.Join(c.Request.Context(), roomID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room": roomID})
}

func (s *Server) handleLeave(c *gin.Context) {
	s.Coord.Leave(domain.RoomID(c.Param("room")))
	c.Status(http.StatusNoContent)
}

func (s *Server) handleMessages(c *gin.Context) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sess.Messages.Messages())
}

func (s *Server) handleSend(c *gin.Context) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	var req struct {
		Text       string             `json:"text" binding:"required"`
		Attachment *domain.Attachment `json:"attachment,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := sess.Messages.Send(req.Text, req.Attachment)
	if err != nil {
		// The sender still sees their message; persistence failed.
		c.JSON(http.StatusAccepted, gin.H{"message": msg, "persisted": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "persisted": true})
}

func (s *Server) handleClear(c *gin.Context) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	if err := sess.Messages.ClearHistory(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCallLog(c *gin.Context) {
	records, err := s.Store.CallRecordsForRoom(domain.RoomID(c.Param("room")))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, records)
}

func (s *Server) handleInitiate(c *gin.Context) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	var req struct {
		Type string `json:"type"`
	}
	_ = c.ShouldBindJSON(&req)
	callType := domain.CallType(req.Type)
	if callType != domain.CallVideo {
		callType = domain.CallAudio
	}

	callSess, err := sess.Calls.Initiate(callType)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, call.ErrCallActive) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, callSess)
}

func (s *Server) handleAccept(c *gin.Context) {
	s.callAction(c, func(m *call.Machine) error { return m.Accept() })
}

func (s *Server) handleDecline(c *gin.Context) {
	s.callAction(c, func(m *call.Machine) error { return m.Decline() })
}

func (s *Server) handleHangup(c *gin.Context) {
	s.callAction(c, func(m *call.Machine) error { return m.Hangup() })
}

func (s *Server) callAction(c *gin.Context, fn func(*call.Machine) error) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	if err := fn(sess.Calls); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, call.ErrNoActiveCall) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	state, callSess := sess.Calls.State()
	c.JSON(http.StatusOK, gin.H{"state": state.String(), "session": callSess})
}

func (s *Server) handleCallState(c *gin.Context) {
	sess, ok := s.roomSession(c)
	if !ok {
		return
	}
	state, callSess := sess.Calls.State()
	c.JSON(http.StatusOK, gin.H{"state": state.String(), "session": callSess})
}
