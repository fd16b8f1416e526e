package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Telecall/internal/adapters/rest"
	"github.com/dkeye/Telecall/internal/adapters/ws"
	"github.com/dkeye/Telecall/internal/app/agent"
	"github.com/dkeye/Telecall/internal/app/call"
	"github.com/dkeye/Telecall/internal/app/chat"
	"github.com/dkeye/Telecall/internal/app/conn"
	"github.com/dkeye/Telecall/internal/config"
	"github.com/dkeye/Telecall/internal/domain"
)

const (
	sessionName = "TelecallSession"

	keyToken = "token"
	keyID    = "user_id"
	keyRole  = "user_role"
	keyName  = "user_name"
	keyImage = "user_image"
)

// errorStatus maps domain errors to HTTP statuses. Unknown errors are 500.
var errorStatus = []struct {
	err    error
	status int
}{
	{domain.ErrNoIdentity, http.StatusUnauthorized},
	{ws.ErrUnauthorized, http.StatusUnauthorized},
	{call.ErrBusy, http.StatusConflict},
	{call.ErrNoIncomingCall, http.StatusConflict},
	{call.ErrNoActiveCall, http.StatusConflict},
	{call.ErrNoMedia, http.StatusConflict},
	{call.ErrAudioOnly, http.StatusConflict},
	{call.ErrInvalidKind, http.StatusBadRequest},
	{call.ErrInvalidTarget, http.StatusBadRequest},
	{chat.ErrEmptyMessage, http.StatusBadRequest},
	{chat.ErrNoConversation, http.StatusConflict},
	{chat.ErrUnknownConversation, http.StatusNotFound},
	{chat.ErrNoSharedConversation, http.StatusNotFound},
	{conn.ErrNotConnected, http.StatusServiceUnavailable},
}

func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			status = e.status
			break
		}
	}
	body := gin.H{"error": err.Error()}
	var se *rest.StatusError
	if errors.As(err, &se) {
		status = http.StatusBadGateway
		body["backend_status"] = se.Code
	}
	c.AbortWithStatusJSON(status, body)
}

type agentHandlers struct {
	agent *agent.Agent
}

type sessionRequest struct {
	Token  string `json:"token" binding:"required"`
	UserID string `json:"user_id" binding:"required,max=64"`
	Role   string `json:"user_role" binding:"omitempty,oneof=patient therapist admin"`
	Name   string `json:"user_name" binding:"max=64"`
	Image  string `json:"user_image"`
}

type startRequest struct {
	CallType       domain.CallKind `json:"callType" binding:"required"`
	RecipientID    domain.UserID   `json:"recipientId" binding:"required"`
	RecipientName  string          `json:"recipientName"`
	RecipientImage string          `json:"recipientImage"`
}

type selectRequest struct {
	RoomID domain.RoomID `json:"room_id"`
	UserID domain.UserID `json:"user_id"`
}

type sendRequest struct {
	Message string `json:"message"`
}

// SetupAgentRouter exposes one agent to a local UI. The identity lives in
// the session cookie, as the web client keeps it in cookies.
func SetupAgentRouter(cfg *config.Config, a *agent.Agent) *gin.Engine {
	r := newEngine(cfg.Mode)

	store := cookie.NewStore([]byte(cfg.Agent.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   3600 * 24 * 7,
		HttpOnly: true,
		Secure:   cfg.Agent.SecureCookie,
		SameSite: http.SameSiteLaxMode,
	})
	r.Use(sessions.Sessions(sessionName, store))

	h := &agentHandlers{agent: a}
	api := r.Group("/api")

	api.POST("/session", h.setSession)
	api.DELETE("/session", h.clearSession)
	api.POST("/connect", h.connect)
	api.GET("/state", h.state)
	api.GET("/events", h.events)

	calls := api.Group("/call")
	calls.POST("/start", h.startCall)
	calls.POST("/accept", h.acceptCall)
	calls.POST("/decline", h.callAction(a.Calls.Decline))
	calls.POST("/cancel", h.callAction(a.Calls.Cancel))
	calls.POST("/end", h.callAction(a.Calls.End))
	calls.POST("/toggle-audio", h.toggle("muted", a.Calls.ToggleAudio))
	calls.POST("/toggle-video", h.toggle("video_off", a.Calls.ToggleVideo))

	chats := api.Group("/chat")
	chats.GET("/rooms", h.rooms)
	chats.POST("/select", h.selectConversation)
	chats.GET("/messages", h.messages)
	chats.POST("/send", h.send)

	log.Info().Str("module", "adapters.http").Msg("agent router setup")
	return r
}

func identityFrom(s sessions.Session) domain.Identity {
	str := func(k string) string {
		v, _ := s.Get(k).(string)
		return v
	}
	return domain.Identity{
		User: domain.User{
			ID:    domain.UserID(str(keyID)),
			Name:  str(keyName),
			Image: str(keyImage),
		},
		Token: str(keyToken),
		Role:  domain.Role(str(keyRole)),
	}
}

func (h *agentHandlers) setSession(c *gin.Context) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s := sessions.Default(c)
	s.Set(keyToken, req.Token)
	s.Set(keyID, req.UserID)
	s.Set(keyRole, req.Role)
	s.Set(keyName, req.Name)
	s.Set(keyImage, req.Image)
	if err := s.Save(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, identityFrom(s))
}

func (h *agentHandlers) clearSession(c *gin.Context) {
	s := sessions.Default(c)
	s.Clear()
	s.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := s.Save(); err != nil {
		fail(c, err)
		return
	}
	h.agent.SignOut()
	c.Status(http.StatusNoContent)
}

// connect opens the socket for the cookie identity. A transport failure is
// reported with 202 since the agent keeps retrying.
func (h *agentHandlers) connect(c *gin.Context) {
	id := identityFrom(sessions.Default(c))
	err := h.agent.SignIn(c.Request.Context(), id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, h.agent.State())
	case errors.Is(err, domain.ErrNoIdentity), errors.Is(err, ws.ErrUnauthorized):
		fail(c, err)
	default:
		c.JSON(http.StatusAccepted, gin.H{"error": err.Error(), "state": h.agent.State()})
	}
}

func (h *agentHandlers) state(c *gin.Context) {
	c.JSON(http.StatusOK, h.agent.State())
}

func (h *agentHandlers) startCall(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	peer := domain.User{ID: req.RecipientID, Name: req.RecipientName, Image: req.RecipientImage}
	if err := h.agent.Calls.Start(c.Request.Context(), req.CallType, peer); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.agent.Calls.Snapshot())
}

func (h *agentHandlers) acceptCall(c *gin.Context) {
	if err := h.agent.Calls.Accept(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.agent.Calls.Snapshot())
}

func (h *agentHandlers) callAction(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, h.agent.Calls.Snapshot())
	}
}

func (h *agentHandlers) toggle(field string, fn func() (bool, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		on, err := fn()
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{field: on})
	}
}

func (h *agentHandlers) rooms(c *gin.Context) {
	rooms, err := h.agent.Chat.Conversations(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rooms)
}

func (h *agentHandlers) selectConversation(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var err error
	switch {
	case req.RoomID != "":
		err = h.agent.Chat.SelectConversation(c.Request.Context(), req.RoomID)
	case req.UserID != "":
		_, err = h.agent.Chat.SelectByParticipant(c.Request.Context(), req.UserID)
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "room_id or user_id required"})
		return
	}
	if err != nil {
		fail(c, err)
		return
	}
	h.messages(c)
}

func (h *agentHandlers) messages(c *gin.Context) {
	room, ok := h.agent.Chat.Selected()
	if !ok {
		fail(c, chat.ErrNoConversation)
		return
	}
	body := gin.H{"conversation": room, "messages": h.agent.Chat.Messages()}
	if peer, ok := h.agent.Chat.Counterparty(); ok {
		body["counterparty"] = peer
	}
	c.JSON(http.StatusOK, body)
}

func (h *agentHandlers) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.agent.Chat.SendMessage(req.Message); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// events streams connection, call and message events until the client leaves.
func (h *agentHandlers) events(c *gin.Context) {
	states, stopStates := h.agent.Conn.Watch()
	defer stopStates()
	calls, stopCalls := h.agent.Calls.Watch()
	defer stopCalls()
	msgs, stopMsgs := h.agent.Chat.Watch()
	defer stopMsgs()

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		var ev sse.Event
		select {
		case <-ctx.Done():
			return false
		case s, ok := <-states:
			if !ok {
				return false
			}
			ev = sse.Event{Event: "connection", Data: gin.H{"state": s.String()}}
		case e, ok := <-calls:
			if !ok {
				return false
			}
			ev = sse.Event{Event: "call", Data: e}
		case m, ok := <-msgs:
			if !ok {
				return false
			}
			ev = sse.Event{Event: "message", Data: m}
		}
		if err := sse.Encode(w, ev); err != nil {
			log.Warn().Err(err).Str("module", "adapters.http").Msg("sse write failed")
			return false
		}
		return true
	})
}
