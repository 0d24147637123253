package ginserver

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/hooks"
	"huddle/internal/app/messaging"
	"huddle/internal/app/session"
	domain "huddle/internal/domain/messaging"
)

type ConversationHTTP interface {
	List(c *gin.Context)
	Create(c *gin.Context)
	Get(c *gin.Context)
	Update(c *gin.Context)
	Delete(c *gin.Context)
	AddParticipants(c *gin.Context)
	RemoveParticipant(c *gin.Context)
	MarkRead(c *gin.Context)
	Typing(c *gin.Context)
	Stream(c *gin.Context)
	Live(c *gin.Context)
}

// MessagingHandler serves every messaging route through the caller's
// session.Context.
type MessagingHandler struct {
	Sessions  Sessions
	Directory hooks.UserDirectory
	Limiter   *SendLimiter
	// MaxAttachmentBytes caps multipart uploads; zero uses the service default.
	MaxAttachmentBytes int64
	// KeepAlive is the SSE and websocket heartbeat period; zero means 25s.
	KeepAlive time.Duration
	// OriginPatterns are the cross-origin hosts allowed to open websockets.
	OriginPatterns []string
	Logger         *slog.Logger
}

// session resolves the caller's messaging context, aborting the request on
// failure.
func (h MessagingHandler) session(c *gin.Context) (*session.Context, principal, bool) {
	p, ok := requireUser(c)
	if !ok {
		return nil, principal{}, false
	}
	if h.Sessions == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": domain.MsgOffline})
		return nil, principal{}, false
	}
	sc, err := h.Sessions.Acquire(c.Request.Context(), p.identity(), p.lease())
	if err != nil {
		respondMessagingError(c, h.Logger, domain.Transient("http.session", err), "acquire session", "user_id", p.ID)
		return nil, principal{}, false
	}
	return sc, p, true
}

// service is session plus a ready service.
func (h MessagingHandler) service(c *gin.Context) (messaging.Service, principal, bool) {
	sc, p, ok := h.session(c)
	if !ok {
		return nil, principal{}, false
	}
	svc, ok := h.ready(c, sc, p)
	return svc, p, ok
}

func (h MessagingHandler) ready(c *gin.Context, sc *session.Context, p principal) (messaging.Service, bool) {
	svc := sc.Service()
	if svc == nil || !sc.IsInitialized() {
		cause := sc.LastError()
		if cause == nil {
			cause = session.ErrUnavailable
		}
		respondMessagingError(c, h.Logger, domain.Transient("http.service", cause), "messaging not ready", "user_id", p.ID)
		return nil, false
	}
	return svc, true
}

// rebuilt reports whether sc now holds a different ready service than svc,
// which happens after a reconnect.
func rebuilt(sc *session.Context, svc messaging.Service) (messaging.Service, bool) {
	cur := sc.Service()
	if cur == nil || cur == svc || !sc.IsInitialized() {
		return nil, false
	}
	return cur, true
}

func (h MessagingHandler) List(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	opts := messaging.ListOptions{
		Limit:  parsePositiveInt(c.Query("limit"), 0),
		Cursor: c.Query("cursor"),
		SortBy: messaging.SortBy(strings.ToLower(strings.TrimSpace(c.Query("sort")))),
	}
	convs, next, err := svc.Conversations(c.Request.Context(), opts)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "list conversations", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, conversationList{Items: newConversationDTOs(convs, p.ID), NextCursor: next})
}

type createConversationRequest struct {
	Type           string            `json:"type"`
	ParticipantIDs []string          `json:"participant_ids"`
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Metadata       map[string]string `json:"metadata"`
	TeamID         string            `json:"team_id"`
	TeamName       string            `json:"team_name"`
	GroupType      string            `json:"group_type"`
	InitialMessage string            `json:"initial_message"`
}

// Create goes through the session so infrastructure failures fall back to the
// direct write path.
func (h MessagingHandler) Create(c *gin.Context) {
	sc, p, ok := h.session(c)
	if !ok {
		return
	}
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	conv, err := sc.CreateConversation(c.Request.Context(), domain.NewConversation{
		Type:           domain.ConversationType(strings.TrimSpace(req.Type)),
		ParticipantIDs: req.ParticipantIDs,
		Name:           req.Name,
		Description:    req.Description,
		Metadata:       req.Metadata,
		TeamID:         req.TeamID,
		TeamName:       req.TeamName,
		GroupType:      domain.GroupType(strings.TrimSpace(req.GroupType)),
		InitialMessage: req.InitialMessage,
	})
	if err != nil {
		respondMessagingError(c, h.Logger, err, "create conversation", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, newConversationDTO(conv, p.ID))
}

func (h MessagingHandler) Get(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	conv, err := svc.ConversationByID(c.Request.Context(), id)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "load conversation", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, newConversationDTO(conv, p.ID))
}

type updateConversationRequest struct {
	Metadata map[string]string `json:"metadata"`
	// Absent leaves membership alone; present replaces it.
	ParticipantIDs []string `json:"participant_ids"`
}

func (h MessagingHandler) Update(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	conv, err := svc.UpdateConversation(c.Request.Context(), id, messaging.ConversationUpdate{
		Metadata:       req.Metadata,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		respondMessagingError(c, h.Logger, err, "update conversation", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, newConversationDTO(conv, p.ID))
}

func (h MessagingHandler) Delete(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := svc.DeleteConversation(c.Request.Context(), id); err != nil {
		respondMessagingError(c, h.Logger, err, "delete conversation", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h MessagingHandler) AddParticipants(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	var req struct {
		UserIDs []string `json:"user_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	v := hooks.NewConversationView(c.Request.Context(), svc, id, nil)
	defer v.Close()
	if err := v.State().Err; err != nil {
		respondMessagingError(c, h.Logger, err, "load conversation", "conversation_id", id, "user_id", p.ID)
		return
	}
	if err := v.AddParticipants(c.Request.Context(), req.UserIDs); err != nil {
		respondMessagingError(c, h.Logger, err, "add participants", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, newConversationDTO(v.State().Conversation, p.ID))
}

func (h MessagingHandler) RemoveParticipant(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id, target := c.Param("id"), c.Param("userId")
	v := hooks.NewConversationView(c.Request.Context(), svc, id, nil)
	defer v.Close()
	if err := v.RemoveParticipant(c.Request.Context(), target); err != nil {
		respondMessagingError(c, h.Logger, err, "remove participant", "conversation_id", id, "user_id", p.ID, "target_id", target)
		return
	}
	if target == p.ID {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, newConversationDTO(v.State().Conversation, p.ID))
}

// MarkRead marks the listed messages, or everything when the body is empty.
func (h MessagingHandler) MarkRead(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	var req struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid payload")
		return
	}
	if err := svc.MarkAsRead(c.Request.Context(), id, req.MessageIDs...); err != nil {
		respondMessagingError(c, h.Logger, err, "mark read", "conversation_id", id, "user_id", p.ID)
		return
	}
	unread, err := svc.UnreadCount(c.Request.Context())
	if err != nil {
		respondMessagingError(c, h.Logger, err, "unread count", "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_total": unread})
}

func (h MessagingHandler) Typing(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	var req struct {
		IsTyping *bool `json:"is_typing"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.IsTyping == nil {
		badRequest(c, "is_typing is required")
		return
	}
	if err := svc.SetTypingStatus(c.Request.Context(), id, *req.IsTyping); err != nil {
		respondMessagingError(c, h.Logger, err, "set typing", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h MessagingHandler) keepAlive() time.Duration {
	if h.KeepAlive > 0 {
		return h.KeepAlive
	}
	return 25 * time.Second
}

func parsePositiveInt(raw string, def int) int {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return def
	}
	return value
}

var _ ConversationHTTP = (*MessagingHandler)(nil)
