package ginserver

import (
	"net/http"
	"strings"

	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/hooks"
	domain "huddle/internal/domain/messaging"
)

type AccountHTTP interface {
	SetPresence(c *gin.Context)
	SearchUsers(c *gin.Context)
	Connection(c *gin.Context)
	Reconnect(c *gin.Context)
}

type connectionResponse struct {
	Status      string `json:"status"`
	Initialized bool   `json:"initialized"`
	UnreadTotal *int   `json:"unread_total,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (h MessagingHandler) SetPresence(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	status := domain.PresenceStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if err := svc.SetUserPresence(c.Request.Context(), status); err != nil {
		respondMessagingError(c, h.Logger, err, "set presence", "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

// SearchUsers returns directory users matching q, excluding the caller.
func (h MessagingHandler) SearchUsers(c *gin.Context) {
	p, ok := requireUser(c)
	if !ok {
		return
	}
	if h.Directory == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory unavailable"})
		return
	}
	search := hooks.NewUserSearch(h.Directory, parsePositiveInt(c.Query("limit"), hooks.DefaultUserPrefetch), p.ID)
	users, err := search.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("user search failed", "error", err, "user_id", p.ID)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": domain.MsgTryAgain})
		return
	}
	out := make([]gin.H, 0, len(users))
	for _, u := range users {
		out = append(out, gin.H{"id": u.ID, "display_name": u.DisplayName, "profile_picture": u.ProfilePicture})
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

// Connection reports the caller's messaging status and unread total.
func (h MessagingHandler) Connection(c *gin.Context) {
	sc, _, ok := h.session(c)
	if !ok {
		return
	}
	resp := connectionResponse{
		Status:      string(sc.ConnectionStatus()),
		Initialized: sc.IsInitialized(),
	}
	if err := sc.LastError(); err != nil {
		resp.Error = domain.UserMessage(err)
	}
	if svc := sc.Service(); svc != nil && resp.Initialized {
		if n, err := svc.UnreadCount(c.Request.Context()); err == nil {
			resp.UnreadTotal = &n
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (h MessagingHandler) Reconnect(c *gin.Context) {
	sc, p, ok := h.session(c)
	if !ok {
		return
	}
	if err := sc.Reconnect(c.Request.Context()); err != nil {
		respondMessagingError(c, h.Logger, err, "reconnect", "user_id", p.ID)
		return
	}
	h.Connection(c)
}

var _ AccountHTTP = (*MessagingHandler)(nil)
