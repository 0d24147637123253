package ginserver

import (
	"net/http"

	gin "github.com/gin-gonic/gin"

	domain "huddle/internal/domain/messaging"
)

type TeamHTTP interface {
	TeamChats(c *gin.Context)
	SendTeamMessage(c *gin.Context)
}

func (h MessagingHandler) TeamChats(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	teamID := c.Param("id")
	convs, err := svc.TeamChats(c.Request.Context(), teamID)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "team chats", "team_id", teamID, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, conversationList{Items: newConversationDTOs(convs, p.ID)})
}

// SendTeamMessage posts to the team's group chat, creating it on first use.
func (h MessagingHandler) SendTeamMessage(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if !h.Limiter.allowSend(c, p.ID) {
		return
	}
	teamID, group := c.Param("id"), domain.GroupType(c.Param("group"))
	msg, err := svc.SendTeamMessage(c.Request.Context(), teamID, group, req.Content)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "send team message", "team_id", teamID, "group", string(group), "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, newMessageDTO(msg))
}

var _ TeamHTTP = (*MessagingHandler)(nil)
