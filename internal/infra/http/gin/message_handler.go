package ginserver

import (
	"errors"
	"net/http"
	"path"
	"strings"

	humanize "github.com/dustin/go-humanize"
	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

type MessageHTTP interface {
	ListMessages(c *gin.Context)
	SendMessage(c *gin.Context)
	EditMessage(c *gin.Context)
	DeleteMessage(c *gin.Context)
	AddReaction(c *gin.Context)
	RemoveReaction(c *gin.Context)
	UploadAttachment(c *gin.Context)
}

func (h MessagingHandler) ListMessages(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id := c.Param("id")
	msgs, next, err := svc.Messages(c.Request.Context(), id, messaging.MessageOptions{
		Limit:  parsePositiveInt(c.Query("limit"), 0),
		Before: c.Query("before"),
	})
	if err != nil {
		respondMessagingError(c, h.Logger, err, "list messages", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, messageList{Items: newMessageDTOs(msgs), NextCursor: next})
}

type sendMessageRequest struct {
	Content     string            `json:"content"`
	ReplyToID   string            `json:"reply_to_id"`
	Attachments []attachmentInput `json:"attachments"`
}

func (h MessagingHandler) SendMessage(c *gin.Context) {
	sc, p, ok := h.session(c)
	if !ok {
		return
	}
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	if !h.Limiter.allowSend(c, p.ID) {
		return
	}
	in := domain.MessageInput{Content: req.Content, ReplyToID: req.ReplyToID}
	for _, a := range req.Attachments {
		in.Attachments = append(in.Attachments, a.toDomain())
	}
	id := c.Param("id")
	msg, err := sc.SendMessage(c.Request.Context(), id, in)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "send message", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, newMessageDTO(msg))
}

func (h MessagingHandler) EditMessage(c *gin.Context) {
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
	id, msgID := c.Param("id"), c.Param("msgId")
	msg, err := svc.UpdateMessage(c.Request.Context(), id, msgID, req.Content)
	if err != nil {
		respondMessagingError(c, h.Logger, err, "edit message", "conversation_id", id, "message_id", msgID, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, newMessageDTO(msg))
}

func (h MessagingHandler) DeleteMessage(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	id, msgID := c.Param("id"), c.Param("msgId")
	if err := svc.DeleteMessage(c.Request.Context(), id, msgID); err != nil {
		respondMessagingError(c, h.Logger, err, "delete message", "conversation_id", id, "message_id", msgID, "user_id", p.ID)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h MessagingHandler) AddReaction(c *gin.Context) {
	h.react(c, true)
}

func (h MessagingHandler) RemoveReaction(c *gin.Context) {
	h.react(c, false)
}

// react reads the emoji from the JSON body or, for DELETE, the query string.
func (h MessagingHandler) react(c *gin.Context, add bool) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	emoji := c.Query("emoji")
	if emoji == "" {
		var req struct {
			Emoji string `json:"emoji"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "emoji is required")
			return
		}
		emoji = req.Emoji
	}
	id, msgID := c.Param("id"), c.Param("msgId")
	var (
		msg    domain.Message
		err    error
		action = "add reaction"
	)
	if add {
		msg, err = svc.AddReaction(c.Request.Context(), id, msgID, emoji)
	} else {
		action = "remove reaction"
		msg, err = svc.RemoveReaction(c.Request.Context(), id, msgID, emoji)
	}
	if err != nil {
		respondMessagingError(c, h.Logger, err, action, "conversation_id", id, "message_id", msgID, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusOK, newMessageDTO(msg))
}

// UploadAttachment stores the multipart "file" field and returns the
// attachment for a following send.
func (h MessagingHandler) UploadAttachment(c *gin.Context) {
	svc, p, ok := h.service(c)
	if !ok {
		return
	}
	limit := h.maxAttachment()
	// Leave room for the multipart envelope around the file.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+1<<20)
	fh, err := c.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			badRequest(c, "file is required")
			return
		}
		badRequest(c, "Upload could not be read. Attachments can be at most "+humanize.IBytes(uint64(limit))+".")
		return
	}
	if fh.Size > limit {
		badRequest(c, "Attachments can be at most "+humanize.IBytes(uint64(limit))+"; this file is "+humanize.IBytes(uint64(fh.Size))+".")
		return
	}
	f, err := fh.Open()
	if err != nil {
		badRequest(c, "file could not be read")
		return
	}
	defer f.Close()

	contentType := fh.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := c.Param("id")
	att, err := svc.UploadAttachment(c.Request.Context(), id, messaging.AttachmentUpload{
		Name:        path.Base(strings.ReplaceAll(fh.Filename, "\\", "/")),
		ContentType: contentType,
		Size:        fh.Size,
		Body:        f,
	})
	if err != nil {
		respondMessagingError(c, h.Logger, err, "upload attachment", "conversation_id", id, "user_id", p.ID)
		return
	}
	c.JSON(http.StatusCreated, newAttachmentDTO(att))
}

func (h MessagingHandler) maxAttachment() int64 {
	if h.MaxAttachmentBytes > 0 {
		return h.MaxAttachmentBytes
	}
	return messaging.DefaultMaxAttachment
}

var _ MessageHTTP = (*MessagingHandler)(nil)
