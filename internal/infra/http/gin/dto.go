package ginserver

import (
	"time"

	domain "huddle/internal/domain/messaging"
)

type participantDTO struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	ProfilePicture string    `json:"profile_picture,omitempty"`
	Role           string    `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

type lastMessageDTO struct {
	MessageID  string    `json:"message_id"`
	Content    string    `json:"content"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Timestamp  time.Time `json:"timestamp"`
}

type conversationDTO struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Name         string            `json:"name"`
	Participants []participantDTO  `json:"participants"`
	LastMessage  *lastMessageDTO   `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TeamID       string            `json:"team_id,omitempty"`
	TeamName     string            `json:"team_name,omitempty"`
	GroupType    string            `json:"group_type,omitempty"`
	CreatedBy    string            `json:"created_by"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

type conversationList struct {
	Items      []conversationDTO `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type attachmentDTO struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Size       int64     `json:"size"`
	URL        string    `json:"url"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type reactionDTO struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

type messageDTO struct {
	ID                   string          `json:"id"`
	ConversationID       string          `json:"conversation_id"`
	SenderID             string          `json:"sender_id"`
	SenderName           string          `json:"sender_name"`
	SenderProfilePicture string          `json:"sender_profile_picture,omitempty"`
	Content              string          `json:"content"`
	Timestamp            time.Time       `json:"timestamp"`
	Status               string          `json:"status"`
	ReadBy               []string        `json:"read_by"`
	Attachments          []attachmentDTO `json:"attachments"`
	Reactions            []reactionDTO   `json:"reactions"`
	ReplyToID            string          `json:"reply_to_id,omitempty"`
	IsEdited             bool            `json:"is_edited"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

type messageList struct {
	Items      []messageDTO `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type typingDTO struct {
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newConversationDTO(conv domain.Conversation, viewerID string) conversationDTO {
	out := conversationDTO{
		ID:           conv.ID,
		Type:         string(conv.Type),
		Name:         conv.Name(viewerID),
		Participants: make([]participantDTO, 0, len(conv.Participants)),
		UnreadCount:  conv.UnreadCount,
		Metadata:     conv.Metadata,
		TeamID:       conv.TeamID,
		TeamName:     conv.TeamName,
		GroupType:    string(conv.GroupType),
		CreatedBy:    conv.CreatedBy,
		CreatedAt:    conv.CreatedAt,
		UpdatedAt:    conv.UpdatedAt,
	}
	for _, p := range conv.Participants {
		out.Participants = append(out.Participants, participantDTO{
			ID:             p.ID,
			DisplayName:    p.DisplayName,
			ProfilePicture: p.ProfilePicture,
			Role:           string(p.Role),
			JoinedAt:       p.JoinedAt,
		})
	}
	if lm := conv.LastMessage; lm != nil {
		out.LastMessage = &lastMessageDTO{
			MessageID:  lm.MessageID,
			Content:    lm.Content,
			SenderID:   lm.SenderID,
			SenderName: lm.SenderName,
			Timestamp:  lm.Timestamp,
		}
	}
	return out
}

func newConversationDTOs(convs []domain.Conversation, viewerID string) []conversationDTO {
	out := make([]conversationDTO, 0, len(convs))
	for _, c := range convs {
		out = append(out, newConversationDTO(c, viewerID))
	}
	return out
}

func newAttachmentDTO(a domain.Attachment) attachmentDTO {
	return attachmentDTO{ID: a.ID, Name: a.Name, Type: a.Type, Size: a.Size, URL: a.URL, UploadedAt: a.UploadedAt}
}

func newMessageDTO(m domain.Message) messageDTO {
	out := messageDTO{
		ID:                   m.ID,
		ConversationID:       m.ConversationID,
		SenderID:             m.SenderID,
		SenderName:           m.SenderName,
		SenderProfilePicture: m.SenderProfilePicture,
		Content:              m.Content,
		Timestamp:            m.Timestamp,
		Status:               string(m.Status),
		ReadBy:               append([]string{}, m.ReadBy...),
		Attachments:          make([]attachmentDTO, 0, len(m.Attachments)),
		Reactions:            make([]reactionDTO, 0, len(m.Reactions)),
		ReplyToID:            m.ReplyToID,
		IsEdited:             m.IsEdited,
		UpdatedAt:            m.UpdatedAt,
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, newAttachmentDTO(a))
	}
	for _, r := range m.Reactions {
		out.Reactions = append(out.Reactions, reactionDTO{Emoji: r.Emoji, UserID: r.UserID, UserName: r.UserName, Timestamp: r.Timestamp})
	}
	return out
}

func newMessageDTOs(msgs []domain.Message) []messageDTO {
	out := make([]messageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageDTO(m))
	}
	return out
}

// newTypingDTOs keeps only active indicators of users other than viewerID.
func newTypingDTOs(indicators []domain.TypingIndicator, viewerID string) []typingDTO {
	out := make([]typingDTO, 0, len(indicators))
	for _, t := range indicators {
		if !t.IsTyping || t.UserID == viewerID {
			continue
		}
		out = append(out, typingDTO{UserID: t.UserID, UserName: t.UserName, UpdatedAt: t.UpdatedAt})
	}
	return out
}

type attachmentInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

func (a attachmentInput) toDomain() domain.Attachment {
	return domain.Attachment{ID: a.ID, Name: a.Name, Type: a.Type, Size: a.Size, URL: a.URL}
}
