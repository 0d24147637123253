package messaging

import (
	"time"

	"huddle/internal/domain/shared/events"
)

const (
	EventConversationCreated = "conversation.created"
	EventConversationDeleted = "conversation.deleted"
	EventParticipantsAdded   = "conversation.participants_added"
	EventParticipantRemoved  = "conversation.participant_removed"
	EventMessageSent         = "message.sent"
	EventMessageDeleted      = "message.deleted"
)

type ConversationCreated struct {
	events.BaseEvent
	ConversationID string           `json:"conversation_id"`
	Type           ConversationType `json:"type"`
	CreatedBy      string           `json:"created_by"`
	ParticipantIDs []string         `json:"participant_ids"`
	TeamID         string           `json:"team_id,omitempty"`
	GroupType      GroupType        `json:"group_type,omitempty"`
}

func NewConversationCreated(conv Conversation) ConversationCreated {
	return ConversationCreated{
		BaseEvent:      events.BaseEvent{Name: EventConversationCreated, Aggregate: conv.ID, Time: conv.CreatedAt},
		ConversationID: conv.ID,
		Type:           conv.Type,
		CreatedBy:      conv.CreatedBy,
		ParticipantIDs: conv.ParticipantIDs(),
		TeamID:         conv.TeamID,
		GroupType:      conv.GroupType,
	}
}

type ConversationDeleted struct {
	events.BaseEvent
	ConversationID string `json:"conversation_id"`
	DeletedBy      string `json:"deleted_by"`
}

func NewConversationDeleted(conversationID, actorID string, at time.Time) ConversationDeleted {
	return ConversationDeleted{
		BaseEvent:      events.BaseEvent{Name: EventConversationDeleted, Aggregate: conversationID, Time: at},
		ConversationID: conversationID,
		DeletedBy:      actorID,
	}
}

type ParticipantsAdded struct {
	events.BaseEvent
	ConversationID string   `json:"conversation_id"`
	AddedBy        string   `json:"added_by"`
	UserIDs        []string `json:"user_ids"`
}

func NewParticipantsAdded(conversationID, actorID string, ids []string, at time.Time) ParticipantsAdded {
	return ParticipantsAdded{
		BaseEvent:      events.BaseEvent{Name: EventParticipantsAdded, Aggregate: conversationID, Time: at},
		ConversationID: conversationID,
		AddedBy:        actorID,
		UserIDs:        ids,
	}
}

type ParticipantRemoved struct {
	events.BaseEvent
	ConversationID string `json:"conversation_id"`
	RemovedBy      string `json:"removed_by"`
	UserID         string `json:"user_id"`
}

func NewParticipantRemoved(conversationID, actorID, userID string, at time.Time) ParticipantRemoved {
	return ParticipantRemoved{
		BaseEvent:      events.BaseEvent{Name: EventParticipantRemoved, Aggregate: conversationID, Time: at},
		ConversationID: conversationID,
		RemovedBy:      actorID,
		UserID:         userID,
	}
}

type MessageSent struct {
	events.BaseEvent
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	SenderID       string   `json:"sender_id"`
	Recipients     []string `json:"recipients"`
	HasAttachments bool     `json:"has_attachments"`
}

func NewMessageSent(conv Conversation, msg Message) MessageSent {
	var recipients []string
	for _, id := range conv.ParticipantIDs() {
		if id != msg.SenderID {
			recipients = append(recipients, id)
		}
	}
	return MessageSent{
		BaseEvent:      events.BaseEvent{Name: EventMessageSent, Aggregate: conv.ID, Time: msg.Timestamp},
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
		Recipients:     recipients,
		HasAttachments: len(msg.Attachments) > 0,
	}
}

type MessageDeleted struct {
	events.BaseEvent
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

func NewMessageDeleted(conversationID, messageID string, at time.Time) MessageDeleted {
	return MessageDeleted{
		BaseEvent:      events.BaseEvent{Name: EventMessageDeleted, Aggregate: conversationID, Time: at},
		ConversationID: conversationID,
		MessageID:      messageID,
	}
}
