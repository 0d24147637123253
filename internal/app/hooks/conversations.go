package hooks

import (
	"context"
	"sync"

	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

type ConversationListState struct {
	Conversations []domain.Conversation
	Loading       bool
	Err           error
}

// ConversationList keeps the caller's conversations current through one
// subscription.
type ConversationList struct {
	svc messaging.Service
	em  *emitter[ConversationListState]

	mu    sync.Mutex
	unsub messaging.Unsubscribe
}

func NewConversationList(ctx context.Context, svc messaging.Service, onChange func(ConversationListState)) *ConversationList {
	l := &ConversationList{svc: svc, em: newEmitter(ConversationListState{Loading: true}, onChange)}
	l.subscribe(ctx)
	return l
}

func (l *ConversationList) subscribe(ctx context.Context) {
	unsub, err := l.svc.SubscribeToConversations(ctx, func(convs []domain.Conversation) {
		l.em.update(func(s *ConversationListState) {
			s.Conversations, s.Loading, s.Err = convs, false, nil
		})
	})
	if err != nil {
		l.em.update(func(s *ConversationListState) { s.Loading, s.Err = false, err })
		return
	}
	l.mu.Lock()
	if l.em.isClosed() {
		l.mu.Unlock()
		unsub()
		return
	}
	l.unsub = unsub
	l.mu.Unlock()
}

func (l *ConversationList) State() ConversationListState { return l.em.get() }

// Refresh drops the subscription and opens a new one.
func (l *ConversationList) Refresh(ctx context.Context) {
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	l.em.update(func(s *ConversationListState) { s.Loading, s.Err = true, nil })
	l.subscribe(ctx)
}

func (l *ConversationList) Close() {
	if !l.em.close() {
		return
	}
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

type ConversationViewState struct {
	Conversation domain.Conversation
	Loading      bool
	Err          error
}

// ConversationView loads one conversation and edits its participant list.
type ConversationView struct {
	svc messaging.Service
	id  string
	em  *emitter[ConversationViewState]
}

func NewConversationView(ctx context.Context, svc messaging.Service, id string, onChange func(ConversationViewState)) *ConversationView {
	v := &ConversationView{svc: svc, id: id, em: newEmitter(ConversationViewState{Loading: true}, onChange)}
	_ = v.Reload(ctx)
	return v
}

func (v *ConversationView) State() ConversationViewState { return v.em.get() }

func (v *ConversationView) Reload(ctx context.Context) error {
	conv, err := v.svc.ConversationByID(ctx, v.id)
	v.em.update(func(s *ConversationViewState) {
		s.Loading, s.Err = false, err
		if err == nil {
			s.Conversation = conv
		}
	})
	return err
}

// AddParticipants adds ids through the service, which applies the change
// without rewriting the rest of the list.
func (v *ConversationView) AddParticipants(ctx context.Context, ids []string) error {
	conv, err := v.svc.AddParticipants(ctx, v.id, ids)
	return v.apply(conv, err)
}

// RemoveParticipant refuses locally to empty the conversation before asking
// the service, which enforces the same rule.
func (v *ConversationView) RemoveParticipant(ctx context.Context, userID string) error {
	const op = "hooks.RemoveParticipant"
	conv, err := v.svc.ConversationByID(ctx, v.id)
	if err != nil {
		return v.fail(err)
	}
	if !conv.HasParticipant(userID) {
		return v.fail(domain.Fail(op, domain.ErrNotFound, "participant not found"))
	}
	if len(conv.Participants) <= 1 {
		return v.fail(domain.Fail(op, domain.ErrValidation, "cannot remove the last participant"))
	}
	conv, err = v.svc.RemoveParticipant(ctx, v.id, userID)
	return v.apply(conv, err)
}

func (v *ConversationView) apply(conv domain.Conversation, err error) error {
	if err != nil {
		return v.fail(err)
	}
	v.em.update(func(s *ConversationViewState) { s.Conversation, s.Err = conv, nil })
	return nil
}

func (v *ConversationView) fail(err error) error {
	v.em.update(func(s *ConversationViewState) { s.Err = err })
	return err
}

func (v *ConversationView) Close() { v.em.close() }
