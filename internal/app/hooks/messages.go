package hooks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

type MessageListState struct {
	Messages []domain.Message
	Loading  bool
	Err      error
}

// MessageList follows one conversation's messages and marks them read as
// they arrive.
type MessageList struct {
	svc            messaging.Service
	viewerID       string
	conversationID string
	logger         *slog.Logger
	em             *emitter[MessageListState]

	// marks run detached from the caller's request and stop on Close.
	bg     context.Context
	cancel context.CancelFunc
	marks  sync.WaitGroup

	mu      sync.Mutex
	unsub   messaging.Unsubscribe
	closing bool
}

type MessageListConfig struct {
	Service        messaging.Service
	ViewerID       string
	ConversationID string
	Logger         *slog.Logger
	OnChange       func(MessageListState)
}

func NewMessageList(ctx context.Context, cfg MessageListConfig) (*MessageList, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &MessageList{
		svc:            cfg.Service,
		viewerID:       cfg.ViewerID,
		conversationID: cfg.ConversationID,
		logger:         logger,
		em:             newEmitter(MessageListState{Loading: true}, cfg.OnChange),
		bg:             bg,
		cancel:         cancel,
	}
	unsub, err := cfg.Service.SubscribeToMessages(ctx, cfg.ConversationID, l.receive)
	if err != nil {
		cancel()
		return nil, err
	}
	l.mu.Lock()
	l.unsub = unsub
	l.mu.Unlock()
	return l, nil
}

func (l *MessageList) receive(msgs []domain.Message) {
	l.em.update(func(s *MessageListState) {
		s.Messages, s.Loading, s.Err = msgs, false, nil
	})
	if len(msgs) == 0 || len(domain.UnreadFor(msgs, l.viewerID)) == 0 {
		return
	}
	l.mu.Lock()
	if l.closing {
		l.mu.Unlock()
		return
	}
	l.marks.Add(1)
	l.mu.Unlock()
	go func() {
		defer l.marks.Done()
		ctx, cancel := context.WithTimeout(l.bg, 10*time.Second)
		defer cancel()
		if err := l.svc.MarkAsRead(ctx, l.conversationID); err != nil && l.bg.Err() == nil {
			l.logger.Warn("auto mark read failed", "conversation_id", l.conversationID, "error", err)
		}
	}()
}

func (l *MessageList) State() MessageListState { return l.em.get() }

func (l *MessageList) Send(ctx context.Context, content string) (domain.Message, error) {
	return l.SendInput(ctx, domain.MessageInput{Content: content})
}

func (l *MessageList) SendInput(ctx context.Context, in domain.MessageInput) (domain.Message, error) {
	msg, err := l.svc.SendMessage(ctx, l.conversationID, in)
	l.record(err)
	return msg, err
}

func (l *MessageList) Edit(ctx context.Context, messageID, content string) (domain.Message, error) {
	msg, err := l.svc.UpdateMessage(ctx, l.conversationID, messageID, content)
	l.record(err)
	return msg, err
}

func (l *MessageList) Delete(ctx context.Context, messageID string) error {
	err := l.svc.DeleteMessage(ctx, l.conversationID, messageID)
	l.record(err)
	return err
}

func (l *MessageList) React(ctx context.Context, messageID, emoji string) (domain.Message, error) {
	msg, err := l.svc.AddReaction(ctx, l.conversationID, messageID, emoji)
	l.record(err)
	return msg, err
}

func (l *MessageList) Unreact(ctx context.Context, messageID, emoji string) (domain.Message, error) {
	msg, err := l.svc.RemoveReaction(ctx, l.conversationID, messageID, emoji)
	l.record(err)
	return msg, err
}

func (l *MessageList) record(err error) {
	if err != nil {
		l.em.update(func(s *MessageListState) { s.Err = err })
	}
}

// Close unsubscribes and waits for pending read marks to stop.
func (l *MessageList) Close() {
	if !l.em.close() {
		return
	}
	l.mu.Lock()
	unsub := l.unsub
	l.unsub = nil
	l.closing = true
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	l.cancel()
	l.marks.Wait()
}
