package ginserver

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/hooks"
	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

const (
	liveWriteTimeout = 5 * time.Second
	liveReadLimit    = 4 << 10
)

// upgradeWriter carries a websocket handshake through gin. The 101 status
// goes straight to the server's writer, because gin only flushes a status
// by marking the response written, after which it refuses to hijack. The
// hijack itself goes through gin so it stops writing to the connection.
type upgradeWriter struct {
	gin gin.ResponseWriter
	raw http.ResponseWriter
}

func newUpgradeWriter(w gin.ResponseWriter) upgradeWriter {
	raw := http.ResponseWriter(w)
	if u, ok := w.(interface{ Unwrap() http.ResponseWriter }); ok {
		raw = u.Unwrap()
	}
	return upgradeWriter{gin: w, raw: raw}
}

func (w upgradeWriter) Header() http.Header { return w.gin.Header() }

func (w upgradeWriter) Write(b []byte) (int, error) { return w.gin.Write(b) }

func (w upgradeWriter) WriteHeader(code int) {
	w.gin.WriteHeader(code)
	if code == http.StatusSwitchingProtocols && w.raw != http.ResponseWriter(w.gin) {
		w.raw.WriteHeader(code)
	}
}

func (w upgradeWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return w.gin.Hijack()
}

// offerLatest replaces whatever is buffered in ch with v. Subscribers deliver
// whole snapshots, so only the newest one matters.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Stream pushes the caller's conversation list as server-sent events: one
// "conversations" event per change, "ping" events in between. A reconnect
// moves the subscription to the rebuilt service.
func (h MessagingHandler) Stream(c *gin.Context) {
	sc, p, ok := h.session(c)
	if !ok {
		return
	}
	svc, ok := h.ready(c, sc, p)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	updates := make(chan hooks.ConversationListState, 1)
	follow := func(svc messaging.Service) *hooks.ConversationList {
		return hooks.NewConversationList(ctx, svc, func(st hooks.ConversationListState) {
			if !st.Loading {
				offerLatest(updates, st)
			}
		})
	}
	list := follow(svc)
	defer func() { list.Close() }()
	if err := list.State().Err; err != nil {
		respondMessagingError(c, h.Logger, err, "subscribe conversations", "user_id", p.ID)
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	ticker := time.NewTicker(h.keepAlive())
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case st := <-updates:
			if st.Err != nil {
				c.SSEvent("error", gin.H{"error": domain.UserMessage(st.Err)})
				return true
			}
			c.SSEvent("conversations", conversationList{Items: newConversationDTOs(st.Conversations, p.ID)})
			return true
		case <-ticker.C:
			if next, ok := rebuilt(sc, svc); ok {
				list.Close()
				list = follow(next)
				if err := list.State().Err; err != nil {
					if h.Logger != nil {
						h.Logger.Warn("conversation stream resubscribe failed", "error", err, "user_id", p.ID)
					}
					return false
				}
				svc = next
			}
			c.SSEvent("ping", time.Now().UTC().Unix())
			return true
		}
	})
}

// liveFrame is sent to websocket clients.
type liveFrame struct {
	Type     string       `json:"type"`
	Messages []messageDTO `json:"messages,omitempty"`
	Typing   []typingDTO  `json:"typing,omitempty"`
	Error    string       `json:"error,omitempty"`
}

// liveCommand is read from websocket clients.
type liveCommand struct {
	Type       string   `json:"type"`
	IsTyping   bool     `json:"is_typing"`
	MessageIDs []string `json:"message_ids"`
}

// Live upgrades to a websocket that streams message and typing snapshots of
// one conversation and accepts "typing" and "read" commands. Messages that
// arrive while the socket is open are marked read for the caller.
func (h MessagingHandler) Live(c *gin.Context) {
	sc, p, ok := h.session(c)
	if !ok {
		return
	}
	svc, ok := h.ready(c, sc, p)
	if !ok {
		return
	}
	id := c.Param("id")
	if _, err := svc.ConversationByID(c.Request.Context(), id); err != nil {
		respondMessagingError(c, h.Logger, err, "open live", "conversation_id", id, "user_id", p.ID)
		return
	}
	conn, err := websocket.Accept(newUpgradeWriter(c.Writer), c.Request, &websocket.AcceptOptions{
		OriginPatterns:     h.OriginPatterns,
		InsecureSkipVerify: slices.Contains(h.OriginPatterns, "*"),
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Info("websocket accept failed", "error", err, "user_id", p.ID)
		}
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(liveReadLimit)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	msgs := make(chan []domain.Message, 1)
	typing := make(chan []domain.TypingIndicator, 1)
	notices := make(chan string, 4)

	// The viewer has the conversation open, so new messages count as read.
	list, err := hooks.NewMessageList(ctx, hooks.MessageListConfig{
		Service:        svc,
		ViewerID:       p.ID,
		ConversationID: id,
		Logger:         h.Logger,
		OnChange: func(st hooks.MessageListState) {
			if !st.Loading {
				offerLatest(msgs, st.Messages)
			}
		},
	})
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, domain.UserMessage(err))
		return
	}
	defer list.Close()
	unsubTyping, err := svc.SubscribeToTypingIndicators(ctx, id, func(t []domain.TypingIndicator) { offerLatest(typing, t) })
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, domain.UserMessage(err))
		return
	}
	defer unsubTyping()

	var isTyping atomic.Bool
	defer func() {
		if isTyping.Load() {
			stopCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), liveWriteTimeout)
			_ = svc.SetTypingStatus(stopCtx, id, false)
			stop()
		}
	}()

	go func() {
		defer cancel()
		for {
			var cmd liveCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) && h.Logger != nil {
					h.Logger.Debug("websocket read ended", "error", err, "user_id", p.ID)
				}
				return
			}
			var cmdErr error
			switch cmd.Type {
			case "typing":
				cmdErr = svc.SetTypingStatus(ctx, id, cmd.IsTyping)
				if cmdErr == nil {
					isTyping.Store(cmd.IsTyping)
				}
			case "read":
				cmdErr = svc.MarkAsRead(ctx, id, cmd.MessageIDs...)
			default:
				cmdErr = domain.Fail("http.Live", domain.ErrValidation, "unsupported command "+cmd.Type)
			}
			if cmdErr != nil {
				select {
				case notices <- domain.UserMessage(cmdErr):
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(h.keepAlive())
	defer ticker.Stop()
	for {
		var frame liveFrame
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case m := <-msgs:
			frame = liveFrame{Type: "messages", Messages: newMessageDTOs(m)}
		case t := <-typing:
			frame = liveFrame{Type: "typing", Typing: newTypingDTOs(t, p.ID)}
		case msg := <-notices:
			frame = liveFrame{Type: "error", Error: msg}
		case <-ticker.C:
			if _, ok := rebuilt(sc, svc); ok {
				// Subscriptions died with the old service; the client reopens.
				_ = conn.Close(websocket.StatusServiceRestart, "reconnected")
				return
			}
			pingCtx, stop := context.WithTimeout(ctx, liveWriteTimeout)
			err := conn.Ping(pingCtx)
			stop()
			if err != nil {
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
			continue
		}
		writeCtx, stop := context.WithTimeout(ctx, liveWriteTimeout)
		err := wsjson.Write(writeCtx, conn, frame)
		stop()
		if err != nil {
			if h.Logger != nil && ctx.Err() == nil {
				h.Logger.Info("websocket write failed", "error", err, "user_id", p.ID)
			}
			return
		}
	}
}
