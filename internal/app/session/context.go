// Package session owns the lifetime of a messaging service for one signed-in
// user. A Context follows the identity provider: it builds and initializes a
// service on sign-in and disconnects it on sign-out, so consumers receive the
// Context by injection and never reach for a global.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	domain "huddle/internal/domain/messaging"
)

// Factory builds a fresh, uninitialized service bound to provider.
type Factory func(provider identity.Provider) (messaging.Service, error)

// Fallback writes conversations and messages without a messaging service.
// directwrite.Writer implements it.
type Fallback interface {
	CreateConversation(ctx context.Context, creator domain.Profile, in domain.NewConversation) (domain.Conversation, error)
	SendMessage(ctx context.Context, sender domain.Profile, conversationID string, in domain.MessageInput) (domain.Message, error)
}

type Config struct {
	Identity identity.Provider
	Factory  Factory
	Fallback Fallback
	Logger   *slog.Logger
	// InitTimeout bounds Initialize on sign-in. Zero means 10s.
	InitTimeout time.Duration
}

var ErrUnavailable = errors.New("messaging is not available")

type Context struct {
	cfg Config

	// lifecycle serializes build and teardown so rapid sign-in/out cycles
	// never leave two services alive.
	lifecycle sync.Mutex

	mu          sync.RWMutex
	svc         messaging.Service
	initialized bool
	lastErr     error
	userID      string
	stopAuth    func()
	closed      bool
}

func New(cfg Config) (*Context, error) {
	if cfg.Identity == nil {
		return nil, errors.New("session: identity provider is required")
	}
	if cfg.Factory == nil {
		return nil, errors.New("session: service factory is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = 10 * time.Second
	}
	return &Context{cfg: cfg}, nil
}

// Start begins following the identity provider. The current state is applied
// before Start returns.
func (c *Context) Start() {
	c.mu.Lock()
	if c.stopAuth != nil || c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	stop := c.cfg.Identity.Subscribe(c.onAuth)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		stop()
		return
	}
	c.stopAuth = stop
	c.mu.Unlock()
}

func (c *Context) onAuth(p identity.Principal, signedIn bool) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	closed, current := c.closed, c.userID
	c.mu.RUnlock()
	if closed {
		return
	}
	if !signedIn {
		c.teardown("signed out")
		return
	}
	if current == p.ID && c.IsInitialized() {
		return
	}
	c.teardown("principal changed")
	c.build(p.ID)
}

// build creates and initializes a service. Caller holds c.lifecycle.
func (c *Context) build(userID string) error {
	svc, err := c.cfg.Factory(c.cfg.Identity)
	if err != nil {
		c.cfg.Logger.Error("messaging service construction failed", "user_id", userID, "error", err)
		c.setState(nil, false, err, userID)
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.InitTimeout)
	defer cancel()
	if err := svc.Initialize(ctx); err != nil {
		c.cfg.Logger.Warn("messaging initialization failed", "user_id", userID, "error", err)
		// Keep the instance so Reconnect and the status monitor have
		// something to work with; it reports itself disconnected.
		c.setState(svc, false, err, userID)
		return err
	}
	c.cfg.Logger.Info("messaging ready", "user_id", userID)
	c.setState(svc, true, nil, userID)
	return nil
}

// teardown disconnects and forgets the current service. Caller holds
// c.lifecycle.
func (c *Context) teardown(reason string) {
	c.mu.Lock()
	svc, userID := c.svc, c.userID
	c.svc, c.initialized, c.lastErr, c.userID = nil, false, nil, ""
	c.mu.Unlock()
	if svc == nil {
		return
	}
	if err := svc.Disconnect(); err != nil {
		c.cfg.Logger.Warn("messaging disconnect failed", "user_id", userID, "error", err)
	}
	c.cfg.Logger.Info("messaging torn down", "user_id", userID, "reason", reason)
}

func (c *Context) setState(svc messaging.Service, initialized bool, err error, userID string) {
	c.mu.Lock()
	c.svc, c.initialized, c.lastErr, c.userID = svc, initialized, err, userID
	c.mu.Unlock()
}

// Service returns the active service, or nil while signed out.
func (c *Context) Service() messaging.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.svc
}

func (c *Context) IsInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

// LastError is the error of the most recent initialization attempt.
func (c *Context) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// UserID is the principal the current service was built for.
func (c *Context) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// ConnectionStatus reports disconnected while no service exists.
func (c *Context) ConnectionStatus() messaging.ConnectionStatus {
	svc := c.Service()
	if svc == nil {
		return messaging.StatusDisconnected
	}
	return svc.ConnectionStatus()
}

// Reconnect rebuilds the service for the signed-in principal.
func (c *Context) Reconnect(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return ErrUnavailable
	}
	p, ok := c.cfg.Identity.Current(ctx)
	if !ok {
		return domain.Fail("session.Reconnect", domain.ErrNotAuthenticated, "")
	}
	c.teardown("reconnect")
	return c.build(p.ID)
}

// Close stops following identity changes and disconnects the service.
func (c *Context) Close() error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop := c.stopAuth
	c.stopAuth = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	c.teardown("closed")
	return nil
}

// CreateConversation goes through the service and falls back to the direct
// write path when the service is missing or failed for infrastructure
// reasons. Validation and authorization failures are returned as is.
func (c *Context) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	const op = "session.CreateConversation"
	if svc := c.ready(); svc != nil {
		conv, err := svc.CreateConversation(ctx, in)
		if err == nil || conv.ID != "" || !shouldFallback(err) {
			return conv, err
		}
		c.cfg.Logger.Warn("conversation create failed, using direct write", "error", err)
	}
	if c.cfg.Fallback == nil {
		return domain.Conversation{}, domain.Transient(op, ErrUnavailable)
	}
	p, ok := c.cfg.Identity.Current(ctx)
	if !ok {
		return domain.Conversation{}, domain.Fail(op, domain.ErrNotAuthenticated, "")
	}
	return c.cfg.Fallback.CreateConversation(ctx, p.Profile(), in)
}

// SendMessage follows the same fallback rule as CreateConversation.
func (c *Context) SendMessage(ctx context.Context, conversationID string, in domain.MessageInput) (domain.Message, error) {
	const op = "session.SendMessage"
	if svc := c.ready(); svc != nil {
		msg, err := svc.SendMessage(ctx, conversationID, in)
		if err == nil || !shouldFallback(err) {
			return msg, err
		}
		c.cfg.Logger.Warn("message send failed, using direct write", "conversation_id", conversationID, "error", err)
	}
	if c.cfg.Fallback == nil {
		return domain.Message{}, domain.Transient(op, ErrUnavailable)
	}
	p, ok := c.cfg.Identity.Current(ctx)
	if !ok {
		return domain.Message{}, domain.Fail(op, domain.ErrNotAuthenticated, "")
	}
	return c.cfg.Fallback.SendMessage(ctx, p.Profile(), conversationID, in)
}

func (c *Context) ready() messaging.Service {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return nil
	}
	return c.svc
}

func shouldFallback(err error) bool {
	kind := domain.KindOf(err)
	return kind == nil || errors.Is(kind, domain.ErrTransient)
}
