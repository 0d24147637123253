package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	"huddle/internal/app/session"
	domain "huddle/internal/domain/messaging"
)

// tracked wraps a mock service and counts lifecycle calls.
type tracked struct {
	*messaging.MockService
	initErr     error
	createErr   error
	disconnects atomic.Int32
	initializes atomic.Int32
}

func (s *tracked) Initialize(ctx context.Context) error {
	s.initializes.Add(1)
	if s.initErr != nil {
		return s.initErr
	}
	return s.MockService.Initialize(ctx)
}

func (s *tracked) Disconnect() error {
	s.disconnects.Add(1)
	return s.MockService.Disconnect()
}

func (s *tracked) CreateConversation(ctx context.Context, in domain.NewConversation) (domain.Conversation, error) {
	if s.createErr != nil {
		return domain.Conversation{}, s.createErr
	}
	return s.MockService.CreateConversation(ctx, in)
}

type builder struct {
	mu      sync.Mutex
	built   []*tracked
	initErr error
	create  error
	fail    error
}

func (b *builder) factory(p identity.Provider) (messaging.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		return nil, b.fail
	}
	svc := &tracked{
		MockService: messaging.NewMockService(messaging.Deps{Identity: p}),
		initErr:     b.initErr,
		createErr:   b.create,
	}
	b.built = append(b.built, svc)
	return svc, nil
}

func (b *builder) all() []*tracked {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*tracked(nil), b.built...)
}

type fallback struct {
	creates atomic.Int32
	sends   atomic.Int32
}

func (f *fallback) CreateConversation(_ context.Context, creator domain.Profile, in domain.NewConversation) (domain.Conversation, error) {
	f.creates.Add(1)
	return domain.Conversation{ID: "fallback-conv", CreatedBy: creator.ID}, nil
}

func (f *fallback) SendMessage(_ context.Context, sender domain.Profile, conversationID string, in domain.MessageInput) (domain.Message, error) {
	f.sends.Add(1)
	return domain.Message{ID: "fallback-msg", ConversationID: conversationID, SenderID: sender.ID, Content: in.Content}, nil
}

func start(t *testing.T, b *builder, fb session.Fallback) (*session.Context, *identity.Session) {
	t.Helper()
	ids := identity.NewSession()
	c, err := session.New(session.Config{Identity: ids, Factory: b.factory, Fallback: fb})
	require.NoError(t, err)
	c.Start()
	t.Cleanup(func() { _ = c.Close() })
	return c, ids
}

var coach = identity.Principal{ID: messaging.MockCoachID, DisplayName: "Coach Taylor"}

func TestNewValidatesConfig(t *testing.T) {
	_, err := session.New(session.Config{})
	assert.Error(t, err)
	_, err = session.New(session.Config{Identity: identity.NewSession()})
	assert.Error(t, err)
}

func TestContextFollowsIdentity(t *testing.T) {
	b := &builder{}
	c, ids := start(t, b, nil)

	assert.Nil(t, c.Service())
	assert.False(t, c.IsInitialized())
	assert.Equal(t, messaging.StatusDisconnected, c.ConnectionStatus())

	ids.SignIn(coach)
	require.NotNil(t, c.Service())
	assert.True(t, c.IsInitialized())
	assert.Equal(t, coach.ID, c.UserID())
	assert.Equal(t, messaging.StatusConnected, c.ConnectionStatus())

	ids.SignOut()
	assert.Nil(t, c.Service())
	assert.False(t, c.IsInitialized())
	built := b.all()
	require.Len(t, built, 1)
	assert.Equal(t, int32(1), built[0].disconnects.Load())
}

func TestRapidSignInOutLeaksNothing(t *testing.T) {
	b := &builder{}
	c, ids := start(t, b, nil)

	for range 25 {
		ids.SignIn(coach)
		ids.SignOut()
	}
	ids.SignIn(coach)
	require.NoError(t, c.Close())

	for i, svc := range b.all() {
		assert.Equal(t, int32(1), svc.disconnects.Load(), "service %d", i)
		assert.Empty(t, svc.ActiveSubscriptions())
	}
	assert.Len(t, b.all(), 26)
}

func TestSwitchingUserRebuilds(t *testing.T) {
	b := &builder{}
	c, ids := start(t, b, nil)

	ids.SignIn(coach)
	ids.SignIn(coach)
	assert.Len(t, b.all(), 1, "same principal keeps the service")

	ids.SignIn(identity.Principal{ID: messaging.MockParentID})
	assert.Len(t, b.all(), 2)
	assert.Equal(t, messaging.MockParentID, c.UserID())
	assert.Equal(t, int32(1), b.all()[0].disconnects.Load())
}

func TestInitializationFailureIsRecorded(t *testing.T) {
	offline := domain.Transient("messaging.Initialize", errors.New("dial tcp: connection refused"))
	b := &builder{initErr: offline}
	c, ids := start(t, b, nil)

	ids.SignIn(coach)
	assert.False(t, c.IsInitialized())
	assert.ErrorIs(t, c.LastError(), domain.ErrTransient)

	b.mu.Lock()
	b.initErr = nil
	b.mu.Unlock()
	require.NoError(t, c.Reconnect(context.Background()))
	assert.True(t, c.IsInitialized())
	assert.NoError(t, c.LastError())
	assert.Equal(t, int32(1), b.all()[0].disconnects.Load())
}

func TestReconnectNeedsPrincipal(t *testing.T) {
	c, _ := start(t, &builder{}, nil)
	assert.True(t, domain.IsNotAuthenticated(c.Reconnect(context.Background())))
}

func TestCreateConversationFallback(t *testing.T) {
	tests := []struct {
		name         string
		b            *builder
		wantFallback bool
		wantErr      error
	}{
		{name: "service works", b: &builder{}},
		{name: "transient failure", b: &builder{create: domain.Transient("op", errors.New("timeout"))}, wantFallback: true},
		{name: "unknown failure", b: &builder{create: errors.New("boom")}, wantFallback: true},
		{name: "validation is final", b: &builder{create: domain.Fail("op", domain.ErrValidation, "x")}, wantErr: domain.ErrValidation},
		{name: "access is final", b: &builder{create: domain.Fail("op", domain.ErrNotParticipant, "")}, wantErr: domain.ErrNotParticipant},
		{name: "no service", b: &builder{fail: errors.New("no store")}, wantFallback: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			fb := &fallback{}
			c, ids := start(t, tc.b, fb)
			ids.SignIn(coach)

			conv, err := c.CreateConversation(context.Background(), domain.NewConversation{
				ParticipantIDs: []string{messaging.MockPlayerID},
			})
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, fb.creates.Load())
				return
			}
			require.NoError(t, err)
			if tc.wantFallback {
				assert.Equal(t, int32(1), fb.creates.Load())
				assert.Equal(t, "fallback-conv", conv.ID)
				assert.Equal(t, coach.ID, conv.CreatedBy)
			} else {
				assert.Zero(t, fb.creates.Load())
				assert.NotEqual(t, "fallback-conv", conv.ID)
			}
		})
	}
}

func TestWithoutFallbackReportsUnavailable(t *testing.T) {
	c, ids := start(t, &builder{fail: errors.New("no store")}, nil)
	ids.SignIn(coach)

	_, err := c.SendMessage(context.Background(), "conv-direct-1", domain.MessageInput{Content: "hi"})
	assert.True(t, domain.IsTransient(err))
	assert.ErrorIs(t, err, session.ErrUnavailable)
}

func TestSendMessageUsesServiceWhenReady(t *testing.T) {
	fb := &fallback{}
	c, ids := start(t, &builder{}, fb)
	ids.SignIn(coach)

	msg, err := c.SendMessage(context.Background(), "conv-direct-1", domain.MessageInput{Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", msg.Content)
	assert.Zero(t, fb.sends.Load())
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	b := &builder{}
	c, ids := start(t, b, nil)
	ids.SignIn(coach)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	ids.SignIn(identity.Principal{ID: messaging.MockParentID})
	assert.Nil(t, c.Service())
	assert.Len(t, b.all(), 1)
	assert.ErrorIs(t, c.Reconnect(context.Background()), session.ErrUnavailable)
}
