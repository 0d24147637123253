package ginserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	gin "github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"huddle/internal/app/auth"
	"huddle/internal/app/directory"
	"huddle/internal/app/directwrite"
	"huddle/internal/app/identity"
	"huddle/internal/app/messaging"
	"huddle/internal/app/session"
	ginserver "huddle/internal/infra/http/gin"
	"huddle/internal/infra/obs"
	"huddle/internal/infra/security"
	"huddle/internal/infra/storage/memory"
)

type testAPI struct {
	router   http.Handler
	registry *session.Registry
}

type apiOption func(*ginserver.MessagingHandler)

func withLimiter(l *ginserver.SendLimiter) apiOption {
	return func(h *ginserver.MessagingHandler) { h.Limiter = l }
}

func newTestAPI(t *testing.T, opts ...apiOption) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewDocStore(nil)
	t.Cleanup(func() { _ = store.Close() })
	users := directory.NewUsers(store)
	teams := directory.NewTeams(store)
	blobs := memory.NewBlobStore()
	authSvc := &auth.Service{
		Users:     users,
		Sessions:  auth.NewDocSessions(store),
		Passwords: security.BcryptHasher{Cost: bcrypt.MinCost},
		Tokens:    security.TokenGenerator{},
	}
	factory := func(p identity.Provider) (messaging.Service, error) {
		return messaging.New(messaging.ModeStore, messaging.Deps{
			Identity:           p,
			Store:              store,
			Blobs:              blobs,
			Profiles:           users,
			Teams:              teams,
			MaxAttachmentBytes: 1 << 10,
		})
	}
	registry := session.NewRegistry(factory, directwrite.New(store, users, nil), nil)
	t.Cleanup(func() { _ = registry.Close() })

	mh := ginserver.MessagingHandler{
		Sessions:           registry,
		Directory:          users,
		Limiter:            ginserver.NewSendLimiter(1000, 1000),
		MaxAttachmentBytes: 1 << 10,
		KeepAlive:          time.Hour,
	}
	for _, opt := range opts {
		opt(&mh)
	}
	router := ginserver.NewRouter(nil, obs.Middleware{}, obs.HealthHandlers{}, ginserver.Handlers{
		Auth:           ginserver.AuthHandler{Service: authSvc, Sessions: registry},
		Messaging:      mh,
		AuthMiddleware: ginserver.AuthMiddleware{Service: authSvc}.Handle,
	})
	return &testAPI{router: router, registry: registry}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

type registered struct {
	Token string
	ID    string
}

func (a *testAPI) register(t *testing.T, email, name string) registered {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email":        email,
		"display_name": name,
		"password":     "whistle-2026",
		"role":         "coach",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp struct {
		Token string `json:"token"`
		User  struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	decode(t, rec, &resp)
	return registered{Token: resp.Token, ID: resp.User.ID}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

type convResp struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	UnreadCount  int    `json:"unread_count"`
	Participants []struct {
		ID string `json:"id"`
	} `json:"participants"`
}

type msgResp struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	SenderID  string `json:"sender_id"`
	IsEdited  bool   `json:"is_edited"`
	Reactions []struct {
		Emoji string `json:"emoji"`
	} `json:"reactions"`
}

func (a *testAPI) createDirect(t *testing.T, token, peerID string) convResp {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/conversations", token, gin.H{
		"type":            "direct",
		"participant_ids": []string{peerID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv convResp
	decode(t, rec, &conv)
	return conv
}

func (a *testAPI) send(t *testing.T, token, convID, content string) msgResp {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", token, gin.H{"content": content})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var msg msgResp
	decode(t, rec, &msg)
	return msg
}

func TestAuthRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")

	rec := api.do(t, http.MethodGet, "/api/v1/auth/me", coach.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"display_name":"Coach Kim"`)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "coach@example.com", "password": "nope-nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/register", "", gin.H{
		"email": "coach@example.com", "display_name": "Again", "password": "whistle-2026",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/logout", coach.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/v1/auth/me", coach.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogoutKeepsOtherDevicesConnected(t *testing.T) {
	api := newTestAPI(t)
	phone := api.register(t, "coach@example.com", "Coach Kim")
	rec := api.do(t, http.MethodPost, "/api/v1/auth/login", "", gin.H{"email": "coach@example.com", "password": "whistle-2026"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var laptop struct {
		Token string `json:"token"`
	}
	decode(t, rec, &laptop)
	require.NotEqual(t, phone.Token, laptop.Token)

	for _, token := range []string{phone.Token, laptop.Token} {
		rec = api.do(t, http.MethodGet, "/api/v1/conversations", token, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	sc, ok := api.registry.Lookup(phone.ID)
	require.True(t, ok)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/logout", phone.Token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	still, ok := api.registry.Lookup(phone.ID)
	require.True(t, ok, "the laptop session still holds the context")
	assert.Same(t, sc, still)
	assert.NotNil(t, still.Service())

	rec = api.do(t, http.MethodGet, "/api/v1/conversations", laptop.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/auth/logout", laptop.Token, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	_, ok = api.registry.Lookup(phone.ID)
	assert.False(t, ok)
}

func TestMessagingRoutesNeedAuth(t *testing.T) {
	api := newTestAPI(t)
	for _, path := range []string{"/api/v1/conversations", "/api/v1/users", "/api/v1/connection"} {
		rec := api.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
	rec := api.do(t, http.MethodGet, "/api/v1/conversations", "forged", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationAndUnreadFlow(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	outsider := api.register(t, "other@example.com", "Olive Other")

	conv := api.createDirect(t, coach.Token, parent.ID)
	assert.Len(t, conv.Participants, 2)
	assert.Equal(t, "Pat Parent", conv.Name)
	api.send(t, coach.Token, conv.ID, "Practice moved to 5pm")

	rec := api.do(t, http.MethodGet, "/api/v1/conversations", parent.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Items []convResp `json:"items"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Items, 1)
	assert.Equal(t, 1, list.Items[0].UnreadCount)
	assert.Equal(t, "Coach Kim", list.Items[0].Name)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/read", parent.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"unread_total":0}`, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/messages", parent.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var msgs struct {
		Items []msgResp `json:"items"`
	}
	decode(t, rec, &msgs)
	require.Len(t, msgs.Items, 1)
	assert.Equal(t, "Practice moved to 5pm", msgs.Items[0].Content)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"outsider reads", http.MethodGet, "/api/v1/conversations/" + conv.ID, outsider.Token, nil, http.StatusForbidden},
		{"outsider sends", http.MethodPost, "/api/v1/conversations/" + conv.ID + "/messages", outsider.Token, gin.H{"content": "hi"}, http.StatusForbidden},
		{"missing conversation", http.MethodGet, "/api/v1/conversations/nope", coach.Token, nil, http.StatusNotFound},
		{"blank message", http.MethodPost, "/api/v1/conversations/" + conv.ID + "/messages", coach.Token, gin.H{"content": "  "}, http.StatusBadRequest},
		{"typing needs flag", http.MethodPost, "/api/v1/conversations/" + conv.ID + "/typing", coach.Token, gin.H{}, http.StatusBadRequest},
		{"typing", http.MethodPost, "/api/v1/conversations/" + conv.ID + "/typing", coach.Token, gin.H{"is_typing": true}, http.StatusNoContent},
		{"presence", http.MethodPut, "/api/v1/presence", coach.Token, gin.H{"status": "away"}, http.StatusNoContent},
		{"bad presence", http.MethodPut, "/api/v1/presence", coach.Token, gin.H{"status": "napping"}, http.StatusBadRequest},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := api.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			if tc.want >= http.StatusBadRequest {
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestEditReactAndDelete(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	conv := api.createDirect(t, coach.Token, parent.ID)
	msg := api.send(t, coach.Token, conv.ID, "Bring water")
	msgPath := "/api/v1/conversations/" + conv.ID + "/messages/" + msg.ID

	rec := api.do(t, http.MethodPatch, msgPath, parent.Token, gin.H{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, http.MethodPatch, msgPath, coach.Token, gin.H{"content": "Bring water and snacks"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var edited msgResp
	decode(t, rec, &edited)
	assert.True(t, edited.IsEdited)
	assert.Equal(t, "Bring water and snacks", edited.Content)

	rec = api.do(t, http.MethodPost, msgPath+"/reactions", parent.Token, gin.H{"emoji": "👍"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var reacted msgResp
	decode(t, rec, &reacted)
	require.Len(t, reacted.Reactions, 1)

	rec = api.do(t, http.MethodDelete, msgPath+"/reactions?emoji=%F0%9F%91%8D", parent.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &reacted)
	assert.Empty(t, reacted.Reactions)

	rec = api.do(t, http.MethodDelete, msgPath, coach.Token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = api.do(t, http.MethodDelete, msgPath, coach.Token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestParticipantsRoutes(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	player := api.register(t, "player@example.com", "Riley Player")

	rec := api.do(t, http.MethodPost, "/api/v1/conversations", coach.Token, gin.H{
		"type": "group", "participant_ids": []string{parent.ID}, "name": "Carpool",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conv convResp
	decode(t, rec, &conv)
	assert.Equal(t, "Carpool", conv.Name)

	rec = api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/participants", coach.Token, gin.H{"user_ids": []string{player.ID}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &conv)
	assert.Len(t, conv.Participants, 3)

	rec = api.do(t, http.MethodDelete, "/api/v1/conversations/"+conv.ID+"/participants/"+player.ID, coach.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &conv)
	assert.Len(t, conv.Participants, 2)

	rec = api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, player.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUploadAttachment(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	conv := api.createDirect(t, coach.Token, parent.ID)

	upload := func(name string, data []byte) *httptest.ResponseRecorder {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/conversations/"+conv.ID+"/attachments", &body)
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("Authorization", "Bearer "+coach.Token)
		rec := httptest.NewRecorder()
		api.router.ServeHTTP(rec, req)
		return rec
	}

	rec := upload("lineup.txt", []byte("1. Riley\n2. Sam\n"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var att struct {
		URL  string `json:"url"`
		Name string `json:"name"`
		Size int64  `json:"size"`
	}
	decode(t, rec, &att)
	assert.Equal(t, "lineup.txt", att.Name)
	assert.Equal(t, int64(16), att.Size)
	assert.True(t, strings.HasPrefix(att.URL, "memory://attachments/conversations/"+conv.ID+"/"), att.URL)

	rec = upload("big.bin", bytes.Repeat([]byte("x"), 2<<10))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "1.0 KiB")

	rec = api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/attachments", coach.Token, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendRateLimit(t *testing.T) {
	api := newTestAPI(t, withLimiter(ginserver.NewSendLimiter(0.001, 1)))
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	conv := api.createDirect(t, coach.Token, parent.ID)

	api.send(t, coach.Token, conv.ID, "first")
	rec := api.do(t, http.MethodPost, "/api/v1/conversations/"+conv.ID+"/messages", coach.Token, gin.H{"content": "second"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Limits are per user.
	api.send(t, parent.Token, conv.ID, "reply")
}

func TestUserSearchExcludesCaller(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	api.register(t, "parent@example.com", "Pat Parent")
	api.register(t, "player@example.com", "Riley Player")

	rec := api.do(t, http.MethodGet, "/api/v1/users?q=PA", coach.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Items []struct {
			DisplayName string `json:"display_name"`
		} `json:"items"`
	}
	decode(t, rec, &resp)
	require.Len(t, resp.Items, 1)
	assert.Equal(t, "Pat Parent", resp.Items[0].DisplayName)

	rec = api.do(t, http.MethodGet, "/api/v1/users?q=coach", coach.Token, nil)
	decode(t, rec, &resp)
	assert.Empty(t, resp.Items)
}

func TestConnectionStatus(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")

	rec := api.do(t, http.MethodGet, "/api/v1/connection", coach.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"connected","initialized":true,"unread_total":0}`, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/api/v1/connection/reconnect", coach.Token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"connected"`)
}

func TestHealthRoutes(t *testing.T) {
	api := newTestAPI(t)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/livez", "", nil).Code)
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/readyz", "", nil).Code)
}

func TestConversationStream(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	conv := api.createDirect(t, coach.Token, parent.ID)

	srv := httptest.NewServer(api.router)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/conversations/stream?access_token="+parent.Token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if sc.Text() == "event:conversations" {
			require.True(t, sc.Scan())
			data = sc.Text()
			break
		}
	}
	require.True(t, strings.HasPrefix(data, "data:"), data)
	assert.Contains(t, data, conv.ID)
}

func TestLiveSocket(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	conv := api.createDirect(t, coach.Token, parent.ID)
	api.send(t, coach.Token, conv.ID, "first")

	srv := httptest.NewServer(api.router)
	t.Cleanup(srv.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/conversations/" + conv.ID + "/live?access_token=" + parent.Token
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	type frame struct {
		Type     string    `json:"type"`
		Messages []msgResp `json:"messages"`
		Error    string    `json:"error"`
	}
	waitFor := func(match func(frame) bool) frame {
		t.Helper()
		for {
			var f frame
			require.NoError(t, wsjson.Read(ctx, conn, &f))
			if match(f) {
				return f
			}
		}
	}

	f := waitFor(func(f frame) bool { return f.Type == "messages" })
	require.Len(t, f.Messages, 1)
	assert.Equal(t, "first", f.Messages[0].Content)

	api.send(t, coach.Token, conv.ID, "second")
	f = waitFor(func(f frame) bool { return f.Type == "messages" && len(f.Messages) == 2 })
	assert.Equal(t, "second", f.Messages[1].Content)
	require.Eventually(t, func() bool {
		rec := api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID, parent.Token, nil)
		var got convResp
		return rec.Code == http.StatusOK && json.Unmarshal(rec.Body.Bytes(), &got) == nil && got.UnreadCount == 0
	}, 3*time.Second, 20*time.Millisecond, "an open socket reads what it shows")

	require.NoError(t, wsjson.Write(ctx, conn, map[string]any{"type": "dance"}))
	f = waitFor(func(f frame) bool { return f.Type == "error" })
	assert.Contains(t, f.Error, "Unsupported command")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
}

func TestLiveSocketRejectsOutsiders(t *testing.T) {
	api := newTestAPI(t)
	coach := api.register(t, "coach@example.com", "Coach Kim")
	parent := api.register(t, "parent@example.com", "Pat Parent")
	outsider := api.register(t, "other@example.com", "Olive Other")
	conv := api.createDirect(t, coach.Token, parent.ID)

	rec := api.do(t, http.MethodGet, "/api/v1/conversations/"+conv.ID+"/live", outsider.Token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
