package ginserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gin "github.com/gin-gonic/gin"

	"huddle/internal/app/auth"
	"huddle/internal/app/identity"
	"huddle/internal/app/session"
	domainauth "huddle/internal/domain/auth"
	domainuser "huddle/internal/domain/user"
)

const principalContextKey = "huddle.principal"

type principal struct {
	ID      string
	Email   string
	Name    string
	Picture string
	Roles   []string
	Token   string
	// SessionKey and Expires describe the auth session behind Token.
	SessionKey string
	Expires    time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (p principal) identity() identity.Principal {
	return identity.Principal{ID: p.ID, DisplayName: p.Name, ProfilePicture: p.Picture}
}

func (p principal) lease() session.Lease {
	return session.Lease{Key: p.SessionKey, Expires: p.Expires}
}

// TokenResolver maps a bearer token to its user; auth.Service implements it.
type TokenResolver interface {
	Resolve(ctx context.Context, token string) (*auth.ResolveResult, error)
}

// Sessions hands out the per-user messaging context; session.Registry
// implements it.
type Sessions interface {
	Acquire(ctx context.Context, p identity.Principal, lease session.Lease) (*session.Context, error)
	Release(userID, key string)
}

type AuthMiddleware struct {
	Service TokenResolver
	Logger  *slog.Logger
}

// Handle attaches the principal of a valid bearer token. Requests without one
// pass through; handlers that need a user reject them.
func (m AuthMiddleware) Handle(c *gin.Context) {
	token := extractBearerToken(c.GetHeader("Authorization"))
	if token == "" {
		// EventSource and WebSocket clients cannot set headers.
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" || m.Service == nil {
		c.Next()
		return
	}
	resolved, err := m.Service.Resolve(c.Request.Context(), token)
	if err != nil {
		if !errors.Is(err, domainauth.ErrSessionNotFound) && m.Logger != nil {
			m.Logger.Debug("token validation failed", "error", err)
		}
		c.Next()
		return
	}
	user := resolved.User
	var expires time.Time
	if resolved.Session != nil {
		expires = resolved.Session.ExpiresAt
	}
	setPrincipal(c, principal{
		ID:         string(user.ID),
		Email:      user.Email,
		Name:       user.DisplayName,
		Picture:    user.ProfilePicture,
		Roles:      mapRoles(user.Roles),
		Token:      token,
		SessionKey: auth.SessionKey(token),
		Expires:    expires,
		CreatedAt:  user.CreatedAt,
		UpdatedAt:  user.UpdatedAt,
	})
	c.Next()
}

func mapRoles(roles []domainuser.Role) []string {
	result := make([]string, 0, len(roles))
	for _, r := range roles {
		result = append(result, string(r))
	}
	return result
}

func setPrincipal(c *gin.Context, p principal) {
	c.Set(principalContextKey, p)
	c.Set("user_id", p.ID)
}

func currentPrincipal(c *gin.Context) (principal, bool) {
	val, exists := c.Get(principalContextKey)
	if !exists {
		return principal{}, false
	}
	p, ok := val.(principal)
	return p, ok
}

func requireUser(c *gin.Context) (principal, bool) {
	p, ok := currentPrincipal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "auth required"})
		return principal{}, false
	}
	return p, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
