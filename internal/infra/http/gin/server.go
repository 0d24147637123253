// Package ginserver is the HTTP surface of huddle: REST routes over the
// messaging service, a server-sent conversation stream and a per-conversation
// websocket.
package ginserver

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	gin "github.com/gin-gonic/gin"

	"huddle/internal/infra/config"
	"huddle/internal/infra/obs"
)

// MessagingHTTP is every messaging route; MessagingHandler implements it.
type MessagingHTTP interface {
	ConversationHTTP
	MessageHTTP
	TeamHTTP
	AccountHTTP
}

type Handlers struct {
	Auth           AuthHTTP
	Messaging      MessagingHTTP
	AuthMiddleware gin.HandlerFunc
	Metrics        gin.HandlerFunc
}

func NewServer(cfg config.Config, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *http.Server {
	mode := configureGinMode(cfg.Env)
	if obsMW.Logger != nil {
		obsMW.Logger.Info("gin initialized", "mode", mode)
	}
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           NewRouter(cfg.CORSOrigins, obsMW, health, h),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// NewRouter wires middleware and routes. Handlers left nil are not mounted.
func NewRouter(origins []string, obsMW obs.Middleware, health obs.HealthHandlers, h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(obsMW.RequestID())
	router.Use(obsMW.AccessLog())
	router.Use(cors.New(corsConfig(origins)))
	if h.AuthMiddleware != nil {
		router.Use(h.AuthMiddleware)
	}

	router.GET("/livez", health.Livez)
	router.GET("/readyz", health.Readyz)
	if h.Metrics != nil {
		router.GET("/metrics", h.Metrics)
	}

	api := router.Group("/api/v1")
	if h.Auth != nil {
		api.POST("/auth/register", h.Auth.Register)
		api.POST("/auth/login", h.Auth.Login)
		api.POST("/auth/logout", h.Auth.Logout)
		api.GET("/auth/me", h.Auth.Me)
	}
	if m := h.Messaging; m != nil {
		convs := api.Group("/conversations")
		convs.GET("", m.List)
		convs.POST("", m.Create)
		convs.GET("/stream", m.Stream)
		convs.GET("/:id", m.Get)
		convs.PATCH("/:id", m.Update)
		convs.DELETE("/:id", m.Delete)
		convs.POST("/:id/participants", m.AddParticipants)
		convs.DELETE("/:id/participants/:userId", m.RemoveParticipant)
		convs.GET("/:id/messages", m.ListMessages)
		convs.POST("/:id/messages", m.SendMessage)
		convs.PATCH("/:id/messages/:msgId", m.EditMessage)
		convs.DELETE("/:id/messages/:msgId", m.DeleteMessage)
		convs.POST("/:id/messages/:msgId/reactions", m.AddReaction)
		convs.DELETE("/:id/messages/:msgId/reactions", m.RemoveReaction)
		convs.POST("/:id/read", m.MarkRead)
		convs.POST("/:id/attachments", m.UploadAttachment)
		convs.POST("/:id/typing", m.Typing)
		convs.GET("/:id/live", m.Live)

		api.GET("/teams/:id/chats", m.TeamChats)
		api.POST("/teams/:id/chats/:group/messages", m.SendTeamMessage)
		api.PUT("/presence", m.SetPresence)
		api.GET("/users", m.SearchUsers)
		api.GET("/connection", m.Connection)
		api.POST("/connection/reconnect", m.Reconnect)
	}
	return router
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept", "Authorization", obs.RequestIDHeader},
		ExposeHeaders: []string{
			"Content-Length",
			"Content-Type",
			"Retry-After",
			obs.RequestIDHeader,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func configureGinMode(env string) string {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "debug":
		gin.SetMode(gin.DebugMode)
		return gin.DebugMode
	case "test", "testing":
		gin.SetMode(gin.TestMode)
		return gin.TestMode
	default:
		gin.SetMode(gin.ReleaseMode)
		return gin.ReleaseMode
	}
}
