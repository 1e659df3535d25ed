package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/auth"
	"github.com/ScriptoriumLab/vellum/backend/internal/metrics"
	"github.com/ScriptoriumLab/vellum/backend/internal/presence"
	"github.com/ScriptoriumLab/vellum/backend/internal/room"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

const identityContextKey = "vellum_user_id"

var (
	errMissingRoomManager     = errors.New("room manager dependency required")
	errMissingPresenceTracker = errors.New("presence tracker dependency required")
	errMissingVersionStore    = errors.New("version store dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenValidator checks collaboration tokens. A nil validator disables
// authentication on both the websocket and the REST surface.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

type Dependencies struct {
	Rooms    *room.Manager
	Presence *presence.Tracker
	Versions *store.Store
	Tokens   TokenValidator
	Metrics  *metrics.Collector
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Rooms == nil {
		return nil, errMissingRoomManager
	}
	if deps.Presence == nil {
		return nil, errMissingPresenceTracker
	}
	if deps.Versions == nil {
		return nil, errMissingVersionStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.NewCollector(nil)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		rooms:     deps.Rooms,
		tracker:   deps.Presence,
		versions:  deps.Versions,
		tokens:    deps.Tokens,
		collector: collector,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealthz)
	router.GET("/collab", handler.handleCollab)
	if deps.Registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{})))
	}

	api := router.Group("/")
	if deps.Tokens != nil {
		api.Use(handler.authorizeRequest)
	}
	api.GET("/presence/rooms", handler.handlePresenceRooms)
	api.GET("/presence/rooms/:room", handler.handlePresenceRoom)
	api.GET("/documents/:document/versions", handler.handleDocumentVersions)

	return router, nil
}

type httpHandler struct {
	rooms     *room.Manager
	tracker   *presence.Tracker
	versions  *store.Store
	tokens    TokenValidator
	collector *metrics.Collector
	logger    *zap.Logger
}

func (h *httpHandler) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type presenceRoomSummary struct {
	Room  string `json:"room"`
	Users int    `json:"users"`
}

func (h *httpHandler) handlePresenceRooms(c *gin.Context) {
	names := h.tracker.ActiveRooms()
	rooms := make([]presenceRoomSummary, 0, len(names))
	for _, name := range names {
		rooms = append(rooms, presenceRoomSummary{Room: name, Users: h.tracker.UserCount(name)})
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

type presenceUserPayload struct {
	UserID     string `json:"user_id"`
	UserName   string `json:"user_name"`
	JoinedAtMs int64  `json:"joined_at_ms"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

func (h *httpHandler) handlePresenceRoom(c *gin.Context) {
	name := c.Param("room")
	entries := h.tracker.ActiveUsers(name)
	users := make([]presenceUserPayload, 0, len(entries))
	for _, entry := range entries {
		users = append(users, presenceUserPayload{
			UserID:     entry.UserID,
			UserName:   entry.UserName,
			JoinedAtMs: entry.JoinedAt.UnixMilli(),
			LastSeenMs: entry.LastSeen.UnixMilli(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"room": name, "users": users, "count": len(users)})
}

type versionPayload struct {
	Version          int64  `json:"version"`
	ThroughClock     int64  `json:"through_clock"`
	StateDigest      string `json:"state_digest"`
	ByteSize         int64  `json:"byte_size"`
	AuthorID         string `json:"author_id"`
	AuthorName       string `json:"author_name"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

func (h *httpHandler) handleDocumentVersions(c *gin.Context) {
	documentID, err := store.NewDocumentID(c.Param("document"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}

	records, err := h.versions.ListVersions(c.Request.Context(), documentID)
	if err != nil {
		h.logger.Error("failed to list document versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	versions := make([]versionPayload, 0, len(records))
	for _, record := range records {
		versions = append(versions, versionPayload{
			Version:          record.Version,
			ThroughClock:     record.ThroughClock,
			StateDigest:      record.StateDigest,
			ByteSize:         record.ByteSize,
			AuthorID:         record.AuthorID,
			AuthorName:       record.AuthorName,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"document": documentID.String(), "versions": versions})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		// Expired tokens are routine; anything else hints at a bad client.
		if errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity.UserID)
	c.Next()
}
