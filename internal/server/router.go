package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const documentIDParam = "documentID"

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRegistry      = errors.New("document registry dependency required")
)

// Authenticator verifies the credential carried by an upgrade request.
type Authenticator interface {
	AuthenticateRequest(r *http.Request) (auth.Principal, error)
}

// ProfileResolver maps a verified principal onto its canonical profile.
type ProfileResolver interface {
	Resolve(ctx context.Context, principal auth.Principal) (users.Profile, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Authenticator Authenticator
	Profiles      ProfileResolver
	Registry      *collab.Registry
	Connection    ConnectionConfig
	Logger        *zap.Logger
}

// Handler serves the collaboration endpoint and tracks live connections so
// they can be closed on shutdown.
type Handler struct {
	router        *gin.Engine
	authenticator Authenticator
	profiles      ProfileResolver
	registry      *collab.Registry
	connection    ConnectionConfig
	upgrader      websocket.Upgrader
	logger        *zap.Logger

	mu          sync.Mutex
	connections map[string]*connection
}

// NewHTTPHandler builds the router.
func NewHTTPHandler(deps Dependencies) (*Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := &Handler{
		authenticator: deps.Authenticator,
		profiles:      deps.Profiles,
		registry:      deps.Registry,
		connection:    deps.Connection.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		logger:      logger,
		connections: make(map[string]*connection),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/:"+documentIDParam, handler.handleCollab)
	handler.router = router

	return handler, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool {
			return true
		},
		AllowMethods:     []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Sec-WebSocket-Protocol"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// ConnectionCount reports the number of live WebSocket connections.
func (h *Handler) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}

// CloseConnections closes every live connection. Hijacked sockets are not
// covered by http.Server.Shutdown.
func (h *Handler) CloseConnections() {
	h.mu.Lock()
	live := make([]*connection, 0, len(h.connections))
	for _, conn := range h.connections {
		live = append(live, conn)
	}
	h.mu.Unlock()
	for _, conn := range live {
		conn.Close()
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) handleCollab(c *gin.Context) {
	documentID := strings.TrimSpace(c.Param(documentIDParam))
	if documentID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_document"})
		return
	}
	logger := h.logger.With(zap.String("document_id", documentID))
	tracker := newLifecycle(logger)
	tracker.advance(stateAuthenticating)

	principal, err := h.authenticator.AuthenticateRequest(c.Request)
	if err != nil {
		logRejection(logger, tracker.current(), err)
		tracker.advance(stateClosed)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	profile, err := h.resolveProfile(c.Request.Context(), principal)
	if err != nil {
		logger.Error("profile resolution failed", zap.String("user_id", principal.UserID), zap.Error(err))
		tracker.advance(stateClosed)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
		return
	}

	document, release, err := h.registry.Acquire(c.Request.Context(), documentID)
	if err != nil {
		logger.Error("document unavailable", zap.Error(err))
		tracker.advance(stateClosed)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "document_unavailable"})
		return
	}
	defer release()

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Info("websocket upgrade failed", zap.Error(err))
		tracker.advance(stateClosed)
		return
	}

	connectionID := newConnectionID()
	logger = logger.With(
		zap.String("connection_id", connectionID),
		zap.String("user_id", profile.UserID),
	)
	peer := newConnection(connectionID, socket, h.connection, logger, tracker)
	h.track(peer)
	defer h.untrack(peer)

	go peer.writePump()
	logger.Info("connection opened", zap.String("display_name", profile.DisplayName), zap.Bool("system", profile.System))
	if err := document.Join(peer); err == nil {
		peer.readPump(document)
	}
	document.Leave(peer)
	peer.Close()
	peer.wait()
	logger.Info("connection closed")
}

func (h *Handler) resolveProfile(ctx context.Context, principal auth.Principal) (users.Profile, error) {
	if h.profiles == nil {
		return users.Profile{UserID: principal.UserID, DisplayName: principal.DisplayName, System: principal.System}, nil
	}
	return h.profiles.Resolve(ctx, principal)
}

func (h *Handler) track(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.ID()] = conn
}

func (h *Handler) untrack(conn *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.connections, conn.ID())
}

func newConnectionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// logRejection keeps routine expiries out of warning-level logs.
func logRejection(logger *zap.Logger, state connectionState, err error) {
	fields := []zap.Field{zap.Stringer("state", state), zap.Error(err)}
	if errors.Is(err, auth.ErrExpiredSessionToken) {
		logger.Info("connection rejected", fields...)
		return
	}
	logger.Warn("connection rejected", fields...)
}
