package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-secret"
	testIssuer        = "gravity-collab"
	testSystemToken   = "system-sentinel"
	testReadTimeout   = 2 * time.Second
)

type testServer struct {
	server   *httptest.Server
	handler  *Handler
	registry *collab.Registry
	issuer   *auth.TokenIssuer
}

func newTestServer(t *testing.T, logger *zap.Logger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}
	gateway, err := persistence.NewLogGateway(persistence.LogGatewayConfig{Store: persistence.NewMemoryStore()})
	if err != nil {
		t.Fatalf("failed to build gateway: %v", err)
	}
	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{Gateway: gateway, Debounce: time.Hour})
	if err != nil {
		t.Fatalf("failed to build scheduler: %v", err)
	}
	registry, err := collab.NewRegistry(collab.RegistryConfig{Scheduler: scheduler})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		SystemToken:   testSystemToken,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: validator,
		Registry:      registry,
		Connection:    ConnectionConfig{PongWait: 5 * time.Second},
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		handler.CloseConnections()
		server.Close()
		_ = registry.Close(context.Background())
	})
	return &testServer{
		server:   server,
		handler:  handler,
		registry: registry,
		issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(testSigningSecret),
			Issuer:        testIssuer,
		}),
	}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.TokenRequest{UserID: userID, DisplayName: userID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testServer) collabURL(documentID, token string) string {
	target := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/collab/" + url.PathEscape(documentID)
	if token != "" {
		target += "?token=" + url.QueryEscape(token)
	}
	return target
}

func mustDial(t *testing.T, target string) *websocket.Conn {
	t.Helper()
	conn, response, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		t.Fatalf("dial failed (status %d): %v", status, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func mustRead(t *testing.T, conn *websocket.Conn) codec.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(testReadTimeout))
	messageType, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type %d", messageType)
	}
	message, err := codec.DecodeMessage(frame)
	if err != nil {
		t.Fatalf("failed to decode frame: %v", err)
	}
	return message
}

func mustWrite(t *testing.T, conn *websocket.Conn, frame []byte) {
	t.Helper()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

// joinAs dials documentID and completes the handshake with replica.
func joinAs(t *testing.T, server *testServer, documentID string, replica *collab.Replica) *websocket.Conn {
	t.Helper()
	conn := mustDial(t, server.collabURL(documentID, server.token(t, "user-"+documentID)))
	step1 := mustRead(t, conn)
	if step1.Type != codec.MessageSync || step1.Sync != codec.SyncStep1 {
		t.Fatalf("expected step1 first, got %s/%s", step1.Type, step1.Sync)
	}
	reply, err := replica.Handle(codec.EncodeSyncStep1(step1.Payload))
	if err != nil {
		t.Fatalf("replica rejected step1: %v", err)
	}
	mustWrite(t, conn, reply)
	mustWrite(t, conn, replica.SyncStep1())
	step2 := mustRead(t, conn)
	for step2.Type == codec.MessageAwareness {
		step2 = mustRead(t, conn)
	}
	if step2.Sync != codec.SyncStep2 {
		t.Fatalf("expected step2 reply, got %s", step2.Sync)
	}
	if _, err := replica.Handle(codec.EncodeSyncStep2(step2.Payload)); err != nil {
		t.Fatalf("replica rejected step2: %v", err)
	}
	return conn
}
