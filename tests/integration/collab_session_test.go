package integration_test

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-collab/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/codec"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/collab"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/crdt"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/database"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/persistence"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/server"
	"github.com/MarcoPoloResearchLab/gravity-collab/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	sessionSigningSecret = "integration-secret"
	sessionIssuer        = "gravity-collab"
	sharedDocumentID     = "sheet-42"
	sharedRoot           = "cells"
	readTimeout          = 3 * time.Second
)

type stack struct {
	server   *httptest.Server
	handler  *server.Handler
	registry *collab.Registry
	issuer   *auth.TokenIssuer
}

func newStack(testContext *testing.T, db *gorm.DB) *stack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	store, err := persistence.NewSQLStore(persistence.SQLStoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}
	gateway, err := persistence.NewGateway(persistence.GatewayConfig{Mode: persistence.ModeLog, Store: store, CompactEvery: 3})
	if err != nil {
		testContext.Fatalf("failed to build gateway: %v", err)
	}
	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{Gateway: gateway, Debounce: 50 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}
	registry, err := collab.NewRegistry(collab.RegistryConfig{Scheduler: scheduler})
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(sessionSigningSecret),
		Issuer:        sessionIssuer,
	})
	if err != nil {
		testContext.Fatalf("failed to build validator: %v", err)
	}
	profiles, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build profiles: %v", err)
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Authenticator: validator,
		Profiles:      profiles,
		Registry:      registry,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	httpServer := httptest.NewServer(handler)
	testContext.Cleanup(httpServer.Close)
	return &stack{
		server:   httpServer,
		handler:  handler,
		registry: registry,
		issuer: auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(sessionSigningSecret),
			Issuer:        sessionIssuer,
		}),
	}
}

func (s *stack) shutdown(testContext *testing.T) {
	testContext.Helper()
	s.handler.CloseConnections()
	if err := s.registry.Close(context.Background()); err != nil {
		testContext.Fatalf("registry close failed: %v", err)
	}
	s.server.Close()
}

type client struct {
	conn    *websocket.Conn
	replica *collab.Replica
}

func (s *stack) connect(testContext *testing.T, userID string, clientID uint64) *client {
	testContext.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.TokenRequest{UserID: userID, DisplayName: userID})
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}
	target := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/collab/" + sharedDocumentID + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	if err != nil {
		testContext.Fatalf("dial failed: %v", err)
	}
	testContext.Cleanup(func() {
		_ = conn.Close()
	})
	peer := &client{conn: conn, replica: collab.NewReplica(clientID)}

	step1 := peer.read(testContext)
	if step1.Sync != codec.SyncStep1 {
		testContext.Fatalf("expected step1, got %s", step1.Sync)
	}
	reply, err := peer.replica.Handle(codec.EncodeSyncStep1(step1.Payload))
	if err != nil {
		testContext.Fatalf("replica rejected step1: %v", err)
	}
	peer.write(testContext, reply)
	peer.write(testContext, peer.replica.SyncStep1())
	step2 := peer.read(testContext)
	if step2.Sync != codec.SyncStep2 {
		testContext.Fatalf("expected step2, got %s", step2.Sync)
	}
	peer.apply(testContext, step2)
	return peer
}

func (c *client) read(testContext *testing.T) codec.Message {
	testContext.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		testContext.Fatalf("read failed: %v", err)
	}
	message, err := codec.DecodeMessage(frame)
	if err != nil {
		testContext.Fatalf("decode failed: %v", err)
	}
	return message
}

func (c *client) write(testContext *testing.T, frame []byte) {
	testContext.Helper()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
}

func (c *client) apply(testContext *testing.T, message codec.Message) {
	testContext.Helper()
	if _, err := c.replica.Handle(codec.EncodeSyncUpdate(message.Payload)); err != nil {
		testContext.Fatalf("replica rejected update: %v", err)
	}
}

func (c *client) insertAtFront(testContext *testing.T, value string) []byte {
	testContext.Helper()
	frame, err := c.replica.Edit(func(tx *crdt.Transaction) error {
		return tx.Insert(sharedRoot, 0, value)
	})
	if err != nil || frame == nil {
		testContext.Fatalf("edit failed: %v", err)
	}
	return frame
}

func TestConcurrentInsertsConvergeAndSurviveRestart(testContext *testing.T) {
	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "collab.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	first := newStack(testContext, db)

	alice := first.connect(testContext, "alice", 101)
	bob := first.connect(testContext, "bob", 202)

	aliceFrame := alice.insertAtFront(testContext, "hello")
	bobFrame := bob.insertAtFront(testContext, "world")
	alice.write(testContext, aliceFrame)
	bob.write(testContext, bobFrame)

	alice.apply(testContext, alice.read(testContext))
	bob.apply(testContext, bob.read(testContext))

	aliceView := alice.replica.Contents().Sequences[sharedRoot]
	bobView := bob.replica.Contents().Sequences[sharedRoot]
	if !reflect.DeepEqual(aliceView, bobView) {
		testContext.Fatalf("clients diverged: alice %v, bob %v", aliceView, bobView)
	}
	if len(aliceView) != 2 {
		testContext.Fatalf("expected both inserts, got %v", aliceView)
	}
	seen := map[string]bool{aliceView[0]: true, aliceView[1]: true}
	if !seen["hello"] || !seen["world"] {
		testContext.Fatalf("expected hello and world, got %v", aliceView)
	}

	document, err := first.registry.GetOrCreate(context.Background(), sharedDocumentID)
	if err != nil {
		testContext.Fatalf("lookup failed: %v", err)
	}
	if serverView := document.Contents().Sequences[sharedRoot]; !reflect.DeepEqual(serverView, aliceView) {
		testContext.Fatalf("server diverged: %v vs %v", serverView, aliceView)
	}
	first.shutdown(testContext)

	second := newStack(testContext, db)
	defer second.shutdown(testContext)
	carol := second.connect(testContext, "carol", 303)
	if got := carol.replica.Contents().Sequences[sharedRoot]; !reflect.DeepEqual(got, aliceView) {
		testContext.Fatalf("restart lost content: got %v, want %v", got, aliceView)
	}

	var identities int64
	if err := db.Model(&users.Identity{}).Count(&identities).Error; err != nil {
		testContext.Fatalf("count failed: %v", err)
	}
	if identities != 3 {
		testContext.Fatalf("expected three resolved identities, got %d", identities)
	}
}
