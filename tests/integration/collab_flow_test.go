package integration_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ScriptoriumLab/vellum/backend/internal/auth"
	"github.com/ScriptoriumLab/vellum/backend/internal/database"
	"github.com/ScriptoriumLab/vellum/backend/internal/document"
	"github.com/ScriptoriumLab/vellum/backend/internal/presence"
	"github.com/ScriptoriumLab/vellum/backend/internal/protocol"
	"github.com/ScriptoriumLab/vellum/backend/internal/room"
	"github.com/ScriptoriumLab/vellum/backend/internal/server"
	"github.com/ScriptoriumLab/vellum/backend/internal/store"
)

const (
	collabSigningSecret = "integration-secret"
	collabRoomName      = "integration-manuscript"
	collabUserID        = "user-abc"
	collabUserName      = "Integration User"
	messageWait         = 5 * time.Second
)

func TestCollabAuthAndSyncFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite("file:integration?mode=memory&cache=shared", zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	documentStore, err := store.NewStore(store.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build store: %v", err)
	}

	tokenService, err := auth.NewCollabTokenService(auth.CollabTokenConfig{
		SigningSecret: []byte(collabSigningSecret),
	})
	if err != nil {
		testContext.Fatalf("failed to build token service: %v", err)
	}

	engine := document.NewOpSetEngine()
	manager, err := room.NewManager(room.ManagerConfig{
		Engine:                  engine,
		Store:                   documentStore,
		Logger:                  zap.NewNop(),
		SnapshotUpdateThreshold: 1,
	})
	if err != nil {
		testContext.Fatalf("failed to build room manager: %v", err)
	}
	defer manager.Shutdown(context.Background())

	tracker := presence.NewTracker(presence.TrackerConfig{})
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Rooms:    manager,
		Presence: tracker,
		Versions: documentStore,
		Tokens:   tokenService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	defer testServer.Close()

	token, _, err := tokenService.IssueToken(collabUserID, collabUserName)
	if err != nil {
		testContext.Fatalf("failed to issue token: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/collab?room=" + collabRoomName + "&token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		testContext.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	attach := readBinaryFrame(testContext, conn)
	if attach.Tag != protocol.TagVectorRequest {
		testContext.Fatalf("expected vector request on attach, got tag %d", attach.Tag)
	}

	clientState := engine.NewState()
	update := document.NewEntryUpdate([]byte("integration-paragraph"))
	if err := clientState.Apply(update); err != nil {
		testContext.Fatalf("failed to apply update locally: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(protocol.TagUpdate, update)); err != nil {
		testContext.Fatalf("failed to send update: %v", err)
	}

	// The reply proves the server processed the update frame before it.
	if err := conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeFrame(protocol.TagVectorRequest, clientState.Vector())); err != nil {
		testContext.Fatalf("failed to send vector request: %v", err)
	}
	barrier := readBinaryFrame(testContext, conn)
	if barrier.Tag != protocol.TagVectorReply {
		testContext.Fatalf("expected vector reply, got tag %d", barrier.Tag)
	}

	presenceReq, err := http.NewRequest(http.MethodGet, testServer.URL+"/presence/rooms", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct presence request: %v", err)
	}
	presenceReq.Header.Set("Authorization", "Bearer "+token)
	presenceResp, err := http.DefaultClient.Do(presenceReq)
	if err != nil {
		testContext.Fatalf("presence request failed: %v", err)
	}
	defer presenceResp.Body.Close()
	if presenceResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected presence status: %d", presenceResp.StatusCode)
	}
	var presencePayload struct {
		Rooms []struct {
			Room  string `json:"room"`
			Users int    `json:"users"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(presenceResp.Body).Decode(&presencePayload); err != nil {
		testContext.Fatalf("failed to decode presence response: %v", err)
	}
	if len(presencePayload.Rooms) != 1 || presencePayload.Rooms[0].Room != collabRoomName || presencePayload.Rooms[0].Users != 1 {
		testContext.Fatalf("unexpected presence payload: %#v", presencePayload.Rooms)
	}

	if written := manager.SnapshotActive(context.Background()); written != 1 {
		testContext.Fatalf("expected one snapshot write, got %d", written)
	}

	versionsReq, err := http.NewRequest(http.MethodGet, testServer.URL+"/documents/"+collabRoomName+"/versions", http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct versions request: %v", err)
	}
	versionsReq.Header.Set("Authorization", "Bearer "+token)
	versionsResp, err := http.DefaultClient.Do(versionsReq)
	if err != nil {
		testContext.Fatalf("versions request failed: %v", err)
	}
	defer versionsResp.Body.Close()
	if versionsResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected versions status: %d", versionsResp.StatusCode)
	}
	var versionsPayload struct {
		Document string `json:"document"`
		Versions []struct {
			Version      int64  `json:"version"`
			ThroughClock int64  `json:"through_clock"`
			StateDigest  string `json:"state_digest"`
			AuthorID     string `json:"author_id"`
			AuthorName   string `json:"author_name"`
		} `json:"versions"`
	}
	if err := json.NewDecoder(versionsResp.Body).Decode(&versionsPayload); err != nil {
		testContext.Fatalf("failed to decode versions response: %v", err)
	}
	if versionsPayload.Document != collabRoomName {
		testContext.Fatalf("unexpected document name: %q", versionsPayload.Document)
	}
	if len(versionsPayload.Versions) != 1 {
		testContext.Fatalf("expected one version, got %d", len(versionsPayload.Versions))
	}
	version := versionsPayload.Versions[0]
	if version.Version != 1 || version.ThroughClock != 1 {
		testContext.Fatalf("unexpected version metadata: %#v", version)
	}
	if version.AuthorID != collabUserID || version.AuthorName != collabUserName {
		testContext.Fatalf("unexpected version authorship: %#v", version)
	}
	if len(version.StateDigest) != 64 {
		testContext.Fatalf("expected hex digest, got %q", version.StateDigest)
	}
}

func readBinaryFrame(testContext *testing.T, conn *websocket.Conn) protocol.Frame {
	testContext.Helper()
	deadline := time.Now().Add(messageWait)
	for {
		_ = conn.SetReadDeadline(deadline)
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			testContext.Fatalf("failed to read frame: %v", err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.DecodeFrame(payload)
		if err != nil {
			testContext.Fatalf("failed to decode frame: %v", err)
		}
		return frame
	}
}
