package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/blobstore"
	"github.com/MarcoPoloResearchLab/chronosync/internal/clients"
	"github.com/MarcoPoloResearchLab/chronosync/internal/database"
	"github.com/MarcoPoloResearchLab/chronosync/internal/envelope"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/MarcoPoloResearchLab/chronosync/internal/search"
	"github.com/MarcoPoloResearchLab/chronosync/internal/share"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timeline"
	"github.com/MarcoPoloResearchLab/chronosync/internal/timemap"
	"github.com/MarcoPoloResearchLab/chronosync/internal/uploads"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gorilla/websocket"
	"gorm.io/gorm"
)

const (
	testRegisterCount  = 3
	testMaxFileBytes   = 1 << 20
	testLegacyMaxBytes = 64
	testFrameTimeout   = 5 * time.Second
)

type manualClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *manualClock) Advance(step time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(step)
	c.mu.Unlock()
}

type testEnv struct {
	coordinator *Coordinator
	store       *events.Store
	handler     http.Handler
	codec       envelope.Codec
	clock       *manualClock
	server      *httptest.Server
}

type envOption func(*CoordinatorConfig)

func withShareSecret(secret string) envOption {
	return func(cfg *CoordinatorConfig) {
		cfg.Links = share.NewLinkSigner(share.LinkSignerConfig{SigningSecret: []byte(secret), TTL: time.Minute})
	}
}

// withSearchWindow indexes on the env clock with the given recent window.
func withSearchWindow(window time.Duration) envOption {
	return func(cfg *CoordinatorConfig) {
		cfg.Search = search.NewManager(search.Config{RecentWindow: window, Clock: cfg.Clock})
	}
}

func newTestEnv(testContext *testing.T, options ...envOption) *testEnv {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(testContext.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	testContext.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, nil); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	store, err := events.NewStore(events.StoreConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to create store: %v", err)
	}
	clientService, err := clients.NewService(clients.ServiceConfig{Database: db, Sequences: store})
	if err != nil {
		testContext.Fatalf("failed to create client registry: %v", err)
	}
	reconstructor, err := timeline.NewReconstructor(store, testRegisterCount)
	if err != nil {
		testContext.Fatalf("failed to create reconstructor: %v", err)
	}
	aggregator, err := timemap.NewAggregator(timemap.Config{Log: store, Location: time.UTC})
	if err != nil {
		testContext.Fatalf("failed to create aggregator: %v", err)
	}
	root := testContext.TempDir()
	blobs, err := blobstore.NewLocal(filepath.Join(root, "files"))
	if err != nil {
		testContext.Fatalf("failed to create blob store: %v", err)
	}

	clock := &manualClock{current: time.Now()}
	codec := envelope.NewCodec(envelope.DefaultMaxBytes)
	cfg := CoordinatorConfig{
		Events:   store,
		Clients:  clientService,
		Timeline: reconstructor,
		Timemap:  aggregator,
		Search:   search.NewManager(search.Config{}),
		Blobs:    blobs,
		Codec:    codec,
		Uploads: uploads.Config{
			TempDir:      filepath.Join(root, "tmp"),
			MaxFileBytes: testMaxFileBytes,
		},
		LegacyMaxBytes: testLegacyMaxBytes,
		Transport: TransportSettings{
			PingInterval:      time.Second,
			PongTimeout:       3 * time.Second,
			FallbackThreshold: 2,
			SendBuffer:        32,
		},
		Clock: clock.Now,
	}
	for _, option := range options {
		option(&cfg)
	}
	coordinator, err := NewCoordinator(cfg)
	if err != nil {
		testContext.Fatalf("failed to create coordinator: %v", err)
	}
	if err := coordinator.Bootstrap(testContext.Context()); err != nil {
		testContext.Fatalf("bootstrap failed: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Coordinator: coordinator})
	if err != nil {
		testContext.Fatalf("failed to create handler: %v", err)
	}
	testContext.Cleanup(coordinator.Close)

	return &testEnv{
		coordinator: coordinator,
		store:       store,
		handler:     handler,
		codec:       codec,
		clock:       clock,
	}
}

func (env *testEnv) serve(testContext *testing.T) {
	testContext.Helper()
	if env.server != nil {
		return
	}
	env.server = httptest.NewServer(env.handler)
	testContext.Cleanup(env.server.Close)
}

func (env *testEnv) dial(testContext *testing.T, clientID string) *websocket.Conn {
	testContext.Helper()
	env.serve(testContext)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws?clientId=" + clientID
	socket, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		testContext.Fatalf("dial failed: %v", err)
	}
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	testContext.Cleanup(func() { _ = socket.Close() })
	return socket
}

func (env *testEnv) mustEncode(testContext *testing.T, body any) string {
	testContext.Helper()
	encoded, err := env.codec.Encode(true, body)
	if err != nil {
		testContext.Fatalf("envelope encode failed: %v", err)
	}
	return encoded
}

type frame struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Error  string `json:"error"`
	raw    []byte
}

func (f frame) decode(testContext *testing.T, target any) {
	testContext.Helper()
	if err := json.Unmarshal(f.raw, target); err != nil {
		testContext.Fatalf("failed to decode %s frame: %v", f.Type, err)
	}
}

func mustReadFrame(testContext *testing.T, socket *websocket.Conn) frame {
	testContext.Helper()
	if err := socket.SetReadDeadline(time.Now().Add(testFrameTimeout)); err != nil {
		testContext.Fatalf("set read deadline failed: %v", err)
	}
	_, payload, err := socket.ReadMessage()
	if err != nil {
		testContext.Fatalf("read frame failed: %v", err)
	}
	var result frame
	if err := json.Unmarshal(payload, &result); err != nil {
		testContext.Fatalf("frame is not json: %v", err)
	}
	result.raw = payload
	return result
}

func mustExpectFrame(testContext *testing.T, socket *websocket.Conn, messageType string) frame {
	testContext.Helper()
	result := mustReadFrame(testContext, socket)
	if result.Type != messageType {
		testContext.Fatalf("expected %s frame, got %s: %s", messageType, result.Type, result.raw)
	}
	return result
}

func mustSend(testContext *testing.T, socket *websocket.Conn, message any) {
	testContext.Helper()
	var payload []byte
	switch typed := message.(type) {
	case string:
		payload = []byte(typed)
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			testContext.Fatalf("marshal failed: %v", err)
		}
		payload = encoded
	}
	if err := socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		testContext.Fatalf("write failed: %v", err)
	}
}

// drainJoin consumes the config_update and file_list_update sent on connect.
func drainJoin(testContext *testing.T, socket *websocket.Conn) {
	testContext.Helper()
	mustExpectFrame(testContext, socket, MessageConfigUpdate)
	mustExpectFrame(testContext, socket, MessageFileListUpdate)
}

func waitFor(testContext *testing.T, description string, condition func() bool) {
	testContext.Helper()
	deadline := time.Now().Add(testFrameTimeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	testContext.Fatalf("timed out waiting for %s", description)
}
