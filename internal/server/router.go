package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/chronosync/internal/envelope"
	"github.com/MarcoPoloResearchLab/chronosync/internal/events"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	httpConnectionID    = "http"
	httpClientPrefix    = "http:"
	socketBufferSize    = 32 << 10
	multipartOverhead   = 1 << 20
	legacyOverheadBytes = 4 << 10
)

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Coordinator *Coordinator
	Logger      *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the realtime upgrade and the
// HTTP surface that mirrors every realtime capability.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Coordinator == nil {
		return nil, errMissingCoordinator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		coordinator: deps.Coordinator,
		codec:       deps.Coordinator.codec,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  socketBufferSize,
			WriteBufferSize: socketBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", handler.handleWebSocket)

	api := router.Group("/api")
	api.GET("/config", handler.handleConfig)
	api.GET("/connections", handler.handleConnections)
	api.POST("/text", handler.handleText)

	api.POST("/upload", handler.handleUpload)
	api.POST("/upload-legacy", handler.handleLegacyUpload)
	api.GET("/files", handler.handleListFiles)
	api.GET("/download/:name", handler.handleDownload)
	api.DELETE("/delete/:name", handler.handleDelete)
	api.GET("/share/:name", handler.handleShare)
	api.GET("/shared/:token", handler.handleShared)

	api.GET("/timemap", handler.handleTimemapSummary)
	api.GET("/timemap/day/:date", handler.handleTimemapDay)
	api.GET("/timemap/month/:year/:month", handler.handleTimemapMonth)
	api.GET("/timemap/year/:year", handler.handleTimemapYear)
	api.GET("/state", handler.handleState)
	api.GET("/diff", handler.handleDiff)

	api.GET("/search", handler.handleSearch)
	api.GET("/search/bundle", handler.handleSearchBundle)
	api.GET("/search/suggest", handler.handleSearchSuggest)
	api.GET("/search/stats", handler.handleSearchStats)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Content-Type", envelope.HeaderName},
		ExposeHeaders: []string{envelope.HeaderName, "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	})
}

type httpHandler struct {
	coordinator *Coordinator
	codec       envelope.Codec
	logger      *zap.Logger
	upgrader    websocket.Upgrader
}

type identityHeader struct {
	ClientID string `json:"clientId"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Config())
}

func (h *httpHandler) handleConnections(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"connections": h.coordinator.Connections()})
}

func (h *httpHandler) handleWebSocket(c *gin.Context) {
	clientID, err := h.coordinator.clients.Resolve(c.Request.Context(), c.Query("clientId"), c.ClientIP())
	if err != nil {
		h.logger.Warn("websocket client resolution failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client"})
		return
	}
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already replied with an HTTP error.
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.coordinator.Serve(c.Request.Context(), socket, clientID, c.ClientIP())
}

type textRequestPayload struct {
	Index       *int    `json:"index"`
	Content     *string `json:"content"`
	ClientID    string  `json:"clientId"`
	SequenceNum int64   `json:"sequenceNum"`
}

type textResultPayload struct {
	Event   events.Event `json:"event"`
	Applied bool         `json:"applied"`
}

func (h *httpHandler) handleText(c *gin.Context) {
	var request textRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Index == nil || request.Content == nil || request.SequenceNum < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	clientID, ok := h.resolveClient(c, request.ClientID)
	if !ok {
		return
	}
	event, applied, err := h.coordinator.SubmitText(c.Request.Context(), clientID, *request.Index, *request.Content, request.SequenceNum, "", nil)
	if errors.Is(err, events.ErrInvalidSequenceNum) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_sequence"})
		return
	}
	if err != nil {
		h.logger.Error("http text change failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "commit_failed"})
		return
	}
	h.respondMutation(c, http.StatusOK, textResultPayload{Event: event, Applied: applied})
}

// resolveClient picks the caller identity from the body, the X-Req header,
// the clientId query parameter, or the remote address, in that order. It
// writes the error response itself when resolution fails.
func (h *httpHandler) resolveClient(c *gin.Context, requested string) (events.ClientID, bool) {
	if requested == "" {
		var identity identityHeader
		present, err := h.codec.FromHeader(c.Request.Header, &identity)
		if present && err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_envelope"})
			return "", false
		}
		requested = identity.ClientID
	}
	if requested == "" {
		requested = c.Query("clientId")
	}
	if requested == "" {
		requested = httpClientPrefix + c.ClientIP()
	}
	clientID, err := h.coordinator.clients.Resolve(c.Request.Context(), requested, c.ClientIP())
	if err != nil {
		h.logger.Warn("http client resolution failed", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_client"})
		return "", false
	}
	return clientID, true
}

// respondMutation carries body in the X-Req response header and replies with
// the generic status body.
func (h *httpHandler) respondMutation(c *gin.Context, status int, body any) {
	statusBody, err := h.codec.Respond(c.Writer.Header(), true, body)
	if err != nil {
		h.logger.Error("response envelope encode failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "response_encode_failed"})
		return
	}
	c.JSON(status, statusBody)
}

func errorStatus(err error) int {
	switch {
	case isRequestError(err):
		return http.StatusBadRequest
	case errors.Is(err, ErrFileNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
