package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"conveyor/internal/orders"
	"conveyor/internal/realtime"
	"conveyor/internal/saga"
)

// Server exposes the order saga over HTTP: start, signals, status, the
// audit trail and the live WebSocket feed.
type Server struct {
	engine   *saga.Engine
	store    orders.OrderStore
	events   orders.EventStore
	hub      *realtime.Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewServer constructs the HTTP surface. hub may be nil, which disables
// the WebSocket feed.
func NewServer(engine *saga.Engine, store orders.OrderStore, events orders.EventStore, hub *realtime.Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine: engine,
		store:  store,
		events: events,
		hub:    hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.POST("/orders/:id/start", s.startOrder)
	router.POST("/orders/:id/signals/approve", s.approveOrder)
	router.POST("/orders/:id/signals/cancel", s.cancelOrder)
	router.POST("/orders/:id/signals/update-address", s.updateAddress)
	router.GET("/orders/:id/status", s.orderStatus)
	router.GET("/orders/:id/events", s.orderEvents)
	router.GET("/ws/events", s.eventFeed)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}
