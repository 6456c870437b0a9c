package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"conveyor/internal/orders"
	"conveyor/internal/saga"
)

type startOrderRequest struct {
	Address     orders.Address `json:"address"`
	AmountCents int64          `json:"amount_cents"`
}

// defaultAmountCents is charged when the start request names no amount.
const defaultAmountCents = 1000

func (s *Server) startOrder(c *gin.Context) {
	orderID := c.Param("id")

	var req startOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.AmountCents <= 0 {
		req.AmountCents = defaultAmountCents
	}

	input := orders.WorkflowInput{
		OrderID:     orderID,
		Address:     req.Address,
		AmountCents: req.AmountCents,
	}
	_, err := s.engine.StartWorkflow(c.Request.Context(), orders.WorkflowKind, orderID, input)
	if errors.Is(err, saga.ErrAlreadyStarted) {
		c.JSON(http.StatusConflict, gin.H{"error": "order already started"})
		return
	}
	if err != nil {
		s.logger.Error("start order", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start order"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"order_id": orderID, "status": "started"})
}

func (s *Server) approveOrder(c *gin.Context) {
	s.signal(c, orders.SignalApprove, nil)
}

func (s *Server) cancelOrder(c *gin.Context) {
	s.signal(c, orders.SignalCancel, nil)
}

func (s *Server) updateAddress(c *gin.Context) {
	var addr orders.Address
	if err := c.ShouldBindJSON(&addr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	s.signal(c, orders.SignalUpdateAddress, addr)
}

// signal delivers a named signal to the order's saga. Delivery is
// best-effort: acceptance means buffered, not handled.
func (s *Server) signal(c *gin.Context, name string, payload any) {
	orderID := c.Param("id")

	if _, ok := s.engine.Get(orderID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}
	if !s.engine.IsRunning(orderID) {
		c.JSON(http.StatusConflict, gin.H{"error": "order is not running"})
		return
	}
	if !s.engine.Signal(orderID, name, payload) {
		c.JSON(http.StatusConflict, gin.H{"error": "signal not accepted"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"order_id": orderID, "signal": name})
}

type orderStatusResponse struct {
	OrderID     string         `json:"order_id"`
	Running     bool           `json:"running"`
	CurrentStep string         `json:"current_step,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
	Address     orders.Address `json:"address,omitempty"`
	Result      string         `json:"result,omitempty"`
	Cancelled   bool           `json:"cancelled,omitempty"`
	State       string         `json:"state,omitempty"`
}

func (s *Server) orderStatus(c *gin.Context) {
	orderID := c.Param("id")

	resp := orderStatusResponse{OrderID: orderID}
	known := false

	if inst, ok := s.engine.Get(orderID); ok {
		known = true
		if inst.IsRunning() {
			resp.Running = true
			resp.CurrentStep = s.queryString(orderID, orders.QueryCurrentStep)
			resp.LastError = s.queryString(orderID, orders.QueryLastError)
			if raw := s.queryString(orderID, orders.QueryAddress); raw != "" {
				var addr orders.Address
				if err := json.Unmarshal([]byte(raw), &addr); err == nil {
					resp.Address = addr
				}
			}
		} else {
			result, err := inst.Result()
			resp.Result = result
			// A cancel signal ends the saga with the cancelled result and no
			// error; present it like an external cancellation.
			resp.Cancelled = inst.Canceled() || result == orders.ResultCancelled
			if err != nil && !inst.Canceled() {
				resp.LastError = err.Error()
			}
		}
	}

	if order, err := s.store.GetOrder(c.Request.Context(), orderID); err == nil {
		known = true
		resp.State = order.State
		if resp.CurrentStep == "" {
			resp.CurrentStep = order.CurrentStep
		}
		if resp.LastError == "" {
			resp.LastError = order.LastError
		}
		if resp.Address == nil {
			resp.Address = order.Address
		}
	} else if !errors.Is(err, orders.ErrOrderNotFound) {
		s.logger.Error("order status lookup", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load order"})
		return
	}

	if !known {
		c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) queryString(orderID, name string) string {
	value, err := s.engine.Query(orderID, name)
	if err != nil {
		return ""
	}
	return value
}

func (s *Server) orderEvents(c *gin.Context) {
	orderID := c.Param("id")

	events, err := s.events.ListEventsForOrder(c.Request.Context(), orderID)
	if err != nil {
		s.logger.Error("list events", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	out := make([]gin.H, 0, len(events))
	for _, e := range events {
		out = append(out, gin.H{
			"id":        e.ID,
			"order_id":  e.OrderID,
			"type":      e.Type,
			"payload":   e.Payload,
			"timestamp": e.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"order_id": orderID, "events": out})
}

func (s *Server) eventFeed(c *gin.Context) {
	if s.hub == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event feed disabled"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	s.hub.Register(conn)

	// Reads only detect client close; the hub pushes all messages.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.hub.Unregister(conn)
				return
			}
		}
	}()
}
