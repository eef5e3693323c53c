package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"maidan-service/internal/service/handshake"
	"maidan-service/internal/service/queue"
	pkgAuth "maidan-service/pkg/auth"
	appErr "maidan-service/pkg/errors"
	"maidan-service/pkg/logger"
	"maidan-service/pkg/utils/random"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Handler struct {
	queueSvc     *queue.Service
	handshakeSvc *handshake.Service
	hub          *Hub
}

func NewHandler(queueSvc *queue.Service, handshakeSvc *handshake.Service, hub *Hub) *Handler {
	return &Handler{queueSvc: queueSvc, handshakeSvc: handshakeSvc, hub: hub}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for dev
	},
}

// HandleMatchmakingWS authenticates the connection, upgrades it, and
// runs the session until disconnect.
func (h *Handler) HandleMatchmakingWS(c *gin.Context) {
	token, err := getTokenFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	claims, err := pkgAuth.ParseUserToken(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID := claims.SubjectID

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Log.Error("Failed to upgrade websocket", zap.Error(err))
		return
	}

	connID := random.Code(16)
	logger.Log.Info("New matchmaking connection",
		zap.String("connID", connID),
		zap.Int64("userID", userID),
	)

	client := newClient(conn, connID, userID, h)
	client.run()
}

func getTokenFromRequest(c *gin.Context) (string, error) {
	token := strings.TrimSpace(c.Query("token"))
	if token != "" {
		return token, nil
	}
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	if authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			token = strings.TrimSpace(parts[1])
			if token != "" {
				return token, nil
			}
		}
	}
	return "", errors.New("missing token")
}

type client struct {
	conn      *websocket.Conn
	connID    string
	userID    int64
	handler   *Handler
	outbound  <-chan Event
	done      chan struct{}
	pingEvery time.Duration
}

func newClient(conn *websocket.Conn, connID string, userID int64, h *Handler) *client {
	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	return &client{
		conn:      conn,
		connID:    connID,
		userID:    userID,
		handler:   h,
		outbound:  h.hub.register(connID, userID),
		done:      make(chan struct{}),
		pingEvery: 25 * time.Second,
	}
}

func (c *client) run() {
	go c.writePump()
	c.readPump()
}

func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.handler.hub.unregister(c.connID, c.userID)
		c.conn.Close()
		// Disconnect carries leave semantics for any live ticket. A
		// pending slot is left to expire on its own deadline.
		if err := c.handler.queueSvc.Leave(context.Background(), c.connID); err != nil {
			logger.Log.Warn("leave on disconnect failed",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
		}
		logger.Log.Info("matchmaking connection closed",
			zap.String("connID", c.connID),
			zap.Int64("userID", c.userID),
		)
	}()

	for {
		mt, message, err := c.conn.ReadMessage()
		if err != nil {
			logger.Log.Info("WS read error", zap.Error(err), zap.String("connID", c.connID), zap.Int64("userID", c.userID))
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		var incoming struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(message, &incoming); err != nil {
			c.sendError("invalid payload")
			continue
		}
		if incoming.Type == "" {
			continue
		}

		c.handleIntent(incoming.Type, incoming.Data)
	}
}

func (c *client) handleIntent(intent string, data json.RawMessage) {
	ctx := context.Background()

	switch intent {
	case "join_queue":
		var payload struct {
			SportType  string `json:"sportType"`
			SkillLevel string `json:"skillLevel"`
			GroupID    string `json:"groupId"`
		}
		if err := unmarshalPayload(data, &payload); err != nil {
			c.sendError("invalid payload")
			return
		}
		key, err := queue.NewBucketKey(payload.SportType, payload.SkillLevel)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		err = c.handler.queueSvc.Join(ctx, queue.Ticket{
			ConnID:     c.connID,
			UserID:     c.userID,
			GroupID:    payload.GroupID,
			SportType:  key.SportType,
			SkillLevel: key.SkillLevel,
		})
		if err != nil {
			c.sendError(errorMessage(err))
			return
		}
		c.send("queue_joined", map[string]interface{}{"status": "success"})

	case "leave_queue":
		if err := c.handler.queueSvc.Leave(ctx, c.connID); err != nil {
			c.sendError(errorMessage(err))
			return
		}
		c.send("queue_left", map[string]interface{}{"status": "success"})

	case "accept_match":
		pendingID, ok := c.pendingIDFrom(data)
		if !ok {
			return
		}
		if err := c.handler.handshakeSvc.Accept(ctx, pendingID, c.userID); err != nil {
			c.sendError(errorMessage(err))
		}

	case "decline_match":
		pendingID, ok := c.pendingIDFrom(data)
		if !ok {
			return
		}
		if err := c.handler.handshakeSvc.Decline(ctx, pendingID, c.userID); err != nil {
			c.sendError(errorMessage(err))
		}

	default:
		c.sendError("unknown intent: " + intent)
	}
}

func (c *client) pendingIDFrom(data json.RawMessage) (string, bool) {
	var payload struct {
		PendingID string `json:"pendingId"`
	}
	if err := unmarshalPayload(data, &payload); err != nil || strings.TrimSpace(payload.PendingID) == "" {
		c.sendError("invalid payload")
		return "", false
	}
	return payload.PendingID, true
}

func unmarshalPayload(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return appErr.ErrInvalidPayload
	}
	return json.Unmarshal(data, v)
}

// send routes through the hub so the write pump stays the only writer
// on the socket.
func (c *client) send(event string, data map[string]interface{}) {
	c.handler.hub.Notify(c.connID, event, data)
}

func (c *client) sendError(message string) {
	c.send("queue_error", map[string]interface{}{"message": message})
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				logger.Log.Info("WS write error", zap.Error(err), zap.String("connID", c.connID), zap.Int64("userID", c.userID))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// errorMessage maps domain errors onto the messages surfaced through
// queue_error. Anything unexpected stays generic.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, appErr.ErrAlreadyQueued),
		errors.Is(err, appErr.ErrInvalidPayload),
		errors.Is(err, appErr.ErrPendingNotFound),
		errors.Is(err, appErr.ErrPendingExpired),
		errors.Is(err, appErr.ErrPendingBusy),
		errors.Is(err, appErr.ErrUnauthorized):
		return err.Error()
	case errors.Is(err, appErr.ErrStoreUnavailable):
		return appErr.ErrStoreUnavailable.Error()
	default:
		return "internal error"
	}
}
