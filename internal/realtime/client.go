package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/replyflow/engagement/internal/rbac"
	"github.com/replyflow/engagement/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // token auth is enforced before upgrade
	},
}

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Authorizer resolves a bearer token to the caller's role in orgID.
type Authorizer func(ctx context.Context, token string, orgID uuid.UUID) (rbac.Actor, error)

// Client represents a single WebSocket connection watching an organization's queue.
type Client struct {
	ID             string
	OrganizationID uuid.UUID
	UserID         uuid.UUID
	Role           rbac.Role
	hub            *Hub
	conn           *websocket.Conn
	send           chan WSMessage
	logger         *zap.Logger
}

// ServeWs handles GET /ws?organization_id=&token=. Only members with queue.view may subscribe.
func ServeWs(hub *Hub, logger *zap.Logger, authorize Authorizer) gin.HandlerFunc {
	return func(c *gin.Context) {
		orgIDStr := c.Query("organization_id")
		token := c.Query("token")
		if orgIDStr == "" || token == "" {
			response.BadRequest(c, "organization_id and token required")
			return
		}
		orgID, err := uuid.Parse(orgIDStr)
		if err != nil {
			response.BadRequest(c, "invalid organization_id")
			return
		}
		actor, err := authorize(c.Request.Context(), token, orgID)
		if err != nil {
			response.Error(c, err)
			return
		}
		if err := actor.Require(rbac.PermQueueView); err != nil {
			response.Error(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			ID:             uuid.New().String(),
			OrganizationID: orgID,
			UserID:         actor.UserID,
			Role:           actor.Role,
			hub:            hub,
			conn:           conn,
			send:           make(chan WSMessage, 256),
			logger:         logger,
		}
		hub.Register(client)
		go client.writePump()
		client.readPump()
	}
}

// readPump only services control frames; clients never mutate state over the socket.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg WSMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if msg.Event == "ping" {
			select {
			case c.send <- WSMessage{Event: "pong"}:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
