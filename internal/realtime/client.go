package realtime

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/convo-crm/backend/internal/tenants"
)

const writeWait = 10 * time.Second

// OriginPolicy allows cross-origin browser upgrades. *middleware.OriginMatcher implements it.
type OriginPolicy interface {
	Allow(origin string) bool
}

// newUpgrader accepts requests without an Origin header, same-origin requests and origins the
// policy allows. The session is a cookie, so any other page must not be able to open a socket.
func newUpgrader(policy OriginPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
				return true
			}
			return policy != nil && policy.Allow(origin)
		},
	}
}

// Client is a single WebSocket connection bound to a relay subscriber.
type Client struct {
	sub    *Subscriber
	relay  *Relay
	conn   *websocket.Conn
	logger *zap.Logger
}

// ServeWs handles the WebSocket upgrade and runs the client loop. The tenant comes from the
// resolver; a connection can only join that tenant's room. Cross-origin upgrades need origins.
func ServeWs(relay *Relay, origins OriginPolicy, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	upgrader := newUpgrader(origins)
	return func(c *gin.Context) {
		tenantID := tenants.IDFromContext(c)
		if tenantID == uuid.Nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "tenant not resolved"})
			return
		}
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed",
				zap.String("tenant_id", tenantID.String()),
				zap.String("origin", c.GetHeader("Origin")),
				zap.Error(err),
			)
			return
		}

		client := &Client{
			sub:    relay.Connect(tenantID),
			relay:  relay,
			conn:   conn,
			logger: logger.With(zap.String("tenant_id", tenantID.String())),
		}
		go client.writePump()
		client.readPump(c.Request.Context())
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.relay.Remove(c.sub)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(65536)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var msg Envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("subscriber_id", c.sub.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		if err := c.relay.HandleInbound(ctx, c.sub, msg); err != nil {
			c.logger.Info("ignored inbound frame",
				zap.String("subscriber_id", c.sub.ID), zap.String("event", msg.Event), zap.Error(err))
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
		case <-c.sub.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-c.sub.Send():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
