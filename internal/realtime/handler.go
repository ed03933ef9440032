package realtime

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-signlab/backend/pkg/response"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // socket access is gated by the token, not the origin
	},
}

// TokenVerifier validates a socket token and returns the user id it carries.
type TokenVerifier func(token string) (userID string, err error)

// ServeWs handles the WebSocket upgrade and runs the connection until it
// closes. A nil verify leaves the endpoint open.
func ServeWs(reg *Registry, deps Deps, opts Options, verify TokenVerifier, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(c *gin.Context) {
		if !reg.Accepting() {
			response.ServiceUnavailable(c, "server is shutting down")
			return
		}
		var userID string
		if verify != nil {
			token := c.Query("token")
			if token == "" {
				response.Unauthorized(c, "token required")
				return
			}
			id, err := verify(token)
			if err != nil {
				response.Unauthorized(c, "invalid token")
				return
			}
			userID = id
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := NewConnection(deps, opts, logger)
		conn.UserID = userID
		if err := reg.Register(conn); err != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"),
				time.Now().Add(writeWait))
			_ = ws.Close()
			return
		}
		defer reg.Unregister(conn.ID)

		logger.Info("client connected", zap.String("client_id", conn.ID), zap.String("user_id", userID))
		conn.Serve(ws)
	}
}
