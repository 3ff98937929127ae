// Package wsgateway upgrades HTTP requests to websocket connections and
// runs a relay session per connection. It is the only place the transport
// library appears; the relay core sees nothing but relay.Conn.
package wsgateway

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warriorsfly/collab-studio/pkg/relay"
)

// writeWait bounds every outbound write so a dead peer fails the worker's
// forward instead of wedging it.
const writeWait = 10 * time.Second

type Gateway struct {
	dir      *relay.Directory
	cfg      relay.SessionConfig
	upgrader websocket.Upgrader
}

func New(dir *relay.Directory, cfg relay.SessionConfig) *Gateway {
	return &Gateway{
		dir: dir,
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	cfg := g.cfg
	if p := r.URL.Query().Get("platform"); p != "" {
		cfg.Platform = p
	}

	sess := relay.NewSession(g.dir, &wsConn{ws: ws}, cfg)
	ws.SetPongHandler(func(string) error {
		sess.MarkAlive()
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		sess.MarkAlive()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	sess.Run(r.Context())
}

// wsConn adapts a gorilla connection to relay.Conn. Text frames only;
// a binary frame is a protocol violation that ends the session.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) ReadText() (string, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		switch mt {
		case websocket.TextMessage:
			return string(data), nil
		case websocket.BinaryMessage:
			return "", errors.New("wsgateway: unexpected binary frame")
		}
	}
}

func (c *wsConn) WriteText(s string) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

func (c *wsConn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
