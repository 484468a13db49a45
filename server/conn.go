package server

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"freelancehub/collab/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

// conn is one websocket client attached to the server.
type conn struct {
	srv      *Server
	ws       *websocket.Conn
	clientID string
	logger   *slog.Logger
	send     chan []byte
}

func newConn(srv *Server, ws *websocket.Conn, clientID string) *conn {
	return &conn{
		srv:      srv,
		ws:       ws,
		clientID: clientID,
		logger:   srv.logger.With("client", clientID, "remote", ws.RemoteAddr().String()),
		send:     make(chan []byte, sendBuffer),
	}
}

// enqueue hands a frame to the write pump; slow consumers are disconnected
// rather than allowed to stall the document.
func (c *conn) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("send buffer full, dropping connection")
		c.ws.Close()
	}
}

func (c *conn) readPump() {
	defer func() {
		c.srv.dropConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("read failed", "err", err)
			}
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			c.logger.Warn("bad frame", "err", err)
			continue
		}
		c.srv.route(c, env, frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
