package server

import (
	"context"
	"encoding/json"
	"pair_chat/internal/model"
	"pair_chat/internal/utils/log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 10 << 20
	sendBufferSize = 256
)

type (
	// Client is one authenticated websocket connection. The identity is
	// fixed at connect time.
	Client struct {
		id     string
		userID string
		server *HttpServer
		conn   *websocket.Conn
		send   chan []byte

		done      chan struct{}
		closeOnce sync.Once

		// allowed caches conversations this user is known to participate
		// in. Only the read loop touches it.
		allowed map[string]struct{}
	}
)

func newClient(s *HttpServer, conn *websocket.Conn, userID string) *Client {
	return &Client{
		id:      uuid.NewString(),
		userID:  userID,
		server:  s,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		allowed: make(map[string]struct{}),
	}
}

// enqueue hands frame to the write loop without blocking. A client whose
// buffer is full is too slow to keep up and gets disconnected.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		log.Warn("client send buffer full, disconnecting", zap.String("client_id", c.id), zap.String("user_id", c.userID))
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Client) emit(event model.EventType, v any) {
	env, err := model.NewEnvelope(event, v)
	if err != nil {
		log.Error("marshal event failed", zap.String("event", string(event)), zap.Error(err))
		return
	}
	frame, err := json.Marshal(env)
	if err != nil {
		log.Error("marshal envelope failed", zap.String("event", string(event)), zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// sendError reports a per-operation failure to this connection only.
func (c *Client) sendError(msg string) {
	c.emit(model.EventError, model.ErrorEvent{Error: msg})
}

func (c *Client) readPump(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.server.hub.LeaveAll(c)
		c.close()
		log.Debug("client disconnected", zap.String("client_id", c.id), zap.String("user_id", c.userID))
	}()

	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("web socket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("unmarshal frame failed", zap.String("client_id", c.id), zap.Error(err))
			c.sendError("malformed frame")
			continue
		}
		c.dispatch(ctx, &env)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes whatever is still queued, best effort.
func (c *Client) flush() {
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
