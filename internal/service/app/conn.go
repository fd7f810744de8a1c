package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"pair_chat/internal/model"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/utils/log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

var (
	ErrNotConnected          = errors.New("not connected")
	ErrOversizeFile          = errors.New("file exceeds the 5 MiB upload limit")
	ErrAuthenticationFailure = errors.New("server rejected the session")
	ErrDisconnected          = errors.New("connection lost, reconnect attempts exhausted")
)

type ConnState int

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateJoined
	StateDisconnected
	StateReconnecting
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoined:
		return "joined"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

type (
	ConnConfig struct {
		URL   string
		Token string
		// Attempts bounds every dial sequence, the first dial included.
		Attempts    uint64
		Delay       time.Duration
		MaxFileSize int64
		Dialer      *websocket.Dialer
	}

	// Handler receives everything the connection reads. Callbacks run on the
	// connection's read goroutine, one at a time, in arrival order.
	Handler struct {
		OnDelivery  func(event model.EventType, d model.Delivery)
		OnError     func(msg string)
		OnState     func(state ConnState)
		OnReconnect func()
	}

	// Conn is the client side of the realtime transport. It owns one
	// websocket at a time and replaces it when it drops.
	Conn struct {
		cfg     ConnConfig
		handler Handler

		mu    sync.Mutex
		ws    *websocket.Conn
		state ConnState
		room  string
		err   error

		writeMu sync.Mutex

		cancel    context.CancelFunc
		closing   chan struct{}
		closeOnce sync.Once
		finished  chan struct{}
	}
)

func NewConn(cfg ConnConfig, handler Handler) *Conn {
	if cfg.Attempts == 0 {
		cfg.Attempts = 50
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 2 * time.Second
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = blob.MaxSize
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		cfg:      cfg,
		handler:  handler,
		state:    StateDisconnected,
		closing:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

// Start dials the server and keeps the connection alive until ctx is done,
// Close is called, the server rejects the session or reconnects run out.
func (c *Conn) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.setState(StateConnecting)
	ws, err := c.dial(ctx)
	if err != nil {
		c.fail(err)
		cancel()
		close(c.finished)
		return err
	}
	c.attach(ws)

	go c.run(ctx, ws)
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return nil
}

func (c *Conn) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	var ws *websocket.Conn
	backoff := retry.WithMaxRetries(c.cfg.Attempts-1, retry.NewConstant(c.cfg.Delay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, header)
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: %s", ErrAuthenticationFailure, resp.Status)
		}
		if err != nil {
			log.Debug("dial failed", zap.String("url", c.cfg.URL), zap.Error(err))
			return retry.RetryableError(err)
		}
		ws = conn
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func (c *Conn) attach(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setState(StateAuthenticating)
}

func (c *Conn) run(ctx context.Context, ws *websocket.Conn) {
	defer close(c.finished)

	for {
		err := c.readLoop(ws)
		ws.Close()

		if c.isClosing() {
			c.setState(StateDisconnected)
			return
		}
		if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			log.Warn("session rejected by server", zap.Error(err))
			c.fail(ErrAuthenticationFailure)
			return
		}

		log.Info("connection lost, reconnecting", zap.Error(err))
		c.setState(StateReconnecting)

		next, dialErr := c.dial(ctx)
		if c.isClosing() {
			if next != nil {
				next.Close()
			}
			c.setState(StateDisconnected)
			return
		}
		if dialErr != nil {
			if !errors.Is(dialErr, ErrAuthenticationFailure) {
				dialErr = fmt.Errorf("%w: %v", ErrDisconnected, dialErr)
			}
			log.Error("giving up on the connection", zap.Error(dialErr))
			c.fail(dialErr)
			return
		}
		ws = next
		c.attach(ws)

		if room := c.Room(); room != "" {
			if err := c.Join(room); err != nil {
				log.Error("rejoin failed", zap.String("conversation_id", room), zap.Error(err))
			}
		}
		if c.handler.OnReconnect != nil {
			c.handler.OnReconnect()
		}
	}
}

func (c *Conn) readLoop(ws *websocket.Conn) error {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var env model.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn("unmarshal frame failed", zap.Error(err))
			continue
		}
		c.handle(&env)
	}
}

func (c *Conn) handle(env *model.Envelope) {
	switch env.Event {
	case model.EventSend, model.EventShareFile:
		var d model.Delivery
		if err := env.Decode(&d); err != nil {
			log.Warn("decode delivery failed", zap.Error(err))
			return
		}
		if err := d.Validate(); err != nil {
			log.Warn("dropping invalid delivery", zap.Error(err))
			return
		}
		if c.handler.OnDelivery != nil {
			c.handler.OnDelivery(env.Event, d)
		}
	case model.EventError:
		var e model.ErrorEvent
		if err := env.Decode(&e); err != nil {
			log.Warn("decode error event failed", zap.Error(err))
			return
		}
		log.Info("server error event", zap.String("error", e.Error))
		if c.handler.OnError != nil {
			c.handler.OnError(e.Error)
		}
	default:
		log.Debug("ignoring event", zap.String("event", string(env.Event)))
	}
}

func (c *Conn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.setState(StateDisconnected)
}

func (c *Conn) setState(s ConnState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if changed && c.handler.OnState != nil {
		c.handler.OnState(s)
	}
}

func (c *Conn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Room is the conversation the connection re-joins after a reconnect.
func (c *Conn) Room() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Err is the reason the connection gave up, nil while it is alive or after
// a local Close.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection has stopped for good.
func (c *Conn) Done() <-chan struct{} {
	return c.finished
}

func (c *Conn) write(event model.EventType, v any) error {
	env, err := model.NewEnvelope(event, v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	ws := c.ws
	state := c.state
	c.mu.Unlock()
	if ws == nil || state == StateDisconnected || state == StateReconnecting {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ws.WriteJSON(env)
}

// Join makes conversationID the active room. Switching conversations simply
// joins the new room.
func (c *Conn) Join(conversationID string) error {
	c.mu.Lock()
	c.room = conversationID
	c.mu.Unlock()

	if err := c.write(model.EventJoinChat, model.JoinChat{ConversationID: conversationID}); err != nil {
		return err
	}
	c.setState(StateJoined)
	return nil
}

func (c *Conn) Send(conversationID, ciphertext string) error {
	return c.write(model.EventSend, model.SendRequest{
		ConversationID: conversationID,
		Ciphertext:     ciphertext,
	})
}

// ShareFile rejects oversized files before anything touches the network.
func (c *Conn) ShareFile(conversationID, ciphertext string, data []byte, mimeType string) error {
	if int64(len(data)) > c.cfg.MaxFileSize {
		return ErrOversizeFile
	}
	return c.write(model.EventShareFile, model.ShareFileRequest{
		ConversationID: conversationID,
		Ciphertext:     ciphertext,
		Blob:           data,
		MimeType:       mimeType,
	})
}

func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.mu.Lock()
		ws := c.ws
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if ws == nil {
			return
		}

		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		ws.Close()
	})
}
