package app

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"pair_chat/internal/protocol/msgcrypt"
	"pair_chat/internal/repository/blob"
	"pair_chat/internal/utils/log"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const fileCommand = "/file "

type (
	Config struct {
		ServerURL         string
		Username          string
		Password          string
		Register          bool
		Peer              string
		PageSize          int
		ReconnectAttempts uint64
		ReconnectDelay    time.Duration
	}

	// App is the terminal chat view for one conversation. The connection and
	// the timeline live exactly as long as Run.
	App struct {
		cfg Config
		api *API

		app     *tview.Application
		chatbox *tview.TextView
		status  *tview.TextView
		input   *tview.InputField

		timeline *Timeline
		conn     *Conn
	}
)

func NewApp(cfg Config) *App {
	return &App{
		cfg: cfg,
		api: NewAPI(cfg.ServerURL),
		app: tview.NewApplication(),
	}
}

// Run blocks until the user quits or ctx is done.
func (c *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := c.signIn(ctx)
	if err != nil {
		return err
	}

	peer, err := c.findPeer(ctx)
	if err != nil {
		return err
	}

	chat, err := c.api.CreateChat(ctx, peer.ID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	log.Info("conversation ready", zap.String("conversation_id", chat.ID), zap.String("peer_id", peer.ID))

	c.renderUI(peer.Username)

	c.timeline = NewTimeline(TimelineConfig{
		SelfID:   session.UserID,
		PageSize: c.cfg.PageSize,
		Cipher:   msgcrypt.New(),
		Fetcher:  c.api,
		View:     newTextViewport(c.chatbox, session.UserID, map[string]string{peer.ID: peer.Username}),
		Schedule: func(f func()) { c.app.QueueUpdateDraw(f) },
	})

	wsURL, err := c.api.WebsocketURL()
	if err != nil {
		return err
	}
	c.conn = NewConn(ConnConfig{
		URL:         wsURL,
		Token:       session.Token,
		Attempts:    c.cfg.ReconnectAttempts,
		Delay:       c.cfg.ReconnectDelay,
		MaxFileSize: blob.MaxSize,
	}, Handler{
		OnDelivery: c.timeline.Receive,
		OnError:    c.notify,
		OnState:    c.showState,
		// runs on the read goroutine, so the hold starts before any new event
		OnReconnect: func() {
			errc := c.timeline.CatchUp(ctx)
			go func() {
				if err := <-errc; err != nil {
					log.Error("catch up failed", zap.Error(err))
				}
			}()
		},
	})
	c.timeline.cfg.Emitter = c.conn

	if err := c.conn.Start(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer c.conn.Close()

	if err := c.conn.Join(chat.ID); err != nil {
		return fmt.Errorf("join conversation: %w", err)
	}

	go func() {
		if err := c.timeline.Open(ctx, chat.ID); err != nil {
			c.notify("history unavailable: " + err.Error())
		}
	}()
	go func() {
		select {
		case <-ctx.Done():
		case <-c.conn.Done():
			if err := c.conn.Err(); err != nil {
				c.notify(err.Error())
			}
			return
		}
		c.app.Stop()
	}()

	if err := c.app.Run(); err != nil {
		return fmt.Errorf("terminal ui: %w", err)
	}
	return nil
}

func (c *App) signIn(ctx context.Context) (*Session, error) {
	if c.cfg.Register {
		_, err := c.api.Register(ctx, c.cfg.Username, c.cfg.Password)
		var apiErr *APIError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict) {
			return nil, fmt.Errorf("register: %w", err)
		}
	}

	session, err := c.api.Login(ctx, c.cfg.Username, c.cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return session, nil
}

func (c *App) findPeer(ctx context.Context) (*UserInfo, error) {
	users, err := c.api.SearchUsers(ctx, c.cfg.Peer)
	if err != nil {
		return nil, fmt.Errorf("find %q: %w", c.cfg.Peer, err)
	}
	for _, u := range users {
		if strings.EqualFold(u.Username, c.cfg.Peer) {
			return &u, nil
		}
	}
	return nil, fmt.Errorf("no user named %q", c.cfg.Peer)
}

func (c *App) renderUI(peerName string) {
	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(fmt.Sprintf(" Chat with %s ", peerName))

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message (/file <path> to attach, Tab to scroll) ")

	c.input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := strings.TrimSpace(c.input.GetText())
			if text == "" {
				return
			}
			c.input.SetText("")
			go c.submit(text)
		case tcell.KeyTab:
			c.app.SetFocus(c.chatbox)
		}
	})

	c.chatbox.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab, tcell.KeyEsc:
			c.app.SetFocus(c.input)
			return nil
		case tcell.KeyUp, tcell.KeyPgUp, tcell.KeyHome:
			c.maybeLoadOlder()
		}
		return event
	})
	c.chatbox.SetMouseCapture(func(action tview.MouseAction, event *tcell.EventMouse) (tview.MouseAction, *tcell.EventMouse) {
		if action == tview.MouseScrollUp {
			c.maybeLoadOlder()
		}
		return action, event
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.status, 1, 0, false).
		AddItem(c.input, 3, 0, true)

	c.app.SetRoot(layout, true).SetFocus(c.input).EnableMouse(true)
}

// maybeLoadOlder runs on the UI goroutine when the user scrolls up.
func (c *App) maybeLoadOlder() {
	if row, _ := c.chatbox.GetScrollOffset(); row > 0 {
		return
	}
	go func() {
		if err := c.timeline.LoadOlder(context.Background()); err != nil {
			c.notify("older messages unavailable: " + err.Error())
		}
	}()
}

func (c *App) submit(text string) {
	var err error
	if path, ok := strings.CutPrefix(text, fileCommand); ok {
		err = c.shareFile(strings.TrimSpace(path))
	} else {
		err = c.timeline.Send(text)
	}
	if err != nil {
		log.Error("send failed", zap.Error(err))
		c.notify(err.Error())
	}
}

func (c *App) shareFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() > blob.MaxSize {
		return ErrOversizeFile
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return c.timeline.ShareFile("", data, mimeType)
}

func (c *App) notify(msg string) {
	c.app.QueueUpdateDraw(func() {
		c.status.SetText("[red]" + tview.Escape(msg) + "[-]")
	})
}

func (c *App) showState(state ConnState) {
	c.app.QueueUpdateDraw(func() {
		c.status.SetText("[gray]" + state.String() + "[-]")
	})
}
