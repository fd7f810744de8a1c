package app

import (
	"context"
	"errors"
	"fmt"
	"pair_chat/internal/model"
	"pair_chat/internal/protocol/msgcrypt"
	"pair_chat/internal/utils/log"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ListState is the state of the message list. LoadingOlder lasts from the
// moment an older page is requested until it has been merged; Appending
// lasts for a single live append.
type ListState int

const (
	ListIdle ListState = iota
	ListLoadingOlder
	ListAppending
)

func (s ListState) String() string {
	switch s {
	case ListIdle:
		return "idle"
	case ListLoadingOlder:
		return "loading-older"
	case ListAppending:
		return "appending"
	}
	return fmt.Sprintf("ListState(%d)", int(s))
}

var ErrNoConversation = errors.New("no active conversation")

type (
	// Entry is one decrypted message of the buffer.
	Entry struct {
		ID            string
		SenderID      string
		Text          string
		AttachmentURL *string
		Timestamp     time.Time
		// Undecryptable entries keep the raw token in Raw.
		Undecryptable bool
		Raw           string
	}

	// Viewport is the scroll container the list renders into. Heights and
	// offsets are in rows. It is only touched from scheduled functions.
	Viewport interface {
		ContentHeight() int
		ScrollOffset() int
		ViewHeight() int
		SetScrollOffset(offset int)
		Render(entries []Entry)
	}

	PageFetcher interface {
		Messages(ctx context.Context, conversationID string, page, size int) ([]model.Delivery, error)
	}

	Emitter interface {
		Send(conversationID, ciphertext string) error
		ShareFile(conversationID, ciphertext string, data []byte, mimeType string) error
	}

	TimelineConfig struct {
		SelfID   string
		PageSize int
		Cipher   *msgcrypt.Cipher
		Fetcher  PageFetcher
		Emitter  Emitter
		View     Viewport
		// Schedule runs f on the goroutine that owns the view.
		Schedule func(f func())
	}

	// Timeline is the message buffer of the active conversation with its
	// pagination cursor. Fetching and decryption run on the caller's
	// goroutine; every buffer and view mutation goes through Schedule.
	Timeline struct {
		cfg    TimelineConfig
		flight singleflight.Group

		mu             sync.Mutex
		conversationID string
		generation     uint64
		entries        []Entry
		index          map[string]struct{}
		page           int
		hasMore        bool
		state          ListState
		// live events received while catch-ups are in flight wait in held
		catchUps int
		held     []Entry
	}
)

// MaxPageSize is the largest page the server serves by default. A short page
// marks the oldest one, so asking for more would hide older history.
const MaxPageSize = 100

func NewTimeline(cfg TimelineConfig) *Timeline {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 10
	}
	cfg.PageSize = min(cfg.PageSize, MaxPageSize)
	if cfg.Cipher == nil {
		cfg.Cipher = msgcrypt.New()
	}
	if cfg.Schedule == nil {
		cfg.Schedule = func(f func()) { f() }
	}
	return &Timeline{cfg: cfg, index: make(map[string]struct{})}
}

// Open discards the buffer, makes conversationID active and seeds it with
// the newest page.
func (t *Timeline) Open(ctx context.Context, conversationID string) error {
	t.mu.Lock()
	t.generation++
	gen := t.generation
	t.conversationID = conversationID
	t.entries = nil
	t.index = make(map[string]struct{})
	t.page = 0
	t.hasMore = true
	t.state = ListIdle
	t.catchUps = 0
	t.held = nil
	t.mu.Unlock()

	t.cfg.Schedule(func() {
		if t.current(gen) {
			t.cfg.View.Render(nil)
			t.cfg.View.SetScrollOffset(0)
		}
	})

	return t.load(ctx, conversationID, gen, 1)
}

// LoadOlder fetches the next older page if there is one and no fetch for
// the conversation is in flight.
func (t *Timeline) LoadOlder(ctx context.Context) error {
	t.mu.Lock()
	conversationID, gen := t.conversationID, t.generation
	next := t.page + 1
	skip := conversationID == "" || !t.hasMore || t.page == 0 || t.state == ListLoadingOlder
	t.mu.Unlock()

	if skip {
		return nil
	}
	return t.load(ctx, conversationID, gen, next)
}

func (t *Timeline) load(ctx context.Context, conversationID string, gen uint64, page int) error {
	// one fetch per conversation at a time; the generation keeps a reopened
	// conversation from joining a stale flight
	key := fmt.Sprintf("%s#%d", conversationID, gen)
	_, err, _ := t.flight.Do(key, func() (any, error) {
		t.mu.Lock()
		if gen != t.generation || page != t.page+1 {
			t.mu.Unlock()
			return nil, nil
		}
		if page > 1 {
			t.state = ListLoadingOlder
		}
		t.mu.Unlock()

		items, err := t.cfg.Fetcher.Messages(ctx, conversationID, page, t.cfg.PageSize)
		if err != nil {
			t.settle(gen)
			return nil, fmt.Errorf("load page %d: %w", page, err)
		}

		entries := make([]Entry, 0, len(items))
		for _, d := range items {
			entries = append(entries, t.decode(d))
		}

		merged := make(chan struct{})
		t.cfg.Schedule(func() {
			defer close(merged)
			t.merge(gen, page, entries, len(items))
		})

		select {
		case <-merged:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	return err
}

func (t *Timeline) settle(gen uint64) {
	t.mu.Lock()
	if gen == t.generation {
		t.state = ListIdle
	}
	t.mu.Unlock()
}

func (t *Timeline) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.generation
}

// merge runs on the view goroutine. Page 1 seeds the buffer; later pages go
// in front of it with the scroll offset shifted by the height they add.
func (t *Timeline) merge(gen uint64, page int, entries []Entry, fetched int) {
	t.mu.Lock()
	if gen != t.generation {
		t.mu.Unlock()
		return
	}
	t.page = page
	t.hasMore = fetched == t.cfg.PageSize

	if page == 1 {
		// live events can beat the first page; keep the ones it does not cover
		live := t.entries
		t.entries = make([]Entry, 0, len(entries)+len(live))
		t.index = make(map[string]struct{}, len(entries)+len(live))
		t.push(entries)
		t.push(live)
		snapshot := t.snapshot()
		t.mu.Unlock()

		view := t.cfg.View
		view.Render(snapshot)
		view.SetScrollOffset(max(0, view.ContentHeight()-view.ViewHeight()))
		return
	}

	older := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if _, dup := t.index[e.ID]; dup {
			continue
		}
		t.index[e.ID] = struct{}{}
		older = append(older, e)
	}
	t.entries = append(older, t.entries...)
	snapshot := t.snapshot()
	t.mu.Unlock()

	view := t.cfg.View
	heightBefore := view.ContentHeight()
	offsetBefore := view.ScrollOffset()
	view.Render(snapshot)
	view.SetScrollOffset(offsetBefore + view.ContentHeight() - heightBefore)

	t.settle(gen)
}

func (t *Timeline) push(entries []Entry) {
	for _, e := range entries {
		if _, dup := t.index[e.ID]; dup {
			continue
		}
		t.index[e.ID] = struct{}{}
		t.entries = append(t.entries, e)
	}
}

func (t *Timeline) snapshot() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Receive handles a live fan-out event. It decrypts on the calling
// goroutine and schedules the append.
func (t *Timeline) Receive(_ model.EventType, d model.Delivery) {
	t.mu.Lock()
	active, gen := t.conversationID, t.generation
	t.mu.Unlock()

	if d.ConversationID != active {
		return
	}

	e := t.decode(d)

	t.mu.Lock()
	if gen == t.generation && t.catchUps > 0 {
		t.held = append(t.held, e)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.cfg.Schedule(func() {
		t.append(gen, e)
	})
}

func (t *Timeline) append(gen uint64, e Entry) {
	t.apply(gen, func() bool {
		if _, dup := t.index[e.ID]; dup {
			return false
		}
		t.index[e.ID] = struct{}{}
		t.entries = append(t.entries, e)
		return true
	})
}

// apply runs mutate under the lock on the view goroutine and re-renders when
// it reports a change, following the bottom if the view was there.
func (t *Timeline) apply(gen uint64, mutate func() bool) {
	t.mu.Lock()
	if gen != t.generation || !mutate() {
		t.mu.Unlock()
		return
	}
	prev := t.state
	if prev == ListIdle {
		t.state = ListAppending
	}
	snapshot := t.snapshot()
	t.mu.Unlock()

	view := t.cfg.View
	atBottom := view.ContentHeight()-view.ScrollOffset() <= view.ViewHeight()+1
	view.Render(snapshot)
	if atBottom {
		view.SetScrollOffset(max(0, view.ContentHeight()-view.ViewHeight()))
	}

	t.mu.Lock()
	if t.state == ListAppending {
		t.state = ListIdle
	}
	t.mu.Unlock()
}

// CatchUp re-reads the newest page after a reconnect and merges whatever
// was missed in store order. Live events are held from the moment CatchUp
// is called until the page is merged and then appended after it, so it
// must be called before the connection resumes reading. The fetch runs in
// the background; its result arrives on the returned channel. The cursor is
// left alone.
func (t *Timeline) CatchUp(ctx context.Context) <-chan error {
	errc := make(chan error, 1)

	t.mu.Lock()
	conversationID, gen := t.conversationID, t.generation
	if conversationID == "" {
		t.mu.Unlock()
		errc <- nil
		return errc
	}
	t.catchUps++
	t.mu.Unlock()

	go func() {
		items, err := t.cfg.Fetcher.Messages(ctx, conversationID, 1, t.cfg.PageSize)
		if err != nil {
			err = fmt.Errorf("catch up: %w", err)
			items = nil
		}

		page := make([]Entry, 0, len(items))
		for _, d := range items {
			page = append(page, t.decode(d))
		}

		// the release is scheduled even on error so held events are not lost
		t.cfg.Schedule(func() {
			t.apply(gen, func() bool {
				if t.catchUps > 0 {
					t.catchUps--
				}
				var held []Entry
				if t.catchUps == 0 {
					held, t.held = t.held, nil
				}

				before := len(t.entries)
				spliced := t.splice(page)
				t.push(held)
				return spliced || len(t.entries) != before
			})
		})
		errc <- err
	}()
	return errc
}

// splice inserts the page entries missing from the buffer. Each goes right
// before the next page entry the buffer already holds, or at the end when
// none follows.
func (t *Timeline) splice(page []Entry) bool {
	pos := make(map[string]int, len(t.entries))
	for i, e := range t.entries {
		pos[e.ID] = i
	}

	before := make(map[int][]Entry)
	var pending []Entry
	for _, e := range page {
		if i, ok := pos[e.ID]; ok {
			if len(pending) > 0 {
				before[i] = pending
				pending = nil
			}
			continue
		}
		pending = append(pending, e)
	}
	if len(before) == 0 && len(pending) == 0 {
		return false
	}

	merged := make([]Entry, 0, len(t.entries)+len(page))
	for i, e := range t.entries {
		for _, m := range before[i] {
			t.index[m.ID] = struct{}{}
			merged = append(merged, m)
		}
		merged = append(merged, e)
	}
	for _, m := range pending {
		t.index[m.ID] = struct{}{}
		merged = append(merged, m)
	}
	t.entries = merged
	return true
}

func (t *Timeline) decode(d model.Delivery) Entry {
	e := Entry{
		ID:            d.ID,
		SenderID:      d.SenderID,
		AttachmentURL: d.AttachmentURL,
		Timestamp:     d.Timestamp,
	}
	if d.Message == "" {
		return e
	}

	text, err := t.cfg.Cipher.Decrypt(d.Message, msgcrypt.Passphrase(d.ConversationID, d.SenderID))
	if err != nil {
		log.Debug("message undecryptable", zap.String("message_id", d.ID), zap.Error(err))
		e.Undecryptable = true
		e.Raw = d.Message
		return e
	}
	e.Text = text
	return e
}

// Send encrypts text under the sender's own passphrase and emits it. The
// message shows up through the fan-out echo, not locally.
func (t *Timeline) Send(text string) error {
	conversationID := t.Conversation()
	if conversationID == "" {
		return ErrNoConversation
	}

	token, err := t.cfg.Cipher.Encrypt(text, msgcrypt.Passphrase(conversationID, t.cfg.SelfID))
	if err != nil {
		return err
	}
	return t.cfg.Emitter.Send(conversationID, token)
}

// ShareFile sends an attachment with an optional caption.
func (t *Timeline) ShareFile(caption string, data []byte, mimeType string) error {
	conversationID := t.Conversation()
	if conversationID == "" {
		return ErrNoConversation
	}

	var token string
	if caption != "" {
		var err error
		token, err = t.cfg.Cipher.Encrypt(caption, msgcrypt.Passphrase(conversationID, t.cfg.SelfID))
		if err != nil {
			return err
		}
	}
	return t.cfg.Emitter.ShareFile(conversationID, token, data, mimeType)
}

func (t *Timeline) Conversation() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conversationID
}

func (t *Timeline) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshot()
}

func (t *Timeline) State() ListState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cursor reports the last merged page and whether older pages remain.
func (t *Timeline) Cursor() (page int, hasMore bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.page, t.hasMore
}
