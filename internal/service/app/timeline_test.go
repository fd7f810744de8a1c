package app

import (
	"context"
	"fmt"
	"pair_chat/internal/model"
	"pair_chat/internal/protocol/msgcrypt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConv  = "conv-1"
	testAlice = "alice"
	testBob   = "bob"
)

var testCrypt = msgcrypt.NewWithIterations(10)

type (
	// fakeView renders one row per entry.
	fakeView struct {
		mu       sync.Mutex
		height   int
		offset   int
		rendered []Entry
	}

	fakeFetcher struct {
		mu      sync.Mutex
		history map[string][]model.Delivery
		calls   map[string]int
		// gate, when set, holds every fetch until it is closed.
		gate    chan struct{}
		started chan struct{}
	}

	fakeEmitter struct {
		mu    sync.Mutex
		sent  []model.SendRequest
		files []model.ShareFileRequest
	}
)

func (v *fakeView) ContentHeight() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.rendered)
}

func (v *fakeView) ScrollOffset() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.offset
}

func (v *fakeView) ViewHeight() int { return v.height }

func (v *fakeView) SetScrollOffset(offset int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.offset = min(max(0, offset), max(0, len(v.rendered)-v.height))
}

func (v *fakeView) Render(entries []Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rendered = entries
}

// visible returns the ids in the viewport window.
func (v *fakeView) visible() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var ids []string
	for i := v.offset; i < len(v.rendered) && i < v.offset+v.height; i++ {
		ids = append(ids, v.rendered[i].ID)
	}
	return ids
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{history: make(map[string][]model.Delivery), calls: make(map[string]int)}
}

func (f *fakeFetcher) Messages(ctx context.Context, conversationID string, page, size int) ([]model.Delivery, error) {
	f.mu.Lock()
	f.calls[fmt.Sprintf("%s/%d", conversationID, page)]++
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.history[conversationID]
	hi := len(all) - (page-1)*size
	if hi <= 0 {
		return nil, nil
	}
	lo := max(0, hi-size)
	return append([]model.Delivery(nil), all[lo:hi]...), nil
}

func (f *fakeFetcher) callCount(conversationID string, page int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[fmt.Sprintf("%s/%d", conversationID, page)]
}

func (e *fakeEmitter) Send(conversationID, ciphertext string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, model.SendRequest{ConversationID: conversationID, Ciphertext: ciphertext})
	return nil
}

func (e *fakeEmitter) ShareFile(conversationID, ciphertext string, data []byte, mimeType string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.files = append(e.files, model.ShareFileRequest{ConversationID: conversationID, Ciphertext: ciphertext, Blob: data, MimeType: mimeType})
	return nil
}

func delivery(t *testing.T, conv, sender, id, text string) model.Delivery {
	t.Helper()
	token, err := testCrypt.Encrypt(text, msgcrypt.Passphrase(conv, sender))
	require.NoError(t, err)
	return model.Delivery{
		ID:             id,
		ConversationID: conv,
		Message:        token,
		SenderID:       sender,
		Timestamp:      time.Now().UTC(),
	}
}

func seedHistory(t *testing.T, f *fakeFetcher, conv string, n int) []model.Delivery {
	t.Helper()
	msgs := make([]model.Delivery, 0, n)
	for i := range n {
		sender := testAlice
		if i%2 == 1 {
			sender = testBob
		}
		msgs = append(msgs, delivery(t, conv, sender, fmt.Sprintf("%s-m%02d", conv, i), fmt.Sprintf("text %d", i)))
	}
	f.history[conv] = msgs
	return msgs
}

func newTestTimeline(f *fakeFetcher, view *fakeView, emitter Emitter) *Timeline {
	return NewTimeline(TimelineConfig{
		SelfID:   testAlice,
		PageSize: 10,
		Cipher:   testCrypt,
		Fetcher:  f,
		Emitter:  emitter,
		View:     view,
	})
}

func ids(entries []Entry) []string {
	res := make([]string, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.ID)
	}
	return res
}

func TestOpenSeedsNewestPage(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 25)
	view := &fakeView{height: 5}
	tl := newTestTimeline(f, view, nil)

	require.NoError(t, tl.Open(context.Background(), testConv))

	entries := tl.Entries()
	require.Len(t, entries, 10)
	assert.Equal(t, history[15].ID, entries[0].ID)
	assert.Equal(t, history[24].ID, entries[9].ID)
	assert.Equal(t, "text 24", entries[9].Text)
	assert.Equal(t, testBob, entries[0].SenderID)

	page, hasMore := tl.Cursor()
	assert.Equal(t, 1, page)
	assert.True(t, hasMore)

	// seeded view starts at the bottom
	assert.Equal(t, 5, view.ScrollOffset())
	assert.Equal(t, ListIdle, tl.State())
}

func TestLoadOlderKeepsAnchor(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 25)
	view := &fakeView{height: 5}
	tl := newTestTimeline(f, view, nil)
	ctx := context.Background()

	require.NoError(t, tl.Open(ctx, testConv))
	view.SetScrollOffset(0)
	before := view.visible()

	require.NoError(t, tl.LoadOlder(ctx))

	assert.Len(t, tl.Entries(), 20)
	assert.Equal(t, 10, view.ScrollOffset())
	assert.Equal(t, before, view.visible())
	assert.Equal(t, history[5].ID, tl.Entries()[0].ID)

	require.NoError(t, tl.LoadOlder(ctx))
	page, hasMore := tl.Cursor()
	assert.Equal(t, 3, page)
	assert.False(t, hasMore)
	assert.Len(t, tl.Entries(), 25)

	// nothing older: no further fetch
	require.NoError(t, tl.LoadOlder(ctx))
	assert.Zero(t, f.callCount(testConv, 4))
}

func TestPagesReconstructHistory(t *testing.T) {
	for _, n := range []int{0, 3, 10, 20, 37} {
		t.Run(fmt.Sprint(n), func(t *testing.T) {
			f := newFakeFetcher()
			history := seedHistory(t, f, testConv, n)
			tl := newTestTimeline(f, &fakeView{height: 5}, nil)
			ctx := context.Background()

			require.NoError(t, tl.Open(ctx, testConv))
			for {
				_, hasMore := tl.Cursor()
				if !hasMore {
					break
				}
				require.NoError(t, tl.LoadOlder(ctx))
			}

			want := make([]string, 0, n)
			for _, d := range history {
				want = append(want, d.ID)
			}
			assert.Equal(t, want, ids(tl.Entries()))
		})
	}
}

func TestLiveEventIsNotDuplicated(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 5)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)

	require.NoError(t, tl.Open(context.Background(), testConv))
	tl.Receive(model.EventSend, history[4])
	tl.Receive(model.EventSend, history[4])

	assert.Len(t, tl.Entries(), 5)
}

func TestLiveEventBeforeFirstPage(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 5)
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)

	done := make(chan error, 1)
	go func() { done <- tl.Open(context.Background(), testConv) }()
	<-f.started

	// one event the page also carries, one it does not
	fresh := delivery(t, testConv, testBob, "live-1", "fresh")
	tl.Receive(model.EventSend, history[4])
	tl.Receive(model.EventSend, fresh)

	close(f.gate)
	require.NoError(t, <-done)

	got := ids(tl.Entries())
	assert.Len(t, got, 6)
	assert.Equal(t, history[0].ID, got[0])
	assert.Equal(t, "live-1", got[5])
}

func TestAppendAutoScrollsOnlyAtBottom(t *testing.T) {
	f := newFakeFetcher()
	seedHistory(t, f, testConv, 10)
	view := &fakeView{height: 5}
	tl := newTestTimeline(f, view, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))
	require.Equal(t, 5, view.ScrollOffset())

	tl.Receive(model.EventSend, delivery(t, testConv, testBob, "n1", "new"))
	assert.Equal(t, 6, view.ScrollOffset(), "follows the bottom")

	view.SetScrollOffset(2)
	tl.Receive(model.EventSend, delivery(t, testConv, testBob, "n2", "newer"))
	assert.Equal(t, 2, view.ScrollOffset(), "reading history is not interrupted")
	assert.Len(t, tl.Entries(), 12)
	assert.Equal(t, ListIdle, tl.State())
}

func TestLoadOlderIsSingleFlight(t *testing.T) {
	f := newFakeFetcher()
	seedHistory(t, f, testConv, 30)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 10)
	f.mu.Unlock()

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tl.LoadOlder(context.Background()))
		}()
	}

	<-f.started
	assert.Equal(t, ListLoadingOlder, tl.State())
	time.Sleep(50 * time.Millisecond)
	close(f.gate)
	wg.Wait()

	assert.Equal(t, 1, f.callCount(testConv, 2))
	assert.Zero(t, f.callCount(testConv, 3))
	assert.Len(t, tl.Entries(), 20)
	assert.Equal(t, ListIdle, tl.State())
}

func TestSwitchingConversationDropsStalePage(t *testing.T) {
	f := newFakeFetcher()
	seedHistory(t, f, "conv-a", 5)
	other := seedHistory(t, f, "conv-b", 3)
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 2)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)

	staleDone := make(chan error, 1)
	go func() { staleDone <- tl.Open(context.Background(), "conv-a") }()
	<-f.started

	freshDone := make(chan error, 1)
	go func() { freshDone <- tl.Open(context.Background(), "conv-b") }()
	<-f.started

	close(f.gate)
	require.NoError(t, <-staleDone)
	require.NoError(t, <-freshDone)

	assert.Equal(t, "conv-b", tl.Conversation())
	assert.Equal(t, []string{other[0].ID, other[1].ID, other[2].ID}, ids(tl.Entries()))

	// live events for the old conversation are ignored
	tl.Receive(model.EventSend, delivery(t, "conv-a", testBob, "late", "late"))
	assert.Len(t, tl.Entries(), 3)
}

func TestUndecryptableMessagesAreKept(t *testing.T) {
	f := newFakeFetcher()
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	garbage := model.Delivery{ID: "g", ConversationID: testConv, Message: "not a token", SenderID: testBob, Timestamp: time.Now()}
	// encrypted under alice's passphrase but claiming bob sent it
	forged := delivery(t, testConv, testAlice, "f", "hello")
	forged.SenderID = testBob

	tl.Receive(model.EventSend, garbage)
	tl.Receive(model.EventSend, forged)
	tl.Receive(model.EventSend, delivery(t, testConv, testBob, "ok", "fine"))

	entries := tl.Entries()
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Undecryptable)
	assert.Equal(t, "not a token", entries[0].Raw)
	assert.True(t, entries[1].Undecryptable)
	assert.Empty(t, entries[1].Text)
	assert.False(t, entries[2].Undecryptable)
	assert.Equal(t, "fine", entries[2].Text)
}

func TestAttachmentOnlyMessage(t *testing.T) {
	f := newFakeFetcher()
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	url := "http://host/files/conv-1/1-abcd.png"
	tl.Receive(model.EventShareFile, model.Delivery{ID: "a", ConversationID: testConv, SenderID: testBob, AttachmentURL: &url, Timestamp: time.Now()})

	entries := tl.Entries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Undecryptable)
	assert.Empty(t, entries[0].Text)
	assert.Equal(t, url, *entries[0].AttachmentURL)
}

func TestSendEncryptsWithoutLocalEcho(t *testing.T) {
	f := newFakeFetcher()
	emitter := &fakeEmitter{}
	tl := newTestTimeline(f, &fakeView{height: 5}, emitter)

	assert.ErrorIs(t, tl.Send("too early"), ErrNoConversation)

	require.NoError(t, tl.Open(context.Background(), testConv))
	require.NoError(t, tl.Send("hi"))
	require.NoError(t, tl.ShareFile("", []byte("png"), "image/png"))

	require.Len(t, emitter.sent, 1)
	assert.Equal(t, testConv, emitter.sent[0].ConversationID)
	plain, err := testCrypt.Decrypt(emitter.sent[0].Ciphertext, msgcrypt.Passphrase(testConv, testAlice))
	require.NoError(t, err)
	assert.Equal(t, "hi", plain)

	require.Len(t, emitter.files, 1)
	assert.Empty(t, emitter.files[0].Ciphertext)
	assert.Equal(t, "image/png", emitter.files[0].MimeType)

	assert.Empty(t, tl.Entries())
}

func TestCatchUpAppendsMissedMessages(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 12)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	missed := delivery(t, testConv, testBob, "missed", "while away")
	f.mu.Lock()
	f.history[testConv] = append(history, missed)
	f.mu.Unlock()

	require.NoError(t, <-tl.CatchUp(context.Background()))

	entries := tl.Entries()
	assert.Len(t, entries, 11)
	assert.Equal(t, "missed", entries[10].ID)
	page, _ := tl.Cursor()
	assert.Equal(t, 1, page)
}

func TestCatchUpKeepsStoreOrder(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 12)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	// the live event beats the catch-up; the store has the missed one first
	missed := delivery(t, testConv, testBob, "missed", "while away")
	live := delivery(t, testConv, testBob, "live", "just now")
	tl.Receive(model.EventSend, live)
	f.mu.Lock()
	f.history[testConv] = append(history, missed, live)
	f.mu.Unlock()

	require.NoError(t, <-tl.CatchUp(context.Background()))

	got := ids(tl.Entries())
	require.Len(t, got, 12)
	assert.Equal(t, []string{history[11].ID, "missed", "live"}, got[9:])
}

func TestCatchUpHoldsLiveEventsUntilMerged(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 12)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	missed := delivery(t, testConv, testBob, "missed", "while away")
	f.mu.Lock()
	f.history[testConv] = append(history, missed)
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	f.mu.Unlock()

	errc := tl.CatchUp(context.Background())
	<-f.started

	// not stored yet, so the page will not carry it
	tl.Receive(model.EventSend, delivery(t, testConv, testAlice, "fresh", "hello again"))
	assert.Len(t, tl.Entries(), 10, "held while the page is in flight")

	close(f.gate)
	require.NoError(t, <-errc)

	got := ids(tl.Entries())
	require.Len(t, got, 12)
	assert.Equal(t, []string{"missed", "fresh"}, got[10:])

	// once merged, live events append directly again
	tl.Receive(model.EventSend, delivery(t, testConv, testBob, "after", "later"))
	assert.Equal(t, "after", tl.Entries()[12].ID)
}

func TestCatchUpFailureReleasesHeldEvents(t *testing.T) {
	f := newFakeFetcher()
	seedHistory(t, f, testConv, 3)
	tl := newTestTimeline(f, &fakeView{height: 5}, nil)
	require.NoError(t, tl.Open(context.Background(), testConv))

	ctx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.gate = make(chan struct{})
	f.started = make(chan struct{}, 1)
	f.mu.Unlock()

	errc := tl.CatchUp(ctx)
	<-f.started
	tl.Receive(model.EventSend, delivery(t, testConv, testBob, "fresh", "hi"))
	cancel()

	assert.Error(t, <-errc)
	got := ids(tl.Entries())
	require.Len(t, got, 4)
	assert.Equal(t, "fresh", got[3])
}

func TestFetchErrorLeavesListIdle(t *testing.T) {
	tl := newTestTimeline(nil, &fakeView{height: 5}, nil)
	tl.cfg.Fetcher = failingFetcher{}

	assert.Error(t, tl.Open(context.Background(), testConv))
	assert.Equal(t, ListIdle, tl.State())
}

type failingFetcher struct{}

func (failingFetcher) Messages(context.Context, string, int, int) ([]model.Delivery, error) {
	return nil, fmt.Errorf("boom")
}

func TestPageSizeIsClamped(t *testing.T) {
	f := newFakeFetcher()
	history := seedHistory(t, f, testConv, 150)
	tl := NewTimeline(TimelineConfig{SelfID: testAlice, PageSize: 500, Cipher: testCrypt, Fetcher: f, View: &fakeView{height: 5}})
	assert.Equal(t, MaxPageSize, tl.cfg.PageSize)

	require.NoError(t, tl.Open(context.Background(), testConv))
	_, hasMore := tl.Cursor()
	assert.True(t, hasMore, "a full page keeps older history reachable")

	require.NoError(t, tl.LoadOlder(context.Background()))
	assert.Equal(t, history[0].ID, tl.Entries()[0].ID)
}
