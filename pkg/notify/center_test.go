package notify

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeed struct {
	mu       sync.Mutex
	page     *model.NotificationPage
	err      error
	fetches  int
	read     []string
	readAll  int
	markErr  error
	block    chan struct{} // blocks Notifications when set
	markWait chan struct{} // blocks the mark calls when set
}

func (f *fakeFeed) Notifications(ctx context.Context) (*model.NotificationPage, error) {
	f.mu.Lock()
	f.fetches++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.page, f.err
}

func (f *fakeFeed) MarkNotificationRead(ctx context.Context, id string) error {
	f.mu.Lock()
	wait := f.markWait
	f.read = append(f.read, id)
	f.mu.Unlock()
	if wait != nil {
		<-wait
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markErr
}

func (f *fakeFeed) MarkAllNotificationsRead(ctx context.Context) error {
	f.mu.Lock()
	wait := f.markWait
	f.readAll++
	f.mu.Unlock()
	if wait != nil {
		<-wait
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markErr
}

func (f *fakeFeed) setPage(p *model.NotificationPage) {
	f.mu.Lock()
	f.page = p
	f.mu.Unlock()
}

func (f *fakeFeed) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func record(id int64, created string, read bool) model.NotificationRecord {
	ts, err := time.Parse(time.RFC3339, created)
	if err != nil {
		panic(err)
	}
	return model.NotificationRecord{
		ID:        id,
		Type:      model.NotifyChatMessage,
		Title:     "New message",
		Message:   "You have a new message",
		Data:      map[string]any{"application_id": float64(100 + id), "sender_name": "Agent"},
		IsRead:    read,
		CreatedAt: ts,
	}
}

func page(recs ...model.NotificationRecord) *model.NotificationPage {
	return &model.NotificationPage{Count: len(recs), Results: recs}
}

func ids(items []model.Notification) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestCenter(api FeedAPI, interval time.Duration) *Center {
	return NewCenter(api, Options{PollInterval: interval, Logger: quietLogger()})
}

func TestFetch_SortsNewestFirst(t *testing.T) {
	feed := &fakeFeed{page: page(
		record(1, "2024-01-01T00:00:00Z", false),
		record(2, "2024-01-02T00:00:00Z", false),
	)}
	c := newTestCenter(feed, time.Hour)

	require.NoError(t, c.Fetch(context.Background(), true))

	assert.Equal(t, []string{"2", "1"}, ids(c.Notifications()))
	assert.Equal(t, 2, c.UnreadCount())
	assert.Equal(t, 2, c.Total())
	assert.False(t, c.Loading())

	appID, ok := c.Notifications()[0].Details.ApplicationID()
	require.True(t, ok)
	assert.Equal(t, int64(102), appID)
	assert.Equal(t, "Agent", c.Notifications()[0].Details.SenderName())
}

func TestFetch_SortInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	recs := make([]model.NotificationRecord, 0, 50)
	for i := 0; i < 50; i++ {
		ts := base.Add(time.Duration(rng.Intn(10_000)) * time.Minute)
		recs = append(recs, record(int64(i+1), ts.Format(time.RFC3339), rng.Intn(2) == 0))
	}
	c := newTestCenter(&fakeFeed{page: page(recs...)}, time.Hour)

	require.NoError(t, c.Fetch(context.Background(), false))
	items := c.Notifications()
	require.Len(t, items, 50)
	for i := 1; i < len(items); i++ {
		assert.False(t, items[i].CreatedAt.After(items[i-1].CreatedAt), "item %d newer than item %d", i, i-1)
	}
}

func TestFetch_ReplacesSnapshot(t *testing.T) {
	feed := &fakeFeed{page: page(
		record(1, "2024-01-01T00:00:00Z", false),
		record(2, "2024-01-02T00:00:00Z", false),
		record(3, "2024-01-03T00:00:00Z", false),
	)}
	c := newTestCenter(feed, time.Hour)
	require.NoError(t, c.Fetch(context.Background(), false))

	feed.setPage(page(
		record(4, "2024-01-04T00:00:00Z", false),
		record(2, "2024-01-02T00:00:00Z", true),
	))
	require.NoError(t, c.Fetch(context.Background(), false))

	assert.Equal(t, []string{"4", "2"}, ids(c.Notifications()))
	assert.Equal(t, 1, c.UnreadCount())
}

func TestFetch_FailureKeepsPreviousSnapshot(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false))}
	c := newTestCenter(feed, time.Hour)
	require.NoError(t, c.Fetch(context.Background(), false))

	boom := errors.New("connection reset")
	feed.mu.Lock()
	feed.err = boom
	feed.page = page()
	feed.mu.Unlock()

	err := c.Fetch(context.Background(), true)
	require.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.Err(), boom)
	assert.Equal(t, []string{"1"}, ids(c.Notifications()))
	assert.False(t, c.Loading())

	feed.mu.Lock()
	feed.err = nil
	feed.mu.Unlock()
	require.NoError(t, c.Fetch(context.Background(), false))
	assert.NoError(t, c.Err())
	assert.Empty(t, c.Notifications())
}

func TestFetch_ConcurrentCallsShareRequest(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false)), block: make(chan struct{})}
	c := newTestCenter(feed, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Fetch(context.Background(), true))
		}()
	}

	require.Eventually(t, c.Loading, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(feed.block)
	wg.Wait()

	assert.Equal(t, 1, feed.fetchCount())
	assert.False(t, c.Loading())
	assert.Len(t, c.Notifications(), 1)
}

func TestMarkAsRead_Idempotent(t *testing.T) {
	feed := &fakeFeed{page: page(
		record(1, "2024-01-01T00:00:00Z", false),
		record(2, "2024-01-02T00:00:00Z", false),
	)}
	c := newTestCenter(feed, time.Hour)
	require.NoError(t, c.Fetch(context.Background(), false))
	before := c.UnreadCount()

	require.NoError(t, c.MarkAsRead(context.Background(), "1"))
	require.NoError(t, c.MarkAsRead(context.Background(), "1"))

	assert.Equal(t, before-1, c.UnreadCount())
	readCount := 0
	for _, n := range c.Notifications() {
		if n.ID == "1" {
			assert.True(t, n.IsRead)
			readCount++
		}
	}
	assert.Equal(t, 1, readCount)
}

func TestMarkAsRead_FailureKeepsOptimisticFlip(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false))}
	c := newTestCenter(feed, time.Hour)
	require.NoError(t, c.Fetch(context.Background(), false))

	feed.mu.Lock()
	feed.markErr = errors.New("500")
	feed.mu.Unlock()

	require.Error(t, c.MarkAsRead(context.Background(), "1"))
	assert.Equal(t, 0, c.UnreadCount())
	assert.Error(t, c.Err())

	// The next poll brings the server's view back.
	feed.mu.Lock()
	feed.markErr = nil
	feed.mu.Unlock()
	require.NoError(t, c.Fetch(context.Background(), false))
	assert.Equal(t, 1, c.UnreadCount())
}

func TestMarkAllAsRead_OptimisticBeforeServerReplies(t *testing.T) {
	feed := &fakeFeed{page: page(
		record(1, "2024-01-01T00:00:00Z", false),
		record(2, "2024-01-02T00:00:00Z", true),
		record(3, "2024-01-03T00:00:00Z", false),
		record(4, "2024-01-04T00:00:00Z", true),
		record(5, "2024-01-05T00:00:00Z", false),
	)}
	c := newTestCenter(feed, time.Hour)
	require.NoError(t, c.Fetch(context.Background(), false))
	require.Equal(t, 3, c.UnreadCount())

	feed.mu.Lock()
	feed.markWait = make(chan struct{})
	wait := feed.markWait
	feed.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- c.MarkAllAsRead(context.Background()) }()

	require.Eventually(t, func() bool { return c.UnreadCount() == 0 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("MarkAllAsRead returned before the server replied")
	default:
	}

	close(wait)
	require.NoError(t, <-done)
	feed.mu.Lock()
	assert.Equal(t, 1, feed.readAll)
	feed.mu.Unlock()
}

func TestOnChange(t *testing.T) {
	var (
		mu   sync.Mutex
		seen [][]string
	)
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false))}
	c := NewCenter(feed, Options{
		PollInterval: time.Hour,
		Logger:       quietLogger(),
		OnChange: func(items []model.Notification) {
			mu.Lock()
			seen = append(seen, ids(items))
			mu.Unlock()
		},
	})

	require.NoError(t, c.Fetch(context.Background(), false))
	require.NoError(t, c.MarkAsRead(context.Background(), "1"))
	require.NoError(t, c.MarkAsRead(context.Background(), "1"))

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, 2, "the second mark changes nothing")
}

func TestStart_PollsUntilStopped(t *testing.T) {
	feed := &fakeFeed{err: errors.New("backend down")}
	c := newTestCenter(feed, 30*time.Millisecond)

	c.Start(context.Background())
	require.Eventually(t, func() bool { return feed.fetchCount() >= 4 }, 2*time.Second, 5*time.Millisecond,
		"polling must continue through failures")
	assert.Error(t, c.Err())

	c.Stop()
	n := feed.fetchCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, feed.fetchCount())

	// Stop is idempotent.
	c.Stop()
}

func TestStart_FirstFetchShowsLoading(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false)), block: make(chan struct{})}
	c := newTestCenter(feed, time.Hour)

	c.Start(context.Background())
	t.Cleanup(c.Stop)

	require.Eventually(t, c.Loading, time.Second, 5*time.Millisecond)
	close(feed.block)
	require.Eventually(t, func() bool { return !c.Loading() && len(c.Notifications()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestStop_DiscardsInFlightFetch(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false)), block: make(chan struct{})}
	c := newTestCenter(feed, time.Hour)

	done := make(chan error, 1)
	go func() { done <- c.Fetch(context.Background(), false) }()
	require.Eventually(t, func() bool { return feed.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	c.Stop()
	close(feed.block)

	require.NoError(t, <-done)
	assert.Empty(t, c.Notifications())
}

func TestFetch_CancelledCallerDoesNotFailSharedRequest(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false)), block: make(chan struct{})}
	c := newTestCenter(feed, time.Hour)

	uiCtx, cancel := context.WithCancel(context.Background())
	uiDone := make(chan error, 1)
	go func() { uiDone <- c.Fetch(uiCtx, true) }()
	require.Eventually(t, func() bool { return feed.fetchCount() == 1 }, time.Second, 5*time.Millisecond)

	pollDone := make(chan error, 1)
	go func() { pollDone <- c.Fetch(context.Background(), false) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	require.ErrorIs(t, <-uiDone, context.Canceled)
	assert.NoError(t, c.Err(), "a caller giving up is not a feed failure")
	assert.False(t, c.Loading())

	close(feed.block)
	require.NoError(t, <-pollDone)
	assert.NoError(t, c.Err())
	assert.Equal(t, []string{"1"}, ids(c.Notifications()))
}

func TestStop_FromOnChange(t *testing.T) {
	feed := &fakeFeed{page: page(record(1, "2024-01-01T00:00:00Z", false))}

	var (
		c    *Center
		once sync.Once
	)
	stopped := make(chan struct{})
	c = NewCenter(feed, Options{
		PollInterval: 20 * time.Millisecond,
		Logger:       quietLogger(),
		OnChange: func([]model.Notification) {
			once.Do(func() {
				c.Stop()
				close(stopped)
			})
		},
	})

	c.Start(context.Background())
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop inside OnChange did not return")
	}

	n := feed.fetchCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, n, feed.fetchCount(), "polling ended")
	assert.Len(t, c.Notifications(), 1)
}
