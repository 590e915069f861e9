package notify

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultPollInterval = 30 * time.Second

	// Upper bound for a shared feed request, which outlives the callers
	// that joined it.
	fetchTimeout = 30 * time.Second
)

// FeedAPI is the REST surface the center depends on.
type FeedAPI interface {
	Notifications(ctx context.Context) (*model.NotificationPage, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

type Options struct {
	PollInterval time.Duration
	Logger       *logrus.Logger
	// OnChange receives the new snapshot each time the collection
	// changes. It runs on the caller's goroutine, the poll goroutine for
	// polled fetches, and must not block. Calling Stop from it is allowed:
	// polling ends without Stop waiting for the poll goroutine.
	OnChange func([]model.Notification)
}

// Center keeps the session's notification feed. Every successful fetch
// replaces the whole collection; read marks are applied locally first
// and are not rolled back when the server call fails, the next poll
// brings the server's view back.
type Center struct {
	api   FeedAPI
	opts  Options
	log   *logrus.Entry
	group singleflight.Group
	// set while a polled fetch runs OnChange
	inPollCallback atomic.Bool

	mu       sync.Mutex
	items    []model.Notification
	total    int
	loadingN int
	err      error
	gen      uint64
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewCenter(api FeedAPI, opts Options) *Center {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Center{
		api:  api,
		opts: opts,
		log:  logger.WithField("component", "notifications"),
	}
}

// Notifications returns a copy of the collection, newest first.
func (c *Center) Notifications() []model.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// UnreadCount is derived from the current collection on every call.
func (c *Center) UnreadCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if !it.IsRead {
			n++
		}
	}
	return n
}

// Total is the server-side count reported with the last page.
func (c *Center) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *Center) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadingN > 0
}

func (c *Center) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Fetch loads the first page of the feed and replaces the collection.
// On failure the previous collection is kept and the error recorded.
// Concurrent calls share one request; a caller whose ctx ends stops
// waiting without failing the others.
func (c *Center) Fetch(ctx context.Context, showLoading bool) error {
	return c.fetch(ctx, showLoading, false)
}

func (c *Center) fetch(ctx context.Context, showLoading, polled bool) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("fetch notifications: %w", err)
	}

	c.mu.Lock()
	gen := c.gen
	if showLoading {
		c.loadingN++
	}
	c.mu.Unlock()

	ch := c.group.DoChan("feed", func() (any, error) {
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return c.api.Notifications(reqCtx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.mu.Lock()
		if showLoading {
			c.loadingN--
		}
		c.mu.Unlock()
		return fmt.Errorf("fetch notifications: %w", ctx.Err())
	}
	v, err := res.Val, res.Err

	c.mu.Lock()
	if showLoading {
		c.loadingN--
	}
	if gen != c.gen {
		c.mu.Unlock()
		c.log.Debug("discarding feed fetched after stop")
		return nil
	}
	if err != nil {
		err = fmt.Errorf("fetch notifications: %w", err)
		c.err = err
		c.mu.Unlock()
		c.log.WithError(err).Warn("notification fetch failed")
		return err
	}

	page := v.(*model.NotificationPage)
	items := make([]model.Notification, 0, len(page.Results))
	for _, rec := range page.Results {
		items = append(items, rec.Notification())
	}
	sortNewestFirst(items)

	c.items = items
	c.total = page.Count
	c.err = nil
	snapshot := slices.Clone(items)
	c.mu.Unlock()

	c.log.WithField("count", len(items)).Debug("notifications refreshed")
	if polled {
		c.inPollCallback.Store(true)
		defer c.inPollCallback.Store(false)
	}
	c.changed(snapshot)
	return nil
}

// MarkAsRead flips the notification locally and then confirms it with
// the server.
func (c *Center) MarkAsRead(ctx context.Context, id string) error {
	c.mu.Lock()
	flipped := false
	for i := range c.items {
		if c.items[i].ID == id && !c.items[i].IsRead {
			c.items[i].IsRead = true
			flipped = true
		}
	}
	snapshot := slices.Clone(c.items)
	c.mu.Unlock()

	if flipped {
		c.changed(snapshot)
	}

	if err := c.api.MarkNotificationRead(ctx, id); err != nil {
		err = fmt.Errorf("mark notification %s read: %w", id, err)
		c.setErr(err)
		c.log.WithError(err).Warn("mark read failed, keeping local state")
		return err
	}
	return nil
}

// MarkAllAsRead flips every notification locally and then confirms with
// the server.
func (c *Center) MarkAllAsRead(ctx context.Context) error {
	c.mu.Lock()
	flipped := false
	for i := range c.items {
		if !c.items[i].IsRead {
			c.items[i].IsRead = true
			flipped = true
		}
	}
	snapshot := slices.Clone(c.items)
	c.mu.Unlock()

	if flipped {
		c.changed(snapshot)
	}

	if err := c.api.MarkAllNotificationsRead(ctx); err != nil {
		err = fmt.Errorf("mark all notifications read: %w", err)
		c.setErr(err)
		c.log.WithError(err).Warn("mark all read failed, keeping local state")
		return err
	}
	return nil
}

// Start fetches immediately with the loading flag set, then silently
// every poll interval until Stop or ctx is done. Failed polls do not slow
// the cadence down.
func (c *Center) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	c.log.WithField("interval", c.opts.PollInterval).Info("notification polling started")
	go c.poll(runCtx, done)
}

// Stop cancels polling and discards results of fetches still in flight.
// It waits for the poll goroutine unless called from OnChange during a
// polled fetch.
func (c *Center) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.gen++
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if !c.inPollCallback.Load() {
		<-done
	}
	c.log.Info("notification polling stopped")
}

func (c *Center) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	_ = c.fetch(ctx, true, true)

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.fetch(ctx, false, true)
		}
	}
}

func (c *Center) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func (c *Center) changed(snapshot []model.Notification) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(snapshot)
	}
}

func sortNewestFirst(items []model.Notification) {
	slices.SortStableFunc(items, func(a, b model.Notification) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
}
