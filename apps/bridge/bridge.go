package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/mahaj/market-realtime/pkg/api"
	"github.com/mahaj/market-realtime/pkg/auth"
	"github.com/mahaj/market-realtime/pkg/chat"
	"github.com/mahaj/market-realtime/pkg/config"
	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/mahaj/market-realtime/pkg/notify"
	"github.com/mahaj/market-realtime/pkg/relay"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const eventBuffer = 256

type event struct {
	appID int64
	msg   *model.ChatMessage
	notes []model.Notification
}

// Bridge keeps one chat transport per configured application and the
// notification feed alive, and hands every live event to a publisher.
type Bridge struct {
	cfg    *config.Config
	client *api.Client
	tokens auth.TokenProvider
	pub    relay.Publisher
	logger *logrus.Logger
	log    *logrus.Entry

	events chan event

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewBridge(cfg *config.Config, tokens auth.TokenProvider, pub relay.Publisher, logger *logrus.Logger) (*Bridge, error) {
	client, err := api.NewClient(cfg.APIBaseURL, tokens, nil)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		cfg:    cfg,
		client: client,
		tokens: tokens,
		pub:    pub,
		logger: logger,
		log:    logger.WithField("component", "bridge"),
		events: make(chan event, eventBuffer),
		seen:   make(map[string]struct{}),
	}, nil
}

// Run blocks until ctx is done or an application cannot be connected at
// all, for example because there is no access token.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.publishLoop(ctx) })

	center := notify.NewCenter(b.client, notify.Options{
		PollInterval: b.cfg.PollInterval,
		Logger:       b.logger,
		OnChange:     b.onNotifications,
	})
	center.Start(ctx)
	g.Go(func() error {
		<-ctx.Done()
		center.Stop()
		return nil
	})

	for _, appID := range b.cfg.Applications {
		tr := chat.NewTransport(appID, chat.Options{
			SocketBase:     b.client.SocketBase(),
			API:            b.client,
			Tokens:         b.tokens,
			ReconnectDelay: b.cfg.ReconnectDelay,
			TypingTimeout:  b.cfg.TypingTimeout,
			DedupByID:      b.cfg.DedupByID,
			Logger:         b.logger,
			Hooks: chat.Hooks{
				OnMessage: func(m model.ChatMessage) {
					b.enqueue(event{appID: appID, msg: &m})
				},
			},
		})
		g.Go(func() error { return b.runChat(ctx, tr) })
	}

	b.log.WithField("applications", b.cfg.Applications).Info("bridge running")
	return g.Wait()
}

func (b *Bridge) runChat(ctx context.Context, tr *chat.Transport) error {
	log := b.log.WithField("application_id", tr.ApplicationID())

	if err := tr.LoadHistory(ctx); err != nil {
		log.WithError(err).Warn("history unavailable, relaying live messages only")
	}
	if err := tr.Connect(ctx); err != nil {
		return fmt.Errorf("application %d: %w", tr.ApplicationID(), err)
	}

	<-ctx.Done()
	tr.Disconnect()
	return nil
}

// onNotifications relays notifications not seen in an earlier snapshot.
// Items already read when first seen are skipped.
func (b *Bridge) onNotifications(items []model.Notification) {
	b.mu.Lock()
	var fresh []model.Notification
	for _, n := range items {
		if _, ok := b.seen[n.ID]; ok {
			continue
		}
		b.seen[n.ID] = struct{}{}
		if !n.IsRead {
			fresh = append(fresh, n)
		}
	}
	b.mu.Unlock()

	if len(fresh) > 0 {
		b.enqueue(event{notes: fresh})
	}
}

func (b *Bridge) enqueue(ev event) {
	select {
	case b.events <- ev:
	default:
		b.log.Warn("relay queue full, dropping event")
	}
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-b.events:
			var err error
			if ev.msg != nil {
				err = b.pub.PublishChatMessage(ctx, ev.appID, *ev.msg)
			} else {
				err = b.pub.PublishNotifications(ctx, ev.notes)
			}
			if err != nil && ctx.Err() == nil {
				b.log.WithError(err).Error("relay failed")
			}
		}
	}
}
