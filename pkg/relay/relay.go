// Package relay forwards chat messages and notifications received by the
// bridge to Kafka, or to the log when no brokers are configured.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mahaj/market-realtime/pkg/model"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

type Kind string

const (
	KindChatMessage  Kind = "chat_message"
	KindNotification Kind = "notification"
)

// Envelope is the value of every relayed record.
type Envelope struct {
	Kind          Kind                `json:"kind"`
	ApplicationID int64               `json:"application_id,omitempty"`
	Message       *model.ChatMessage  `json:"message,omitempty"`
	Notification  *model.Notification `json:"notification,omitempty"`
	RelayedAt     time.Time           `json:"relayed_at"`
}

type Publisher interface {
	PublishChatMessage(ctx context.Context, applicationID int64, msg model.ChatMessage) error
	PublishNotifications(ctx context.Context, items []model.Notification) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes chat messages and notifications to two topics.
// Records are keyed by application id so one application's events stay
// ordered within a partition.
type KafkaPublisher struct {
	chat  messageWriter
	notes messageWriter
	log   *logrus.Entry
	now   func() time.Time
}

func NewKafkaPublisher(brokers []string, chatTopic, notificationTopic string, logger *logrus.Logger) *KafkaPublisher {
	newWriter := func(topic string) *kafka.Writer {
		return &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		}
	}
	return newKafkaPublisher(newWriter(chatTopic), newWriter(notificationTopic), logger)
}

func newKafkaPublisher(chat, notes messageWriter, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &KafkaPublisher{
		chat:  chat,
		notes: notes,
		log:   logger.WithField("component", "relay"),
		now:   time.Now,
	}
}

func (p *KafkaPublisher) PublishChatMessage(ctx context.Context, applicationID int64, msg model.ChatMessage) error {
	value, err := json.Marshal(Envelope{
		Kind:          KindChatMessage,
		ApplicationID: applicationID,
		Message:       &msg,
		RelayedAt:     p.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal chat message %d: %w", msg.ID, err)
	}

	err = p.chat.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatInt(applicationID, 10)),
		Value: value,
		Time:  msg.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("publish chat message %d: %w", msg.ID, err)
	}
	p.log.WithFields(logrus.Fields{"application_id": applicationID, "message_id": msg.ID}).Debug("chat message relayed")
	return nil
}

// PublishNotifications writes one record per notification in a single
// batch. Notifications tied to an application are keyed by it, the rest
// by their own id.
func (p *KafkaPublisher) PublishNotifications(ctx context.Context, items []model.Notification) error {
	if len(items) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(items))
	for i := range items {
		n := items[i]
		appID, _ := n.Details.ApplicationID()
		value, err := json.Marshal(Envelope{
			Kind:          KindNotification,
			ApplicationID: appID,
			Notification:  &n,
			RelayedAt:     p.now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("marshal notification %s: %w", n.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: notificationKey(n, appID), Value: value, Time: n.CreatedAt})
	}

	if err := p.notes.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d notifications: %w", len(msgs), err)
	}
	p.log.WithField("count", len(msgs)).Debug("notifications relayed")
	return nil
}

func notificationKey(n model.Notification, appID int64) []byte {
	if appID > 0 {
		return []byte(strconv.FormatInt(appID, 10))
	}
	return []byte("notification:" + n.ID)
}

func (p *KafkaPublisher) Close() error {
	return errors.Join(p.chat.Close(), p.notes.Close())
}

// LogPublisher only logs. It stands in for Kafka in local runs.
type LogPublisher struct {
	log *logrus.Entry
}

func NewLogPublisher(logger *logrus.Logger) *LogPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogPublisher{log: logger.WithField("component", "relay")}
}

func (p *LogPublisher) PublishChatMessage(_ context.Context, applicationID int64, msg model.ChatMessage) error {
	p.log.WithFields(logrus.Fields{
		"application_id": applicationID,
		"message_id":     msg.ID,
		"sender":         msg.Sender.Email,
	}).Info(msg.Text)
	return nil
}

func (p *LogPublisher) PublishNotifications(_ context.Context, items []model.Notification) error {
	for _, n := range items {
		p.log.WithFields(logrus.Fields{
			"notification_id": n.ID,
			"type":            n.Type,
		}).Info(n.Title)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// New returns a Kafka publisher, or a LogPublisher when brokers is empty.
func New(brokers []string, chatTopic, notificationTopic string, logger *logrus.Logger) Publisher {
	if len(brokers) == 0 {
		return NewLogPublisher(logger)
	}
	return NewKafkaPublisher(brokers, chatTopic, notificationTopic, logger)
}
