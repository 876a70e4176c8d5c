// Package kafka connects the settlement service to the rest of the platform.
//
// Produced topics:
//
//	teocoin-payment-settled  model.PaymentSettledEvent, key purchase_id
//	teocoin-escrow-events    model.EscrowEvent, key escrow_id
//	teocoin-notifications    model.Notification, key user_id
//
// Consumed topics:
//
//	teocoin-purchase-requests  model.PurchaseRequest or model.EscrowRequest,
//	                           selected by the "type" header
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/teocoin/teocoin-chain/internal/metrics"
	"github.com/teocoin/teocoin-chain/internal/model"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

const (
	TopicPaymentSettled   = "teocoin-payment-settled"
	TopicEscrowEvents     = "teocoin-escrow-events"
	TopicNotifications    = "teocoin-notifications"
	TopicPurchaseRequests = "teocoin-purchase-requests"
)

// ErrProducerClosed is returned by sends after Close.
var ErrProducerClosed = errors.New("producer is closed")

// Topics names the produced topics. Empty fields take the defaults above.
type Topics struct {
	PaymentSettled string
	EscrowEvents   string
	Notifications  string
}

func (t *Topics) fill() {
	if t.PaymentSettled == "" {
		t.PaymentSettled = TopicPaymentSettled
	}
	if t.EscrowEvents == "" {
		t.EscrowEvents = TopicEscrowEvents
	}
	if t.Notifications == "" {
		t.Notifications = TopicNotifications
	}
}

// Producer publishes settlement events and notifications. It satisfies
// both service.EventPublisher and service.Notifier.
type Producer struct {
	producer sarama.SyncProducer
	topics   Topics
	mu       sync.RWMutex
	closed   bool
}

type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Topics       Topics
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer, cfg.Topics), nil
}

// NewProducerWithClient wraps an existing sync producer.
func NewProducerWithClient(producer sarama.SyncProducer, topics Topics) *Producer {
	topics.fill()
	return &Producer{producer: producer, topics: topics}
}

func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

func (p *Producer) send(ctx context.Context, topic, key string, value interface{}) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		metrics.RecordKafkaMessage(topic, true, "error")
		logger.WithContext(ctx).Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(topic, true, "ok")

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Producer) PublishPaymentSettled(ctx context.Context, event *model.PaymentSettledEvent) error {
	return p.send(ctx, p.topics.PaymentSettled, event.PurchaseID, event)
}

func (p *Producer) PublishEscrowEvent(ctx context.Context, event *model.EscrowEvent) error {
	return p.send(ctx, p.topics.EscrowEvents, event.EscrowID, event)
}

// Notify hands a notification to the notification service.
func (p *Producer) Notify(ctx context.Context, n *model.Notification) error {
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
	return p.send(ctx, p.topics.Notifications, n.UserID, n)
}
