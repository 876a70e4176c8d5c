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
	"github.com/teocoin/teocoin-chain/internal/service"
	apperrors "github.com/teocoin/teocoin-chain/pkg/errors"
	"github.com/teocoin/teocoin-chain/pkg/logger"
)

// Message types carried in the "type" header of a purchase request.
const (
	HeaderType        = "type"
	MessagePurchase   = "purchase"
	MessageEscrowOpen = "escrow"
)

// PurchaseSettler settles purchases. *service.PaymentService implements it.
type PurchaseSettler interface {
	SettlePurchase(ctx context.Context, req *service.SettleRequest) (*model.SplitPayment, error)
}

// EscrowOpener opens discount escrows. *service.EscrowService implements it.
type EscrowOpener interface {
	CreateEscrow(ctx context.Context, req *model.EscrowRequest) (*model.Escrow, error)
}

type Consumer struct {
	client  sarama.ConsumerGroup
	handler *consumerGroupHandler
	topics  []string
	groupID string

	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}
}

type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Topic    string
	Payments PurchaseSettler
	Escrows  EscrowOpener
	Rates    service.CommissionRateProvider
}

func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}

	topic := cfg.Topic
	if topic == "" {
		topic = TopicPurchaseRequests
	}
	return &Consumer{
		client:  client,
		handler: newHandler(cfg.Payments, cfg.Escrows, cfg.Rates),
		topics:  []string{topic},
		groupID: cfg.GroupID,
	}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("consumer already running")
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}

			if err := c.client.Consume(ctx, c.topics, c.handler); err != nil {
				logger.Error("kafka consume error", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))
	return nil
}

func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	close(c.stopCh)
	c.running = false
	return c.client.Close()
}

type consumerGroupHandler struct {
	payments PurchaseSettler
	escrows  EscrowOpener
	rates    service.CommissionRateProvider
}

func newHandler(payments PurchaseSettler, escrows EscrowOpener, rates service.CommissionRateProvider) *consumerGroupHandler {
	return &consumerGroupHandler{payments: payments, escrows: escrows, rates: rates}
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim handles each message and marks it unless the failure may
// succeed on redelivery.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		ctx := session.Context()
		if err := h.handle(ctx, msg); err != nil {
			logger.Error("failed to handle purchase request",
				zap.String("topic", msg.Topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			if shouldRedeliver(err) {
				metrics.RecordKafkaMessage(msg.Topic, false, "retry")
				return err
			}
			metrics.RecordKafkaMessage(msg.Topic, false, "error")
		} else {
			metrics.RecordKafkaMessage(msg.Topic, false, "ok")
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// shouldRedeliver keeps a message on the topic when nothing was broadcast
// and the cause is transient.
func shouldRedeliver(err error) bool {
	return apperrors.Is(err, apperrors.ErrChainUnavailable) || apperrors.Is(err, apperrors.ErrSettlementBusy)
}

func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	switch messageType(msg) {
	case MessageEscrowOpen:
		return h.handleEscrow(ctx, msg.Value)
	case MessagePurchase, "":
		return h.handlePurchase(ctx, msg.Value)
	default:
		logger.Warn("unknown purchase request type", zap.String("type", messageType(msg)))
		return nil
	}
}

func messageType(msg *sarama.ConsumerMessage) string {
	for _, hdr := range msg.Headers {
		if hdr != nil && string(hdr.Key) == HeaderType {
			return string(hdr.Value)
		}
	}
	return ""
}

func (h *consumerGroupHandler) handlePurchase(ctx context.Context, data []byte) error {
	var p model.PurchaseRequest
	if err := json.Unmarshal(data, &p); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidParam, err)
	}
	ctx = logger.NewContext(ctx, zap.String("purchase_id", p.PurchaseID))

	req, err := service.NewSettleRequest(ctx, &p, h.rates)
	if err != nil {
		return err
	}

	payment, err := h.payments.SettlePurchase(ctx, req)
	if err != nil {
		return err
	}
	logger.WithContext(ctx).Info("purchase settled from topic",
		zap.String("status", payment.Status.String()))
	return nil
}

func (h *consumerGroupHandler) handleEscrow(ctx context.Context, data []byte) error {
	var req model.EscrowRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalidParam, err)
	}

	escrow, err := h.escrows.CreateEscrow(ctx, &req)
	if err != nil {
		return err
	}
	logger.Info("escrow opened from topic",
		zap.String("escrow_id", escrow.ID),
		zap.String("teacher_id", escrow.TeacherID))
	return nil
}
