package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"storepos/backend/internal/domain"
)

const DefaultSalesTopic = "storepos.sales"

// Publisher announces recorded sales to downstream consumers.
type Publisher interface {
	PublishSale(ctx context.Context, sale domain.Sale) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSale(context.Context, domain.Sale) error { return nil }
func (NoopPublisher) Close() error                                  { return nil }

// SaleEvent is the message value written for every recorded or voided sale.
type SaleEvent struct {
	Type       string      `json:"type"`
	ReceiptID  string      `json:"receipt_id"`
	Sale       domain.Sale `json:"sale"`
	OccurredAt time.Time   `json:"occurred_at"`
}

func NewSaleEvent(sale domain.Sale, at time.Time) SaleEvent {
	eventType := "sale.recorded"
	if sale.Status == domain.SaleStatusVoided {
		eventType = "sale.voided"
	}
	return SaleEvent{Type: eventType, ReceiptID: sale.ReceiptID, Sale: sale, OccurredAt: at.UTC()}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// publishTimeout bounds one sale event write so a slow broker cannot hold a
// checkout request.
const publishTimeout = 2 * time.Second

type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  *zap.Logger
}

// ParseBrokers splits a comma-separated broker list, dropping blanks.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultSalesTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           publishTimeout,
	}
	return &KafkaPublisher{writer: writer, timeout: publishTimeout, logger: logger}
}

// PublishSale keys messages by receipt id so every event of one sale lands on
// the same partition.
func (p *KafkaPublisher) PublishSale(ctx context.Context, sale domain.Sale) error {
	payload, err := json.Marshal(NewSaleEvent(sale, time.Now()))
	if err != nil {
		return err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(sale.ReceiptID),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	p.logger.Debug("sale event published", zap.String("receipt_id", sale.ReceiptID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
