package push

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is implemented by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSender writes alerts to a topic keyed by device id, so one device's
// alerts stay ordered within a partition.
type KafkaSender struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka sender needs brokers and a topic")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewKafkaSenderWithWriter(writer), nil
}

func NewKafkaSenderWithWriter(w MessageWriter) *KafkaSender {
	return &KafkaSender{writer: w, timeout: 5 * time.Second}
}

func (s *KafkaSender) Send(ctx context.Context, alert Alert) error {
	payload, err := marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	err = s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(alert.Data.DeviceID),
		Value: payload,
	})
	if err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}
