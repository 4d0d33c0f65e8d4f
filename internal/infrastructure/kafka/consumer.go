package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// MessageHandler processes one message. Returning an error makes the
// consumer retry the same message; return nil for messages that can never
// succeed.
type MessageHandler func(ctx context.Context, msg kafka.Message) error

type Consumer interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop()
}

type kafkaConsumer struct {
	reader   *kafka.Reader
	logger   *zap.Logger
	topic    string
	groupID  string
	stop     chan struct{}
	stopOnce sync.Once
	// newBackOff paces redelivery of a message whose handler failed.
	newBackOff func() backoff.BackOff
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:                brokerURLs,
		GroupID:                groupID,
		Topic:                  topic,
		MinBytes:               1,
		MaxBytes:               10e6,
		ReadBatchTimeout:       1 * time.Second,
		Logger:                 kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
		HeartbeatInterval:      3 * time.Second,
		CommitInterval:         0,
		PartitionWatchInterval: 5 * time.Second,
		MaxAttempts:            3,
	})

	return &kafkaConsumer{
		reader:  reader,
		logger:  logger,
		topic:   topic,
		groupID: groupID,
		stop:    make(chan struct{}),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
}

// Start blocks until ctx is cancelled or Stop is called. A message is
// committed only after handler accepted it; failures are retried in place
// so later offsets never commit past an unprocessed message.
func (c *kafkaConsumer) Start(ctx context.Context, handler MessageHandler) error {
	consumerCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-consumerCtx.Done():
		}
	}()

	c.logger.Info("Kafka consumer starting", zap.String("topic", c.topic), zap.String("group_id", c.groupID))

	for {
		msg, err := c.reader.FetchMessage(consumerCtx)
		if err != nil {
			if consumerCtx.Err() != nil || errors.Is(err, context.Canceled) {
				c.logger.Info("Kafka consumer stopping", zap.String("topic", c.topic))
				return c.reader.Close()
			}
			c.logger.Error("Failed to fetch message from Kafka", zap.Error(err))
			select {
			case <-consumerCtx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.handle(consumerCtx, handler, msg); err != nil {
			c.logger.Info("Kafka consumer stopping before message was handled",
				zap.String("topic", c.topic),
				zap.Int64("offset", msg.Offset),
			)
			return c.reader.Close()
		}
		if commitErr := c.reader.CommitMessages(consumerCtx, msg); commitErr != nil {
			c.logger.Error("Failed to commit offset for Kafka message",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(commitErr),
			)
		}
	}
}

// handle runs handler until it succeeds. It only fails when ctx is done.
func (c *kafkaConsumer) handle(ctx context.Context, handler MessageHandler, msg kafka.Message) error {
	return backoff.RetryNotify(
		func() error { return handler(ctx, msg) },
		backoff.WithContext(c.newBackOff(), ctx),
		func(err error, wait time.Duration) {
			c.logger.Error("Error handling Kafka message, retrying",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Duration("retry_in", wait),
				zap.Error(err),
			)
		},
	)
}

func (c *kafkaConsumer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.logger.Info("Kafka consumer stop signal sent.")
}
