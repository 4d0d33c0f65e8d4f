package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"reconciler/internal/domain"
	kafka_infra "reconciler/internal/infrastructure/kafka"
	"reconciler/internal/repository/ledger_repo"
)

const defaultMaxAttempts = 10

type Processor struct {
	source       ledger_repo.OutboxSource
	producer     kafka_infra.Producer
	pollInterval time.Duration
	pollTimeout  time.Duration
	batchSize    int
	maxAttempts  int
	logger       *zap.Logger

	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
}

func NewProcessor(
	source ledger_repo.OutboxSource,
	producer kafka_infra.Producer,
	pollInterval time.Duration,
	pollTimeout time.Duration,
	batchSize int,
	logger *zap.Logger,
) *Processor {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Processor{
		source:         source,
		producer:       producer,
		pollInterval:   pollInterval,
		pollTimeout:    pollTimeout,
		batchSize:      batchSize,
		maxAttempts:    defaultMaxAttempts,
		logger:         logger,
		shutdownSignal: make(chan struct{}),
	}
}

// Start polls until ctx is cancelled or Stop is called. It blocks.
func (p *Processor) Start(ctx context.Context) {
	p.logger.Info("Starting outbox processor...")
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Outbox processor stopped.")
			return
		case <-p.shutdownSignal:
			p.logger.Info("Outbox processor stopped.")
			return
		case <-ticker.C:
			p.ProcessOnce(ctx)
		}
	}
}

// Stop ends the poll loop after the batch in flight.
func (p *Processor) Stop() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownSignal)
	})
}

// ProcessOnce publishes one batch and returns how many messages were sent.
func (p *Processor) ProcessOnce(ctx context.Context) int {
	batchCtx := ctx
	if p.pollTimeout > 0 {
		var cancel context.CancelFunc
		batchCtx, cancel = context.WithTimeout(ctx, p.pollTimeout)
		defer cancel()
	}

	sent, err := p.source.ProcessPending(batchCtx, p.batchSize, p.maxAttempts, p.publish)
	if err != nil {
		p.logger.Error("Failed to process outbox batch", zap.Error(err))
		return sent
	}
	if sent > 0 {
		p.logger.Info("Outbox messages published", zap.Int("count", sent))
	}
	return sent
}

func (p *Processor) publish(ctx context.Context, msg domain.OutboxMessage) error {
	if err := p.producer.Produce(ctx, msg.Key, msg.Topic, msg.Payload); err != nil {
		return err
	}
	p.logger.Debug("Outbox message sent",
		zap.String("message_id", msg.ID),
		zap.String("message_type", msg.MessageType),
		zap.String("topic", msg.Topic),
	)
	return nil
}
