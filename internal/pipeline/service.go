package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// Queues names the three broker queues the pipeline works against.
type Queues struct {
	Main       realtime.QueueRef
	Retry      realtime.QueueRef
	DeadLetter realtime.QueueRef
}

// Settings tunes the consumer loop.
type Settings struct {
	Workers     int
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	IdleWait    time.Duration
}

// Service is the durable queue consumer. Workers drain the main queue first,
// then the retry queue, then idle. Messages are deleted only after their
// envelope reaches a terminal state, so a crash mid-flight re-delivers via
// the broker's visibility timeout.
type Service struct {
	broker    realtime.QueueBroker
	queues    Queues
	processor *Processor
	settings  Settings
	logger    zerolog.Logger
}

// NewService creates the pipeline service.
func NewService(
	broker realtime.QueueBroker,
	queues Queues,
	processor *Processor,
	settings Settings,
	logger zerolog.Logger,
) (*Service, error) {
	if broker == nil || processor == nil {
		return nil, fmt.Errorf("broker and processor cannot be nil")
	}
	if queues.Main == "" || queues.Retry == "" || queues.DeadLetter == "" {
		return nil, fmt.Errorf("all three queue refs must be set")
	}
	if settings.Workers <= 0 {
		settings.Workers = 1
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = 10
	}
	if settings.IdleWait <= 0 {
		settings.IdleWait = time.Second
	}
	return &Service{
		broker:    broker,
		queues:    queues,
		processor: processor,
		settings:  settings,
		logger:    logger.With().Str("component", "PipelineService").Logger(),
	}, nil
}

// Run blocks until ctx is cancelled, running the configured worker count.
func (s *Service) Run(ctx context.Context) {
	s.logger.Info().Int("workers", s.settings.Workers).Msg("Notification pipeline starting...")

	var wg sync.WaitGroup
	for i := 0; i < s.settings.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()
	s.logger.Info().Msg("Notification pipeline stopped.")
}

func (s *Service) workerLoop(ctx context.Context, worker int) {
	logger := s.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return
		}

		handled, err := s.drainOnce(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("Queue receive failed, backing off")
			handled = false
		}
		if !handled {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.settings.IdleWait):
			}
		}
	}
}

// drainOnce receives one batch, preferring the main queue over the retry
// queue, and reports whether any message was handled.
func (s *Service) drainOnce(ctx context.Context) (bool, error) {
	for _, queue := range []realtime.QueueRef{s.queues.Main, s.queues.Retry} {
		batch, err := s.broker.Receive(ctx, queue, s.settings.BatchSize)
		if err != nil {
			return false, fmt.Errorf("failed to receive from %s: %w", queue, err)
		}
		if len(batch) == 0 {
			continue
		}
		for _, msg := range batch {
			s.handleMessage(ctx, msg)
		}
		return true, nil
	}
	return false, nil
}

// handleMessage drives one queue message to a terminal state: delete on
// success, delayed re-queue on transient failure, dead-letter on poison or
// attempt exhaustion.
func (s *Service) handleMessage(ctx context.Context, msg realtime.QueuedNotification) {
	envelope, err := DecodeEnvelope(msg.Body)
	if err != nil {
		var perm *PermanentError
		if errors.As(err, &perm) {
			s.logger.Error().Err(perm.Err).Str("reason", perm.Reason).Msg("Dead-lettering poison message")
			s.deadLetter(ctx, msg, perm.Reason, 0)
			return
		}
		s.logger.Error().Err(err).Msg("Unexpected decode failure, leaving message for redelivery")
		return
	}

	msgLogger := s.logger.With().Str("event", envelope.EventID).Int("attempt", envelope.AttemptCount).Logger()

	if s.processor.Process(ctx, envelope) == OutcomeDelivered {
		s.deleteMessage(ctx, msg)
		return
	}

	envelope.AttemptCount++
	if envelope.AttemptCount > s.settings.MaxAttempts {
		msgLogger.Error().Msg("Attempts exhausted, dead-lettering envelope")
		s.deadLetter(ctx, msg, "attempts_exhausted", envelope.AttemptCount)
		return
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		msgLogger.Error().Err(err).Msg("Failed to re-marshal envelope, dead-lettering")
		s.deadLetter(ctx, msg, "marshal_failure", envelope.AttemptCount)
		return
	}

	delay := s.backoff(envelope.AttemptCount)
	msgLogger.Info().Dur("delay", delay).Msg("Re-queueing envelope for retry")
	if err := s.broker.SendWithDelay(ctx, s.queues.Retry, body, delay); err != nil {
		// Leave the original in place: visibility timeout will re-deliver it.
		msgLogger.Warn().Err(err).Msg("Failed to re-queue envelope, relying on redelivery")
		return
	}
	s.deleteMessage(ctx, msg)
}

// backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (s *Service) backoff(attempt int) time.Duration {
	delay := s.settings.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= s.settings.MaxBackoff {
			return s.settings.MaxBackoff
		}
	}
	if delay > s.settings.MaxBackoff {
		return s.settings.MaxBackoff
	}
	return delay
}

// DeadLetterRecord wraps a dead-lettered body with the failure context an
// operator needs when inspecting the queue. Body is kept as a string because
// poison messages are often not valid JSON.
type DeadLetterRecord struct {
	Reason       string    `json:"reason"`
	AttemptCount int       `json:"attemptCount"`
	FailedAt     time.Time `json:"failedAt"`
	Body         string    `json:"body"`
}

func (s *Service) deadLetter(ctx context.Context, msg realtime.QueuedNotification, reason string, attempts int) {
	body, err := json.Marshal(DeadLetterRecord{
		Reason:       reason,
		AttemptCount: attempts,
		FailedAt:     time.Now().UTC(),
		Body:         string(msg.Body),
	})
	if err != nil {
		body = msg.Body
	}
	if err := s.broker.SendWithDelay(ctx, s.queues.DeadLetter, body, 0); err != nil {
		s.logger.Error().Err(err).Str("reason", reason).Msg("Failed to dead-letter message, relying on redelivery")
		return
	}
	s.deleteMessage(ctx, msg)
}

func (s *Service) deleteMessage(ctx context.Context, msg realtime.QueuedNotification) {
	if err := s.broker.Delete(ctx, msg.Source, msg.ReceiptHandle); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete queue message")
	}
}
