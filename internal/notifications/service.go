// Package notifications fans metering health events out to Slack and signed
// webhooks, with retries and at-most-once delivery per event.
package notifications

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/metering-agent/pkg/cache"
	"github.com/crosslogic/metering-agent/pkg/events"
	"go.uber.org/zap"
)

// Sender delivers one event to one channel.
type Sender interface {
	Send(ctx context.Context, event events.Event) error
}

// Service is the main notification service that orchestrates delivery
type Service struct {
	config *Config
	cache  *cache.Cache
	logger *zap.Logger
	bus    *events.Bus

	senders map[string]Sender

	// Fallback dedup when no cache is configured
	mu        sync.Mutex
	processed map[string]time.Time

	retryQueue chan *DeliveryTask
	stopChan   chan struct{}
	wg         sync.WaitGroup
}

// DeliveryTask represents a notification delivery task
type DeliveryTask struct {
	ID          string
	Event       events.Event
	Channel     string
	RetryCount  int
	MaxRetries  int
	CreatedAt   time.Time
	LastAttempt time.Time
}

// NewService creates a new notification service. cacheClient may be nil, in
// which case duplicate events are tracked in memory.
func NewService(config *Config, cacheClient *cache.Cache, logger *zap.Logger, bus *events.Bus) *Service {
	s := &Service{
		config:    config,
		cache:     cacheClient,
		logger:    logger,
		bus:       bus,
		senders:   make(map[string]Sender),
		processed: make(map[string]time.Time),
	}
	if !config.Enabled {
		logger.Info("notification service is disabled")
		return s
	}

	s.retryQueue = make(chan *DeliveryTask, config.RetryQueueSize)
	s.stopChan = make(chan struct{})

	if config.SlackEnabled {
		s.senders[ChannelSlack] = NewSlackAdapter(config.SlackWebhookURL, config.SlackChannel, logger)
		logger.Info("slack notifications enabled", zap.String("webhook_url", maskURL(config.SlackWebhookURL)))
	}

	if config.WebhookEnabled {
		s.senders[ChannelWebhook] = NewWebhookAdapter(
			config.WebhookURL,
			config.WebhookSecret,
			config.WebhookMethod,
			config.WebhookHeaders,
			logger,
		)
		logger.Info("generic webhook notifications enabled", zap.String("url", maskURL(config.WebhookURL)))
	}

	logger.Info("notification service initialized",
		zap.Bool("slack", config.SlackEnabled),
		zap.Bool("webhook", config.WebhookEnabled),
		zap.Int("max_retries", config.MaxRetries),
		zap.Int("retry_workers", config.RetryWorkers),
	)

	return s
}

// Start subscribes to metering events and starts the retry workers
func (s *Service) Start(ctx context.Context) error {
	if !s.config.Enabled {
		s.logger.Info("notification service is disabled, skipping start")
		return nil
	}

	s.subscribeToEvents()

	for i := 0; i < s.config.RetryWorkers; i++ {
		s.wg.Add(1)
		go s.retryWorker(ctx, i)
	}

	s.logger.Info("notification service started",
		zap.Int("retry_workers", s.config.RetryWorkers),
	)

	return nil
}

// Stop stops the retry workers. Pending retries are dropped.
func (s *Service) Stop(ctx context.Context) error {
	if !s.config.Enabled {
		return nil
	}

	s.logger.Info("stopping notification service")
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("notification service stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) subscribeToEvents() {
	subscribed := []events.EventType{
		events.EventHealthChanged,
		events.EventHealthInit,
		events.EventFlushFailed,
	}
	names := make([]string, 0, len(subscribed))
	for _, eventType := range subscribed {
		s.bus.Subscribe(eventType, s.handleEvent)
		names = append(names, string(eventType))
	}

	s.logger.Info("subscribed to event types", zap.Strings("events", names))
}

// handleEvent routes one event to its channels
func (s *Service) handleEvent(ctx context.Context, event events.Event) error {
	s.logger.Debug("handling event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	if !s.reserve(ctx, event.ID) {
		s.logger.Debug("duplicate event, skipping", zap.String("event_id", event.ID))
		return nil
	}

	channels := s.config.GetChannelsForEvent(string(event.Type))
	if len(channels) == 0 {
		s.logger.Debug("no channels configured for event type",
			zap.String("event_type", string(event.Type)),
		)
		return nil
	}

	now := time.Now()
	for _, channel := range channels {
		task := &DeliveryTask{
			ID:          fmt.Sprintf("%s-%s", event.ID, channel),
			Event:       event,
			Channel:     channel,
			MaxRetries:  s.config.MaxRetries,
			CreatedAt:   now,
			LastAttempt: now,
		}

		if err := s.deliver(ctx, task); err != nil {
			s.enqueueRetry(task)
		}
	}

	return nil
}

func (s *Service) deliver(ctx context.Context, task *DeliveryTask) error {
	startTime := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var err error
	if sender, ok := s.senders[task.Channel]; ok {
		err = sender.Send(ctx, task.Event)
	} else {
		err = fmt.Errorf("unknown channel: %s", task.Channel)
	}

	duration := time.Since(startTime)
	eventType := string(task.Event.Type)
	recordDelivery(task.Channel, eventType, err, duration)

	if err != nil {
		s.logger.Error("notification delivery failed",
			zap.String("event_id", task.Event.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
		return err
	}

	s.logger.Info("notification delivered",
		zap.String("event_id", task.Event.ID),
		zap.String("event_type", eventType),
		zap.String("channel", task.Channel),
		zap.Duration("duration", duration),
	)
	return nil
}

func (s *Service) enqueueRetry(task *DeliveryTask) {
	task.RetryCount++
	task.LastAttempt = time.Now()

	if task.RetryCount > task.MaxRetries {
		s.logger.Error("max retries exceeded, giving up",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
			zap.Int("retry_count", task.RetryCount),
		)
		droppedTotal.WithLabelValues(task.Channel, dropMaxRetries).Inc()
		return
	}

	select {
	case s.retryQueue <- task:
		retriesTotal.WithLabelValues(task.Channel).Inc()
		retryQueueDepth.Set(float64(len(s.retryQueue)))
	default:
		s.logger.Error("retry queue full, dropping task",
			zap.String("task_id", task.ID),
			zap.String("channel", task.Channel),
		)
		droppedTotal.WithLabelValues(task.Channel, dropQueueFull).Inc()
	}
}

func (s *Service) retryWorker(ctx context.Context, workerID int) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case task := <-s.retryQueue:
			retryQueueDepth.Set(float64(len(s.retryQueue)))

			backoff := s.calculateBackoff(task.RetryCount)
			s.logger.Debug("retrying after backoff",
				zap.Int("worker_id", workerID),
				zap.String("task_id", task.ID),
				zap.Duration("backoff", backoff),
			)

			timer := time.NewTimer(backoff)
			select {
			case <-s.stopChan:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			if err := s.deliver(ctx, task); err != nil {
				s.enqueueRetry(task)
			}
		}
	}
}

// calculateBackoff returns base * 2^(retryCount-1), capped at 5 minutes
func (s *Service) calculateBackoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	backoff := s.config.RetryBackoffBase * time.Duration(1<<uint(retryCount-1))
	maxBackoff := 5 * time.Minute
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	return backoff
}

// reserve claims an event id and reports whether this is its first delivery
func (s *Service) reserve(ctx context.Context, eventID string) bool {
	if s.cache != nil {
		key := fmt.Sprintf("notification:processed:%s", eventID)
		acquired, err := s.cache.SetNX(ctx, key, "1", s.config.DedupTTL)
		if err != nil {
			s.logger.Error("failed to reserve event, delivering anyway", zap.Error(err))
			return true
		}
		return acquired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for id, ts := range s.processed {
		if now.Sub(ts) > s.config.DedupTTL {
			delete(s.processed, id)
		}
	}
	if _, exists := s.processed[eventID]; exists {
		return false
	}
	s.processed[eventID] = now
	return true
}

// maskURL masks sensitive parts of a URL for logging
func maskURL(url string) string {
	if len(url) < 20 {
		return "***"
	}
	return url[:20] + "***"
}
