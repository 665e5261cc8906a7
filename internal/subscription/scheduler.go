package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bipupu/server/internal/model"
	"github.com/bipupu/server/internal/store"
)

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrNotRunning     = errors.New("scheduler not running")
)

// Deliverer runs the publish+push step for a persisted message.
// Implemented by the dispatcher.
type Deliverer interface {
	Deliver(ctx context.Context, msg *model.Message)
}

// Scheduler generates scheduled notifications. Each tick it walks every
// enabled subscription, checks the subscriber's local delivery window,
// and creates at most one notification per (user, category, UTC day).
// Idempotence comes from a dedupe marker persisted inside the message
// pattern, so overlapping ticks and multiple processes converge on one
// notification; at-least-once delivery of that one notification is the
// accepted failure mode.
type Scheduler struct {
	subs      *store.SubscriptionStore
	messages  *store.MessageStore
	deliverer Deliverer
	logger    *slog.Logger

	interval  time.Duration
	retainFor time.Duration

	providers map[string]ContentProvider

	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	lastCleanup time.Time
}

func NewScheduler(subs *store.SubscriptionStore, messages *store.MessageStore, deliverer Deliverer, interval, retainFor time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		subs:      subs,
		messages:  messages,
		deliverer: deliverer,
		logger:    logger,
		interval:  interval,
		retainFor: retainFor,
		providers: make(map[string]ContentProvider),
	}
}

// RegisterProvider binds a content provider to a category. Categories
// without a provider are skipped on tick.
func (s *Scheduler) RegisterProvider(category string, p ContentProvider) {
	s.providers[category] = p
}

// Start launches the tick loop. An immediate first tick runs before the
// interval timer takes over.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)
	s.logger.Info("subscription scheduler started", "interval", s.interval)
	return nil
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("subscription scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tickAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tickAndLog(ctx)
		}
	}
}

func (s *Scheduler) tickAndLog(ctx context.Context) {
	created, err := s.Tick(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("scheduler tick failed", "error", err)
		return
	}
	if created > 0 {
		s.logger.Info("scheduled notifications created", "count", created)
	}
	s.maybeCleanup(time.Now().UTC())
}

// Tick generates due notifications for the given instant and returns how
// many were created. Exposed for tests and manual triggering.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	day := now.UTC().Format("2006-01-02")

	var batch []*model.Message
	for category, provider := range s.providers {
		subs, err := s.subs.ListEnabledByCategory(category)
		if err != nil {
			return 0, fmt.Errorf("list %s subscriptions: %w", category, err)
		}

		for i := range subs {
			sub := &subs[i]

			inWindow, err := windowContains(now, sub.WindowStart, sub.WindowEnd, sub.Timezone)
			if err != nil {
				s.logger.Warn("bad subscription window", "handle", sub.UserHandle, "category", category, "error", err)
				continue
			}
			if !inWindow {
				continue
			}

			existing, err := s.messages.FindByDedupeMarker(sub.UserHandle, category, day)
			if err != nil {
				return 0, fmt.Errorf("dedupe lookup: %w", err)
			}
			if existing != nil {
				continue
			}

			content, err := provider.Generate(ctx, sub, day)
			if err != nil {
				s.logger.Warn("content generation failed", "handle", sub.UserHandle, "category", category, "error", err)
				continue
			}

			batch = append(batch, &model.Message{
				Sender:   model.SystemSender,
				Receiver: sub.UserHandle,
				Content:  content,
				MsgType:  model.MsgTypeNotification,
				Pattern: map[string]any{
					model.PatternKeySource:   model.PatternSourceSubscription,
					model.PatternKeyCategory: category,
					model.PatternKeyPushDate: day,
				},
			})
		}
	}

	if len(batch) == 0 {
		return 0, nil
	}

	// One transaction: either every notification in this tick gets its
	// dedupe marker or none does.
	if err := s.messages.CreateBatch(batch); err != nil {
		return 0, fmt.Errorf("persist notifications: %w", err)
	}

	// Delivery runs after commit and is best effort per message; a failed
	// leg leaves the notification waiting in the inbox.
	for _, msg := range batch {
		s.deliverer.Deliver(ctx, msg)
	}

	return len(batch), nil
}

// maybeCleanup prunes old generated notifications at most once per day.
func (s *Scheduler) maybeCleanup(now time.Time) {
	s.mu.Lock()
	due := now.Sub(s.lastCleanup) >= 24*time.Hour
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	n, err := s.messages.CleanupNotifications(now.Add(-s.retainFor))
	if err != nil {
		s.logger.Error("notification cleanup failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("old notifications cleaned up", "count", n)
	}
}
