package outbox

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler polls the outbox and wakes the engine of every conversation with due entries.
// It never sends anything itself; the engine decides when a retry may run.
type Scheduler struct {
	manager  *Manager
	kicker   Kicker
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
	done     sync.WaitGroup
}

// NewScheduler creates a scheduler polling every interval.
func NewScheduler(m *Manager, k Kicker, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		manager:  m,
		kicker:   k,
		interval: interval,
		logger:   logger.Named("outbox.scheduler"),
	}
}

// Start begins polling for due entries.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done.Add(1)
	go s.loop(ctx)
}

// Stop stops the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.done.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.done.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Entries left over from a previous run are due immediately.
	s.poll(ctx)
	for {
		select {
		case <-ticker.C:
			s.poll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) poll(ctx context.Context) {
	due, err := s.manager.DueEntries(ctx, s.manager.now())
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("failed to read outbox", zap.Error(err))
		}
		return
	}
	kicked := make(map[string]bool)
	for _, e := range due {
		if kicked[e.ConversationID] {
			continue
		}
		kicked[e.ConversationID] = true
		s.kicker.Kick(e.ConversationID)
	}
	if len(kicked) > 0 {
		s.logger.Debug("outbox entries due", zap.Int("entries", len(due)), zap.Int("conversations", len(kicked)))
	}
}
