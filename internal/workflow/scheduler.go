package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TriggerFunc starts a scheduled run of a workflow.
type TriggerFunc func(ctx context.Context, workflowID string) error

// scheduleEntry is one armed workflow.
type scheduleEntry struct {
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler fires a TriggerFunc for each scheduled workflow at a fixed
// interval. A failed trigger is logged and the entry stays armed.
type Scheduler struct {
	trigger TriggerFunc
	logger  *zap.Logger

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler that calls trigger on every tick.
func NewScheduler(trigger TriggerFunc, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Scheduler{
		trigger: trigger,
		logger:  logger,
		entries: make(map[string]*scheduleEntry),
		ctx:     ctx,
		stop:    stop,
	}
}

// Schedule arms workflowID to fire every interval, replacing any existing
// entry. It is a no-op after Stop.
func (s *Scheduler) Schedule(workflowID string, interval time.Duration) {
	if interval <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx.Err() != nil {
		return
	}
	s.removeLocked(workflowID)

	ctx, cancel := context.WithCancel(s.ctx)
	entry := &scheduleEntry{interval: interval, cancel: cancel, done: make(chan struct{})}
	s.entries[workflowID] = entry

	s.wg.Add(1)
	go s.loop(ctx, workflowID, entry)

	s.logger.Info("workflow scheduled",
		zap.String("workflow_id", workflowID),
		zap.Duration("interval", interval),
	)
}

// Unschedule disarms workflowID. No trigger fires for it after Unschedule
// returns.
func (s *Scheduler) Unschedule(workflowID string) {
	s.mu.Lock()
	entry := s.removeLocked(workflowID)
	s.mu.Unlock()

	if entry != nil {
		<-entry.done
		s.logger.Info("workflow unscheduled", zap.String("workflow_id", workflowID))
	}
}

// Scheduled returns the IDs of armed workflows, sorted.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Interval returns the interval workflowID is armed with.
func (s *Scheduler) Interval(workflowID string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[workflowID]
	if !ok {
		return 0, false
	}
	return entry.interval, true
}

// Stop disarms every entry and waits for in-flight triggers to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stop()
	s.entries = make(map[string]*scheduleEntry)
	s.mu.Unlock()

	s.wg.Wait()
}

// removeLocked cancels and forgets an entry. Caller holds s.mu.
func (s *Scheduler) removeLocked(workflowID string) *scheduleEntry {
	entry, ok := s.entries[workflowID]
	if !ok {
		return nil
	}
	entry.cancel()
	delete(s.entries, workflowID)
	return entry
}

func (s *Scheduler) loop(ctx context.Context, workflowID string, entry *scheduleEntry) {
	defer s.wg.Done()
	defer close(entry.done)

	timer := time.NewTimer(entry.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := s.trigger(ctx, workflowID); err != nil {
			s.logger.Error("scheduled trigger failed",
				zap.String("workflow_id", workflowID),
				zap.Error(err),
			)
		}
		timer.Reset(entry.interval)
	}
}
