// Package scheduler wakes the sync client in the background: periodically
// while online, on demand, and when the realtime listener reports a remote
// change.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/incidentsync/internal/errors"
	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	syncpkg "github.com/kimhsiao/incidentsync/internal/sync"
)

// Scheduler manages background sync runs.
type Scheduler struct {
	syncer       syncpkg.Syncer
	syncInterval time.Duration
	syncTimeout  time.Duration
	wakeLimiter  *rate.Limiter
	wake         chan struct{}
	stopCh       chan struct{}
	wg           sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	syncInProgress bool
	observers      []func(*syncpkg.SyncResult)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync when online (default: 15 minutes)
	SyncTimeout  time.Duration // Upper bound on one run (default: 5 minutes)
	// MinWakeInterval spaces runs requested by wake-ups; zero means unlimited.
	MinWakeInterval time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:    15 * time.Minute,
		SyncTimeout:     5 * time.Minute,
		MinWakeInterval: time.Second,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(syncer syncpkg.Syncer, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	timeout := config.SyncTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	limit := rate.Inf
	if config.MinWakeInterval > 0 {
		limit = rate.Every(config.MinWakeInterval)
	}

	return &Scheduler{
		syncer:       syncer,
		syncInterval: config.SyncInterval,
		syncTimeout:  timeout,
		wakeLimiter:  rate.NewLimiter(limit, 1),
		wake:         make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		isOnline:     true, // Assume online initially
	}
}

// OnSync registers fn to run after every successful background run.
func (s *Scheduler) OnSync(fn func(*syncpkg.SyncResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Start starts the background loops. A zero sync interval disables the
// periodic run; wake-ups still work.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.periodicSyncLoop(ctx)
	go s.wakeLoop(ctx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the background loops and waits for them to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus changes the online status of the scheduler. While offline
// no run is attempted. Coming back online requests a run.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	s.mu.Unlock()

	if wasOnline != isOnline {
		logging.Info("Online status changed",
			map[string]interface{}{
				"was_online": wasOnline,
				"is_online":  isOnline,
			})
		if isOnline {
			s.requestWake()
		}
	}
}

// RemoteChanged is the realtime listener callback. Every incident.* event
// requests a run; requests arriving while one is pending are coalesced.
func (s *Scheduler) RemoteChanged(event models.EventData) {
	logging.Debug("Remote change received", map[string]interface{}{"type": string(event.Type)})
	s.requestWake()
}

func (s *Scheduler) requestWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// periodicSyncLoop runs a sync every interval while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context) {
	defer s.wg.Done()
	if s.syncInterval <= 0 {
		return
	}

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		}
	}
}

// wakeLoop runs a sync for each coalesced wake-up request, no more often
// than the wake limiter allows.
func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.wake:
			if err := s.wakeLimiter.Wait(ctx); err != nil {
				return
			}
			s.runSync(ctx, "wake")
		}
	}
}

// runSync executes one run unless offline or another run is in progress.
func (s *Scheduler) runSync(ctx context.Context, reason string) bool {
	s.mu.Lock()
	if !s.isOnline {
		s.mu.Unlock()
		logging.Debug("Skipping sync - scheduler is offline")
		return false
	}
	if s.syncInProgress {
		s.mu.Unlock()
		logging.Debug("Sync already in progress, skipping")
		return false
	}
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.syncer.SyncNow(syncCtx)
	if err != nil {
		logging.ErrorWithCode("Background sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"reason": reason})
		return true
	}
	s.completed(result)
	return true
}

func (s *Scheduler) completed(result *syncpkg.SyncResult) {
	s.mu.Lock()
	s.lastSyncTime = time.Now()
	observers := append([]func(*syncpkg.SyncResult){}, s.observers...)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(result)
	}
}

// TriggerSync starts a run in the background.
// Returns false if offline or a run is already in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	s.mu.RLock()
	busy := s.syncInProgress || !s.isOnline
	s.mu.RUnlock()

	if busy {
		return false
	}

	go s.runSync(ctx, "trigger")
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool
	IsOnline       bool
	LastSyncTime   *time.Time
	SyncInProgress bool
	SyncStatus     syncpkg.SyncStatus
	PendingItems   int
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		last := s.lastSyncTime
		status.LastSyncTime = &last
	}
	s.mu.RUnlock()

	status.SyncStatus = s.syncer.Status()
	if n, err := s.syncer.PendingChanges(ctx); err == nil {
		status.PendingItems = n
	}
	return status
}

// SyncNow runs a sync and waits for completion. It runs even while marked
// offline, since the caller asked for it explicitly.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.syncer.SyncNow(syncCtx)
	if err != nil {
		return nil, err
	}
	s.completed(result)

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"pushed":   result.Pushed,
			"pulled":   result.Pulled,
			"merged":   result.Merged,
			"duration": result.Duration.String(),
		})
	return result, nil
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
