// Package scheduler contains the tick-driven discovery loop and the
// runner that executes individual dispatches.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	businessflow "github.com/outboundlabs/dispatchd/business_flow"

	"github.com/outboundlabs/dispatchd/app/dto"
	"github.com/outboundlabs/dispatchd/config"
	"github.com/outboundlabs/dispatchd/models"
	"github.com/outboundlabs/dispatchd/repository"
	"github.com/outboundlabs/dispatchd/utils"
)

// dueListLimit caps how many dispatches one tick will pick up
const dueListLimit = 100

// DispatchScheduler discovers due dispatches on a fixed tick and hands
// each to the runner with bounded concurrency. One dispatch's failure
// never blocks the rest of the tick.
type DispatchScheduler struct {
	runner       *DispatchRunner
	dispatchRepo repository.DispatchRepository
	cfg          config.SchedulerConfig
	lookup       utils.BackoffPolicy
	logger       *log.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// NewDispatchScheduler creates a new dispatch scheduler
func NewDispatchScheduler(
	runner *DispatchRunner,
	dispatchRepo repository.DispatchRepository,
	cfg config.SchedulerConfig,
	logger *log.Logger,
) *DispatchScheduler {
	if logger == nil {
		logger = log.Default()
	}
	return &DispatchScheduler{
		runner:       runner,
		dispatchRepo: dispatchRepo,
		cfg:          cfg,
		lookup: utils.BackoffPolicy{
			MaxAttempts: cfg.LookupMaxAttempts,
			BaseDelay:   cfg.LookupBaseDelay,
			Multiplier:  cfg.LookupMultiplier,
			MaxDelay:    cfg.LookupMaxDelay,
		},
		logger: logger,
	}
}

// NewSchedulerLogger builds the scheduler's rotating file logger that
// also mirrors to stdout.
func NewSchedulerLogger(cfg config.LoggingConfig) *log.Logger {
	if cfg.Dir == "" {
		return log.New(os.Stdout, "[scheduler] ", log.LstdFlags|log.LUTC)
	}
	rotator := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.Dir, "scheduler.log"),
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return log.New(io.MultiWriter(os.Stdout, rotator), "[scheduler] ", log.LstdFlags|log.LUTC)
}

// Start launches the tick loop. It is a no-op when the scheduler is
// disabled or already running.
func (s *DispatchScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || !s.cfg.Enabled {
		return
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Printf("Scheduler started: tick every %s, safety margin %s", s.cfg.TickInterval, s.cfg.SafetyMargin)
}

// Stop cancels the loop and waits for the in-flight tick to drain
func (s *DispatchScheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Printf("Scheduler stopped")
}

func (s *DispatchScheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	// One immediate tick so dispatches due at startup are not delayed
	// by a full interval.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one discovery pass: list due dispatches and run each on its
// own goroutine, bounded by MaxConcurrentDispatches. It returns the
// number of dispatches picked up.
func (s *DispatchScheduler) Tick(ctx context.Context) int {
	// The due window is pulled back by the safety margin so a dispatch
	// written moments ago is only started once every reader should see
	// its recipients too.
	dueAsOf := utils.UTCNow().Add(-s.cfg.SafetyMargin)
	schedulerTicks.Inc()

	due, err := s.dispatchRepo.ListDue(ctx, dueAsOf, dueListLimit)
	if err != nil {
		s.logger.Printf("Tick: failed to list due dispatches: %v", err)
		return 0
	}
	dueDispatchesSeen.Observe(float64(len(due)))
	if len(due) == 0 {
		return 0
	}
	s.logger.Printf("Tick: %d dispatch(es) due", len(due))

	concurrency := s.cfg.MaxConcurrentDispatches
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	var tickWG sync.WaitGroup
	for _, dispatch := range due {
		tickWG.Add(1)
		sem <- struct{}{}
		go func(d *models.Dispatch) {
			defer tickWG.Done()
			defer func() { <-sem }()
			s.runOne(ctx, d.ID)
		}(dispatch)
	}
	tickWG.Wait()
	return len(due)
}

// runOne executes a single dispatch and isolates its failure from the
// rest of the tick.
func (s *DispatchScheduler) runOne(ctx context.Context, dispatchID uint) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Dispatch %d: recovered from panic: %v", dispatchID, r)
		}
	}()

	resp, err := s.runner.Run(ctx, dispatchID)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrScheduleInFuture):
			// Not due after the safety margin shift; a later tick gets it.
		case errors.Is(err, businessflow.ErrDispatchNotFound):
			s.logger.Printf("Dispatch %d vanished between listing and run", dispatchID)
		default:
			s.logger.Printf("Dispatch %d failed: %v", dispatchID, err)
			s.markFailed(ctx, dispatchID, err.Error())
		}
		return
	}
	if resp.Processed > 0 {
		s.logger.Printf("Dispatch %d: %d/%d recipients handed to relay", dispatchID, resp.Processed, resp.Total)
	}
}

// markFailed records a tick-level failure on the dispatch. The CAS only
// matches non-terminal states, so a dispatch the runner already failed
// is left untouched.
func (s *DispatchScheduler) markFailed(ctx context.Context, dispatchID uint, reason string) {
	ok, err := s.dispatchRepo.TransitionStatus(ctx, dispatchID,
		[]models.DispatchStatus{models.DispatchStatusScheduled, models.DispatchStatusInProgress},
		models.DispatchStatusFailed, &reason)
	if err != nil {
		s.logger.Printf("Failed to mark dispatch %d failed: %v", dispatchID, err)
		return
	}
	if ok {
		dispatchesFailed.Inc()
	}
}

// RunByID executes one dispatch on demand. A dispatch created moments
// ago may not yet be visible to this reader, so the lookup retries with
// exponential backoff before giving up with not-found. No state is
// mutated when the dispatch never appears.
func (s *DispatchScheduler) RunByID(ctx context.Context, dispatchID uint) (*dto.RunResponse, error) {
	err := s.lookup.Do(ctx,
		func(err error) bool { return errors.Is(err, businessflow.ErrDispatchNotFound) },
		func(c context.Context) error {
			dispatch, err := s.dispatchRepo.ByID(c, dispatchID)
			if err != nil {
				return err
			}
			if dispatch == nil {
				return fmt.Errorf("dispatch %d: %w", dispatchID, businessflow.ErrDispatchNotFound)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}

	return s.runner.Run(ctx, dispatchID)
}

// RunDue runs every currently due dispatch synchronously and reports
// the aggregate. Serves the run endpoint invoked without a target ID.
func (s *DispatchScheduler) RunDue(ctx context.Context) (*dto.RunResponse, error) {
	processed := s.Tick(ctx)
	return &dto.RunResponse{Processed: processed, Total: processed}, nil
}
