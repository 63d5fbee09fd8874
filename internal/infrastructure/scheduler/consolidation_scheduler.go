package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	appbilling "github.com/metering/backend/internal/application/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// cronTickerInterval is how often the scheduler checks whether the daily
// run is due
const cronTickerInterval = 1 * time.Minute

// ConsolidationRunner executes one consolidation run for a target day
type ConsolidationRunner interface {
	Run(ctx context.Context, target time.Time, forced bool) (*appbilling.RunReport, error)
}

// ConsolidationSchedulerConfig holds the cron settings for the daily run
type ConsolidationSchedulerConfig struct {
	Enabled bool
	// RunHour is the hour (0-23) the daily consolidation fires
	RunHour int
	// RunMinute is the minute (0-59) the daily consolidation fires
	RunMinute int
	// RunTimeout bounds a single consolidation run
	RunTimeout time.Duration
}

// DefaultConsolidationSchedulerConfig returns defaults firing at 02:00
func DefaultConsolidationSchedulerConfig() ConsolidationSchedulerConfig {
	return ConsolidationSchedulerConfig{
		Enabled:    true,
		RunHour:    2,
		RunMinute:  0,
		RunTimeout: 30 * time.Minute,
	}
}

// Validate checks the cron settings
func (c *ConsolidationSchedulerConfig) Validate() error {
	if c.RunHour < 0 || c.RunHour > 23 {
		return ErrInvalidConfig
	}
	if c.RunMinute < 0 || c.RunMinute > 59 {
		return ErrInvalidConfig
	}
	return nil
}

// ConsolidationScheduler fires the daily consolidation run at the
// configured wall-clock time. A once-per-day guard keeps a restart or a
// slow ticker from double-firing; the runner's own exclusive-run guard
// covers overlap with manually triggered runs.
type ConsolidationScheduler struct {
	config ConsolidationSchedulerConfig
	runner ConsolidationRunner
	logger *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool

	lastRunDate string // "2006-01-02" of the last fired run
	nextRunAt   *time.Time
}

// NewConsolidationScheduler creates a consolidation scheduler
func NewConsolidationScheduler(config ConsolidationSchedulerConfig, runner ConsolidationRunner, logger *zap.Logger) (*ConsolidationScheduler, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConsolidationScheduler{
		config: config,
		runner: runner,
		logger: logger,
	}, nil
}

// Start starts the cron loop. Disabled schedulers start as a no-op.
func (s *ConsolidationScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.mu.Unlock()

	if !s.config.Enabled {
		s.logger.Info("Consolidation scheduler disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.calculateNextRunTime()

	s.wg.Add(1)
	go s.cronLoop(ctx)

	s.logger.Info("Consolidation scheduler started",
		zap.Int("run_hour", s.config.RunHour),
		zap.Int("run_minute", s.config.RunMinute),
		zap.Timep("next_run_at", s.nextRunAt),
	)
	return nil
}

// Stop stops the cron loop and waits for an in-flight run to finish or
// the context to expire.
func (s *ConsolidationScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Consolidation scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Consolidation scheduler stop timed out")
		return ctx.Err()
	}
}

// NextRunAt returns the next scheduled fire time
func (s *ConsolidationScheduler) NextRunAt() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextRunAt == nil {
		return nil
	}
	t := *s.nextRunAt
	return &t
}

func (s *ConsolidationScheduler) cronLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(cronTickerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if s.shouldRun(now) {
				s.fire(ctx, now)
				s.calculateNextRunTime()
			}
		}
	}
}

// shouldRun reports whether the daily run is due. Due means the configured
// time has passed today and today's run has not fired yet, so a process
// restarted after the scheduled time still catches up.
func (s *ConsolidationScheduler) shouldRun(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	today := now.Format("2006-01-02")
	if s.lastRunDate == today {
		return false
	}
	due := time.Date(now.Year(), now.Month(), now.Day(), s.config.RunHour, s.config.RunMinute, 0, 0, now.Location())
	return !now.Before(due)
}

func (s *ConsolidationScheduler) fire(ctx context.Context, now time.Time) {
	s.mu.Lock()
	s.lastRunDate = now.Format("2006-01-02")
	s.mu.Unlock()

	runCtx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	// Consolidate yesterday: its ledger is complete, today's is still open
	target := now.AddDate(0, 0, -1)

	report, err := s.runner.Run(runCtx, target, false)
	if err != nil {
		if err == shared.ErrRunInProgress {
			s.logger.Warn("Scheduled consolidation skipped, a run is already in progress")
			return
		}
		s.logger.Error("Scheduled consolidation failed", zap.Error(err))
		return
	}

	s.logger.Info("Scheduled consolidation finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("tenants_total", report.TenantsTotal),
		zap.Int("tenants_ok", report.TenantsOK),
		zap.Int("months_closed", report.MonthsClosed),
		zap.Int("failures", len(report.Failures)),
	)
}

func (s *ConsolidationScheduler) calculateNextRunTime() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), s.config.RunHour, s.config.RunMinute, 0, 0, now.Location())
	if !next.After(now) || s.lastRunDate == now.Format("2006-01-02") {
		next = next.AddDate(0, 0, 1)
	}
	s.nextRunAt = &next
}
