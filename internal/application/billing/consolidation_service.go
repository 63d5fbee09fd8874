package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/metering/backend/internal/domain/billing"
	"github.com/metering/backend/internal/domain/shared"
)

// TenantFailure records one tenant that failed during a run. Failures are
// isolated: one tenant's bad data never blocks the others.
type TenantFailure struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Phase    string    `json:"phase"`
	Reason   string    `json:"reason"`
}

// RunReport is the outcome of one consolidation run
type RunReport struct {
	RunID           uuid.UUID       `json:"run_id"`
	Day             time.Time       `json:"day"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Forced          bool            `json:"forced"`
	ReferenceOK     bool            `json:"reference_ok"`
	TenantsTotal    int             `json:"tenants_total"`
	TenantsOK       int             `json:"tenants_ok"`
	MonthsClosed    int             `json:"months_closed"`
	AggregatesSwept int64           `json:"aggregates_swept"`
	Failures        []TenantFailure `json:"failures,omitempty"`
}

// ConsolidationService orchestrates the daily batch: refresh reference
// data, recompute every tenant's daily aggregate for the target day, close
// the month when the day is its last calendar day, then sweep aggregates
// past retention. Runs are mutually exclusive per process.
//
// Every phase is idempotent, so a crashed or failed run is repaired by
// simply running again for the same day.
type ConsolidationService struct {
	ledgerRepo  billing.LedgerEntryRepository
	dailyRepo   billing.DailyUsageRepository
	monthlyRepo billing.MonthlyBillingRepository
	seatRepo    billing.BillingSeatRepository
	reference   ReferenceResolver
	directory   TenantDirectory
	publisher   shared.EventPublisher
	logger      *zap.Logger

	homeCurrency  string
	tierTable     billing.SubscriptionTierTable
	workers       int
	retentionDays int

	mu      sync.Mutex
	running bool
}

// ConsolidationConfig contains configuration for ConsolidationService
type ConsolidationConfig struct {
	HomeCurrency  string
	TierTable     billing.SubscriptionTierTable
	Workers       int // parallel tenant workers, default 4
	RetentionDays int // daily aggregate retention, default 400
}

// DefaultConsolidationConfig returns default consolidation configuration
func DefaultConsolidationConfig() ConsolidationConfig {
	return ConsolidationConfig{
		HomeCurrency: "USD",
		TierTable: billing.SubscriptionTierTable{
			{MinSeats: 1, MaxSeats: 9, PricePerSeat: decimal.NewFromInt(69)},
			{MinSeats: 10, MaxSeats: 19, PricePerSeat: decimal.NewFromInt(59)},
			{MinSeats: 20, MaxSeats: 0, PricePerSeat: decimal.NewFromInt(49)},
		},
		Workers:       4,
		RetentionDays: 400,
	}
}

// NewConsolidationService creates a new ConsolidationService
func NewConsolidationService(
	ledgerRepo billing.LedgerEntryRepository,
	dailyRepo billing.DailyUsageRepository,
	monthlyRepo billing.MonthlyBillingRepository,
	seatRepo billing.BillingSeatRepository,
	reference ReferenceResolver,
	directory TenantDirectory,
	publisher shared.EventPublisher,
	logger *zap.Logger,
	config ConsolidationConfig,
) *ConsolidationService {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.RetentionDays <= 0 {
		config.RetentionDays = 400
	}
	if config.HomeCurrency == "" {
		config.HomeCurrency = "USD"
	}
	return &ConsolidationService{
		ledgerRepo:    ledgerRepo,
		dailyRepo:     dailyRepo,
		monthlyRepo:   monthlyRepo,
		seatRepo:      seatRepo,
		reference:     reference,
		directory:     directory,
		publisher:     publisher,
		logger:        logger,
		homeCurrency:  config.HomeCurrency,
		tierTable:     config.TierTable,
		workers:       config.Workers,
		retentionDays: config.RetentionDays,
	}
}

// Run executes one consolidation pass for the UTC day containing target.
// It returns ErrRunInProgress when another run is active in this process.
func (s *ConsolidationService) Run(ctx context.Context, target time.Time, forced bool) (*RunReport, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, shared.ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	day := billing.Midnight(target)
	report := &RunReport{
		RunID:     uuid.New(),
		Day:       day,
		StartedAt: time.Now().UTC(),
		Forced:    forced,
	}

	s.logger.Info("Consolidation run starting",
		zap.String("run_id", report.RunID.String()),
		zap.Time("day", day),
		zap.Bool("forced", forced))

	s.refreshReference(ctx, day, report)
	s.aggregateTenants(ctx, day, report)
	s.rolloverIfDue(ctx, day, forced, report)
	s.sweepRetention(ctx, day, report)

	report.FinishedAt = time.Now().UTC()
	elapsed := report.FinishedAt.Sub(report.StartedAt)

	if s.publisher != nil {
		event := billing.NewConsolidationFinishedEvent(
			report.RunID, day, report.TenantsOK, len(report.Failures), elapsed, forced)
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("Failed to publish consolidation event", zap.Error(err))
		}
	}

	s.logger.Info("Consolidation run finished",
		zap.String("run_id", report.RunID.String()),
		zap.Int("tenants_ok", report.TenantsOK),
		zap.Int("tenants_failed", len(report.Failures)),
		zap.Int("months_closed", report.MonthsClosed),
		zap.Duration("elapsed", elapsed))

	return report, nil
}

// refreshReference warms the reference cache for the day. Failure degrades
// the run (entries already carry their own rates) but never aborts it.
func (s *ConsolidationService) refreshReference(ctx context.Context, day time.Time, report *RunReport) {
	if _, err := s.reference.Refresh(ctx, s.homeCurrency, day); err != nil {
		s.logger.Warn("Reference refresh failed, proceeding with cached data",
			zap.Time("day", day), zap.Error(err))
		return
	}
	report.ReferenceOK = true
}

// aggregateTenants recomputes every tenant's daily aggregate from its
// ledger rows using a bounded worker pool.
func (s *ConsolidationService) aggregateTenants(ctx context.Context, day time.Time, report *RunReport) {
	tenants, err := s.tenantsFor(ctx, day)
	if err != nil {
		s.logger.Error("Tenant discovery failed", zap.Error(err))
		report.Failures = append(report.Failures, TenantFailure{
			Phase: "aggregation", Reason: "tenant discovery: " + err.Error(),
		})
		return
	}
	report.TenantsTotal = len(tenants)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		sem      = make(chan struct{}, s.workers)
		ok       int
		failures []TenantFailure
	)
	for _, tenantID := range tenants {
		wg.Add(1)
		sem <- struct{}{}
		go func(id uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()
			err := s.aggregateOne(ctx, id, day)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				s.logger.Error("Tenant aggregation failed",
					zap.String("tenant_id", id.String()), zap.Error(err))
				failures = append(failures, TenantFailure{
					TenantID: id, Phase: "aggregation", Reason: err.Error(),
				})
				return
			}
			ok++
		}(tenantID)
	}
	wg.Wait()

	report.TenantsOK = ok
	report.Failures = append(report.Failures, failures...)
}

// aggregateOne rebuilds one tenant's aggregate for the day from scratch.
// Full recompute, not incremental: re-running after a partial failure
// converges on the same result.
func (s *ConsolidationService) aggregateOne(ctx context.Context, tenantID uuid.UUID, day time.Time) error {
	entries, err := s.ledgerRepo.ListByTenantAndDay(ctx, tenantID, day)
	if err != nil {
		return fmt.Errorf("list ledger entries: %w", err)
	}

	aggregate, err := billing.NewDailyUsageAggregate(tenantID, day)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		aggregate.Fold(entry)
	}
	aggregate.Normalize()

	if err := s.dailyRepo.Upsert(ctx, aggregate); err != nil {
		return fmt.Errorf("upsert daily aggregate: %w", err)
	}
	return nil
}

// rolloverIfDue closes the target day's month for every tenant with an
// open record. Due on the month's last calendar day, or always when forced;
// a forced mid-month run closes the month early. Already frozen records are
// skipped, so re-runs are harmless.
func (s *ConsolidationService) rolloverIfDue(ctx context.Context, day time.Time, forced bool, report *RunReport) {
	if !isLastDayOfMonth(day) && !forced {
		return
	}
	year, month := day.Year(), day.Month()

	tenants, err := s.monthlyRepo.TenantsWithOpenRecords(ctx, year, month)
	if err != nil {
		s.logger.Error("Open record discovery failed", zap.Error(err))
		report.Failures = append(report.Failures, TenantFailure{
			Phase: "rollover", Reason: "open record discovery: " + err.Error(),
		})
		return
	}

	for _, tenantID := range tenants {
		if err := s.closeTenantMonth(ctx, tenantID, year, month); err != nil {
			if errors.Is(err, shared.ErrRecordFrozen) {
				continue
			}
			s.logger.Error("Month close failed",
				zap.String("tenant_id", tenantID.String()),
				zap.Int("year", year), zap.Int("month", int(month)), zap.Error(err))
			report.Failures = append(report.Failures, TenantFailure{
				TenantID: tenantID, Phase: "rollover", Reason: err.Error(),
			})
			continue
		}
		report.MonthsClosed++
	}
}

func isLastDayOfMonth(day time.Time) bool {
	return day.AddDate(0, 0, 1).Day() == 1
}

func (s *ConsolidationService) closeTenantMonth(ctx context.Context, tenantID uuid.UUID, year int, month time.Month) error {
	existing, err := s.monthlyRepo.FindByTenantMonth(ctx, tenantID, year, month)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Frozen {
		return shared.ErrRecordFrozen
	}

	seats, err := s.seatRepo.FindActiveInMonth(ctx, tenantID, year, month)
	if err != nil {
		return fmt.Errorf("load seats: %w", err)
	}

	record, err := billing.CloseMonth(tenantID, year, month, s.tierTable, seats)
	if err != nil {
		return err
	}
	if existing != nil {
		// Recomputing an open record keeps its identity stable
		record.ID = existing.ID
		record.CreatedAt = existing.CreatedAt
	}
	if err := record.Freeze(time.Now()); err != nil {
		return err
	}
	if err := s.monthlyRepo.Save(ctx, record); err != nil {
		return fmt.Errorf("save billing record: %w", err)
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, billing.NewMonthClosedEvent(record)); err != nil {
			s.logger.Warn("Failed to publish month closed event",
				zap.String("tenant_id", tenantID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *ConsolidationService) sweepRetention(ctx context.Context, day time.Time, report *RunReport) {
	cutoff := day.AddDate(0, 0, -s.retentionDays)
	swept, err := s.dailyRepo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("Retention sweep failed", zap.Error(err))
		return
	}
	report.AggregatesSwept = swept
	if swept > 0 {
		s.logger.Info("Swept expired daily aggregates",
			zap.Int64("count", swept), zap.Time("cutoff", cutoff))
	}
}

// tenantsFor unions the tenants that produced ledger rows on the day with
// the directory's full tenant list, so quiet tenants still get a zero
// aggregate and directory gaps never drop busy ones.
func (s *ConsolidationService) tenantsFor(ctx context.Context, day time.Time) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]struct{})
	out := make([]uuid.UUID, 0)

	active, err := s.ledgerRepo.DistinctTenantsForDay(ctx, day)
	if err != nil {
		return nil, err
	}
	for _, id := range active {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}

	if s.directory != nil {
		all, err := s.directory.ListTenantIDs(ctx)
		if err != nil {
			s.logger.Warn("Tenant directory unavailable, using ledger tenants only", zap.Error(err))
			return out, nil
		}
		for _, id := range all {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				out = append(out, id)
			}
		}
	}
	return out, nil
}
