package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSweepConcurrency      = 8
	DefaultSettlementGrace       = time.Minute
	DefaultMaxSettlementAttempts = 10

	// cancel re-reads the status when a concurrent transition wins the CAS
	cancelAttempts = 3
)

type LifecycleOptions struct {
	SweepConcurrency int
	// SettlementGrace is how long a pending settlement may run before a retry pass claims it.
	SettlementGrace       time.Duration
	LedgerTimeout         time.Duration
	MaxSettlementAttempts int
}

func (o LifecycleOptions) withDefaults() LifecycleOptions {
	if o.SweepConcurrency <= 0 {
		o.SweepConcurrency = DefaultSweepConcurrency
	}
	if o.SettlementGrace <= 0 {
		o.SettlementGrace = DefaultSettlementGrace
	}
	if o.LedgerTimeout <= 0 {
		o.LedgerTimeout = DefaultLedgerTimeout
	}
	if o.MaxSettlementAttempts <= 0 {
		o.MaxSettlementAttempts = DefaultMaxSettlementAttempts
	}
	return o
}

// SweepReport lists what one sweep changed. Items that were already in the target
// state are in neither list.
type SweepReport struct {
	Activated []uuid.UUID
	Closed    []uuid.UUID
	Failed    []uuid.UUID
}

// SettlementReport lists the outcome of one settlement retry pass.
type SettlementReport struct {
	Settled []uuid.UUID
	Failed  []uuid.UUID
}

// LifecycleManager owns item creation, the status transitions and settlement.
// Every transition is a CAS at the store, so sweeps running on several replicas
// or racing an administrator are safe.
type LifecycleManager struct {
	store  domain.ItemStore
	ledger domain.Ledger
	events domain.EventPublisher
	clock  clock.Clock
	halts  *HaltRegistry
	opts   LifecycleOptions
}

func NewLifecycleManager(store domain.ItemStore,
	ledger domain.Ledger,
	events domain.EventPublisher,
	clk clock.Clock,
	halts *HaltRegistry,
	opts LifecycleOptions) *LifecycleManager {

	return &LifecycleManager{
		store:  store,
		ledger: ledger,
		events: events,
		clock:  clk,
		halts:  halts,
		opts:   opts.withDefaults(),
	}
}

// CreateItem stores a new DRAFT and activates it at once when its start time has passed.
func (m *LifecycleManager) CreateItem(ctx context.Context, spec domain.ItemSpec, creatorID uuid.UUID) (*domain.Item, error) {
	now := m.clock.Now()
	if err := checkSchedule(spec, now); err != nil {
		return nil, err
	}
	item, err := domain.NewItem(uuid.New(), creatorID, spec, now)
	if err != nil {
		return nil, err
	}
	if err := m.store.Create(ctx, item); err != nil {
		log.Error("LifecycleManager: failed to create item", zap.String("itemID", item.ID.String()), zap.Error(err))
		return nil, fmt.Errorf("lifecycle: create item: %w", err)
	}
	log.Info("Item created",
		zap.String("itemID", item.ID.String()),
		zap.String("kind", string(item.Kind)),
		zap.String("creatorID", creatorID.String()),
	)
	return m.activateIfDue(ctx, item, now), nil
}

// UpdateDraft replaces the editable fields of a draft.
func (m *LifecycleManager) UpdateDraft(ctx context.Context, id uuid.UUID, spec domain.ItemSpec) (*domain.Item, error) {
	if err := m.halts.Check(id); err != nil {
		return nil, fmt.Errorf("lifecycle: update draft: %w", err)
	}
	now := m.clock.Now()
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: update draft %s: %w", id, err)
	}
	if current.Status != domain.StatusDraft {
		return nil, fmt.Errorf("lifecycle: update draft %s: %w", id, domain.ErrNotDraft)
	}
	if spec.Kind != current.Kind {
		return nil, domain.NewValidationError(domain.FieldError{Field: "kind", Error: "cannot change the kind of an item"})
	}
	if err := checkSchedule(spec, now); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	edited := current.Clone()
	edited.ApplySpec(spec)
	edited.UpdatedAt = now
	updated, err := m.store.UpdateDraft(ctx, edited)
	if err != nil {
		m.halts.guard(id, "update draft", err)
		return nil, fmt.Errorf("lifecycle: update draft %s: %w", id, err)
	}
	log.Info("Draft updated", zap.String("itemID", id.String()), zap.Int64("version", updated.Version))
	return m.activateIfDue(ctx, updated, now), nil
}

func (m *LifecycleManager) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	if err := m.store.DeleteDraft(ctx, id); err != nil {
		return fmt.Errorf("lifecycle: delete draft %s: %w", id, err)
	}
	log.Info("Draft deleted", zap.String("itemID", id.String()))
	return nil
}

// Activate moves a draft whose start time has passed to ACTIVE. Activating an
// already active item is a no-op.
func (m *LifecycleManager) Activate(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	item, _, err := m.activate(ctx, id)
	return item, err
}

func (m *LifecycleManager) activate(ctx context.Context, id uuid.UUID) (*domain.Item, bool, error) {
	if err := m.halts.Check(id); err != nil {
		return nil, false, fmt.Errorf("lifecycle: activate: %w", err)
	}
	now := m.clock.Now()
	item, err := m.store.Transition(ctx, id, domain.Transition{From: domain.StatusDraft, To: domain.StatusActive, At: now})
	if err != nil {
		m.halts.guard(id, "activate", err)
		if errors.Is(err, domain.ErrConflict) {
			current, gerr := m.store.Get(ctx, id)
			if gerr != nil {
				return nil, false, fmt.Errorf("lifecycle: activate %s: %w", id, gerr)
			}
			if current.Status == domain.StatusActive {
				return current, false, nil
			}
			err = fmt.Errorf("%w: item is %s", domain.ErrInvalidState, current.Status)
		}
		return nil, false, fmt.Errorf("lifecycle: activate %s: %w", id, err)
	}
	log.Info("Item activated", zap.String("itemID", id.String()), zap.Time("endTime", item.EndTime))
	publish(ctx, m.events, domain.NewItemEvent(domain.EventItemActivated, item, nil, now))
	return item, true, nil
}

func (m *LifecycleManager) activateIfDue(ctx context.Context, item *domain.Item, now time.Time) *domain.Item {
	if !item.IsDueForActivation(now) {
		return item
	}
	activated, err := m.Activate(ctx, item.ID)
	if err != nil {
		// the next sweep picks it up
		log.Warn("Immediate activation failed", zap.String("itemID", item.ID.String()), zap.Error(err))
		return item
	}
	return activated
}

// Close completes an active item whose deadline has passed and settles it.
// Closing an item that is already terminal returns it unchanged.
func (m *LifecycleManager) Close(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	item, _, err := m.close(ctx, id)
	return item, err
}

func (m *LifecycleManager) close(ctx context.Context, id uuid.UUID) (*domain.Item, bool, error) {
	if err := m.halts.Check(id); err != nil {
		return nil, false, fmt.Errorf("lifecycle: close: %w", err)
	}
	now := m.clock.Now()
	item, err := m.store.Transition(ctx, id, domain.Transition{From: domain.StatusActive, To: domain.StatusCompleted, At: now})
	if err != nil {
		m.halts.guard(id, "close", err)
		if errors.Is(err, domain.ErrConflict) {
			current, gerr := m.store.Get(ctx, id)
			if gerr != nil {
				return nil, false, fmt.Errorf("lifecycle: close %s: %w", id, gerr)
			}
			if current.Status.IsTerminal() {
				return current, false, nil
			}
			err = fmt.Errorf("%w: item is %s", domain.ErrInvalidState, current.Status)
		}
		return nil, false, fmt.Errorf("lifecycle: close %s: %w", id, err)
	}

	fields := []zap.Field{zap.String("itemID", id.String()), zap.Int("bids", item.BidCount)}
	if item.WinnerID != nil {
		fields = append(fields, zap.String("winnerID", item.WinnerID.String()), zap.String("price", item.CurrentPrice.String()))
	}
	log.Info("Item closed", fields...)
	publish(ctx, m.events, domain.NewItemEvent(domain.EventItemClosed, item, nil, now))

	if item.Settlement == domain.SettlementPending {
		item = m.settle(ctx, item)
	}
	return item, true, nil
}

// Cancel moves a DRAFT or ACTIVE item to CANCELLED and releases every reservation it holds.
func (m *LifecycleManager) Cancel(ctx context.Context, id, adminID uuid.UUID) (*domain.Item, error) {
	if err := m.halts.Check(id); err != nil {
		return nil, fmt.Errorf("lifecycle: cancel: %w", err)
	}
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		current, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lifecycle: cancel %s: %w", id, err)
		}
		if current.Status.IsTerminal() {
			return nil, fmt.Errorf("lifecycle: cancel %s: %w: item is %s", id, domain.ErrInvalidState, current.Status)
		}

		now := m.clock.Now()
		item, err := m.store.Transition(ctx, id, domain.Transition{From: current.Status, To: domain.StatusCancelled, At: now})
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			m.halts.guard(id, "cancel", err)
			return nil, fmt.Errorf("lifecycle: cancel %s: %w", id, err)
		}

		log.Info("Item cancelled",
			zap.String("itemID", id.String()),
			zap.String("adminID", adminID.String()),
			zap.String("from", string(current.Status)),
		)
		actor := adminID
		publish(ctx, m.events, domain.NewItemEvent(domain.EventItemCancelled, item, &actor, now))
		if item.Settlement == domain.SettlementPending {
			item = m.settle(ctx, item)
		}
		return item, nil
	}
	return nil, fmt.Errorf("lifecycle: cancel %s: %w", id, domain.ErrConflict)
}

// SweepDueItems activates due drafts, then closes due active items. Each item is an
// independent unit of work; a failure is reported and left for the next sweep.
func (m *LifecycleManager) SweepDueItems(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := m.clock.Now()

	due, err := m.store.DueForActivation(ctx, now)
	if err != nil {
		return report, fmt.Errorf("lifecycle: sweep: due for activation: %w", err)
	}
	var failed []uuid.UUID
	report.Activated, failed = m.forEach(ctx, due, "activate", m.activate)
	report.Failed = append(report.Failed, failed...)

	// items activated above may already be past their deadline
	due, err = m.store.DueForClose(ctx, now)
	if err != nil {
		return report, fmt.Errorf("lifecycle: sweep: due for close: %w", err)
	}
	report.Closed, failed = m.forEach(ctx, due, "close", m.close)
	report.Failed = append(report.Failed, failed...)

	if len(report.Activated)+len(report.Closed)+len(report.Failed) > 0 {
		log.Info("Sweep finished",
			zap.Int("activated", len(report.Activated)),
			zap.Int("closed", len(report.Closed)),
			zap.Int("failed", len(report.Failed)),
		)
	}
	return report, nil
}

// RetrySettlements claims failed or stale settlements and runs them again.
func (m *LifecycleManager) RetrySettlements(ctx context.Context) (SettlementReport, error) {
	var report SettlementReport
	now := m.clock.Now()
	candidates, err := m.store.SettlementCandidates(ctx, now.Add(-m.opts.SettlementGrace))
	if err != nil {
		return report, fmt.Errorf("lifecycle: settlement candidates: %w", err)
	}

	attempts := make(map[uuid.UUID]int, len(candidates))
	ids := make([]uuid.UUID, 0, len(candidates))
	for _, it := range candidates {
		if it.SettlementAttempts >= m.opts.MaxSettlementAttempts {
			log.Error("Settlement given up, manual intervention needed",
				zap.String("itemID", it.ID.String()),
				zap.Int("attempts", it.SettlementAttempts),
				zap.String("lastError", it.SettlementError),
			)
			continue
		}
		attempts[it.ID] = it.SettlementAttempts
		ids = append(ids, it.ID)
	}

	report.Settled, report.Failed = m.forEach(ctx, ids, "settle", func(ctx context.Context, id uuid.UUID) (*domain.Item, bool, error) {
		claimed, err := m.store.ClaimSettlement(ctx, id, attempts[id], m.clock.Now())
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrInvalidState) {
			// another worker claimed it or it settled meanwhile
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		settled := m.settle(ctx, claimed)
		if settled.Settlement != domain.SettlementSettled {
			return settled, false, fmt.Errorf("%w: %s", domain.ErrSettlementFailed, settled.SettlementError)
		}
		return settled, true, nil
	})
	return report, nil
}

// forEach runs fn for every id on a bounded pool. Halted items are skipped.
func (m *LifecycleManager) forEach(ctx context.Context, ids []uuid.UUID, op string,
	fn func(context.Context, uuid.UUID) (*domain.Item, bool, error)) (done, failed []uuid.UUID) {

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(m.opts.SweepConcurrency)
	for _, id := range ids {
		if m.halts.IsHalted(id) {
			continue
		}
		g.Go(func() error {
			_, changed, err := fn(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed = append(failed, id)
				log.Error("Sweep unit failed", zap.String("operation", op), zap.String("itemID", id.String()), zap.Error(err))
			case changed:
				done = append(done, id)
			}
			// units are independent, one failure must not cancel the others
			return nil
		})
	}
	_ = g.Wait()
	return done, failed
}

// settle captures the winning reservation and releases every other one. The outcome
// is recorded on the item; a failed settlement is picked up by RetrySettlements.
func (m *LifecycleManager) settle(ctx context.Context, item *domain.Item) *domain.Item {
	// a settlement that started must finish even if the caller went away
	sctx := context.WithoutCancel(ctx)
	var errs []error

	bids, err := m.store.Bids(sctx, item.ID)
	if err != nil {
		errs = append(errs, fmt.Errorf("load bids: %w", err))
	} else {
		winning := winningReservation(item, bids)
		if winning != "" {
			if err := m.ledgerCall(sctx, m.ledger.Capture, winning); err != nil {
				errs = append(errs, fmt.Errorf("capture %s: %w", winning, err))
			}
		}
		for _, b := range bids {
			if b.ReservationID == "" || b.ReservationID == winning {
				continue
			}
			if err := m.ledgerCall(sctx, m.ledger.Release, b.ReservationID); err != nil {
				errs = append(errs, fmt.Errorf("release %s: %w", b.ReservationID, err))
			}
		}
	}

	state, msg := domain.SettlementSettled, ""
	if len(errs) > 0 {
		state, msg = domain.SettlementFailed, errors.Join(errs...).Error()
		log.Error("Settlement failed",
			zap.String("itemID", item.ID.String()),
			zap.Int("attempt", item.SettlementAttempts),
			zap.Errors("errors", errs),
		)
	}
	recorded, err := m.store.RecordSettlement(sctx, item.ID, state, msg, m.clock.Now())
	if err != nil {
		log.Error("Settlement outcome not recorded", zap.String("itemID", item.ID.String()), zap.Error(err))
		item.Settlement, item.SettlementError = state, msg
		return item
	}
	if state == domain.SettlementSettled {
		log.Info("Item settled", zap.String("itemID", item.ID.String()))
	}
	return recorded
}

func (m *LifecycleManager) ledgerCall(ctx context.Context, call func(context.Context, string) error, reservationID string) error {
	cctx, cancel := context.WithTimeout(ctx, m.opts.LedgerTimeout)
	defer cancel()
	return call(cctx, reservationID)
}

// winningReservation is the reservation to capture, empty for cancelled items.
func winningReservation(item *domain.Item, bids []*domain.Bid) string {
	if item.Status != domain.StatusCompleted || item.WinningBidID == nil {
		return ""
	}
	for _, b := range bids {
		if b.ID == *item.WinningBidID {
			return b.ReservationID
		}
	}
	return ""
}

func checkSchedule(spec domain.ItemSpec, now time.Time) error {
	if !spec.EndTime.After(now) {
		return domain.NewValidationError(domain.FieldError{Field: "end_time", Error: "must be in the future"})
	}
	return nil
}
