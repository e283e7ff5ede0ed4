package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// record guards one item and its bid log. Writers on different items never contend.
type record struct {
	mu   sync.Mutex
	item *domain.Item
	bids []*domain.Bid
	// deleted is set under mu so callers that looked the record up earlier see ErrNotFound
	deleted bool
}

// ItemStore implements domain.ItemStore in process memory.
// Each mutation is a CAS performed under the item's own mutex, which is never held
// outside a single store call.
type ItemStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID]*record
}

func NewItemStore() *ItemStore {
	return &ItemStore{records: make(map[uuid.UUID]*record)}
}

func (s *ItemStore) Create(ctx context.Context, item *domain.Item) error {
	if item.Status != domain.StatusDraft {
		return fmt.Errorf("%w: new items start as %s", domain.ErrInvalidState, domain.StatusDraft)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[item.ID]; ok {
		return fmt.Errorf("%w: item %s already exists", domain.ErrConflict, item.ID)
	}
	cp := item.Clone()
	cp.Version = 1
	item.Version = 1
	s.records[item.ID] = &record{item: cp}
	return nil
}

func (s *ItemStore) lookup(id uuid.UUID) (*record, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

// mutate runs fn under the item lock and returns a copy of the resulting item.
func (s *ItemStore) mutate(id uuid.UUID, fn func(rec *record) error) (*domain.Item, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, domain.ErrNotFound
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	return rec.item.Clone(), nil
}

func (s *ItemStore) Get(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, domain.ErrNotFound
	}
	return rec.item.Clone(), nil
}

func (s *ItemStore) Snapshot(ctx context.Context, id uuid.UUID) (*domain.Snapshot, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, domain.ErrNotFound
	}
	snap := &domain.Snapshot{Item: rec.item.Clone()}
	if n := len(rec.bids); n > 0 {
		snap.LatestBid = rec.bids[n-1].Clone()
	}
	return snap, nil
}

func (s *ItemStore) AppendBid(ctx context.Context, id uuid.UUID, bid *domain.Bid, expectedPrice decimal.Decimal) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		cp := bid.Clone()
		if err := rec.item.ApplyAuctionBid(cp, expectedPrice); err != nil {
			return err
		}
		// the previous leader is superseded
		if n := len(rec.bids); n > 0 {
			rec.bids[n-1].Status = domain.BidSuperseded
		}
		rec.bids = append(rec.bids, cp)
		bid.Seq, bid.ItemID, bid.Status = cp.Seq, cp.ItemID, cp.Status
		return nil
	})
}

func (s *ItemStore) AppendContractBid(ctx context.Context, id uuid.UUID, bid *domain.Bid) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		cp := bid.Clone()
		if err := rec.item.ApplyContractBid(cp); err != nil {
			return err
		}
		rec.bids = append(rec.bids, cp)
		bid.Seq, bid.ItemID, bid.Status = cp.Seq, cp.ItemID, cp.Status
		return nil
	})
}

func (s *ItemStore) AcceptBid(ctx context.Context, id, bidID uuid.UUID, at time.Time) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		item, bids := rec.item.Clone(), cloneBids(rec.bids)
		if err := item.ApplyAcceptance(bids, bidID, at); err != nil {
			return err
		}
		rec.item, rec.bids = item, bids
		return nil
	})
}

func (s *ItemStore) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		item, bids := rec.item.Clone(), cloneBids(rec.bids)
		if err := item.ApplyTransition(bids, tr); err != nil {
			return err
		}
		rec.item, rec.bids = item, bids
		return nil
	})
}

// UpdateDraft replaces the editable fields, guarded by item.Version.
func (s *ItemStore) UpdateDraft(ctx context.Context, item *domain.Item) (*domain.Item, error) {
	return s.mutate(item.ID, func(rec *record) error {
		if rec.item.Status != domain.StatusDraft {
			return domain.ErrNotDraft
		}
		if rec.item.Version != item.Version {
			return fmt.Errorf("%w: version %d, expected %d", domain.ErrConflict, rec.item.Version, item.Version)
		}
		spec := domain.ItemSpec{
			Kind:         item.Kind,
			Title:        item.Title,
			Description:  item.Description,
			BasePrice:    item.BasePrice,
			MinIncrement: item.MinIncrement,
			MinBid:       item.MinBid,
			StartTime:    item.StartTime,
			EndTime:      item.EndTime,
		}
		return rec.item.ApplyDraftUpdate(spec, item.UpdatedAt)
	})
}

func (s *ItemStore) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return domain.ErrNotFound
	}
	if rec.item.Status != domain.StatusDraft {
		return domain.ErrNotDraft
	}
	rec.deleted = true
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *ItemStore) List(ctx context.Context, filter domain.ItemFilter) ([]*domain.Item, error) {
	var items []*domain.Item
	for _, it := range s.all() {
		if it.MatchesFilter(filter) {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID.String() < items[j].ID.String()
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []*domain.Item{}, nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *ItemStore) Bids(ctx context.Context, id uuid.UUID) ([]*domain.Bid, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.deleted {
		return nil, domain.ErrNotFound
	}
	return cloneBids(rec.bids), nil
}

func (s *ItemStore) DueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.collect(func(it *domain.Item) bool { return it.IsDueForActivation(now) }), nil
}

func (s *ItemStore) DueForClose(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.collect(func(it *domain.Item) bool { return it.IsDueForClose(now) }), nil
}

func (s *ItemStore) SettlementCandidates(ctx context.Context, staleBefore time.Time) ([]*domain.Item, error) {
	var out []*domain.Item
	for _, it := range s.all() {
		if it.IsSettlementCandidate(staleBefore) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *ItemStore) ClaimSettlement(ctx context.Context, id uuid.UUID, expectedAttempts int, at time.Time) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		return rec.item.ApplySettlementClaim(expectedAttempts, at)
	})
}

func (s *ItemStore) RecordSettlement(ctx context.Context, id uuid.UUID, state domain.SettlementState, errMsg string, at time.Time) (*domain.Item, error) {
	return s.mutate(id, func(rec *record) error {
		return rec.item.ApplySettlementResult(state, errMsg, at)
	})
}

// all copies every item, taking each item lock briefly.
func (s *ItemStore) all() []*domain.Item {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	items := make([]*domain.Item, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if !rec.deleted {
			items = append(items, rec.item.Clone())
		}
		rec.mu.Unlock()
	}
	return items
}

func (s *ItemStore) collect(match func(*domain.Item) bool) []uuid.UUID {
	var ids []uuid.UUID
	for _, it := range s.all() {
		if match(it) {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func cloneBids(bids []*domain.Bid) []*domain.Bid {
	out := make([]*domain.Bid, len(bids))
	for i, b := range bids {
		out[i] = b.Clone()
	}
	return out
}
