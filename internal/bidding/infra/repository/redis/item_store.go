package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/config"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// writeAttempts bounds how often a write is replayed after its WATCH fired.
const writeAttempts = 5

// NewClient connects and pings the server.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// ItemStore implements domain.ItemStore on Redis.
//
// Layout, all under prefix:
//
//	{prefix}:item:{id}       JSON item
//	{prefix}:item:{id}:bids  list of JSON bids ordered by seq
//	{prefix}:items           sorted set of ids scored by creation time
//
// Every write WATCHes the item key, so two writers of one item cannot both commit.
// Auction bid statuses are derived on read.
type ItemStore struct {
	rdb    *redis.Client
	prefix string
}

func NewItemStore(rdb *redis.Client, prefix string) *ItemStore {
	return &ItemStore{rdb: rdb, prefix: prefix}
}

func (s *ItemStore) itemKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:item:%s", s.prefix, id)
}

func (s *ItemStore) bidsKey(id uuid.UUID) string {
	return fmt.Sprintf("%s:item:%s:bids", s.prefix, id)
}

func (s *ItemStore) indexKey() string {
	return s.prefix + ":items"
}

// change describes what a mutation writes besides the item itself.
type change struct {
	appendBid   *domain.Bid
	rewriteBids []*domain.Bid
	remove      bool
}

func (s *ItemStore) Create(ctx context.Context, item *domain.Item) error {
	if item.Status != domain.StatusDraft {
		return fmt.Errorf("%w: new items start as %s", domain.ErrInvalidState, domain.StatusDraft)
	}
	cp := item.Clone()
	cp.Version = 1
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redis create item: marshal: %w", err)
	}
	created, err := s.rdb.SetNX(ctx, s.itemKey(item.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("redis create item %s: %w", item.ID, err)
	}
	if !created {
		return fmt.Errorf("%w: item %s already exists", domain.ErrConflict, item.ID)
	}
	member := redis.Z{Score: float64(item.CreatedAt.UnixNano()), Member: item.ID.String()}
	if err := s.rdb.ZAdd(ctx, s.indexKey(), member).Err(); err != nil {
		return fmt.Errorf("redis index item %s: %w", item.ID, err)
	}
	item.Version = 1
	return nil
}

func (s *ItemStore) Get(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	raw, err := s.rdb.Get(ctx, s.itemKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("redis get item %s: %w", id, err)
	}
	return decodeItem(raw)
}

func (s *ItemStore) Snapshot(ctx context.Context, id uuid.UUID) (*domain.Snapshot, error) {
	var (
		itemCmd   *redis.StringCmd
		latestCmd *redis.StringCmd
	)
	// MULTI so the item and its last bid are read atomically
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		itemCmd = pipe.Get(ctx, s.itemKey(id))
		latestCmd = pipe.LIndex(ctx, s.bidsKey(id), -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis snapshot %s: %w", id, err)
	}
	raw, err := itemCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	item, err := decodeItem(raw)
	if err != nil {
		return nil, err
	}
	snap := &domain.Snapshot{Item: item}
	if rawBid, err := latestCmd.Bytes(); err == nil {
		if snap.LatestBid, err = decodeBid(rawBid); err != nil {
			return nil, err
		}
		if item.Kind == domain.KindAuction {
			snap.LatestBid.Status = domain.BidActive
		}
	}
	return snap, nil
}

func (s *ItemStore) AppendBid(ctx context.Context, id uuid.UUID, bid *domain.Bid, expectedPrice decimal.Decimal) (*domain.Item, error) {
	var stored *domain.Bid
	item, err := s.mutate(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		stored = bid.Clone()
		if err := item.ApplyAuctionBid(stored, expectedPrice); err != nil {
			return change{}, err
		}
		return change{appendBid: stored}, nil
	})
	if err != nil {
		return nil, err
	}
	bid.Seq, bid.ItemID, bid.Status = stored.Seq, stored.ItemID, stored.Status
	return item, nil
}

func (s *ItemStore) AppendContractBid(ctx context.Context, id uuid.UUID, bid *domain.Bid) (*domain.Item, error) {
	var stored *domain.Bid
	item, err := s.mutate(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		stored = bid.Clone()
		if err := item.ApplyContractBid(stored); err != nil {
			return change{}, err
		}
		return change{appendBid: stored}, nil
	})
	if err != nil {
		return nil, err
	}
	bid.Seq, bid.ItemID, bid.Status = stored.Seq, stored.ItemID, stored.Status
	return item, nil
}

func (s *ItemStore) AcceptBid(ctx context.Context, id, bidID uuid.UUID, at time.Time) (*domain.Item, error) {
	return s.mutate(ctx, id, true, func(item *domain.Item, bids []*domain.Bid) (change, error) {
		if err := item.ApplyAcceptance(bids, bidID, at); err != nil {
			return change{}, err
		}
		return change{rewriteBids: bids}, nil
	})
}

func (s *ItemStore) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Item, error) {
	return s.mutate(ctx, id, true, func(item *domain.Item, bids []*domain.Bid) (change, error) {
		if err := item.ApplyTransition(bids, tr); err != nil {
			return change{}, err
		}
		if item.Kind == domain.KindContract {
			return change{rewriteBids: bids}, nil
		}
		return change{}, nil
	})
}

func (s *ItemStore) UpdateDraft(ctx context.Context, edited *domain.Item) (*domain.Item, error) {
	return s.mutate(ctx, edited.ID, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		if item.Status != domain.StatusDraft {
			return change{}, domain.ErrNotDraft
		}
		if item.Version != edited.Version {
			return change{}, fmt.Errorf("%w: version %d, expected %d", domain.ErrConflict, item.Version, edited.Version)
		}
		spec := domain.ItemSpec{
			Kind:         edited.Kind,
			Title:        edited.Title,
			Description:  edited.Description,
			BasePrice:    edited.BasePrice,
			MinIncrement: edited.MinIncrement,
			MinBid:       edited.MinBid,
			StartTime:    edited.StartTime,
			EndTime:      edited.EndTime,
		}
		return change{}, item.ApplyDraftUpdate(spec, edited.UpdatedAt)
	})
}

func (s *ItemStore) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	_, err := s.mutate(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		if item.Status != domain.StatusDraft {
			return change{}, domain.ErrNotDraft
		}
		return change{remove: true}, nil
	})
	return err
}

func (s *ItemStore) List(ctx context.Context, filter domain.ItemFilter) ([]*domain.Item, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	items := []*domain.Item{}
	for _, it := range all {
		if it.MatchesFilter(filter) {
			items = append(items, it)
		}
	}
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
	item, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	raws, err := s.rdb.LRange(ctx, s.bidsKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis bids %s: %w", id, err)
	}
	bids, err := decodeBids(raws)
	if err != nil {
		return nil, err
	}
	if item.Kind == domain.KindAuction {
		domain.DeriveAuctionStatuses(bids)
	}
	return bids, nil
}

func (s *ItemStore) DueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.collect(ctx, func(it *domain.Item) bool { return it.IsDueForActivation(now) })
}

func (s *ItemStore) DueForClose(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return s.collect(ctx, func(it *domain.Item) bool { return it.IsDueForClose(now) })
}

func (s *ItemStore) SettlementCandidates(ctx context.Context, staleBefore time.Time) ([]*domain.Item, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Item
	for _, it := range all {
		if it.IsSettlementCandidate(staleBefore) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (s *ItemStore) ClaimSettlement(ctx context.Context, id uuid.UUID, expectedAttempts int, at time.Time) (*domain.Item, error) {
	return s.mutate(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		return change{}, item.ApplySettlementClaim(expectedAttempts, at)
	})
}

func (s *ItemStore) RecordSettlement(ctx context.Context, id uuid.UUID, state domain.SettlementState, errMsg string, at time.Time) (*domain.Item, error) {
	return s.mutate(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) (change, error) {
		return change{}, item.ApplySettlementResult(state, errMsg, at)
	})
}

// mutate is the optimistic transaction every write goes through: WATCH the item key,
// read, apply fn, write inside MULTI. A fired WATCH (redis.TxFailedErr) replays fn on
// fresh state, fn itself decides whether the new state still allows the write.
func (s *ItemStore) mutate(ctx context.Context, id uuid.UUID, withBids bool, fn func(item *domain.Item, bids []*domain.Bid) (change, error)) (*domain.Item, error) {
	itemKey, bidsKey := s.itemKey(id), s.bidsKey(id)
	var result *domain.Item

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, itemKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		item, err := decodeItem(raw)
		if err != nil {
			return err
		}
		var bids []*domain.Bid
		if withBids {
			raws, err := tx.LRange(ctx, bidsKey, 0, -1).Result()
			if err != nil {
				return err
			}
			if bids, err = decodeBids(raws); err != nil {
				return err
			}
		}

		ch, err := fn(item, bids)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(item)
		if err != nil {
			return err
		}
		bidPayloads, err := encodeBids(ch)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if ch.remove {
				pipe.Del(ctx, itemKey, bidsKey)
				pipe.ZRem(ctx, s.indexKey(), id.String())
				return nil
			}
			pipe.Set(ctx, itemKey, payload, 0)
			if ch.rewriteBids != nil {
				pipe.Del(ctx, bidsKey)
			}
			if len(bidPayloads) > 0 {
				pipe.RPush(ctx, bidsKey, bidPayloads...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = item
		return nil
	}

	for attempt := 1; attempt <= writeAttempts; attempt++ {
		err := s.rdb.Watch(ctx, txf, itemKey)
		if errors.Is(err, redis.TxFailedErr) {
			log.Debug("redis item store: watched item changed, replaying",
				zap.String("itemID", id.String()),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("%w: item %s kept changing", domain.ErrConflict, id)
}

// all loads every indexed item in creation order.
func (s *ItemStore) all(ctx context.Context) ([]*domain.Item, error) {
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("redis list index: bad member %q: %w", raw, err)
		}
		keys[i] = s.itemKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list items: %w", err)
	}
	items := make([]*domain.Item, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			// removed between ZRANGE and MGET
			continue
		}
		it, err := decodeItem([]byte(str))
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

func (s *ItemStore) collect(ctx context.Context, match func(*domain.Item) bool) ([]uuid.UUID, error) {
	all, err := s.all(ctx)
	if err != nil {
		return nil, err
	}
	var ids []uuid.UUID
	for _, it := range all {
		if match(it) {
			ids = append(ids, it.ID)
		}
	}
	return ids, nil
}

func decodeItem(raw []byte) (*domain.Item, error) {
	it := &domain.Item{}
	if err := json.Unmarshal(raw, it); err != nil {
		return nil, fmt.Errorf("redis decode item: %w", err)
	}
	return it, nil
}

func decodeBid(raw []byte) (*domain.Bid, error) {
	b := &domain.Bid{}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("redis decode bid: %w", err)
	}
	return b, nil
}

func decodeBids(raws []string) ([]*domain.Bid, error) {
	bids := make([]*domain.Bid, 0, len(raws))
	for _, raw := range raws {
		b, err := decodeBid([]byte(raw))
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, nil
}

func encodeBids(ch change) ([]any, error) {
	bids := ch.rewriteBids
	if ch.appendBid != nil {
		bids = []*domain.Bid{ch.appendBid}
	}
	out := make([]any, 0, len(bids))
	for _, b := range bids {
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("redis encode bid: %w", err)
		}
		out = append(out, payload)
	}
	return out, nil
}
