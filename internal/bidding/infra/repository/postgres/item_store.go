package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// writeAttempts bounds the internal reload-and-reapply loop of version guarded writes.
const writeAttempts = 3

const itemColumns = `id, kind, title, description, base_price, min_increment, min_bid, current_price,
	start_time, end_time, status, creator_id, leader_id, leading_bid_id, winner_id, winning_bid_id,
	bid_count, last_seq, version, settlement, settlement_error, settlement_attempts,
	created_at, updated_at, closed_at`

const bidColumns = `id, item_id, bidder_id, amount, comment, status, seq, reservation_id, created_at`

// ItemStore implements domain.ItemStore on PostgreSQL.
// Auction bids are admitted by a single conditional UPDATE on the item row, every other
// write reloads the row, applies the domain rule and saves it guarded by version.
type ItemStore struct {
	pool *pgxpool.Pool
}

func NewItemStore(pool *pgxpool.Pool) *ItemStore {
	return &ItemStore{pool: pool}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*domain.Item, error) {
	it := &domain.Item{}
	err := row.Scan(
		&it.ID,
		&it.Kind,
		&it.Title,
		&it.Description,
		&it.BasePrice,
		&it.MinIncrement,
		&it.MinBid,
		&it.CurrentPrice,
		&it.StartTime,
		&it.EndTime,
		&it.Status,
		&it.CreatorID,
		&it.LeaderID,
		&it.LeadingBidID,
		&it.WinnerID,
		&it.WinningBidID,
		&it.BidCount,
		&it.LastSeq,
		&it.Version,
		&it.Settlement,
		&it.SettlementError,
		&it.SettlementAttempts,
		&it.CreatedAt,
		&it.UpdatedAt,
		&it.ClosedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	normalizeTimes(it)
	return it, nil
}

func scanBid(row rowScanner) (*domain.Bid, error) {
	b := &domain.Bid{}
	if err := row.Scan(&b.ID, &b.ItemID, &b.BidderID, &b.Amount, &b.Comment, &b.Status, &b.Seq, &b.ReservationID, &b.CreatedAt); err != nil {
		return nil, err
	}
	b.CreatedAt = b.CreatedAt.UTC()
	return b, nil
}

func normalizeTimes(it *domain.Item) {
	it.StartTime = it.StartTime.UTC()
	it.EndTime = it.EndTime.UTC()
	it.CreatedAt = it.CreatedAt.UTC()
	it.UpdatedAt = it.UpdatedAt.UTC()
	if it.ClosedAt != nil {
		t := it.ClosedAt.UTC()
		it.ClosedAt = &t
	}
}

func (r *ItemStore) Create(ctx context.Context, item *domain.Item) error {
	if item.Status != domain.StatusDraft {
		return fmt.Errorf("%w: new items start as %s", domain.ErrInvalidState, domain.StatusDraft)
	}
	query := `
        INSERT INTO items (` + itemColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1, $19, $20, $21, $22, $23, $24)
    `
	_, err := r.pool.Exec(ctx, query,
		item.ID, item.Kind, item.Title, item.Description,
		item.BasePrice, item.MinIncrement, item.MinBid, item.CurrentPrice,
		item.StartTime, item.EndTime, item.Status, item.CreatorID,
		item.LeaderID, item.LeadingBidID, item.WinnerID, item.WinningBidID,
		item.BidCount, item.LastSeq,
		item.Settlement, item.SettlementError, item.SettlementAttempts,
		item.CreatedAt, item.UpdatedAt, item.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: item %s already exists", domain.ErrConflict, item.ID)
		}
		return fmt.Errorf("postgres create item %s: %w", item.ID, err)
	}
	item.Version = 1
	return nil
}

func (r *ItemStore) Get(ctx context.Context, id uuid.UUID) (*domain.Item, error) {
	return r.getItem(ctx, r.pool, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (r *ItemStore) getItem(ctx context.Context, q querier, id uuid.UUID) (*domain.Item, error) {
	return scanItem(q.QueryRow(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
}

func (r *ItemStore) getBids(ctx context.Context, q querier, id uuid.UUID) ([]*domain.Bid, error) {
	rows, err := q.Query(ctx, `SELECT `+bidColumns+` FROM bids WHERE item_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*domain.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return bids, nil
}

func (r *ItemStore) Snapshot(ctx context.Context, id uuid.UUID) (*domain.Snapshot, error) {
	// repeatable read so the item row and its latest bid agree
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("postgres snapshot: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	item, err := r.getItem(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	snap := &domain.Snapshot{Item: item}
	latest, err := scanBid(tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM bids WHERE item_id = $1 ORDER BY seq DESC LIMIT 1`, id))
	switch {
	case err == nil:
		snap.LatestBid = latest
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("postgres snapshot latest bid: %w", err)
	}
	return snap, nil
}

// AppendBid is the admission CAS: the UPDATE only matches while the item is ACTIVE,
// the bid is inside the window and the price is still the one the caller validated against.
func (r *ItemStore) AppendBid(ctx context.Context, id uuid.UUID, bid *domain.Bid, expectedPrice decimal.Decimal) (*domain.Item, error) {
	var updated *domain.Item
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		query := `
            UPDATE items
            SET current_price = $2,
                leader_id = $3,
                leading_bid_id = $4,
                bid_count = bid_count + 1,
                last_seq = last_seq + 1,
                version = version + 1,
                updated_at = GREATEST(updated_at, $5)
            WHERE id = $1
              AND kind = 'auction'
              AND status = 'ACTIVE'
              AND end_time > $5
              AND current_price = $6
              AND $2 > current_price
            RETURNING ` + itemColumns
		item, err := scanItem(tx.QueryRow(ctx, query, id, bid.Amount, bid.BidderID, bid.ID, bid.CreatedAt, expectedPrice))
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `UPDATE bids SET status = 'SUPERSEDED' WHERE item_id = $1 AND status = 'ACTIVE'`, id); err != nil {
			return fmt.Errorf("postgres supersede previous bid: %w", err)
		}
		stored := bid.Clone()
		stored.ItemID = id
		stored.Seq = item.LastSeq
		stored.Status = domain.BidActive
		if err := insertBid(ctx, tx, stored); err != nil {
			return err
		}
		bid.Seq, bid.ItemID, bid.Status = stored.Seq, stored.ItemID, stored.Status
		updated = item
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		return nil, r.diagnoseAppend(ctx, id, bid, expectedPrice)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// diagnoseAppend explains a zero-row admission update by replaying the rule on a fresh read.
func (r *ItemStore) diagnoseAppend(ctx context.Context, id uuid.UUID, bid *domain.Bid, expectedPrice decimal.Decimal) error {
	item, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := item.ApplyAuctionBid(bid.Clone(), expectedPrice); err != nil {
		return err
	}
	// the row moved between the update and this read
	return fmt.Errorf("%w: item %s changed during admission", domain.ErrConflict, id)
}

func (r *ItemStore) AppendContractBid(ctx context.Context, id uuid.UUID, bid *domain.Bid) (*domain.Item, error) {
	var stored *domain.Bid
	item, err := r.update(ctx, id, false,
		func(item *domain.Item, _ []*domain.Bid) error {
			stored = bid.Clone()
			return item.ApplyContractBid(stored)
		},
		func(tx pgx.Tx, _ []*domain.Bid) error {
			return insertBid(ctx, tx, stored)
		})
	if err != nil {
		return nil, err
	}
	bid.Seq, bid.ItemID, bid.Status = stored.Seq, stored.ItemID, stored.Status
	return item, nil
}

func (r *ItemStore) AcceptBid(ctx context.Context, id, bidID uuid.UUID, at time.Time) (*domain.Item, error) {
	return r.update(ctx, id, true,
		func(item *domain.Item, bids []*domain.Bid) error {
			return item.ApplyAcceptance(bids, bidID, at)
		},
		func(tx pgx.Tx, bids []*domain.Bid) error {
			return saveBidStatuses(ctx, tx, bids)
		})
}

func (r *ItemStore) Transition(ctx context.Context, id uuid.UUID, tr domain.Transition) (*domain.Item, error) {
	return r.update(ctx, id, true,
		func(item *domain.Item, bids []*domain.Bid) error {
			return item.ApplyTransition(bids, tr)
		},
		func(tx pgx.Tx, bids []*domain.Bid) error {
			return saveBidStatuses(ctx, tx, bids)
		})
}

func (r *ItemStore) UpdateDraft(ctx context.Context, edited *domain.Item) (*domain.Item, error) {
	var updated *domain.Item
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		item, err := r.getItem(ctx, tx, edited.ID)
		if err != nil {
			return err
		}
		if item.Status != domain.StatusDraft {
			return domain.ErrNotDraft
		}
		if item.Version != edited.Version {
			return fmt.Errorf("%w: version %d, expected %d", domain.ErrConflict, item.Version, edited.Version)
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
		expected := item.Version
		if err := item.ApplyDraftUpdate(spec, edited.UpdatedAt); err != nil {
			return err
		}
		if err := saveItem(ctx, tx, item, expected); err != nil {
			return err
		}
		updated = item
		return nil
	})
	return updated, err
}

func (r *ItemStore) DeleteDraft(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM items WHERE id = $1 AND status = 'DRAFT'`, id)
	if err != nil {
		return fmt.Errorf("postgres delete draft %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return domain.ErrNotDraft
}

func (r *ItemStore) List(ctx context.Context, filter domain.ItemFilter) ([]*domain.Item, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Kind != "" {
		add("kind = $%d", filter.Kind)
	}
	if filter.CreatorID != nil {
		add("creator_id = $%d", *filter.CreatorID)
	}

	query := `SELECT ` + itemColumns + ` FROM items`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	return r.queryItems(ctx, query, args...)
}

func (r *ItemStore) queryItems(ctx context.Context, query string, args ...any) ([]*domain.Item, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []*domain.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (r *ItemStore) Bids(ctx context.Context, id uuid.UUID) ([]*domain.Bid, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.getBids(ctx, r.pool, id)
}

func (r *ItemStore) DueForActivation(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `SELECT id FROM items WHERE status = 'DRAFT' AND start_time <= $1`, now)
}

func (r *ItemStore) DueForClose(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	return r.queryIDs(ctx, `SELECT id FROM items WHERE status = 'ACTIVE' AND end_time <= $1`, now)
}

func (r *ItemStore) queryIDs(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *ItemStore) SettlementCandidates(ctx context.Context, staleBefore time.Time) ([]*domain.Item, error) {
	query := `
        SELECT ` + itemColumns + `
        FROM items
        WHERE status IN ('COMPLETED', 'CANCELLED')
          AND (settlement = 'failed' OR (settlement = 'pending' AND updated_at < $1))
        ORDER BY updated_at
    `
	return r.queryItems(ctx, query, staleBefore)
}

func (r *ItemStore) ClaimSettlement(ctx context.Context, id uuid.UUID, expectedAttempts int, at time.Time) (*domain.Item, error) {
	return r.update(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) error {
		return item.ApplySettlementClaim(expectedAttempts, at)
	}, nil)
}

func (r *ItemStore) RecordSettlement(ctx context.Context, id uuid.UUID, state domain.SettlementState, errMsg string, at time.Time) (*domain.Item, error) {
	return r.update(ctx, id, false, func(item *domain.Item, _ []*domain.Bid) error {
		return item.ApplySettlementResult(state, errMsg, at)
	}, nil)
}

var errStaleVersion = errors.New("stale item version")

// update loads the item (and its bids when withBids), applies the domain rule and saves
// the row only if its version did not move, then runs persist for the dependent rows.
// A moved version reruns the whole step on fresh state.
func (r *ItemStore) update(
	ctx context.Context,
	id uuid.UUID,
	withBids bool,
	apply func(item *domain.Item, bids []*domain.Bid) error,
	persist func(tx pgx.Tx, bids []*domain.Bid) error,
) (*domain.Item, error) {
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		var updated *domain.Item
		err := r.withTx(ctx, func(tx pgx.Tx) error {
			item, err := r.getItem(ctx, tx, id)
			if err != nil {
				return err
			}
			var bids []*domain.Bid
			if withBids {
				if bids, err = r.getBids(ctx, tx, id); err != nil {
					return err
				}
			}
			expected := item.Version
			if err := apply(item, bids); err != nil {
				return err
			}
			if err := saveItem(ctx, tx, item, expected); err != nil {
				return err
			}
			if persist != nil {
				if err := persist(tx, bids); err != nil {
					return err
				}
			}
			updated = item
			return nil
		})
		if errors.Is(err, errStaleVersion) {
			log.Debug("postgres item store: version moved, reapplying",
				zap.String("itemID", id.String()),
				zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("%w: item %s kept changing", domain.ErrConflict, id)
}

func saveItem(ctx context.Context, tx pgx.Tx, it *domain.Item, expectedVersion int64) error {
	query := `
        UPDATE items
        SET kind = $3, title = $4, description = $5, base_price = $6, min_increment = $7, min_bid = $8,
            current_price = $9, start_time = $10, end_time = $11, status = $12,
            leader_id = $13, leading_bid_id = $14, winner_id = $15, winning_bid_id = $16,
            bid_count = $17, last_seq = $18, version = $19,
            settlement = $20, settlement_error = $21, settlement_attempts = $22,
            updated_at = $23, closed_at = $24
        WHERE id = $1 AND version = $2
    `
	tag, err := tx.Exec(ctx, query,
		it.ID, expectedVersion,
		it.Kind, it.Title, it.Description, it.BasePrice, it.MinIncrement, it.MinBid,
		it.CurrentPrice, it.StartTime, it.EndTime, it.Status,
		it.LeaderID, it.LeadingBidID, it.WinnerID, it.WinningBidID,
		it.BidCount, it.LastSeq, it.Version,
		it.Settlement, it.SettlementError, it.SettlementAttempts,
		it.UpdatedAt, it.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres save item %s: %w", it.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errStaleVersion
	}
	return nil
}

func insertBid(ctx context.Context, tx pgx.Tx, b *domain.Bid) error {
	_, err := tx.Exec(ctx, `INSERT INTO bids (`+bidColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.ItemID, b.BidderID, b.Amount, b.Comment, b.Status, b.Seq, b.ReservationID, b.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// duplicate (item_id, seq): another writer won the same sequence slot
			return fmt.Errorf("%w: bid sequence %d taken", domain.ErrConflict, b.Seq)
		}
		return fmt.Errorf("postgres insert bid %s: %w", b.ID, err)
	}
	return nil
}

func saveBidStatuses(ctx context.Context, tx pgx.Tx, bids []*domain.Bid) error {
	if len(bids) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, b := range bids {
		batch.Queue(`UPDATE bids SET status = $2 WHERE id = $1 AND status <> $2`, b.ID, b.Status)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("postgres save bid statuses: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on nil and rolling back otherwise.
func (r *ItemStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("postgres item store: failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if commitErr := tx.Commit(ctx); commitErr != nil {
			log.Error("postgres item store: failed to commit transaction", zap.Error(commitErr))
			err = fmt.Errorf("postgres item store: failed to commit transaction: %w", commitErr)
		}
	}()
	return fn(tx)
}
