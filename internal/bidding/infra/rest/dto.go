package rest

import (
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemRequest is the body of item creation and draft updates.
type ItemRequest struct {
	Kind         string           `json:"kind" validate:"required,oneof=auction contract"`
	Title        string           `json:"title" validate:"required,notblank,max=200"`
	Description  string           `json:"description" validate:"max=5000"`
	BasePrice    *decimal.Decimal `json:"base_price" validate:"required"`
	MinIncrement *decimal.Decimal `json:"min_increment" validate:"required_if=Kind auction"`
	MinBid       *decimal.Decimal `json:"min_bid" validate:"required_if=Kind contract"`
	StartTime    *time.Time       `json:"start_time" validate:"required"`
	EndTime      *time.Time       `json:"end_time" validate:"required"`
}

// ToSpec must only be called on a validated request.
func (r ItemRequest) ToSpec() domain.ItemSpec {
	spec := domain.ItemSpec{
		Kind:        domain.ItemKind(r.Kind),
		Title:       r.Title,
		Description: r.Description,
		BasePrice:   *r.BasePrice,
		StartTime:   r.StartTime.UTC(),
		EndTime:     r.EndTime.UTC(),
	}
	if r.MinIncrement != nil {
		spec.MinIncrement = *r.MinIncrement
	}
	if r.MinBid != nil {
		spec.MinBid = *r.MinBid
	}
	return spec
}

type BidRequest struct {
	Amount  *decimal.Decimal `json:"amount" validate:"required"`
	Comment string           `json:"comment" validate:"max=2000"`
}

// ListQuery is parsed from the query string of GET /items.
type ListQuery struct {
	Status    string `query:"status" json:"status" validate:"omitempty,oneof=DRAFT ACTIVE COMPLETED CANCELLED"`
	Kind      string `query:"kind" json:"kind" validate:"omitempty,oneof=auction contract"`
	CreatorID string `query:"creator_id" json:"creator_id" validate:"omitempty,uuid"`
	Limit     int    `query:"limit" json:"limit" validate:"omitempty,min=1,max=200"`
	Offset    int    `query:"offset" json:"offset" validate:"omitempty,min=0"`
}

const defaultPageSize = 50

func (q ListQuery) ToFilter() domain.ItemFilter {
	f := domain.ItemFilter{
		Status: domain.ItemStatus(q.Status),
		Kind:   domain.ItemKind(q.Kind),
		Limit:  q.Limit,
		Offset: q.Offset,
	}
	if f.Limit == 0 {
		f.Limit = defaultPageSize
	}
	if id, err := uuid.Parse(q.CreatorID); err == nil {
		f.CreatorID = &id
	}
	return f
}
