package rest

import (
	"fmt"
	"strings"

	"github.com/cristianortiz/biddingEngine/internal/bidding/application"
	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

var log = logger.GetLogger()

// ItemHandler serves the item, bid and administration routes of the bidding module.
type ItemHandler struct {
	service application.BiddingService
}

func NewItemHandler(service application.BiddingService) *ItemHandler {
	return &ItemHandler{service: service}
}

// RegisterRoutes mounts the handlers under r, usually the /api group.
func (h *ItemHandler) RegisterRoutes(r fiber.Router) {
	items := r.Group("/items", Authenticate())

	items.Get("/", h.List)
	items.Get("/:id", h.Get)
	items.Get("/:id/bids", h.Bids)
	items.Post("/:id/bids", RequireUser(), h.PlaceBid)

	items.Post("/", RequireAdmin(), h.Create)
	items.Put("/:id", RequireAdmin(), h.UpdateDraft)
	items.Delete("/:id", RequireAdmin(), h.DeleteDraft)
	items.Post("/:id/cancel", RequireAdmin(), h.Cancel)
	items.Post("/:id/bids/:bidID/accept", RequireAdmin(), h.Accept)
}

func (h *ItemHandler) List(c *fiber.Ctx) error {
	var q ListQuery
	if err := c.QueryParser(&q); err != nil {
		return domain.NewValidationError(domain.FieldError{Field: "query", Error: err.Error()})
	}
	if err := validateStruct(q); err != nil {
		return err
	}
	items, err := h.service.ListItems(c.UserContext(), q.ToFilter())
	if err != nil {
		return err
	}
	return c.JSON(items)
}

func (h *ItemHandler) Get(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	state, err := h.service.GetItemState(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(state)
}

func (h *ItemHandler) Bids(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	bids, err := h.service.BidHistory(c.UserContext(), id)
	if err != nil {
		return err
	}
	return c.JSON(bids)
}

func (h *ItemHandler) PlaceBid(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req BidRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	caller, _ := IdentityFrom(c)
	bid, err := h.service.SubmitBid(c.UserContext(), application.PlaceBidDTO{
		ItemID:   id,
		BidderID: caller.UserID,
		Amount:   *req.Amount,
		Comment:  req.Comment,
	})
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(application.NewBidDTO(bid))
}

func (h *ItemHandler) Create(c *fiber.Ctx) error {
	var req ItemRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	caller, _ := IdentityFrom(c)
	state, err := h.service.CreateItem(c.UserContext(), req.ToSpec(), caller.UserID)
	if err != nil {
		return err
	}
	c.Location(fmt.Sprintf("%s/%s", strings.TrimSuffix(c.Path(), "/"), state.ItemID))
	return c.Status(fiber.StatusCreated).JSON(state)
}

func (h *ItemHandler) UpdateDraft(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var req ItemRequest
	if err := parseBody(c, &req); err != nil {
		return err
	}
	state, err := h.service.UpdateDraft(c.UserContext(), id, req.ToSpec())
	if err != nil {
		return err
	}
	return c.JSON(state)
}

func (h *ItemHandler) DeleteDraft(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.service.DeleteDraft(c.UserContext(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *ItemHandler) Cancel(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	caller, _ := IdentityFrom(c)
	state, err := h.service.CancelItem(c.UserContext(), id, caller.UserID)
	if err != nil {
		return err
	}
	return c.JSON(state)
}

func (h *ItemHandler) Accept(c *fiber.Ctx) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	bidID, err := pathID(c, "bidID")
	if err != nil {
		return err
	}
	caller, _ := IdentityFrom(c)
	state, err := h.service.AcceptBid(c.UserContext(), application.AcceptBidDTO{ItemID: id, BidID: bidID, AdminID: caller.UserID})
	if err != nil {
		return err
	}
	return c.JSON(state)
}

func pathID(c *fiber.Ctx, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params(name))
	if err != nil {
		return uuid.Nil, domain.NewValidationError(domain.FieldError{Field: name, Error: "must be a valid uuid"})
	}
	return id, nil
}

func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return domain.NewValidationError(domain.FieldError{Field: "body", Error: "malformed JSON body"})
	}
	return validateStruct(out)
}
