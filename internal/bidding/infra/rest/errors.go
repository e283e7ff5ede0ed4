package rest

import (
	"errors"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrUnauthorized = errors.New("caller identity missing or malformed")
	ErrForbidden    = errors.New("administrator role required")
)

const outbidMessage = "someone just outbid you, try a higher amount"

// ErrorResponse is the body of every failed request and of WS server_error messages.
type ErrorResponse struct {
	Code    string              `json:"code"`
	Error   string              `json:"error"`
	Minimum *decimal.Decimal    `json:"minimum,omitempty"`
	Fields  []domain.FieldError `json:"fields,omitempty"`
}

// Describe maps an error to its HTTP status and client facing body.
// Unknown errors are reported as internal without leaking their text.
func Describe(err error) (int, ErrorResponse) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		return fiber.StatusBadRequest, ErrorResponse{Code: "validation_failed", Error: domain.ErrValidation.Error(), Fields: verr.Fields}
	}
	var low *domain.BidTooLowError
	if errors.As(err, &low) {
		minimum := low.Minimum
		return fiber.StatusConflict, ErrorResponse{Code: "bid_too_low", Error: outbidMessage, Minimum: &minimum}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return fiber.StatusUnauthorized, ErrorResponse{Code: "unauthorized", Error: ErrUnauthorized.Error()}
	case errors.Is(err, ErrForbidden):
		return fiber.StatusForbidden, ErrorResponse{Code: "forbidden", Error: ErrForbidden.Error()}
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest, ErrorResponse{Code: "validation_failed", Error: domain.ErrValidation.Error()}
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrBidNotFound):
		return fiber.StatusNotFound, ErrorResponse{Code: "not_found", Error: "not found"}
	case errors.Is(err, domain.ErrBidTooLow), errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict, ErrorResponse{Code: "outbid", Error: outbidMessage}
	case errors.Is(err, domain.ErrSelfBidNotAllowed):
		return fiber.StatusConflict, ErrorResponse{Code: "self_bid", Error: domain.ErrSelfBidNotAllowed.Error()}
	case errors.Is(err, domain.ErrNotDraft):
		return fiber.StatusConflict, ErrorResponse{Code: "not_draft", Error: domain.ErrNotDraft.Error()}
	case errors.Is(err, domain.ErrInvalidState):
		return fiber.StatusConflict, ErrorResponse{Code: "invalid_state", Error: "this auction has ended"}
	case errors.Is(err, domain.ErrBidTooHigh):
		return fiber.StatusBadRequest, ErrorResponse{Code: "bid_too_high", Error: domain.ErrBidTooHigh.Error()}
	case errors.Is(err, domain.ErrWrongItemKind):
		return fiber.StatusBadRequest, ErrorResponse{Code: "wrong_item_kind", Error: domain.ErrWrongItemKind.Error()}
	case errors.Is(err, domain.ErrInsufficientFunds):
		return fiber.StatusPaymentRequired, ErrorResponse{Code: "insufficient_funds", Error: domain.ErrInsufficientFunds.Error()}
	case errors.Is(err, domain.ErrLedgerUnavailable):
		return fiber.StatusServiceUnavailable, ErrorResponse{Code: "ledger_unavailable", Error: "token ledger unavailable, try again shortly"}
	case errors.Is(err, domain.ErrItemHalted):
		return fiber.StatusLocked, ErrorResponse{Code: "item_halted", Error: domain.ErrItemHalted.Error()}
	default:
		return fiber.StatusInternalServerError, ErrorResponse{Code: "internal", Error: "internal server error"}
	}
}

// ErrorHandler is the fiber.Config ErrorHandler of the API.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var ferr *fiber.Error
	if errors.As(err, &ferr) {
		return c.Status(ferr.Code).JSON(ErrorResponse{Code: "http_error", Error: ferr.Message})
	}
	status, body := Describe(err)
	if status >= fiber.StatusInternalServerError {
		log.Error("Request failed",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(body)
}
