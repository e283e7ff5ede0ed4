package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// ReserveRequest is the body of POST /reservations.
type ReserveRequest struct {
	ReservationID string          `json:"reservation_id"`
	BidderID      uuid.UUID       `json:"bidder_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ErrorResponse is what the ledger service answers on failures.
type ErrorResponse struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

// CodeInsufficientFunds is the ledger error code for a refused reservation.
const CodeInsufficientFunds = "insufficient_funds"

// HTTPClient talks to the school ledger service through fiber's client agent.
// Reservation ids double as idempotency keys, so retries by the ledger side are safe.
type HTTPClient struct {
	baseURL string
	timeout time.Duration
}

func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), timeout: timeout}
}

func (c *HTTPClient) Reserve(ctx context.Context, reservationID string, bidderID uuid.UUID, amount decimal.Decimal) error {
	timeout, err := c.budget(ctx)
	if err != nil {
		return err
	}
	agent := fiber.Post(c.baseURL + "/reservations").
		JSON(ReserveRequest{ReservationID: reservationID, BidderID: bidderID, Amount: amount}).
		Set("Idempotency-Key", reservationID).
		Timeout(timeout)

	code, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return c.unavailable("reserve", reservationID, errs)
	}
	switch {
	case code == http.StatusOK || code == http.StatusCreated:
		return nil
	case code == http.StatusPaymentRequired || decodeError(body).Code == CodeInsufficientFunds:
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, decodeError(body).Error)
	default:
		return fmt.Errorf("%w: reserve answered %d: %s", domain.ErrLedgerUnavailable, code, decodeError(body).Error)
	}
}

// Release treats an unknown reservation as already released.
func (c *HTTPClient) Release(ctx context.Context, reservationID string) error {
	timeout, err := c.budget(ctx)
	if err != nil {
		return err
	}
	code, body, errs := fiber.Delete(c.reservationURL(reservationID)).Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return c.unavailable("release", reservationID, errs)
	}
	switch code {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("%w: release answered %d: %s", domain.ErrLedgerUnavailable, code, decodeError(body).Error)
	}
}

func (c *HTTPClient) Capture(ctx context.Context, reservationID string) error {
	timeout, err := c.budget(ctx)
	if err != nil {
		return err
	}
	code, body, errs := fiber.Post(c.reservationURL(reservationID) + "/capture").Timeout(timeout).Bytes()
	if len(errs) > 0 {
		return c.unavailable("capture", reservationID, errs)
	}
	switch {
	case code == http.StatusOK || code == http.StatusNoContent:
		return nil
	case code >= 500:
		return fmt.Errorf("%w: capture answered %d: %s", domain.ErrLedgerUnavailable, code, decodeError(body).Error)
	default:
		return fmt.Errorf("%w: capture answered %d: %s", domain.ErrSettlementFailed, code, decodeError(body).Error)
	}
}

func (c *HTTPClient) reservationURL(reservationID string) string {
	return c.baseURL + "/reservations/" + url.PathEscape(reservationID)
}

// budget caps the request timeout by the context deadline.
func (c *HTTPClient) budget(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, err)
	}
	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if timeout <= 0 {
		return 0, fmt.Errorf("%w: %v", domain.ErrLedgerUnavailable, context.DeadlineExceeded)
	}
	return timeout, nil
}

func (c *HTTPClient) unavailable(op, reservationID string, errs []error) error {
	log.Warn("ledger request failed",
		zap.String("op", op),
		zap.String("reservationID", reservationID),
		zap.Errors("errors", errs))
	return fmt.Errorf("%w: %s: %v", domain.ErrLedgerUnavailable, op, errs[0])
}

func decodeError(body []byte) ErrorResponse {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		resp.Error = strings.TrimSpace(string(body))
	}
	return resp
}
