package application

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cristianortiz/biddingEngine/internal/bidding/domain"
	"github.com/cristianortiz/biddingEngine/internal/shared/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var log = logger.GetLogger()

// HaltRegistry remembers items whose stored state failed an integrity check.
// A halted item rejects every further operation until the process restarts
// and an operator has looked at it.
type HaltRegistry struct {
	mu     sync.RWMutex
	halted map[uuid.UUID]error
}

func NewHaltRegistry() *HaltRegistry {
	return &HaltRegistry{halted: make(map[uuid.UUID]error)}
}

// Check returns ErrItemHalted for a halted item.
func (r *HaltRegistry) Check(itemID uuid.UUID) error {
	r.mu.RLock()
	cause, ok := r.halted[itemID]
	r.mu.RUnlock()
	if ok {
		return fmt.Errorf("%w: %v", domain.ErrItemHalted, cause)
	}
	return nil
}

func (r *HaltRegistry) IsHalted(itemID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.halted[itemID]
	return ok
}

// Halt records the first violation seen for itemID.
func (r *HaltRegistry) Halt(itemID uuid.UUID, cause error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.halted[itemID]; !ok {
		r.halted[itemID] = cause
	}
}

// guard halts the item when err is an integrity violation. err is returned unchanged.
func (r *HaltRegistry) guard(itemID uuid.UUID, op string, err error) error {
	if err != nil && errors.Is(err, domain.ErrIntegrityViolation) {
		r.Halt(itemID, err)
		log.Error("Integrity violation, item halted",
			zap.String("itemID", itemID.String()),
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	return err
}

// publish hands an event to the notification pipeline. Failures never reach the caller.
func publish(ctx context.Context, events domain.EventPublisher, event domain.Event) {
	if events == nil {
		return
	}
	if err := events.Publish(ctx, event); err != nil {
		log.Warn("Event not published",
			zap.String("eventType", string(event.Type)),
			zap.String("itemID", event.ItemID.String()),
			zap.Error(err),
		)
	}
}
