// Package credits implements the credit metering admission gate. Every
// metered step pays from a shared per-business pool before it runs; the
// deduction is a single atomic store operation so concurrent executions on
// the same pool cannot double-spend.
package credits

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/conveyorhq/conveyor/internal/store"
	"github.com/conveyorhq/conveyor/pkg/schema"
)

// Ledger is the slice of the store the gate needs.
type Ledger interface {
	DeductCredits(ctx context.Context, businessID string, amount float64) error
	RefundCredits(ctx context.Context, businessID string, amount float64) error
	GetCreditPool(ctx context.Context, businessID string) (*store.CreditPool, error)
	CreateCreditTransaction(ctx context.Context, tx *store.CreditTransaction) error
	AppendEvent(ctx context.Context, event *store.Event) error
}

// Gate checks and deducts credits ahead of step execution.
type Gate struct {
	ledger Ledger
	logger *slog.Logger
}

// NewGate creates a Gate over the given ledger.
func NewGate(ledger Ledger, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{ledger: ledger, logger: logger}
}

// CheckAndDeduct atomically deducts amount from the business pool and records
// a ledger transaction plus an event. A zero amount is a no-op. Returns
// INSUFFICIENT_CREDITS without side effects when the pool (including its
// overage threshold) cannot cover the amount.
func (g *Gate) CheckAndDeduct(ctx context.Context, businessID, executionID string, amount float64, description string) error {
	if amount <= 0 {
		return nil
	}
	if err := g.ledger.DeductCredits(ctx, businessID, amount); err != nil {
		return err
	}

	tx := &store.CreditTransaction{
		ID:          uuid.New().String(),
		BusinessID:  businessID,
		ExecutionID: executionID,
		Amount:      -amount,
		Kind:        "deduct",
		Description: description,
	}
	if err := g.ledger.CreateCreditTransaction(ctx, tx); err != nil {
		g.logger.ErrorContext(ctx, "record credit deduction", "error", err, "business_id", businessID)
	}
	g.emit(ctx, executionID, schema.EventCreditsDeducted, amount, description)
	return nil
}

// Refund returns amount to the pool and records a refund transaction.
func (g *Gate) Refund(ctx context.Context, businessID, executionID string, amount float64, reason string) error {
	if amount <= 0 {
		return nil
	}
	if err := g.ledger.RefundCredits(ctx, businessID, amount); err != nil {
		return err
	}

	tx := &store.CreditTransaction{
		ID:          uuid.New().String(),
		BusinessID:  businessID,
		ExecutionID: executionID,
		Amount:      amount,
		Kind:        "refund",
		Description: reason,
	}
	if err := g.ledger.CreateCreditTransaction(ctx, tx); err != nil {
		g.logger.ErrorContext(ctx, "record credit refund", "error", err, "business_id", businessID)
	}
	g.emit(ctx, executionID, schema.EventCreditsRefunded, amount, reason)
	return nil
}

// Settle reconciles a pre-flight estimate against the actual cost. Actual
// above the estimate deducts the difference; below refunds it.
func (g *Gate) Settle(ctx context.Context, businessID, executionID string, estimated, actual float64, description string) error {
	switch {
	case actual > estimated:
		return g.CheckAndDeduct(ctx, businessID, executionID, actual-estimated, description+" (settlement)")
	case actual < estimated:
		return g.Refund(ctx, businessID, executionID, estimated-actual, description+" (settlement)")
	default:
		return nil
	}
}

// Balance reports the current pool balance.
func (g *Gate) Balance(ctx context.Context, businessID string) (float64, error) {
	pool, err := g.ledger.GetCreditPool(ctx, businessID)
	if err != nil {
		return 0, err
	}
	return pool.Balance, nil
}

func (g *Gate) emit(ctx context.Context, executionID, eventType string, amount float64, description string) {
	if executionID == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{"amount": amount, "description": description})
	ev := &store.Event{
		ExecutionID: executionID,
		Type:        eventType,
		Payload:     payload,
	}
	if err := g.ledger.AppendEvent(ctx, ev); err != nil {
		g.logger.ErrorContext(ctx, "emit credit event", "error", err, "event_type", eventType)
	}
}
