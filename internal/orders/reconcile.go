package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/agentgate/internal/logging"
	"github.com/mbd888/agentgate/internal/metrics"
	"github.com/mbd888/agentgate/internal/payments"
	"github.com/mbd888/agentgate/internal/traces"
)

var _ payments.Reconciler = (*Engine)(nil)

// target maps a notice outcome to the pair it moves the order to.
func target(o payments.Outcome) (Status, PaymentStatus) {
	switch o {
	case payments.OutcomeCaptured:
		return StatusConfirmed, PaymentCaptured
	case payments.OutcomePending:
		return StatusPaymentRequested, PaymentPending
	case payments.OutcomeExpired:
		return StatusVoided, PaymentVoided
	default:
		return StatusCancelled, PaymentVoided
	}
}

// ReconcilePayment applies a verified gateway notice. It is idempotent:
// replays and stale notices leave the order unchanged and return nil. A
// notice whose amount differs from the order total flags the order and is
// rejected; a capture arriving after cancellation or voiding flags the order
// for a manual refund and is accepted. Failure notices for an order that was
// already captured never cancel it; the order is flagged instead.
func (e *Engine) ReconcilePayment(ctx context.Context, n payments.Notice) (err error) {
	ctx, span := traces.StartSpan(ctx, "orders.reconcile",
		traces.OrderID(n.OrderID), traces.Provider(n.Provider), traces.Amount(n.Amount))
	defer func() { traces.End(span, err) }()

	id, err := e.resolve(ctx, n)
	if err != nil {
		return err
	}

	unlock, err := e.locker.Lock(ctx, "order:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	o, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	log := logging.L(ctx).With("order_id", o.ID, "provider", n.Provider, "code", n.RawCode)

	if o.PaymentMethod != MethodGateway {
		return ErrNotGatewayOrder
	}
	if o.CorrelationID != "" && n.CorrelationID != "" && o.CorrelationID != n.CorrelationID {
		log.Warn("notice correlation id does not match order", "got", n.CorrelationID, "want", o.CorrelationID)
		return fmt.Errorf("%w: correlation id mismatch", ErrInvalidArgument)
	}
	prev := o.Status

	if n.Outcome == payments.OutcomeCaptured && n.Amount != o.TotalPrice {
		log.Error("notice amount mismatch", "notice_amount", n.Amount, "order_total", o.TotalPrice)
		if err := e.flag(ctx, o, FlagAmountMismatch,
			fmt.Sprintf("notice amount %d, order total %d", n.Amount, o.TotalPrice)); err != nil {
			return err
		}
		return ErrAmountMismatch
	}

	status, payment := target(n.Outcome)
	if o.Status == status && o.PaymentStatus == payment {
		log.Debug("duplicate payment notice ignored")
		return nil
	}

	if n.Outcome == payments.OutcomeCaptured && (o.Status == StatusCancelled || o.Status == StatusVoided) {
		log.Error("capture received for closed order", "status", o.Status)
		return e.flag(ctx, o, FlagLateCapture,
			fmt.Sprintf("capture %s of %d after order %s", n.CorrelationID, n.Amount, o.Status))
	}

	// Only a pending order can be moved by a failure, expiry or pending
	// notice; the cancel edges out of CONFIRMED and SHIPPED belong to
	// buyers and operators, who refund.
	if n.Outcome != payments.OutcomeCaptured && !o.Pending() {
		if o.PaymentStatus != PaymentCaptured || n.Outcome == payments.OutcomePending {
			log.Info("stale payment notice ignored", "status", o.Status, "target", status)
			return nil
		}
		log.Error("reversal received for captured order", "status", o.Status, "outcome", n.Outcome)
		return e.flag(ctx, o, FlagLateReversal,
			fmt.Sprintf("%s notice %s after capture", n.Outcome, n.CorrelationID))
	}

	if !CanTransition(o.Status, status) {
		log.Info("stale payment notice ignored", "status", o.Status, "target", status)
		return nil
	}

	if o.CorrelationID == "" {
		o.CorrelationID = n.CorrelationID
	}
	now := e.now()
	o.Status = status
	o.PaymentStatus = payment
	switch status {
	case StatusConfirmed:
		o.PaidAt = &now
	case StatusCancelled, StatusVoided:
		o.CancelReason = "payment " + string(n.Outcome)
		o.CancelledBy = n.Provider
		o.ClosedAt = &now
	}
	if err := e.save(ctx, o, prev); err != nil {
		return err
	}
	if o.Status == StatusCancelled || o.Status == StatusVoided {
		e.release(ctx, o)
	}
	return nil
}

// resolve finds the order a notice refers to: correlation id first, then
// order id.
func (e *Engine) resolve(ctx context.Context, n payments.Notice) (string, error) {
	if n.CorrelationID != "" {
		o, err := e.store.GetByCorrelation(ctx, n.Provider, n.CorrelationID)
		if err == nil {
			return o.ID, nil
		}
		if !errors.Is(err, ErrOrderNotFound) {
			return "", err
		}
	}
	if n.OrderID == "" {
		return "", ErrOrderNotFound
	}
	return n.OrderID, nil
}

func (e *Engine) flag(ctx context.Context, o *Order, f Flag, note string) error {
	metrics.ReconciliationFlagsTotal.WithLabelValues(string(f)).Inc()
	if o.ReconFlag == f {
		return nil
	}
	o.ReconFlag = f
	o.ReconNote = note
	if err := e.save(ctx, o, o.Status); err != nil {
		return err
	}
	e.publish(ctx, "order.flagged", o)
	return nil
}

// ExpireOverdue voids pending gateway orders whose deadline passed before
// now and releases their stock. It returns the number of orders voided.
func (e *Engine) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := e.store.ListOverdue(ctx, now, 100)
	if err != nil {
		return 0, fmt.Errorf("list overdue orders: %w", err)
	}

	expired := 0
	for _, candidate := range overdue {
		voided, err := e.expire(ctx, candidate.ID, now)
		if err != nil {
			logging.L(ctx).Warn("failed to expire order", "order_id", candidate.ID, "error", err)
			continue
		}
		if voided {
			expired++
		}
	}
	return expired, nil
}

func (e *Engine) expire(ctx context.Context, id string, now time.Time) (bool, error) {
	unlock, err := e.locker.Lock(ctx, "order:"+id)
	if err != nil {
		return false, err
	}
	defer unlock()

	o, err := e.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if !o.Pending() || o.PaymentDeadline == nil || !o.PaymentDeadline.Before(now) {
		return false, nil
	}

	prev := o.Status
	o.Status = StatusVoided
	o.PaymentStatus = PaymentVoided
	o.CancelReason = "payment deadline passed"
	o.ClosedAt = &now
	if err := e.save(ctx, o, prev); err != nil {
		return false, err
	}
	e.release(ctx, o)
	metrics.OrdersExpiredTotal.Inc()
	return true, nil
}
