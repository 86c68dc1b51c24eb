// Package orders implements the order lifecycle: creation with stock
// reservation, the wallet and gateway payment paths, fulfillment,
// cancellation, payment reconciliation and deadline expiry.
package orders

import (
	"context"
	"slices"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
)

var (
	ErrOrderNotFound     = apperr.New(apperr.OrderNotFound, "order not found")
	ErrTerminal          = apperr.New(apperr.OrderTerminal, "order is in a terminal state")
	ErrInvalidTransition = apperr.New(apperr.InvalidTransition, "transition not allowed from current status")
	ErrForbidden         = apperr.New(apperr.Forbidden, "not a party to this order")
	ErrBelowMinimum      = apperr.New(apperr.BelowMinimumQuantity, "quantity below minimum order quantity")
	ErrInvalidQuantity   = apperr.New(apperr.InvalidArgument, "quantity must be a positive integer")
	ErrInvalidMethod     = apperr.New(apperr.InvalidArgument, "payment_method must be wallet or gateway")
	ErrInvalidArgument   = apperr.New(apperr.InvalidArgument, "invalid argument")
	ErrConflict          = apperr.New(apperr.Conflict, "order was modified concurrently")
	ErrAmountMismatch    = apperr.New(apperr.InvalidArgument, "notice amount does not match order total")
	ErrNotGatewayOrder   = apperr.New(apperr.InvalidArgument, "order is not paid through a gateway")
)

// Status is the order lifecycle status.
type Status string

const (
	StatusCreated          Status = "ORDER_CREATED"
	StatusPaymentRequested Status = "PAYMENT_REQUESTED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusShipped          Status = "SHIPPED"
	StatusDelivered        Status = "DELIVERED"
	StatusCancelled        Status = "CANCELLED"
	StatusVoided           Status = "VOIDED"
)

// PaymentStatus tracks money orthogonally to the order status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "PENDING"
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentVoided   PaymentStatus = "VOIDED"
	PaymentRefunded PaymentStatus = "REFUNDED"
)

// Method selects the payment path.
type Method string

const (
	MethodWallet  Method = "wallet"
	MethodGateway Method = "gateway"
)

// Flag marks an order for operator review after reconciliation.
type Flag string

const (
	FlagAmountMismatch Flag = "AMOUNT_MISMATCH"
	FlagLateCapture    Flag = "LATE_CAPTURE"
	FlagLateReversal   Flag = "LATE_REVERSAL"
)

var transitions = map[Status][]Status{
	StatusCreated:          {StatusPaymentRequested, StatusConfirmed, StatusCancelled, StatusVoided},
	StatusPaymentRequested: {StatusConfirmed, StatusCancelled, StatusVoided},
	StatusConfirmed:        {StatusShipped, StatusCancelled},
	StatusShipped:          {StatusDelivered, StatusCancelled},
}

// CanTransition reports whether from → to is an edge of the lifecycle.
func CanTransition(from, to Status) bool {
	return slices.Contains(transitions[from], to)
}

// ValidPair reports whether a (status, payment status) pair may be stored.
func ValidPair(s Status, p PaymentStatus) bool {
	switch s {
	case StatusCreated, StatusPaymentRequested:
		return p == PaymentPending
	case StatusConfirmed, StatusShipped, StatusDelivered:
		return p == PaymentCaptured
	case StatusCancelled:
		return p == PaymentVoided || p == PaymentRefunded
	case StatusVoided:
		return p == PaymentVoided
	}
	return false
}

// Order is a purchase by a buyer agent. Amounts are whole KRW.
type Order struct {
	ID              string        `json:"orderId"`
	BuyerID         string        `json:"buyerId"`
	SellerID        string        `json:"sellerId"`
	SKU             string        `json:"sku"`
	Quantity        int           `json:"quantity"`
	UnitPrice       int64         `json:"unitPrice"`
	TotalPrice      int64         `json:"totalPrice"`
	Status          Status        `json:"status"`
	PaymentStatus   PaymentStatus `json:"paymentStatus"`
	PaymentMethod   Method        `json:"paymentMethod"`
	PaymentProvider string        `json:"paymentProvider,omitempty"`
	PaymentDeadline *time.Time    `json:"paymentDeadline,omitempty"`
	CorrelationID   string        `json:"correlationId,omitempty"`
	RedirectURL     string        `json:"redirectUrl,omitempty"`
	NegotiationID   string        `json:"negotiationId,omitempty"`
	Carrier         string        `json:"carrier,omitempty"`
	TrackingNumber  string        `json:"trackingNumber,omitempty"`
	ReconFlag       Flag          `json:"reconciliationFlag,omitempty"`
	ReconNote       string        `json:"reconciliationNote,omitempty"`
	CancelReason    string        `json:"cancelReason,omitempty"`
	CancelledBy     string        `json:"cancelledBy,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
	PaidAt          *time.Time    `json:"paidAt,omitempty"`
	ShippedAt       *time.Time    `json:"shippedAt,omitempty"`
	DeliveredAt     *time.Time    `json:"deliveredAt,omitempty"`
	ClosedAt        *time.Time    `json:"closedAt,omitempty"`
}

// IsTerminal reports whether the order can make no further progress.
func (o *Order) IsTerminal() bool {
	return o.Status == StatusDelivered || o.Status == StatusCancelled || o.Status == StatusVoided
}

// Pending reports whether the order still awaits payment.
func (o *Order) Pending() bool {
	return o.Status == StatusCreated || o.Status == StatusPaymentRequested
}

// Store persists orders. Update is a compare-and-swap on the status: it
// fails with ErrConflict unless the stored status equals expect.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByCorrelation(ctx context.Context, provider, correlationID string) (*Order, error)
	Update(ctx context.Context, o *Order, expect Status) error
	ListByBuyer(ctx context.Context, buyerID string, limit int) ([]*Order, error)
	ListBySeller(ctx context.Context, sellerID string, status Status, limit int) ([]*Order, error)
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Order, error)
	ListFlagged(ctx context.Context, limit int) ([]*Order, error)
}

// Actor is the authenticated party performing an operation.
type Actor struct {
	ID    string
	Admin bool
}
