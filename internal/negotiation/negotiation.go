// Package negotiation runs multi-round price negotiations between a buyer
// agent and the seller of a product.
//
// Buyer rounds put a negotiation in NEGOTIATING and seller rounds in COUNTER.
// Matching the other side's latest price, or an explicit accept, agrees the
// deal at that price. A reject, the last allowed round without agreement, or
// the deadline passing closes it as REJECTED. Rounds are append-only and
// closed negotiations never change, except for recording the order placed
// from an agreed one.
package negotiation

import (
	"context"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
)

var (
	ErrNotFound        = apperr.New(apperr.NegotiationNotFound, "negotiation not found")
	ErrClosed          = apperr.New(apperr.NegotiationClosed, "negotiation is closed")
	ErrRoundLimit      = apperr.New(apperr.RoundLimitExceeded, "negotiation round limit reached")
	ErrForbidden       = apperr.New(apperr.Forbidden, "not a party to this negotiation")
	ErrInvalidArgument = apperr.New(apperr.InvalidArgument, "invalid negotiation request")
	ErrNotAgreed       = apperr.New(apperr.InvalidTransition, "negotiation has not been agreed")
	ErrAlreadyOrdered  = apperr.New(apperr.Conflict, "negotiation already converted to an order")
	ErrConflict        = apperr.New(apperr.Conflict, "negotiation was modified concurrently")
)

// Status is the negotiation state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusNegotiating Status = "NEGOTIATING"
	StatusCounter     Status = "COUNTER"
	StatusAgreed      Status = "AGREED"
	StatusRejected    Status = "REJECTED"
)

// Side is the party proposing a round.
type Side string

const (
	SideBuyer  Side = "buyer"
	SideSeller Side = "seller"
)

// Action is what a round does.
type Action string

const (
	ActionOffer  Action = "offer"
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Round is one proposal.
type Round struct {
	Number    int       `json:"number"`
	Side      Side      `json:"side"`
	Action    Action    `json:"action"`
	Price     int64     `json:"price"`
	Message   string    `json:"message,omitempty"`
	Auto      bool      `json:"auto,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Negotiation is a price negotiation on one SKU between one buyer and the
// product's seller. Prices are whole KRW per unit.
type Negotiation struct {
	ID          string    `json:"negotiationId"`
	SKU         string    `json:"sku"`
	ListPrice   int64     `json:"listPrice"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	Status      Status    `json:"status"`
	MaxRounds   int       `json:"maxRounds"`
	Rounds      []Round   `json:"rounds"`
	Deadline    time.Time `json:"deadline"`
	FinalPrice  *int64    `json:"finalPrice,omitempty"`
	OrderID     string    `json:"orderId,omitempty"`
	CloseReason string    `json:"closeReason,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IsTerminal reports whether the negotiation is closed.
func (n *Negotiation) IsTerminal() bool {
	return n.Status == StatusAgreed || n.Status == StatusRejected
}

// LastPrice returns the latest price proposed by side.
func (n *Negotiation) LastPrice(side Side) (int64, bool) {
	for i := len(n.Rounds) - 1; i >= 0; i-- {
		if n.Rounds[i].Side == side {
			return n.Rounds[i].Price, true
		}
	}
	return 0, false
}

// RemainingRounds is how many rounds may still be appended.
func (n *Negotiation) RemainingRounds() int {
	if n.IsTerminal() {
		return 0
	}
	return n.MaxRounds - len(n.Rounds)
}

func (s Side) other() Side {
	if s == SideBuyer {
		return SideSeller
	}
	return SideBuyer
}

// Store persists negotiations with their rounds. Update appends the rounds
// numbered above expectRounds and writes the row only if the stored round
// count and status still equal expectRounds and expect.
type Store interface {
	Create(ctx context.Context, n *Negotiation) error
	Get(ctx context.Context, id string) (*Negotiation, error)
	Update(ctx context.Context, n *Negotiation, expect Status, expectRounds int) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Negotiation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Negotiation, error)
}
