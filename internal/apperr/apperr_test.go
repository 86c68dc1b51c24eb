package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errNoFunds = New(InsufficientFunds, "insufficient funds")

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("debit agt_1: %w", errNoFunds)

	assert.Equal(t, InsufficientFunds, CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, errNoFunds))
	assert.True(t, IsBusiness(wrapped))

	plain := errors.New("connection reset")
	assert.Equal(t, Internal, CodeOf(plain))
	assert.False(t, IsBusiness(plain))
}

func TestWithDetails(t *testing.T) {
	err := WithDetails(fmt.Errorf("create order: %w", New(GatewayUnavailable, "payment gateway unavailable")),
		map[string]any{"orderId": "ord_1"})

	assert.Equal(t, GatewayUnavailable, CodeOf(err))
	assert.Equal(t, "ord_1", DetailsOf(err)["orderId"])
	assert.Contains(t, err.Error(), "payment gateway unavailable")
	assert.Nil(t, DetailsOf(errNoFunds))
}
