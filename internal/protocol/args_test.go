package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/apperr"
)

func TestArgsInt64(t *testing.T) {
	cases := []struct {
		in   any
		want int64
		ok   bool
	}{
		{json.Number("10"), 10, true},
		{json.Number("10.0"), 10, true},
		{float64(3), 3, true},
		{"42", 42, true},
		{nil, 0, false},
	}
	for _, tc := range cases {
		n, ok, err := Args{"n": tc.in}.Int64("n")
		require.NoError(t, err, "%v", tc.in)
		assert.Equal(t, tc.ok, ok)
		assert.Equal(t, tc.want, n)
	}

	for _, bad := range []any{json.Number("2.5"), "ten", true, []any{1}} {
		_, _, err := Args{"n": bad}.Int64("n")
		assert.Equal(t, apperr.InvalidArgument, apperr.CodeOf(err), "%v", bad)
	}
}

func TestArgsPositiveInt(t *testing.T) {
	n, err := Args{"quantity": json.Number("7")}.PositiveInt("quantity")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, bad := range []any{json.Number("0"), json.Number("-1"), json.Number("99999999999")} {
		_, err := Args{"quantity": bad}.PositiveInt("quantity")
		assert.Error(t, err, "%v", bad)
	}
	_, err = Args{}.PositiveInt("quantity")
	assert.Error(t, err)
}

func TestArgsMissing(t *testing.T) {
	args := Args{"sku": "WW-001", "blank": "  ", "nil": nil, "qty": json.Number("1")}
	assert.Equal(t, []string{"blank", "nil", "absent"}, args.missing([]string{"sku", "blank", "nil", "qty", "absent"}))
}

func TestArgsStringAndBool(t *testing.T) {
	s, err := Args{"s": "  x "}.String("s")
	require.NoError(t, err)
	assert.Equal(t, "x", s)

	_, err = Args{"s": json.Number("1")}.String("s")
	assert.Error(t, err)

	b, err := Args{"b": "true"}.Bool("b")
	require.NoError(t, err)
	assert.True(t, b)
}
