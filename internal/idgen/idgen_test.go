package idgen

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderID_EmbedsCreationTime(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := OrderID()
	require.True(t, strings.HasPrefix(id, "ord_"))

	parsed, err := ulid.Parse(strings.TrimPrefix(id, "ord_"))
	require.NoError(t, err)
	ts := ulid.Time(parsed.Time())
	assert.True(t, ts.After(before), "timestamp %v should be after %v", ts, before)
}

func TestOrderID_Unique(t *testing.T) {
	seen := make(map[string]bool, 1000)
	for i := 0; i < 1000; i++ {
		id := OrderID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("agt_")
	assert.True(t, strings.HasPrefix(id, "agt_"))
	assert.Len(t, id, len("agt_")+24)
}
