package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentgate/internal/testutil"
)

func TestPostgresStore_Lifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	m := NewManager(NewPostgresStore(db))

	raw, ident, err := m.Register(ctx, Registration{Role: RoleSeller, Name: "Wood Works", TrustScore: 4.5})
	require.NoError(t, err)

	_, err = m.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrPendingApproval)

	updated, err := m.SetStatus(ctx, ident.ID, StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, updated.Status)

	got, err := m.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, 4.5, got.TrustScore)

	list, err := m.List(ctx, RoleSeller, StatusActive, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = m.Get(ctx, "sel_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
