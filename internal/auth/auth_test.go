package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestRegister_AgentStartsPending(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	raw, ident, err := m.Register(ctx, Registration{Role: RoleAgent, Name: "buyer-bot"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "ak_"))
	assert.Len(t, raw, 67)
	assert.True(t, strings.HasPrefix(ident.ID, "agt_"))
	assert.Equal(t, StatusPendingApproval, ident.Status)
	assert.NotEqual(t, raw, ident.KeyHash)

	_, err = m.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrPendingApproval)

	_, err = m.SetStatus(ctx, ident.ID, StatusActive)
	require.NoError(t, err)

	got, err := m.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, ident.ID, got.ID)
	assert.Equal(t, RoleAgent, got.Role)
}

func TestRegister_AutoApprove(t *testing.T) {
	m := NewManager(NewMemoryStore()).WithAutoApproveAgents(true)
	ctx := context.Background()

	_, agent, err := m.Register(ctx, Registration{Role: RoleAgent, Name: "a"})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, agent.Status)

	// Sellers still need an administrator.
	raw, seller, err := m.Register(ctx, Registration{Role: RoleSeller, Name: "s"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "sk_"))
	assert.Equal(t, StatusPendingApproval, seller.Status)
}

func TestAuthenticate_Errors(t *testing.T) {
	m := NewManager(NewMemoryStore()).WithAutoApproveAgents(true)
	ctx := context.Background()

	_, err := m.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNoCredential)

	_, err = m.Authenticate(ctx, "ak_doesnotexist")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	raw, ident, err := m.Register(ctx, Registration{Role: RoleAgent, Name: "a"})
	require.NoError(t, err)

	_, err = m.Revoke(ctx, ident.ID)
	require.NoError(t, err)
	_, err = m.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrRevoked)

	// Revocation is final.
	_, err = m.SetStatus(ctx, ident.ID, StatusActive)
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestImport_UsesGivenKey(t *testing.T) {
	m := NewManager(NewMemoryStore())
	ctx := context.Background()

	err := m.Import(ctx, &Identity{ID: "sel_ww", Role: RoleSeller, Name: "Wood Works", TrustScore: 4.7}, "sk_demo_woodworks")
	require.NoError(t, err)

	got, err := m.Authenticate(ctx, "sk_demo_woodworks")
	require.NoError(t, err)
	assert.Equal(t, "sel_ww", got.ID)
	assert.Equal(t, 4.7, got.TrustScore)

	err = m.Import(ctx, &Identity{ID: "sel_ww", Role: RoleSeller}, "sk_other")
	assert.ErrorIs(t, err, ErrDuplicate)
}

func TestCredentialFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	assert.Equal(t, "", CredentialFromRequest(r))

	r.Header.Set(HeaderAgentKey, "ak_x")
	assert.Equal(t, "ak_x", CredentialFromRequest(r))

	r.Header.Set("Authorization", "Bearer ak_y")
	assert.Equal(t, "ak_y", CredentialFromRequest(r))

	r.Header.Set("Authorization", "Basic Zm9v")
	assert.Equal(t, "ak_x", CredentialFromRequest(r))
}

func TestHandlers_RegisterAndMe(t *testing.T) {
	m := NewManager(NewMemoryStore()).WithAutoApproveAgents(true)
	router := gin.New()
	NewHandler(m).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/agents", strings.NewReader(`{"name":"buyer"}`)))
	require.Equal(t, http.StatusCreated, w.Code)

	var resp struct {
		ID     string `json:"id"`
		APIKey string `json:"apiKey"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ACTIVE", resp.Status)

	req := httptest.NewRequest(http.MethodGet, "/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+resp.APIKey)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.ID)
	assert.NotContains(t, w.Body.String(), "keyHash")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/sellers", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
