package token

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/teams-sync/internal/db/dbtest"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type tokenEndpoint struct {
	hits   atomic.Int32
	delay  time.Duration
	status int
	body   string
}

func (e *tokenEndpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := e.hits.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	w.Header().Set("Content-Type", "application/json")
	if e.status != 0 {
		w.WriteHeader(e.status)
		_, _ = w.Write([]byte(e.body))
		return
	}
	_, _ = fmt.Fprintf(w, `{"access_token":"access-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":3600}`, n, n)
}

func newTestManager(t *testing.T, endpoint http.Handler, cred *models.Credential) (*Manager, *Store) {
	t.Helper()
	srv := httptest.NewServer(endpoint)
	t.Cleanup(srv.Close)

	tc, err := tenant.New("tenant-1", time.UTC)
	require.NoError(t, err)

	store := NewStore(dbtest.Open(t))
	if cred != nil {
		require.NoError(t, store.Save(context.Background(), cred))
	}

	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL + "/token", AuthStyle: oauth2.AuthStyleInParams},
	}
	return NewManager(tc, store, cfg, srv.Client()), store
}

func credentialExpiringIn(d time.Duration) *models.Credential {
	exp := time.Now().UTC().Add(d)
	return &models.Credential{
		TenantID:      "tenant-1",
		AccessToken:   "stored-access",
		RefreshToken:  "stored-refresh",
		ExpiresAt:     &exp,
		OwnerObjectID: "owner-oid",
		OwnerEmail:    "owner@example.com",
	}
}

func TestGetValidToken_FreshTokenSkipsRefresh(t *testing.T) {
	endpoint := &tokenEndpoint{}
	mgr, _ := newTestManager(t, endpoint, credentialExpiringIn(time.Hour))

	tok, err := mgr.GetValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored-access", tok)
	assert.Equal(t, int32(0), endpoint.hits.Load())
}

func TestGetValidToken_RefreshesInsideSafetyWindow(t *testing.T) {
	tests := []struct {
		name      string
		expiresIn time.Duration
	}{
		{name: "within five minutes", expiresIn: 4 * time.Minute},
		{name: "already expired", expiresIn: -time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint := &tokenEndpoint{}
			mgr, store := newTestManager(t, endpoint, credentialExpiringIn(tt.expiresIn))

			tok, err := mgr.GetValidToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "access-1", tok)
			assert.Equal(t, int32(1), endpoint.hits.Load())

			saved, err := store.Load(context.Background(), "tenant-1")
			require.NoError(t, err)
			assert.Equal(t, "access-1", saved.AccessToken)
			assert.Equal(t, "refresh-1", saved.RefreshToken, "rotated refresh token must be persisted")
			require.NotNil(t, saved.ExpiresAt)
			assert.True(t, saved.ExpiresAt.After(time.Now().Add(50*time.Minute)))
			assert.Equal(t, "owner@example.com", saved.OwnerEmail)

			// Second call is served from the snapshot.
			tok, err = mgr.GetValidToken(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "access-1", tok)
			assert.Equal(t, int32(1), endpoint.hits.Load())
		})
	}
}

func TestGetValidToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	endpoint := &tokenEndpoint{delay: 100 * time.Millisecond}
	mgr, _ := newTestManager(t, endpoint, credentialExpiringIn(time.Minute))

	const callers = 25
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = mgr.GetValidToken(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), endpoint.hits.Load(), "exactly one refresh request")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "access-1", tokens[i])
	}
}

func TestGetValidToken_InvalidGrantClearsCredential(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusBadRequest, body: `{"error":"invalid_grant","error_description":"AADSTS70008: The refresh token has expired"}`}
	mgr, store := newTestManager(t, endpoint, credentialExpiringIn(-time.Minute))

	_, err := mgr.GetValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrAuthExpired))

	saved, err := store.Load(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, saved.AccessToken)
	assert.Empty(t, saved.RefreshToken)
	assert.Nil(t, saved.ExpiresAt)

	// No further network attempts once the credential is gone.
	_, err = mgr.GetValidToken(context.Background())
	assert.True(t, errors.Is(err, domain.ErrAuthExpired))
	assert.Equal(t, int32(1), endpoint.hits.Load())
}

func TestGetValidToken_ServerErrorIsTransient(t *testing.T) {
	endpoint := &tokenEndpoint{status: http.StatusServiceUnavailable, body: `{"error":"temporarily_unavailable"}`}
	mgr, store := newTestManager(t, endpoint, credentialExpiringIn(-time.Minute))

	_, err := mgr.GetValidToken(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrTransient))

	saved, err := store.Load(context.Background(), "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "stored-refresh", saved.RefreshToken, "transient failures leave the credential intact")
}

func TestGetValidToken_NoCredential(t *testing.T) {
	endpoint := &tokenEndpoint{}
	mgr, _ := newTestManager(t, endpoint, nil)

	_, err := mgr.GetValidToken(context.Background())
	assert.True(t, errors.Is(err, domain.ErrAuthExpired))
	assert.Equal(t, int32(0), endpoint.hits.Load())
}

func TestForceRefresh_IgnoresValidToken(t *testing.T) {
	endpoint := &tokenEndpoint{}
	mgr, _ := newTestManager(t, endpoint, credentialExpiringIn(time.Hour))

	tok, err := mgr.ForceRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", tok)
	assert.Equal(t, int32(1), endpoint.hits.Load())
}

func TestStoreStatusRevoke(t *testing.T) {
	mgr, store := newTestManager(t, &tokenEndpoint{}, nil)
	ctx := context.Background()

	st, err := mgr.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)

	err = mgr.Store(ctx, &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)},
		Owner{ObjectID: "oid", Email: "Owner@Example.com"}, []string{"offline_access", "User.Read"})
	require.NoError(t, err)

	st, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Authenticated)
	assert.Equal(t, "owner@example.com", st.Owner.Email)

	owner, err := mgr.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, "oid", owner.ObjectID)

	require.NoError(t, mgr.Revoke(ctx))
	st, err = mgr.Status(ctx)
	require.NoError(t, err)
	assert.False(t, st.Authenticated)

	saved, err := store.Load(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Empty(t, saved.RefreshToken)
	assert.Equal(t, "owner@example.com", saved.OwnerEmail)
}

func TestStore_RejectsEmptyToken(t *testing.T) {
	mgr, _ := newTestManager(t, &tokenEndpoint{}, nil)
	err := mgr.Store(context.Background(), &oauth2.Token{}, Owner{}, nil)
	assert.True(t, errors.Is(err, domain.ErrValidation))
}

func TestIsPermanentRefreshError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		permanent bool
	}{
		{name: "retrieve error invalid_grant", err: &oauth2.RetrieveError{ErrorCode: "invalid_grant"}, permanent: true},
		{name: "retrieve error interaction_required", err: &oauth2.RetrieveError{ErrorCode: "interaction_required"}, permanent: true},
		{name: "invalid grant text", err: assertErr("oauth2: cannot fetch token: 400 Bad Request {\"error\":\"invalid_grant\"}"), permanent: true},
		{name: "revoked", err: assertErr("token has been expired or revoked"), permanent: true},
		{name: "timeout", err: assertErr("context deadline exceeded"), permanent: false},
		{name: "temporary", err: &oauth2.RetrieveError{ErrorCode: "temporarily_unavailable"}, permanent: false},
		{name: "nil", err: nil, permanent: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := isPermanentRefreshError(tt.err)
			if got != tt.permanent {
				t.Fatalf("expected %v, got %v", tt.permanent, got)
			}
		})
	}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
