package token

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/tenant"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// SafetyBuffer is how long before expiry a token is treated as expired.
const SafetyBuffer = 5 * time.Minute

// CredentialStore is the persistence the Manager needs.
type CredentialStore interface {
	Load(ctx context.Context, tenantID string) (*models.Credential, error)
	Save(ctx context.Context, cred *models.Credential) error
	Clear(ctx context.Context, tenantID string) error
}

// Owner is the authenticated principal the tenant acts as.
type Owner struct {
	ObjectID string `json:"object_id"`
	Email    string `json:"email"`
}

// Status describes the stored authorization.
type Status struct {
	Authenticated bool       `json:"authenticated"`
	Refreshable   bool       `json:"refreshable"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Owner         Owner      `json:"owner"`
	Message       string     `json:"message"`
}

// Manager owns the tenant's token lifecycle: it hands out valid access tokens
// and refreshes them with at most one refresh in flight.
type Manager struct {
	tenant     *tenant.Context
	store      CredentialStore
	oauth      *oauth2.Config
	httpClient *http.Client

	mu     sync.RWMutex
	cred   models.Credential
	loaded bool

	flightMu sync.Mutex
	flight   *refreshCall
}

type refreshCall struct {
	done   chan struct{}
	forced bool
	token  string
	err    error
}

// NewManager creates a token manager. httpClient is used for token endpoint
// calls; nil means http.DefaultClient.
func NewManager(tc *tenant.Context, store CredentialStore, oauthConfig *oauth2.Config, httpClient *http.Client) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		tenant:     tc,
		store:      store,
		oauth:      oauthConfig,
		httpClient: httpClient,
	}
}

// GetValidToken returns an access token valid for at least SafetyBuffer,
// refreshing first when needed.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	if tok, ok := m.cachedToken(); ok {
		return tok, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh exchanges the stored refresh token regardless of expiry.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, true)
}

// Owner returns the principal recorded with the credential.
func (m *Manager) Owner(ctx context.Context) (Owner, error) {
	m.mu.RLock()
	if m.loaded {
		owner := Owner{ObjectID: m.cred.OwnerObjectID, Email: m.cred.OwnerEmail}
		m.mu.RUnlock()
		return owner, nil
	}
	m.mu.RUnlock()

	cred, err := m.load(ctx)
	if err != nil {
		return Owner{}, err
	}
	return Owner{ObjectID: cred.OwnerObjectID, Email: cred.OwnerEmail}, nil
}

// Store persists a freshly authorized token and its owner.
func (m *Manager) Store(ctx context.Context, tok *oauth2.Token, owner Owner, scopes []string) error {
	if tok == nil || tok.AccessToken == "" {
		return domain.New(domain.KindValidation, "token.store", "authorization returned no access token")
	}
	expiry := tok.Expiry
	if expiry.IsZero() {
		expiry = m.tenant.Now().Add(time.Hour)
	}
	expiry = expiry.UTC()

	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	cred := models.Credential{
		TenantID:      m.tenant.ID,
		AccessToken:   tok.AccessToken,
		RefreshToken:  tok.RefreshToken,
		ExpiresAt:     &expiry,
		OwnerObjectID: owner.ObjectID,
		OwnerEmail:    strings.ToLower(owner.Email),
		Scopes:        strings.Join(scopes, " "),
	}
	if err := m.store.Save(ctx, &cred); err != nil {
		return err
	}
	m.setCredential(cred)

	log.WithFields(log.Fields{
		"tenant":  m.tenant.ID,
		"owner":   cred.OwnerEmail,
		"expires": expiry.Format(time.RFC3339),
	}).Info("✅ Stored Microsoft authorization")
	return nil
}

// SetOwner records the principal after the fact, e.g. from a /me lookup.
func (m *Manager) SetOwner(ctx context.Context, owner Owner) error {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	cred, err := m.load(ctx)
	if err != nil {
		return err
	}
	next := *cred
	next.OwnerObjectID = owner.ObjectID
	next.OwnerEmail = strings.ToLower(owner.Email)
	if err := m.store.Save(ctx, &next); err != nil {
		return err
	}
	m.setCredential(next)
	return nil
}

// Status reports whether a usable credential exists.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	cred, err := m.load(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Owner:       Owner{ObjectID: cred.OwnerObjectID, Email: cred.OwnerEmail},
		ExpiresAt:   cred.ExpiresAt,
		Refreshable: cred.HasRefreshToken(),
	}
	now := m.tenant.Now()
	switch {
	case cred.ValidAt(now.Add(SafetyBuffer)):
		st.Authenticated = true
		st.Message = "Authenticated with Microsoft Teams"
	case cred.HasRefreshToken():
		st.Authenticated = true
		st.Message = "Access token expired; it will be refreshed on next use"
	default:
		st.Message = "Not authenticated. Authorize the application to connect to Microsoft Teams"
	}
	return st, nil
}

// Revoke forgets the stored tokens. The next call requires re-authorization.
func (m *Manager) Revoke(ctx context.Context) error {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()

	if err := m.store.Clear(ctx, m.tenant.ID); err != nil {
		return err
	}
	m.clearCached()
	log.WithField("tenant", m.tenant.ID).Info("🔒 Microsoft authorization revoked")
	return nil
}

// StartRefreshLoop refreshes the token ahead of expiry until ctx is done.
func (m *Manager) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshIfExpiring(ctx, interval+SafetyBuffer)
			}
		}
	}()
	log.WithField("interval", interval).Info("🔄 Token refresh loop started")
}

func (m *Manager) refreshIfExpiring(ctx context.Context, within time.Duration) {
	cred, err := m.load(ctx)
	if err != nil || !cred.HasRefreshToken() || cred.ValidAt(m.tenant.Now().Add(within)) {
		return
	}
	if _, err := m.ForceRefresh(ctx); err != nil {
		log.WithError(err).Warn("⏳ Background token refresh failed")
	}
}

func (m *Manager) cachedToken() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.loaded {
		return "", false
	}
	if m.cred.ValidAt(m.tenant.Now().Add(SafetyBuffer)) {
		return m.cred.AccessToken, true
	}
	return "", false
}

// refresh joins the in-flight refresh or becomes its leader. A forced caller
// that joined a non-forced flight starts its own afterwards, since the
// leader may have returned the very token that was just rejected.
func (m *Manager) refresh(ctx context.Context, force bool) (string, error) {
	for {
		m.flightMu.Lock()
		if call := m.flight; call != nil {
			m.flightMu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return "", domain.Wrap(domain.KindTransient, "token.refresh", ctx.Err())
			}
			if force && !call.forced {
				continue
			}
			return call.token, call.err
		}

		call := &refreshCall{done: make(chan struct{}), forced: force}
		m.flight = call
		m.flightMu.Unlock()

		call.token, call.err = m.doRefresh(ctx, force)

		m.flightMu.Lock()
		m.flight = nil
		m.flightMu.Unlock()
		close(call.done)

		return call.token, call.err
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool) (string, error) {
	cred, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if !force && cred.ValidAt(m.tenant.Now().Add(SafetyBuffer)) {
		return cred.AccessToken, nil
	}
	if !cred.HasRefreshToken() {
		return "", domain.New(domain.KindAuthExpired, "token.refresh", "no refresh token stored; re-authorization required")
	}

	refreshCtx := context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	src := m.oauth.TokenSource(refreshCtx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	newToken, err := src.Token()
	if err != nil {
		if isPermanentRefreshError(err) {
			log.WithFields(log.Fields{"tenant": m.tenant.ID, "owner": cred.OwnerEmail}).
				WithError(err).Error("🔒 Refresh token rejected; clearing credential")
			if clearErr := m.store.Clear(ctx, m.tenant.ID); clearErr != nil {
				log.WithError(clearErr).Warn("⚠️ Failed to clear rejected credential")
			}
			m.clearCached()
			return "", &domain.Error{Kind: domain.KindAuthExpired, Op: "token.refresh", Msg: "refresh token rejected; re-authorization required", Err: err}
		}
		log.WithField("tenant", m.tenant.ID).WithError(err).Warn("⏳ Transient token refresh failure")
		return "", domain.Wrap(domain.KindTransient, "token.refresh", err)
	}

	expiry := newToken.Expiry
	if expiry.IsZero() {
		expiry = m.tenant.Now().Add(time.Hour)
	}
	expiry = expiry.UTC()

	next := *cred
	next.AccessToken = newToken.AccessToken
	next.ExpiresAt = &expiry
	// Persist rotated refresh token if provided
	if newToken.RefreshToken != "" && newToken.RefreshToken != cred.RefreshToken {
		log.WithField("tenant", m.tenant.ID).Info("🔄 Rotating refresh token")
		next.RefreshToken = newToken.RefreshToken
	}
	if err := m.store.Save(ctx, &next); err != nil {
		return "", domain.Wrap(domain.KindTransient, "token.refresh", err)
	}
	m.setCredential(next)

	log.WithFields(log.Fields{
		"tenant":  m.tenant.ID,
		"token":   maskToken(next.AccessToken),
		"expires": expiry.Format(time.RFC3339),
	}).Info("✅ Refreshed Microsoft access token")
	return next.AccessToken, nil
}

// load returns the credential snapshot, reading the store on first use.
func (m *Manager) load(ctx context.Context) (*models.Credential, error) {
	m.mu.RLock()
	if m.loaded {
		cred := m.cred
		m.mu.RUnlock()
		return &cred, nil
	}
	m.mu.RUnlock()

	cred, err := m.store.Load(ctx, m.tenant.ID)
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "token.load", err)
	}
	if cred == nil {
		cred = &models.Credential{TenantID: m.tenant.ID}
	}
	m.setCredential(*cred)
	return cred, nil
}

func (m *Manager) setCredential(cred models.Credential) {
	m.mu.Lock()
	m.cred = cred
	m.loaded = true
	m.mu.Unlock()
}

func (m *Manager) clearCached() {
	m.mu.Lock()
	m.cred.AccessToken = ""
	m.cred.RefreshToken = ""
	m.cred.ExpiresAt = nil
	m.loaded = true
	m.mu.Unlock()
}

func maskToken(t string) string {
	if len(t) < 20 {
		return "***"
	}
	return "..." + t[len(t)-6:]
}

var permanentErrorCodes = map[string]bool{
	"invalid_grant":        true,
	"invalid_client":       true,
	"unauthorized_client":  true,
	"interaction_required": true,
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && permanentErrorCodes[re.ErrorCode] {
		return true
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"interaction_required",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
