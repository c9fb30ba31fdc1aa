package microsoft

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pysugar/teams-sync/internal/auth/token"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// StateTTL bounds how long a login link stays usable.
const StateTTL = 10 * time.Minute

// TokenSink persists a completed authorization.
type TokenSink interface {
	Store(ctx context.Context, tok *oauth2.Token, owner token.Owner, scopes []string) error
}

// IdentitySink caches the principal's own email mapping.
type IdentitySink interface {
	Remember(ctx context.Context, email, objectID, displayName string) error
}

// FlowOptions tune a Flow.
type FlowOptions struct {
	// GraphBaseURL is used to read /me when the id_token lacks owner claims.
	GraphBaseURL string
	HTTPClient   *http.Client
}

// Flow runs the authorization-code flow. Issued states are single use.
type Flow struct {
	config     *oauth2.Config
	tokens     TokenSink
	identities IdentitySink
	graphBase  string
	httpClient *http.Client
	now        func() time.Time

	mu     sync.Mutex
	states map[string]time.Time
}

// Principal is the identity that completed the flow.
type Principal struct {
	ObjectID    string `json:"object_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// NewFlow creates a flow. identities may be nil.
func NewFlow(cfg *oauth2.Config, tokens TokenSink, identities IdentitySink, opts FlowOptions) *Flow {
	if opts.GraphBaseURL == "" {
		opts.GraphBaseURL = graph.DefaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Flow{
		config:     cfg,
		tokens:     tokens,
		identities: identities,
		graphBase:  strings.TrimRight(opts.GraphBaseURL, "/"),
		httpClient: opts.HTTPClient,
		now:        time.Now,
		states:     map[string]time.Time{},
	}
}

// LoginURL issues a fresh state and returns the consent URL.
func (f *Flow) LoginURL() string {
	state := uuid.NewString()

	f.mu.Lock()
	now := f.now()
	for s, exp := range f.states {
		if now.After(exp) {
			delete(f.states, s)
		}
	}
	f.states[state] = now.Add(StateTTL)
	f.mu.Unlock()

	return f.config.AuthCodeURL(state, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// consumeState reports whether state was issued and unexpired, and retires it.
func (f *Flow) consumeState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	exp, ok := f.states[state]
	if !ok {
		return false
	}
	delete(f.states, state)
	return !f.now().After(exp)
}

// Complete exchanges an authorization code and stores the resulting tokens.
func (f *Flow) Complete(ctx context.Context, code, state string) (*Principal, error) {
	if !f.consumeState(state) {
		return nil, domain.New(domain.KindValidation, "oauth.callback", "invalid or expired state")
	}
	if strings.TrimSpace(code) == "" {
		return nil, domain.New(domain.KindValidation, "oauth.callback", "missing authorization code")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	tok, err := f.config.Exchange(ctx, code)
	if err != nil {
		return nil, domain.Wrap(domain.KindAuthExpired, "oauth.exchange", err)
	}
	if tok.RefreshToken == "" {
		log.Warn("⚠️ Authorization returned no refresh token; offline_access may be missing")
	}

	principal := principalFromIDToken(tok)
	if principal.ObjectID == "" || principal.Email == "" {
		me, err := f.readMe(ctx, tok)
		if err != nil {
			return nil, err
		}
		if principal.ObjectID == "" {
			principal.ObjectID = me.ID
		}
		if principal.Email == "" {
			principal.Email = strings.ToLower(me.Email())
		}
		if principal.DisplayName == "" {
			principal.DisplayName = me.DisplayName
		}
	}

	owner := token.Owner{ObjectID: principal.ObjectID, Email: principal.Email}
	if err := f.tokens.Store(ctx, tok, owner, grantedScopes(tok, f.config.Scopes)); err != nil {
		return nil, err
	}
	if f.identities != nil && principal.Email != "" && principal.ObjectID != "" {
		if err := f.identities.Remember(ctx, principal.Email, principal.ObjectID, principal.DisplayName); err != nil {
			log.WithError(err).Warn("⚠️ Failed to cache principal identity")
		}
	}

	log.WithFields(log.Fields{"email": principal.Email, "object_id": principal.ObjectID}).Info("✅ Microsoft authorization completed")
	return principal, nil
}

func (f *Flow) readMe(ctx context.Context, tok *oauth2.Token) (*graph.User, error) {
	client := f.config.Client(ctx, tok)
	resp, err := client.Get(f.graphBase + "/me?$select=id,displayName,mail,userPrincipalName")
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "oauth.me", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.Wrap(domain.KindTransient, "oauth.me", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.Error{Kind: domain.KindProvider, Op: "oauth.me", Status: resp.StatusCode, Msg: "could not read the signed-in user"}
	}
	var me graph.User
	if err := json.Unmarshal(body, &me); err != nil {
		return nil, domain.Wrap(domain.KindProvider, "oauth.me", err)
	}
	return &me, nil
}

// principalFromIDToken reads owner claims from the id_token. The token came
// straight from the token endpoint over TLS, so its signature is not checked.
func principalFromIDToken(tok *oauth2.Token) *Principal {
	p := &Principal{}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return p
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		log.WithError(err).Debug("Unreadable id_token")
		return p
	}
	str := func(name string) string {
		s, _ := claims[name].(string)
		return strings.TrimSpace(s)
	}
	p.ObjectID = str("oid")
	p.TenantID = str("tid")
	p.DisplayName = str("name")
	for _, c := range []string{"preferred_username", "email", "upn"} {
		if v := str(c); strings.Contains(v, "@") {
			p.Email = strings.ToLower(v)
			break
		}
	}
	return p
}

func grantedScopes(tok *oauth2.Token, requested []string) []string {
	if s, ok := tok.Extra("scope").(string); ok && strings.TrimSpace(s) != "" {
		return strings.Fields(s)
	}
	return requested
}
