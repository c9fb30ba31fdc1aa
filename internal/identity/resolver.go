// Package identity maps participant emails to Azure AD object ids and caches
// the result.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/pysugar/teams-sync/internal/workpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const userSelect = "$select=id,displayName,mail,userPrincipalName"

// Graph is the subset of the Graph client the resolver uses.
type Graph interface {
	CallJSON(ctx context.Context, method, path string, in, out any) error
	Batch(ctx context.Context, requests []graph.BatchRequest) (map[string]graph.BatchResponse, error)
}

// ParticipantSource enumerates every participant email known locally.
type ParticipantSource interface {
	ParticipantEmails(ctx context.Context) ([]string, error)
}

// Resolver resolves emails to remote object ids.
type Resolver struct {
	tenant       *tenant.Context
	db           *gorm.DB
	graph        Graph
	participants ParticipantSource
	concurrency  int
}

// NewResolver creates a resolver. participants may be nil when ReconcileAll
// is not used.
func NewResolver(tc *tenant.Context, db *gorm.DB, g Graph, participants ParticipantSource, concurrency int) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{tenant: tc, db: db, graph: g, participants: participants, concurrency: concurrency}
}

// BulkResult reports per-email outcomes of BulkResolve.
type BulkResult struct {
	// Resolved maps lower-cased email to object id.
	Resolved map[string]string
	// Failed maps lower-cased email to the reason it could not be resolved.
	Failed map[string]error
}

// Omitted lists the failed emails in sorted order.
func (r *BulkResult) Omitted() []string {
	out := make([]string, 0, len(r.Failed))
	for email := range r.Failed {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// FailureReasons renders Failed as email -> user-facing reason.
func (r *BulkResult) FailureReasons() map[string]string {
	out := make(map[string]string, len(r.Failed))
	for email, err := range r.Failed {
		out[email] = domain.UserMessage(err)
	}
	return out
}

// Summary is the outcome of ReconcileAll.
type Summary struct {
	Total    int               `json:"total"`
	Resolved int               `json:"resolved"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures,omitempty"`
}

// Normalize trims, NFC-normalizes and lower-cases an email, rejecting
// malformed values.
func Normalize(email string) (string, error) {
	e := strings.ToLower(norm.NFC.String(strings.TrimSpace(email)))
	at := strings.Index(e, "@")
	if at <= 0 || at == len(e)-1 || strings.ContainsAny(e, " \t/?#") {
		return "", domain.New(domain.KindValidation, "identity.normalize", "invalid email %q", email)
	}
	return e, nil
}

// Resolve returns the object id for email, consulting the cache first.
func (r *Resolver) Resolve(ctx context.Context, email string) (string, error) {
	email, err := Normalize(email)
	if err != nil {
		return "", err
	}

	var m models.IdentityMapping
	err = r.db.WithContext(ctx).Where("email = ?", email).First(&m).Error
	if err == nil && m.Resolved() {
		return m.RemoteObjectID, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("read identity mapping: %w", err)
	}

	var u graph.User
	if err := r.graph.CallJSON(ctx, http.MethodGet, userPath(email), nil, &u); err != nil {
		r.recordFailure(ctx, email, err)
		return "", err
	}
	if u.ID == "" {
		err := domain.New(domain.KindProvider, "identity.resolve", "user lookup for %s returned no id", email)
		r.recordFailure(ctx, email, err)
		return "", err
	}
	if err := r.Remember(ctx, email, u.ID, u.DisplayName); err != nil {
		return "", err
	}
	return u.ID, nil
}

// BulkResolve resolves many emails. Cache hits are served locally; misses are
// looked up with $batch calls processed by a bounded worker pool. Individual
// failures are reported in the result; a rate-limit aborts and is returned
// together with the partial result.
func (r *Resolver) BulkResolve(ctx context.Context, emails []string) (*BulkResult, error) {
	result := &BulkResult{Resolved: map[string]string{}, Failed: map[string]error{}}

	var wanted []string
	seen := map[string]bool{}
	for _, raw := range emails {
		email, err := Normalize(raw)
		if err != nil {
			key := strings.ToLower(strings.TrimSpace(raw))
			if key != "" {
				result.Failed[key] = err
			}
			continue
		}
		if !seen[email] {
			seen[email] = true
			wanted = append(wanted, email)
		}
	}
	if len(wanted) == 0 {
		return result, nil
	}

	var cached []models.IdentityMapping
	if err := r.db.WithContext(ctx).
		Where("email IN ? AND remote_object_id <> ''", wanted).
		Find(&cached).Error; err != nil {
		return result, fmt.Errorf("read identity mappings: %w", err)
	}
	for _, m := range cached {
		result.Resolved[m.Email] = m.RemoteObjectID
	}

	var misses []string
	for _, email := range wanted {
		if _, ok := result.Resolved[email]; !ok {
			misses = append(misses, email)
		}
	}
	if len(misses) == 0 {
		return result, nil
	}

	var chunks [][]string
	for start := 0; start < len(misses); start += graph.MaxBatchSize {
		end := min(start+graph.MaxBatchSize, len(misses))
		chunks = append(chunks, misses[start:end])
	}

	var mu sync.Mutex
	outcomes := workpool.Run(ctx, r.concurrency, chunks, func(ctx context.Context, chunk []string) error {
		resolved, failed, err := r.resolveChunk(ctx, chunk)
		mu.Lock()
		defer mu.Unlock()
		for email, id := range resolved {
			result.Resolved[email] = id
		}
		for email, ferr := range failed {
			result.Failed[email] = ferr
		}
		return err
	}, haltsBatch)

	var firstErr error
	for _, o := range outcomes {
		if o.Err != nil && firstErr == nil {
			firstErr = o.Err
		}
	}
	for i, o := range outcomes {
		if !o.Skipped {
			continue
		}
		kind := domain.KindOf(firstErr)
		if kind == "" {
			kind = domain.KindTransient
		}
		for _, email := range chunks[i] {
			result.Failed[email] = domain.New(kind, "identity.bulk", "not attempted after an earlier batch failed")
		}
	}

	logging.FromContext(ctx).WithFields(log.Fields{
		"requested": len(wanted),
		"cached":    len(cached),
		"resolved":  len(result.Resolved),
		"failed":    len(result.Failed),
	}).Debug("Bulk identity resolution finished")
	return result, firstErr
}

func (r *Resolver) resolveChunk(ctx context.Context, chunk []string) (map[string]string, map[string]error, error) {
	resolved := map[string]string{}
	failed := map[string]error{}

	requests := make([]graph.BatchRequest, len(chunk))
	for i, email := range chunk {
		requests[i] = graph.BatchRequest{ID: strconv.Itoa(i), Method: http.MethodGet, URL: userPath(email)}
	}

	responses, err := r.graph.Batch(ctx, requests)
	if err != nil {
		for _, email := range chunk {
			failed[email] = err
		}
		if haltsBatch(err) {
			return resolved, failed, err
		}
		return resolved, failed, nil
	}

	var throttled error
	for i, email := range chunk {
		resp, ok := responses[strconv.Itoa(i)]
		if !ok {
			failed[email] = domain.New(domain.KindProvider, "identity.bulk", "no batch response for %s", email)
			continue
		}
		if itemErr := resp.Err(); itemErr != nil {
			failed[email] = itemErr
			r.recordFailure(ctx, email, itemErr)
			if graph.IsRateLimited(itemErr) && throttled == nil {
				throttled = itemErr
			}
			continue
		}
		var u graph.User
		if err := (&graph.Response{Body: resp.Body}).Decode(&u); err != nil || u.ID == "" {
			failed[email] = domain.New(domain.KindProvider, "identity.bulk", "unreadable user record for %s", email)
			continue
		}
		if err := r.Remember(ctx, email, u.ID, u.DisplayName); err != nil {
			failed[email] = err
			continue
		}
		resolved[email] = u.ID
	}
	return resolved, failed, throttled
}

// ReconcileAll resolves every locally known participant that lacks a
// mapping. Individual failures never abort the pass.
func (r *Resolver) ReconcileAll(ctx context.Context) (*Summary, error) {
	candidates := map[string]bool{}
	if r.participants != nil {
		emails, err := r.participants.ParticipantEmails(ctx)
		if err != nil {
			return nil, fmt.Errorf("enumerate participants: %w", err)
		}
		for _, e := range emails {
			candidates[strings.ToLower(e)] = true
		}
	}

	var unresolved []string
	if err := r.db.WithContext(ctx).Model(&models.IdentityMapping{}).
		Where("remote_object_id = ''").
		Pluck("email", &unresolved).Error; err != nil {
		return nil, fmt.Errorf("list unresolved mappings: %w", err)
	}
	for _, e := range unresolved {
		candidates[e] = true
	}

	var known []string
	if err := r.db.WithContext(ctx).Model(&models.IdentityMapping{}).
		Where("remote_object_id <> ''").
		Pluck("email", &known).Error; err != nil {
		return nil, fmt.Errorf("list resolved mappings: %w", err)
	}
	for _, e := range known {
		delete(candidates, e)
	}

	emails := make([]string, 0, len(candidates))
	for e := range candidates {
		emails = append(emails, e)
	}
	sort.Strings(emails)

	summary := &Summary{Total: len(emails)}
	if len(emails) == 0 {
		return summary, nil
	}

	res, err := r.BulkResolve(ctx, emails)
	summary.Resolved = len(res.Resolved)
	summary.Failed = len(res.Failed)
	if len(res.Failed) > 0 {
		summary.Failures = res.FailureReasons()
	}

	log.WithFields(log.Fields{
		"tenant":   r.tenant.ID,
		"total":    summary.Total,
		"resolved": summary.Resolved,
		"failed":   summary.Failed,
	}).Infof("👥 Identity reconciliation: %d succeeded, %d failed", summary.Resolved, summary.Failed)

	if err != nil && haltsBatch(err) {
		return summary, err
	}
	return summary, nil
}

// Remember stores a successful mapping.
func (r *Resolver) Remember(ctx context.Context, email, objectID, displayName string) error {
	email, err := Normalize(email)
	if err != nil {
		return err
	}
	now := r.tenant.Now().UTC()
	m := models.IdentityMapping{
		Email:          email,
		RemoteObjectID: objectID,
		DisplayName:    displayName,
		ResolvedAt:     &now,
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.Assignments(map[string]any{"remote_object_id": objectID, "display_name": displayName, "resolved_at": now, "last_error": "", "updated_at": now}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("save identity mapping: %w", err)
	}
	return nil
}

// Lookup returns the cached mapping for email without calling the provider.
func (r *Resolver) Lookup(ctx context.Context, email string) (*models.IdentityMapping, error) {
	email, err := Normalize(email)
	if err != nil {
		return nil, err
	}
	var m models.IdentityMapping
	err = r.db.WithContext(ctx).Where("email = ?", email).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.New(domain.KindNotFound, "identity.lookup", "no mapping for %s", email)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// recordFailure notes a failed lookup without touching a resolved mapping.
// Throttling and transport failures are not recorded.
func (r *Resolver) recordFailure(ctx context.Context, email string, cause error) {
	switch domain.KindOf(cause) {
	case domain.KindRateLimited, domain.KindTransient, domain.KindAuthExpired:
		return
	}
	now := r.tenant.Now().UTC()
	msg := cause.Error()
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoUpdates: clause.Assignments(map[string]any{"last_error": msg, "updated_at": now}),
	}).Create(&models.IdentityMapping{Email: email, LastError: msg}).Error
	if err != nil {
		log.WithError(err).WithField("email", email).Warn("⚠️ Failed to record identity lookup failure")
	}
}

// haltsBatch reports errors that make further lookups pointless.
func haltsBatch(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrAuthExpired)
}

func userPath(email string) string {
	return "/users/" + url.PathEscape(email) + "?" + userSelect
}
