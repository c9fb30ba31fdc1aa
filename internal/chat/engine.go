// Package chat keeps one Teams group chat per business record and mirrors
// chat messages into the local database.
package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pysugar/teams-sync/internal/auth/token"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/keylock"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/sanitize"
	"github.com/pysugar/teams-sync/internal/tenant"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultFetchLimit = 50
	MaxFetchLimit     = 500
	// pageSize is the largest $top Graph accepts for chat messages.
	pageSize = 50

	memberType = "#microsoft.graph.aadUserConversationMember"
)

// Graph is the subset of the Graph client the engine uses.
type Graph interface {
	Call(ctx context.Context, method, path string, body any) (*graph.Response, error)
	CallJSON(ctx context.Context, method, path string, in, out any) error
}

// Identities resolves participant emails to object ids.
type Identities interface {
	BulkResolve(ctx context.Context, emails []string) (*identity.BulkResult, error)
}

// OwnerSource reports the authenticated principal.
type OwnerSource interface {
	Owner(ctx context.Context) (token.Owner, error)
}

// Deps are the collaborators of an Engine.
type Deps struct {
	DB         *gorm.DB
	Graph      Graph
	Identities Identities
	Owner      OwnerSource
	Sanitizer  sanitize.Sanitizer
	Records    records.Store
	Registry   *records.Registry
	// Concurrency bounds SyncAll's worker pool.
	Concurrency int
	// FetchLimit is the per-chat message limit used by SyncAll.
	FetchLimit int
}

// Engine is the chat synchronization engine for one tenant.
type Engine struct {
	tenant      *tenant.Context
	db          *gorm.DB
	graph       Graph
	identities  Identities
	owner       OwnerSource
	sanitizer   sanitize.Sanitizer
	records     records.Store
	registry    *records.Registry
	concurrency int
	fetchLimit  int
	locks       *keylock.Map
}

// NewEngine creates an engine.
func NewEngine(tc *tenant.Context, deps Deps) *Engine {
	if deps.Sanitizer == nil {
		deps.Sanitizer = sanitize.New()
	}
	if deps.Registry == nil {
		deps.Registry = records.NewRegistry(nil)
	}
	if deps.Concurrency < 1 {
		deps.Concurrency = 1
	}
	return &Engine{
		tenant:      tc,
		db:          deps.DB,
		graph:       deps.Graph,
		identities:  deps.Identities,
		owner:       deps.Owner,
		sanitizer:   deps.Sanitizer,
		records:     deps.Records,
		registry:    deps.Registry,
		concurrency: deps.Concurrency,
		fetchLimit:  clampLimit(deps.FetchLimit),
		locks:       keylock.New(),
	}
}

// EnsureResult describes the chat bound to a record.
type EnsureResult struct {
	ChatID  string `json:"chat_id"`
	Created bool   `json:"created"`
	// Added lists emails added to an existing chat.
	Added []string `json:"added,omitempty"`
	// Omitted lists emails that could not be resolved, with reasons.
	Omitted  []string          `json:"omitted,omitempty"`
	Failures map[string]string `json:"failures,omitempty"`
}

// EnsureChatForRecord returns the group chat bound to key, creating it on
// first use. An existing chat only gains missing members.
func (e *Engine) EnsureChatForRecord(ctx context.Context, key records.Key, emails []string, topic string) (*EnsureResult, error) {
	unlock := e.locks.Lock(key.String())
	defer unlock()

	if strings.TrimSpace(topic) == "" {
		topic = key.Doctype + " " + key.Name
	}

	conv, err := e.conversation(ctx, key)
	if err != nil {
		return nil, err
	}

	resolved, err := e.identities.BulkResolve(ctx, emails)
	if err != nil {
		return nil, err
	}
	result := &EnsureResult{Omitted: resolved.Omitted()}
	if len(resolved.Failed) > 0 {
		result.Failures = resolved.FailureReasons()
	}

	if conv != nil && conv.ChatID() != "" {
		result.ChatID = conv.ChatID()
		added, err := e.ensureMembers(ctx, result.ChatID, resolved.Resolved)
		if err != nil {
			return nil, err
		}
		result.Added = added
		return result, nil
	}

	if len(resolved.Resolved) == 0 {
		return nil, domain.New(domain.KindInsufficientParticipants, "chat.ensure", "none of the %d participants of %s could be resolved", len(emails), key)
	}

	owner, err := e.owner.Owner(ctx)
	if err != nil {
		return nil, err
	}
	if owner.ObjectID == "" {
		return nil, domain.New(domain.KindAuthExpired, "chat.ensure", "authenticated principal is unknown; authorize again")
	}

	chatID, err := e.createChat(ctx, topic, owner.ObjectID, resolved.Resolved)
	if err != nil {
		return nil, err
	}

	winner, err := e.bindChat(ctx, key, topic, chatID)
	if err != nil {
		return nil, err
	}
	result.ChatID = winner
	result.Created = winner == chatID
	if !result.Created {
		logging.FromContext(ctx).WithFields(log.Fields{
			"record":  key.String(),
			"created": chatID,
			"kept":    winner,
		}).Warn("⚠️ Another worker bound a chat to the record first; keeping theirs")
		return result, nil
	}

	e.writeBack(ctx, key, chatID)
	logging.FromContext(ctx).WithFields(log.Fields{
		"record":  key.String(),
		"chat_id": chatID,
		"members": len(resolved.Resolved),
		"omitted": len(result.Omitted),
	}).Info("💬 Created group chat")
	return result, nil
}

// EnsureChatFromRecord reads participants and subject from the record and
// ensures its chat.
func (e *Engine) EnsureChatFromRecord(ctx context.Context, key records.Key) (*EnsureResult, error) {
	dt, err := e.registry.Lookup(key.Doctype)
	if err != nil {
		return nil, err
	}
	fields, err := e.records.ReadFields(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.EnsureChatForRecord(ctx, key, dt.ParticipantEmails(fields), dt.Subject(key, fields))
}

// Conversation returns the stored conversation for key, or NotFound.
func (e *Engine) Conversation(ctx context.Context, key records.Key) (*models.Conversation, error) {
	conv, err := e.conversation(ctx, key)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, domain.New(domain.KindNotFound, "chat.conversation", "no conversation for %s", key)
	}
	return conv, nil
}

// TouchConversation records that key has a conversation without creating a
// remote chat.
func (e *Engine) TouchConversation(ctx context.Context, key records.Key, topic string) error {
	err := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoNothing: true,
	}).Create(&models.Conversation{ID: uuid.NewString(), RecordKey: key.String(), Topic: topic}).Error
	if err != nil {
		return fmt.Errorf("save conversation for %s: %w", key, err)
	}
	return nil
}

func (e *Engine) conversation(ctx context.Context, key records.Key) (*models.Conversation, error) {
	var conv models.Conversation
	err := e.db.WithContext(ctx).Where("record_key = ?", key.String()).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation for %s: %w", key, err)
	}
	return &conv, nil
}

type chatMember struct {
	ODataType string   `json:"@odata.type"`
	Roles     []string `json:"roles"`
	UserBind  string   `json:"user@odata.bind"`
}

func newMember(objectID string) chatMember {
	return chatMember{
		ODataType: memberType,
		Roles:     []string{"owner"},
		UserBind:  graph.DefaultBaseURL + "/users('" + objectID + "')",
	}
}

func (e *Engine) createChat(ctx context.Context, topic, ownerID string, resolved map[string]string) (string, error) {
	members := []chatMember{newMember(ownerID)}
	seen := map[string]bool{ownerID: true}
	for _, id := range sortedValues(resolved) {
		if !seen[id] {
			seen[id] = true
			members = append(members, newMember(id))
		}
	}

	var created struct {
		ID string `json:"id"`
	}
	body := map[string]any{"chatType": "group", "topic": topic, "members": members}
	if err := e.graph.CallJSON(ctx, http.MethodPost, "/chats", body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", domain.New(domain.KindProvider, "chat.create", "chat creation returned no id")
	}
	return created.ID, nil
}

// bindChat stores chatID on the record's conversation unless one is already
// bound, and returns the bound id.
func (e *Engine) bindChat(ctx context.Context, key records.Key, topic, chatID string) (string, error) {
	if err := e.TouchConversation(ctx, key, topic); err != nil {
		return "", err
	}
	res := e.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("record_key = ? AND (remote_chat_id IS NULL OR remote_chat_id = '')", key.String()).
		Updates(map[string]any{"remote_chat_id": chatID, "topic": topic})
	if res.Error != nil {
		return "", fmt.Errorf("bind chat to %s: %w", key, res.Error)
	}
	if res.RowsAffected == 1 {
		return chatID, nil
	}
	conv, err := e.conversation(ctx, key)
	if err != nil {
		return "", err
	}
	if conv == nil || conv.ChatID() == "" {
		return "", fmt.Errorf("conversation for %s vanished while binding chat", key)
	}
	return conv.ChatID(), nil
}

func (e *Engine) ensureMembers(ctx context.Context, chatID string, resolved map[string]string) ([]string, error) {
	present := map[string]bool{}
	for next := chatPath(chatID) + "/members"; next != ""; {
		var page graph.Page[struct {
			UserID string `json:"userId"`
			Email  string `json:"email"`
		}]
		if err := e.graph.CallJSON(ctx, http.MethodGet, next, nil, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Value {
			present[m.UserID] = true
			present[strings.ToLower(m.Email)] = true
		}
		next = page.NextLink
	}

	var added []string
	for _, email := range sortedKeys(resolved) {
		id := resolved[email]
		if present[id] || present[email] {
			continue
		}
		if _, err := e.graph.Call(ctx, http.MethodPost, chatPath(chatID)+"/members", newMember(id)); err != nil {
			if graph.IsAlreadyExists(err) {
				continue
			}
			return added, err
		}
		added = append(added, email)
	}
	if len(added) > 0 {
		logging.FromContext(ctx).WithFields(log.Fields{"chat_id": chatID, "added": len(added)}).Info("👥 Added chat members")
	}
	return added, nil
}

func (e *Engine) writeBack(ctx context.Context, key records.Key, chatID string) {
	if e.records == nil {
		return
	}
	dt, err := e.registry.Lookup(key.Doctype)
	if err != nil || dt.ChatIDField == "" {
		return
	}
	if err := e.records.WriteFields(ctx, key, map[string]any{dt.ChatIDField: chatID}); err != nil {
		logging.FromContext(ctx).WithError(err).WithField("record", key.String()).Warn("⚠️ Failed to write chat id back to record")
	}
}

// chatPath maps a chat id, or a "teams/{t}/channels/{c}" channel id, to its
// resource path.
func chatPath(chatID string) string {
	if strings.HasPrefix(chatID, "teams/") {
		return "/" + chatID
	}
	return "/chats/" + url.PathEscape(chatID)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultFetchLimit
	case limit > MaxFetchLimit:
		return MaxFetchLimit
	default:
		return limit
	}
}
