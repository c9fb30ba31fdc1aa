package handlers

import (
	"net/http"

	"github.com/pysugar/teams-sync/internal/chat"
	"github.com/pysugar/teams-sync/internal/db/models"
)

type ensureChatRequest struct {
	// Emails overrides the record's participants when non-empty.
	Emails []string `json:"emails" validate:"omitempty,max=250,dive,required"`
	Topic  string   `json:"topic" validate:"max=250"`
}

type messageRequest struct {
	Text string `json:"text" validate:"required"`
	// Direction defaults to outbound.
	Direction models.Direction `json:"direction" validate:"omitempty,oneof=inbound outbound"`
}

type cleanupRequest struct {
	Days int `json:"days" validate:"gte=1"`
}

// EnsureChat handles POST /api/records/{doctype}/{name}/chat.
func (a *API) EnsureChat(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req ensureChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var res *chat.EnsureResult
	if len(req.Emails) > 0 {
		res, err = a.Chat.EnsureChatForRecord(r.Context(), key, req.Emails, req.Topic)
	} else {
		res, err = a.Chat.EnsureChatFromRecord(r.Context(), key)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

// GetConversation handles GET /api/records/{doctype}/{name}/chat.
func (a *API) GetConversation(w http.ResponseWriter, r *http.Request) {
	key, err := recordKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	conv, err := a.Chat.Conversation(r.Context(), key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"record_key":     conv.RecordKey,
		"chat_id":        conv.ChatID(),
		"topic":          conv.Topic,
		"last_synced_at": conv.LastSyncedAt,
	})
}

// SendMessage handles POST /api/chats/{chatID}/messages.
func (a *API) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := a.Chat.SendMessage(r.Context(), pathParam(r, "chatID"), req.Text, req.Direction)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// PostToChannel handles POST /api/teams/{teamID}/channels/{channelID}/messages.
func (a *API) PostToChannel(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	msg, err := a.Chat.PostToChannel(r.Context(), pathParam(r, "teamID"), pathParam(r, "channelID"), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

// FetchMessages handles POST /api/chats/{chatID}/fetch?limit=N.
func (a *API) FetchMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", chat.DefaultFetchLimit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := a.Chat.FetchAndStore(r.Context(), pathParam(r, "chatID"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ChatStatistics handles GET /api/chats/{chatID}/stats and, across all
// chats, GET /api/chats/stats.
func (a *API) ChatStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Chat.GetStatistics(r.Context(), pathParam(r, "chatID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// SyncAll handles POST /api/sync. A throttled pass still answers 200 with
// the deferred count; the Retry-After header carries the provider hint.
func (a *API) SyncAll(w http.ResponseWriter, r *http.Request) {
	summary, err := a.Chat.SyncAll(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if summary.RateLimited && summary.RetryAfter > 0 {
		w.Header().Set("Retry-After", formatSeconds(summary.RetryAfter.Seconds()))
	}
	writeJSON(w, http.StatusOK, summary)
}

// Cleanup handles POST /api/cleanup.
func (a *API) Cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	deleted, err := a.Chat.CleanupOlderThan(r.Context(), req.Days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted, "days": req.Days})
}
