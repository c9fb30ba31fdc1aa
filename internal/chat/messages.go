package chat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph"
	"github.com/pysugar/teams-sync/internal/logging"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm/clause"
)

// FetchResult counts the outcome of one FetchAndStore call.
type FetchResult struct {
	ChatID     string `json:"chat_id"`
	Fetched    int    `json:"fetched"`
	Inserted   int    `json:"inserted"`
	Duplicates int    `json:"duplicates"`
}

// SendMessage posts text to a chat and stores the sent message. An empty
// direction means outbound.
func (e *Engine) SendMessage(ctx context.Context, chatID, text string, direction models.Direction) (*models.Message, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, domain.New(domain.KindValidation, "chat.send", "chat id is required")
	}
	return e.post(ctx, chatID, text, direction)
}

// PostToChannel posts text to a team channel. The stored message's ChatID is
// "teams/{team}/channels/{channel}".
func (e *Engine) PostToChannel(ctx context.Context, teamID, channelID, text string) (*models.Message, error) {
	if strings.TrimSpace(teamID) == "" || strings.TrimSpace(channelID) == "" {
		return nil, domain.New(domain.KindValidation, "chat.post", "team id and channel id are required")
	}
	return e.post(ctx, ChannelID(teamID, channelID), text, models.DirectionOutbound)
}

// ChannelID is the local chat id used for messages of a team channel.
func ChannelID(teamID, channelID string) string {
	return "teams/" + url.PathEscape(teamID) + "/channels/" + url.PathEscape(channelID)
}

func (e *Engine) post(ctx context.Context, chatID, text string, direction models.Direction) (*models.Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.New(domain.KindValidation, "chat.send", "message body is empty")
	}
	if direction == "" {
		direction = models.DirectionOutbound
	}

	content := e.sanitizer.EscapeOutbound(text)
	var sent graph.ChatMessage
	body := map[string]any{"body": graph.ItemBody{ContentType: "html", Content: content}}
	if err := e.graph.CallJSON(ctx, http.MethodPost, chatPath(chatID)+"/messages", body, &sent); err != nil {
		return nil, err
	}
	if sent.ID == "" {
		return nil, domain.New(domain.KindProvider, "chat.send", "message post returned no id")
	}

	senderID, senderName := sent.Sender()
	if senderID == "" {
		if owner, err := e.owner.Owner(ctx); err == nil {
			senderID = owner.ObjectID
		}
	}
	msg := &models.Message{
		ID:              uuid.NewString(),
		RemoteMessageID: sent.ID,
		ChatID:          chatID,
		Direction:       direction,
		SenderObjectID:  senderID,
		SenderName:      senderName,
		Body:            content,
		CreatedAt:       e.timestamp(sent.CreatedDateTime),
	}
	if _, err := e.insert(ctx, msg); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).WithFields(log.Fields{"chat_id": chatID, "message_id": sent.ID}).Info("📨 Message sent")
	return msg, nil
}

// FetchAndStore pulls up to limit recent messages of a chat and stores new
// ones. limit defaults to 50 and is capped at 500.
func (e *Engine) FetchAndStore(ctx context.Context, chatID string, limit int) (*FetchResult, error) {
	if strings.TrimSpace(chatID) == "" {
		return nil, domain.New(domain.KindValidation, "chat.fetch", "chat id is required")
	}
	limit = clampLimit(limit)

	owner, err := e.owner.Owner(ctx)
	if err != nil {
		return nil, err
	}

	result := &FetchResult{ChatID: chatID}
	next := chatPath(chatID) + "/messages?$top=" + strconv.Itoa(min(limit, pageSize))
	received := 0
	for next != "" && received < limit {
		var page graph.Page[graph.ChatMessage]
		if err := e.graph.CallJSON(ctx, http.MethodGet, next, nil, &page); err != nil {
			return result, err
		}
		next = page.NextLink

		for _, m := range page.Value {
			if received >= limit {
				break
			}
			received++
			if m.MessageType != "message" || m.DeletedDateTime != nil || m.ID == "" {
				continue
			}
			result.Fetched++

			senderID, senderName := m.Sender()
			direction := models.DirectionInbound
			if owner.ObjectID != "" && senderID == owner.ObjectID {
				direction = models.DirectionOutbound
			}
			inserted, err := e.insert(ctx, &models.Message{
				ID:              uuid.NewString(),
				RemoteMessageID: m.ID,
				ChatID:          chatID,
				Direction:       direction,
				SenderObjectID:  senderID,
				SenderName:      senderName,
				Body:            e.sanitizer.SanitizeInbound(m.Body.Content),
				CreatedAt:       e.timestamp(m.CreatedDateTime),
			})
			if err != nil {
				return result, err
			}
			if inserted {
				result.Inserted++
			} else {
				result.Duplicates++
			}
		}
	}

	logging.FromContext(ctx).WithFields(log.Fields{
		"chat_id":    chatID,
		"fetched":    result.Fetched,
		"inserted":   result.Inserted,
		"duplicates": result.Duplicates,
	}).Debug("Fetched chat messages")
	return result, nil
}

// insert stores msg unless its remote id is already present.
func (e *Engine) insert(ctx context.Context, msg *models.Message) (bool, error) {
	res := e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "remote_message_id"}},
		DoNothing: true,
	}).Create(msg)
	if res.Error != nil {
		return false, fmt.Errorf("store message %s: %w", msg.RemoteMessageID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (e *Engine) timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return e.tenant.Now().UTC()
	}
	return t.UTC()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, m[k])
	}
	return out
}
