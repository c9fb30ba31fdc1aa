package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/teams-sync/internal/db/models"
	"gorm.io/gorm"
)

// Statistics summarizes stored messages, either of one chat or, when ChatID
// is empty, of every chat with UniqueChats and a PerChat breakdown.
type Statistics struct {
	ChatID         string       `json:"chat_id,omitempty"`
	Total          int64        `json:"total"`
	Inbound        int64        `json:"inbound"`
	Outbound       int64        `json:"outbound"`
	Participants   int64        `json:"participants"`
	FirstMessageAt *time.Time   `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time   `json:"last_message_at,omitempty"`
	UniqueChats    int64        `json:"unique_chats,omitempty"`
	PerChat        []Statistics `json:"per_chat,omitempty"`
}

// GetStatistics aggregates local messages only; it never calls the provider.
// An empty chatID aggregates across all chats.
func (e *Engine) GetStatistics(ctx context.Context, chatID string) (*Statistics, error) {
	chatID = strings.TrimSpace(chatID)
	scope := chatID
	if scope == "" {
		scope = "all chats"
	}
	q := func() *gorm.DB {
		db := e.db.WithContext(ctx).Model(&models.Message{})
		if chatID != "" {
			db = db.Where("chat_id = ?", chatID)
		}
		return db
	}

	var rows []struct {
		ChatID    string
		Direction models.Direction
		Count     int64
	}
	if err := q().Select("chat_id, direction, count(*) AS count").Group("chat_id, direction").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("count messages of %s: %w", scope, err)
	}

	stats := &Statistics{ChatID: chatID}
	perChat := map[string]*Statistics{}
	for _, r := range rows {
		c, ok := perChat[r.ChatID]
		if !ok {
			c = &Statistics{ChatID: r.ChatID}
			perChat[r.ChatID] = c
		}
		c.Total += r.Count
		stats.Total += r.Count
		switch r.Direction {
		case models.DirectionInbound:
			c.Inbound += r.Count
			stats.Inbound += r.Count
		case models.DirectionOutbound:
			c.Outbound += r.Count
			stats.Outbound += r.Count
		}
	}
	if chatID == "" {
		stats.UniqueChats = int64(len(perChat))
		stats.PerChat = make([]Statistics, 0, len(perChat))
		for _, c := range perChat {
			stats.PerChat = append(stats.PerChat, *c)
		}
		sort.Slice(stats.PerChat, func(i, j int) bool {
			a, b := stats.PerChat[i], stats.PerChat[j]
			if a.Total != b.Total {
				return a.Total > b.Total
			}
			return a.ChatID < b.ChatID
		})
	}
	if stats.Total == 0 {
		return stats, nil
	}

	if err := q().Where("sender_object_id <> ''").Distinct("sender_object_id").Count(&stats.Participants).Error; err != nil {
		return nil, fmt.Errorf("count senders of %s: %w", scope, err)
	}

	// Bounds are read as rows; sqlite returns MIN/MAX of a datetime as text.
	var first, last models.Message
	if err := q().Order("created_at ASC").First(&first).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("first message of %s: %w", scope, err)
	}
	if err := q().Order("created_at DESC").First(&last).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("last message of %s: %w", scope, err)
	}
	firstAt, lastAt := first.CreatedAt.UTC(), last.CreatedAt.UTC()
	stats.FirstMessageAt, stats.LastMessageAt = &firstAt, &lastAt
	return stats, nil
}
