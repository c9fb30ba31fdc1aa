package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/logging"
	"github.com/pysugar/teams-sync/internal/workpool"
	log "github.com/sirupsen/logrus"
)

// SyncSummary is the outcome of a SyncAll pass.
type SyncSummary struct {
	Total    int `json:"total"`
	Synced   int `json:"synced"`
	Failed   int `json:"failed"`
	Deferred int `json:"deferred"`
	Inserted int `json:"inserted"`
	// RateLimited is set when the provider throttled the pass; RetryAfter is
	// its hint.
	RateLimited bool          `json:"rate_limited"`
	RetryAfter  time.Duration `json:"retry_after,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
}

// SyncAll fetches new messages for every conversation bound to a chat.
// Conversations fail independently. Throttling or an expired authorization
// defers everything not yet started; only the latter is returned as an error.
func (e *Engine) SyncAll(ctx context.Context) (*SyncSummary, error) {
	var convs []models.Conversation
	if err := e.db.WithContext(ctx).
		Where("remote_chat_id IS NOT NULL AND remote_chat_id <> ''").
		Order("record_key").
		Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	summary := &SyncSummary{Total: len(convs)}
	if len(convs) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	outcomes := workpool.Run(ctx, e.concurrency, convs, func(ctx context.Context, conv models.Conversation) error {
		res, err := e.FetchAndStore(ctx, conv.ChatID(), e.fetchLimit)
		if err != nil {
			return err
		}
		now := e.tenant.Now().UTC()
		if err := e.db.WithContext(ctx).Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Update("last_synced_at", now).Error; err != nil {
			return fmt.Errorf("mark %s synced: %w", conv.RecordKey, err)
		}
		mu.Lock()
		summary.Inserted += res.Inserted
		mu.Unlock()
		return nil
	}, haltsSync)

	var authErr error
	for i, o := range outcomes {
		switch {
		case o.Skipped:
			summary.Deferred++
		case o.Err == nil:
			summary.Synced++
		default:
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", convs[i].RecordKey, domain.UserMessage(o.Err)))
			if errors.Is(o.Err, domain.ErrRateLimited) {
				summary.RateLimited = true
				summary.RetryAfter = max(summary.RetryAfter, domain.RetryAfterOf(o.Err))
			}
			if errors.Is(o.Err, domain.ErrAuthExpired) && authErr == nil {
				authErr = o.Err
			}
			logging.FromContext(ctx).WithError(o.Err).WithField("record", convs[i].RecordKey).Warn("⚠️ Chat sync failed")
		}
	}

	log.WithFields(log.Fields{
		"tenant":   e.tenant.ID,
		"total":    summary.Total,
		"synced":   summary.Synced,
		"failed":   summary.Failed,
		"deferred": summary.Deferred,
		"inserted": summary.Inserted,
	}).Infof("🔄 Chat sync finished: %d synced, %d failed, %d deferred", summary.Synced, summary.Failed, summary.Deferred)

	if authErr != nil {
		return summary, authErr
	}
	return summary, nil
}

// CleanupOlderThan deletes stored messages created more than days ago and
// returns how many were removed.
func (e *Engine) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, domain.New(domain.KindValidation, "chat.cleanup", "days must be positive, got %d", days)
	}
	cutoff := e.tenant.Now().UTC().AddDate(0, 0, -days)
	res := e.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete messages before %s: %w", cutoff.Format(time.RFC3339), res.Error)
	}
	log.WithFields(log.Fields{"deleted": res.RowsAffected, "cutoff": cutoff.Format(time.RFC3339)}).Info("🧹 Old messages removed")
	return res.RowsAffected, nil
}

func haltsSync(err error) bool {
	return errors.Is(err, domain.ErrRateLimited) || errors.Is(err, domain.ErrAuthExpired)
}
