package handlers

import (
	"context"

	"github.com/pysugar/teams-sync/internal/auth/token"
	"github.com/pysugar/teams-sync/internal/chat"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/meeting"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/subscription"
	"github.com/pysugar/teams-sync/internal/tenant"
	"gorm.io/gorm"
)

// ChatService is the chat engine as seen by the API.
type ChatService interface {
	EnsureChatForRecord(ctx context.Context, key records.Key, emails []string, topic string) (*chat.EnsureResult, error)
	EnsureChatFromRecord(ctx context.Context, key records.Key) (*chat.EnsureResult, error)
	Conversation(ctx context.Context, key records.Key) (*models.Conversation, error)
	SendMessage(ctx context.Context, chatID, text string, direction models.Direction) (*models.Message, error)
	PostToChannel(ctx context.Context, teamID, channelID, text string) (*models.Message, error)
	FetchAndStore(ctx context.Context, chatID string, limit int) (*chat.FetchResult, error)
	SyncAll(ctx context.Context) (*chat.SyncSummary, error)
	GetStatistics(ctx context.Context, chatID string) (*chat.Statistics, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// MeetingService is the meeting scheduler as seen by the API.
type MeetingService interface {
	CreateMeeting(ctx context.Context, key records.Key) (*meeting.Result, error)
	RescheduleMeeting(ctx context.Context, key records.Key, newStart, newEnd any) (*meeting.Result, error)
	DeleteMeeting(ctx context.Context, key records.Key) (*meeting.Result, error)
	GetAttendees(ctx context.Context, key records.Key) ([]meeting.AttendeeInfo, error)
	GetMeetingDetails(ctx context.Context, key records.Key) (*meeting.Details, error)
}

// IdentityService resolves participant emails.
type IdentityService interface {
	Resolve(ctx context.Context, email string) (string, error)
	Lookup(ctx context.Context, email string) (*models.IdentityMapping, error)
	ReconcileAll(ctx context.Context) (*identity.Summary, error)
}

// AuthService reports and revokes the stored authorization.
type AuthService interface {
	Status(ctx context.Context) (token.Status, error)
	Revoke(ctx context.Context) error
}

// SubscriptionService manages the calendar subscription and its webhook.
type SubscriptionService interface {
	Subscribe(ctx context.Context) (*subscription.Subscription, error)
	Renew(ctx context.Context) (*subscription.Subscription, error)
	SubscriptionID(ctx context.Context) (string, error)
	Dispatch(ctx context.Context, notes []subscription.Notification) (accepted, rejected int)
}

// API bundles the services behind the HTTP endpoints.
type API struct {
	Tenant        *tenant.Context
	DB            *gorm.DB
	Chat          ChatService
	Meetings      MeetingService
	Identities    IdentityService
	Auth          AuthService
	Subscriptions SubscriptionService
}
