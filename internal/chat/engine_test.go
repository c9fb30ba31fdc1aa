package chat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pysugar/teams-sync/internal/auth/token"
	"github.com/pysugar/teams-sync/internal/db/dbtest"
	"github.com/pysugar/teams-sync/internal/db/models"
	"github.com/pysugar/teams-sync/internal/domain"
	"github.com/pysugar/teams-sync/internal/graph/graphtest"
	"github.com/pysugar/teams-sync/internal/identity"
	"github.com/pysugar/teams-sync/internal/records"
	"github.com/pysugar/teams-sync/internal/tenant"
	"github.com/stretchr/testify/suite"
	"gorm.io/gorm"
)

const ownerID = "oid-owner"

type staticOwner struct{}

func (staticOwner) Owner(context.Context) (token.Owner, error) {
	return token.Owner{ObjectID: ownerID, Email: "owner@contoso.com"}, nil
}

type EngineSuite struct {
	suite.Suite

	ctx     context.Context
	now     time.Time
	db      *gorm.DB
	srv     *graphtest.Server
	store   *records.SQLStore
	engine  *Engine
	chats   atomic.Int32
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.db = dbtest.Open(s.T())
	s.chats.Store(0)

	srv, gc := graphtest.New(s.T())
	s.srv = srv

	tc, err := tenant.New("contoso", time.UTC)
	s.Require().NoError(err)
	tc = tc.WithClock(func() time.Time { return s.now })

	s.srv.HandlePrefix(http.MethodGet, "/users/", func(w http.ResponseWriter, r *http.Request) {
		email := strings.TrimPrefix(r.URL.Path, graphtest.BasePath+"/users/")
		if strings.HasPrefix(email, "ghost") {
			graphtest.Error(http.StatusNotFound, "Request_ResourceNotFound", "no such user")(w, r)
			return
		}
		graphtest.JSON(http.StatusOK, map[string]string{"id": "oid-" + strings.Split(email, "@")[0], "mail": email})(w, r)
	})
	s.srv.Handle(http.MethodPost, "/chats", func(w http.ResponseWriter, r *http.Request) {
		id := fmt.Sprintf("19:chat-%d@thread.v2", s.chats.Add(1))
		graphtest.JSON(http.StatusCreated, map[string]string{"id": id, "chatType": "group"})(w, r)
	})
	s.srv.HandlePrefix(http.MethodGet, "/chats/", func(w http.ResponseWriter, r *http.Request) {
		graphtest.JSON(http.StatusOK, map[string]any{"value": []map[string]string{
			{"userId": ownerID}, {"userId": "oid-alice"}, {"userId": "oid-bob"},
		}})(w, r)
	})
	s.srv.HandlePrefix(http.MethodPost, "/chats/", graphtest.JSON(http.StatusCreated, map[string]string{"id": "member-1"}))

	resolver := identity.NewResolver(tc, s.db, gc, nil, 2)
	s.store = records.NewSQLStore(s.db)
	s.engine = NewEngine(tc, Deps{
		DB:          s.db,
		Graph:       gc,
		Identities:  resolver,
		Owner:       staticOwner{},
		Records:     s.store,
		Registry:    records.NewRegistry(nil),
		Concurrency: 1,
		FetchLimit:  50,
	})
}

func (s *EngineSuite) TestEnsureChat_CreatesOnceAndReuses() {
	key := records.Key{Doctype: "Event", Name: "EV-1"}

	first, err := s.engine.EnsureChatForRecord(s.ctx, key, []string{"alice@contoso.com", "bob@contoso.com"}, "Kickoff")
	s.Require().NoError(err)
	s.True(first.Created)
	s.Equal("19:chat-1@thread.v2", first.ChatID)

	posts := s.srv.Requests(http.MethodPost, "/chats")
	s.Require().Len(posts, 1)
	var body struct {
		ChatType string
		Topic    string
		Members  []map[string]any
	}
	s.Require().NoError(posts[0].DecodeBody(&body))
	s.Equal("group", body.ChatType)
	s.Equal("Kickoff", body.Topic)
	s.Len(body.Members, 3, "owner plus two participants")
	s.Equal("#microsoft.graph.aadUserConversationMember", body.Members[0]["@odata.type"])
	s.Equal("https://graph.microsoft.com/v1.0/users('oid-owner')", body.Members[0]["user@odata.bind"])

	second, err := s.engine.EnsureChatForRecord(s.ctx, key, []string{"alice@contoso.com", "carol@contoso.com"}, "Kickoff")
	s.Require().NoError(err)
	s.False(second.Created)
	s.Equal(first.ChatID, second.ChatID)
	s.Equal([]string{"carol@contoso.com"}, second.Added)
	s.Len(s.srv.Requests(http.MethodPost, "/chats/"+first.ChatID+"/members"), 1)
	s.EqualValues(1, s.chats.Load(), "a record never gets a second chat")

	fields, err := s.store.ReadFields(s.ctx, key, "custom_teams_chat_id")
	s.Require().NoError(err)
	s.Equal(first.ChatID, fields["custom_teams_chat_id"])
}

func (s *EngineSuite) TestEnsureChat_ConcurrentCallersShareOneChat() {
	key := records.Key{Doctype: "Project", Name: "PRJ-7"}
	var wg sync.WaitGroup
	ids := make([]string, 10)
	errs := make([]error, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.engine.EnsureChatForRecord(s.ctx, key, []string{"alice@contoso.com"}, "")
			errs[i] = err
			if res != nil {
				ids[i] = res.ChatID
			}
		}(i)
	}
	wg.Wait()

	for i := range ids {
		s.Require().NoError(errs[i])
		s.Equal(ids[0], ids[i])
	}
	s.EqualValues(1, s.chats.Load())
}

func (s *EngineSuite) TestEnsureChat_UnresolvableParticipants() {
	res, err := s.engine.EnsureChatForRecord(s.ctx, records.Key{Doctype: "Event", Name: "EV-2"}, []string{"ghost@contoso.com", "nope"}, "")
	s.Nil(res)
	s.ErrorIs(err, domain.ErrInsufficientParticipants)
	s.Empty(s.srv.Requests(http.MethodPost, "/chats"))
}

func (s *EngineSuite) TestEnsureChat_ReportsOmittedParticipants() {
	res, err := s.engine.EnsureChatForRecord(s.ctx, records.Key{Doctype: "Event", Name: "EV-3"}, []string{"alice@contoso.com", "ghost@contoso.com"}, "")
	s.Require().NoError(err)
	s.True(res.Created)
	s.Equal([]string{"ghost@contoso.com"}, res.Omitted)
	s.Contains(res.Failures, "ghost@contoso.com")
}

func (s *EngineSuite) TestEnsureChatFromRecord() {
	key := records.Key{Doctype: "Event", Name: "EV-4"}
	s.Require().NoError(s.store.WriteFields(s.ctx, key, map[string]any{
		"subject":            "Design review",
		"event_participants": []map[string]string{{"email": "Alice@contoso.com"}, {"email": "bob@contoso.com"}},
	}))

	res, err := s.engine.EnsureChatFromRecord(s.ctx, key)
	s.Require().NoError(err)
	s.True(res.Created)

	var body struct{ Topic string }
	s.Require().NoError(s.srv.Requests(http.MethodPost, "/chats")[0].DecodeBody(&body))
	s.Equal("Design review", body.Topic)

	_, err = s.engine.EnsureChatFromRecord(s.ctx, records.Key{Doctype: "Invoice", Name: "INV-1"})
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *EngineSuite) TestBindChat_KeepsEarlierWinner() {
	key := records.Key{Doctype: "Event", Name: "EV-5"}
	winner := "19:winner@thread.v2"
	s.Require().NoError(s.db.Create(&models.Conversation{ID: "c-1", RecordKey: key.String(), RemoteChatID: &winner}).Error)

	got, err := s.engine.bindChat(s.ctx, key, "Topic", "19:late@thread.v2")
	s.Require().NoError(err)
	s.Equal(winner, got)

	var count int64
	s.Require().NoError(s.db.Model(&models.Conversation{}).Where("record_key = ?", key.String()).Count(&count).Error)
	s.EqualValues(1, count)
}

func (s *EngineSuite) TestSendMessage_EscapesAndStores() {
	s.srv.Handle(http.MethodPost, "/chats/19:c@thread.v2/messages", graphtest.JSON(http.StatusCreated, map[string]any{
		"id":              "m-100",
		"messageType":     "message",
		"createdDateTime": "2024-06-01T10:00:00Z",
		"from":            map[string]any{"user": map[string]string{"id": ownerID, "displayName": "Owner"}},
	}))

	msg, err := s.engine.SendMessage(s.ctx, "19:c@thread.v2", "<b>hi</b>\nthere", "")
	s.Require().NoError(err)
	s.Equal(models.DirectionOutbound, msg.Direction)
	s.Equal("&lt;b&gt;hi&lt;/b&gt;<br>there", msg.Body)

	var sent struct {
		Body struct{ ContentType, Content string }
	}
	s.Require().NoError(s.srv.Requests(http.MethodPost, "/chats/19:c@thread.v2/messages")[0].DecodeBody(&sent))
	s.Equal("html", sent.Body.ContentType)
	s.Equal(msg.Body, sent.Body.Content)

	var stored models.Message
	s.Require().NoError(s.db.Where("remote_message_id = ?", "m-100").First(&stored).Error)
	s.True(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC).Equal(stored.CreatedAt))

	_, err = s.engine.SendMessage(s.ctx, "19:c@thread.v2", "   ", "")
	s.ErrorIs(err, domain.ErrValidation)
}

func (s *EngineSuite) TestPostToChannel() {
	s.srv.Handle(http.MethodPost, "/teams/team-1/channels/19:general/messages", graphtest.JSON(http.StatusCreated, map[string]any{"id": "cm-1"}))

	msg, err := s.engine.PostToChannel(s.ctx, "team-1", "19:general", "release shipped")
	s.Require().NoError(err)
	s.Equal("teams/team-1/channels/19:general", msg.ChatID)
	s.Equal(ownerID, msg.SenderObjectID)
}

func message(id, typ, sender, content string, at time.Time) map[string]any {
	return map[string]any{
		"id":              id,
		"messageType":     typ,
		"createdDateTime": at.Format(time.RFC3339),
		"from":            map[string]any{"user": map[string]string{"id": sender, "displayName": sender}},
		"body":            map[string]string{"contentType": "html", "content": content},
	}
}

func (s *EngineSuite) TestFetchAndStore_PagesAndDeduplicates() {
	chatID := "19:c@thread.v2"
	at := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	s.srv.Handle(http.MethodGet, "/chats/"+chatID+"/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			graphtest.JSON(http.StatusOK, map[string]any{"value": []any{
				message("m-3", "message", "oid-alice", "third", at.Add(2*time.Minute)),
			}})(w, r)
			return
		}
		deleted := message("m-x", "message", "oid-alice", "gone", at)
		deleted["deletedDateTime"] = at.Format(time.RFC3339)
		graphtest.JSON(http.StatusOK, map[string]any{
			"value": []any{
				message("m-1", "message", "oid-alice", `<p onclick="x()">hello<script>alert(1)</script></p>`, at),
				message("m-2", "message", ownerID, "mine", at.Add(time.Minute)),
				message("m-sys", "systemEventMessage", "", "", at),
				deleted,
			},
			"@odata.nextLink": s.srv.URL + graphtest.BasePath + "/chats/" + chatID + "/messages?page=2",
		})(w, r)
	})

	res, err := s.engine.FetchAndStore(s.ctx, chatID, 0)
	s.Require().NoError(err)
	s.Equal(&FetchResult{ChatID: chatID, Fetched: 3, Inserted: 3}, res)
	s.Contains(s.srv.Requests(http.MethodGet, "/chats/"+chatID)[0].Query, "top=50")

	var m1, m2 models.Message
	s.Require().NoError(s.db.Where("remote_message_id = ?", "m-1").First(&m1).Error)
	s.Equal(models.DirectionInbound, m1.Direction)
	s.Equal("<p>hello</p>", m1.Body)
	s.Require().NoError(s.db.Where("remote_message_id = ?", "m-2").First(&m2).Error)
	s.Equal(models.DirectionOutbound, m2.Direction)

	again, err := s.engine.FetchAndStore(s.ctx, chatID, 10)
	s.Require().NoError(err)
	s.Equal(0, again.Inserted)
	s.Equal(3, again.Duplicates)

	var count int64
	s.Require().NoError(s.db.Model(&models.Message{}).Count(&count).Error)
	s.EqualValues(3, count)
}

func (s *EngineSuite) TestFetchAndStore_RespectsLimit() {
	chatID := "19:big@thread.v2"
	at := time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)
	s.srv.Handle(http.MethodGet, "/chats/"+chatID+"/messages", func(w http.ResponseWriter, r *http.Request) {
		s.Equal("2", r.URL.Query().Get("$top"))
		graphtest.JSON(http.StatusOK, map[string]any{
			"value": []any{
				message("b-1", "message", "oid-alice", "1", at),
				message("b-2", "message", "oid-alice", "2", at),
			},
			"@odata.nextLink": s.srv.URL + graphtest.BasePath + "/chats/" + chatID + "/messages?skip=2",
		})(w, r)
	})

	res, err := s.engine.FetchAndStore(s.ctx, chatID, 2)
	s.Require().NoError(err)
	s.Equal(2, res.Inserted)
	s.Len(s.srv.Requests(http.MethodGet, "/chats/"+chatID), 1, "no page is requested past the limit")
}

func (s *EngineSuite) bindConversation(recordKey, chatID string) {
	s.Require().NoError(s.db.Create(&models.Conversation{ID: recordKey, RecordKey: recordKey, RemoteChatID: &chatID}).Error)
}

func (s *EngineSuite) TestSyncAll_DefersAfterRateLimit() {
	s.bindConversation("Event/A", "19:a@thread.v2")
	s.bindConversation("Event/B", "19:b@thread.v2")
	s.bindConversation("Event/C", "19:c@thread.v2")
	s.Require().NoError(s.db.Create(&models.Conversation{ID: "unbound", RecordKey: "Event/D"}).Error)

	s.srv.Handle(http.MethodGet, "/chats/19:a@thread.v2/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "120")
		graphtest.Error(http.StatusTooManyRequests, "TooManyRequests", "throttled")(w, r)
	})

	summary, err := s.engine.SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(3, summary.Total)
	s.Equal(0, summary.Synced)
	s.Equal(1, summary.Failed)
	s.Equal(2, summary.Deferred)
	s.True(summary.RateLimited)
	s.Equal(120*time.Second, summary.RetryAfter)
	s.Empty(s.srv.Requests(http.MethodGet, "/chats/19:b@thread.v2"))
}

func (s *EngineSuite) TestSyncAll_IsolatesFailures() {
	s.bindConversation("Event/A", "19:a@thread.v2")
	s.bindConversation("Event/B", "19:b@thread.v2")
	s.srv.Handle(http.MethodGet, "/chats/19:a@thread.v2/messages", graphtest.Error(http.StatusForbidden, "Forbidden", "no access"))
	s.srv.Handle(http.MethodGet, "/chats/19:b@thread.v2/messages", graphtest.JSON(http.StatusOK, map[string]any{"value": []any{
		message("b-1", "message", "oid-alice", "hi", s.now.Add(-time.Hour)),
	}}))

	summary, err := s.engine.SyncAll(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, summary.Synced)
	s.Equal(1, summary.Failed)
	s.Equal(1, summary.Inserted)
	s.Len(summary.Errors, 1)

	var b models.Conversation
	s.Require().NoError(s.db.Where("record_key = ?", "Event/B").First(&b).Error)
	s.Require().NotNil(b.LastSyncedAt)
	s.True(s.now.Equal(*b.LastSyncedAt))
}

func (s *EngineSuite) TestCleanupOlderThan() {
	for i, age := range []int{5, 31, 60} {
		s.Require().NoError(s.db.Create(&models.Message{
			ID:              fmt.Sprintf("id-%d", i),
			RemoteMessageID: fmt.Sprintf("r-%d", i),
			ChatID:          "19:c@thread.v2",
			Direction:       models.DirectionInbound,
			CreatedAt:       s.now.AddDate(0, 0, -age),
		}).Error)
	}

	deleted, err := s.engine.CleanupOlderThan(s.ctx, 30)
	s.Require().NoError(err)
	s.EqualValues(2, deleted)

	var left []models.Message
	s.Require().NoError(s.db.Find(&left).Error)
	s.Require().Len(left, 1)
	s.Equal("r-0", left[0].RemoteMessageID)

	for _, days := range []int{0, -3} {
		_, err := s.engine.CleanupOlderThan(s.ctx, days)
		s.ErrorIs(err, domain.ErrValidation)
	}
}

func (s *EngineSuite) TestGetStatistics() {
	chatID := "19:c@thread.v2"
	rows := []models.Message{
		{ID: "1", RemoteMessageID: "r1", ChatID: chatID, Direction: models.DirectionInbound, SenderObjectID: "oid-alice", CreatedAt: s.now.Add(-3 * time.Hour)},
		{ID: "2", RemoteMessageID: "r2", ChatID: chatID, Direction: models.DirectionInbound, SenderObjectID: "oid-bob", CreatedAt: s.now.Add(-2 * time.Hour)},
		{ID: "3", RemoteMessageID: "r3", ChatID: chatID, Direction: models.DirectionOutbound, SenderObjectID: ownerID, CreatedAt: s.now.Add(-1 * time.Hour)},
		{ID: "4", RemoteMessageID: "r4", ChatID: "other", Direction: models.DirectionInbound, CreatedAt: s.now},
	}
	s.Require().NoError(s.db.Create(&rows).Error)

	stats, err := s.engine.GetStatistics(s.ctx, chatID)
	s.Require().NoError(err)
	s.EqualValues(3, stats.Total)
	s.EqualValues(2, stats.Inbound)
	s.EqualValues(1, stats.Outbound)
	s.EqualValues(3, stats.Participants)
	s.True(s.now.Add(-3*time.Hour).Equal(*stats.FirstMessageAt))
	s.True(s.now.Add(-1*time.Hour).Equal(*stats.LastMessageAt))

	empty, err := s.engine.GetStatistics(s.ctx, "nothing")
	s.Require().NoError(err)
	s.Zero(empty.Total)
	s.Nil(empty.LastMessageAt)
}

func (s *EngineSuite) TestGetStatistics_AcrossChats() {
	rows := []models.Message{
		{ID: "1", RemoteMessageID: "r1", ChatID: "chat-a", Direction: models.DirectionInbound, SenderObjectID: "oid-alice", CreatedAt: s.now.Add(-3 * time.Hour)},
		{ID: "2", RemoteMessageID: "r2", ChatID: "chat-a", Direction: models.DirectionOutbound, SenderObjectID: ownerID, CreatedAt: s.now.Add(-2 * time.Hour)},
		{ID: "3", RemoteMessageID: "r3", ChatID: "chat-b", Direction: models.DirectionInbound, SenderObjectID: "oid-alice", CreatedAt: s.now.Add(-1 * time.Hour)},
	}
	s.Require().NoError(s.db.Create(&rows).Error)

	stats, err := s.engine.GetStatistics(s.ctx, "")
	s.Require().NoError(err)
	s.Empty(stats.ChatID)
	s.EqualValues(3, stats.Total)
	s.EqualValues(2, stats.Inbound)
	s.EqualValues(1, stats.Outbound)
	s.EqualValues(2, stats.UniqueChats)
	s.EqualValues(2, stats.Participants)
	s.True(s.now.Add(-3*time.Hour).Equal(*stats.FirstMessageAt))
	s.True(s.now.Add(-1*time.Hour).Equal(*stats.LastMessageAt))
	s.Equal([]Statistics{
		{ChatID: "chat-a", Total: 2, Inbound: 1, Outbound: 1},
		{ChatID: "chat-b", Total: 1, Inbound: 1},
	}, stats.PerChat)

	single, err := s.engine.GetStatistics(s.ctx, "chat-b")
	s.Require().NoError(err)
	s.EqualValues(1, single.Total)
	s.Zero(single.UniqueChats)
	s.Nil(single.PerChat)
}

func (s *EngineSuite) TestGetStatistics_EmptyStore() {
	stats, err := s.engine.GetStatistics(s.ctx, "")
	s.Require().NoError(err)
	s.Zero(stats.Total)
	s.Zero(stats.UniqueChats)
	s.Empty(stats.PerChat)
}

func (s *EngineSuite) TestEnsureChat_ReadsEveryMemberPage() {
	key := records.Key{Doctype: "Event", Name: "EV-PAGED"}
	chatID := "19:paged@thread.v2"
	s.bindConversation(key.String(), chatID)
	s.srv.Handle(http.MethodGet, "/chats/"+chatID+"/members", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			graphtest.JSON(http.StatusOK, map[string]any{"value": []map[string]string{{"userId": "oid-bob"}}})(w, r)
			return
		}
		graphtest.JSON(http.StatusOK, map[string]any{
			"value":           []map[string]string{{"userId": ownerID}, {"userId": "oid-alice"}},
			"@odata.nextLink": s.srv.URL + graphtest.BasePath + "/chats/" + chatID + "/members?page=2",
		})(w, r)
	})

	res, err := s.engine.EnsureChatForRecord(s.ctx, key, []string{"alice@contoso.com", "bob@contoso.com"}, "Paged")
	s.Require().NoError(err)
	s.False(res.Created)
	s.Equal(chatID, res.ChatID)
	s.Empty(res.Added)
	s.Empty(s.srv.Requests(http.MethodPost, "/chats/"+chatID+"/members"))
	s.Len(s.srv.Requests(http.MethodGet, "/chats/"+chatID+"/members"), 2)
}

func (s *EngineSuite) TestEnsureChat_UnrelatedValidationErrorIsNotSwallowed() {
	key := records.Key{Doctype: "Event", Name: "EV-BAD"}
	chatID := "19:bad@thread.v2"
	s.bindConversation(key.String(), chatID)
	s.srv.Handle(http.MethodGet, "/chats/"+chatID+"/members", graphtest.JSON(http.StatusOK, map[string]any{"value": []any{}}))
	s.srv.Handle(http.MethodPost, "/chats/"+chatID+"/members",
		graphtest.Error(http.StatusBadRequest, "BadRequest", "Roles already assigned are invalid for this member type"))

	_, err := s.engine.EnsureChatForRecord(s.ctx, key, []string{"alice@contoso.com"}, "Bad")
	s.ErrorIs(err, domain.ErrValidation)
}
