package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	clock := func() time.Time {
		return time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func seedMessages(t *testing.T, db *gorm.DB, messages ...Message) {
	t.Helper()
	for i := range messages {
		if err := db.Create(&messages[i]).Error; err != nil {
			t.Fatalf("failed to seed message: %v", err)
		}
	}
}

func TestListMessagesFilters(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)

	alpha := testMessage("ch-1", "1")
	alpha.ChannelName = "Alpha"
	alpha.Text = "quarterly report attached"
	alpha.MediaType = "media:Document"
	alpha.DatetimeUTC = "2026-06-10T10:00:00Z"

	beta := testMessage("ch-2", "1")
	beta.ChannelName = "Beta"
	beta.Text = "weekly digest"
	beta.MediaType = "text"
	beta.Read = true
	beta.Like = true
	beta.Tags = "digest,news"
	beta.DatetimeUTC = "2026-06-12T10:00:00Z"

	trashed := testMessage("ch-1", "2")
	trashed.ChannelName = "Alpha"
	trashed.Text = "spam"
	trashed.TrashedAt = "2026-06-13T00:00:00Z"
	trashed.DatetimeUTC = "2026-06-13T10:00:00Z"

	seedMessages(t, db, alpha, beta, trashed)

	cases := []struct {
		name     string
		filter   MessageFilter
		expected []string
	}{
		{name: "no filter excludes trashed", filter: MessageFilter{}, expected: []string{"weekly digest", "quarterly report attached"}},
		{name: "by channel", filter: MessageFilter{ChannelName: "Beta"}, expected: []string{"weekly digest"}},
		{name: "text search", filter: MessageFilter{Search: "report"}, expected: []string{"quarterly report attached"}},
		{name: "media type", filter: MessageFilter{MediaType: "media:Document"}, expected: []string{"quarterly report attached"}},
		{name: "tag", filter: MessageFilter{Tag: "digest"}, expected: []string{"weekly digest"}},
		{name: "only unread", filter: MessageFilter{OnlyUnread: true}, expected: []string{"quarterly report attached"}},
		{name: "only liked", filter: MessageFilter{OnlyLiked: true}, expected: []string{"weekly digest"}},
		{name: "only trashed", filter: MessageFilter{OnlyTrashed: true}, expected: []string{"spam"}},
		{name: "include trashed", filter: MessageFilter{IncludeTrashed: true}, expected: []string{"spam", "weekly digest", "quarterly report attached"}},
		{name: "since", filter: MessageFilter{Since: "2026-06-11T00:00:00Z"}, expected: []string{"weekly digest"}},
		{name: "until", filter: MessageFilter{Until: "2026-06-11T00:00:00Z"}, expected: []string{"quarterly report attached"}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			messages, total, err := service.ListMessages(context.Background(), testCase.filter)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if int(total) != len(testCase.expected) {
				t.Fatalf("expected total %d, got %d", len(testCase.expected), total)
			}
			if len(messages) != len(testCase.expected) {
				t.Fatalf("expected %d messages, got %d", len(testCase.expected), len(messages))
			}
			// Pages come back newest-first.
			for i, text := range testCase.expected {
				if messages[i].Text != text {
					t.Fatalf("position %d: expected %q, got %q", i, text, messages[i].Text)
				}
			}
		})
	}
}

func TestListMessagesPagination(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)

	for i := 0; i < 5; i++ {
		message := testMessage("ch-1", string(rune('a'+i)))
		message.DatetimeUTC = time.Date(2026, 6, 10+i, 0, 0, 0, 0, time.UTC).Format(TimestampLayout)
		seedMessages(t, db, message)
	}

	page, total, err := service.ListMessages(context.Background(), MessageFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 5 {
		t.Fatalf("expected total 5, got %d", total)
	}
	if len(page) != 2 {
		t.Fatalf("expected page of 2, got %d", len(page))
	}
	if page[0].DatetimeUTC != "2026-06-12T00:00:00Z" {
		t.Fatalf("unexpected page start: %q", page[0].DatetimeUTC)
	}
}

func TestGetStats(t *testing.T) {
	db := newTestDatabase(t)
	sink := newTestSink(t, db)
	service := newTestService(t, db)

	batchOne := []Message{testMessage("ch-1", "1"), testMessage("ch-1", "2")}
	if _, err := sink.AppendBatch(context.Background(), batchOne, "Alpha"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}
	batchTwo := []Message{testMessage("ch-2", "1")}
	if _, err := sink.AppendBatch(context.Background(), batchTwo, "Beta"); err != nil {
		t.Fatalf("unexpected append error: %v", err)
	}

	stats, err := service.GetStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalMessages != 3 || stats.TotalChannels != 2 {
		t.Fatalf("expected 3 messages / 2 channels, got %d / %d", stats.TotalMessages, stats.TotalChannels)
	}
	if len(stats.Channels) != 2 {
		t.Fatalf("expected 2 channel lines, got %d", len(stats.Channels))
	}
	// Largest channel first.
	if stats.Channels[0].ChannelName != "Alpha" || stats.Channels[0].TotalMessages != 2 {
		t.Fatalf("unexpected leading channel line: %+v", stats.Channels[0])
	}
}

func TestMessageInteractions(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)

	message := testMessage("ch-1", "1")
	seedMessages(t, db, message)
	var stored Message
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to load seeded message: %v", err)
	}

	if err := service.MarkRead(context.Background(), stored.ID); err != nil {
		t.Fatalf("unexpected mark-read error: %v", err)
	}

	liked, err := service.ToggleLike(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("unexpected like error: %v", err)
	}
	if !liked {
		t.Fatalf("expected first toggle to like")
	}
	liked, err = service.ToggleLike(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("unexpected like error: %v", err)
	}
	if liked {
		t.Fatalf("expected second toggle to unlike")
	}

	trashed, err := service.ToggleTrash(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("unexpected trash error: %v", err)
	}
	if !trashed {
		t.Fatalf("expected first toggle to trash")
	}
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload message: %v", err)
	}
	if stored.TrashedAt != "2026-06-15T12:00:00Z" {
		t.Fatalf("expected trashed_at stamped, got %q", stored.TrashedAt)
	}
	trashed, err = service.ToggleTrash(context.Background(), stored.ID)
	if err != nil {
		t.Fatalf("unexpected restore error: %v", err)
	}
	if trashed {
		t.Fatalf("expected second toggle to restore")
	}

	if err := service.UpdateTags(context.Background(), stored.ID, []string{" news ", "", "digest"}); err != nil {
		t.Fatalf("unexpected tags error: %v", err)
	}
	if err := db.Take(&stored).Error; err != nil {
		t.Fatalf("failed to reload message: %v", err)
	}
	if !stored.Read {
		t.Fatalf("expected message marked read")
	}
	if stored.Tags != "news,digest" {
		t.Fatalf("expected trimmed joined tags, got %q", stored.Tags)
	}
	if stored.TrashedAt != "" {
		t.Fatalf("expected trashed_at cleared, got %q", stored.TrashedAt)
	}
}

func TestInteractionsOnMissingMessage(t *testing.T) {
	service := newTestService(t, newTestDatabase(t))

	if err := service.MarkRead(context.Background(), 404); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := service.ToggleLike(context.Background(), 404); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if _, err := service.ToggleTrash(context.Background(), 404); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestUpdateChannelFetchStatus(t *testing.T) {
	db := newTestDatabase(t)
	sink := newTestSink(t, db)
	service := newTestService(t, db)

	if _, err := sink.EnsureChannel(context.Background(), "ch-1", "News", "2026-05-01T00:00:00Z"); err != nil {
		t.Fatalf("unexpected ensure error: %v", err)
	}

	status := "done"
	ended := "2026-06-15T12:05:00Z"
	err := service.UpdateChannelFetchStatus(context.Background(), "News", ChannelUpdate{
		FetchStatus:    &status,
		FetchedEndedAt: &ended,
	})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	var channel Channel
	if err := db.Where("channel_name = ?", "News").Take(&channel).Error; err != nil {
		t.Fatalf("failed to load channel: %v", err)
	}
	if channel.FetchStatus != "done" || channel.FetchedEndedAt != ended {
		t.Fatalf("unexpected channel state: %+v", channel)
	}
	// Untouched fields keep their stored values.
	if channel.LastBackupTimestamp != "2026-05-01T00:00:00Z" {
		t.Fatalf("expected seed timestamp untouched, got %q", channel.LastBackupTimestamp)
	}

	if err := service.UpdateChannelFetchStatus(context.Background(), "News", ChannelUpdate{}); err != nil {
		t.Fatalf("empty update must be a no-op: %v", err)
	}
	err = service.UpdateChannelFetchStatus(context.Background(), "Missing", ChannelUpdate{FetchStatus: &status})
	if !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestChannelIdentifierValidation(t *testing.T) {
	if _, err := NewChannelID("  "); !errors.Is(err, ErrInvalidChannelID) {
		t.Fatalf("expected ErrInvalidChannelID, got %v", err)
	}
	id, err := NewChannelID(" 12345 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.String() != "12345" {
		t.Fatalf("expected trimmed id, got %q", id)
	}

	long := make([]byte, maxIdentifierLength+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewChannelName(string(long)); !errors.Is(err, ErrInvalidChannelName) {
		t.Fatalf("expected ErrInvalidChannelName, got %v", err)
	}
	name, err := NewChannelName("News")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name.String() != "News" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestServiceLogsInfrastructureFailures(t *testing.T) {
	db := newTestDatabase(t)
	core, logs := observer.New(zapcore.DebugLevel)
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close database: %v", err)
	}

	if _, _, err := service.ListMessages(context.Background(), MessageFilter{}); err == nil {
		t.Fatalf("expected an error from a closed database")
	}

	entries := logs.FilterMessage("store service error").All()
	if len(entries) != 1 {
		t.Fatalf("expected one error log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != opListMessages {
		t.Fatalf("expected operation %q, got %v", opListMessages, fields["operation"])
	}
	if fields["reason"] != "count_failed" {
		t.Fatalf("expected reason count_failed, got %v", fields["reason"])
	}
}

func TestNotFoundSentinelsAreNotLogged(t *testing.T) {
	db := newTestDatabase(t)
	core, logs := observer.New(zapcore.DebugLevel)
	service, err := NewService(ServiceConfig{Database: db, Logger: zap.New(core)})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}

	if err := service.MarkRead(context.Background(), 404); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
	if logs.Len() != 0 {
		t.Fatalf("missing rows must not log errors, got %d entries", logs.Len())
	}
}
