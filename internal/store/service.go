package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

const (
	opListMessages  = "store.list_messages"
	opListChannels  = "store.list_channels"
	opGetStats      = "store.get_stats"
	opLoadMessage   = "store.load_message"
	opUpdateMessage = "store.update_message"
	opUpdateChannel = "store.update_channel"
)

// ErrMessageNotFound indicates an interaction update on a missing message row.
var ErrMessageNotFound = errors.New("store: message not found")

// ErrChannelNotFound indicates an update on a missing channel row.
var ErrChannelNotFound = errors.New("store: channel not found")

// MessageFilter narrows ListMessages. Zero values mean "no constraint".
type MessageFilter struct {
	ChannelName    string
	Search         string
	MediaType      string
	Tag            string
	OnlyUnread     bool
	OnlyLiked      bool
	IncludeTrashed bool
	OnlyTrashed    bool
	Since          string
	Until          string
	Limit          int
	Offset         int
}

// ChannelStats is one channel's line in the stats report.
type ChannelStats struct {
	ChannelName   string `json:"channel_name"`
	TotalMessages int64  `json:"total_messages"`
}

// Stats aggregates store-wide totals for the stats endpoint.
type Stats struct {
	TotalMessages     int64          `json:"total_messages"`
	TotalChannels     int64          `json:"total_channels"`
	TrashedMessages   int64          `json:"trashed_messages"`
	DatabaseSizeBytes int64          `json:"database_size"`
	Channels          []ChannelStats `json:"channels"`
}

// ServiceConfig describes the dependencies of the API-facing store service.
type ServiceConfig struct {
	Database     *gorm.DB
	DatabasePath string
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service exposes the read and interaction side of the store to the API
// layer. The ingest core never goes through it; interaction columns are
// mutated here and nowhere else.
type Service struct {
	db     *gorm.DB
	path   string
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errors.New("store: database handle is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, path: cfg.DatabasePath, clock: clock, logger: logger}, nil
}

// ListMessages returns a filtered, paginated page of messages plus the total
// match count. Trashed messages are excluded unless asked for.
func (s *Service) ListMessages(ctx context.Context, filter MessageFilter) ([]Message, int64, error) {
	query := s.db.WithContext(ctx).Model(&Message{})

	if filter.ChannelName != "" {
		query = query.Where("channel_name = ?", filter.ChannelName)
	}
	if filter.MediaType != "" {
		query = query.Where("media_type = ?", filter.MediaType)
	}
	if filter.Search != "" {
		pattern := "%" + filter.Search + "%"
		query = query.Where("text LIKE ? OR text_translated LIKE ?", pattern, pattern)
	}
	if filter.Tag != "" {
		query = query.Where("tags LIKE ?", "%"+filter.Tag+"%")
	}
	// read and like are SQL keywords, keep them quoted.
	if filter.OnlyUnread {
		query = query.Where(`"read" = ?`, false)
	}
	if filter.OnlyLiked {
		query = query.Where(`"like" = ?`, true)
	}
	switch {
	case filter.OnlyTrashed:
		query = query.Where("trashed_at <> ''")
	case !filter.IncludeTrashed:
		query = query.Where("trashed_at = '' OR trashed_at IS NULL")
	}
	if filter.Since != "" {
		query = query.Where("datetime_utc >= ?", filter.Since)
	}
	if filter.Until != "" {
		query = query.Where("datetime_utc <= ?", filter.Until)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opListMessages, "count_failed", err)
		return nil, 0, fmt.Errorf("store: counting messages: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	var messages []Message
	if err := query.
		Order("datetime_utc DESC").
		Limit(limit).
		Offset(filter.Offset).
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err)
		return nil, 0, fmt.Errorf("store: listing messages: %w", err)
	}
	return messages, total, nil
}

// ListChannels returns every tracked channel with its progress fields.
func (s *Service) ListChannels(ctx context.Context) ([]Channel, error) {
	var channels []Channel
	if err := s.db.WithContext(ctx).Order("channel_name ASC").Find(&channels).Error; err != nil {
		s.logError(opListChannels, "query_failed", err)
		return nil, fmt.Errorf("store: listing channels: %w", err)
	}
	return channels, nil
}

// GetStats aggregates store-wide totals.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&stats.TotalMessages).Error; err != nil {
		s.logError(opGetStats, "count_messages_failed", err)
		return Stats{}, fmt.Errorf("store: counting messages: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Channel{}).Count(&stats.TotalChannels).Error; err != nil {
		s.logError(opGetStats, "count_channels_failed", err)
		return Stats{}, fmt.Errorf("store: counting channels: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Message{}).
		Where("trashed_at <> ''").
		Count(&stats.TrashedMessages).Error; err != nil {
		s.logError(opGetStats, "count_trashed_failed", err)
		return Stats{}, fmt.Errorf("store: counting trashed messages: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&Channel{}).
		Select("channel_name", "total_messages").
		Order("total_messages DESC").
		Find(&stats.Channels).Error; err != nil {
		s.logError(opGetStats, "channel_totals_failed", err)
		return Stats{}, fmt.Errorf("store: reading channel totals: %w", err)
	}
	if s.path != "" {
		if info, err := os.Stat(s.path); err == nil {
			stats.DatabaseSizeBytes = info.Size()
		}
	}
	return stats, nil
}

// MarkRead flags a message as read.
func (s *Service) MarkRead(ctx context.Context, messageID int64) error {
	return s.updateMessage(ctx, messageID, map[string]any{"read": true})
}

// ToggleLike flips a message's like flag and returns the new value.
func (s *Service) ToggleLike(ctx context.Context, messageID int64) (bool, error) {
	message, err := s.getMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	liked := !message.Like
	if err := s.updateMessage(ctx, messageID, map[string]any{"like": liked}); err != nil {
		return false, err
	}
	return liked, nil
}

// ToggleTrash moves a message in or out of the trash. Trashing stamps
// trashed_at; restoring clears it.
func (s *Service) ToggleTrash(ctx context.Context, messageID int64) (bool, error) {
	message, err := s.getMessage(ctx, messageID)
	if err != nil {
		return false, err
	}
	trashed := message.TrashedAt == ""
	value := ""
	if trashed {
		value = s.clock().UTC().Format(TimestampLayout)
	}
	if err := s.updateMessage(ctx, messageID, map[string]any{"trashed_at": value}); err != nil {
		return false, err
	}
	return trashed, nil
}

// UpdateTags replaces a message's free-form tag list.
func (s *Service) UpdateTags(ctx context.Context, messageID int64, tags []string) error {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if trimmed := strings.TrimSpace(tag); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return s.updateMessage(ctx, messageID, map[string]any{"tags": strings.Join(cleaned, ",")})
}

// ChannelUpdate carries the optional progress fields settable over the API.
// Nil pointers leave the stored value untouched.
type ChannelUpdate struct {
	FetchStatus         *string
	FetchedStartedAt    *string
	FetchedEndedAt      *string
	LastBackupTimestamp *string
}

// UpdateChannelFetchStatus patches a channel's progress fields by name.
func (s *Service) UpdateChannelFetchStatus(ctx context.Context, channelName string, update ChannelUpdate) error {
	fields := map[string]any{}
	if update.FetchStatus != nil {
		fields["fetchstatus"] = *update.FetchStatus
	}
	if update.FetchedStartedAt != nil {
		fields["fetchedStartedAt"] = *update.FetchedStartedAt
	}
	if update.FetchedEndedAt != nil {
		fields["fetchedEndedAt"] = *update.FetchedEndedAt
	}
	if update.LastBackupTimestamp != nil {
		fields["last_backup_timestamp"] = *update.LastBackupTimestamp
	}
	if len(fields) == 0 {
		return nil
	}

	result := s.db.WithContext(ctx).Model(&Channel{}).
		Where("channel_name = ?", channelName).
		Updates(fields)
	if result.Error != nil {
		s.logError(opUpdateChannel, "update_failed", result.Error, zap.String("channel", channelName))
		return fmt.Errorf("store: updating channel %s: %w", channelName, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrChannelNotFound
	}
	return nil
}

func (s *Service) getMessage(ctx context.Context, messageID int64) (Message, error) {
	var message Message
	err := s.db.WithContext(ctx).Where("id = ?", messageID).Take(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		s.logError(opLoadMessage, "query_failed", err, zap.Int64("message_id", messageID))
		return Message{}, fmt.Errorf("store: loading message %d: %w", messageID, err)
	}
	return message, nil
}

func (s *Service) updateMessage(ctx context.Context, messageID int64, fields map[string]any) error {
	result := s.db.WithContext(ctx).Model(&Message{}).
		Where("id = ?", messageID).
		Updates(fields)
	if result.Error != nil {
		s.logError(opUpdateMessage, "update_failed", result.Error, zap.Int64("message_id", messageID))
		return fmt.Errorf("store: updating message %d: %w", messageID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// logError records an infrastructure failure; not-found sentinels are the
// caller's concern and never pass through here.
func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}
