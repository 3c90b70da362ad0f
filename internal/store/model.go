package store

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// FetchStatus enumerates the per-channel backup state machine.
type FetchStatus string

const (
	// FetchStatusIdle marks a channel with no run in progress.
	FetchStatusIdle FetchStatus = "idle"
	// FetchStatusProcessing marks a channel whose fetch has started and not yet finished.
	FetchStatusProcessing FetchStatus = "processing"
	// FetchStatusDone marks a channel whose last run completed, including runs with zero new messages.
	FetchStatusDone FetchStatus = "done"
	// FetchStatusFailed marks a channel whose last run aborted.
	FetchStatusFailed FetchStatus = "failed"
)

const maxIdentifierLength = 190

// TimestampLayout is the storage format for all persisted instants. The legacy
// layout is still accepted on read for rows written before the cutover.
const (
	TimestampLayout       = time.RFC3339
	LegacyTimestampLayout = "2006-01-02 15:04:05"
)

var (
	// ErrInvalidChannelID indicates that a channel identifier is empty or exceeds storage bounds.
	ErrInvalidChannelID = errors.New("store: invalid channel id")
	// ErrInvalidChannelName indicates that a channel name is empty or exceeds storage bounds.
	ErrInvalidChannelName = errors.New("store: invalid channel name")
)

// ChannelID represents a validated source-assigned channel identifier.
type ChannelID string

// NewChannelID validates raw input and returns a ChannelID.
func NewChannelID(rawInput string) (ChannelID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChannelID, maxIdentifierLength)
	}
	return ChannelID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ChannelID) String() string {
	return string(id)
}

// ChannelName represents a validated channel display name.
type ChannelName string

// NewChannelName validates raw input and returns a ChannelName.
func NewChannelName(rawInput string) (ChannelName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidChannelName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidChannelName, maxIdentifierLength)
	}
	return ChannelName(trimmed), nil
}

// String returns the underlying string name.
func (n ChannelName) String() string {
	return string(n)
}

// Message is the canonical persisted message record. It is produced solely by
// the ingest normalizer; the ingest core only ever inserts rows, the
// interaction columns (read, like, trashed_at, tags) are mutated by the API
// layer alone.
type Message struct {
	ID              int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChannelID       string `gorm:"column:channel_id;size:190;index:idx_messages_channel_id" json:"channel_id"`
	ChannelName     string `gorm:"column:channel_name;size:190" json:"channel_name"`
	MessageID       string `gorm:"column:message_id;size:190" json:"message_id"`
	GlobalID        string `gorm:"column:global_id;size:190" json:"global_id"`
	DatetimeUTC     string `gorm:"column:datetime_utc;size:64" json:"datetime_utc"`
	DatetimeLocal   string `gorm:"column:datetime_local;size:64" json:"datetime_local"`
	SenderID        string `gorm:"column:sender_id;size:190" json:"sender_id"`
	SenderName      string `gorm:"column:sender_name;size:190" json:"sender_name"`
	Text            string `gorm:"column:text;type:text" json:"text"`
	TextTranslated  string `gorm:"column:text_translated;type:text" json:"text_translated"`
	Links           string `gorm:"column:links;type:text" json:"links"`
	MediaType       string `gorm:"column:media_type;size:64" json:"media_type"`
	Views           int64  `gorm:"column:views;not null;default:0" json:"views"`
	Forwards        int64  `gorm:"column:forwards;not null;default:0" json:"forwards"`
	MessageHash     string `gorm:"column:message_hash;size:64;uniqueIndex:idx_message_hash" json:"message_hash"`
	AddedAt         string `gorm:"column:added_at;size:64" json:"added_at"`
	BackupTimestamp string `gorm:"column:backup_timestamp;size:64" json:"backup_timestamp"`
	Read            bool   `gorm:"column:read;not null;default:false" json:"read"`
	Like            bool   `gorm:"column:like;not null;default:false" json:"like"`
	TrashedAt       string `gorm:"column:trashed_at;size:64" json:"trashed_at"`
	Tags            string `gorm:"column:tags;type:text" json:"tags"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "messages"
}

// Channel tracks per-channel backup progress. Column names are part of the
// compatibility surface consumed by API clients and must not change.
type Channel struct {
	ID                  int64  `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	ChannelID           string `gorm:"column:channel_id;size:190;uniqueIndex:idx_channels_channel_id" json:"channel_id"`
	ChannelName         string `gorm:"column:channel_name;size:190;index:idx_channel_name" json:"channel_name"`
	LastBackupTimestamp string `gorm:"column:last_backup_timestamp;size:64" json:"last_backup_timestamp"`
	TotalMessages       int64  `gorm:"column:total_messages;not null;default:0" json:"total_messages"`
	FetchStatus         string `gorm:"column:fetchstatus;size:32" json:"fetchstatus"`
	FetchedStartedAt    string `gorm:"column:fetchedStartedAt;size:64" json:"fetchedStartedAt"`
	FetchedEndedAt      string `gorm:"column:fetchedEndedAt;size:64" json:"fetchedEndedAt"`
}

// TableName provides the explicit table binding for GORM.
func (Channel) TableName() string {
	return "channels"
}

// ChannelProgress carries a channel status transition toward a sink.
// Empty StartedAt/EndedAt values clear the stored columns.
type ChannelProgress struct {
	ChannelID   string
	ChannelName string
	Status      FetchStatus
	StartedAt   string
	EndedAt     string
}

// HistoryRecord is the minimal projection of a persisted message used to
// rebuild the fingerprint index at startup. Fingerprint may be empty on rows
// written before fingerprints existed.
type HistoryRecord struct {
	ChannelID   string
	MessageID   string
	DatetimeUTC string
	Fingerprint string
}
