package source

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfStream signals that a message stream is exhausted.
var ErrEndOfStream = errors.New("source: end of stream")

// ChannelInfo describes one remote channel as reported by the source.
type ChannelInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Handle string `json:"handle"`
}

// RawMessage is one message as produced by a source, before normalization.
// MediaKind carries the source-native attachment subtype when present.
type RawMessage struct {
	MessageID    string    `json:"message_id"`
	GlobalID     string    `json:"global_id"`
	TimestampUTC time.Time `json:"timestamp_utc"`
	SenderID     string    `json:"sender_id"`
	SenderName   string    `json:"sender_name"`
	Text         string    `json:"text"`
	MediaKind    string    `json:"media_kind"`
	IsSticker    bool      `json:"is_sticker"`
	IsPoll       bool      `json:"is_poll"`
	Views        int64     `json:"views"`
	Forwards     int64     `json:"forwards"`
}

// MessageStream is a lazy, finite, non-restartable sequence of raw messages,
// ordered newest-first by source convention. Next returns ErrEndOfStream when
// the sequence is exhausted.
type MessageStream interface {
	Next(ctx context.Context) (RawMessage, error)
}

// Source is the abstract remote message source consumed by the ingest core.
// Authentication, pagination and network retry live behind this interface.
type Source interface {
	// ListChannels returns up to limit channels visible to the source account.
	ListChannels(ctx context.Context, limit int) ([]ChannelInfo, error)
	// FetchMessages opens a newest-first stream for the channel handle.
	// Consumers stop reading once messages fall behind since.
	FetchMessages(ctx context.Context, handle string, since time.Time, limit int) (MessageStream, error)
	// Close releases the source connection. Safe to call more than once.
	Close(ctx context.Context) error
}
