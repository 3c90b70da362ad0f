package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JayPonda/TeliScript/internal/source"
	"github.com/JayPonda/TeliScript/internal/translate"
)

func TestCleanTextIsIdempotent(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "plain", input: "hello world"},
		{name: "surrounding-whitespace", input: "  padded  "},
		{name: "nul-bytes", input: "nul\x00 in\x00side"},
		{name: "longer-than-cap", input: strings.Repeat("x", 5000)},
		{name: "cap-boundary-whitespace", input: strings.Repeat("word ", 1000)},
		{name: "empty", input: ""},
		{name: "multibyte", input: strings.Repeat("привет ", 700)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			once := CleanText(tt.input)
			twice := CleanText(once)
			if once != twice {
				t.Fatalf("clean is not idempotent: %q vs %q", once, twice)
			}
			if len([]rune(once)) > maxTextLength {
				t.Fatalf("cleaned text exceeds cap: %d runes", len([]rune(once)))
			}
			if strings.Contains(once, "\x00") {
				t.Fatalf("cleaned text still contains NUL")
			}
		})
	}
}

func TestExtractLinks(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "two-links",
			input:    "see [here](http://a.x) and [there](http://b.y)",
			expected: "http://a.x,http://b.y",
		},
		{
			name:     "no-links",
			input:    "plain text with http://bare.url",
			expected: "",
		},
		{
			name:     "single-link",
			input:    "[label](https://example.com/path?q=1)",
			expected: "https://example.com/path?q=1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractLinks(tt.input); got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestClassifyMedia(t *testing.T) {
	tests := []struct {
		name     string
		raw      source.RawMessage
		expected string
	}{
		{name: "default-text", raw: source.RawMessage{}, expected: "text"},
		{name: "sticker", raw: source.RawMessage{IsSticker: true}, expected: "sticker"},
		{name: "poll", raw: source.RawMessage{IsPoll: true}, expected: "poll"},
		{
			name:     "native-media",
			raw:      source.RawMessage{MediaKind: "MessageMediaPhoto"},
			expected: "media:Photo",
		},
		{
			name:     "media-wins-over-sticker",
			raw:      source.RawMessage{MediaKind: "MessageMediaDocument", IsSticker: true},
			expected: "media:Document",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyMedia(tt.raw); got != tt.expected {
				t.Fatalf("expected %q, got %q", tt.expected, got)
			}
		})
	}
}

func TestNormalizeProducesCanonicalRecord(t *testing.T) {
	clock := fixedClock(t, "2026-06-15T12:00:00Z")
	transform := translate.NewTable(map[string]string{"привет": "hello"})
	location, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}
	normalizer := NewNormalizer(transform, location, clock)

	channel := source.ChannelInfo{ID: "channel-1", Name: "News"}
	raw := source.RawMessage{
		MessageID:    "42",
		GlobalID:     "g-42",
		TimestampUTC: time.Date(2026, 6, 14, 10, 0, 0, 0, time.UTC),
		SenderID:     "s-1",
		SenderName:   "Alice",
		Text:         "привет",
		Views:        10,
		Forwards:     2,
	}

	record, translated, err := normalizer.Normalize(context.Background(), raw, channel)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !translated {
		t.Fatalf("expected transform change to be recorded")
	}
	if record.Text != "привет" || record.TextTranslated != "hello" {
		t.Fatalf("unexpected texts: %q / %q", record.Text, record.TextTranslated)
	}
	if record.DatetimeUTC != "2026-06-14T10:00:00Z" {
		t.Fatalf("unexpected datetime_utc: %s", record.DatetimeUTC)
	}
	if record.DatetimeLocal != "2026-06-14T15:30:00+05:30" {
		t.Fatalf("unexpected datetime_local: %s", record.DatetimeLocal)
	}
	if record.MessageHash != Fingerprint("channel-1", "42", "2026-06-14T10:00:00Z") {
		t.Fatalf("fingerprint must be derived from channel, message id and utc time")
	}
	if record.MediaType != "text" {
		t.Fatalf("unexpected media type %s", record.MediaType)
	}
	if record.AddedAt == "" {
		t.Fatalf("expected ingestion timestamp to be stamped")
	}
}

func TestNormalizeFallsBackToChannelNameForSender(t *testing.T) {
	normalizer := NewNormalizer(nil, time.UTC, fixedClock(t, "2026-06-15T12:00:00Z"))
	record, _, err := normalizer.Normalize(context.Background(), source.RawMessage{
		MessageID:    "1",
		TimestampUTC: time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC),
	}, source.ChannelInfo{ID: "channel-1", Name: "News"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.SenderName != "News" {
		t.Fatalf("expected channel name fallback, got %q", record.SenderName)
	}
}

func TestNormalizeRejectsMalformedMessages(t *testing.T) {
	normalizer := NewNormalizer(nil, time.UTC, nil)

	_, _, err := normalizer.Normalize(context.Background(), source.RawMessage{
		TimestampUTC: time.Now(),
	}, source.ChannelInfo{ID: "channel-1"})
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for empty id, got %v", err)
	}

	_, _, err = normalizer.Normalize(context.Background(), source.RawMessage{
		MessageID: "1",
	}, source.ChannelInfo{ID: "channel-1"})
	if !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for zero timestamp, got %v", err)
	}
}

type failingTransform struct{}

func (failingTransform) Transform(context.Context, string) (string, error) {
	return "", errors.New("translator offline")
}

func TestNormalizeKeepsOriginalTextOnTransformFailure(t *testing.T) {
	normalizer := NewNormalizer(failingTransform{}, time.UTC, nil)
	record, translated, err := normalizer.Normalize(context.Background(), source.RawMessage{
		MessageID:    "1",
		TimestampUTC: time.Date(2026, 6, 14, 0, 0, 0, 0, time.UTC),
		Text:         "original",
	}, source.ChannelInfo{ID: "channel-1", Name: "News"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if translated {
		t.Fatalf("failed transform must not count as translated")
	}
	if record.TextTranslated != "original" {
		t.Fatalf("expected original text kept, got %q", record.TextTranslated)
	}
}
