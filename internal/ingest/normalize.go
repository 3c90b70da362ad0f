package ingest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JayPonda/TeliScript/internal/source"
	"github.com/JayPonda/TeliScript/internal/store"
	"github.com/JayPonda/TeliScript/internal/translate"
)

const (
	maxTextLength     = 4000
	mediaNativePrefix = "MessageMedia"

	// MediaTypeText is the default classification for attachment-free messages.
	MediaTypeText = "text"
	// MediaTypeSticker classifies sticker messages.
	MediaTypeSticker = "sticker"
	// MediaTypePoll classifies poll messages.
	MediaTypePoll = "poll"
)

var (
	// ErrMalformedMessage indicates a raw message that cannot be normalized.
	// The orchestrator skips such messages without failing the channel.
	ErrMalformedMessage = errors.New("ingest: malformed raw message")

	markdownLinkPattern = regexp.MustCompile(`\]\(([^)]+)\)`)
)

// Normalizer converts raw source messages into canonical store records.
// Fingerprints are computed here so every record carries one before it
// reaches the dedup stage.
type Normalizer struct {
	transform translate.Transform
	location  *time.Location
	clock     func() time.Time
}

// NewNormalizer constructs a Normalizer. The location fixes the single
// localized timezone used for datetime_local across the whole system.
func NewNormalizer(transform translate.Transform, location *time.Location, clock func() time.Time) *Normalizer {
	if transform == nil {
		transform = translate.Noop{}
	}
	if location == nil {
		location = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	return &Normalizer{transform: transform, location: location, clock: clock}
}

// CleanText strips NUL bytes, trims surrounding whitespace and caps the text
// length. Cleaning an already-cleaned string is a no-op.
func CleanText(text string) string {
	cleaned := strings.TrimSpace(strings.ReplaceAll(text, "\x00", ""))
	if runes := []rune(cleaned); len(runes) > maxTextLength {
		cleaned = strings.TrimSpace(string(runes[:maxTextLength]))
	}
	return cleaned
}

// ExtractLinks scans text for markdown-style ](url) link targets and joins
// them comma-separated. Derived, non-authoritative.
func ExtractLinks(text string) string {
	matches := markdownLinkPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return ""
	}
	links := make([]string, 0, len(matches))
	for _, match := range matches {
		links = append(links, match[1])
	}
	return strings.Join(links, ",")
}

// ClassifyMedia maps raw attachment fields onto exactly one media type.
func ClassifyMedia(raw source.RawMessage) string {
	switch {
	case raw.MediaKind != "":
		return "media:" + strings.TrimPrefix(raw.MediaKind, mediaNativePrefix)
	case raw.IsSticker:
		return MediaTypeSticker
	case raw.IsPoll:
		return MediaTypePoll
	default:
		return MediaTypeText
	}
}

// Normalize maps one raw message plus its channel context into a canonical
// Message. The returned bool reports whether the text transform changed the
// text, for run statistics only.
func (n *Normalizer) Normalize(ctx context.Context, raw source.RawMessage, channel source.ChannelInfo) (store.Message, bool, error) {
	if raw.MessageID == "" {
		return store.Message{}, false, fmt.Errorf("%w: empty message id", ErrMalformedMessage)
	}
	if raw.TimestampUTC.IsZero() {
		return store.Message{}, false, fmt.Errorf("%w: zero timestamp on message %s", ErrMalformedMessage, raw.MessageID)
	}

	datetimeUTC := raw.TimestampUTC.UTC().Format(store.TimestampLayout)
	datetimeLocal := raw.TimestampUTC.In(n.location).Format(store.TimestampLayout)

	text := CleanText(raw.Text)
	translated, err := n.transform.Transform(ctx, text)
	if err != nil {
		// Translation is best-effort; keep the original text on failure.
		translated = text
	}

	senderName := raw.SenderName
	if senderName == "" {
		senderName = channel.Name
	}

	return store.Message{
		ChannelID:      channel.ID,
		ChannelName:    channel.Name,
		MessageID:      raw.MessageID,
		GlobalID:       raw.GlobalID,
		DatetimeUTC:    datetimeUTC,
		DatetimeLocal:  datetimeLocal,
		SenderID:       raw.SenderID,
		SenderName:     senderName,
		Text:           text,
		TextTranslated: translated,
		Links:          ExtractLinks(text),
		MediaType:      ClassifyMedia(raw),
		Views:          raw.Views,
		Forwards:       raw.Forwards,
		MessageHash:    Fingerprint(channel.ID, raw.MessageID, datetimeUTC),
		AddedAt:        n.clock().In(n.location).Format(store.LegacyTimestampLayout),
	}, translated != text, nil
}
