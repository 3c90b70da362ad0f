package ingest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/JayPonda/TeliScript/internal/store"
	"go.uber.org/zap"
)

// Fingerprint derives the stable dedup key for a message. Two messages with
// the same fingerprint are the same logical message and at most one of them
// may ever be persisted.
func Fingerprint(channelID, messageID, datetimeUTC string) string {
	sum := md5.Sum([]byte(channelID + "|" + messageID + "|" + datetimeUTC))
	return hex.EncodeToString(sum[:])
}

// HistoryReader streams every already-persisted record of a sink so the
// fingerprint index can be rebuilt at the start of a run.
type HistoryReader interface {
	Name() string
	ReadAllFingerprintableRecords(ctx context.Context, visit func(store.HistoryRecord) error) error
}

// Index answers "has this message already been persisted?" in O(1). It keeps
// two keys per record: the fingerprint hash and the (channel_id, message_id)
// pair, because rows loaded before fingerprints existed are only reachable
// through the pair. The index is not safe for concurrent use; callers guard
// it with the ingest write boundary.
type Index struct {
	hashes map[string]struct{}
	ids    map[string]map[string]struct{}
}

// NewIndex returns an empty fingerprint index.
func NewIndex() *Index {
	return &Index{
		hashes: make(map[string]struct{}),
		ids:    make(map[string]map[string]struct{}),
	}
}

// BuildIndex loads the union of every sink's persisted records into a fresh
// index. Legacy rows without a stored fingerprint get one computed on the fly.
// An unreadable sink fails the build; history must never be silently dropped.
func BuildIndex(ctx context.Context, readers []HistoryReader, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	index := NewIndex()
	for _, reader := range readers {
		loaded := 0
		err := reader.ReadAllFingerprintableRecords(ctx, func(record store.HistoryRecord) error {
			fingerprint := record.Fingerprint
			if fingerprint == "" {
				fingerprint = Fingerprint(record.ChannelID, record.MessageID, record.DatetimeUTC)
			}
			index.Register(record.ChannelID, record.MessageID, fingerprint)
			loaded++
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ingest: loading history from %s: %w", reader.Name(), err)
		}
		logger.Info("fingerprint history loaded",
			zap.String("sink", reader.Name()),
			zap.Int("records", loaded))
	}
	return index, nil
}

// Contains reports whether the message is already persisted, by fingerprint
// or by its (channel_id, message_id) pair.
func (x *Index) Contains(channelID, messageID, fingerprint string) bool {
	if _, ok := x.hashes[fingerprint]; ok {
		return true
	}
	if perChannel, ok := x.ids[channelID]; ok {
		if _, ok := perChannel[messageID]; ok {
			return true
		}
	}
	return false
}

// Register records a persisted message. It must be called immediately after
// a successful persist so intra-run duplicates are caught by later checks.
func (x *Index) Register(channelID, messageID, fingerprint string) {
	x.hashes[fingerprint] = struct{}{}
	perChannel, ok := x.ids[channelID]
	if !ok {
		perChannel = make(map[string]struct{})
		x.ids[channelID] = perChannel
	}
	perChannel[messageID] = struct{}{}
}

// Len returns the number of distinct fingerprints registered.
func (x *Index) Len() int {
	return len(x.hashes)
}
