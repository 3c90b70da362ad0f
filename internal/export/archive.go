package export

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"github.com/JayPonda/TeliScript/internal/store"
	"go.uber.org/zap"
)

// Segment format version. Readers reject segments with a version they do not
// know; schema evolution of the archive is a new version plus an explicit
// migration of old segments, never a runtime rewrite.
const segmentFormatVersion = 1

const (
	segmentSuffix = ".jsonl.zst"
	manifestFile  = "manifest.json"
)

type segmentHeader struct {
	Version   int    `json:"version"`
	ChannelID string `json:"channel_id"`
	Channel   string `json:"channel"`
	WrittenAt string `json:"written_at"`
	Records   int    `json:"records"`
}

type manifestEntry struct {
	ChannelName         string `json:"channel_name"`
	LastBackupTimestamp string `json:"last_backup_timestamp,omitempty"`
	TotalMessages       int64  `json:"total_messages"`
	FetchStatus         string `json:"fetchstatus,omitempty"`
	FetchedStartedAt    string `json:"fetchedStartedAt,omitempty"`
	FetchedEndedAt      string `json:"fetchedEndedAt,omitempty"`
}

// Archive is the flat-file sink: each append becomes one zstd-compressed
// JSONL segment, and channel progress lives in a plain-JSON manifest next to
// the segments. The archive keeps its own fingerprint set so overlapping
// appends are skipped independently of the relational sink.
type Archive struct {
	mu       sync.Mutex
	root     string
	clock    func() time.Time
	logger   *zap.Logger
	encoder  *zstd.Encoder
	seen     map[string]struct{}
	manifest map[string]*manifestEntry
	nextSeq  int
}

// ArchiveConfig describes the dependencies of the flat export sink.
type ArchiveConfig struct {
	Root   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewArchive opens (or creates) the archive directory and loads the existing
// fingerprint set and manifest. An unreadable segment is an error: the sink
// never silently forgets history.
func NewArchive(cfg ArchiveConfig) (*Archive, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("export: archive root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("export: creating archive directory: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("export: creating zstd encoder: %w", err)
	}

	archive := &Archive{
		root:     cfg.Root,
		clock:    clock,
		logger:   logger,
		encoder:  encoder,
		seen:     make(map[string]struct{}),
		manifest: make(map[string]*manifestEntry),
	}
	if err := archive.loadManifest(); err != nil {
		return nil, err
	}
	if err := archive.loadSegments(); err != nil {
		return nil, err
	}
	return archive, nil
}

// Name identifies the sink in logs and errors.
func (a *Archive) Name() string {
	return "archive"
}

// AppendBatch writes the not-yet-archived records as one new segment and
// returns how many were actually written. An empty surviving set writes no
// segment at all.
func (a *Archive) AppendBatch(ctx context.Context, records []store.Message, channelName string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	fresh := make([]store.Message, 0, len(records))
	batchSeen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if _, ok := a.seen[record.MessageHash]; ok {
			continue
		}
		// seen is only updated after the segment is written, so duplicates
		// within this batch need their own check.
		if _, ok := batchSeen[record.MessageHash]; ok {
			continue
		}
		batchSeen[record.MessageHash] = struct{}{}
		fresh = append(fresh, record)
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	now := a.clock().UTC().Format(store.TimestampLayout)
	channelID := fresh[0].ChannelID

	var buffer strings.Builder
	header, err := json.Marshal(segmentHeader{
		Version:   segmentFormatVersion,
		ChannelID: channelID,
		Channel:   channelName,
		WrittenAt: now,
		Records:   len(fresh),
	})
	if err != nil {
		return 0, fmt.Errorf("export: encoding segment header: %w", err)
	}
	buffer.Write(header)
	buffer.WriteByte('\n')
	for i := range fresh {
		fresh[i].BackupTimestamp = now
		line, err := json.Marshal(fresh[i])
		if err != nil {
			return 0, fmt.Errorf("export: encoding message %s: %w", fresh[i].MessageID, err)
		}
		buffer.Write(line)
		buffer.WriteByte('\n')
	}

	compressed := a.encoder.EncodeAll([]byte(buffer.String()), nil)
	segmentPath := filepath.Join(a.root, fmt.Sprintf("segment-%06d%s", a.nextSeq, segmentSuffix))
	if err := writeFileAtomic(segmentPath, compressed); err != nil {
		return 0, fmt.Errorf("export: writing segment: %w", err)
	}
	a.nextSeq++

	for _, record := range fresh {
		a.seen[record.MessageHash] = struct{}{}
	}

	entry := a.manifestEntryFor(channelID, channelName)
	entry.ChannelName = channelName
	entry.LastBackupTimestamp = now
	entry.TotalMessages += int64(len(fresh))
	if err := a.writeManifest(); err != nil {
		return 0, err
	}

	a.logger.Debug("segment written",
		zap.String("channel", channelName),
		zap.String("segment", filepath.Base(segmentPath)),
		zap.Int("records", len(fresh)))
	return len(fresh), nil
}

// UpdateChannelProgress upserts the channel's progress fields in the manifest.
func (a *Archive) UpdateChannelProgress(ctx context.Context, progress store.ChannelProgress) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.manifestEntryFor(progress.ChannelID, progress.ChannelName)
	entry.ChannelName = progress.ChannelName
	entry.FetchStatus = string(progress.Status)
	entry.FetchedStartedAt = progress.StartedAt
	entry.FetchedEndedAt = progress.EndedAt
	return a.writeManifest()
}

// ReadAllFingerprintableRecords streams the dedup projection of every
// archived message, segment by segment.
func (a *Archive) ReadAllFingerprintableRecords(ctx context.Context, visit func(store.HistoryRecord) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.scanSegments(func(message store.Message) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return visit(store.HistoryRecord{
			ChannelID:   message.ChannelID,
			MessageID:   message.MessageID,
			DatetimeUTC: message.DatetimeUTC,
			Fingerprint: message.MessageHash,
		})
	})
}

func (a *Archive) manifestEntryFor(channelID, channelName string) *manifestEntry {
	entry, ok := a.manifest[channelID]
	if !ok {
		entry = &manifestEntry{ChannelName: channelName}
		a.manifest[channelID] = entry
	}
	return entry
}

func (a *Archive) loadManifest() error {
	data, err := os.ReadFile(filepath.Join(a.root, manifestFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("export: reading manifest: %w", err)
	}
	if err := json.Unmarshal(data, &a.manifest); err != nil {
		return fmt.Errorf("export: decoding manifest: %w", err)
	}
	return nil
}

func (a *Archive) writeManifest() error {
	data, err := json.MarshalIndent(a.manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encoding manifest: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(a.root, manifestFile), data); err != nil {
		return fmt.Errorf("export: writing manifest: %w", err)
	}
	return nil
}

func (a *Archive) loadSegments() error {
	names, err := a.segmentNames()
	if err != nil {
		return err
	}
	if len(names) > 0 {
		last := names[len(names)-1]
		if _, scanErr := fmt.Sscanf(last, "segment-%d", &a.nextSeq); scanErr == nil {
			a.nextSeq++
		}
	}

	count := 0
	err = a.scanSegments(func(message store.Message) error {
		fingerprint := message.MessageHash
		if fingerprint == "" {
			return fmt.Errorf("export: segment record %s missing fingerprint", message.MessageID)
		}
		a.seen[fingerprint] = struct{}{}
		count++
		return nil
	})
	if err != nil {
		return err
	}
	a.logger.Debug("archive loaded", zap.Int("records", count), zap.Int("segments", a.nextSeq))
	return nil
}

func (a *Archive) scanSegments(visit func(store.Message) error) error {
	names, err := a.segmentNames()
	if err != nil {
		return err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return fmt.Errorf("export: creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	for _, name := range names {
		compressed, err := os.ReadFile(filepath.Join(a.root, name))
		if err != nil {
			return fmt.Errorf("export: reading segment %s: %w", name, err)
		}
		raw, err := decoder.DecodeAll(compressed, nil)
		if err != nil {
			return fmt.Errorf("export: decompressing segment %s: %w", name, err)
		}

		scanner := bufio.NewScanner(strings.NewReader(string(raw)))
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		if !scanner.Scan() {
			return fmt.Errorf("export: segment %s is missing its header", name)
		}
		var header segmentHeader
		if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
			return fmt.Errorf("export: decoding header of %s: %w", name, err)
		}
		if header.Version != segmentFormatVersion {
			return fmt.Errorf("export: segment %s has unsupported format version %d", name, header.Version)
		}

		for scanner.Scan() {
			var message store.Message
			if err := json.Unmarshal(scanner.Bytes(), &message); err != nil {
				return fmt.Errorf("export: decoding record in %s: %w", name, err)
			}
			if err := visit(message); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("export: scanning segment %s: %w", name, err)
		}
	}
	return nil
}

func (a *Archive) segmentNames() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("export: listing archive: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentSuffix) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
