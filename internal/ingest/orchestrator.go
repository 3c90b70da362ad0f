package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JayPonda/TeliScript/internal/source"
	"github.com/JayPonda/TeliScript/internal/store"
	"go.uber.org/zap"
)

// Newest-first streams may lead with a handful of pinned or re-ordered
// messages older than the window; tolerate this many before stopping.
const stragglerTolerance = 10

var (
	errMissingSource    = errors.New("source is required")
	errMissingSinks     = errors.New("at least one sink is required")
	errMissingDirectory = errors.New("channel directory is required")
	errMissingIndex     = errors.New("fingerprint index is required")

	noOpLogger = zap.NewNop()
)

// ChannelError wraps a per-channel failure with an operation.reason code.
type ChannelError struct {
	code string
	err  error
}

func (e *ChannelError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ChannelError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason identifier.
func (e *ChannelError) Code() string {
	return e.code
}

const opProcessChannel = "ingest.process_channel"

func newChannelError(reason string, cause error) error {
	return &ChannelError{code: fmt.Sprintf("%s.%s", opProcessChannel, reason), err: cause}
}

// Sink is a durable persistence target for normalized messages. AppendBatch
// must be idempotent per fingerprint and return only the newly inserted
// count; UpdateChannelProgress upserts the channel's progress fields.
type Sink interface {
	HistoryReader
	AppendBatch(ctx context.Context, records []store.Message, channelName string) (int, error)
	UpdateChannelProgress(ctx context.Context, progress store.ChannelProgress) error
}

// ChannelDirectory is the authoritative per-channel progress store.
type ChannelDirectory interface {
	EnsureChannel(ctx context.Context, channelID, channelName, seedTimestamp string) (bool, error)
	LastBackupTimestamp(ctx context.Context, channelID string) (string, error)
}

// ChannelResult summarizes one channel's contribution to a run. Err is set
// and counts are zero when the channel failed.
type ChannelResult struct {
	Channel    source.ChannelInfo
	Status     store.FetchStatus
	Fetched    int
	New        int
	Translated int
	Skipped    int
	Err        error
}

// OrchestratorConfig wires the per-channel pipeline.
type OrchestratorConfig struct {
	Source       source.Source
	Sinks        []Sink
	Directory    ChannelDirectory
	Index        *Index
	Normalizer   *Normalizer
	Planner      *Planner
	FetchLimit   int
	FetchTimeout time.Duration
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Orchestrator drives fetch, normalize, dedup and persist for one channel at
// a time and manages the channel status machine. It may be invoked from many
// goroutines at once; the write boundary serializes duplicate-check, index
// registration and sink appends so two channels can never both pass the check
// for the same fingerprint. Fetching stays outside the boundary.
type Orchestrator struct {
	source       source.Source
	sinks        []Sink
	directory    ChannelDirectory
	index        *Index
	normalizer   *Normalizer
	planner      *Planner
	fetchLimit   int
	fetchTimeout time.Duration
	clock        func() time.Time
	logger       *zap.Logger

	writeBoundary sync.Mutex
}

// NewOrchestrator validates the wiring and returns an Orchestrator. The first
// sink is treated as authoritative: it is written first and its inserted
// count becomes the channel's contribution to run totals.
func NewOrchestrator(cfg OrchestratorConfig) (*Orchestrator, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if len(cfg.Sinks) == 0 {
		return nil, errMissingSinks
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Index == nil {
		return nil, errMissingIndex
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	normalizer := cfg.Normalizer
	if normalizer == nil {
		normalizer = NewNormalizer(nil, nil, clock)
	}
	planner := cfg.Planner
	if planner == nil {
		planner = NewPlanner(1, nil, clock, logger)
	}
	fetchLimit := cfg.FetchLimit
	if fetchLimit <= 0 {
		fetchLimit = 1000
	}

	return &Orchestrator{
		source:       cfg.Source,
		sinks:        cfg.Sinks,
		directory:    cfg.Directory,
		index:        cfg.Index,
		normalizer:   normalizer,
		planner:      planner,
		fetchLimit:   fetchLimit,
		fetchTimeout: cfg.FetchTimeout,
		clock:        clock,
		logger:       logger,
	}, nil
}

// ProcessChannel runs the full pipeline for one channel. Failures are folded
// into the result, never propagated, so sibling channels keep running.
func (o *Orchestrator) ProcessChannel(ctx context.Context, channel source.ChannelInfo) ChannelResult {
	result := ChannelResult{Channel: channel, Status: store.FetchStatusFailed}
	channelLogger := o.logger.With(
		zap.String("channel", channel.Name),
		zap.String("channel_id", channel.ID))

	created, err := o.directory.EnsureChannel(ctx, channel.ID, channel.Name, o.planner.SeedTimestamp())
	if err != nil {
		result.Err = newChannelError("ensure_channel_failed", err)
		channelLogger.Error("channel processing failed", zap.Error(result.Err))
		return result
	}
	if created {
		channelLogger.Info("first-seen channel registered",
			zap.String("seed_timestamp", o.planner.SeedTimestamp()))
	}

	lastBackup, err := o.directory.LastBackupTimestamp(ctx, channel.ID)
	if err != nil {
		result.Err = newChannelError("read_progress_failed", err)
		channelLogger.Error("channel processing failed", zap.Error(result.Err))
		return result
	}

	window := o.planner.Plan(channel.Name, lastBackup)
	channelLogger.Info("fetch window planned",
		zap.Int("days_back", window.DaysBack),
		zap.Time("since", window.Since))

	startedAt := o.clock().UTC().Format(store.TimestampLayout)
	if err := o.updateProgress(ctx, channel, store.FetchStatusProcessing, startedAt, ""); err != nil {
		result.Err = newChannelError("mark_processing_failed", err)
		channelLogger.Error("channel processing failed", zap.Error(result.Err))
		return result
	}

	raws, fetchErr := o.fetchWindow(ctx, channel, window)
	result.Fetched = len(raws)
	if fetchErr != nil {
		result.Err = newChannelError("fetch_failed", fetchErr)
		o.finishChannel(ctx, channel, &result, startedAt, channelLogger)
		return result
	}

	records := make([]store.Message, 0, len(raws))
	// Source order is newest-first; persist oldest-first within the channel.
	for i := len(raws) - 1; i >= 0; i-- {
		record, translated, err := o.normalizer.Normalize(ctx, raws[i], channel)
		if err != nil {
			result.Skipped++
			channelLogger.Warn("skipping malformed message",
				zap.String("message_id", raws[i].MessageID),
				zap.Error(err))
			continue
		}
		if translated {
			result.Translated++
		}
		records = append(records, record)
	}

	newCount, persistErr := o.persistBatch(ctx, channel, records)
	result.New = newCount
	if persistErr != nil {
		result.Err = newChannelError("persist_failed", persistErr)
		result.New = 0
		o.finishChannel(ctx, channel, &result, startedAt, channelLogger)
		return result
	}

	result.Status = store.FetchStatusDone
	o.finishChannel(ctx, channel, &result, startedAt, channelLogger)

	if result.New > 0 {
		channelLogger.Info("channel backed up",
			zap.Int("fetched", result.Fetched),
			zap.Int("new", result.New),
			zap.Int("translated", result.Translated))
	} else {
		channelLogger.Info("no new messages", zap.Int("fetched", result.Fetched))
	}
	return result
}

// fetchWindow drains the newest-first stream until it falls behind the window.
func (o *Orchestrator) fetchWindow(ctx context.Context, channel source.ChannelInfo, window Window) ([]source.RawMessage, error) {
	fetchCtx := ctx
	if o.fetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, o.fetchTimeout)
		defer cancel()
	}

	stream, err := o.source.FetchMessages(fetchCtx, channel.Handle, window.Since, o.fetchLimit)
	if err != nil {
		return nil, err
	}

	var raws []source.RawMessage
	scanned := 0
	for {
		raw, err := stream.Next(fetchCtx)
		if errors.Is(err, source.ErrEndOfStream) {
			break
		}
		if err != nil {
			return nil, err
		}
		scanned++

		timestamp := raw.TimestampUTC.UTC()
		if timestamp.Before(window.Since) {
			if scanned <= stragglerTolerance {
				continue
			}
			break
		}
		if timestamp.After(window.Until) {
			continue
		}
		raws = append(raws, raw)
	}
	return raws, nil
}

// persistBatch is the mutual-exclusion region: duplicate check, index
// registration and every sink append happen under one lock. The authoritative
// sink commits first; its inserted count is what the channel reports. A later
// sink failing leaves sinks divergent until the next run rebuilds the index
// from the authoritative sink.
func (o *Orchestrator) persistBatch(ctx context.Context, channel source.ChannelInfo, records []store.Message) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	o.writeBoundary.Lock()
	defer o.writeBoundary.Unlock()

	// The index only learns fingerprints after the authoritative sink commits,
	// so duplicates within this batch are filtered here as well.
	survivors := make([]store.Message, 0, len(records))
	batchSeen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if o.index.Contains(record.ChannelID, record.MessageID, record.MessageHash) {
			continue
		}
		if _, ok := batchSeen[record.MessageHash]; ok {
			continue
		}
		batchSeen[record.MessageHash] = struct{}{}
		survivors = append(survivors, record)
	}
	if len(survivors) == 0 {
		return 0, nil
	}

	inserted, err := o.sinks[0].AppendBatch(ctx, survivors, channel.Name)
	if err != nil {
		return 0, fmt.Errorf("sink %s: %w", o.sinks[0].Name(), err)
	}
	for _, record := range survivors {
		o.index.Register(record.ChannelID, record.MessageID, record.MessageHash)
	}

	for _, sink := range o.sinks[1:] {
		if _, err := sink.AppendBatch(ctx, survivors, channel.Name); err != nil {
			return inserted, fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return inserted, nil
}

// finishChannel records the terminal status transition. It runs even when the
// channel context is already canceled so failed channels are never left
// stuck in processing.
func (o *Orchestrator) finishChannel(ctx context.Context, channel source.ChannelInfo, result *ChannelResult, startedAt string, channelLogger *zap.Logger) {
	endedAt := o.clock().UTC().Format(store.TimestampLayout)
	statusCtx := context.WithoutCancel(ctx)
	if err := o.updateProgress(statusCtx, channel, result.Status, startedAt, endedAt); err != nil {
		channelLogger.Error("failed to record channel status",
			zap.String("status", string(result.Status)),
			zap.Error(err))
	}
	if result.Err != nil {
		channelLogger.Error("channel processing failed", zap.Error(result.Err))
	}
}

func (o *Orchestrator) updateProgress(ctx context.Context, channel source.ChannelInfo, status store.FetchStatus, startedAt, endedAt string) error {
	progress := store.ChannelProgress{
		ChannelID:   channel.ID,
		ChannelName: channel.Name,
		Status:      status,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
	}
	for _, sink := range o.sinks {
		if err := sink.UpdateChannelProgress(ctx, progress); err != nil {
			return fmt.Errorf("sink %s: %w", sink.Name(), err)
		}
	}
	return nil
}
