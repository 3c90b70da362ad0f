package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JayPonda/TeliScript/internal/source"
	"github.com/JayPonda/TeliScript/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errMissingStats = errors.New("stats reader is required")

	// ErrDiscoveryFailed wraps a channel discovery failure; nothing was
	// fetched or written when it is returned.
	ErrDiscoveryFailed = errors.New("ingest: channel discovery failed")
)

// StatsReader reports sink-wide totals for the run summary.
type StatsReader interface {
	TotalMessages(ctx context.Context) (int64, error)
}

// Summary is the aggregate outcome of one run. It is always produced, even
// when some channels failed; only run-level errors (no source, unreadable
// history) abort a run.
type Summary struct {
	RunID                string
	ChannelsDiscovered   int
	ChannelsDone         int
	ChannelsFailed       int
	ChannelsWithMessages int
	NewMessages          int
	TotalBefore          int64
	TotalAfter           int64
	GrowthPercent        float64
	Duration             time.Duration
	Results              []ChannelResult
}

// CoordinatorConfig wires a run coordinator.
type CoordinatorConfig struct {
	Source       source.Source
	Sinks        []Sink
	Directory    ChannelDirectory
	Stats        StatsReader
	Normalizer   *Normalizer
	Planner      *Planner
	ChannelLimit int
	FetchLimit   int
	FetchTimeout time.Duration
	Concurrency  int
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Coordinator discovers channels and fans the orchestrator out across them
// with bounded concurrency, rebuilding the fingerprint index at the start of
// every run.
type Coordinator struct {
	cfg    CoordinatorConfig
	clock  func() time.Time
	logger *zap.Logger
}

// NewCoordinator validates the wiring and returns a Coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if len(cfg.Sinks) == 0 {
		return nil, errMissingSinks
	}
	if cfg.Directory == nil {
		return nil, errMissingDirectory
	}
	if cfg.Stats == nil {
		return nil, errMissingStats
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = noOpLogger
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Coordinator{cfg: cfg, clock: cfg.Clock, logger: cfg.Logger}, nil
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Run executes one end-to-end backup pass. The source connection is released
// on the way out, success or failure. A channel failing is folded into the
// summary; a source or history failure aborts the run.
func (c *Coordinator) Run(ctx context.Context, status *RunStatus) (Summary, error) {
	if status == nil {
		status = NewRunStatus(NewRunID())
	}
	startedAt := c.clock()
	summary := Summary{RunID: status.Snapshot().RunID}
	runLogger := c.logger.With(zap.String("run_id", summary.RunID))

	defer func() {
		if err := c.cfg.Source.Close(context.WithoutCancel(ctx)); err != nil {
			runLogger.Warn("failed to close source", zap.Error(err))
		}
	}()

	finish := func(err error) (Summary, error) {
		summary.Duration = c.clock().Sub(startedAt)
		status.finish(c.clock(), err)
		return summary, err
	}

	status.setProgress("discovering channels")
	channels, err := c.cfg.Source.ListChannels(ctx, c.cfg.ChannelLimit)
	if err != nil {
		return finish(fmt.Errorf("%w: %v", ErrDiscoveryFailed, err))
	}
	summary.ChannelsDiscovered = len(channels)
	if len(channels) == 0 {
		runLogger.Info("no channels discovered, nothing to do")
		return finish(nil)
	}

	totalBefore, err := c.cfg.Stats.TotalMessages(ctx)
	if err != nil {
		return finish(err)
	}
	summary.TotalBefore = totalBefore

	status.setProgress("loading fingerprint history")
	readers := make([]HistoryReader, 0, len(c.cfg.Sinks))
	for _, sink := range c.cfg.Sinks {
		readers = append(readers, sink)
	}
	index, err := BuildIndex(ctx, readers, runLogger)
	if err != nil {
		return finish(err)
	}
	runLogger.Info("fingerprint index built", zap.Int("fingerprints", index.Len()))

	orchestrator, err := NewOrchestrator(OrchestratorConfig{
		Source:       c.cfg.Source,
		Sinks:        c.cfg.Sinks,
		Directory:    c.cfg.Directory,
		Index:        index,
		Normalizer:   c.cfg.Normalizer,
		Planner:      c.cfg.Planner,
		FetchLimit:   c.cfg.FetchLimit,
		FetchTimeout: c.cfg.FetchTimeout,
		Clock:        c.clock,
		Logger:       runLogger,
	})
	if err != nil {
		return finish(err)
	}

	status.begin(c.clock(), len(channels))
	runLogger.Info("processing channels",
		zap.Int("channels", len(channels)),
		zap.Int("concurrency", c.cfg.Concurrency))

	results := make([]ChannelResult, len(channels))
	group := &errgroup.Group{}
	group.SetLimit(c.cfg.Concurrency)
	for i, channel := range channels {
		group.Go(func() error {
			status.channelStarted(channel.Name)
			results[i] = orchestrator.ProcessChannel(ctx, channel)
			status.channelFinished(results[i])
			return nil
		})
	}
	// Channel errors never surface through the group; they live in results.
	group.Wait() //nolint:errcheck

	summary.Results = results
	for _, result := range results {
		switch result.Status {
		case store.FetchStatusDone:
			summary.ChannelsDone++
		default:
			summary.ChannelsFailed++
		}
		if result.New > 0 {
			summary.ChannelsWithMessages++
		}
		summary.NewMessages += result.New
	}

	totalAfter, err := c.cfg.Stats.TotalMessages(context.WithoutCancel(ctx))
	if err != nil {
		return finish(err)
	}
	summary.TotalAfter = totalAfter
	if summary.TotalBefore > 0 && summary.TotalAfter > summary.TotalBefore {
		summary.GrowthPercent = float64(summary.TotalAfter-summary.TotalBefore) / float64(summary.TotalBefore) * 100
	}

	sort.SliceStable(summary.Results, func(i, j int) bool {
		return summary.Results[i].New > summary.Results[j].New
	})

	runLogger.Info("run complete",
		zap.Int("channels_discovered", summary.ChannelsDiscovered),
		zap.Int("channels_done", summary.ChannelsDone),
		zap.Int("channels_failed", summary.ChannelsFailed),
		zap.Int("channels_with_messages", summary.ChannelsWithMessages),
		zap.Int("new_messages", summary.NewMessages),
		zap.Int64("total_before", summary.TotalBefore),
		zap.Int64("total_after", summary.TotalAfter),
		zap.Float64("growth_percent", summary.GrowthPercent))

	return finish(nil)
}
