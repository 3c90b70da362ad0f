package ingest

import (
	"time"

	"github.com/JayPonda/TeliScript/internal/store"
	"go.uber.org/zap"
)

// Window is the instant range requested from the source for one channel run.
type Window struct {
	Since    time.Time
	Until    time.Time
	DaysBack int
}

// Planner computes per-channel fetch windows from stored backup progress.
type Planner struct {
	maxLookbackDays int
	location        *time.Location
	clock           func() time.Time
	logger          *zap.Logger
}

// NewPlanner constructs a Planner. The location fixes the local-time boundary
// used for window arithmetic; clock defaults to time.Now.
func NewPlanner(maxLookbackDays int, location *time.Location, clock func() time.Time, logger *zap.Logger) *Planner {
	if maxLookbackDays < 1 {
		maxLookbackDays = 1
	}
	if location == nil {
		location = time.UTC
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		maxLookbackDays: maxLookbackDays,
		location:        location,
		clock:           clock,
		logger:          logger,
	}
}

// ParseBackupTimestamp parses a stored last_backup_timestamp. Both RFC3339 and
// the legacy "YYYY-MM-DD HH:MM:SS" layout are accepted; legacy values are
// interpreted in the given location.
func ParseBackupTimestamp(raw string, location *time.Location) (time.Time, error) {
	if parsed, err := time.Parse(store.TimestampLayout, raw); err == nil {
		return parsed, nil
	}
	return time.ParseInLocation(store.LegacyTimestampLayout, raw, location)
}

// Plan returns the fetch window for a channel given its stored
// last_backup_timestamp. Lookback is clamped to [1, maxLookbackDays]; a
// missing or unparseable timestamp falls back to the full lookback and is
// logged, never failed.
func (p *Planner) Plan(channelName, lastBackupTimestamp string) Window {
	now := p.clock().In(p.location)
	daysBack := p.maxLookbackDays

	if lastBackupTimestamp == "" {
		p.logger.Info("no backup timestamp, using full lookback",
			zap.String("channel", channelName),
			zap.Int("days_back", daysBack))
	} else if lastBackup, err := ParseBackupTimestamp(lastBackupTimestamp, p.location); err != nil {
		p.logger.Warn("unparseable backup timestamp, using full lookback",
			zap.String("channel", channelName),
			zap.String("timestamp", lastBackupTimestamp),
			zap.Int("days_back", daysBack))
	} else {
		daysSince := int(now.Sub(lastBackup).Hours() / 24)
		daysBack = clampDays(daysSince, 1, p.maxLookbackDays)
	}

	return Window{
		Since:    now.AddDate(0, 0, -daysBack).UTC(),
		Until:    now.UTC(),
		DaysBack: daysBack,
	}
}

// SeedTimestamp returns the last_backup_timestamp seeded onto first-seen
// channels: the first day of the previous month, so initial runs have a
// bounded window.
func (p *Planner) SeedTimestamp() string {
	now := p.clock().In(p.location)
	firstOfCurrent := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, p.location)
	firstOfPrevious := firstOfCurrent.AddDate(0, -1, 0)
	return firstOfPrevious.Format(store.TimestampLayout)
}

func clampDays(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
