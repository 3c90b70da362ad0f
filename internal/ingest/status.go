package ingest

import (
	"sync"
	"time"

	"github.com/JayPonda/TeliScript/internal/store"
)

// StatusSnapshot is a read-only view of a run's progress, safe to hand to
// status endpoints while the run is still mutating.
type StatusSnapshot struct {
	RunID             string `json:"run_id"`
	Running           bool   `json:"is_running"`
	StartedAt         string `json:"start_time,omitempty"`
	FinishedAt        string `json:"end_time,omitempty"`
	Progress          string `json:"progress"`
	CurrentChannel    string `json:"current_channel,omitempty"`
	TotalChannels     int    `json:"total_channels"`
	ChannelsProcessed int    `json:"channels_processed"`
	MessagesAdded     int    `json:"messages_added"`
	LastError         string `json:"error,omitempty"`
}

// RunStatus tracks one run's progress behind a mutex. It is passed explicitly
// to the coordinator; callers read it only through Snapshot.
type RunStatus struct {
	mu   sync.Mutex
	snap StatusSnapshot
}

// NewRunStatus returns a status tracker for the given run identifier.
func NewRunStatus(runID string) *RunStatus {
	return &RunStatus{snap: StatusSnapshot{RunID: runID, Progress: "pending"}}
}

// Snapshot returns a copy of the current state.
func (s *RunStatus) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *RunStatus) begin(now time.Time, totalChannels int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Running = true
	s.snap.StartedAt = now.UTC().Format(store.TimestampLayout)
	s.snap.TotalChannels = totalChannels
	s.snap.Progress = "processing channels"
}

func (s *RunStatus) setProgress(progress string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Progress = progress
}

func (s *RunStatus) channelStarted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.CurrentChannel = name
}

func (s *RunStatus) channelFinished(result ChannelResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.ChannelsProcessed++
	s.snap.MessagesAdded += result.New
}

func (s *RunStatus) finish(now time.Time, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Running = false
	s.snap.CurrentChannel = ""
	s.snap.FinishedAt = now.UTC().Format(store.TimestampLayout)
	if runErr != nil {
		s.snap.Progress = "failed"
		s.snap.LastError = runErr.Error()
	} else {
		s.snap.Progress = "completed"
	}
}
