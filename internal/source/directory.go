package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	json "github.com/goccy/go-json"
)

const channelListFile = "channels.json"

// DirectorySource replays channel dumps from a local directory. The directory
// holds a channels.json file listing ChannelInfo entries and one
// <handle>.jsonl file per channel with RawMessage lines, newest first. It is
// the built-in Source implementation used for offline replay and testing;
// network-backed sources implement the same interface.
type DirectorySource struct {
	root string
}

// NewDirectorySource validates the directory layout and returns a source.
func NewDirectorySource(root string) (*DirectorySource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("source: opening directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("source: %s is not a directory", root)
	}
	return &DirectorySource{root: root}, nil
}

// ListChannels reads the channel list, truncated to limit.
func (s *DirectorySource) ListChannels(_ context.Context, limit int) ([]ChannelInfo, error) {
	data, err := os.ReadFile(filepath.Join(s.root, channelListFile))
	if err != nil {
		return nil, fmt.Errorf("source: reading channel list: %w", err)
	}
	var channels []ChannelInfo
	if err := json.Unmarshal(data, &channels); err != nil {
		return nil, fmt.Errorf("source: decoding channel list: %w", err)
	}
	if limit > 0 && len(channels) > limit {
		channels = channels[:limit]
	}
	return channels, nil
}

// FetchMessages opens the channel's dump file as a newest-first stream.
func (s *DirectorySource) FetchMessages(_ context.Context, handle string, _ time.Time, limit int) (MessageStream, error) {
	file, err := os.Open(filepath.Join(s.root, handle+".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("source: opening dump for %s: %w", handle, err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &fileStream{file: file, scanner: scanner, remaining: limit}, nil
}

// Close is a no-op for directory-backed sources.
func (s *DirectorySource) Close(context.Context) error {
	return nil
}

type fileStream struct {
	file      *os.File
	scanner   *bufio.Scanner
	remaining int
	done      bool
}

func (st *fileStream) Next(ctx context.Context) (RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return RawMessage{}, err
	}
	if st.done || st.remaining <= 0 {
		st.finish()
		return RawMessage{}, ErrEndOfStream
	}
	if !st.scanner.Scan() {
		st.finish()
		if err := st.scanner.Err(); err != nil {
			return RawMessage{}, fmt.Errorf("source: reading dump: %w", err)
		}
		return RawMessage{}, ErrEndOfStream
	}
	st.remaining--

	var message RawMessage
	if err := json.Unmarshal(st.scanner.Bytes(), &message); err != nil {
		return RawMessage{}, fmt.Errorf("source: decoding message line: %w", err)
	}
	return message, nil
}

func (st *fileStream) finish() {
	if !st.done {
		st.done = true
		st.file.Close()
	}
}
