package translate

import (
	"context"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// Transform rewrites message text before persistence. Implementations must be
// order-independent and safe to call from concurrent channel tasks; on failure
// they return the input unchanged rather than an error where possible, since
// translation is a derived field and must never block ingestion.
type Transform interface {
	Transform(ctx context.Context, text string) (string, error)
}

// Noop returns text unchanged. The default when translation is disabled.
type Noop struct{}

// Transform implements Transform.
func (Noop) Transform(_ context.Context, text string) (string, error) {
	return text, nil
}

// Table is a dictionary-backed transform: exact phrase matches are replaced,
// everything else passes through. Which phrases trigger a rewrite is purely a
// configuration choice, no language detection happens in-process.
type Table struct {
	entries map[string]string
}

// NewTable builds a Table from a phrase-to-replacement map.
func NewTable(entries map[string]string) *Table {
	copied := make(map[string]string, len(entries))
	for phrase, replacement := range entries {
		copied[strings.TrimSpace(phrase)] = replacement
	}
	return &Table{entries: copied}
}

// LoadTable reads a JSON object of phrase-to-replacement pairs from disk.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("translate: reading table: %w", err)
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("translate: decoding table: %w", err)
	}
	return NewTable(entries), nil
}

// Transform implements Transform.
func (t *Table) Transform(_ context.Context, text string) (string, error) {
	if replacement, ok := t.entries[strings.TrimSpace(text)]; ok {
		return replacement, nil
	}
	return text, nil
}
