package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ravshansbox/rho/pkg/lock"
)

// Stats summarizes the damage observed while reading a brain log.
type Stats struct {
	// Total counts well-formed entries returned.
	Total int `json:"total"`
	// BadLines counts lines that were not valid JSON entries.
	BadLines int `json:"badLines"`
	// TruncatedTail is true when the file ended mid-line (crash during an
	// append). The partial line is dropped, not counted as bad.
	TruncatedTail bool `json:"truncatedTail"`
}

// LockPath returns the mutex file guarding writes to brainPath.
func LockPath(brainPath string) string {
	return brainPath + ".lock"
}

// ReadBrain reads every well-formed entry from the JSONL log at path.
// A missing file yields an empty result. Malformed lines are skipped and
// counted; readers never fail on a damaged log.
func ReadBrain(path string) ([]Entry, Stats, error) {
	var stats Stats
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, stats, nil
		}
		return nil, stats, fmt.Errorf("failed to read brain log: %w", err)
	}
	if len(data) == 0 {
		return nil, stats, nil
	}

	lines := bytes.Split(data, []byte("\n"))
	last := len(lines) - 1
	if len(lines[last]) > 0 {
		// File does not end with a newline: the tail is an in-progress
		// append and must not be emitted, even if it parses.
		stats.TruncatedTail = true
	}
	lines = lines[:last]

	entries := make([]Entry, 0, len(lines))
	for _, line := range lines {
		text := strings.TrimSpace(string(line))
		if text == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(text), &e); err != nil || e.Type == "" {
			stats.BadLines++
			continue
		}
		entries = append(entries, e)
		stats.Total++
	}
	return entries, stats, nil
}

// AppendEntry validates entry and appends it to the log at path as one
// JSON line, serialized against other writers by the brain file lock.
func AppendEntry(ctx context.Context, path string, entry *Entry) error {
	if err := Validate(entry); err != nil {
		return err
	}
	return lock.WithFileLock(ctx, LockPath(path), lockOptions(), func() error {
		return appendLine(path, entry)
	})
}

// AppendEntryWithDedup is AppendEntry, except that the current materialized
// state is folded inside the lock and the append is skipped when isDuplicate
// reports a match. Returns whether the entry was written.
func AppendEntryWithDedup(
	ctx context.Context,
	path string,
	entry *Entry,
	isDuplicate func(*Brain, *Entry) bool,
) (bool, error) {
	if err := Validate(entry); err != nil {
		return false, err
	}
	wrote := false
	err := lock.WithFileLock(ctx, LockPath(path), lockOptions(), func() error {
		entries, _, err := ReadBrain(path)
		if err != nil {
			return err
		}
		if isDuplicate(Fold(entries), entry) {
			return nil
		}
		if err := appendLine(path, entry); err != nil {
			return err
		}
		wrote = true
		return nil
	})
	return wrote, err
}

func appendLine(path string, entry *Entry) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create brain directory: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal brain entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open brain log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append brain entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync brain log: %w", err)
	}
	return nil
}

func lockOptions() lock.FileLockOptions {
	return lock.FileLockOptions{
		StaleAfter: 30 * time.Second,
		Timeout:    5 * time.Second,
		Purpose:    "brain-append",
	}
}
