// Package history keeps the rolling conversation transcript: what the user
// said and what the assistant answered, bounded to the most recent turns.
// The log can optionally be saved to a JSON file on shutdown and reloaded on
// the next start.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in the conversation.
type Turn struct {
	ID   string    `json:"id,omitempty"`
	Role Role      `json:"role"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`

	// Mode records which conversation mode produced the turn.
	Mode string `json:"mode,omitempty"`
}

// Log is a bounded in-memory conversation transcript. Safe for concurrent
// use.
type Log struct {
	mu       sync.Mutex
	turns    []Turn
	maxTurns int
}

// NewLog creates a log holding at most maxTurns entries; older entries are
// evicted first. maxTurns below 1 falls back to 50.
func NewLog(maxTurns int) *Log {
	if maxTurns < 1 {
		maxTurns = 50
	}
	return &Log{maxTurns: maxTurns}
}

// Append records one turn, evicting the oldest entry when full.
func (l *Log) Append(t Turn) {
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = append(l.turns, t)
	if len(l.turns) > l.maxTurns {
		l.turns = l.turns[len(l.turns)-l.maxTurns:]
	}
}

// Turns returns a copy of the current transcript, oldest first.
func (l *Log) Turns() []Turn {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Turn, len(l.turns))
	copy(out, l.turns)
	return out
}

// Len returns the number of stored turns.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.turns)
}

// Clear discards the transcript.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.turns = nil
}

// Save writes the transcript to path as JSON, creating parent directories
// as needed. The write goes through a temp file and rename so a crash never
// leaves a truncated transcript.
func (l *Log) Save(path string) error {
	data, err := json.MarshalIndent(l.Turns(), "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("history: create %q: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("history: rename %q: %w", tmp, err)
	}
	return nil
}

// Load replaces the transcript with the contents of path. A missing file is
// not an error; the log is simply left empty.
func (l *Log) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("history: read %q: %w", path, err)
	}
	var turns []Turn
	if err := json.Unmarshal(data, &turns); err != nil {
		return fmt.Errorf("history: parse %q: %w", path, err)
	}
	if len(turns) > l.maxTurns {
		turns = turns[len(turns)-l.maxTurns:]
	}
	l.mu.Lock()
	l.turns = turns
	l.mu.Unlock()
	return nil
}
