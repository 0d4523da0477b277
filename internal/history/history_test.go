package history

import (
	"fmt"
	"path/filepath"
	"testing"
)

func TestAppendAndTurns(t *testing.T) {
	l := NewLog(10)
	l.Append(Turn{Role: RoleUser, Text: "hello"})
	l.Append(Turn{Role: RoleAssistant, Text: "hi there"})

	turns := l.Turns()
	if len(turns) != 2 {
		t.Fatalf("len = %d, want 2", len(turns))
	}
	if turns[0].Role != RoleUser || turns[0].Text != "hello" {
		t.Errorf("first turn = %+v", turns[0])
	}
	if turns[1].Role != RoleAssistant {
		t.Errorf("second turn = %+v", turns[1])
	}
	if turns[0].Time.IsZero() {
		t.Error("timestamp not filled in")
	}
}

func TestBoundedEviction(t *testing.T) {
	l := NewLog(3)
	for i := 0; i < 5; i++ {
		l.Append(Turn{Role: RoleUser, Text: fmt.Sprintf("turn %d", i)})
	}
	turns := l.Turns()
	if len(turns) != 3 {
		t.Fatalf("len = %d, want 3", len(turns))
	}
	if turns[0].Text != "turn 2" || turns[2].Text != "turn 4" {
		t.Errorf("eviction kept wrong turns: %+v", turns)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "history.json")

	l := NewLog(10)
	l.Append(Turn{Role: RoleUser, Text: "what time is it", Mode: "legacy"})
	l.Append(Turn{Role: RoleAssistant, Text: "half past nine"})
	if err := l.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := NewLog(10)
	if err := restored.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	turns := restored.Turns()
	if len(turns) != 2 {
		t.Fatalf("restored len = %d, want 2", len(turns))
	}
	if turns[0].Text != "what time is it" || turns[0].Mode != "legacy" {
		t.Errorf("restored turn = %+v", turns[0])
	}
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLog(10)
	if err := l.Load(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Errorf("Load on missing file = %v, want nil", err)
	}
	if l.Len() != 0 {
		t.Errorf("len = %d, want 0", l.Len())
	}
}

func TestLoadTruncatesToBound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	big := NewLog(100)
	for i := 0; i < 10; i++ {
		big.Append(Turn{Role: RoleUser, Text: fmt.Sprintf("turn %d", i)})
	}
	if err := big.Save(path); err != nil {
		t.Fatal(err)
	}

	small := NewLog(4)
	if err := small.Load(path); err != nil {
		t.Fatal(err)
	}
	turns := small.Turns()
	if len(turns) != 4 {
		t.Fatalf("len = %d, want 4", len(turns))
	}
	if turns[0].Text != "turn 6" {
		t.Errorf("oldest kept = %q, want turn 6", turns[0].Text)
	}
}

func TestClear(t *testing.T) {
	l := NewLog(10)
	l.Append(Turn{Role: RoleUser, Text: "hello"})
	l.Clear()
	if l.Len() != 0 {
		t.Errorf("len after clear = %d", l.Len())
	}
}
