package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	for _, a := range []Action{ActionDeploy, ActionStart, ActionStop} {
		if err := l.Append(Entry{Action: a, ToolID: "weather-skill", Version: "1.0.0", InitiatedBy: "control-plane"}); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].Action != ActionStop {
		t.Errorf("entries not newest-first: %v", entries[0].Action)
	}
	for _, e := range entries {
		if e.ID == "" || e.Timestamp.IsZero() {
			t.Errorf("entry missing id or timestamp: %+v", e)
		}
	}
}

func TestAppendIsAppendOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)

	if err := l.Append(Entry{Action: ActionDeploy, ToolID: "a"}); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(path)

	if err := l.Append(Entry{Action: ActionError, ToolID: "a", Reason: "boom"}); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)

	if len(second) <= len(first) || string(second[:len(first)]) != string(first) {
		t.Fatal("log was rewritten instead of appended")
	}
}

func TestRecentLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	for i := 0; i < 20; i++ {
		if err := l.Append(Entry{Action: ActionDeploy, ToolID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := l.Recent(5)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Errorf("limit ignored: got %d", len(entries))
	}

	entries, err = l.Recent(-1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 20 {
		t.Errorf("negative limit not normalized: got %d", len(entries))
	}
}

func TestRecentSkipsCorruptLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	if err := l.Append(Entry{Action: ActionDeploy, ToolID: "a"}); err != nil {
		t.Fatal(err)
	}
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString("{truncated\n")
	f.Close()
	if err := l.Append(Entry{Action: ActionStop, ToolID: "a"}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("expected corrupt line skipped, got %d entries", len(entries))
	}
}

func TestEntryWireFormat(t *testing.T) {
	e := Entry{
		ID:          "id-1",
		Action:      ActionRollback,
		ToolID:      "weather-skill",
		Version:     "1.0.0",
		InitiatedBy: "health-monitor",
		Reason:      "crash within health window",
		Timestamp:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"id", "action", "toolId", "version", "initiatedBy", "reason", "timestamp"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("wire format missing field %q: %s", field, data)
		}
	}
}

func TestBackgroundSyncRetries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	var mu sync.Mutex
	var uploaded []Entry
	fail := true
	uploader := func(ctx context.Context, entries []Entry) error {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return errors.New("upstream down")
		}
		uploaded = append(uploaded, entries...)
		return nil
	}

	l := NewLogger(path, WithUploader(uploader), WithSyncInterval(10*time.Millisecond))
	l.StartSync(context.Background())
	defer l.Close()

	if err := l.Append(Entry{Action: ActionDeploy, ToolID: "a"}); err != nil {
		t.Fatal(err)
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	fail = false
	mu.Unlock()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(uploaded)
		mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("entry never uploaded after upstream recovered")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCloseWithoutSync(t *testing.T) {
	l := NewLogger(filepath.Join(t.TempDir(), "audit.log"))
	done := make(chan struct{})
	go func() {
		l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked with no sync loop running")
	}
}

func TestFileIsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l := NewLogger(path)
	for i := 0; i < 3; i++ {
		if err := l.Append(Entry{Action: ActionDeploy, ToolID: "a"}); err != nil {
			t.Fatal(err)
		}
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Errorf("line %d is not a JSON entry: %v", lines, err)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("expected 3 lines, got %d", lines)
	}
}
