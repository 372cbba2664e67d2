package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/fleetd/internal/db"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error = %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestAppendAndQuery(t *testing.T) {
	l := newTestLedger(t)

	err := l.Append(Entry{
		EventType: EventControlSucceeded,
		Target:    "g1",
		Axis:      "power",
		Payload:   map[string]any{"on": true},
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	err = l.Append(Entry{
		EventType:     EventControlFailed,
		CorrelationID: "fixed",
		Target:        "g1",
		Axis:          "brightness",
		Error:         "vendor error 500: boom",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	history, err := l.GetByTarget("g1", 10)
	if err != nil {
		t.Fatalf("GetByTarget() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	if history[0].EventType != EventControlFailed || history[0].CorrelationID != "fixed" || history[0].Error == "" {
		t.Errorf("newest entry = %+v", history[0])
	}
	if history[1].CorrelationID == "" {
		t.Error("empty correlation id should be generated")
	}
	if history[1].Payload["on"] != true {
		t.Errorf("payload = %v", history[1].Payload)
	}

	failed, err := l.GetByType(EventControlFailed, 10)
	if err != nil {
		t.Fatalf("GetByType() error = %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("len(failed) = %d, want 1", len(failed))
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := newTestLedger(t)

	now := time.Now()
	l.now = func() time.Time { return now.Add(-48 * time.Hour) }
	if err := l.Append(Entry{EventType: EventBulkCompleted, Target: "all"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	l.now = func() time.Time { return now }
	if err := l.Append(Entry{EventType: EventBulkCompleted, Target: "all"}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	deleted, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error = %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	rest, _ := l.GetByType(EventBulkCompleted, 10)
	if len(rest) != 1 {
		t.Errorf("remaining = %d, want 1", len(rest))
	}
}

func TestNewCorrelationID_Unique(t *testing.T) {
	if NewCorrelationID() == NewCorrelationID() {
		t.Error("NewCorrelationID() returned duplicates")
	}
}
