package store

import (
	"testing"
	"time"

	"github.com/agentbus-dev/agentbus/event"
)

func TestRecordProjectionRoundTrip(t *testing.T) {
	ev := event.New(event.TypeTaskCompleted, "worker-1", &event.TaskCompleted{
		TaskID: "t1",
		Result: map[string]any{"ok": true},
	}).WithCorrelation("task-t1").WithTargets("coordinator").WithPriority(event.PriorityHigh)
	ev.TTL = 5 * time.Second

	rec, err := NewRecord(ev)
	if err != nil {
		t.Fatalf("NewRecord failed: %v", err)
	}
	if rec.ID != ev.ID || rec.Type != string(ev.Type) || rec.Processed {
		t.Errorf("unexpected record: %+v", rec)
	}

	back, err := rec.Event()
	if err != nil {
		t.Fatalf("Event failed: %v", err)
	}
	if back.ID != ev.ID || back.Type != ev.Type || back.Source != ev.Source {
		t.Errorf("identity mismatch: %+v", back)
	}
	if back.CorrelationID != "task-t1" || back.Priority != event.PriorityHigh {
		t.Errorf("metadata mismatch: %+v", back)
	}
	if back.TTL != 5*time.Second {
		t.Errorf("TTL mismatch: %v", back.TTL)
	}

	payload, ok := back.Data.(*event.TaskCompleted)
	if !ok {
		t.Fatalf("payload type %T", back.Data)
	}
	if payload.TaskID != "t1" {
		t.Errorf("payload TaskID = %q", payload.TaskID)
	}
	if okVal, _ := payload.Result["ok"].(bool); !okVal {
		t.Errorf("payload Result = %v", payload.Result)
	}

	if err := back.Validate(); err != nil {
		t.Errorf("rebuilt event should validate: %v", err)
	}
}

func TestRecordEvent_UnknownType(t *testing.T) {
	rec := &Record{ID: "e1", Type: "not.a.type", Source: "a", Timestamp: time.Now()}
	if _, err := rec.Event(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestDedupWindow(t *testing.T) {
	d := newDedupWindow(50 * time.Millisecond)

	d.remember("e1")
	if !d.seen("e1") {
		t.Error("id should be inside the window")
	}
	if d.seen("e2") {
		t.Error("unknown id should not be seen")
	}

	time.Sleep(80 * time.Millisecond)
	if d.seen("e1") {
		t.Error("id should have expired")
	}
}
