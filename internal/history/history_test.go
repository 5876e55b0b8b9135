package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestSQLSinkAppendsEvents(t *testing.T) {
	sink, err := NewSQLSinkFromDSN(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("open sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	ctx := context.Background()

	now := time.Now().UTC()
	events := []Event{
		{Type: EventStart, OccurredAt: now, Key: "nllb", Port: 5155, PID: 42},
		{Type: EventUnhealthy, OccurredAt: now.Add(time.Minute), Key: "nllb", Port: 5155, PID: 42, Detail: "3 consecutive probe failures"},
		{Type: EventRoute, OccurredAt: now.Add(2 * time.Minute), Key: "deepl", Provider: "deepl", RequestID: "req-1", Duration: 120 * time.Millisecond},
		{Type: EventStop, OccurredAt: now.Add(3 * time.Minute), Key: "nllb", Port: 5155, PID: 42, Detail: "exit status 9"},
	}
	for i, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	var total int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM service_history;`).Scan(&total); err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != len(events) {
		t.Fatalf("expected %d rows, got %d", len(events), total)
	}

	var keyRows int
	if err := sink.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM service_history WHERE service_key=?;`, "nllb").Scan(&keyRows); err != nil {
		t.Fatalf("count by key: %v", err)
	}
	if keyRows != 3 {
		t.Fatalf("expected 3 nllb rows, got %d", keyRows)
	}

	var provider, reqID string
	var durationNs int64
	if err := sink.db.QueryRowContext(ctx,
		`SELECT provider, request_id, duration_ns FROM service_history WHERE event=?;`, "route").
		Scan(&provider, &reqID, &durationNs); err != nil {
		t.Fatalf("route row: %v", err)
	}
	if provider != "deepl" || reqID != "req-1" {
		t.Fatalf("unexpected route row: %q %q", provider, reqID)
	}
	if time.Duration(durationNs) != 120*time.Millisecond {
		t.Fatalf("unexpected duration: %d", durationNs)
	}
}

func TestSQLSinkRejectsEmptyDSN(t *testing.T) {
	if _, err := NewSQLSinkFromDSN("   "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}
