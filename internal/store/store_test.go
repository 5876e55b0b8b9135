package store

import (
	"testing"
	"time"
)

func TestUniqueKey(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 500, time.UTC)
	k := UniqueKey(4242, at)
	if k != "4242-1748779200000000500" {
		t.Fatalf("unexpected unique key: %q", k)
	}
}

func TestRunKeyPrefersExplicitUniq(t *testing.T) {
	at := time.Now().UTC()
	r := Record{Key: "nllb", PID: 77, StartedAt: at}
	if got, want := r.RunKey(), UniqueKey(77, at); got != want {
		t.Fatalf("run key mismatch: got %q want %q", got, want)
	}
	r.Uniq = "explicit"
	if r.RunKey() != "explicit" {
		t.Fatalf("expected explicit uniq to win, got %q", r.RunKey())
	}
}
