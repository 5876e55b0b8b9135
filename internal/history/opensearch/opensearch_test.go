package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/renkaru/servisr/internal/history"
)

func TestSinkSend(t *testing.T) {
	var gotBody []byte
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/idx/_doc" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		gotBody = b
		w.WriteHeader(201)
	}))
	defer ts.Close()

	sink := New(ts.URL, "idx")
	e := history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Key: "nllb", Port: 5155, PID: 42}
	if err := sink.Send(context.Background(), e); err != nil {
		t.Fatalf("send: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(gotBody, &m); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if m["type"] != "start" || m["key"] != "nllb" {
		t.Fatalf("unexpected payload: %v", m)
	}
}

func TestSinkSendErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := New(ts.URL, "idx")
	e := history.Event{Type: history.EventStop, OccurredAt: time.Now().UTC(), Key: "nllb"}
	if err := sink.Send(context.Background(), e); err == nil {
		t.Fatalf("expected error for 500 response")
	}
}
