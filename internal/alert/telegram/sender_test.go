package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

func TestSendAlertTargetsChatAndThread(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		path string
		got  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fields := map[string]string{}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
			var raw map[string]any
			_ = json.Unmarshal(body, &raw)
			for k, v := range raw {
				b, _ := json.Marshal(v)
				fields[k] = strings.Trim(string(b), `"`)
			}
		} else if q, err := url.ParseQuery(string(body)); err == nil {
			for k := range q {
				fields[k] = q.Get(k)
			}
		}
		mu.Lock()
		path, got = r.URL.Path, fields
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"chat":{"id":-100}}}`))
	}))
	t.Cleanup(srv.Close)

	s, err := New(Config{Token: "tok", ChatID: -100, ThreadID: 9, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.SendAlert(context.Background(), "gateway breaker open"); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if path != "/bottok/sendMessage" {
		t.Fatalf("path: got %q, want /bottok/sendMessage", path)
	}
	if got["chat_id"] != "-100" {
		t.Fatalf("chat_id: got %q, want -100", got["chat_id"])
	}
	if got["message_thread_id"] != "9" {
		t.Fatalf("message_thread_id: got %q, want 9", got["message_thread_id"])
	}
	if got["text"] != "gateway breaker open" {
		t.Fatalf("text: got %q", got["text"])
	}
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{ChatID: 1}); err == nil {
		t.Fatalf("missing token: got nil error")
	}
	if _, err := New(Config{Token: "x"}); err == nil {
		t.Fatalf("missing chat: got nil error")
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	if got := truncate("héllo", 10); got != "héllo" {
		t.Fatalf("short: got %q", got)
	}
	got := truncate(strings.Repeat("é", 10), 4)
	if got != "ééé…" {
		t.Fatalf("long: got %q, want ééé…", got)
	}
}
