package logx

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingSender) SendAlert(_ context.Context, text string) error {
	r.mu.Lock()
	r.msgs = append(r.msgs, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func TestFormatAlert(t *testing.T) {
	t.Parallel()

	got := FormatAlert([]byte(`{"level":"error","time":"x","message":"dispatch failed","campaign":"c1","err":"boom"}` + "\n"))
	want := "[ERROR] dispatch failed\n- campaign=c1\n- err=boom"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}

	if got := FormatAlert([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("got %q, want plain text", got)
	}
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	if got := truncate(strings.Repeat("a", 20), 12); got != "aaaaaaaaa..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("short", 12); got != "short" {
		t.Fatalf("got %q", got)
	}
}

func TestServiceForwardsOnlyAboveMinLevel(t *testing.T) {
	t.Parallel()

	rec := &recordingSender{}
	svc, log := New(Config{
		Level:  "debug",
		Alerts: AlertConfig{Enabled: true, MinLevel: "warn", RatePerSec: 100},
	}, rec)
	defer svc.Close()

	log.Info("routine")
	log.Error("persistence failed", String("message_id", "m1"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(rec.snapshot()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs := rec.snapshot()
	if len(msgs) != 1 {
		t.Fatalf("got %d alerts, want 1: %v", len(msgs), msgs)
	}
	if !strings.Contains(msgs[0], "persistence failed") || !strings.Contains(msgs[0], "message_id=m1") {
		t.Fatalf("unexpected alert: %q", msgs[0])
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()

	var l Logger
	if !l.IsZero() {
		t.Fatalf("zero logger should report IsZero")
	}
	l.Info("ignored")
	if l.With(String("k", "v")).IsZero() {
		t.Fatalf("logger with fields should not be zero")
	}
}
