package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	logx "promobot/pkg/logx"
)

const sampleYAML = `
logging:
  level: debug
  console: true
scheduler:
  enabled: true
  timezone: America/Sao_Paulo
  daily_at: "08:30"
  weekly_day: friday
dispatch:
  batch_size: 25
  batch_delay: 2s
gateway:
  base_url: http://127.0.0.1:3000
  token: file-token
storage:
  driver: sqlite
  path: ./promobot.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestDecodeYAMLAndJSON(t *testing.T) {
	t.Parallel()

	cfg, err := Decode("promobot.yaml", []byte(sampleYAML))
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if cfg.Dispatch.BatchSize != 25 || cfg.Scheduler.WeeklyDay != "friday" || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("yaml decode: got %+v", cfg)
	}

	cfg, err = Decode("promobot.json", []byte(`{"dispatch":{"batch_size":5},"reconciler":{"batch_limit":50}}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if cfg.Dispatch.BatchSize != 5 || cfg.Reconciler.BatchLimit != 50 {
		t.Fatalf("json decode: got %+v", cfg)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		path string
		raw  string
	}{
		{"unknown json key", "c.json", `{"dispatch":{"batchsize":5}}`},
		{"unknown yaml key", "c.yaml", "plugins:\n  echo: {}\n"},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yml", "dispatch: [\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tc.path, []byte(tc.raw)); err == nil {
				t.Fatalf("got nil error, want rejection")
			}
		})
	}
}

func TestManagerAppliesEnvSecrets(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "promobot.yaml", sampleYAML), logx.Nop())
	m.Env = func() (Secrets, error) {
		return Secrets{GatewayToken: "env-token", StorageDSN: "postgres://x"}, nil
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Token != "env-token" {
		t.Fatalf("gateway token: got %q, want env-token", cfg.Gateway.Token)
	}
	if cfg.Storage.DSN != "postgres://x" {
		t.Fatalf("dsn: got %q", cfg.Storage.DSN)
	}
	if cfg.Ops.Token != "" {
		t.Fatalf("ops token: got %q, want empty", cfg.Ops.Token)
	}
	if m.Get() != cfg {
		t.Fatalf("Get did not return the committed config")
	}
}

func TestReloadPublishesOnlyValidChanges(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "promobot.json", `{"dispatch":{"batch_size":10}}`)
	m := NewManager(path, logx.Nop())
	m.Env = nil
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Dispatch.BatchSize > 100 {
			return context.DeadlineExceeded
		}
		return nil
	})
	sub := m.Subscribe(1)
	ctx := context.Background()

	if m.reload(ctx) {
		t.Fatalf("unchanged file: got publish, want skip")
	}

	if err := os.WriteFile(path, []byte(`{"dispatch":{"batch_size":500}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.reload(ctx) {
		t.Fatalf("rejected config: got publish")
	}

	if err := os.WriteFile(path, []byte(`{"dispatch":{"batch_size":20}}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.reload(ctx) {
		t.Fatalf("valid change: got skip, want publish")
	}
	select {
	case c := <-sub:
		if c.Dispatch.BatchSize != 20 {
			t.Fatalf("published batch size: got %d, want 20", c.Dispatch.BatchSize)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config published")
	}
	m.Unsubscribe(sub)
	if _, ok := <-sub; ok {
		t.Fatalf("channel still open after Unsubscribe")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused.json", logx.Nop())
	sub := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	if got := <-sub; got != b {
		t.Fatalf("slow subscriber: got older config, want newest")
	}
}

func TestSummarizeNeverLeaksSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{Gateway: GatewayConfig{BaseURL: "http://a", Token: "old-secret"}}
	next := &Config{
		Gateway:  GatewayConfig{BaseURL: "http://a", Token: "new-secret"},
		Storage:  StorageConfig{Driver: "postgres", DSN: "postgres://user:pw@db/promobot"},
		Ops:      OpsConfig{Enabled: true, Token: "ops-secret"},
		Dispatch: DispatchConfig{BatchSize: 3},
	}
	sections, attrs, restart := SummarizeConfigChange(old, next)

	want := "dispatch,gateway,ops,storage"
	if got := strings.Join(sections, ","); got != want {
		t.Fatalf("sections: got %q, want %q", got, want)
	}
	if got := strings.Join(restart, ","); got != "gateway,storage" {
		t.Fatalf("restart: got %q, want gateway,storage", got)
	}
	var buf bytes.Buffer
	zl := zerolog.New(&buf)
	ev := zl.Info()
	for _, f := range attrs {
		f(ev)
	}
	ev.Msg("summary")
	for _, secret := range []string{"old-secret", "new-secret", "ops-secret", "pw@db"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("summary leaks %q: %s", secret, buf.String())
		}
	}
	if !strings.Contains(buf.String(), `"gateway.token_set":true`) {
		t.Fatalf("summary: got %s, want gateway.token_set", buf.String())
	}
}

func TestParseWeekday(t *testing.T) {
	t.Parallel()
	cases := map[string]time.Weekday{"": time.Monday, "FRI": time.Friday, " sunday ": time.Sunday}
	for in, want := range cases {
		got, err := ParseWeekday(in)
		if err != nil || got != want {
			t.Fatalf("ParseWeekday(%q): got %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseWeekday("someday"); err == nil {
		t.Fatalf("unknown day: got nil error")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "PROMOBOT_TEST_DOTENV_GATEWAY_TOKEN"
	t.Cleanup(func() { _ = os.Unsetenv(key) })
	p := writeFile(t, ".env", key+"=from-dotenv\n")

	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := os.Getenv(key); got != "from-dotenv" {
		t.Fatalf("env: got %q, want from-dotenv", got)
	}
}

func TestLoadSecretsReadsPrefixedEnv(t *testing.T) {
	t.Setenv("PROMOBOT_OPS_TOKEN", "ops-env")
	s, err := LoadSecrets()
	if err != nil {
		t.Fatal(err)
	}
	if s.OpsToken != "ops-env" {
		t.Fatalf("ops token: got %q, want ops-env", s.OpsToken)
	}
}
