package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"promobot/internal/audience"
	"promobot/internal/domain"
	logx "promobot/pkg/logx"
)

func intp(v int) *int { return &v }

var t0 = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	out := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := OpenSQLite(context.Background(), Config{Path: filepath.Join(t.TempDir(), "promobot.db"), BusyTimeout: time.Second}, logx.Nop())
			if err != nil {
				t.Fatalf("OpenSQLite: %v", err)
			}
			return st
		},
	}
	if dsn := os.Getenv("PROMOBOT_TEST_PG_DSN"); dsn != "" {
		out["postgres"] = func(t *testing.T) Store {
			st, err := OpenPostgres(context.Background(), Config{DSN: dsn}, logx.Nop())
			if err != nil {
				t.Fatalf("OpenPostgres: %v", err)
			}
			ps := st.(*postgresStore)
			if _, err := ps.pool.Exec(context.Background(), `TRUNCATE customers, campaigns, messages`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			return st
		}
	}
	return out
}

func seedCustomers(t *testing.T, st Store) {
	t.Helper()
	bday := time.Date(1990, 4, 2, 0, 0, 0, 0, time.UTC)
	cs := []domain.Customer{
		{ID: "c1", Name: "Ana", Phone: "5511", Status: domain.CustomerActive, Tags: []string{"VIP"}, Frequency: 10, LastVisit: t0.AddDate(0, 0, -3), Birthday: &bday, Attributes: map[string]string{"pet": "rex"}},
		{ID: "c2", Name: "Bia", Phone: "5512", Status: domain.CustomerActive, Tags: []string{"new"}, Frequency: 1, LastVisit: t0.AddDate(0, 0, -40)},
		{ID: "c3", Name: "Caio", Phone: "5513", Status: domain.CustomerInactive, Tags: []string{"vip"}, Frequency: 9, LastVisit: t0},
		{ID: "c4", Name: "Duda", Phone: "5514", Status: domain.CustomerActive, Tags: []string{"vip", "no-promo"}, Frequency: 5, LastVisit: t0.AddDate(0, 0, -1)},
	}
	for _, c := range cs {
		if err := st.UpsertCustomer(context.Background(), c); err != nil {
			t.Fatalf("UpsertCustomer(%s): %v", c.ID, err)
		}
	}
}

func TestFindActiveCustomersMatchesReferencePredicate(t *testing.T) {
	rules := []struct {
		name string
		rule domain.TargetingRule
		want []string
	}{
		{"all", domain.TargetingRule{AllClients: true}, []string{"c1", "c2", "c4"}},
		{"include", domain.TargetingRule{IncludeTags: []string{"vip"}}, []string{"c1", "c4"}},
		{"exclude", domain.TargetingRule{IncludeTags: []string{"VIP"}, ExcludeTags: []string{"no-promo"}}, []string{"c1"}},
		{"frequency", domain.TargetingRule{MinFrequency: intp(2), MaxFrequency: intp(5)}, []string{"c4"}},
		{"recency", domain.TargetingRule{VisitedWithinDays: intp(7)}, []string{"c1", "c4"}},
		{"none", domain.TargetingRule{IncludeTags: []string{"ghost"}}, nil},
	}
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			seedCustomers(t, st)
			for _, rc := range rules {
				got, err := st.FindActiveCustomers(context.Background(), audience.BuildQuery(rc.rule, t0))
				if err != nil {
					t.Fatalf("%s: %v", rc.name, err)
				}
				if len(got) != len(rc.want) {
					t.Fatalf("%s: got %d customers, want %v", rc.name, len(got), rc.want)
				}
				for i := range got {
					if got[i].ID != rc.want[i] {
						t.Fatalf("%s: got %s at %d, want %s", rc.name, got[i].ID, i, rc.want[i])
					}
				}
			}

			c, err := st.GetCustomer(context.Background(), "c1")
			if err != nil {
				t.Fatalf("GetCustomer: %v", err)
			}
			if c.Birthday == nil || c.Attributes["pet"] != "rex" || !c.LastVisit.Equal(t0.AddDate(0, 0, -3)) {
				t.Fatalf("round trip lost fields: %+v", c)
			}
			if _, err := st.GetCustomer(context.Background(), "zzz"); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("missing customer: got %v", err)
			}
		})
	}
}

func TestSaveCampaignNeverOverwritesMetrics(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()
			end := t0.Add(72 * time.Hour)
			c := domain.Campaign{
				ID: "k1", Name: "Winter", Template: "Hi {{name}}", Media: []string{"a.png"},
				Targeting: domain.TargetingRule{IncludeTags: []string{"vip"}, MinFrequency: intp(3)},
				Schedule:  domain.Schedule{StartAt: t0, EndAt: &end, Recurrence: domain.RecurCustom, Cron: "0 9 * * *"},
				Status:    domain.CampaignScheduled, CreatedAt: t0, UpdatedAt: t0,
			}
			if err := st.SaveCampaign(ctx, c); err != nil {
				t.Fatalf("SaveCampaign: %v", err)
			}
			if err := st.IncrementCampaignMetrics(ctx, "k1", domain.MetricsDelta{TotalRecipients: 3, MessagesSent: 2}); err != nil {
				t.Fatalf("IncrementCampaignMetrics: %v", err)
			}
			// A stale in-memory copy with zero metrics must not clobber counters.
			c.Status = domain.CampaignActive
			if err := st.SaveCampaign(ctx, c); err != nil {
				t.Fatalf("SaveCampaign: %v", err)
			}
			got, err := st.LoadCampaign(ctx, "k1")
			if err != nil {
				t.Fatalf("LoadCampaign: %v", err)
			}
			if got.Metrics.TotalRecipients != 3 || got.Metrics.MessagesSent != 2 {
				t.Fatalf("metrics clobbered: %+v", got.Metrics)
			}
			if got.Status != domain.CampaignActive || got.Schedule.Cron != "0 9 * * *" || got.Schedule.EndAt == nil || !got.Schedule.EndAt.Equal(end) {
				t.Fatalf("round trip lost fields: %+v", got)
			}
			if got.Targeting.MinFrequency == nil || *got.Targeting.MinFrequency != 3 || len(got.Media) != 1 {
				t.Fatalf("targeting/media lost: %+v", got)
			}

			list, err := st.ListCampaigns(ctx, CampaignFilter{Statuses: []domain.CampaignStatus{domain.CampaignActive}, Recurrences: []domain.Recurrence{domain.RecurCustom}})
			if err != nil || len(list) != 1 {
				t.Fatalf("ListCampaigns: %v %d", err, len(list))
			}
			before := t0.Add(-time.Hour)
			list, err = st.ListCampaigns(ctx, CampaignFilter{StartBefore: &before})
			if err != nil || len(list) != 0 {
				t.Fatalf("ListCampaigns start filter: %v %d", err, len(list))
			}
			if err := st.IncrementCampaignMetrics(ctx, "missing", domain.MetricsDelta{Read: 1}); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("increment missing: got %v", err)
			}
		})
	}
}

func TestUpdateMessageCompareAndSwap(t *testing.T) {
	for name, open := range drivers(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			st := open(t)
			defer st.Close()
			ctx := context.Background()

			m := domain.Message{ID: "m1", CustomerID: "c1", CampaignID: "k1", Phone: "5511", Content: "hi",
				Kind: domain.KindText, Status: domain.MessageQueued, CreatedAt: t0, UpdatedAt: t0}
			if err := st.CreateMessage(ctx, m); err != nil {
				t.Fatalf("CreateMessage: %v", err)
			}
			sent, _ := m.Transition(domain.MessageSent, "", t0.Add(time.Second))
			sent.WaID = "wa-1"
			if err := st.UpdateMessage(ctx, sent, domain.MessageQueued); err != nil {
				t.Fatalf("UpdateMessage: %v", err)
			}
			if err := st.UpdateMessage(ctx, sent, domain.MessageQueued); !errors.Is(err, domain.ErrConflict) {
				t.Fatalf("stale CAS: got %v, want ErrConflict", err)
			}
			ghost := sent
			ghost.ID = "nope"
			if err := st.UpdateMessage(ctx, ghost, domain.MessageQueued); !errors.Is(err, domain.ErrNotFound) {
				t.Fatalf("missing message: got %v", err)
			}

			byWa, err := st.FindMessageByWaID(ctx, "wa-1")
			if err != nil || byWa.ID != "m1" || byWa.Delivery.SentAt == nil {
				t.Fatalf("FindMessageByWaID: %+v %v", byWa, err)
			}
			pending, err := st.FindMessagesAwaitingStatus(ctx, 10)
			if err != nil || len(pending) != 1 {
				t.Fatalf("FindMessagesAwaitingStatus: %v %d", err, len(pending))
			}

			read, _ := byWa.Transition(domain.MessageRead, "", t0.Add(time.Minute))
			if err := st.UpdateMessage(ctx, read, domain.MessageSent); err != nil {
				t.Fatalf("UpdateMessage read: %v", err)
			}
			pending, err = st.FindMessagesAwaitingStatus(ctx, 10)
			if err != nil || len(pending) != 0 {
				t.Fatalf("read message still pending: %v %d", err, len(pending))
			}
			got, err := st.GetMessage(ctx, "m1")
			if err != nil || got.Status != domain.MessageRead || got.Delivery.DeliveredAt == nil {
				t.Fatalf("GetMessage: %+v %v", got, err)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(context.Background(), Config{Driver: "oracle"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
