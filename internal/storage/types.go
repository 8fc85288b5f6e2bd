package storage

import (
	"context"
	"time"

	"promobot/internal/audience"
	"promobot/internal/domain"
)

// Config configures storage.
type Config struct {
	Driver      string // memory | sqlite | postgres
	Path        string // sqlite file
	DSN         string // postgres
	BusyTimeout time.Duration
	MaxConns    int32
}

type Customers interface {
	FindActiveCustomers(ctx context.Context, q audience.Query) ([]domain.Customer, error)
	GetCustomer(ctx context.Context, id string) (domain.Customer, error)
}

// CustomerWriter feeds the registry mirror. The engine never calls it.
type CustomerWriter interface {
	UpsertCustomer(ctx context.Context, c domain.Customer) error
}

type Campaigns interface {
	LoadCampaign(ctx context.Context, id string) (domain.Campaign, error)
	// SaveCampaign upserts everything except metrics. Metrics are only
	// written on first insert.
	SaveCampaign(ctx context.Context, c domain.Campaign) error
	ListCampaigns(ctx context.Context, f CampaignFilter) ([]domain.Campaign, error)
	IncrementCampaignMetrics(ctx context.Context, id string, d domain.MetricsDelta) error
}

type Messages interface {
	CreateMessage(ctx context.Context, m domain.Message) error
	// UpdateMessage replaces m only if the stored status equals prev,
	// otherwise it returns domain.ErrConflict.
	UpdateMessage(ctx context.Context, m domain.Message, prev domain.MessageStatus) error
	GetMessage(ctx context.Context, id string) (domain.Message, error)
	FindMessageByWaID(ctx context.Context, waID string) (domain.Message, error)
	// FindMessagesAwaitingStatus returns sent messages with a gateway ID,
	// oldest first.
	FindMessagesAwaitingStatus(ctx context.Context, limit int) ([]domain.Message, error)
}

type Store interface {
	Customers
	CustomerWriter
	Campaigns
	Messages
	Close() error
}

// CampaignFilter narrows ListCampaigns. Empty fields match everything.
type CampaignFilter struct {
	Statuses    []domain.CampaignStatus
	Recurrences []domain.Recurrence
	StartBefore *time.Time // inclusive
}

func (f CampaignFilter) Matches(c domain.Campaign) bool {
	if len(f.Statuses) > 0 && !contains(f.Statuses, c.Status) {
		return false
	}
	if len(f.Recurrences) > 0 && !contains(f.Recurrences, c.Schedule.Recurrence) {
		return false
	}
	if f.StartBefore != nil && c.Schedule.StartAt.After(*f.StartBefore) {
		return false
	}
	return true
}

func contains[T comparable](xs []T, v T) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
