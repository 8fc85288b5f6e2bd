package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type Recurrence string

const (
	RecurOnce    Recurrence = "once"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
	RecurCustom  Recurrence = "custom"
)

// TargetingRule selects recipients. AllClients wins over every other clause;
// otherwise set clauses are ANDed and unset ones impose nothing.
type TargetingRule struct {
	AllClients        bool     `json:"all_clients,omitempty"`
	IncludeTags       []string `json:"include_tags,omitempty"`
	ExcludeTags       []string `json:"exclude_tags,omitempty"`
	MinFrequency      *int     `json:"min_frequency,omitempty"`
	MaxFrequency      *int     `json:"max_frequency,omitempty"`
	VisitedWithinDays *int     `json:"visited_within_days,omitempty"`
}

type Schedule struct {
	StartAt    time.Time
	EndAt      *time.Time
	Recurrence Recurrence
	TimeOfDay  string // "HH:MM", optional
	Cron       string // required for RecurCustom
}

// Window reports whether now lies in [StartAt, EndAt).
func (s Schedule) Window(now time.Time) bool {
	if now.Before(s.StartAt) {
		return false
	}
	return !s.Ended(now)
}

func (s Schedule) Ended(now time.Time) bool {
	return s.EndAt != nil && !now.Before(*s.EndAt)
}

// Validate checks the parts that do not need a cron parser.
func (s Schedule) Validate() error {
	if s.StartAt.IsZero() {
		return fmt.Errorf("%w: start is required", ErrInvalidSchedule)
	}
	if s.EndAt != nil && !s.EndAt.After(s.StartAt) {
		return fmt.Errorf("%w: end must be after start", ErrInvalidSchedule)
	}
	switch s.Recurrence {
	case RecurOnce, RecurDaily, RecurWeekly, RecurMonthly:
	case RecurCustom:
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("%w: custom recurrence requires a cron expression", ErrInvalidCron)
		}
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalidSchedule, s.Recurrence)
	}
	if s.TimeOfDay != "" {
		if _, _, err := ParseHHMM(s.TimeOfDay); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
	}
	return nil
}

// ParseHHMM parses "HH:MM" (24h).
func ParseHHMM(s string) (hour, minute int, err error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("time of day %q: expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("time of day %q: bad hour", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("time of day %q: bad minute", s)
	}
	return hour, minute, nil
}

// Metrics counters never decrease. Writers go through
// Store.IncrementCampaignMetrics.
type Metrics struct {
	TotalRecipients int64
	MessagesSent    int64
	Delivered       int64
	Read            int64
	Clicked         int64
	Responded       int64
}

// MetricsDelta holds non-negative increments.
type MetricsDelta struct {
	TotalRecipients int64
	MessagesSent    int64
	Delivered       int64
	Read            int64
}

func (d MetricsDelta) IsZero() bool {
	return d.TotalRecipients == 0 && d.MessagesSent == 0 && d.Delivered == 0 && d.Read == 0
}

func (m Metrics) Add(d MetricsDelta) Metrics {
	m.TotalRecipients += max(0, d.TotalRecipients)
	m.MessagesSent += max(0, d.MessagesSent)
	m.Delivered += max(0, d.Delivered)
	m.Read += max(0, d.Read)
	return m
}

type Campaign struct {
	ID          string
	Name        string
	Description string
	Template    string
	Media       []string
	Targeting   TargetingRule
	Schedule    Schedule
	Status      CampaignStatus
	Metrics     Metrics
	LastRunAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Locked reports whether content and targeting edits are rejected.
func (c Campaign) Locked() bool {
	return c.Status == CampaignActive || c.Status == CampaignCompleted
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignCancelled},
	CampaignScheduled: {CampaignActive, CampaignPaused, CampaignCancelled, CampaignCompleted},
	CampaignActive:    {CampaignCompleted, CampaignPaused, CampaignCancelled, CampaignScheduled},
	CampaignPaused:    {CampaignScheduled, CampaignActive, CampaignCancelled},
}

func CanTransitionCampaign(from, to CampaignStatus) bool {
	for _, s := range campaignTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// WithStatus returns a copy moved to status `to`.
func (c Campaign) WithStatus(to CampaignStatus, at time.Time) (Campaign, error) {
	if !CanTransitionCampaign(c.Status, to) {
		return c, fmt.Errorf("%w: campaign %s %s -> %s", ErrInvalidTransition, c.ID, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = at
	return c, nil
}

// ContentPatch carries optional edits; nil fields are left unchanged.
type ContentPatch struct {
	Name        *string
	Description *string
	Template    *string
	Media       []string
	Targeting   *TargetingRule
}

func (c Campaign) ApplyPatch(p ContentPatch, at time.Time) (Campaign, error) {
	if c.Locked() {
		return c, fmt.Errorf("%w: campaign %s is %s", ErrCampaignLocked, c.ID, c.Status)
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Template != nil {
		c.Template = *p.Template
	}
	if p.Media != nil {
		c.Media = append([]string(nil), p.Media...)
	}
	if p.Targeting != nil {
		c.Targeting = *p.Targeting
	}
	c.UpdatedAt = at
	return c, nil
}
