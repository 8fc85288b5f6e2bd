package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"promobot/internal/dispatch"
	"promobot/internal/domain"
	"promobot/internal/storage"
	logx "promobot/pkg/logx"
)

// Schedule validates c and moves it from draft to scheduled. Nothing is
// saved or registered when validation fails.
func (s *Service) Schedule(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if err := ValidateCampaign(c, s.location()); err != nil {
		return c, err
	}
	now := s.now()
	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	next, err := c.WithStatus(domain.CampaignScheduled, now)
	if err != nil {
		return c, err
	}
	if err := s.store.SaveCampaign(ctx, next); err != nil {
		return c, fmt.Errorf("save campaign %s: %w", c.ID, err)
	}
	s.log.Info("campaign scheduled",
		logx.String("campaign", next.ID),
		logx.String("recurrence", string(next.Schedule.Recurrence)),
		logx.Time("start", next.Schedule.StartAt),
	)
	return next, nil
}

// Cancel moves id to cancelled, removes its task and halts an in-flight
// dispatch after the current batch.
func (s *Service) Cancel(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignCancelled)
	if err != nil {
		return c, err
	}
	s.registry.Remove(TaskName(id))
	if s.halt(id) {
		s.log.Info("in-flight dispatch halting", logx.String("campaign", id))
	}
	return c, nil
}

// Pause stops triggering id until Resume. A dispatch in flight is halted.
func (s *Service) Pause(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := s.transition(ctx, id, domain.CampaignPaused)
	if err != nil {
		return c, err
	}
	s.registry.Remove(TaskName(id))
	s.halt(id)
	return c, nil
}

// Resume returns a paused campaign to scheduled. Recurring campaigns whose
// start has passed go straight back to active; once campaigns wait for the
// next due sweep.
func (s *Service) Resume(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return c, fmt.Errorf("load campaign %s: %w", id, err)
	}
	if c.Status != domain.CampaignPaused {
		return c, fmt.Errorf("%w: campaign %s is %s, not paused", domain.ErrInvalidTransition, id, c.Status)
	}
	now := s.now()
	to := domain.CampaignScheduled
	if c.Schedule.Recurrence != domain.RecurOnce && c.Schedule.Window(now) {
		to = domain.CampaignActive
	}
	next, err := s.transition(ctx, id, to)
	if err != nil {
		return c, err
	}
	if to == domain.CampaignActive {
		if err := s.registerTask(next); err != nil {
			return next, err
		}
	}
	return next, nil
}

// Reschedule validates sch, stores it and replaces any dedicated task.
func (s *Service) Reschedule(ctx context.Context, id string, sch domain.Schedule) (domain.Campaign, error) {
	if err := ValidateSchedule(sch, s.location()); err != nil {
		return domain.Campaign{}, err
	}
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return c, fmt.Errorf("load campaign %s: %w", id, err)
	}
	if c.Status == domain.CampaignCancelled || c.Status == domain.CampaignCompleted {
		return c, fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, id, c.Status)
	}
	now := s.now()
	if c.Status == domain.CampaignActive && sch.Recurrence == domain.RecurOnce {
		// Only the due sweep sends once campaigns, and it looks at scheduled ones.
		if c, err = c.WithStatus(domain.CampaignScheduled, now); err != nil {
			return c, err
		}
	}
	c.Schedule = sch
	c.UpdatedAt = now
	if err := s.store.SaveCampaign(ctx, c); err != nil {
		return c, fmt.Errorf("save campaign %s: %w", id, err)
	}
	s.registry.Remove(TaskName(id))
	if c.Status == domain.CampaignActive {
		if err := s.registerTask(c); err != nil {
			return c, err
		}
	}
	s.log.Info("campaign rescheduled", logx.String("campaign", id), logx.String("recurrence", string(sch.Recurrence)))
	return c, nil
}

// SendNow dispatches id immediately, outside its schedule. A scheduled
// once campaign is completed afterwards when anyone was reached.
func (s *Service) SendNow(ctx context.Context, id string) (dispatch.SendReport, error) {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return dispatch.SendReport{}, fmt.Errorf("load campaign %s: %w", id, err)
	}
	switch c.Status {
	case domain.CampaignScheduled, domain.CampaignActive, domain.CampaignPaused:
	default:
		return dispatch.SendReport{}, fmt.Errorf("%w: campaign %s is %s", domain.ErrInvalidTransition, id, c.Status)
	}
	rep, err := s.run(ctx, c, triggerManual)
	if skippedRun(err) {
		return rep, err
	}
	if rep.Total > 0 && c.Status == domain.CampaignScheduled && c.Schedule.Recurrence == domain.RecurOnce {
		err = errors.Join(err, s.completeAfterRun(ctx, id))
	}
	return rep, err
}

// UpdateContent edits name, template, media or targeting. Active and
// completed campaigns are locked.
func (s *Service) UpdateContent(ctx context.Context, id string, p domain.ContentPatch) (domain.Campaign, error) {
	c, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return c, fmt.Errorf("load campaign %s: %w", id, err)
	}
	next, err := c.ApplyPatch(p, s.now())
	if err != nil {
		return c, err
	}
	if err := s.store.SaveCampaign(ctx, next); err != nil {
		return c, fmt.Errorf("save campaign %s: %w", id, err)
	}
	return next, nil
}

// Restore re-registers dedicated tasks of active custom and monthly
// campaigns. It runs once at startup.
func (s *Service) Restore(ctx context.Context) (int, error) {
	list, err := s.store.ListCampaigns(ctx, storage.CampaignFilter{
		Statuses:    []domain.CampaignStatus{domain.CampaignActive},
		Recurrences: []domain.Recurrence{domain.RecurCustom, domain.RecurMonthly},
	})
	if err != nil {
		return 0, fmt.Errorf("list campaigns to restore: %w", err)
	}
	var (
		n    int
		errs []error
	)
	for _, c := range list {
		if err := s.registerTask(c); err != nil {
			// One bad expression must not block the rest.
			s.log.Error("campaign task not restored", logx.String("campaign", c.ID), logx.Err(err))
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		s.log.Info("campaign tasks restored", logx.Int("count", n))
	}
	return n, errors.Join(errs...)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Campaign, error) {
	return s.store.LoadCampaign(ctx, id)
}
