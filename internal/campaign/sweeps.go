package campaign

import (
	"context"
	"errors"
	"fmt"

	"promobot/internal/domain"
	"promobot/internal/storage"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// sweepRecurring dispatches every active campaign of recurrence r that is
// inside its window, and completes those whose end has passed.
func (s *Service) sweepRecurring(ctx context.Context, r domain.Recurrence) error {
	list, err := s.store.ListCampaigns(ctx, storage.CampaignFilter{
		Statuses:    []domain.CampaignStatus{domain.CampaignActive},
		Recurrences: []domain.Recurrence{r},
	})
	if err != nil {
		return fmt.Errorf("list %s campaigns: %w", r, err)
	}
	var errs []error
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		now := s.now()
		switch {
		case c.Schedule.Ended(now):
			if _, err := s.transition(ctx, c.ID, domain.CampaignCompleted); err != nil {
				errs = append(errs, err)
			}
		case c.Schedule.Window(now):
			if _, err := s.run(ctx, c, string(r)); err != nil && !skippedRun(err) {
				errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
			}
		}
	}
	// A retry would re-send to campaigns that already went out.
	return engine.NoRetry(errors.Join(errs...))
}

// sweepDue promotes scheduled campaigns whose start has arrived.
func (s *Service) sweepDue(ctx context.Context) error {
	now := s.now()
	list, err := s.store.ListCampaigns(ctx, storage.CampaignFilter{
		Statuses:    []domain.CampaignStatus{domain.CampaignScheduled},
		StartBefore: &now,
	})
	if err != nil {
		return fmt.Errorf("list due campaigns: %w", err)
	}
	var errs []error
	for _, c := range list {
		if ctx.Err() != nil {
			break
		}
		if err := s.handleDue(ctx, c); err != nil {
			errs = append(errs, fmt.Errorf("campaign %s: %w", c.ID, err))
		}
	}
	return engine.NoRetry(errors.Join(errs...))
}

func (s *Service) handleDue(ctx context.Context, c domain.Campaign) error {
	if c.Schedule.Ended(s.now()) {
		_, err := s.transition(ctx, c.ID, domain.CampaignCompleted)
		return err
	}
	switch c.Schedule.Recurrence {
	case domain.RecurOnce:
		rep, err := s.run(ctx, c, triggerOnce)
		if skippedRun(err) {
			return nil
		}
		// Nobody to send to: leave it scheduled for a later sweep.
		if rep.Total == 0 {
			return err
		}
		return errors.Join(err, s.completeAfterRun(ctx, c.ID))
	case domain.RecurCustom, domain.RecurMonthly:
		next, err := s.transition(ctx, c.ID, domain.CampaignActive)
		if err != nil {
			return err
		}
		return s.registerTask(next)
	default:
		_, err := s.transition(ctx, c.ID, domain.CampaignActive)
		return err
	}
}

// registerTask installs or replaces the dedicated task of c.
func (s *Service) registerTask(c domain.Campaign) error {
	spec, ok, err := taskSpec(c.Schedule, s.location())
	if err != nil || !ok {
		return err
	}
	id := c.ID
	if err := s.registry.AddScheduleOpt(TaskName(id), spec, s.Config().RunTimeout, runOpt, func(ctx context.Context) error {
		return s.fireTask(ctx, id)
	}); err != nil {
		return fmt.Errorf("register %s: %w", TaskName(id), err)
	}
	s.log.Info("campaign task registered", logx.String("campaign", id), logx.String("spec", spec))
	return nil
}

// fireTask is the body of a dedicated campaign task. It re-reads the
// campaign on every firing.
func (s *Service) fireTask(ctx context.Context, id string) error {
	c, err := s.store.LoadCampaign(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.registry.Remove(TaskName(id))
		return nil
	}
	if err != nil {
		return err
	}
	now := s.now()
	switch {
	case c.Status == domain.CampaignCancelled || c.Status == domain.CampaignCompleted:
		s.registry.Remove(TaskName(id))
		return nil
	case c.Status != domain.CampaignActive:
		return nil
	case c.Schedule.Ended(now):
		s.registry.Remove(TaskName(id))
		_, err := s.transition(ctx, id, domain.CampaignCompleted)
		return err
	case !c.Schedule.Window(now):
		return nil
	}
	_, err = s.run(ctx, c, string(c.Schedule.Recurrence))
	if skippedRun(err) {
		return nil
	}
	return err
}

func (s *Service) reconcile(ctx context.Context) error {
	_, err := s.reconciler.Reconcile(ctx)
	return err
}
