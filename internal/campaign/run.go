package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"promobot/internal/dispatch"
	"promobot/internal/domain"
	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

var (
	// ErrRunInProgress means another run of the same campaign is in flight.
	ErrRunInProgress = errors.New("campaign run already in progress")
	// ErrNotEligible means the campaign changed status or left its window
	// before its run started.
	ErrNotEligible = errors.New("campaign no longer eligible to run")
)

const (
	triggerOnce   = "once"
	triggerManual = "manual"
)

// eligible reports whether trigger may still dispatch c at now. Sweeps and
// dedicated tasks need an active campaign inside its window; once runs need
// a scheduled one.
func eligible(trigger string, c domain.Campaign, now time.Time) bool {
	switch trigger {
	case triggerManual:
		switch c.Status {
		case domain.CampaignScheduled, domain.CampaignActive, domain.CampaignPaused:
			return true
		}
		return false
	case triggerOnce:
		return c.Status == domain.CampaignScheduled && c.Schedule.Window(now)
	default:
		return c.Status == domain.CampaignActive && c.Schedule.Window(now)
	}
}

// skippedRun reports errors that mean a run did not start and nothing was
// sent.
func skippedRun(err error) bool {
	return errors.Is(err, ErrRunInProgress) || errors.Is(err, ErrNotEligible)
}

// acquire registers a cancellable run for id. The daily sweep and a
// dedicated task never dispatch the same campaign at once.
func (s *Service) acquire(ctx context.Context, id string) (context.Context, func(), error) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	if _, busy := s.runs[id]; busy {
		return nil, nil, ErrRunInProgress
	}
	rctx, cancel := context.WithCancel(ctx)
	s.runs[id] = cancel
	release := func() {
		s.runsMu.Lock()
		delete(s.runs, id)
		s.runsMu.Unlock()
		cancel()
	}
	return rctx, release, nil
}

// halt cancels an in-flight run. The batch being sent completes.
func (s *Service) halt(id string) bool {
	s.runsMu.Lock()
	cancel, ok := s.runs[id]
	s.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether id is being dispatched.
func (s *Service) Running(id string) bool {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// run resolves the audience and dispatches c once.
func (s *Service) run(ctx context.Context, c domain.Campaign, trigger string) (dispatch.SendReport, error) {
	log := s.log.With(logx.String("campaign", c.ID), logx.String("trigger", trigger))
	rctx, release, err := s.acquire(ctx, c.ID)
	if err != nil {
		log.Info("campaign run skipped", logx.Err(err))
		s.metrics.CampaignRun(trigger, "busy")
		return dispatch.SendReport{CampaignID: c.ID}, err
	}
	defer release()

	// Re-read under the guard. A sweep works from a list taken before
	// earlier campaigns dispatched; a cancel or pause since then wins.
	cur, err := s.store.LoadCampaign(rctx, c.ID)
	if err != nil {
		s.metrics.CampaignRun(trigger, "error")
		return dispatch.SendReport{CampaignID: c.ID}, fmt.Errorf("load campaign %s: %w", c.ID, err)
	}
	if !eligible(trigger, cur, s.now()) {
		s.metrics.CampaignRun(trigger, "stale")
		log.Info("campaign run skipped", logx.String("status", string(cur.Status)))
		return dispatch.SendReport{CampaignID: c.ID}, ErrNotEligible
	}
	c = cur

	recipients, err := s.resolver.Resolve(rctx, c.Targeting)
	if err != nil {
		s.metrics.CampaignRun(trigger, "error")
		log.Error("audience resolution failed", logx.Err(err))
		return dispatch.SendReport{CampaignID: c.ID}, err
	}
	if len(recipients) == 0 {
		s.metrics.CampaignRun(trigger, "empty")
		log.Info("campaign audience is empty")
		return dispatch.SendReport{CampaignID: c.ID}, nil
	}

	rep, err := s.dispatcher.Dispatch(rctx, c, recipients)
	result := "ok"
	switch {
	case err != nil:
		result = "error"
		log.Error("campaign dispatch finished with errors", logx.Int("persist_errors", rep.PersistErrors), logx.Err(err))
	case rep.Cancelled > 0:
		result = "halted"
	}
	s.metrics.CampaignRun(trigger, result)
	s.touchLastRun(ctx, c.ID, rep.FinishedAt)
	// Messages went out; never let the engine repeat the run.
	return rep, engine.NoRetry(err)
}

// touchLastRun reloads before saving so a concurrent status change made
// while dispatching is not overwritten.
func (s *Service) touchLastRun(ctx context.Context, id string, at time.Time) {
	if at.IsZero() {
		at = s.now()
	}
	ctx = context.WithoutCancel(ctx)
	cur, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		s.log.Warn("last run not recorded", logx.String("campaign", id), logx.Err(err))
		return
	}
	cur.LastRunAt = &at
	if err := s.store.SaveCampaign(ctx, cur); err != nil {
		s.log.Warn("last run not recorded", logx.String("campaign", id), logx.Err(err))
	}
}

// completeAfterRun completes a once campaign after its run. A campaign
// cancelled or paused while it was dispatching keeps that status.
func (s *Service) completeAfterRun(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, domain.CampaignCompleted)
	if errors.Is(err, domain.ErrInvalidTransition) {
		s.log.Info("campaign not completed after run", logx.String("campaign", id), logx.Err(err))
		return nil
	}
	return err
}

// transition reloads id, moves it to status and saves it.
func (s *Service) transition(ctx context.Context, id string, to domain.CampaignStatus) (domain.Campaign, error) {
	cur, err := s.store.LoadCampaign(ctx, id)
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("load campaign %s: %w", id, err)
	}
	next, err := cur.WithStatus(to, s.now())
	if err != nil {
		return cur, err
	}
	if err := s.store.SaveCampaign(ctx, next); err != nil {
		return cur, fmt.Errorf("save campaign %s: %w", id, err)
	}
	s.log.Info("campaign status changed", logx.String("campaign", id), logx.String("from", string(cur.Status)), logx.String("to", string(to)))
	return next, nil
}
