package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidSchedule   = errors.New("invalid schedule")
	ErrInvalidCron       = errors.New("invalid cron expression")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrCampaignLocked    = errors.New("campaign is locked for edits")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrPersistence       = errors.New("persistence failure")
)
