package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"promobot/internal/task/engine"
	logx "promobot/pkg/logx"
)

// ErrInvalidSpec is returned for schedules the cron parser rejects.
var ErrInvalidSpec = errors.New("invalid schedule spec")

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/Sao_Paulo"
}

// Enqueuer is the slice of the task engine the scheduler needs.
type Enqueuer interface {
	Enqueue(t engine.Task) error
}

type TaskOptions = engine.TaskOptions

type scheduleDef struct {
	name     string
	spec     string
	schedule cron.Schedule
	timeout  time.Duration
	job      func(ctx context.Context) error
	opt      TaskOptions
	entryID  cron.EntryID
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	loc    *time.Location
	engine Enqueuer

	parser cron.Parser
	c      *cron.Cron
	defs   map[string]*scheduleDef

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled   bool           `json:"enabled"`
	Running   bool           `json:"running"`
	Timezone  string         `json:"timezone"`
	Schedules []ScheduleInfo `json:"schedules"`
}
