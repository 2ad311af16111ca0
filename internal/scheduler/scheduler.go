package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/robfig/cron/v3"
	"github.com/smallbiznis/inspectbill/internal/clock"
	creditdomain "github.com/smallbiznis/inspectbill/internal/credit/domain"
	"github.com/smallbiznis/inspectbill/internal/exchangerate"
	notificationdomain "github.com/smallbiznis/inspectbill/internal/notification/domain"
	obsmetrics "github.com/smallbiznis/inspectbill/internal/observability/metrics"
	webhookdomain "github.com/smallbiznis/inspectbill/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Config   Config `optional:"true"`
	Credits  creditdomain.Service
	Webhooks webhookdomain.Service
	Rates    *exchangerate.Table

	Notifier notificationdomain.Dispatcher `optional:"true"`
	Metrics  *obsmetrics.SchedulerMetrics  `optional:"true"`
}

type Scheduler struct {
	log      *zap.Logger
	cfg      Config
	genID    *snowflake.Node
	clock    clock.Clock
	credits  creditdomain.Service
	webhooks webhookdomain.Service
	rates    *exchangerate.Table
	notifier notificationdomain.Dispatcher
	metrics  *obsmetrics.SchedulerMetrics

	cron *cron.Cron
	jobs []job
}

type job struct {
	name     string
	schedule string
	run      func(ctx context.Context) error
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Credits == nil || p.Webhooks == nil || p.Rates == nil {
		return nil, ErrInvalidConfig
	}
	s := &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:      p.Config.withDefaults(),
		genID:    p.GenID,
		clock:    p.Clock,
		credits:  p.Credits,
		webhooks: p.Webhooks,
		rates:    p.Rates,
		notifier: p.Notifier,
		metrics:  p.Metrics,
	}
	s.jobs = []job{
		{JobParkedMonitor, s.cfg.ParkedMonitorSchedule, s.ParkedMonitorJob},
		{JobFXRefresh, s.cfg.FXRefreshSchedule, s.FXRefreshJob},
		{JobLapsedSweep, s.cfg.LapsedSweepSchedule, s.LapsedSweepJob},
		{JobIntegrityAudit, s.cfg.IntegrityAuditSchedule, s.IntegrityAuditJob},
	}

	cl := cronLogger{log: s.log}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, j := range s.jobs {
		if !s.isJobEnabled(j.name) {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, func() {
			_ = s.runJob(context.Background(), j.name, j.run)
		}); err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", j.name, j.schedule, err)
		}
	}
	return s, nil
}

// Start begins firing jobs on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.cron.Entries())))
}

// Stop stops scheduling and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce runs every enabled job immediately, in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var err error
	for _, j := range s.jobs {
		if s.isJobEnabled(j.name) {
			err = errors.Join(err, s.runJob(ctx, j.name, j.run))
		}
	}
	return err
}

// RunJob runs a single job by name.
func (s *Scheduler) RunJob(ctx context.Context, name string) error {
	for _, j := range s.jobs {
		if strings.EqualFold(j.name, name) {
			return s.runJob(ctx, j.name, j.run)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx)

	err := fn(ctx)
	s.metrics.ObserveJob(name, s.clock.Now().Sub(start), err)
	if err != nil && run.errorCount == 0 {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.logger(ctx).Warn("job timed out",
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) isJobEnabled(name string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, name) {
			return true
		}
	}
	return false
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	log *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Debugw("cron."+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Sugar().Errorw("cron."+msg, append(keysAndValues, "error", err)...)
}
