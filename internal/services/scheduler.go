package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"VPN-Storefront-bot/internal/logger"
	"VPN-Storefront-bot/internal/metrics"
	"VPN-Storefront-bot/internal/ratelimit"
)

const lockPrefix = "storefront:job:"

// Job is one scheduled task. Run must be safe to call again on the next tick.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs jobs on cron specs. Each tick gets its own timeout, panic recovery
// and, when a redis locker is configured, a single-runner lock across replicas.
type Scheduler struct {
	cron     *cron.Cron
	locker   *ratelimit.Locker
	notifier *logger.Notifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewScheduler(locker *ratelimit.Locker, notifier *logger.Notifier, m *metrics.Metrics, log *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		locker:   locker,
		notifier: notifier,
		metrics:  m,
		log:      logger.OrNop(log),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Add registers job on its cron spec.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("job %s: no run func", job.Name)
	}
	if job.Timeout <= 0 {
		job.Timeout = 5 * time.Minute
	}
	_, err := s.cron.AddFunc(job.Spec, func() {
		_ = s.RunJob(s.ctx, job)
	})
	if err != nil {
		return fmt.Errorf("job %s: schedule %q: %w", job.Name, job.Spec, err)
	}
	return nil
}

// RunJob runs one tick of job. A panic is reported and swallowed; errors are
// logged, alerted and returned.
func (s *Scheduler) RunJob(parent context.Context, job Job) (err error) {
	defer s.notifier.NotifyOnPanic("job " + job.Name)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	log := s.log.With(zap.String("job", job.Name))

	if s.locker != nil {
		token, ok, lerr := s.locker.TryLock(ctx, lockPrefix+job.Name, timeout)
		if lerr != nil {
			log.Warn("job lock failed, running unguarded", zap.Error(lerr))
		} else if !ok {
			log.Debug("job already running elsewhere")
			return nil
		} else {
			defer func() {
				if rerr := s.locker.Release(context.Background(), lockPrefix+job.Name, token); rerr != nil {
					log.Warn("job unlock failed", zap.Error(rerr))
				}
			}()
		}
	}

	start := time.Now()
	err = job.Run(ctx)
	s.metrics.JobRun(job.Name, err)
	if err == nil {
		log.Debug("job finished", zap.Duration("took", time.Since(start)))
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("job timed out", zap.Duration("timeout", timeout), zap.Error(err))
	} else {
		log.Error("job failed", zap.Error(err))
	}
	s.notifier.Alert(fmt.Sprintf("Job %s failed: %v", job.Name, err))
	return err
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels running ticks and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
