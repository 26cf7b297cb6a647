package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/mileusna/crontab"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Ananth-NQI/wa-relay/internal/services"
)

const (
	maintenanceLock = "wa-relay:maintenance"
	jobTimeout      = 10 * time.Minute
)

// Locker runs fn while holding a named lock
type Locker interface {
	WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// LocalLocker serializes runs inside one process
type LocalLocker struct {
	mu sync.Mutex
}

func (l *LocalLocker) WithLock(ctx context.Context, _ string, _ time.Duration, fn func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(ctx)
}

// RedisLocker holds a redsync mutex so only one replica sweeps at a time
type RedisLocker struct {
	rs  *redsync.Redsync
	log zerolog.Logger
}

func NewRedisLocker(client *redis.Client, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(client)), log: log}
}

func (l *RedisLocker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	mutex := l.rs.NewMutex(name, redsync.WithExpiry(ttl), redsync.WithTries(1))
	if err := mutex.LockContext(ctx); err != nil {
		return fmt.Errorf("acquire %s: %w", name, err)
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.Background()); err != nil {
			l.log.Warn().Err(err).Str("lock", name).Msg("Failed to release lock")
		}
	}()
	return fn(ctx)
}

// MaintenanceJob archives inactive threads and refreshes gateway usage on a
// cron schedule
type MaintenanceJob struct {
	queue      *services.QueueService
	usage      *services.UsageTracker
	locker     Locker
	schedule   string
	inactivity time.Duration
	batch      int
	log        zerolog.Logger
	now        func() time.Time

	ctab      *crontab.Crontab
	mu        sync.Mutex
	isRunning bool
}

// MaintenanceOptions configures the sweep
type MaintenanceOptions struct {
	Schedule   string
	Inactivity time.Duration
	BatchSize  int
}

func NewMaintenanceJob(queue *services.QueueService, usage *services.UsageTracker, locker Locker, opts MaintenanceOptions, log zerolog.Logger) *MaintenanceJob {
	if locker == nil {
		locker = &LocalLocker{}
	}
	if opts.Schedule == "" {
		opts.Schedule = "*/15 * * * *"
	}
	if opts.Inactivity <= 0 {
		opts.Inactivity = 30 * 24 * time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	return &MaintenanceJob{
		queue:      queue,
		usage:      usage,
		locker:     locker,
		schedule:   opts.Schedule,
		inactivity: opts.Inactivity,
		batch:      opts.BatchSize,
		log:        log.With().Str("component", "maintenance").Logger(),
		now:        time.Now,
	}
}

// WithClock replaces the time source
func (j *MaintenanceJob) WithClock(now func() time.Time) *MaintenanceJob {
	j.now = now
	return j
}

// Start schedules the sweep. Calling it twice is a no-op.
func (j *MaintenanceJob) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isRunning {
		j.log.Info().Msg("Maintenance job already running")
		return nil
	}

	ctab := crontab.New()
	if err := ctab.AddJob(j.schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()
		if err := j.RunOnce(ctx); err != nil {
			j.log.Error().Err(err).Msg("Maintenance run failed")
		}
	}); err != nil {
		ctab.Shutdown()
		return fmt.Errorf("schedule maintenance %q: %w", j.schedule, err)
	}

	j.ctab = ctab
	j.isRunning = true
	j.log.Info().Str("schedule", j.schedule).Msg("Maintenance job scheduled")
	return nil
}

// Stop cancels the schedule; a run in progress finishes
func (j *MaintenanceJob) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.isRunning {
		return
	}
	j.ctab.Shutdown()
	j.isRunning = false
	j.log.Info().Msg("Maintenance job stopped")
}

// RunOnce performs one sweep under the maintenance lock
func (j *MaintenanceJob) RunOnce(ctx context.Context) error {
	return j.locker.WithLock(ctx, maintenanceLock, jobTimeout, func(ctx context.Context) error {
		started := j.now()
		archived, err := j.queue.ArchiveInactive(ctx, started, j.inactivity, j.batch)
		if err != nil {
			return fmt.Errorf("archive inactive threads: %w", err)
		}
		if j.usage != nil {
			if err := j.usage.Refresh(ctx); err != nil {
				return err
			}
		}
		j.log.Info().
			Int("archived", archived).
			Dur("took", j.now().Sub(started)).
			Msg("Maintenance run finished")
		return nil
	})
}
