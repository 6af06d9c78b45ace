package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/models"
	"github.com/xaenox/whoop-insight-bot/internal/storage"
	"github.com/xaenox/whoop-insight-bot/internal/whoop"
	"go.uber.org/zap"
)

type JobName string

const (
	JobProfile         JobName = "profile"
	JobBodyMeasurement JobName = "body_measurement"
	JobCycles          JobName = "cycles"
	JobRecovery        JobName = "recovery"
	JobSleep           JobName = "sleep"
	JobWorkouts        JobName = "workouts"
)

// AllJobs in the order a run executes them.
var AllJobs = []JobName{JobProfile, JobBodyMeasurement, JobCycles, JobRecovery, JobSleep, JobWorkouts}

// Source is an authenticated WHOOP session.
type Source interface {
	UserID() int64
	Profile(ctx context.Context) (models.Profile, error)
	BodyMeasurement(ctx context.Context) (models.BodyMeasurement, error)
	Cycles(ctx context.Context, r whoop.DateRange) ([]models.Cycle, error)
	Recoveries(ctx context.Context, r whoop.DateRange) ([]models.Recovery, error)
	Sleeps(ctx context.Context, r whoop.DateRange) ([]models.Sleep, error)
	Workouts(ctx context.Context, r whoop.DateRange) ([]models.Workout, error)
}

// Authenticator opens a Source; it is called once per run.
type Authenticator func(ctx context.Context) (Source, error)

type Status struct {
	Job      JobName       `json:"job"`
	Fetched  int           `json:"fetched"`
	Stored   int           `json:"stored"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

type Report struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	Jobs     []Status  `json:"jobs"`
}

// Failed lists the jobs that did not complete, so they can be rerun alone.
func (r *Report) Failed() []JobName {
	var failed []JobName
	for _, s := range r.Jobs {
		if s.Err != nil {
			failed = append(failed, s.Job)
		}
	}
	return failed
}

func (r *Report) Err() error {
	var errs []error
	for _, s := range r.Jobs {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Job, s.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Report) Stored() int {
	total := 0
	for _, s := range r.Jobs {
		total += s.Stored
	}
	return total
}

type Runner struct {
	authenticate Authenticator
	store        storage.HealthWriter
	logger       *zap.Logger
	last         atomic.Pointer[Report]
}

func NewRunner(authenticate Authenticator, store storage.HealthWriter, logger *zap.Logger) *Runner {
	return &Runner{
		authenticate: authenticate,
		store:        store,
		logger:       logger,
	}
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	return r.last.Load()
}

// Run authenticates and executes the jobs in order. A failing job is
// recorded and the run moves on; only an authentication failure aborts.
// When only is given, the other jobs are skipped.
func (r *Runner) Run(ctx context.Context, rng whoop.DateRange, only ...JobName) (*Report, error) {
	report := &Report{Start: rng.Start, End: rng.End, Started: time.Now()}

	src, err := r.authenticate(ctx)
	if err != nil {
		r.logger.Error("Authentication failed", zap.Error(err))
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	userID := src.UserID()

	for _, job := range AllJobs {
		if len(only) > 0 && !slices.Contains(only, job) {
			continue
		}
		if ctx.Err() != nil {
			report.Jobs = append(report.Jobs, Status{Job: job, Err: ctx.Err(), Error: ctx.Err().Error()})
			continue
		}

		start := time.Now()
		fetched, stored, err := r.runJob(ctx, job, src, userID, rng)
		status := Status{Job: job, Fetched: fetched, Stored: stored, Err: err, Duration: time.Since(start)}
		if err != nil {
			status.Error = err.Error()
			r.logger.Error("Sync job failed", zap.String("job", string(job)), zap.Error(err))
		} else {
			r.logger.Info("Sync job completed",
				zap.String("job", string(job)),
				zap.Int("fetched", fetched),
				zap.Int("stored", stored),
				zap.Duration("duration", status.Duration))
		}
		report.Jobs = append(report.Jobs, status)
	}

	if report.Stored() > 0 {
		if err := r.store.NotifySynced(ctx); err != nil {
			r.logger.Warn("Failed to notify sync listeners", zap.Error(err))
		}
	}

	report.Finished = time.Now()
	r.last.Store(report)
	return report, nil
}

func (r *Runner) runJob(ctx context.Context, job JobName, src Source, userID int64, rng whoop.DateRange) (int, int, error) {
	switch job {
	case JobProfile:
		p, err := src.Profile(ctx)
		if err != nil {
			return 0, 0, err
		}
		if p.UserID == 0 {
			p.UserID = userID
		}
		stored, err := r.store.UpsertUser(ctx, p)
		return 1, stored, err
	case JobBodyMeasurement:
		m, err := src.BodyMeasurement(ctx)
		if err != nil {
			return 0, 0, err
		}
		stored, err := r.store.UpsertBodyMeasurement(ctx, userID, m)
		return 1, stored, err
	case JobCycles:
		return fetchAndStore(ctx, rng, userID, src.Cycles, r.store.UpsertCycles)
	case JobRecovery:
		return fetchAndStore(ctx, rng, userID, src.Recoveries, r.store.UpsertRecoveries)
	case JobSleep:
		return fetchAndStore(ctx, rng, userID, src.Sleeps, r.store.UpsertSleeps)
	case JobWorkouts:
		return fetchAndStore(ctx, rng, userID, src.Workouts, r.store.UpsertWorkouts)
	}
	return 0, 0, fmt.Errorf("unknown job %q", job)
}

func fetchAndStore[T any](
	ctx context.Context,
	rng whoop.DateRange,
	userID int64,
	fetch func(context.Context, whoop.DateRange) ([]T, error),
	store func(context.Context, int64, []T) (int, error),
) (int, int, error) {
	records, err := fetch(ctx, rng)
	if err != nil {
		return 0, 0, err
	}
	stored, err := store(ctx, userID, records)
	if err != nil {
		return len(records), 0, err
	}
	return len(records), stored, nil
}

// ParseJobs validates job names given on the command line.
func ParseJobs(names []string) ([]JobName, error) {
	jobs := make([]JobName, 0, len(names))
	for _, n := range names {
		job := JobName(n)
		if !slices.Contains(AllJobs, job) {
			return nil, fmt.Errorf("unknown job %q", n)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
