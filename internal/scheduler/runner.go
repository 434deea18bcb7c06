package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/torobias/torobias/internal/metrics"
)

// Duration parses "15m" style strings from yaml.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Session gate values for JobSpec.Session.
const (
	GateNone     = ""         // fire on every tick
	GateRegular  = "regular"  // 09:30-16:00 ET only
	GateExtended = "extended" // pre and post market only
)

// JobSpec is one scheduled job as configured.
type JobSpec struct {
	Name     string   `yaml:"name"`
	Schedule string   `yaml:"schedule"`
	Timeout  Duration `yaml:"timeout"`
	Session  string   `yaml:"session,omitempty"` // "", "regular" or "extended"
	Enabled  *bool    `yaml:"enabled,omitempty"` // default true
}

type jobsFile struct {
	Jobs []JobSpec `yaml:"jobs"`
}

// LoadJobs reads job specs from a yaml file.
func LoadJobs(path string) ([]JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read jobs file: %w", err)
	}
	var file jobsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse jobs file: %w", err)
	}
	return file.Jobs, nil
}

// Handler is one job's work function.
type Handler func(ctx context.Context) error

// defaultJobTimeout bounds jobs that configure none.
const defaultJobTimeout = 5 * time.Minute

type job struct {
	spec     JobSpec
	schedule *Schedule
	handler  Handler
	running  atomic.Bool
}

// Runner fires registered jobs on their cron schedules. A job still running
// when its next tick arrives is skipped, not stacked. Session-gated jobs
// tick on schedule but only run when the calendar is in the right session.
type Runner struct {
	cal  *Calendar
	loc  *time.Location
	jobs []*job
	now  func() time.Time
	// wait sleeps until the next tick; returns false when ctx ends first.
	wait func(ctx context.Context, d time.Duration) bool
	wg   sync.WaitGroup
}

// NewRunner creates a runner whose schedules and session gates evaluate
// against cal.
func NewRunner(cal *Calendar) *Runner {
	return &Runner{
		cal: cal,
		loc: cal.Location(),
		now: time.Now,
		wait: func(ctx context.Context, d time.Duration) bool {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-timer.C:
				return true
			}
		},
	}
}

// Register binds a handler to a job spec. Jobs with enabled: false are
// accepted but never fire.
func (r *Runner) Register(spec JobSpec, h Handler) error {
	schedule, err := ParseSchedule(spec.Schedule, r.loc)
	if err != nil {
		return fmt.Errorf("job %s: %w", spec.Name, err)
	}
	switch spec.Session {
	case GateNone, GateRegular, GateExtended:
	default:
		return fmt.Errorf("job %s: unknown session gate %q", spec.Name, spec.Session)
	}
	r.jobs = append(r.jobs, &job{spec: spec, schedule: schedule, handler: h})
	return nil
}

func sessionAllowed(gate string, s Session) bool {
	switch gate {
	case GateRegular:
		return s == SessionRegular
	case GateExtended:
		return s == SessionPre || s == SessionPost
	default:
		return true
	}
}

// Run fires jobs until ctx is done, then waits for in-flight runs.
func (r *Runner) Run(ctx context.Context) {
	for _, j := range r.jobs {
		if j.spec.Enabled != nil && !*j.spec.Enabled {
			log.Info().Str("job", j.spec.Name).Msg("job disabled")
			continue
		}
		r.wg.Add(1)
		go r.serve(ctx, j)
	}
	<-ctx.Done()
	r.wg.Wait()
}

func (r *Runner) serve(ctx context.Context, j *job) {
	defer r.wg.Done()
	for {
		next := j.schedule.Next(r.now())
		if next.IsZero() {
			log.Error().Str("job", j.spec.Name).Msg("schedule yields no future run")
			return
		}
		if !r.wait(ctx, next.Sub(r.now())) {
			return
		}

		if !sessionAllowed(j.spec.Session, r.cal.SessionAt(r.now())) {
			metrics.JobRuns.WithLabelValues(j.spec.Name, "gated").Inc()
			continue
		}
		if !j.running.CompareAndSwap(false, true) {
			metrics.JobRuns.WithLabelValues(j.spec.Name, "skipped").Inc()
			log.Warn().Str("job", j.spec.Name).Msg("previous run still active; skipping tick")
			continue
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer j.running.Store(false)
			r.execute(ctx, j)
		}()
	}
}

func (r *Runner) execute(ctx context.Context, j *job) {
	timeout := j.spec.Timeout.Std()
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := r.now()
	log.Info().Str("job", j.spec.Name).Msg("job started")
	err := j.handler(runCtx)
	elapsed := r.now().Sub(started)

	if err != nil {
		metrics.JobRuns.WithLabelValues(j.spec.Name, "error").Inc()
		log.Error().Err(err).Str("job", j.spec.Name).Dur("elapsed", elapsed).Msg("job failed")
		return
	}
	metrics.JobRuns.WithLabelValues(j.spec.Name, "ok").Inc()
	log.Info().Str("job", j.spec.Name).Dur("elapsed", elapsed).Msg("job complete")
}
