// Package maintenance runs the periodic housekeeping sweeps (stale queue
// entries, idle rate limiters) on a gocron scheduler.
package maintenance

import (
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Job is one recurring sweep. Run returns how many items it cleared.
type Job struct {
	Name  string
	Every time.Duration
	Run   func() int
}

// Scheduler owns the sweeps.
type Scheduler struct {
	sched gocron.Scheduler
	log   zerolog.Logger
}

// Start registers jobs and starts the scheduler. Jobs never overlap with
// themselves; a slow run delays the next one instead.
func Start(jobs []Job, log zerolog.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, eris.Wrap(err, "create scheduler")
	}
	s := &Scheduler{sched: sched, log: log.With().Str("component", "maintenance").Logger()}

	for _, job := range jobs {
		if job.Every <= 0 || job.Run == nil {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(job.Every),
			gocron.NewTask(func() {
				if n := job.Run(); n > 0 {
					s.log.Info().Str("job", job.Name).Int("cleared", n).Msg("🧹 sweep")
				}
			}),
			gocron.WithName(job.Name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = sched.Shutdown()
			return nil, eris.Wrapf(err, "schedule %s", job.Name)
		}
	}

	sched.Start()
	return s, nil
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	jobs := s.sched.Jobs()
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name()
	}
	return names
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
