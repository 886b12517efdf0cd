package engine

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pstanica/temporal-vampire/internal/portfolio/model"
	"github.com/pstanica/temporal-vampire/internal/portfolio/runtime"
)

// Attempter runs a single attempt. *AttemptRunner is the production
// implementation.
type Attempter interface {
	Run(ctx context.Context, job model.Job, cfg model.Configuration, deadline time.Duration) runtime.AttemptResult
}

// Scheduler tries a job against the configurations in order under one
// wall-clock budget of PerAttempt*len(Configurations)+Slack. The first
// success wins; configuration order is the only priority signal.
type Scheduler struct {
	Runner         Attempter
	Configurations []model.Configuration
	PerAttempt     time.Duration
	Slack          time.Duration

	// Now defaults to time.Now.
	Now      func() time.Time
	Progress *ProgressLog
	Logger   logrus.FieldLogger
}

func NewScheduler(runner Attempter, cfgs []model.Configuration, settings RunSettings, progress *ProgressLog, logger logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		Runner:         runner,
		Configurations: cfgs,
		PerAttempt:     settings.PerAttempt,
		Slack:          settings.Slack,
		Progress:       progress,
		Logger:         logger,
	}
}

func (s *Scheduler) Budget() time.Duration {
	return s.PerAttempt*time.Duration(len(s.Configurations)) + s.Slack
}

// RunJob always returns exactly one JobResult, whatever the attempts did.
func (s *Scheduler) RunJob(ctx context.Context, job model.Job) runtime.JobResult {
	now := s.Now
	if now == nil {
		now = time.Now
	}
	log := s.logger().WithField("job", job.Tag)
	budget := s.Budget()
	t0 := now()

	res := runtime.JobResult{
		Tag:     job.Tag,
		Status:  runtime.StatusUnknown,
		Outcome: runtime.OutcomeFail,
	}
	for i, cfg := range s.Configurations {
		remaining := budget - now().Sub(t0)
		if remaining <= 0 {
			res.Trace = append(res.Trace, runtime.TraceEntry{
				Label:     runtime.WallclockLabel,
				Status:    runtime.StatusTimeout,
				Synthetic: true,
			})
			res.Status = runtime.StatusTimeout
			res.Outcome = runtime.OutcomeTimeout
			wallclockExhaustedTotal.Inc()
			log.Infof("wall-clock budget %s exhausted before configuration %s", budget, cfg.Label)
			s.Progress.Append(map[string]any{
				"event":         "warning",
				"job":           job.Tag,
				"configuration": cfg.Label,
				"message":       "wall-clock budget exhausted",
				"budget_ms":     budget.Milliseconds(),
			})
			break
		}
		deadline := s.PerAttempt
		if remaining < deadline {
			deadline = remaining
		}
		s.Progress.Append(map[string]any{
			"event":         "attempt_start",
			"job":           job.Tag,
			"configuration": cfg.Label,
			"index":         i,
			"deadline_ms":   deadline.Milliseconds(),
		})
		ar := s.Runner.Run(ctx, job, cfg, deadline)
		res.Trace = append(res.Trace, runtime.TraceEntry{
			Label:     cfg.Label,
			Status:    ar.Status,
			ElapsedMS: ar.ElapsedMS,
		})
		res.Status = ar.Status
		res.Outcome = ar.Outcome
		s.Progress.Append(map[string]any{
			"event":         "attempt_end",
			"job":           job.Tag,
			"configuration": cfg.Label,
			"status":        ar.Status,
			"outcome":       string(ar.Outcome),
			"diagnostic":    string(ar.Diagnostic),
			"elapsed_ms":    ar.ElapsedMS,
		})
		log.WithField("configuration", cfg.Label).Debugf("attempt %s (%s) in %dms", ar.Status, ar.Outcome, ar.ElapsedMS)
		if ar.Outcome == runtime.OutcomeSuccess {
			res.Winner = cfg.Label
			break
		}
	}
	res.ElapsedMS = now().Sub(t0).Milliseconds()
	observeJob(res)
	s.Progress.Append(map[string]any{
		"event":      "job_end",
		"job":        job.Tag,
		"status":     res.Status,
		"outcome":    string(res.Outcome),
		"winner":     res.Winner,
		"elapsed_ms": res.ElapsedMS,
		"trace":      res.TraceString(),
	})
	return res
}

func (s *Scheduler) logger() logrus.FieldLogger {
	if s.Logger == nil {
		return logrus.StandardLogger()
	}
	return s.Logger
}
