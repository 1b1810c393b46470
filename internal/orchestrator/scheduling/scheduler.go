// Package scheduling creates jobs on a cron schedule. Each entry asks its processor whether there is anything to
// process in the current season; if not, the job waits in NeedsInput and is reused by the entry's next tick.
package scheduling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"k8s.io/utils/clock"

	"github.com/G-Research/imagery-orchestrator/internal/common/logging"
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/lifecycle"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
)

// Entry is one scheduled trigger.
type Entry struct {
	Name        string `validate:"required"`
	ProcessorId int    `validate:"required"`
	SiteId      int    `validate:"required"`

	// Cron is a standard five field cron expression, or a descriptor such as @daily.
	Cron        string `validate:"required"`
	SeasonStart string
	SeasonEnd   string
	Overrides   map[string]string
}

type Scheduler struct {
	entries  []Entry
	registry *processor.Registry
	store    database.JobRepository
	sm       *lifecycle.StateMachine
	clock    clock.Clock
	cron     *cron.Cron
}

// New checks every entry and returns a scheduler that has not been started.
func New(entries []Entry, registry *processor.Registry, store database.JobRepository, sm *lifecycle.StateMachine, clock clock.Clock) (*Scheduler, error) {
	var result *multierror.Error
	for _, entry := range entries {
		if _, err := cron.ParseStandard(entry.Cron); err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "schedule %s", entry.Name))
		}
		if _, err := registry.Get(entry.ProcessorId); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "schedule %s", entry.Name))
		}
		if _, _, err := Season(clock.Now(), entry.SeasonStart, entry.SeasonEnd); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "schedule %s", entry.Name))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return &Scheduler{
		entries:  entries,
		registry: registry,
		store:    store,
		sm:       sm,
		clock:    clock,
		cron:     cron.New(cron.WithLocation(time.UTC)),
	}, nil
}

// Run triggers the entries on their schedules until ctx is done.
func (s *Scheduler) Run(ctx *orchcontext.Context) error {
	for _, entry := range s.entries {
		entry := entry
		entryCtx := orchcontext.WithLogField(ctx, "schedule", entry.Name)
		if _, err := s.cron.AddFunc(entry.Cron, func() {
			if _, err := s.Trigger(entryCtx, entry); err != nil {
				logging.WithStacktrace(entryCtx.Log, err).Error("Scheduled trigger failed")
			}
		}); err != nil {
			return errors.WithStack(err)
		}
	}
	ctx.Log.Infof("Starting scheduler with %d entries", len(s.entries))
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// Trigger runs one tick of entry and returns the id of the job it created or reused.
func (s *Scheduler) Trigger(ctx *orchcontext.Context, entry Entry) (int, error) {
	handler, err := s.registry.Get(entry.ProcessorId)
	if err != nil {
		return 0, err
	}
	now := s.clock.Now()
	seasonStart, seasonEnd, err := Season(now, entry.SeasonStart, entry.SeasonEnd)
	if err != nil {
		return 0, err
	}

	job, reused, err := s.jobFor(ctx, entry, now)
	if err != nil {
		return 0, err
	}
	ctx = orchcontext.WithLogField(ctx, "jobId", job.Id)

	definition, err := handler.GetProcessingDefinition(ctx, processor.DefinitionRequest{
		JobId:         job.Id,
		ProcessorId:   entry.ProcessorId,
		SiteId:        entry.SiteId,
		ScheduledDate: now,
		SeasonStart:   seasonStart,
		SeasonEnd:     seasonEnd,
		Overrides:     entry.Overrides,
	})
	if err != nil {
		if failErr := s.sm.MarkJobFailed(ctx, job.Id, err.Error()); failErr != nil {
			ctx.Log.WithError(failErr).Error("Could not fail job")
		}
		return job.Id, err
	}

	var parametersJson string
	switch definition.Kind {
	case processor.NotReady:
		ctx.Log.Infof("Nothing to process in season %s - %s", seasonStart.Format("2006-01-02"), seasonEnd.Format("2006-01-02"))
		return job.Id, s.sm.MarkJobNeedsInput(ctx, job.Id)
	case processor.Ready:
		parametersJson = definition.ParametersJson
	case processor.Custom:
		data, err := json.Marshal(entry.Overrides)
		if err != nil {
			return job.Id, errors.WithStack(err)
		}
		parametersJson = string(data)
	}

	if reused {
		if err := s.sm.MarkJobResubmitted(ctx, job.Id); err != nil {
			return job.Id, err
		}
	}
	if err := s.store.SubmitJob(ctx, job.Id, parametersJson); err != nil {
		return job.Id, err
	}
	ctx.Log.Infof("Submitted scheduled job (%s definition)", definition.Kind)
	return job.Id, nil
}

// jobFor returns the entry's job waiting for input, or a new job.
func (s *Scheduler) jobFor(ctx *orchcontext.Context, entry Entry, now time.Time) (model.Job, bool, error) {
	waiting, err := s.store.GetJobsByStatus(ctx, entry.ProcessorId, entry.SiteId, []model.Status{model.StatusNeedsInput})
	if err != nil {
		return model.Job{}, false, err
	}
	for _, job := range waiting {
		if job.ScheduleName == entry.Name {
			return job, true, nil
		}
	}
	jobId, err := s.store.CreateJob(ctx, model.NewJob{
		Name:                    fmt.Sprintf("%s-%s", entry.Name, now.UTC().Format("20060102T150405")),
		ProcessorId:             entry.ProcessorId,
		SiteId:                  entry.SiteId,
		StartType:               model.StartTypeScheduled,
		ScheduleName:            entry.Name,
		ConfigurationParameters: entry.Overrides,
	})
	if err != nil {
		return model.Job{}, false, err
	}
	job, err := s.store.GetJob(ctx, jobId)
	return job, false, err
}
