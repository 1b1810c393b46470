// Package lifecycle funnels every job, task and step status change through named operations that check the move is
// allowed before asking the store to make it. Moving an entity to the status it already has is a no-op, which keeps
// redelivered events harmless.
package lifecycle

import (
	"strconv"

	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// Store is the part of the repository the state machine drives.
type Store interface {
	database.EventRepository
	database.JobRepository
	database.TaskRepository
}

type StateMachine struct {
	store Store
}

func NewStateMachine(store Store) *StateMachine {
	return &StateMachine{store: store}
}

// transitionJob validates the move of a job to status and runs apply unless the job is already there.
func (sm *StateMachine) transitionJob(ctx *orchcontext.Context, jobId int, status model.Status, apply func() error) error {
	job, err := sm.store.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	if job.Status == status {
		ctx.Log.Debugf("job %d is already %s", jobId, status)
		return nil
	}
	if err := model.ValidateJobTransition(jobId, job.Status, status); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return errors.WithMessagef(err, "moving job %d from %s to %s", jobId, job.Status, status)
	}
	ctx.Log.Infof("job %d moved from %s to %s", jobId, job.Status, status)
	return nil
}

func (sm *StateMachine) MarkJobPendingStart(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusPendingStart, func() error {
		return sm.store.MarkJobPendingStart(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobNeedsInput(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusNeedsInput, func() error {
		return sm.store.MarkJobNeedsInput(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobResubmitted(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusSubmitted, func() error {
		return sm.store.MarkJobResubmitted(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobCancelled(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusCancelled, func() error {
		return sm.store.MarkJobCancelled(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobPaused(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusPaused, func() error {
		return sm.store.MarkJobPaused(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobResumed(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusRunning, func() error {
		return sm.store.MarkJobResumed(ctx, jobId)
	})
}

func (sm *StateMachine) MarkJobFinished(ctx *orchcontext.Context, jobId int) error {
	return sm.transitionJob(ctx, jobId, model.StatusFinished, func() error {
		return sm.store.MarkJobFinished(ctx, jobId)
	})
}

// MarkJobFailed moves the job to Error. The reason is kept on the job for operators.
func (sm *StateMachine) MarkJobFailed(ctx *orchcontext.Context, jobId int, reason string) error {
	return sm.transitionJob(ctx, jobId, model.StatusError, func() error {
		return sm.store.MarkJobFailed(ctx, jobId, reason)
	})
}

func (sm *StateMachine) MarkEmptyJobFailed(ctx *orchcontext.Context, jobId int, reason string) error {
	return sm.transitionJob(ctx, jobId, model.StatusError, func() error {
		return sm.store.MarkEmptyJobFailed(ctx, jobId, reason)
	})
}

func (sm *StateMachine) MarkTaskPendingStart(ctx *orchcontext.Context, taskId int) error {
	task, err := sm.store.GetTask(ctx, taskId)
	if err != nil {
		return err
	}
	if task.Status == model.StatusPendingStart {
		return nil
	}
	if err := model.ValidateTaskTransition(taskId, task.Status, model.StatusPendingStart); err != nil {
		return err
	}
	return sm.store.MarkTaskPendingStart(ctx, taskId)
}

func (sm *StateMachine) transitionStep(ctx *orchcontext.Context, taskId int, stepName string, status model.Status, apply func() error) error {
	step, err := sm.store.GetStep(ctx, taskId, stepName)
	if err != nil {
		return err
	}
	if step.Status == status {
		ctx.Log.Debugf("step %s of task %d is already %s", stepName, taskId, status)
		return nil
	}
	if err := model.ValidateStepTransition(taskId, step.Status, status); err != nil {
		return err
	}
	return apply()
}

func (sm *StateMachine) MarkStepStarted(ctx *orchcontext.Context, taskId int, stepName string, node string) error {
	return sm.transitionStep(ctx, taskId, stepName, model.StatusRunning, func() error {
		return sm.store.MarkStepStarted(ctx, taskId, stepName, node)
	})
}

func (sm *StateMachine) MarkStepFinished(ctx *orchcontext.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return sm.transitionStep(ctx, taskId, stepName, model.StatusFinished, func() error {
		return sm.store.MarkStepFinished(ctx, taskId, stepName, stats)
	})
}

func (sm *StateMachine) MarkStepFailed(ctx *orchcontext.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return sm.transitionStep(ctx, taskId, stepName, model.StatusError, func() error {
		return sm.store.MarkStepFailed(ctx, taskId, stepName, stats)
	})
}

// TolerateTaskFailure lets a task in Error carry on without its failed steps. It is the only way out of Error for a
// task, and is only taken when the processor's step failure policy continues the job.
func (sm *StateMachine) TolerateTaskFailure(ctx *orchcontext.Context, taskId int) error {
	task, err := sm.store.GetTask(ctx, taskId)
	if err != nil {
		return err
	}
	switch task.Status {
	case model.StatusError:
		return sm.store.MarkTaskFailureTolerated(ctx, taskId)
	case model.StatusRunning, model.StatusFinished:
		ctx.Log.Debugf("task %d is already %s", taskId, task.Status)
		return nil
	}
	return errors.WithStack(&orcherrors.ErrInvalidTransition{
		Entity: "task",
		Id:     strconv.Itoa(taskId),
		From:   task.Status.String(),
		To:     model.StatusFinished.String(),
	})
}

// RequestJobCancel records a request to cancel the job. The job is cancelled when the worker handles the event.
func (sm *StateMachine) RequestJobCancel(ctx *orchcontext.Context, jobId int) error {
	return sm.request(ctx, jobId, model.StatusCancelled, model.EventTypeJobCancelled, model.JobCancelledEvent{JobId: jobId})
}

func (sm *StateMachine) RequestJobPause(ctx *orchcontext.Context, jobId int) error {
	return sm.request(ctx, jobId, model.StatusPaused, model.EventTypeJobPaused, model.JobPausedEvent{JobId: jobId})
}

func (sm *StateMachine) RequestJobResume(ctx *orchcontext.Context, jobId int) error {
	job, err := sm.store.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	return sm.request(ctx, jobId, model.StatusRunning, model.EventTypeJobResumed, model.JobResumedEvent{
		JobId:       jobId,
		ProcessorId: job.ProcessorId,
	})
}

func (sm *StateMachine) request(ctx *orchcontext.Context, jobId int, target model.Status, eventType model.EventType, payload interface{}) error {
	job, err := sm.store.GetJob(ctx, jobId)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return &orcherrors.ErrInvalidTransition{
			Entity: "job",
			Id:     strconv.Itoa(jobId),
			From:   job.Status.String(),
			To:     target.String(),
		}
	}
	if err := model.ValidateJobTransition(jobId, job.Status, target); err != nil {
		return err
	}
	event, err := model.Encode(eventType, payload)
	if err != nil {
		return err
	}
	_, err = sm.store.InsertEvent(ctx, event)
	return err
}
