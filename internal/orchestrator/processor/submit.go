package processor

import (
	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

// SubmitJob runs handler.HandleJobSubmitted for a job that has not been expanded yet. A job never stays in Submitted
// after its handler fails: an empty graph marks it with MarkEmptyJobFailed, any other error or a panic with
// MarkJobFailed. The error or panic is then passed on to the caller. On success the job moves to PendingStart.
// A job whose graph was stored only in part, e.g. because an earlier attempt crashed, is failed.
func SubmitJob(ctx *orchcontext.Context, env *Environment, handler Handler, event model.JobSubmittedEvent) (err error) {
	job, err := env.Store.GetJob(ctx, event.JobId)
	if err != nil {
		return err
	}
	if job.Status != model.StatusSubmitted {
		ctx.Log.Infof("job %d is %s, not expanding it", job.Id, job.Status)
		return nil
	}
	expanded, err := env.checkExpanded(ctx, event.JobId)
	if _, ok := taskgraph.AsBuildError(err); ok {
		if failErr := env.StateMachine.MarkJobFailed(ctx, event.JobId, err.Error()); failErr != nil {
			ctx.Log.WithError(failErr).Errorf("could not fail job %d", event.JobId)
		}
		return errors.WithMessagef(err, "job %d failed", event.JobId)
	}
	if err != nil {
		return err
	}
	if expanded {
		ctx.Log.Infof("job %d already has tasks, not expanding it again", job.Id)
		return env.StateMachine.MarkJobPendingStart(ctx, event.JobId)
	}

	defer func() {
		if r := recover(); r != nil {
			if failErr := env.StateMachine.MarkJobFailed(ctx, event.JobId, describePanic(r)); failErr != nil {
				ctx.Log.WithError(failErr).Errorf("could not fail job %d", event.JobId)
			}
			panic(r)
		}
	}()

	if err := handler.HandleJobSubmitted(ctx, event); err != nil {
		var failErr error
		if taskgraph.IsEmptyJob(err) {
			failErr = env.StateMachine.MarkEmptyJobFailed(ctx, event.JobId, err.Error())
		} else {
			failErr = env.StateMachine.MarkJobFailed(ctx, event.JobId, err.Error())
		}
		if failErr != nil {
			ctx.Log.WithError(failErr).Errorf("could not fail job %d", event.JobId)
		}
		return errors.WithMessagef(err, "job %d failed", event.JobId)
	}
	return env.StateMachine.MarkJobPendingStart(ctx, event.JobId)
}
