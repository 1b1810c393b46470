package executor

import (
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

// LogProxy only logs the calls. It stands in for the backend in local runs.
type LogProxy struct{}

func (LogProxy) SubmitJob(ctx *orchcontext.Context, jobId int) error {
	ctx.Log.Infof("submit job %d", jobId)
	return nil
}

func (LogProxy) CancelJob(ctx *orchcontext.Context, jobId int) error {
	ctx.Log.Infof("cancel job %d", jobId)
	return nil
}

func (LogProxy) PauseJob(ctx *orchcontext.Context, jobId int) error {
	ctx.Log.Infof("pause job %d", jobId)
	return nil
}

func (LogProxy) ResumeJob(ctx *orchcontext.Context, jobId int) error {
	ctx.Log.Infof("resume job %d", jobId)
	return nil
}

func (LogProxy) SubmitSteps(ctx *orchcontext.Context, steps []StepToSubmit) error {
	for _, step := range steps {
		ctx.Log.Infof("submit step %s of task %d: %s %v", step.StepName, step.TaskId, step.ProcessorPath, step.Arguments)
	}
	return nil
}

func (LogProxy) CancelTasks(ctx *orchcontext.Context, taskIds []int) error {
	ctx.Log.Infof("cancel tasks %v", taskIds)
	return nil
}
