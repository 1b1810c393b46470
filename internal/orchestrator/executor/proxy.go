package executor

import (
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

// StepToSubmit is one step handed to the execution backend. Arguments are the command line of the processor binary
// found at ProcessorPath.
type StepToSubmit struct {
	ProcessorId   int      `json:"processor_id"`
	TaskId        int      `json:"task_id"`
	ProcessorPath string   `json:"processor_path"`
	StepName      string   `json:"step_name"`
	Arguments     []string `json:"arguments"`
}

// ExecutorProxy notifies the external execution backend. The store is the source of truth for job state, so callers
// log failures of these calls rather than undo the state change that triggered them.
type ExecutorProxy interface {
	SubmitJob(ctx *orchcontext.Context, jobId int) error
	CancelJob(ctx *orchcontext.Context, jobId int) error
	PauseJob(ctx *orchcontext.Context, jobId int) error
	ResumeJob(ctx *orchcontext.Context, jobId int) error
	SubmitSteps(ctx *orchcontext.Context, steps []StepToSubmit) error
	CancelTasks(ctx *orchcontext.Context, taskIds []int) error
}
