package database

import (
	"context"
	"time"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// DefaultEventClaimTimeout is how long a claimed event that was never completed stays with the claiming instance.
const DefaultEventClaimTimeout = 10 * time.Minute

type EventRepository interface {
	// GetNewEvents returns the uncompleted events that are unclaimed or whose claim has timed out, oldest first.
	GetNewEvents(ctx context.Context) ([]model.Event, error)

	// MarkEventProcessingStarted claims the event for the given orchestrator instance. A claim that has not been
	// completed within the claim timeout may be taken over. It returns an *orcherrors.ErrAlreadyExists if the event
	// is completed or another instance holds a live claim.
	MarkEventProcessingStarted(ctx context.Context, eventId int, instance string) error

	MarkEventProcessingComplete(ctx context.Context, eventId int) error

	InsertEvent(ctx context.Context, event model.NewEvent) (int, error)
}

type JobRepository interface {
	// CreateJob stores a job in Submitted status together with its configuration parameters. No event is emitted;
	// see SubmitJob.
	CreateJob(ctx context.Context, job model.NewJob) (int, error)

	// SubmitJob stores the job parameters, moves the job to Submitted and inserts a JobSubmitted event.
	SubmitJob(ctx context.Context, jobId int, parametersJson string) error

	GetJob(ctx context.Context, jobId int) (model.Job, error)
	GetJobsByStatus(ctx context.Context, processorId int, siteId int, statuses []model.Status) ([]model.Job, error)

	// GetActiveJobIds returns the ids of the processor's non-terminal jobs on the site.
	GetActiveJobIds(ctx context.Context, processorId int, siteId int) ([]int, error)

	// GetJobConfigurationParameters returns the job's configuration parameters whose key starts with keyPrefix.
	GetJobConfigurationParameters(ctx context.Context, jobId int, keyPrefix string) (map[string]string, error)

	MarkJobPendingStart(ctx context.Context, jobId int) error
	MarkJobNeedsInput(ctx context.Context, jobId int) error
	MarkJobResubmitted(ctx context.Context, jobId int) error

	// MarkJobCancelled cancels the job with its unfinished tasks and steps.
	MarkJobCancelled(ctx context.Context, jobId int) error

	// MarkJobPaused pauses the job with its submitted, pending and running tasks and steps.
	MarkJobPaused(ctx context.Context, jobId int) error

	// MarkJobResumed moves the job back to Running, resets its paused tasks and steps to Submitted and emits
	// TaskRunnable for those whose parents have finished.
	MarkJobResumed(ctx context.Context, jobId int) error

	MarkJobFinished(ctx context.Context, jobId int) error

	// MarkJobFailed moves the job to Error with the given reason and cancels its unfinished tasks and steps.
	MarkJobFailed(ctx context.Context, jobId int, reason string) error

	// MarkEmptyJobFailed is MarkJobFailed for a job whose graph could not be built; it has no tasks to cancel.
	MarkEmptyJobFailed(ctx context.Context, jobId int, reason string) error
}

type TaskRepository interface {
	// SubmitTasks stores the tasks in Submitted status and returns their ids in the order given.
	SubmitTasks(ctx context.Context, jobId int, tasks []model.NewTask) ([]int, error)

	// SubmitSteps stores the steps in the order given and emits TaskRunnable for each of their tasks whose parents
	// have all finished.
	SubmitSteps(ctx context.Context, steps []model.NewStep) error

	GetTask(ctx context.Context, taskId int) (model.Task, error)

	// GetJobTasksByStatus returns the job's tasks in any of the given statuses, or all of its tasks if statuses is
	// empty. Tasks are ordered by id.
	GetJobTasksByStatus(ctx context.Context, jobId int, statuses []model.Status) ([]model.Task, error)

	// GetTaskStepsForStart returns the task's unfinished steps in execution order.
	GetTaskStepsForStart(ctx context.Context, taskId int) ([]model.RunnableStep, error)

	GetStep(ctx context.Context, taskId int, stepName string) (model.Step, error)
	GetJobSteps(ctx context.Context, jobId int) ([]model.Step, error)

	MarkTaskPendingStart(ctx context.Context, taskId int) error

	// MarkStepStarted moves the step and its task, and the job if it has not started yet, to Running.
	MarkStepStarted(ctx context.Context, taskId int, stepName string, node string) error

	// MarkStepFinished records the statistics and finishes the step. Once every step of the task has finished, or
	// failed with the failure tolerated, the task finishes too, a TaskFinished event is emitted and TaskRunnable is
	// emitted for every child that is now ready.
	MarkStepFinished(ctx context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error

	// MarkTaskFailureTolerated accepts the failed steps of a task in Error. The task finishes as MarkStepFinished
	// describes if none of its steps is left to run, and goes back to Running otherwise. Tasks in any other status
	// are left alone.
	MarkTaskFailureTolerated(ctx context.Context, taskId int) error

	// MarkStepFailed records the statistics, moves the step and its task to Error and emits StepFailed.
	MarkStepFailed(ctx context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error
}

type ProductRepository interface {
	// InsertProduct stores the product with its provenance and emits ProductAvailable.
	InsertProduct(ctx context.Context, product model.NewProduct) (int, error)
	GetProduct(ctx context.Context, productId int) (model.Product, error)
	GetProducts(ctx context.Context, query model.ProductQuery) ([]model.ProductCandidate, error)
}

// Repository is everything the orchestrator persists.
type Repository interface {
	EventRepository
	JobRepository
	TaskRepository
	ProductRepository
	Ping(ctx context.Context) error
}
