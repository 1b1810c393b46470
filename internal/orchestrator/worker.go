package orchestrator

import (
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/imagery-orchestrator/internal/common/logging"
	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
)

var (
	// Tasks cancelled at the backend when their job is cancelled.
	cancellableTaskStatuses = []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning, model.StatusPaused}
	// Tasks cancelled at the backend when their job is paused.
	pausableTaskStatuses = []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning}
	// Tasks cancelled at the backend when a step of their job fails.
	failedJobTaskStatuses = []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning, model.StatusError}
)

// Worker drains the event queue, one event at a time. Several workers, in one or several processes, may share a
// store: an event is only processed by the worker that claims it.
type Worker struct {
	env      *processor.Environment
	registry *processor.Registry
	instance string
	clock    clock.Clock
}

func NewWorker(env *processor.Environment, registry *processor.Registry, instance string, clock clock.Clock) *Worker {
	return &Worker{
		env:      env,
		registry: registry,
		instance: instance,
		clock:    clock,
	}
}

// RescanEvents processes new events until a poll returns none, and returns how many events it processed. Events it
// cannot claim are left for the next scan.
func (w *Worker) RescanEvents(ctx *orchcontext.Context) int {
	processed := 0
	for ctx.Err() == nil {
		events, err := w.env.Store.GetNewEvents(ctx)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("Could not read new events")
			return processed
		}
		if len(events) == 0 {
			return processed
		}
		claimed := 0
		for _, event := range events {
			if w.processEvent(ctx, event) {
				claimed++
			}
		}
		processed += claimed
		if claimed == 0 {
			// Every event of the poll is held by someone else or cannot be claimed; polling again would spin.
			return processed
		}
	}
	return processed
}

// processEvent returns false if the event could not be claimed.
func (w *Worker) processEvent(ctx *orchcontext.Context, event model.Event) bool {
	ctx = orchcontext.WithLogFields(ctx, logrus.Fields{"eventId": event.Id, "eventType": event.Type.String()})
	if err := w.env.Store.MarkEventProcessingStarted(ctx, event.Id, w.instance); err != nil {
		eventClaimFailures.Inc()
		if orcherrors.IsAlreadyExists(err) {
			ctx.Log.Debugf("Event already claimed: %s", err)
		} else {
			logging.WithStacktrace(ctx.Log, err).Warn("Could not claim event")
		}
		return false
	}

	start := w.clock.Now()
	outcome := w.dispatchSafely(ctx, event)
	eventProcessingLatency.WithLabelValues(event.Type.String()).Observe(w.clock.Since(start).Seconds())
	eventsProcessed.WithLabelValues(event.Type.String(), outcome).Inc()

	if err := w.env.Store.MarkEventProcessingComplete(ctx, event.Id); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Could not mark event complete")
	}
	return true
}

// dispatchSafely handles the event and reports the outcome. Neither errors nor panics escape.
func (w *Worker) dispatchSafely(ctx *orchcontext.Context, event model.Event) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.WithField(logging.Stacktrace, string(debug.Stack())).Errorf("Panic while processing event: %v", r)
			outcome = outcomePanic
		}
	}()
	err := w.dispatch(ctx, event)
	switch {
	case err == nil:
		return outcomeSuccess
	case orcherrors.IsNotFound(err) || orcherrors.IsInvalidTransition(err):
		ctx.Log.Infof("Event no longer applies: %s", err)
		return outcomeSkipped
	default:
		logging.WithStacktrace(ctx.Log, err).Error("Error processing event")
		return outcomeFailure
	}
}

func (w *Worker) dispatch(ctx *orchcontext.Context, event model.Event) error {
	switch event.Type {
	case model.EventTypeTaskRunnable:
		var e model.TaskRunnableEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleTaskRunnable(withTask(ctx, e.JobId, e.TaskId), e)
	case model.EventTypeTaskFinished:
		var e model.TaskFinishedEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		handler, err := w.registry.Get(e.ProcessorId)
		if err != nil {
			return err
		}
		return handler.HandleTaskFinished(withTask(ctx, e.JobId, e.TaskId), e)
	case model.EventTypeProductAvailable:
		var e model.ProductAvailableEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleProductAvailable(ctx, e)
	case model.EventTypeJobCancelled:
		var e model.JobCancelledEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleJobCancelled(withJob(ctx, e.JobId), e)
	case model.EventTypeJobPaused:
		var e model.JobPausedEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleJobPaused(withJob(ctx, e.JobId), e)
	case model.EventTypeJobResumed:
		var e model.JobResumedEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleJobResumed(withJob(ctx, e.JobId), e)
	case model.EventTypeJobSubmitted:
		var e model.JobSubmittedEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleJobSubmitted(withJob(ctx, e.JobId), e)
	case model.EventTypeStepFailed:
		var e model.StepFailedEvent
		if err := event.Decode(&e); err != nil {
			return err
		}
		return w.handleStepFailed(withTask(ctx, e.JobId, e.TaskId), e)
	default:
		return errors.Errorf("unknown event type %d", event.Type)
	}
}

func withJob(ctx *orchcontext.Context, jobId int) *orchcontext.Context {
	return orchcontext.WithLogField(ctx, "jobId", jobId)
}

func withTask(ctx *orchcontext.Context, jobId int, taskId int) *orchcontext.Context {
	return orchcontext.WithLogFields(ctx, logrus.Fields{"jobId": jobId, "taskId": taskId})
}

func (w *Worker) handleTaskRunnable(ctx *orchcontext.Context, e model.TaskRunnableEvent) error {
	task, err := w.env.Store.GetTask(ctx, e.TaskId)
	if err != nil {
		return err
	}
	if task.Status != model.StatusSubmitted {
		ctx.Log.Infof("Task is %s, not submitting it", task.Status)
		return nil
	}
	steps, err := w.env.Store.GetTaskStepsForStart(ctx, e.TaskId)
	if err != nil {
		return err
	}
	if len(steps) == 0 {
		ctx.Log.Warn("Runnable task has no steps to start")
		return nil
	}
	toSubmit := make([]executor.StepToSubmit, 0, len(steps))
	for _, step := range steps {
		path, err := w.env.ModulePath(ctx, e.JobId, step.Module)
		if err != nil {
			return err
		}
		var arguments []string
		if err := json.Unmarshal([]byte(step.ArgumentsJson), &arguments); err != nil {
			return errors.Wrapf(err, "malformed arguments of step %s", step.Name)
		}
		toSubmit = append(toSubmit, executor.StepToSubmit{
			ProcessorId:   e.ProcessorId,
			TaskId:        step.TaskId,
			ProcessorPath: path,
			StepName:      step.Name,
			Arguments:     arguments,
		})
	}
	if err := w.env.Proxy.SubmitSteps(ctx, toSubmit); err != nil {
		// The task stays Submitted; resuming the job makes it runnable again.
		logging.WithStacktrace(ctx.Log, err).Errorf("Could not submit %d steps", len(toSubmit))
		return nil
	}
	ctx.Log.Infof("Submitted %d steps", len(toSubmit))
	return w.env.StateMachine.MarkTaskPendingStart(ctx, e.TaskId)
}

// handleProductAvailable offers the product to every processor. One failing handler does not stop the others.
func (w *Worker) handleProductAvailable(ctx *orchcontext.Context, e model.ProductAvailableEvent) error {
	var result *multierror.Error
	for _, id := range w.registry.Ids() {
		handler, err := w.registry.Get(id)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := w.callProductHandler(orchcontext.WithLogField(ctx, "processorId", id), handler, e); err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "processor %d", id))
		}
	}
	return result.ErrorOrNil()
}

func (w *Worker) callProductHandler(ctx *orchcontext.Context, handler processor.Handler, e model.ProductAvailableEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return handler.HandleProductAvailable(ctx, e)
}

func (w *Worker) handleJobCancelled(ctx *orchcontext.Context, e model.JobCancelledEvent) error {
	w.cancelTasks(ctx, e.JobId, cancellableTaskStatuses)
	return w.env.StateMachine.MarkJobCancelled(ctx, e.JobId)
}

func (w *Worker) handleJobPaused(ctx *orchcontext.Context, e model.JobPausedEvent) error {
	w.cancelTasks(ctx, e.JobId, pausableTaskStatuses)
	if err := w.env.StateMachine.MarkJobPaused(ctx, e.JobId); err != nil {
		return err
	}
	if err := w.env.Proxy.PauseJob(ctx, e.JobId); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Could not notify executor of paused job")
	}
	return nil
}

func (w *Worker) handleJobResumed(ctx *orchcontext.Context, e model.JobResumedEvent) error {
	if err := w.env.StateMachine.MarkJobResumed(ctx, e.JobId); err != nil {
		return err
	}
	if err := w.env.Proxy.ResumeJob(ctx, e.JobId); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Could not notify executor of resumed job")
	}
	return nil
}

func (w *Worker) handleJobSubmitted(ctx *orchcontext.Context, e model.JobSubmittedEvent) error {
	handler, err := w.registry.Get(e.ProcessorId)
	if err != nil {
		if failErr := w.env.StateMachine.MarkJobFailed(ctx, e.JobId, err.Error()); failErr != nil {
			ctx.Log.WithError(failErr).Error("Could not fail job")
		}
		return err
	}
	if err := processor.SubmitJob(orchcontext.WithLogField(ctx, "processorId", e.ProcessorId), w.env, handler, e); err != nil {
		return err
	}
	if err := w.env.Proxy.SubmitJob(ctx, e.JobId); err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Could not notify executor of submitted job")
	}
	return nil
}

func (w *Worker) handleStepFailed(ctx *orchcontext.Context, e model.StepFailedEvent) error {
	job, err := w.env.Store.GetJob(ctx, e.JobId)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		ctx.Log.Infof("Step %s failed after job became %s", e.StepName, job.Status)
		return nil
	}
	handler, err := w.registry.Get(job.ProcessorId)
	if err != nil {
		return err
	}
	if processor.OnStepFailed(ctx, handler, e) == processor.ContinueJob {
		ctx.Log.Warnf("Step %s failed, job continues without it", e.StepName)
		return w.env.StateMachine.TolerateTaskFailure(ctx, e.TaskId)
	}
	w.cancelTasks(ctx, e.JobId, failedJobTaskStatuses)
	return w.env.StateMachine.MarkJobFailed(ctx, e.JobId, fmt.Sprintf("step %s of task %d failed", e.StepName, e.TaskId))
}

// cancelTasks asks the backend to stop the job's tasks in one of statuses. Failures are logged only.
func (w *Worker) cancelTasks(ctx *orchcontext.Context, jobId int, statuses []model.Status) {
	tasks, err := w.env.Store.GetJobTasksByStatus(ctx, jobId, statuses)
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("Could not list tasks to cancel")
		return
	}
	if len(tasks) == 0 {
		return
	}
	taskIds := make([]int, len(tasks))
	for i, task := range tasks {
		taskIds[i] = task.Id
	}
	if err := w.env.Proxy.CancelTasks(ctx, taskIds); err != nil {
		logging.WithStacktrace(ctx.Log, err).Errorf("Could not cancel tasks %v", taskIds)
	}
}
