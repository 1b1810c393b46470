package jobdb

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// Repository is an in-memory implementation of database.Repository, built on https://github.com/hashicorp/go-memdb.
// It applies the same lifecycle rules as the postgres implementation and is used for single-instance deployments and
// as the store behind most tests.
// Objects stored in the db are never modified in place; every update inserts a modified copy.
type Repository struct {
	db    *memdb.MemDB
	clock clock.Clock
	// claims older than this that have not been completed may be taken over by another instance
	claimTimeout time.Duration

	mu  sync.Mutex
	ids map[string]int
}

var _ database.Repository = &Repository{}

func NewRepository(clock clock.Clock) (*Repository, error) {
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Repository{
		db:           db,
		clock:        clock,
		claimTimeout: database.DefaultEventClaimTimeout,
		ids:          make(map[string]int),
	}, nil
}

// WithEventClaimTimeout sets how long an uncompleted claim holds its event.
func (r *Repository) WithEventClaimTimeout(timeout time.Duration) *Repository {
	r.claimTimeout = timeout
	return r
}

func (r *Repository) nextId(table string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[table]++
	return r.ids[table]
}

func (r *Repository) Ping(_ context.Context) error {
	return nil
}

// write runs fn in a write transaction and commits it if fn succeeds.
// Only a single write transaction may access the db at any given time.
func (r *Repository) write(fn func(txn *memdb.Txn) error) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := fn(txn); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func (r *Repository) read() *memdb.Txn {
	return r.db.Txn(false)
}

func notFound(entity string, id string) error {
	return errors.WithStack(&orcherrors.ErrNotFound{Type: entity, Value: id})
}

func first[T any](txn *memdb.Txn, table string, entity string, args ...interface{}) (*T, error) {
	obj, err := txn.First(table, idIndex, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if obj == nil {
		ids := make([]string, len(args))
		for i, arg := range args {
			switch v := arg.(type) {
			case int:
				ids[i] = strconv.Itoa(v)
			case string:
				ids[i] = v
			}
		}
		return nil, notFound(entity, strings.Join(ids, "/"))
	}
	return obj.(*T), nil
}

func all[T any](txn *memdb.Txn, table string, index string, args ...interface{}) ([]*T, error) {
	it, err := txn.Get(table, index, args...)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	var result []*T
	for obj := it.Next(); obj != nil; obj = it.Next() {
		result = append(result, obj.(*T))
	}
	return result, nil
}

func insert(txn *memdb.Txn, table string, obj interface{}) error {
	return errors.WithStack(txn.Insert(table, obj))
}

// Events

func (r *Repository) GetNewEvents(_ context.Context) ([]model.Event, error) {
	events, err := all[model.Event](r.read(), eventsTable, completedIndex, false)
	if err != nil {
		return nil, err
	}
	now := r.clock.Now()
	var result []model.Event
	for _, e := range events {
		if r.claimable(e, now) {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

// claimable reports whether the event is unclaimed, or claimed by an instance that has held it for longer than the
// claim timeout without completing it.
func (r *Repository) claimable(event *model.Event, now time.Time) bool {
	if event.ProcessingCompletedTimestamp != nil {
		return false
	}
	return event.ProcessingStartedTimestamp == nil || now.Sub(*event.ProcessingStartedTimestamp) >= r.claimTimeout
}

func (r *Repository) MarkEventProcessingStarted(_ context.Context, eventId int, instance string) error {
	return r.write(func(txn *memdb.Txn) error {
		event, err := first[model.Event](txn, eventsTable, "event", eventId)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		if !r.claimable(event, now) {
			message := "claimed by " + event.ProcessedBy
			if event.ProcessingCompletedTimestamp != nil {
				message = "completed by " + event.ProcessedBy
			}
			return errors.WithStack(&orcherrors.ErrAlreadyExists{
				Type:    "event claim",
				Value:   strconv.Itoa(eventId),
				Message: message,
			})
		}
		claimed := *event
		claimed.ProcessingStartedTimestamp = &now
		claimed.ProcessedBy = instance
		return insert(txn, eventsTable, &claimed)
	})
}

func (r *Repository) MarkEventProcessingComplete(_ context.Context, eventId int) error {
	return r.write(func(txn *memdb.Txn) error {
		event, err := first[model.Event](txn, eventsTable, "event", eventId)
		if err != nil {
			return err
		}
		completed := *event
		now := r.clock.Now()
		completed.ProcessingCompletedTimestamp = &now
		if completed.ProcessingStartedTimestamp == nil {
			completed.ProcessingStartedTimestamp = &now
		}
		return insert(txn, eventsTable, &completed)
	})
}

func (r *Repository) InsertEvent(_ context.Context, event model.NewEvent) (int, error) {
	var id int
	err := r.write(func(txn *memdb.Txn) error {
		var err error
		id, err = r.insertEvent(txn, event)
		return err
	})
	return id, err
}

func (r *Repository) insertEvent(txn *memdb.Txn, event model.NewEvent) (int, error) {
	stored := &model.Event{
		Id:                 r.nextId(eventsTable),
		Type:               event.Type,
		DataJson:           event.DataJson,
		SubmittedTimestamp: r.clock.Now(),
	}
	return stored.Id, insert(txn, eventsTable, stored)
}

// Jobs

func (r *Repository) CreateJob(_ context.Context, job model.NewJob) (int, error) {
	var jobId int
	err := r.write(func(txn *memdb.Txn) error {
		now := r.clock.Now()
		stored := &model.Job{
			Id:              r.nextId(jobsTable),
			Name:            job.Name,
			ProcessorId:     job.ProcessorId,
			SiteId:          job.SiteId,
			Status:          model.StatusSubmitted,
			StartType:       job.StartType,
			ParametersJson:  job.ParametersJson,
			ScheduleName:    job.ScheduleName,
			SubmitTimestamp: now,
			StatusTimestamp: now,
		}
		if err := insert(txn, jobsTable, stored); err != nil {
			return err
		}
		for k, v := range job.ConfigurationParameters {
			if err := insert(txn, configTable, &configEntry{JobId: stored.Id, Key: k, Value: v}); err != nil {
				return err
			}
		}
		jobId = stored.Id
		return nil
	})
	return jobId, err
}

func (r *Repository) SubmitJob(_ context.Context, jobId int, parametersJson string) error {
	return r.write(func(txn *memdb.Txn) error {
		job, err := first[model.Job](txn, jobsTable, "job", jobId)
		if err != nil {
			return err
		}
		if job.Status != model.StatusSubmitted {
			return notFound("submitted job", strconv.Itoa(jobId))
		}
		if strings.TrimSpace(parametersJson) == "" {
			parametersJson = "{}"
		}
		submitted := *job
		submitted.ParametersJson = parametersJson
		submitted.StatusTimestamp = r.clock.Now()
		if err := insert(txn, jobsTable, &submitted); err != nil {
			return err
		}
		event, err := model.Encode(model.EventTypeJobSubmitted, model.JobSubmittedEvent{
			JobId:          jobId,
			ProcessorId:    job.ProcessorId,
			SiteId:         job.SiteId,
			ParametersJson: []byte(parametersJson),
		})
		if err != nil {
			return err
		}
		_, err = r.insertEvent(txn, event)
		return err
	})
}

func (r *Repository) GetJob(_ context.Context, jobId int) (model.Job, error) {
	job, err := first[model.Job](r.read(), jobsTable, "job", jobId)
	if err != nil {
		return model.Job{}, err
	}
	return *job, nil
}

func (r *Repository) GetJobsByStatus(_ context.Context, processorId int, siteId int, statuses []model.Status) ([]model.Job, error) {
	jobs, err := all[model.Job](r.read(), jobsTable, siteIndex, processorId, siteId)
	if err != nil {
		return nil, err
	}
	var result []model.Job
	for _, job := range jobs {
		if slices.Contains(statuses, job.Status) {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (r *Repository) GetActiveJobIds(ctx context.Context, processorId int, siteId int) ([]int, error) {
	jobs, err := r.GetJobsByStatus(ctx, processorId, siteId, model.NonTerminalStatuses)
	if err != nil {
		return nil, err
	}
	ids := make([]int, len(jobs))
	for i, job := range jobs {
		ids[i] = job.Id
	}
	return ids, nil
}

func (r *Repository) GetJobConfigurationParameters(_ context.Context, jobId int, keyPrefix string) (map[string]string, error) {
	entries, err := all[configEntry](r.read(), configTable, jobIndex, jobId)
	if err != nil {
		return nil, err
	}
	params := make(map[string]string)
	for _, entry := range entries {
		if strings.HasPrefix(entry.Key, keyPrefix) {
			params[entry.Key] = entry.Value
		}
	}
	return params, nil
}

// setJobStatus moves the job to status if it is in one of from. It returns the job as it was before the update.
func (r *Repository) setJobStatus(txn *memdb.Txn, jobId int, status model.Status, from []model.Status, reason string) (*model.Job, bool, error) {
	job, err := first[model.Job](txn, jobsTable, "job", jobId)
	if err != nil {
		return nil, false, err
	}
	if !slices.Contains(from, job.Status) {
		return job, false, nil
	}
	updated := *job
	updated.Status = status
	updated.StatusTimestamp = r.clock.Now()
	if reason != "" {
		updated.FailureReason = reason
	}
	return job, true, insert(txn, jobsTable, &updated)
}

func (r *Repository) MarkJobPendingStart(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		_, _, err := r.setJobStatus(txn, jobId, model.StatusPendingStart, []model.Status{model.StatusSubmitted}, "")
		return err
	})
}

func (r *Repository) MarkJobNeedsInput(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		_, _, err := r.setJobStatus(txn, jobId, model.StatusNeedsInput, []model.Status{model.StatusSubmitted}, "")
		return err
	})
}

func (r *Repository) MarkJobResubmitted(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		_, _, err := r.setJobStatus(txn, jobId, model.StatusSubmitted, []model.Status{model.StatusNeedsInput}, "")
		return err
	})
}

var unfinished = []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning, model.StatusPaused}

func (r *Repository) MarkJobCancelled(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		if _, _, err := r.setJobStatus(txn, jobId, model.StatusCancelled, model.NonTerminalStatuses, ""); err != nil {
			return err
		}
		_, err := r.cascade(txn, jobId, model.StatusCancelled, unfinished)
		return err
	})
}

func (r *Repository) MarkJobPaused(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		running := []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning}
		if _, _, err := r.setJobStatus(txn, jobId, model.StatusPaused, running, ""); err != nil {
			return err
		}
		_, err := r.cascade(txn, jobId, model.StatusPaused, running)
		return err
	})
}

func (r *Repository) MarkJobResumed(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		paused := []model.Status{model.StatusPaused}
		if _, _, err := r.setJobStatus(txn, jobId, model.StatusRunning, paused, ""); err != nil {
			return err
		}
		resumed, err := r.cascade(txn, jobId, model.StatusSubmitted, paused)
		if err != nil {
			return err
		}
		return r.emitReadyTasks(txn, resumed)
	})
}

func (r *Repository) MarkJobFinished(_ context.Context, jobId int) error {
	return r.write(func(txn *memdb.Txn) error {
		from := []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning}
		_, _, err := r.setJobStatus(txn, jobId, model.StatusFinished, from, "")
		return err
	})
}

func (r *Repository) MarkJobFailed(_ context.Context, jobId int, reason string) error {
	return r.write(func(txn *memdb.Txn) error {
		if _, _, err := r.setJobStatus(txn, jobId, model.StatusError, model.NonTerminalStatuses, reason); err != nil {
			return err
		}
		_, err := r.cascade(txn, jobId, model.StatusCancelled, unfinished)
		return err
	})
}

func (r *Repository) MarkEmptyJobFailed(_ context.Context, jobId int, reason string) error {
	return r.write(func(txn *memdb.Txn) error {
		_, _, err := r.setJobStatus(txn, jobId, model.StatusError, model.NonTerminalStatuses, reason)
		return err
	})
}

// cascade moves the job's tasks and steps in one of from to status and returns the ids of the tasks it moved.
func (r *Repository) cascade(txn *memdb.Txn, jobId int, status model.Status, from []model.Status) ([]int, error) {
	tasks, err := all[model.Task](txn, tasksTable, jobIndex, jobId)
	if err != nil {
		return nil, err
	}
	var moved []int
	now := r.clock.Now()
	for _, task := range tasks {
		steps, err := all[model.Step](txn, stepsTable, taskIndex, task.Id)
		if err != nil {
			return nil, err
		}
		for _, step := range steps {
			if slices.Contains(from, step.Status) {
				updated := *step
				updated.Status = status
				updated.StatusTimestamp = now
				if err := insert(txn, stepsTable, &updated); err != nil {
					return nil, err
				}
			}
		}
		if slices.Contains(from, task.Status) {
			updated := *task
			updated.Status = status
			updated.StatusTimestamp = now
			if err := insert(txn, tasksTable, &updated); err != nil {
				return nil, err
			}
			moved = append(moved, task.Id)
		}
	}
	sort.Ints(moved)
	return moved, nil
}

// Tasks and steps

func (r *Repository) SubmitTasks(_ context.Context, jobId int, tasks []model.NewTask) ([]int, error) {
	ids := make([]int, 0, len(tasks))
	err := r.write(func(txn *memdb.Txn) error {
		if _, err := first[model.Job](txn, jobsTable, "job", jobId); err != nil {
			return err
		}
		now := r.clock.Now()
		for _, task := range tasks {
			for _, parent := range task.ParentTaskIds {
				if _, err := first[model.Task](txn, tasksTable, "task", parent); err != nil {
					return err
				}
			}
			stored := &model.Task{
				Id:              r.nextId(tasksTable),
				JobId:           jobId,
				Module:          task.Module,
				ParametersJson:  task.ParametersJson,
				ParentTaskIds:   slices.Clone(task.ParentTaskIds),
				Status:          model.StatusSubmitted,
				StatusTimestamp: now,
			}
			if err := insert(txn, tasksTable, stored); err != nil {
				return err
			}
			ids = append(ids, stored.Id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *Repository) SubmitSteps(_ context.Context, steps []model.NewStep) error {
	return r.write(func(txn *memdb.Txn) error {
		var taskIds []int
		indexes := make(map[int]int)
		now := r.clock.Now()
		for _, step := range steps {
			if _, ok := indexes[step.TaskId]; !ok {
				if _, err := first[model.Task](txn, tasksTable, "task", step.TaskId); err != nil {
					return err
				}
				taskIds = append(taskIds, step.TaskId)
			}
			existing, err := txn.First(stepsTable, idIndex, step.TaskId, step.Name)
			if err != nil {
				return errors.WithStack(err)
			}
			if existing != nil {
				return errors.WithStack(&orcherrors.ErrAlreadyExists{
					Type:  "step",
					Value: strconv.Itoa(step.TaskId) + "/" + step.Name,
				})
			}
			stored := &model.Step{
				TaskId:          step.TaskId,
				Name:            step.Name,
				Index:           indexes[step.TaskId],
				ArgumentsJson:   step.ArgumentsJson,
				Status:          model.StatusSubmitted,
				StatusTimestamp: now,
			}
			if err := insert(txn, stepsTable, stored); err != nil {
				return err
			}
			indexes[step.TaskId]++
		}
		return r.emitReadyTasks(txn, taskIds)
	})
}

// emitReadyTasks inserts a TaskRunnable event for each of taskIds that is Submitted, has steps and whose parents have
// all finished.
func (r *Repository) emitReadyTasks(txn *memdb.Txn, taskIds []int) error {
	for _, taskId := range taskIds {
		task, err := first[model.Task](txn, tasksTable, "task", taskId)
		if err != nil {
			return err
		}
		ready, err := r.isReady(txn, task)
		if err != nil {
			return err
		}
		if !ready {
			continue
		}
		job, err := first[model.Job](txn, jobsTable, "job", task.JobId)
		if err != nil {
			return err
		}
		event := model.MustEncode(model.EventTypeTaskRunnable, model.TaskRunnableEvent{
			JobId:       task.JobId,
			ProcessorId: job.ProcessorId,
			TaskId:      task.Id,
		})
		if _, err := r.insertEvent(txn, event); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) isReady(txn *memdb.Txn, task *model.Task) (bool, error) {
	if task.Status != model.StatusSubmitted {
		return false, nil
	}
	step, err := txn.First(stepsTable, taskIndex, task.Id)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if step == nil {
		return false, nil
	}
	for _, parentId := range task.ParentTaskIds {
		parent, err := first[model.Task](txn, tasksTable, "task", parentId)
		if err != nil {
			return false, err
		}
		if parent.Status != model.StatusFinished {
			return false, nil
		}
	}
	return true, nil
}

func (r *Repository) GetTask(_ context.Context, taskId int) (model.Task, error) {
	task, err := first[model.Task](r.read(), tasksTable, "task", taskId)
	if err != nil {
		return model.Task{}, err
	}
	return *task, nil
}

func (r *Repository) GetJobTasksByStatus(_ context.Context, jobId int, statuses []model.Status) ([]model.Task, error) {
	tasks, err := all[model.Task](r.read(), tasksTable, jobIndex, jobId)
	if err != nil {
		return nil, err
	}
	var result []model.Task
	for _, task := range tasks {
		if len(statuses) == 0 || slices.Contains(statuses, task.Status) {
			result = append(result, *task)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Id < result[j].Id })
	return result, nil
}

func (r *Repository) taskSteps(txn *memdb.Txn, taskId int) ([]model.Step, error) {
	steps, err := all[model.Step](txn, stepsTable, taskIndex, taskId)
	if err != nil {
		return nil, err
	}
	result := make([]model.Step, len(steps))
	for i, step := range steps {
		result[i] = *step
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

func (r *Repository) GetTaskStepsForStart(_ context.Context, taskId int) ([]model.RunnableStep, error) {
	txn := r.read()
	task, err := first[model.Task](txn, tasksTable, "task", taskId)
	if err != nil {
		return nil, err
	}
	steps, err := r.taskSteps(txn, taskId)
	if err != nil {
		return nil, err
	}
	var result []model.RunnableStep
	for _, step := range steps {
		if step.Status == model.StatusFinished {
			continue
		}
		result = append(result, model.RunnableStep{
			JobId:         task.JobId,
			TaskId:        taskId,
			Module:        task.Module,
			Name:          step.Name,
			ArgumentsJson: step.ArgumentsJson,
		})
	}
	return result, nil
}

func (r *Repository) GetStep(_ context.Context, taskId int, stepName string) (model.Step, error) {
	step, err := first[model.Step](r.read(), stepsTable, "step", taskId, stepName)
	if err != nil {
		return model.Step{}, err
	}
	return *step, nil
}

func (r *Repository) GetJobSteps(ctx context.Context, jobId int) ([]model.Step, error) {
	tasks, err := r.GetJobTasksByStatus(ctx, jobId, nil)
	if err != nil {
		return nil, err
	}
	txn := r.read()
	var result []model.Step
	for _, task := range tasks {
		steps, err := r.taskSteps(txn, task.Id)
		if err != nil {
			return nil, err
		}
		result = append(result, steps...)
	}
	return result, nil
}

// setTaskStatus moves the task, and its steps in one of from, to status if the task is in one of from.
func (r *Repository) setTaskStatus(txn *memdb.Txn, taskId int, status model.Status, from []model.Status, withSteps bool) (*model.Task, bool, error) {
	task, err := first[model.Task](txn, tasksTable, "task", taskId)
	if err != nil {
		return nil, false, err
	}
	if !slices.Contains(from, task.Status) {
		return task, false, nil
	}
	now := r.clock.Now()
	updated := *task
	updated.Status = status
	updated.StatusTimestamp = now
	if err := insert(txn, tasksTable, &updated); err != nil {
		return nil, false, err
	}
	if !withSteps {
		return task, true, nil
	}
	steps, err := all[model.Step](txn, stepsTable, taskIndex, taskId)
	if err != nil {
		return nil, false, err
	}
	for _, step := range steps {
		if slices.Contains(from, step.Status) {
			updatedStep := *step
			updatedStep.Status = status
			updatedStep.StatusTimestamp = now
			if err := insert(txn, stepsTable, &updatedStep); err != nil {
				return nil, false, err
			}
		}
	}
	return task, true, nil
}

func (r *Repository) MarkTaskPendingStart(_ context.Context, taskId int) error {
	return r.write(func(txn *memdb.Txn) error {
		_, _, err := r.setTaskStatus(txn, taskId, model.StatusPendingStart, []model.Status{model.StatusSubmitted}, true)
		return err
	})
}

// updateStep moves the step to status if it is in one of from and reports whether it did.
func (r *Repository) updateStep(txn *memdb.Txn, taskId int, stepName string, status model.Status, from []model.Status, mutate func(step *model.Step)) (bool, error) {
	step, err := first[model.Step](txn, stepsTable, "step", taskId, stepName)
	if err != nil {
		return false, err
	}
	if !slices.Contains(from, step.Status) {
		return false, nil
	}
	updated := *step
	updated.Status = status
	updated.StatusTimestamp = r.clock.Now()
	if mutate != nil {
		mutate(&updated)
	}
	return true, insert(txn, stepsTable, &updated)
}

func (r *Repository) MarkStepStarted(_ context.Context, taskId int, stepName string, node string) error {
	return r.write(func(txn *memdb.Txn) error {
		notStarted := []model.Status{model.StatusSubmitted, model.StatusPendingStart}
		started, err := r.updateStep(txn, taskId, stepName, model.StatusRunning, notStarted, func(step *model.Step) {
			step.Node = node
		})
		if err != nil || !started {
			return err
		}
		task, _, err := r.setTaskStatus(txn, taskId, model.StatusRunning, notStarted, false)
		if err != nil {
			return err
		}
		_, _, err = r.setJobStatus(txn, task.JobId, model.StatusRunning, notStarted, "")
		return err
	})
}

func withStatistics(stats model.ExecutionStatistics) func(step *model.Step) {
	return func(step *model.Step) {
		if stats.Node != "" {
			step.Node = stats.Node
		}
		s := stats
		s.Node = step.Node
		step.Statistics = &s
	}
}

func (r *Repository) MarkStepFinished(_ context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return r.write(func(txn *memdb.Txn) error {
		finished, err := r.updateStep(txn, taskId, stepName, model.StatusFinished, unfinished, withStatistics(stats))
		if err != nil || !finished {
			return err
		}
		done, err := r.stepsDone(txn, taskId)
		if err != nil || !done {
			return err
		}
		return r.finishTask(txn, taskId, unfinished)
	})
}

func (r *Repository) MarkTaskFailureTolerated(_ context.Context, taskId int) error {
	return r.write(func(txn *memdb.Txn) error {
		failed := []model.Status{model.StatusError}
		done, err := r.stepsDone(txn, taskId)
		if err != nil {
			return err
		}
		if !done {
			_, _, err := r.setTaskStatus(txn, taskId, model.StatusRunning, failed, false)
			return err
		}
		return r.finishTask(txn, taskId, failed)
	})
}

// stepsDone reports whether every step of the task has finished or failed.
func (r *Repository) stepsDone(txn *memdb.Txn, taskId int) (bool, error) {
	steps, err := r.taskSteps(txn, taskId)
	if err != nil {
		return false, err
	}
	for _, step := range steps {
		if step.Status != model.StatusFinished && step.Status != model.StatusError {
			return false, nil
		}
	}
	return true, nil
}

// finishTask moves the task from one of from to Finished, emits TaskFinished and makes its ready children runnable.
func (r *Repository) finishTask(txn *memdb.Txn, taskId int, from []model.Status) error {
	task, moved, err := r.setTaskStatus(txn, taskId, model.StatusFinished, from, false)
	if err != nil || !moved {
		return err
	}
	job, err := first[model.Job](txn, jobsTable, "job", task.JobId)
	if err != nil {
		return err
	}
	event := model.MustEncode(model.EventTypeTaskFinished, model.TaskFinishedEvent{
		JobId:       task.JobId,
		ProcessorId: job.ProcessorId,
		SiteId:      job.SiteId,
		TaskId:      taskId,
		Module:      task.Module,
	})
	if _, err := r.insertEvent(txn, event); err != nil {
		return err
	}
	siblings, err := all[model.Task](txn, tasksTable, jobIndex, task.JobId)
	if err != nil {
		return err
	}
	var children []int
	for _, candidate := range siblings {
		if slices.Contains(candidate.ParentTaskIds, taskId) {
			children = append(children, candidate.Id)
		}
	}
	sort.Ints(children)
	return r.emitReadyTasks(txn, children)
}

func (r *Repository) MarkStepFailed(_ context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return r.write(func(txn *memdb.Txn) error {
		failed, err := r.updateStep(txn, taskId, stepName, model.StatusError, unfinished, withStatistics(stats))
		if err != nil || !failed {
			return err
		}
		task, _, err := r.setTaskStatus(txn, taskId, model.StatusError, unfinished, false)
		if err != nil {
			return err
		}
		event := model.MustEncode(model.EventTypeStepFailed, model.StepFailedEvent{
			JobId:    task.JobId,
			TaskId:   taskId,
			StepName: stepName,
		})
		_, err = r.insertEvent(txn, event)
		return err
	})
}

// Products

func (r *Repository) InsertProduct(_ context.Context, product model.NewProduct) (int, error) {
	var productId int
	err := r.write(func(txn *memdb.Txn) error {
		created := product.Created
		if created.IsZero() {
			created = r.clock.Now()
		}
		stored := &model.Product{
			Id:               r.nextId(productsTable),
			ProductType:      product.ProductType,
			ProcessorId:      product.ProcessorId,
			SiteId:           product.SiteId,
			JobId:            product.JobId,
			Name:             product.Name,
			FullPath:         product.FullPath,
			Created:          created,
			Tiles:            slices.Clone(product.Tiles),
			SourceProductIds: slices.Clone(product.SourceProductIds),
		}
		if err := insert(txn, productsTable, stored); err != nil {
			return err
		}
		for _, parent := range product.SourceProductIds {
			if err := insert(txn, provenanceTable, &provenanceEntry{ProductId: stored.Id, ParentId: parent}); err != nil {
				return err
			}
		}
		productId = stored.Id
		_, err := r.insertEvent(txn, model.MustEncode(model.EventTypeProductAvailable, model.ProductAvailableEvent{
			ProductId: stored.Id,
		}))
		return err
	})
	return productId, err
}

func (r *Repository) GetProduct(_ context.Context, productId int) (model.Product, error) {
	product, err := first[model.Product](r.read(), productsTable, "product", productId)
	if err != nil {
		return model.Product{}, err
	}
	return *product, nil
}

func (r *Repository) GetProducts(_ context.Context, query model.ProductQuery) ([]model.ProductCandidate, error) {
	txn := r.read()
	products, err := all[model.Product](txn, productsTable, siteIndex, query.SiteId, query.ProductType)
	if err != nil {
		return nil, err
	}
	var result []model.ProductCandidate
	for _, product := range products {
		if product.Created.Before(query.From) || !product.Created.Before(query.To) {
			continue
		}
		children, err := all[provenanceEntry](txn, provenanceTable, parentIndex, product.Id)
		if err != nil {
			return nil, err
		}
		processed := false
		for _, child := range children {
			output, err := first[model.Product](txn, productsTable, "product", child.ProductId)
			if err != nil {
				return nil, err
			}
			if output.ProcessorId == query.OutputProcessorId {
				processed = true
				break
			}
		}
		result = append(result, model.ProductCandidate{Product: *product, Processed: processed})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Created.Equal(result[j].Created) {
			return result[i].Id < result[j].Id
		}
		return result[i].Created.Before(result[j].Created)
	})
	return result, nil
}
