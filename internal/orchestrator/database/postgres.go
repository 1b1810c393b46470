package database

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype/pgxtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// PostgresRepository is an implementation of Repository that stores its state in postgres
type PostgresRepository struct {
	// pool of database connections
	db *pgxpool.Pool
	// maximum number of events to fetch from postgres in a single query
	batchSize uint
	// claims older than this that have not been completed may be taken over by another instance
	claimTimeout time.Duration
}

func NewPostgresRepository(db *pgxpool.Pool, batchSize uint, claimTimeout time.Duration) *PostgresRepository {
	return &PostgresRepository{db: db, batchSize: batchSize, claimTimeout: claimTimeout}
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return errors.WithStack(r.db.Ping(ctx))
}

func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.db.BeginTxFunc(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, fn)
}

func exec(ctx context.Context, db pgxtype.Querier, query sqlBuilder) (int64, error) {
	sql, args, err := query.ToSQL()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	tag, err := db.Exec(ctx, sql, args...)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return tag.RowsAffected(), nil
}

func queryRow(ctx context.Context, db pgxtype.Querier, query sqlBuilder, dest ...interface{}) error {
	sql, args, err := query.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(db.QueryRow(ctx, sql, args...).Scan(dest...))
}

func queryRows(ctx context.Context, db pgxtype.Querier, query sqlBuilder, scan func(rows pgx.Rows) error) error {
	sql, args, err := query.ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(rows.Err())
}

func notFound(entity string, id interface{}) error {
	return errors.WithStack(&orcherrors.ErrNotFound{Type: entity, Value: toString(id)})
}

func toString(v interface{}) string {
	switch value := v.(type) {
	case int:
		return strconv.Itoa(value)
	case string:
		return value
	}
	return ""
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func toInt32s(ids []int) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func toInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = int(id)
	}
	return out
}

func jsonOrEmptyObject(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

// Events

func (r *PostgresRepository) GetNewEvents(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	err := queryRows(ctx, r.db, newEventsQuery(r.batchSize, r.claimTimeout), func(rows pgx.Rows) error {
		var e model.Event
		var typeId int
		if err := rows.Scan(&e.Id, &typeId, &e.DataJson, &e.SubmittedTimestamp); err != nil {
			return err
		}
		e.Type = model.EventType(typeId)
		events = append(events, e)
		return nil
	})
	return events, err
}

func (r *PostgresRepository) MarkEventProcessingStarted(ctx context.Context, eventId int, instance string) error {
	claimed, err := exec(ctx, r.db, claimEventQuery(eventId, instance, r.claimTimeout))
	if err != nil {
		return err
	}
	if claimed == 1 {
		return nil
	}
	var processedBy *string
	err = r.db.QueryRow(ctx, `SELECT processed_by FROM event WHERE id = $1`, eventId).Scan(&processedBy)
	if isNoRows(err) {
		return notFound("event", eventId)
	}
	if err != nil {
		return errors.WithStack(err)
	}
	owner := ""
	if processedBy != nil {
		owner = *processedBy
	}
	return errors.WithStack(&orcherrors.ErrAlreadyExists{
		Type:    "event claim",
		Value:   strconv.Itoa(eventId),
		Message: "claimed by " + owner,
	})
}

func (r *PostgresRepository) MarkEventProcessingComplete(ctx context.Context, eventId int) error {
	updated, err := exec(ctx, r.db, completeEventQuery(eventId))
	if err != nil {
		return err
	}
	if updated == 0 {
		return notFound("event", eventId)
	}
	return nil
}

func (r *PostgresRepository) InsertEvent(ctx context.Context, event model.NewEvent) (int, error) {
	return insertEvent(ctx, r.db, event)
}

func insertEvent(ctx context.Context, db pgxtype.Querier, event model.NewEvent) (int, error) {
	var id int
	err := queryRow(ctx, db, insertEventQuery(event), &id)
	return id, err
}

// Jobs

func (r *PostgresRepository) CreateJob(ctx context.Context, job model.NewJob) (int, error) {
	var jobId int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		insert := dialect.Insert(jobTable).
			Rows(goqu.Record{
				"name":          job.Name,
				"processor_id":  job.ProcessorId,
				"site_id":       job.SiteId,
				"start_type_id": int(job.StartType),
				"parameters":    jsonOrEmptyObject(job.ParametersJson),
				"schedule_name": job.ScheduleName,
				"status_id":     int(model.StatusSubmitted),
			}).
			Returning("id").
			Prepared(true)
		if err := queryRow(ctx, tx, insert, &jobId); err != nil {
			return err
		}
		if len(job.ConfigurationParameters) == 0 {
			return nil
		}
		rows := make([]interface{}, 0, len(job.ConfigurationParameters))
		for k, v := range job.ConfigurationParameters {
			rows = append(rows, goqu.Record{"job_id": jobId, "key": k, "value": v})
		}
		_, err := exec(ctx, tx, dialect.Insert(configJobTable).Rows(rows...).Prepared(true))
		return err
	})
	return jobId, err
}

func (r *PostgresRepository) SubmitJob(ctx context.Context, jobId int, parametersJson string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		update := dialect.Update(jobTable).
			Set(goqu.Record{
				"parameters":       jsonOrEmptyObject(parametersJson),
				"status_id":        int(model.StatusSubmitted),
				"status_timestamp": now,
			}).
			Where(col_id.Eq(jobId), col_statusId.In(statusIds([]model.Status{model.StatusSubmitted}))).
			Returning("processor_id", "site_id").
			Prepared(true)
		var processorId, siteId int
		err := queryRow(ctx, tx, update, &processorId, &siteId)
		if isNoRows(err) {
			return notFound("submitted job", jobId)
		}
		if err != nil {
			return err
		}
		event, err := model.Encode(model.EventTypeJobSubmitted, model.JobSubmittedEvent{
			JobId:          jobId,
			ProcessorId:    processorId,
			SiteId:         siteId,
			ParametersJson: []byte(jsonOrEmptyObject(parametersJson)),
		})
		if err != nil {
			return err
		}
		_, err = insertEvent(ctx, tx, event)
		return err
	})
}

func scanJob(row pgx.Row) (model.Job, error) {
	var job model.Job
	var statusId, startTypeId int
	err := row.Scan(
		&job.Id, &job.Name, &job.ProcessorId, &job.SiteId, &statusId, &startTypeId, &job.ParametersJson,
		&job.ScheduleName, &job.FailureReason, &job.SubmitTimestamp, &job.StatusTimestamp)
	job.Status = model.Status(statusId)
	job.StartType = model.StartType(startTypeId)
	return job, err
}

func (r *PostgresRepository) GetJob(ctx context.Context, jobId int) (model.Job, error) {
	sql, args, err := selectJobQuery().Where(col_id.Eq(jobId)).ToSQL()
	if err != nil {
		return model.Job{}, errors.WithStack(err)
	}
	job, err := scanJob(r.db.QueryRow(ctx, sql, args...))
	if isNoRows(err) {
		return model.Job{}, notFound("job", jobId)
	}
	return job, errors.WithStack(err)
}

func (r *PostgresRepository) GetJobsByStatus(ctx context.Context, processorId int, siteId int, statuses []model.Status) ([]model.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	var jobs []model.Job
	err := queryRows(ctx, r.db, jobsByStatusQuery(processorId, siteId, statuses), func(rows pgx.Rows) error {
		job, err := scanJob(rows)
		jobs = append(jobs, job)
		return err
	})
	return jobs, err
}

func (r *PostgresRepository) GetActiveJobIds(ctx context.Context, processorId int, siteId int) ([]int, error) {
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

func (r *PostgresRepository) GetJobConfigurationParameters(ctx context.Context, jobId int, keyPrefix string) (map[string]string, error) {
	params := make(map[string]string)
	err := queryRows(ctx, r.db, jobConfigurationQuery(jobId, keyPrefix), func(rows pgx.Rows) error {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		params[key] = value
		return nil
	})
	return params, err
}

// setJobStatus moves the job and fails with ErrNotFound if it does not exist. A job that exists but is not in one of
// from is left alone.
func setJobStatus(ctx context.Context, tx pgx.Tx, jobId int, status model.Status, from []model.Status, extra goqu.Record) error {
	updated, err := exec(ctx, tx, setJobStatusQuery(jobId, status, from, extra))
	if err != nil || updated > 0 {
		return err
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM job WHERE id = $1)`, jobId).Scan(&exists); err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		return notFound("job", jobId)
	}
	return nil
}

func (r *PostgresRepository) MarkJobPendingStart(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return setJobStatus(ctx, tx, jobId, model.StatusPendingStart, []model.Status{model.StatusSubmitted}, nil)
	})
}

func (r *PostgresRepository) MarkJobNeedsInput(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return setJobStatus(ctx, tx, jobId, model.StatusNeedsInput, []model.Status{model.StatusSubmitted}, nil)
	})
}

func (r *PostgresRepository) MarkJobResubmitted(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		return setJobStatus(ctx, tx, jobId, model.StatusSubmitted, []model.Status{model.StatusNeedsInput}, nil)
	})
}

var unfinished = []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning, model.StatusPaused}

func (r *PostgresRepository) MarkJobCancelled(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if err := setJobStatus(ctx, tx, jobId, model.StatusCancelled, model.NonTerminalStatuses, nil); err != nil {
			return err
		}
		return cascade(ctx, tx, jobId, model.StatusCancelled, unfinished)
	})
}

func (r *PostgresRepository) MarkJobPaused(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		running := []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning}
		if err := setJobStatus(ctx, tx, jobId, model.StatusPaused, running, nil); err != nil {
			return err
		}
		return cascade(ctx, tx, jobId, model.StatusPaused, running)
	})
}

func (r *PostgresRepository) MarkJobResumed(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		paused := []model.Status{model.StatusPaused}
		if err := setJobStatus(ctx, tx, jobId, model.StatusRunning, paused, nil); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, setJobStepStatusQuery(jobId, model.StatusSubmitted, paused)); err != nil {
			return err
		}
		var resumed []int
		err := queryRows(ctx, tx, setJobTaskStatusQuery(jobId, model.StatusSubmitted, paused), func(rows pgx.Rows) error {
			var id int
			err := rows.Scan(&id)
			resumed = append(resumed, id)
			return err
		})
		if err != nil {
			return err
		}
		return emitReadyTasks(ctx, tx, resumed)
	})
}

func (r *PostgresRepository) MarkJobFinished(ctx context.Context, jobId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		from := []model.Status{model.StatusSubmitted, model.StatusPendingStart, model.StatusRunning}
		return setJobStatus(ctx, tx, jobId, model.StatusFinished, from, nil)
	})
}

func (r *PostgresRepository) MarkJobFailed(ctx context.Context, jobId int, reason string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		extra := goqu.Record{"failure_reason": reason}
		if err := setJobStatus(ctx, tx, jobId, model.StatusError, model.NonTerminalStatuses, extra); err != nil {
			return err
		}
		return cascade(ctx, tx, jobId, model.StatusCancelled, unfinished)
	})
}

func (r *PostgresRepository) MarkEmptyJobFailed(ctx context.Context, jobId int, reason string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		extra := goqu.Record{"failure_reason": reason}
		return setJobStatus(ctx, tx, jobId, model.StatusError, model.NonTerminalStatuses, extra)
	})
}

// cascade moves the job's tasks and steps in one of from to status.
func cascade(ctx context.Context, tx pgx.Tx, jobId int, status model.Status, from []model.Status) error {
	if _, err := exec(ctx, tx, setJobStepStatusQuery(jobId, status, from)); err != nil {
		return err
	}
	_, err := exec(ctx, tx, setJobTaskStatusQuery(jobId, status, from))
	return err
}

// Tasks and steps

func (r *PostgresRepository) SubmitTasks(ctx context.Context, jobId int, tasks []model.NewTask) ([]int, error) {
	ids := make([]int, 0, len(tasks))
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, task := range tasks {
			batch.Queue(insertTaskSql, jobId, task.Module, jsonOrEmptyObject(task.ParametersJson),
				toInt32s(task.ParentTaskIds), int(model.StatusSubmitted))
		}
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for range tasks {
			var id int
			if err := results.QueryRow().Scan(&id); err != nil {
				if pgErrorCode(err) == pgerrcode.ForeignKeyViolation {
					return notFound("job", jobId)
				}
				return errors.WithStack(err)
			}
			ids = append(ids, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresRepository) SubmitSteps(ctx context.Context, steps []model.NewStep) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		var taskIds []int
		indexes := make(map[int]int)
		for _, step := range steps {
			if _, ok := indexes[step.TaskId]; !ok {
				taskIds = append(taskIds, step.TaskId)
			}
			batch.Queue(insertStepSql, step.TaskId, step.Name, indexes[step.TaskId],
				jsonOrEmptyObject(step.ArgumentsJson), int(model.StatusSubmitted))
			indexes[step.TaskId]++
		}
		results := tx.SendBatch(ctx, batch)
		for _, step := range steps {
			if _, err := results.Exec(); err != nil {
				results.Close()
				switch pgErrorCode(err) {
				case pgerrcode.UniqueViolation:
					return errors.WithStack(&orcherrors.ErrAlreadyExists{
						Type:  "step",
						Value: strconv.Itoa(step.TaskId) + "/" + step.Name,
					})
				case pgerrcode.ForeignKeyViolation:
					return notFound("task", step.TaskId)
				}
				return errors.WithStack(err)
			}
		}
		if err := results.Close(); err != nil {
			return errors.WithStack(err)
		}
		return emitReadyTasks(ctx, tx, taskIds)
	})
}

// emitReadyTasks inserts a TaskRunnable event for each of taskIds that is ready to run.
func emitReadyTasks(ctx context.Context, tx pgx.Tx, taskIds []int) error {
	if len(taskIds) == 0 {
		return nil
	}
	rows, err := tx.Query(ctx, readyTasksSql, toInt32s(taskIds), int(model.StatusSubmitted), int(model.StatusFinished))
	if err != nil {
		return errors.WithStack(err)
	}
	var events []model.NewEvent
	for rows.Next() {
		var payload model.TaskRunnableEvent
		if err := rows.Scan(&payload.TaskId, &payload.JobId, &payload.ProcessorId); err != nil {
			rows.Close()
			return errors.WithStack(err)
		}
		events = append(events, model.MustEncode(model.EventTypeTaskRunnable, payload))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.WithStack(err)
	}
	for _, event := range events {
		if _, err := insertEvent(ctx, tx, event); err != nil {
			return err
		}
	}
	return nil
}

func scanTask(row pgx.Row) (model.Task, error) {
	var task model.Task
	var statusId int
	var parents []int32
	err := row.Scan(&task.Id, &task.JobId, &task.Module, &task.ParametersJson, &parents, &statusId, &task.StatusTimestamp)
	task.ParentTaskIds = toInts(parents)
	task.Status = model.Status(statusId)
	return task, err
}

func (r *PostgresRepository) GetTask(ctx context.Context, taskId int) (model.Task, error) {
	sql, args, err := selectTaskQuery().Where(col_id.Eq(taskId)).ToSQL()
	if err != nil {
		return model.Task{}, errors.WithStack(err)
	}
	task, err := scanTask(r.db.QueryRow(ctx, sql, args...))
	if isNoRows(err) {
		return model.Task{}, notFound("task", taskId)
	}
	return task, errors.WithStack(err)
}

func (r *PostgresRepository) GetJobTasksByStatus(ctx context.Context, jobId int, statuses []model.Status) ([]model.Task, error) {
	var tasks []model.Task
	err := queryRows(ctx, r.db, jobTasksQuery(jobId, statuses), func(rows pgx.Rows) error {
		task, err := scanTask(rows)
		tasks = append(tasks, task)
		return err
	})
	return tasks, err
}

func (r *PostgresRepository) GetTaskStepsForStart(ctx context.Context, taskId int) ([]model.RunnableStep, error) {
	var steps []model.RunnableStep
	err := queryRows(ctx, r.db, stepsForStartQuery(taskId), func(rows pgx.Rows) error {
		var step model.RunnableStep
		err := rows.Scan(&step.JobId, &step.TaskId, &step.Module, &step.Name, &step.ArgumentsJson)
		steps = append(steps, step)
		return err
	})
	return steps, err
}

func scanStep(row pgx.Row) (model.Step, error) {
	var step model.Step
	var statusId int
	var exitCode int
	var node string
	var hasStats bool
	var stats model.ExecutionStatistics
	err := row.Scan(
		&step.TaskId, &step.Name, &step.Index, &step.ArgumentsJson, &statusId, &step.StatusTimestamp,
		&exitCode, &node, &hasStats,
		&stats.DurationMs, &stats.UserCpuMs, &stats.SystemCpuMs, &stats.MaxRssKb, &stats.MaxVmSizeKb,
		&stats.DiskReadBytes, &stats.DiskWriteBytes, &stats.StdOutText, &stats.StdErrText)
	step.Status = model.Status(statusId)
	step.Node = node
	if hasStats {
		stats.ExitCode = exitCode
		stats.Node = node
		step.Statistics = &stats
	}
	return step, err
}

func (r *PostgresRepository) GetStep(ctx context.Context, taskId int, stepName string) (model.Step, error) {
	sql, args, err := stepQuery(taskId, stepName).ToSQL()
	if err != nil {
		return model.Step{}, errors.WithStack(err)
	}
	step, err := scanStep(r.db.QueryRow(ctx, sql, args...))
	if isNoRows(err) {
		return model.Step{}, notFound("step", strconv.Itoa(taskId)+"/"+stepName)
	}
	return step, errors.WithStack(err)
}

func (r *PostgresRepository) GetJobSteps(ctx context.Context, jobId int) ([]model.Step, error) {
	var steps []model.Step
	err := queryRows(ctx, r.db, jobStepsQuery(jobId), func(rows pgx.Rows) error {
		step, err := scanStep(rows)
		steps = append(steps, step)
		return err
	})
	return steps, err
}

func (r *PostgresRepository) MarkTaskPendingStart(ctx context.Context, taskId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		submitted := []model.Status{model.StatusSubmitted}
		if _, err := exec(ctx, tx, setTaskStepStatusQuery(taskId, model.StatusPendingStart, submitted)); err != nil {
			return err
		}
		_, err := exec(ctx, tx, setTaskStatusQuery(taskId, model.StatusPendingStart, submitted))
		return err
	})
}

// updateStep moves a step in one of from to status and reports whether it did. A missing step is ErrNotFound.
func updateStep(ctx context.Context, tx pgx.Tx, taskId int, stepName string, status model.Status, from []model.Status, extra goqu.Record) (bool, error) {
	record := goqu.Record{"status_id": int(status), "status_timestamp": now}
	for k, v := range extra {
		record[k] = v
	}
	update := dialect.Update(stepTable).
		Set(record).
		Where(col_taskId.Eq(taskId), col_name.Eq(stepName), col_statusId.In(statusIds(from))).
		Prepared(true)
	updated, err := exec(ctx, tx, update)
	if err != nil || updated > 0 {
		return updated > 0, err
	}
	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM step WHERE task_id = $1 AND name = $2)`, taskId, stepName).Scan(&exists)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if !exists {
		return false, notFound("step", strconv.Itoa(taskId)+"/"+stepName)
	}
	return false, nil
}

func (r *PostgresRepository) MarkStepStarted(ctx context.Context, taskId int, stepName string, node string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		notStarted := []model.Status{model.StatusSubmitted, model.StatusPendingStart}
		extra := goqu.Record{"start_timestamp": now, "node_name": node}
		started, err := updateStep(ctx, tx, taskId, stepName, model.StatusRunning, notStarted, extra)
		if err != nil || !started {
			return err
		}
		var jobId int
		var module string
		err = queryRow(ctx, tx, setTaskStatusQuery(taskId, model.StatusRunning, notStarted), &jobId, &module)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return setJobStatus(ctx, tx, jobId, model.StatusRunning, notStarted, nil)
	})
}

func (r *PostgresRepository) MarkStepFinished(ctx context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		finished, err := r.recordStepEnd(ctx, tx, taskId, stepName, model.StatusFinished, stats)
		if err != nil || !finished {
			return err
		}
		remaining, err := remainingSteps(ctx, tx, taskId)
		if err != nil || remaining > 0 {
			return err
		}
		return finishTask(ctx, tx, taskId, unfinished)
	})
}

func (r *PostgresRepository) MarkTaskFailureTolerated(ctx context.Context, taskId int) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		failed := []model.Status{model.StatusError}
		remaining, err := remainingSteps(ctx, tx, taskId)
		if err != nil {
			return err
		}
		if remaining > 0 {
			_, err := exec(ctx, tx, setTaskStatusQuery(taskId, model.StatusRunning, failed))
			return err
		}
		return finishTask(ctx, tx, taskId, failed)
	})
}

// remainingSteps counts the steps of the task that have neither finished nor failed.
func remainingSteps(ctx context.Context, tx pgx.Tx, taskId int) (int, error) {
	var remaining int
	err := tx.QueryRow(ctx, `SELECT count(*) FROM step WHERE task_id = $1 AND status_id <> ALL($2)`,
		taskId, []int32{int32(model.StatusFinished), int32(model.StatusError)}).Scan(&remaining)
	return remaining, errors.WithStack(err)
}

// finishTask moves the task from one of from to Finished, emits TaskFinished and makes its ready children runnable.
func finishTask(ctx context.Context, tx pgx.Tx, taskId int, from []model.Status) error {
	var jobId int
	var module string
	err := queryRow(ctx, tx, setTaskStatusQuery(taskId, model.StatusFinished, from), &jobId, &module)
	if isNoRows(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var processorId, siteId int
	err = tx.QueryRow(ctx, `SELECT processor_id, site_id FROM job WHERE id = $1`, jobId).Scan(&processorId, &siteId)
	if err != nil {
		return errors.WithStack(err)
	}
	event := model.MustEncode(model.EventTypeTaskFinished, model.TaskFinishedEvent{
		JobId:       jobId,
		ProcessorId: processorId,
		SiteId:      siteId,
		TaskId:      taskId,
		Module:      module,
	})
	if _, err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	children, err := childTaskIds(ctx, tx, taskId)
	if err != nil {
		return err
	}
	return emitReadyTasks(ctx, tx, children)
}

func (r *PostgresRepository) MarkStepFailed(ctx context.Context, taskId int, stepName string, stats model.ExecutionStatistics) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		failed, err := r.recordStepEnd(ctx, tx, taskId, stepName, model.StatusError, stats)
		if err != nil || !failed {
			return err
		}
		var jobId int
		var module string
		err = queryRow(ctx, tx, setTaskStatusQuery(taskId, model.StatusError, unfinished), &jobId, &module)
		if isNoRows(err) {
			err = tx.QueryRow(ctx, `SELECT job_id FROM task WHERE id = $1`, taskId).Scan(&jobId)
		}
		if err != nil {
			return errors.WithStack(err)
		}
		event := model.MustEncode(model.EventTypeStepFailed, model.StepFailedEvent{
			JobId:    jobId,
			TaskId:   taskId,
			StepName: stepName,
		})
		_, err = insertEvent(ctx, tx, event)
		return err
	})
}

func (r *PostgresRepository) recordStepEnd(ctx context.Context, tx pgx.Tx, taskId int, stepName string, status model.Status, stats model.ExecutionStatistics) (bool, error) {
	extra := goqu.Record{"end_timestamp": now, "exit_code": stats.ExitCode}
	if stats.Node != "" {
		extra["node_name"] = stats.Node
	}
	updated, err := updateStep(ctx, tx, taskId, stepName, status, unfinished, extra)
	if err != nil || !updated {
		return updated, err
	}
	_, err = exec(ctx, tx, insertResourceLogQuery(taskId, stepName, stats))
	return true, err
}

func childTaskIds(ctx context.Context, tx pgx.Tx, taskId int) ([]int, error) {
	rows, err := tx.Query(ctx, childTaskIdsSql, taskId)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	return ids, errors.WithStack(rows.Err())
}

// Products

func (r *PostgresRepository) InsertProduct(ctx context.Context, product model.NewProduct) (int, error) {
	var productId int
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		created := product.Created
		if created.IsZero() {
			created = time.Now().UTC()
		}
		tiles := product.Tiles
		if tiles == nil {
			tiles = []string{}
		}
		err := tx.QueryRow(ctx, insertProductSql,
			int(product.ProductType), product.ProcessorId, product.SiteId, product.JobId,
			product.Name, product.FullPath, created, tiles).Scan(&productId)
		if err != nil {
			return errors.WithStack(err)
		}
		if len(product.SourceProductIds) > 0 {
			rows := make([]interface{}, len(product.SourceProductIds))
			for i, parent := range product.SourceProductIds {
				rows[i] = goqu.Record{"product_id": productId, "parent_product_id": parent}
			}
			if _, err := exec(ctx, tx, dialect.Insert(productProvenanceTable).Rows(rows...).Prepared(true)); err != nil {
				return err
			}
		}
		_, err = insertEvent(ctx, tx, model.MustEncode(model.EventTypeProductAvailable, model.ProductAvailableEvent{
			ProductId: productId,
		}))
		return err
	})
	return productId, err
}

func scanProduct(row pgx.Row, extra ...interface{}) (model.Product, error) {
	var p model.Product
	var productType int
	dest := append([]interface{}{
		&p.Id, &productType, &p.ProcessorId, &p.SiteId, &p.JobId, &p.Name, &p.FullPath, &p.Created, &p.Tiles,
	}, extra...)
	err := row.Scan(dest...)
	p.ProductType = model.ProductType(productType)
	return p, err
}

func (r *PostgresRepository) GetProduct(ctx context.Context, productId int) (model.Product, error) {
	sql, args, err := productQuery(productId).ToSQL()
	if err != nil {
		return model.Product{}, errors.WithStack(err)
	}
	product, err := scanProduct(r.db.QueryRow(ctx, sql, args...))
	if isNoRows(err) {
		return model.Product{}, notFound("product", productId)
	}
	if err != nil {
		return model.Product{}, errors.WithStack(err)
	}
	rows, err := r.db.Query(ctx, `SELECT parent_product_id FROM product_provenance WHERE product_id = $1 ORDER BY 1`, productId)
	if err != nil {
		return model.Product{}, errors.WithStack(err)
	}
	defer rows.Close()
	for rows.Next() {
		var parent int
		if err := rows.Scan(&parent); err != nil {
			return model.Product{}, errors.WithStack(err)
		}
		product.SourceProductIds = append(product.SourceProductIds, parent)
	}
	return product, errors.WithStack(rows.Err())
}

func (r *PostgresRepository) GetProducts(ctx context.Context, query model.ProductQuery) ([]model.ProductCandidate, error) {
	var candidates []model.ProductCandidate
	err := queryRows(ctx, r.db, productCandidatesQuery(query), func(rows pgx.Rows) error {
		var processed bool
		product, err := scanProduct(rows, &processed)
		candidates = append(candidates, model.ProductCandidate{Product: product, Processed: processed})
		return err
	})
	return candidates, err
}
