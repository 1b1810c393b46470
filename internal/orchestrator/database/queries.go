package database

import (
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

var dialect = goqu.Dialect("postgres")

var (
	eventTable             = goqu.T("event")
	jobTable               = goqu.T("job")
	configJobTable         = goqu.T("config_job")
	taskTable              = goqu.T("task")
	stepTable              = goqu.T("step")
	stepResourceLogTable   = goqu.T("step_resource_log")
	productTable           = goqu.T("product")
	productProvenanceTable = goqu.T("product_provenance")
)

var (
	col_id                           = goqu.C("id")
	col_jobId                        = goqu.C("job_id")
	col_taskId                       = goqu.C("task_id")
	col_name                         = goqu.C("name")
	col_statusId                     = goqu.C("status_id")
	col_processorId                  = goqu.C("processor_id")
	col_siteId                       = goqu.C("site_id")
	col_key                          = goqu.C("key")
	col_stepIndex                    = goqu.C("step_index")
	col_processingStartedTimestamp   = goqu.C("processing_started_timestamp")
	col_processingCompletedTimestamp = goqu.C("processing_completed_timestamp")
)

var now = goqu.L("now()")

var jobColumns = []interface{}{
	"id",
	"name",
	"processor_id",
	"site_id",
	"status_id",
	"start_type_id",
	goqu.L("COALESCE(parameters::text, '')"),
	"schedule_name",
	goqu.L("COALESCE(failure_reason, '')"),
	"submit_timestamp",
	"status_timestamp",
}

var taskColumns = []interface{}{
	"id",
	"job_id",
	"module_short_name",
	goqu.L("COALESCE(parameters::text, '')"),
	"parent_task_ids",
	"status_id",
	"status_timestamp",
}

var productColumns = []interface{}{
	goqu.I("p.id"),
	goqu.I("p.product_type_id"),
	goqu.I("p.processor_id"),
	goqu.I("p.site_id"),
	goqu.L("COALESCE(p.job_id, 0)"),
	goqu.I("p.name"),
	goqu.I("p.full_path"),
	goqu.I("p.created_timestamp"),
	goqu.I("p.tiles"),
}

// sqlBuilder is satisfied by every goqu dataset.
type sqlBuilder interface {
	ToSQL() (string, []interface{}, error)
}

func statusIds(statuses []model.Status) []int {
	ids := make([]int, len(statuses))
	for i, s := range statuses {
		ids[i] = int(s)
	}
	return ids
}

func newEventsQuery(limit uint, claimTimeout time.Duration) *goqu.SelectDataset {
	return dialect.From(eventTable).
		Select("id", "type_id", goqu.L("data::text"), "submitted_timestamp").
		Where(col_processingCompletedTimestamp.IsNull(), claimable(claimTimeout)).
		Order(col_id.Asc()).
		Limit(limit).
		Prepared(true)
}

// claimable matches events nobody has claimed, and events whose claim is older than claimTimeout.
func claimable(claimTimeout time.Duration) exp.ExpressionList {
	return goqu.Or(
		col_processingStartedTimestamp.IsNull(),
		col_processingStartedTimestamp.Lte(goqu.L("now() - make_interval(secs => ?)", claimTimeout.Seconds())),
	)
}

func claimEventQuery(eventId int, instance string, claimTimeout time.Duration) *goqu.UpdateDataset {
	return dialect.Update(eventTable).
		Set(goqu.Record{"processing_started_timestamp": now, "processed_by": instance}).
		Where(col_id.Eq(eventId), col_processingCompletedTimestamp.IsNull(), claimable(claimTimeout)).
		Prepared(true)
}

func completeEventQuery(eventId int) *goqu.UpdateDataset {
	return dialect.Update(eventTable).
		Set(goqu.Record{"processing_completed_timestamp": now}).
		Where(col_id.Eq(eventId)).
		Prepared(true)
}

func insertEventQuery(event model.NewEvent) *goqu.InsertDataset {
	return dialect.Insert(eventTable).
		Rows(goqu.Record{"type_id": int(event.Type), "data": event.DataJson}).
		Returning("id").
		Prepared(true)
}

func selectJobQuery() *goqu.SelectDataset {
	return dialect.From(jobTable).Select(jobColumns...).Prepared(true)
}

func jobsByStatusQuery(processorId int, siteId int, statuses []model.Status) *goqu.SelectDataset {
	return selectJobQuery().
		Where(col_processorId.Eq(processorId), col_siteId.Eq(siteId), col_statusId.In(statusIds(statuses))).
		Order(col_id.Asc())
}

func jobConfigurationQuery(jobId int, keyPrefix string) *goqu.SelectDataset {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(keyPrefix)
	return dialect.From(configJobTable).
		Select("key", "value").
		Where(col_jobId.Eq(jobId), col_key.Like(escaped+"%")).
		Prepared(true)
}

// setJobStatusQuery moves a job to status, provided it is currently in one of from.
func setJobStatusQuery(jobId int, status model.Status, from []model.Status, extra goqu.Record) *goqu.UpdateDataset {
	record := goqu.Record{"status_id": int(status), "status_timestamp": now}
	for k, v := range extra {
		record[k] = v
	}
	return dialect.Update(jobTable).
		Set(record).
		Where(col_id.Eq(jobId), col_statusId.In(statusIds(from))).
		Prepared(true)
}

func setJobTaskStatusQuery(jobId int, status model.Status, from []model.Status) *goqu.UpdateDataset {
	return dialect.Update(taskTable).
		Set(goqu.Record{"status_id": int(status), "status_timestamp": now}).
		Where(col_jobId.Eq(jobId), col_statusId.In(statusIds(from))).
		Returning("id").
		Prepared(true)
}

func setJobStepStatusQuery(jobId int, status model.Status, from []model.Status) *goqu.UpdateDataset {
	return dialect.Update(stepTable).
		Set(goqu.Record{"status_id": int(status), "status_timestamp": now}).
		Where(
			col_taskId.In(dialect.From(taskTable).Select("id").Where(col_jobId.Eq(jobId))),
			col_statusId.In(statusIds(from))).
		Prepared(true)
}

func setTaskStatusQuery(taskId int, status model.Status, from []model.Status) *goqu.UpdateDataset {
	return dialect.Update(taskTable).
		Set(goqu.Record{"status_id": int(status), "status_timestamp": now}).
		Where(col_id.Eq(taskId), col_statusId.In(statusIds(from))).
		Returning("job_id", "module_short_name").
		Prepared(true)
}

func setTaskStepStatusQuery(taskId int, status model.Status, from []model.Status) *goqu.UpdateDataset {
	return dialect.Update(stepTable).
		Set(goqu.Record{"status_id": int(status), "status_timestamp": now}).
		Where(col_taskId.Eq(taskId), col_statusId.In(statusIds(from))).
		Prepared(true)
}

func selectTaskQuery() *goqu.SelectDataset {
	return dialect.From(taskTable).Select(taskColumns...).Prepared(true)
}

func jobTasksQuery(jobId int, statuses []model.Status) *goqu.SelectDataset {
	ds := selectTaskQuery().Where(col_jobId.Eq(jobId))
	if len(statuses) > 0 {
		ds = ds.Where(col_statusId.In(statusIds(statuses)))
	}
	return ds.Order(col_id.Asc())
}

func stepsForStartQuery(taskId int) *goqu.SelectDataset {
	return dialect.From(stepTable.As("s")).
		Join(taskTable.As("t"), goqu.On(goqu.I("t.id").Eq(goqu.I("s.task_id")))).
		Select(goqu.I("t.job_id"), goqu.I("s.task_id"), goqu.I("t.module_short_name"), goqu.I("s.name"),
			goqu.L("COALESCE(s.arguments::text, '')")).
		Where(goqu.I("s.task_id").Eq(taskId), goqu.I("s.status_id").Neq(int(model.StatusFinished))).
		Order(goqu.I("s.step_index").Asc()).
		Prepared(true)
}

func selectStepsQuery() *goqu.SelectDataset {
	return dialect.From(stepTable.As("s")).
		LeftJoin(stepResourceLogTable.As("l"),
			goqu.On(goqu.I("l.task_id").Eq(goqu.I("s.task_id")), goqu.I("l.step_name").Eq(goqu.I("s.name")))).
		Select(
			goqu.I("s.task_id"), goqu.I("s.name"), goqu.I("s.step_index"),
			goqu.L("COALESCE(s.arguments::text, '')"), goqu.I("s.status_id"), goqu.I("s.status_timestamp"),
			goqu.L("COALESCE(s.exit_code, 0)"), goqu.L("COALESCE(s.node_name, '')"),
			goqu.L("l.task_id IS NOT NULL"),
			goqu.L("COALESCE(l.duration_ms, 0)"), goqu.L("COALESCE(l.user_cpu_ms, 0)"),
			goqu.L("COALESCE(l.system_cpu_ms, 0)"), goqu.L("COALESCE(l.max_rss_kb, 0)"),
			goqu.L("COALESCE(l.max_vm_size_kb, 0)"), goqu.L("COALESCE(l.disk_read_b, 0)"),
			goqu.L("COALESCE(l.disk_write_b, 0)"), goqu.L("COALESCE(l.stdout_text, '')"),
			goqu.L("COALESCE(l.stderr_text, '')")).
		Prepared(true)
}

func stepQuery(taskId int, stepName string) *goqu.SelectDataset {
	return selectStepsQuery().Where(goqu.I("s.task_id").Eq(taskId), goqu.I("s.name").Eq(stepName))
}

func jobStepsQuery(jobId int) *goqu.SelectDataset {
	return selectStepsQuery().
		Where(goqu.I("s.task_id").In(dialect.From(taskTable).Select("id").Where(col_jobId.Eq(jobId)))).
		Order(goqu.I("s.task_id").Asc(), goqu.I("s.step_index").Asc())
}

func insertResourceLogQuery(taskId int, stepName string, stats model.ExecutionStatistics) *goqu.InsertDataset {
	return dialect.Insert(stepResourceLogTable).
		Rows(goqu.Record{
			"task_id":        taskId,
			"step_name":      stepName,
			"node_name":      stats.Node,
			"duration_ms":    stats.DurationMs,
			"user_cpu_ms":    stats.UserCpuMs,
			"system_cpu_ms":  stats.SystemCpuMs,
			"max_rss_kb":     stats.MaxRssKb,
			"max_vm_size_kb": stats.MaxVmSizeKb,
			"disk_read_b":    stats.DiskReadBytes,
			"disk_write_b":   stats.DiskWriteBytes,
			"stdout_text":    stats.StdOutText,
			"stderr_text":    stats.StdErrText,
		}).
		OnConflict(goqu.DoNothing()).
		Prepared(true)
}

func productQuery(productId int) *goqu.SelectDataset {
	return dialect.From(productTable.As("p")).
		Select(productColumns...).
		Where(goqu.I("p.id").Eq(productId)).
		Prepared(true)
}

func productCandidatesQuery(query model.ProductQuery) *goqu.SelectDataset {
	processed := dialect.From(productProvenanceTable.As("pp")).
		Join(productTable.As("o"), goqu.On(goqu.I("o.id").Eq(goqu.I("pp.product_id")))).
		Select(goqu.L("1")).
		Where(
			goqu.I("pp.parent_product_id").Eq(goqu.I("p.id")),
			goqu.I("o.processor_id").Eq(query.OutputProcessorId))
	columns := append(append([]interface{}{}, productColumns...), goqu.L("EXISTS ?", processed))
	return dialect.From(productTable.As("p")).
		Select(columns...).
		Where(
			goqu.I("p.site_id").Eq(query.SiteId),
			goqu.I("p.product_type_id").Eq(int(query.ProductType)),
			goqu.I("p.created_timestamp").Gte(query.From),
			goqu.I("p.created_timestamp").Lt(query.To)).
		Order(goqu.I("p.created_timestamp").Asc(), goqu.I("p.id").Asc()).
		Prepared(true)
}

// readyTasksSql selects, among the given task ids, the Submitted tasks with steps whose parents have all finished.
const readyTasksSql = `
SELECT t.id, t.job_id, j.processor_id
FROM task t
JOIN job j ON j.id = t.job_id
WHERE t.id = ANY($1)
  AND t.status_id = $2
  AND EXISTS (SELECT 1 FROM step s WHERE s.task_id = t.id)
  AND NOT EXISTS (SELECT 1 FROM task p WHERE p.id = ANY(t.parent_task_ids) AND p.status_id <> $3)
ORDER BY t.id`

const childTaskIdsSql = `SELECT id FROM task WHERE $1 = ANY(parent_task_ids) ORDER BY id`

const insertTaskSql = `
INSERT INTO task (job_id, module_short_name, parameters, parent_task_ids, status_id)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`

const insertStepSql = `
INSERT INTO step (task_id, name, step_index, arguments, status_id)
VALUES ($1, $2, $3, $4, $5)`

const insertProductSql = `
INSERT INTO product (product_type_id, processor_id, site_id, job_id, name, full_path, created_timestamp, tiles)
VALUES ($1, $2, $3, NULLIF($4, 0), $5, $6, $7, $8)
RETURNING id`
