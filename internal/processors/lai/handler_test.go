package lai

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/jobdb"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/processor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

const siteId = 5

var (
	testProcessor = processor.Processor{Id: 4, Name: "Biophysical indicators", ShortName: "lai"}
	baseTime      = time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC)
)

type testSetup struct {
	ctx     *orchcontext.Context
	repo    *jobdb.Repository
	env     *processor.Environment
	handler *Handler
}

func newTestSetup(t *testing.T, config Config) *testSetup {
	fakeClock := clock.NewFakeClock(baseTime)
	repo, err := jobdb.NewRepository(fakeClock)
	require.NoError(t, err)
	env, err := processor.NewEnvironment(repo, executor.LogProxy{}, processor.EnvironmentConfig{
		WorkingDir: t.TempDir(),
		Clock:      fakeClock,
	})
	require.NoError(t, err)
	config.OutputDirectory = t.TempDir()
	return &testSetup{
		ctx:     orchcontext.Background(),
		repo:    repo,
		env:     env,
		handler: NewHandler(testProcessor, env, config),
	}
}

func (s *testSetup) insertL2A(t *testing.T, name string, created time.Time, tiles ...string) int {
	id, err := s.repo.InsertProduct(s.ctx, model.NewProduct{
		ProductType: model.ProductTypeL2A,
		ProcessorId: 1,
		SiteId:      siteId,
		Name:        name,
		FullPath:    "/mnt/archive/l2a/" + name,
		Created:     created,
		Tiles:       tiles,
	})
	require.NoError(t, err)
	return id
}

// submitJob creates a job with the given parameters and expands it.
func (s *testSetup) submitJob(t *testing.T, params Parameters, config map[string]string) (int, error) {
	jobId, err := s.repo.CreateJob(s.ctx, model.NewJob{
		ProcessorId:             testProcessor.Id,
		SiteId:                  siteId,
		StartType:               model.StartTypeRequested,
		ConfigurationParameters: config,
	})
	require.NoError(t, err)
	data, err := json.Marshal(params)
	require.NoError(t, err)
	require.NoError(t, s.repo.SubmitJob(s.ctx, jobId, string(data)))
	return jobId, s.handler.HandleJobSubmitted(s.ctx, model.JobSubmittedEvent{
		JobId:          jobId,
		ProcessorId:    testProcessor.Id,
		SiteId:         siteId,
		ParametersJson: data,
	})
}

func (s *testSetup) tasks(t *testing.T, jobId int) []model.Task {
	tasks, err := s.repo.GetJobTasksByStatus(s.ctx, jobId, nil)
	require.NoError(t, err)
	return tasks
}

func tasksByModule(tasks []model.Task) map[string][]model.Task {
	result := make(map[string][]model.Task)
	for _, task := range tasks {
		result[task.Module] = append(result[task.Module], task)
	}
	return result
}

func TestHandleJobSubmitted_ChainedGroups(t *testing.T) {
	s := newTestSetup(t, Config{Outputs: []string{OutputNdvi}, ChainGroups: true})
	first := s.insertL2A(t, "L2A_20220601_A", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ", "31TCK")
	second := s.insertL2A(t, "L2A_20220601_B", time.Date(2022, 6, 1, 10, 5, 0, 0, time.UTC), "31TDJ")
	third := s.insertL2A(t, "L2A_20220611", time.Date(2022, 6, 11, 10, 0, 0, 0, time.UTC), "31TCJ")

	jobId, err := s.submitJob(t, Parameters{InputProducts: []int{third, first, second}}, nil)
	require.NoError(t, err)

	tasks := s.tasks(t, jobId)
	byModule := tasksByModule(tasks)
	assert.Len(t, tasks, 8)
	require.Len(t, byModule[moduleMaskFlags], 2)
	require.Len(t, byModule[moduleNdviExtractor], 2)
	require.Len(t, byModule[moduleQuantifyNdvi], 2)
	require.Len(t, byModule[moduleProductFormatter], 1)
	require.Len(t, byModule[moduleEndOfJob], 1)

	firstQuantify := byModule[moduleQuantifyNdvi][0]
	secondMask := byModule[moduleMaskFlags][1]
	assert.Empty(t, byModule[moduleMaskFlags][0].ParentTaskIds)
	assert.Equal(t, []int{firstQuantify.Id}, secondMask.ParentTaskIds)
	assert.ElementsMatch(t,
		[]int{firstQuantify.Id, byModule[moduleQuantifyNdvi][1].Id},
		byModule[moduleProductFormatter][0].ParentTaskIds)
	assert.Equal(t, []int{byModule[moduleProductFormatter][0].Id}, byModule[moduleEndOfJob][0].ParentTaskIds)

	steps, err := s.repo.GetJobSteps(s.ctx, jobId)
	require.NoError(t, err)
	stepsByTask := make(map[int][]string)
	for _, step := range steps {
		stepsByTask[step.TaskId] = append(stepsByTask[step.TaskId], step.Name)
	}
	assert.Equal(t,
		[]string{"mask-flags-31TCJ", "mask-flags-31TCK", "mask-flags-31TDJ"},
		stepsByTask[byModule[moduleMaskFlags][0].Id])
	assert.Equal(t, []string{"mask-flags-31TCJ"}, stepsByTask[secondMask.Id])
	assert.Equal(t, []string{"product-formatter"}, stepsByTask[byModule[moduleProductFormatter][0].Id])

	// Only the first preprocessing task is runnable.
	events, err := s.repo.GetNewEvents(s.ctx)
	require.NoError(t, err)
	var runnable []int
	for _, event := range events {
		if event.Type == model.EventTypeTaskRunnable {
			var e model.TaskRunnableEvent
			require.NoError(t, event.Decode(&e))
			runnable = append(runnable, e.TaskId)
		}
	}
	assert.Equal(t, []int{byModule[moduleMaskFlags][0].Id}, runnable)
}

func TestHandleJobSubmitted_SplitProductsWithCleanup(t *testing.T) {
	s := newTestSetup(t, Config{SplitProducts: true, RemoveTempFiles: true})
	first := s.insertL2A(t, "L2A_20220601", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ")
	second := s.insertL2A(t, "L2A_20220611", time.Date(2022, 6, 11, 10, 0, 0, 0, time.UTC), "31TCJ")

	jobId, err := s.submitJob(t, Parameters{InputProducts: []int{first, second}}, nil)
	require.NoError(t, err)

	byModule := tasksByModule(s.tasks(t, jobId))
	// all four outputs for each of the two dates
	assert.Len(t, byModule[moduleNdviExtractor], 2)
	assert.Len(t, byModule[moduleCreateAngles], 6)
	assert.Len(t, byModule[moduleProductFormatter], 2)
	require.Len(t, byModule[moduleFilesRemover], 2)
	assert.ElementsMatch(t,
		[]int{byModule[moduleFilesRemover][0].Id, byModule[moduleFilesRemover][1].Id},
		byModule[moduleEndOfJob][0].ParentTaskIds)
}

func TestHandleJobSubmitted_OutputsFromJobConfiguration(t *testing.T) {
	s := newTestSetup(t, Config{})
	id := s.insertL2A(t, "L2A_20220601", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ")

	jobId, err := s.submitJob(t, Parameters{InputProducts: []int{id}, Outputs: []string{OutputNdvi}}, map[string]string{OutputsKey: "lai, fapar"})
	require.NoError(t, err)

	byModule := tasksByModule(s.tasks(t, jobId))
	assert.Empty(t, byModule[moduleNdviExtractor])
	assert.Len(t, byModule[moduleBvInversion], 2)
}

func TestHandleJobSubmitted_Errors(t *testing.T) {
	tests := map[string]struct {
		params Parameters
		config map[string]string
		check  func(t *testing.T, err error)
	}{
		"no inputs": {
			check: func(t *testing.T, err error) {
				assert.True(t, taskgraph.IsEmptyJob(err))
			},
		},
		"missing input": {
			params: Parameters{InputProducts: []int{999}},
			check: func(t *testing.T, err error) {
				buildErr, ok := taskgraph.AsBuildError(err)
				require.True(t, ok)
				assert.Equal(t, taskgraph.MissingInput, buildErr.Kind)
			},
		},
		"unknown output": {
			params: Parameters{Outputs: []string{"EVI"}},
			check: func(t *testing.T, err error) {
				var invalid *orcherrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
			},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestSetup(t, Config{})
			jobId, err := s.submitJob(t, tc.params, tc.config)
			require.Error(t, err)
			tc.check(t, err)
			assert.Empty(t, s.tasks(t, jobId))
		})
	}
}

func TestHandleJobSubmitted_ProductWithoutTiles(t *testing.T) {
	s := newTestSetup(t, Config{Outputs: []string{OutputNdvi}})
	tiled := s.insertL2A(t, "L2A_20220601", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ")
	untiled := s.insertL2A(t, "L2A_20220611", time.Date(2022, 6, 11, 10, 0, 0, 0, time.UTC))

	jobId, err := s.submitJob(t, Parameters{InputProducts: []int{tiled, untiled}}, nil)

	buildErr, ok := taskgraph.AsBuildError(err)
	require.True(t, ok)
	assert.Equal(t, taskgraph.MissingInput, buildErr.Kind)
	assert.Contains(t, buildErr.Message, "20220611")
	assert.Empty(t, s.tasks(t, jobId))
}

func TestHandleTaskFinished(t *testing.T) {
	s := newTestSetup(t, Config{Outputs: []string{OutputLai}})
	first := s.insertL2A(t, "L2A_20220601", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ")
	second := s.insertL2A(t, "L2A_20220611", time.Date(2022, 6, 11, 10, 0, 0, 0, time.UTC), "31TCK")
	jobId, err := s.submitJob(t, Parameters{InputProducts: []int{first, second}}, nil)
	require.NoError(t, err)
	require.NoError(t, s.repo.MarkJobPendingStart(s.ctx, jobId))

	byModule := tasksByModule(s.tasks(t, jobId))
	formatter := byModule[moduleProductFormatter][0]
	event := model.TaskFinishedEvent{JobId: jobId, ProcessorId: testProcessor.Id, SiteId: siteId, TaskId: formatter.Id, Module: moduleProductFormatter}
	require.NoError(t, s.handler.HandleTaskFinished(s.ctx, event))
	require.NoError(t, s.handler.HandleTaskFinished(s.ctx, event))

	products, err := s.repo.GetProducts(s.ctx, model.ProductQuery{
		SiteId:      siteId,
		ProductType: model.ProductTypeLai,
		From:        baseTime.Add(-time.Hour),
		To:          baseTime.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "LAI_S5_J1_20220601_20220611", products[0].Name)
	assert.ElementsMatch(t, []int{first, second}, products[0].SourceProductIds)
	assert.ElementsMatch(t, []string{"31TCJ", "31TCK"}, products[0].Tiles)

	jobDir := s.env.JobDir(testProcessor, jobId)
	require.NoError(t, os.MkdirAll(jobDir.Path(), 0o755))
	endOfJob := byModule[moduleEndOfJob][0]
	require.NoError(t, s.handler.HandleTaskFinished(s.ctx, model.TaskFinishedEvent{
		JobId: jobId, ProcessorId: testProcessor.Id, SiteId: siteId, TaskId: endOfJob.Id, Module: moduleEndOfJob,
	}))
	job, err := s.repo.GetJob(s.ctx, jobId)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFinished, job.Status)
	_, err = os.Stat(jobDir.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestGetProcessingDefinition(t *testing.T) {
	s := newTestSetup(t, Config{})
	inSeason := s.insertL2A(t, "L2A_20220601", time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC), "31TCJ")
	s.insertL2A(t, "L2A_20220301", time.Date(2022, 3, 1, 10, 0, 0, 0, time.UTC), "31TCJ")

	newJob := func() int {
		jobId, err := s.repo.CreateJob(s.ctx, model.NewJob{ProcessorId: testProcessor.Id, SiteId: siteId, StartType: model.StartTypeScheduled})
		require.NoError(t, err)
		return jobId
	}
	request := func(jobId int) processor.DefinitionRequest {
		return processor.DefinitionRequest{
			JobId:         jobId,
			ProcessorId:   testProcessor.Id,
			SiteId:        siteId,
			ScheduledDate: baseTime,
			SeasonStart:   time.Date(2022, 4, 1, 0, 0, 0, 0, time.UTC),
			SeasonEnd:     time.Date(2022, 9, 30, 0, 0, 0, 0, time.UTC),
		}
	}

	firstJob := newJob()
	definition, err := s.handler.GetProcessingDefinition(s.ctx, request(firstJob))
	require.NoError(t, err)
	require.Equal(t, processor.Ready, definition.Kind)
	params, err := decodeParameters([]byte(definition.ParametersJson))
	require.NoError(t, err)
	assert.Equal(t, []int{inSeason}, params.InputProducts)

	// The first job still holds the acquisition.
	definition, err = s.handler.GetProcessingDefinition(s.ctx, request(newJob()))
	require.NoError(t, err)
	assert.Equal(t, processor.NotReady, definition.Kind)

	// Once the first job is gone its claim is released.
	require.NoError(t, s.repo.MarkJobCancelled(s.ctx, firstJob))
	definition, err = s.handler.GetProcessingDefinition(s.ctx, request(newJob()))
	require.NoError(t, err)
	assert.Equal(t, processor.Ready, definition.Kind)

	custom := request(newJob())
	custom.Overrides = map[string]string{CustomModeKey: "1"}
	definition, err = s.handler.GetProcessingDefinition(s.ctx, custom)
	require.NoError(t, err)
	assert.Equal(t, processor.Custom, definition.Kind)
}

func TestOnStepFailed(t *testing.T) {
	tests := map[string]struct {
		tolerate bool
		module   string
		expected processor.StepFailureAction
	}{
		"intolerant":             {tolerate: false, module: moduleMaskFlags, expected: processor.FailJob},
		"tolerated tile step":    {tolerate: true, module: moduleBvInversion, expected: processor.ContinueJob},
		"formatter always fails": {tolerate: true, module: moduleProductFormatter, expected: processor.FailJob},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestSetup(t, Config{TolerateFailedTiles: tc.tolerate})
			jobId, err := s.repo.CreateJob(s.ctx, model.NewJob{ProcessorId: testProcessor.Id, SiteId: siteId})
			require.NoError(t, err)
			ids, err := s.repo.SubmitTasks(s.ctx, jobId, []model.NewTask{{Module: tc.module}})
			require.NoError(t, err)

			action := s.handler.OnStepFailed(s.ctx, model.StepFailedEvent{JobId: jobId, TaskId: ids[0], StepName: tc.module})
			assert.Equal(t, tc.expected, action)
		})
	}
}
