package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/jobdb"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

var testProcessor = Processor{Id: 2, Name: "Biophysical indicators", ShortName: "lai"}

// testHandler builds a single task graph unless submit is set.
type testHandler struct {
	env    *Environment
	submit func(ctx *orchcontext.Context, event model.JobSubmittedEvent) error
	calls  int
}

func (h *testHandler) HandleJobSubmitted(ctx *orchcontext.Context, event model.JobSubmittedEvent) error {
	h.calls++
	if h.submit != nil {
		return h.submit(ctx, event)
	}
	b := taskgraph.NewBuilder()
	mask := b.Add("mask-flags")
	graph, err := b.Commit(ctx, h.env.Store, h.env.JobDir(testProcessor, event.JobId))
	if err != nil {
		return err
	}
	var steps taskgraph.Steps
	steps.Add(graph.Task(mask), "mask-flags")
	return steps.Submit(ctx, h.env.Store, graph)
}

func (h *testHandler) HandleTaskFinished(*orchcontext.Context, model.TaskFinishedEvent) error {
	return nil
}

func (h *testHandler) HandleProductAvailable(*orchcontext.Context, model.ProductAvailableEvent) error {
	return nil
}

func (h *testHandler) GetProcessingDefinition(*orchcontext.Context, DefinitionRequest) (ProcessingDefinition, error) {
	return CustomDefinition(), nil
}

type tolerantHandler struct {
	testHandler
}

func (h *tolerantHandler) OnStepFailed(*orchcontext.Context, model.StepFailedEvent) StepFailureAction {
	return ContinueJob
}

func newTestEnvironment(t *testing.T) (*Environment, *jobdb.Repository) {
	repo, err := jobdb.NewRepository(clock.NewFakeClock(time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	env, err := NewEnvironment(repo, executor.LogProxy{}, EnvironmentConfig{WorkingDir: t.TempDir(), CacheSize: 4})
	require.NoError(t, err)
	return env, repo
}

func createJob(t *testing.T, repo *jobdb.Repository) int {
	jobId, err := repo.CreateJob(context.Background(), model.NewJob{
		ProcessorId: testProcessor.Id,
		SiteId:      1,
		StartType:   model.StartTypeRequested,
		ConfigurationParameters: map[string]string{
			ModulePathPrefix + "mask-flags": "/opt/bin/mask-flags",
		},
	})
	require.NoError(t, err)
	return jobId
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	lai := &testHandler{}
	composite := &testHandler{}
	require.NoError(t, registry.Register(Processor{Id: 3, ShortName: "l3a"}, composite))
	require.NoError(t, registry.Register(testProcessor, lai))

	err := registry.Register(testProcessor, lai)
	assert.True(t, orcherrors.IsAlreadyExists(err))

	handler, err := registry.Get(2)
	require.NoError(t, err)
	assert.Same(t, lai, handler)

	_, err = registry.Get(9)
	assert.True(t, orcherrors.IsNotFound(err))

	processor, ok := registry.Processor(3)
	assert.True(t, ok)
	assert.Equal(t, "l3a", processor.ShortName)

	assert.Equal(t, []int{2, 3}, registry.Ids())
	handlers := registry.Handlers()
	require.Len(t, handlers, 2)
	assert.Same(t, lai, handlers[0])
	assert.Same(t, composite, handlers[1])
}

func TestOnStepFailed(t *testing.T) {
	ctx := orchcontext.Background()
	assert.Equal(t, FailJob, OnStepFailed(ctx, &testHandler{}, model.StepFailedEvent{}))
	assert.Equal(t, ContinueJob, OnStepFailed(ctx, &tolerantHandler{}, model.StepFailedEvent{}))
}

func TestReadyDefinition(t *testing.T) {
	definition, err := ReadyDefinition(map[string]int{"site_id": 1})
	require.NoError(t, err)
	assert.Equal(t, Ready, definition.Kind)
	assert.Equal(t, `{"site_id":1}`, definition.ParametersJson)
	assert.Equal(t, NotReady, NotReadyDefinition().Kind)
}

func TestSubmitJob(t *testing.T) {
	tests := map[string]struct {
		submit         func(ctx *orchcontext.Context, event model.JobSubmittedEvent) error
		expectedStatus model.Status
		expectedReason string
		expectError    bool
	}{
		"graph stored": {
			expectedStatus: model.StatusPendingStart,
		},
		"handler error": {
			submit: func(*orchcontext.Context, model.JobSubmittedEvent) error {
				return errors.New("no inputs readable")
			},
			expectedStatus: model.StatusError,
			expectedReason: "no inputs readable",
			expectError:    true,
		},
		"empty job": {
			submit: func(*orchcontext.Context, model.JobSubmittedEvent) error {
				return taskgraph.EmptyJobError("no products between %s and %s", "2022-01-01", "2022-02-01")
			},
			expectedStatus: model.StatusError,
			expectedReason: "no products between 2022-01-01 and 2022-02-01",
			expectError:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := orchcontext.Background()
			env, repo := newTestEnvironment(t)
			handler := &testHandler{env: env, submit: tc.submit}
			jobId := createJob(t, repo)

			err := SubmitJob(ctx, env, handler, model.JobSubmittedEvent{JobId: jobId, ProcessorId: testProcessor.Id})
			if tc.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			job, err := repo.GetJob(ctx, jobId)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStatus, job.Status)
			assert.Contains(t, job.FailureReason, tc.expectedReason)
		})
	}
}

func TestSubmitJob_PanicFailsJob(t *testing.T) {
	ctx := orchcontext.Background()
	env, repo := newTestEnvironment(t)
	handler := &testHandler{env: env, submit: func(*orchcontext.Context, model.JobSubmittedEvent) error {
		panic("index out of range")
	}}
	jobId := createJob(t, repo)

	assert.PanicsWithValue(t, "index out of range", func() {
		_ = SubmitJob(ctx, env, handler, model.JobSubmittedEvent{JobId: jobId})
	})

	job, err := repo.GetJob(ctx, jobId)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, job.Status)
	assert.Equal(t, "index out of range", job.FailureReason)
}

func TestSubmitJob_Redelivered(t *testing.T) {
	ctx := orchcontext.Background()
	env, repo := newTestEnvironment(t)
	handler := &testHandler{env: env}
	jobId := createJob(t, repo)
	event := model.JobSubmittedEvent{JobId: jobId}

	require.NoError(t, SubmitJob(ctx, env, handler, event))
	require.NoError(t, SubmitJob(ctx, env, handler, event))
	assert.Equal(t, 1, handler.calls)

	tasks, err := repo.GetJobTasksByStatus(ctx, jobId, nil)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestSubmitJob_PartlyExpandedGraphFailsJob(t *testing.T) {
	ctx := orchcontext.Background()
	env, repo := newTestEnvironment(t)
	handler := &testHandler{env: env}
	jobId := createJob(t, repo)
	require.NoError(t, repo.SubmitJob(ctx, jobId, `{}`))
	// Tasks stored, steps never submitted.
	taskIds, err := repo.SubmitTasks(ctx, jobId, []model.NewTask{{Module: "mask-flags"}})
	require.NoError(t, err)

	err = SubmitJob(ctx, env, handler, model.JobSubmittedEvent{JobId: jobId})
	_, isBuildError := taskgraph.AsBuildError(err)
	assert.True(t, isBuildError)
	assert.Equal(t, 0, handler.calls)

	job, err := repo.GetJob(ctx, jobId)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, job.Status)
	assert.Contains(t, job.FailureReason, "has no steps")
	task, err := repo.GetTask(ctx, taskIds[0])
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, task.Status)
}

func TestSubmitJob_CancelledJobIsNotExpanded(t *testing.T) {
	ctx := orchcontext.Background()
	env, repo := newTestEnvironment(t)
	handler := &testHandler{env: env}
	jobId := createJob(t, repo)
	require.NoError(t, repo.MarkJobCancelled(ctx, jobId))

	require.NoError(t, SubmitJob(ctx, env, handler, model.JobSubmittedEvent{JobId: jobId}))
	assert.Equal(t, 0, handler.calls)
}

func TestEnvironment_ModulePath(t *testing.T) {
	ctx := orchcontext.Background()
	env, repo := newTestEnvironment(t)
	jobId := createJob(t, repo)

	path, err := env.ModulePath(ctx, jobId, "mask-flags")
	require.NoError(t, err)
	assert.Equal(t, "/opt/bin/mask-flags", path)

	path, err = env.ModulePath(ctx, jobId, "end-of-job")
	require.NoError(t, err)
	assert.Equal(t, "end-of-job", path)
}

func TestEnvironment_FinishJob(t *testing.T) {
	tests := map[string]struct {
		keepJobFiles bool
	}{
		"removes job files": {keepJobFiles: false},
		"keeps job files":   {keepJobFiles: true},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := orchcontext.Background()
			env, repo := newTestEnvironment(t)
			env.KeepJobFiles = tc.keepJobFiles
			jobId := createJob(t, repo)
			require.NoError(t, repo.MarkJobPendingStart(ctx, jobId))

			dir := env.JobDir(testProcessor, jobId)
			require.NoError(t, os.MkdirAll(filepath.Join(dir.Path(), "1-mask-flags"), 0o755))

			require.NoError(t, env.FinishJob(ctx, testProcessor, jobId))

			job, err := repo.GetJob(ctx, jobId)
			require.NoError(t, err)
			assert.Equal(t, model.StatusFinished, job.Status)
			_, err = os.Stat(dir.Path())
			assert.Equal(t, tc.keepJobFiles, err == nil)
		})
	}
}

func TestEnvironment_LoadProducts(t *testing.T) {
	env, repo := newTestEnvironment(t)
	ctx := orchcontext.Background()
	created := time.Date(2022, 6, 1, 10, 0, 0, 0, time.UTC)
	var ids []int
	for _, name := range []string{"L2A_A", "L2A_B"} {
		id, err := repo.InsertProduct(ctx, model.NewProduct{ProductType: model.ProductTypeL2A, SiteId: 1, Name: name, Created: created})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	products, err := env.LoadProducts(ctx, []int{ids[1], ids[0]})
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "L2A_B", products[0].Name)
	assert.Equal(t, "L2A_A", products[1].Name)

	_, err = env.LoadProducts(ctx, []int{ids[0], 1000})
	buildErr, ok := taskgraph.AsBuildError(err)
	require.True(t, ok)
	assert.Equal(t, taskgraph.MissingInput, buildErr.Kind)
}

func TestEnvironment_RegisterProduct(t *testing.T) {
	env, repo := newTestEnvironment(t)
	ctx := orchcontext.Background()
	since := time.Date(2022, 7, 1, 0, 0, 0, 0, time.UTC)
	product := model.NewProduct{
		ProductType: model.ProductTypeLai,
		ProcessorId: testProcessor.Id,
		SiteId:      1,
		Name:        "LAI_S1_J1_20220601_20220601",
		Created:     since.Add(time.Minute),
	}

	stored, err := env.RegisterProduct(ctx, product, since)
	require.NoError(t, err)
	assert.True(t, stored)

	stored, err = env.RegisterProduct(ctx, product, since)
	require.NoError(t, err)
	assert.False(t, stored)

	product.Name = "LAI_S1_J1_20220611_20220611"
	stored, err = env.RegisterProduct(ctx, product, since)
	require.NoError(t, err)
	assert.True(t, stored)

	products, err := repo.GetProducts(ctx, model.ProductQuery{
		SiteId:      1,
		ProductType: model.ProductTypeLai,
		From:        since,
		To:          since.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Len(t, products, 2)
}
