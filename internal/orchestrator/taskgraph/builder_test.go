package taskgraph

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/jobdb"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// recordingStore hands out sequential ids and remembers every batch it was given.
type recordingStore struct {
	nextId  int
	batches [][]model.NewTask
}

func (s *recordingStore) SubmitTasks(_ context.Context, _ int, tasks []model.NewTask) ([]int, error) {
	s.batches = append(s.batches, tasks)
	ids := make([]int, len(tasks))
	for i := range tasks {
		s.nextId++
		ids[i] = s.nextId
	}
	return ids, nil
}

func TestBuilder_RejectsForwardParents(t *testing.T) {
	b := NewBuilder()
	first := b.Add("a")
	b.Add("b", first, TaskRef(5))
	_, err := b.Commit(context.Background(), &recordingStore{}, NewJobDir("/tmp", "lai", 1))
	buildErr, ok := AsBuildError(err)
	require.True(t, ok)
	assert.Equal(t, InvalidGraph, buildErr.Kind)
}

func TestBuilder_EmptyCommit(t *testing.T) {
	_, err := NewBuilder().Commit(context.Background(), &recordingStore{}, NewJobDir("/tmp", "lai", 1))
	assert.True(t, IsEmptyJob(err))
}

func TestBuilder_CommitInWaves(t *testing.T) {
	b := NewBuilder()
	root := b.Add("root")
	left := b.Add("left", root)
	right := b.Add("right", root)
	join := b.Add("join", left, right)
	other := b.Add("other")

	store := &recordingStore{}
	graph, err := b.Commit(context.Background(), store, NewJobDir("/work", "lai", 7))
	require.NoError(t, err)

	require.Len(t, store.batches, 3)
	assert.Len(t, store.batches[0], 2)
	assert.Len(t, store.batches[1], 2)
	assert.Len(t, store.batches[2], 1)

	assert.Equal(t, []int{graph.Task(root).Id}, graph.Task(left).ParentIds)
	assert.ElementsMatch(t, []int{graph.Task(left).Id, graph.Task(right).Id}, graph.Task(join).ParentIds)
	assert.Empty(t, graph.Task(other).ParentIds)

	ids := map[int]bool{}
	for _, task := range graph.Tasks() {
		assert.False(t, ids[task.Id])
		ids[task.Id] = true
	}
	assert.Len(t, ids, 5)
}

func TestTaskDir(t *testing.T) {
	jobDir := NewJobDir("/work", "lai", 12)
	assert.Equal(t, filepath.Join("/work", "lai", "12"), jobDir.Path())
	taskDir := jobDir.TaskDir(40, "mask-flags")
	assert.Equal(t, filepath.Join("/work", "lai", "12", "40-mask-flags"), taskDir.Path())
	assert.Equal(t, filepath.Join("/work", "lai", "12", "40-mask-flags", "out", "flags.tif"), taskDir.File("out", "flags.tif"))
}

func TestJobDir_Remove(t *testing.T) {
	jobDir := NewJobDir(t.TempDir(), "lai", 3)
	require.NoError(t, jobDir.Remove())
}

func TestSteps_Submit(t *testing.T) {
	ctx := context.Background()
	repo, err := jobdb.NewRepository(clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	jobId, err := repo.CreateJob(ctx, model.NewJob{ProcessorId: 1, SiteId: 1})
	require.NoError(t, err)

	b := NewBuilder()
	root := b.Add("root")
	child := b.Add("child", root)
	graph, err := b.Commit(ctx, repo, NewJobDir("/work", "lai", jobId))
	require.NoError(t, err)

	steps := &Steps{}
	steps.Add(graph.Task(root), "first", "--out", graph.Task(root).Dir.File("a.tif"))
	steps.Add(graph.Task(root), "second")
	steps.Add(graph.Task(child), "only", "--in", graph.Task(root).Dir.File("a.tif"))
	require.NoError(t, steps.Submit(ctx, repo, graph))

	runnable, err := repo.GetTaskStepsForStart(ctx, graph.Task(root).Id)
	require.NoError(t, err)
	require.Len(t, runnable, 2)
	assert.Equal(t, "first", runnable[0].Name)
	assert.JSONEq(t, `["--out","/work/lai/`+itoa(jobId)+`/`+itoa(graph.Task(root).Id)+`-root/a.tif"]`, runnable[0].ArgumentsJson)
	assert.JSONEq(t, `[]`, runnable[1].ArgumentsJson)

	events, err := repo.GetNewEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeTaskRunnable, events[0].Type)
}

func TestSteps_Submit_TaskWithoutSteps(t *testing.T) {
	ctx := context.Background()
	repo, err := jobdb.NewRepository(clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	jobId, err := repo.CreateJob(ctx, model.NewJob{ProcessorId: 1, SiteId: 1})
	require.NoError(t, err)

	b := NewBuilder()
	root := b.Add("mask-flags")
	b.Add("product-formatter", root)
	graph, err := b.Commit(ctx, repo, NewJobDir("/work", "lai", jobId))
	require.NoError(t, err)

	steps := &Steps{}
	steps.Add(graph.Task(root), "mask-flags")
	err = steps.Submit(ctx, repo, graph)
	buildErr, ok := AsBuildError(err)
	require.True(t, ok)
	assert.Equal(t, InvalidGraph, buildErr.Kind)
	assert.Contains(t, buildErr.Message, "product-formatter")

	stored, err := repo.GetJobSteps(ctx, jobId)
	require.NoError(t, err)
	assert.Empty(t, stored)
	events, err := repo.GetNewEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}
