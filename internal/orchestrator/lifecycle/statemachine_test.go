package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/jobdb"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

func setup(t *testing.T) (*StateMachine, *jobdb.Repository, int) {
	repo, err := jobdb.NewRepository(clock.NewFakeClock(time.Now()))
	require.NoError(t, err)
	jobId, err := repo.CreateJob(context.Background(), model.NewJob{ProcessorId: 1, SiteId: 1})
	require.NoError(t, err)
	return NewStateMachine(repo), repo, jobId
}

func jobStatus(t *testing.T, repo *jobdb.Repository, jobId int) model.Status {
	job, err := repo.GetJob(context.Background(), jobId)
	require.NoError(t, err)
	return job.Status
}

func TestJobTransitions(t *testing.T) {
	tests := map[string]struct {
		ops      func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error
		expected model.Status
		invalid  bool
	}{
		"pending start": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				return sm.MarkJobPendingStart(ctx, jobId)
			},
			expected: model.StatusPendingStart,
		},
		"needs input then resubmitted": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobNeedsInput(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobResubmitted(ctx, jobId)
			},
			expected: model.StatusSubmitted,
		},
		"cancel twice": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobCancelled(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobCancelled(ctx, jobId)
			},
			expected: model.StatusCancelled,
		},
		"finish after cancel": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobCancelled(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobFinished(ctx, jobId)
			},
			expected: model.StatusCancelled,
			invalid:  true,
		},
		"fail after finish": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobPendingStart(ctx, jobId); err != nil {
					return err
				}
				if err := sm.MarkJobFinished(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobFailed(ctx, jobId, "late failure")
			},
			expected: model.StatusFinished,
			invalid:  true,
		},
		"pause and resume": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobPaused(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobResumed(ctx, jobId)
			},
			expected: model.StatusRunning,
		},
		"resume without pause": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				if err := sm.MarkJobNeedsInput(ctx, jobId); err != nil {
					return err
				}
				return sm.MarkJobResumed(ctx, jobId)
			},
			expected: model.StatusNeedsInput,
			invalid:  true,
		},
		"empty job failed": {
			ops: func(ctx *orchcontext.Context, sm *StateMachine, jobId int) error {
				return sm.MarkEmptyJobFailed(ctx, jobId, "no input groups")
			},
			expected: model.StatusError,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			sm, repo, jobId := setup(t)
			err := tc.ops(orchcontext.Background(), sm, jobId)
			if tc.invalid {
				assert.True(t, orcherrors.IsInvalidTransition(err), "unexpected error %v", err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.expected, jobStatus(t, repo, jobId))
		})
	}
}

func TestMarkJobFailed_KeepsReason(t *testing.T) {
	sm, repo, jobId := setup(t)
	require.NoError(t, sm.MarkJobFailed(orchcontext.Background(), jobId, "handler exploded"))
	job, err := repo.GetJob(context.Background(), jobId)
	require.NoError(t, err)
	assert.Equal(t, "handler exploded", job.FailureReason)
}

func TestUnknownJob(t *testing.T) {
	sm, _, _ := setup(t)
	assert.True(t, orcherrors.IsNotFound(sm.MarkJobCancelled(orchcontext.Background(), 404)))
}

func TestStepTransitions(t *testing.T) {
	ctx := orchcontext.Background()
	sm, repo, jobId := setup(t)
	ids, err := repo.SubmitTasks(ctx, jobId, []model.NewTask{{Module: "mask-flags"}})
	require.NoError(t, err)
	require.NoError(t, repo.SubmitSteps(ctx, []model.NewStep{{TaskId: ids[0], Name: "run"}}))

	require.NoError(t, sm.MarkTaskPendingStart(ctx, ids[0]))
	require.NoError(t, sm.MarkStepStarted(ctx, ids[0], "run", "node-1"))
	require.NoError(t, sm.MarkStepStarted(ctx, ids[0], "run", "node-1"))
	assert.Equal(t, model.StatusRunning, jobStatus(t, repo, jobId))

	require.NoError(t, sm.MarkStepFinished(ctx, ids[0], "run", model.ExecutionStatistics{}))
	err = sm.MarkStepFailed(ctx, ids[0], "run", model.ExecutionStatistics{})
	assert.True(t, orcherrors.IsInvalidTransition(err))
	err = sm.MarkStepStarted(ctx, ids[0], "run", "node-2")
	assert.True(t, orcherrors.IsInvalidTransition(err))
}

func TestRequests(t *testing.T) {
	ctx := orchcontext.Background()
	sm, repo, jobId := setup(t)

	require.NoError(t, sm.RequestJobPause(ctx, jobId))
	require.NoError(t, sm.MarkJobPaused(ctx, jobId))
	require.NoError(t, sm.RequestJobResume(ctx, jobId))
	require.NoError(t, sm.RequestJobCancel(ctx, jobId))
	require.NoError(t, sm.MarkJobCancelled(ctx, jobId))
	assert.True(t, orcherrors.IsInvalidTransition(sm.RequestJobCancel(ctx, jobId)))

	events, err := repo.GetNewEvents(ctx)
	require.NoError(t, err)
	var types []model.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []model.EventType{model.EventTypeJobPaused, model.EventTypeJobResumed, model.EventTypeJobCancelled}, types)
}

func TestTolerateTaskFailure(t *testing.T) {
	tests := map[string]struct {
		failBoth       bool
		expectedStatus model.Status
	}{
		"other step still running": {expectedStatus: model.StatusRunning},
		"every step failed":        {failBoth: true, expectedStatus: model.StatusFinished},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ctx := orchcontext.Background()
			sm, repo, jobId := setup(t)
			ids, err := repo.SubmitTasks(ctx, jobId, []model.NewTask{{Module: "bv-inversion"}})
			require.NoError(t, err)
			taskId := ids[0]
			require.NoError(t, repo.SubmitSteps(ctx, []model.NewStep{
				{TaskId: taskId, Name: "bv-inversion-31TCJ", ArgumentsJson: `[]`},
				{TaskId: taskId, Name: "bv-inversion-31TCK", ArgumentsJson: `[]`},
			}))
			require.NoError(t, sm.MarkStepStarted(ctx, taskId, "bv-inversion-31TCJ", "node-1"))
			require.NoError(t, sm.MarkStepStarted(ctx, taskId, "bv-inversion-31TCK", "node-1"))
			require.NoError(t, sm.MarkStepFailed(ctx, taskId, "bv-inversion-31TCJ", model.ExecutionStatistics{ExitCode: 1}))
			if tc.failBoth {
				require.NoError(t, sm.MarkStepFailed(ctx, taskId, "bv-inversion-31TCK", model.ExecutionStatistics{ExitCode: 1}))
			}

			require.NoError(t, sm.TolerateTaskFailure(ctx, taskId))
			require.NoError(t, sm.TolerateTaskFailure(ctx, taskId))

			task, err := repo.GetTask(ctx, taskId)
			require.NoError(t, err)
			assert.Equal(t, tc.expectedStatus, task.Status)
		})
	}
}

func TestTolerateTaskFailure_TaskNotFailed(t *testing.T) {
	ctx := orchcontext.Background()
	sm, repo, jobId := setup(t)
	ids, err := repo.SubmitTasks(ctx, jobId, []model.NewTask{{Module: "mask-flags"}})
	require.NoError(t, err)

	assert.True(t, orcherrors.IsInvalidTransition(sm.TolerateTaskFailure(ctx, ids[0])))
}
