package executor

import (
	"testing"

	"github.com/alicebob/miniredis"
	"github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

func withRedisProxy(t *testing.T, action func(proxy *RedisProxy, db redis.UniversalClient)) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	db := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer db.Close()
	action(NewRedisProxy(db, ""), db)
}

func TestRedisProxy_Commands(t *testing.T) {
	steps := []StepToSubmit{
		{ProcessorId: 2, TaskId: 7, ProcessorPath: "/usr/bin/mask-flags", StepName: "mask-flags-T31TCJ", Arguments: []string{"-in", "a.tif"}},
	}
	tests := map[string]struct {
		call     func(ctx *orchcontext.Context, proxy *RedisProxy) error
		expected Command
	}{
		"submit job": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.SubmitJob(ctx, 1) },
			expected: Command{Type: SubmitJobCommand, JobId: 1},
		},
		"cancel job": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.CancelJob(ctx, 2) },
			expected: Command{Type: CancelJobCommand, JobId: 2},
		},
		"pause job": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.PauseJob(ctx, 3) },
			expected: Command{Type: PauseJobCommand, JobId: 3},
		},
		"resume job": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.ResumeJob(ctx, 4) },
			expected: Command{Type: ResumeJobCommand, JobId: 4},
		},
		"submit steps": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.SubmitSteps(ctx, steps) },
			expected: Command{Type: SubmitStepsCommand, Steps: steps},
		},
		"cancel tasks": {
			call:     func(ctx *orchcontext.Context, proxy *RedisProxy) error { return proxy.CancelTasks(ctx, []int{5, 6}) },
			expected: Command{Type: CancelTasksCommand, TaskIds: []int{5, 6}},
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			withRedisProxy(t, func(proxy *RedisProxy, db redis.UniversalClient) {
				require.NoError(t, tc.call(orchcontext.Background(), proxy))

				commands, err := ReadCommands(db, DefaultCommandList)
				require.NoError(t, err)
				require.Len(t, commands, 1)
				assert.NotEmpty(t, commands[0].Id)
				commands[0].Id = ""
				assert.Equal(t, tc.expected, commands[0])
			})
		})
	}
}

func TestRedisProxy_EmptyBatchesAreNotPushed(t *testing.T) {
	withRedisProxy(t, func(proxy *RedisProxy, db redis.UniversalClient) {
		ctx := orchcontext.Background()
		require.NoError(t, proxy.SubmitSteps(ctx, nil))
		require.NoError(t, proxy.CancelTasks(ctx, []int{}))

		commands, err := ReadCommands(db, DefaultCommandList)
		require.NoError(t, err)
		assert.Empty(t, commands)
	})
}

func TestRedisProxy_CommandIdsAreUnique(t *testing.T) {
	withRedisProxy(t, func(proxy *RedisProxy, db redis.UniversalClient) {
		ctx := orchcontext.Background()
		require.NoError(t, proxy.SubmitJob(ctx, 1))
		require.NoError(t, proxy.SubmitJob(ctx, 1))

		commands, err := ReadCommands(db, DefaultCommandList)
		require.NoError(t, err)
		require.Len(t, commands, 2)
		assert.NotEqual(t, commands[0].Id, commands[1].Id)
	})
}

func TestRedisProxy_Unavailable(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	db := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: 0})
	defer db.Close()
	server.Close()

	err = NewRedisProxy(db, "commands").SubmitJob(orchcontext.Background(), 1)
	assert.Error(t, err)
}
