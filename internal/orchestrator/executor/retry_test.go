package executor

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

// flakyProxy fails the first `failures` calls to CancelTasks.
type flakyProxy struct {
	LogProxy
	failures int
	calls    int
}

func (p *flakyProxy) CancelTasks(_ *orchcontext.Context, _ []int) error {
	p.calls++
	if p.calls <= p.failures {
		return errors.Errorf("backend unavailable (%d)", p.calls)
	}
	return nil
}

func TestRetryingProxy(t *testing.T) {
	tests := map[string]struct {
		attempts      uint
		failures      int
		expectedCalls int
		expectError   bool
	}{
		"succeeds first time": {
			attempts:      3,
			expectedCalls: 1,
		},
		"succeeds after retries": {
			attempts:      3,
			failures:      2,
			expectedCalls: 3,
		},
		"gives up": {
			attempts:      3,
			failures:      5,
			expectedCalls: 3,
			expectError:   true,
		},
		"zero attempts calls once": {
			attempts:      0,
			failures:      1,
			expectedCalls: 1,
			expectError:   true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			backend := &flakyProxy{failures: tc.failures}
			proxy := NewRetryingProxy(backend, tc.attempts, 0)

			err := proxy.CancelTasks(orchcontext.Background(), []int{1})

			assert.Equal(t, tc.expectedCalls, backend.calls)
			if tc.expectError {
				assert.EqualError(t, err, "backend unavailable ("+strconv.Itoa(tc.expectedCalls)+")")
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryingProxy_PassesThrough(t *testing.T) {
	proxy := NewRetryingProxy(LogProxy{}, 2, 0)
	ctx := orchcontext.Background()
	assert.NoError(t, proxy.SubmitJob(ctx, 1))
	assert.NoError(t, proxy.CancelJob(ctx, 1))
	assert.NoError(t, proxy.PauseJob(ctx, 1))
	assert.NoError(t, proxy.ResumeJob(ctx, 1))
	assert.NoError(t, proxy.SubmitSteps(ctx, []StepToSubmit{{TaskId: 1, StepName: "a"}}))
}
