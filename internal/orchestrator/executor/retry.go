package executor

import (
	"time"

	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
)

var proxyFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "orchestrator_executor_proxy_failures_total",
	Help: "Number of executor proxy calls that failed after all retries",
}, []string{"operation"})

// RetryingProxy retries each call of the wrapped proxy a fixed number of times.
type RetryingProxy struct {
	proxy    ExecutorProxy
	attempts uint
	delay    time.Duration
}

func NewRetryingProxy(proxy ExecutorProxy, attempts uint, delay time.Duration) *RetryingProxy {
	if attempts == 0 {
		attempts = 1
	}
	return &RetryingProxy{proxy: proxy, attempts: attempts, delay: delay}
}

func (p *RetryingProxy) SubmitJob(ctx *orchcontext.Context, jobId int) error {
	return p.do(ctx, "submit_job", func() error { return p.proxy.SubmitJob(ctx, jobId) })
}

func (p *RetryingProxy) CancelJob(ctx *orchcontext.Context, jobId int) error {
	return p.do(ctx, "cancel_job", func() error { return p.proxy.CancelJob(ctx, jobId) })
}

func (p *RetryingProxy) PauseJob(ctx *orchcontext.Context, jobId int) error {
	return p.do(ctx, "pause_job", func() error { return p.proxy.PauseJob(ctx, jobId) })
}

func (p *RetryingProxy) ResumeJob(ctx *orchcontext.Context, jobId int) error {
	return p.do(ctx, "resume_job", func() error { return p.proxy.ResumeJob(ctx, jobId) })
}

func (p *RetryingProxy) SubmitSteps(ctx *orchcontext.Context, steps []StepToSubmit) error {
	return p.do(ctx, "submit_steps", func() error { return p.proxy.SubmitSteps(ctx, steps) })
}

func (p *RetryingProxy) CancelTasks(ctx *orchcontext.Context, taskIds []int) error {
	return p.do(ctx, "cancel_tasks", func() error { return p.proxy.CancelTasks(ctx, taskIds) })
}

func (p *RetryingProxy) do(ctx *orchcontext.Context, operation string, call func() error) error {
	err := retry.Do(
		call,
		retry.Context(ctx),
		retry.Attempts(p.attempts),
		retry.Delay(p.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("executor %s failed, attempt %d of %d", operation, n+1, p.attempts)
		}),
	)
	if err != nil {
		proxyFailures.WithLabelValues(operation).Inc()
	}
	return err
}
