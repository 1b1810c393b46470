package processor

import (
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/imagery-orchestrator/internal/common/orchcontext"
	"github.com/G-Research/imagery-orchestrator/internal/common/orcherrors"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/database"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/executor"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/ledger"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/lifecycle"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/taskgraph"
)

// ModulePathPrefix prefixes the job configuration keys holding the executable of each module.
const ModulePathPrefix = "executor.module.path."

// Environment holds the services handlers and the worker share. It is built once at startup.
type Environment struct {
	Store        database.Repository
	StateMachine *lifecycle.StateMachine
	Ledger       *ledger.Ledger
	Proxy        executor.ExecutorProxy
	WorkingDir   string
	KeepJobFiles bool
	Clock        clock.Clock
	// jobId -> module -> executable
	modulePaths *lru.Cache
}

type EnvironmentConfig struct {
	WorkingDir   string
	KeepJobFiles bool
	CacheSize    int
	Clock        clock.Clock
}

func NewEnvironment(store database.Repository, proxy executor.ExecutorProxy, config EnvironmentConfig) (*Environment, error) {
	size := config.CacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.Clock == nil {
		config.Clock = clock.RealClock{}
	}
	return &Environment{
		Store:        store,
		StateMachine: lifecycle.NewStateMachine(store),
		Ledger:       ledger.New(),
		Proxy:        proxy,
		WorkingDir:   config.WorkingDir,
		KeepJobFiles: config.KeepJobFiles,
		Clock:        config.Clock,
		modulePaths:  cache,
	}, nil
}

// ModulePath returns the executable configured for module in the job, or the module name itself so that it is looked
// up on the execution node's PATH.
func (e *Environment) ModulePath(ctx *orchcontext.Context, jobId int, module string) (string, error) {
	var paths map[string]string
	if cached, ok := e.modulePaths.Get(jobId); ok {
		paths = cached.(map[string]string)
	} else {
		params, err := e.Store.GetJobConfigurationParameters(ctx, jobId, ModulePathPrefix)
		if err != nil {
			return "", err
		}
		paths = make(map[string]string, len(params))
		for key, value := range params {
			paths[strings.TrimPrefix(key, ModulePathPrefix)] = value
		}
		e.modulePaths.Add(jobId, paths)
	}
	if path, ok := paths[module]; ok && path != "" {
		return path, nil
	}
	return module, nil
}

// JobDir is the scratch directory of the job.
func (e *Environment) JobDir(processor Processor, jobId int) taskgraph.JobDir {
	return taskgraph.NewJobDir(e.WorkingDir, processor.ShortName, jobId)
}

// FinishJob marks the job finished and removes its scratch directory unless job files are kept.
func (e *Environment) FinishJob(ctx *orchcontext.Context, processor Processor, jobId int) error {
	if err := e.StateMachine.MarkJobFinished(ctx, jobId); err != nil {
		return err
	}
	e.modulePaths.Remove(jobId)
	if e.KeepJobFiles {
		return nil
	}
	dir := e.JobDir(processor, jobId)
	if err := dir.Remove(); err != nil {
		ctx.Log.WithError(err).Warnf("could not remove %s", dir.Path())
	}
	return nil
}

// checkExpanded reports whether the job's graph has already been stored, which makes a redelivered JobSubmitted a
// no-op. A graph with a task that has no steps was only partly stored and is returned as an InvalidGraph BuildError.
func (e *Environment) checkExpanded(ctx *orchcontext.Context, jobId int) (bool, error) {
	tasks, err := e.Store.GetJobTasksByStatus(ctx, jobId, nil)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	steps, err := e.Store.GetJobSteps(ctx, jobId)
	if err != nil {
		return false, err
	}
	withSteps := make(map[int]bool, len(tasks))
	for _, step := range steps {
		withSteps[step.TaskId] = true
	}
	for _, task := range tasks {
		if !withSteps[task.Id] {
			return true, taskgraph.InvalidGraphError("job %d was partly expanded, task %d (%s) has no steps", jobId, task.Id, task.Module)
		}
	}
	return true, nil
}

// LoadProducts returns the products with the given ids, in the same order. A missing product is a MissingInput
// build error.
func (e *Environment) LoadProducts(ctx *orchcontext.Context, productIds []int) ([]model.Product, error) {
	products := make([]model.Product, 0, len(productIds))
	for _, id := range productIds {
		product, err := e.Store.GetProduct(ctx, id)
		if orcherrors.IsNotFound(err) {
			return nil, taskgraph.MissingInputError("input product %d does not exist", id)
		}
		if err != nil {
			return nil, err
		}
		products = append(products, product)
	}
	return products, nil
}

// RegisterProduct stores the product unless one with the same name and type was registered for the site since the
// given time. It reports whether the product was stored.
func (e *Environment) RegisterProduct(ctx *orchcontext.Context, product model.NewProduct, since time.Time) (bool, error) {
	existing, err := e.Store.GetProducts(ctx, model.ProductQuery{
		SiteId:      product.SiteId,
		ProductType: product.ProductType,
		From:        since,
		To:          product.Created.Add(time.Second),
	})
	if err != nil {
		return false, err
	}
	for _, candidate := range existing {
		if candidate.Name == product.Name {
			ctx.Log.Infof("Product %s already registered as %d", product.Name, candidate.Id)
			return false, nil
		}
	}
	productId, err := e.Store.InsertProduct(ctx, product)
	if err != nil {
		return false, err
	}
	ctx.Log.Infof("Registered product %s as %d", product.Name, productId)
	return true, nil
}

func describePanic(r interface{}) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}
