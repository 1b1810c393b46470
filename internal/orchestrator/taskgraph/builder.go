package taskgraph

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/G-Research/imagery-orchestrator/internal/orchestrator/model"
)

// TaskRef identifies a task inside a Builder. It is an index into the builder's node list, so it stays valid however
// many tasks are added after it.
type TaskRef int

// NoTask is the zero value for optional refs.
const NoTask TaskRef = -1

type node struct {
	module         string
	parametersJson string
	parents        []TaskRef
}

// Builder accumulates the tasks of one job before any of them exist in the store. Tasks can only be parented on
// tasks added before them, so the graph is acyclic by construction.
type Builder struct {
	nodes []node
	err   error
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Add appends a task running module and returns its ref.
func (b *Builder) Add(module string, parents ...TaskRef) TaskRef {
	ref := TaskRef(len(b.nodes))
	for _, parent := range parents {
		if parent < 0 || parent >= ref {
			b.fail(newBuildError(InvalidGraph, "task %d (%s) cannot depend on task %d", ref, module, parent))
		}
	}
	b.nodes = append(b.nodes, node{
		module:  module,
		parents: append([]TaskRef(nil), parents...),
	})
	return ref
}

// SetParameters attaches v, encoded as JSON, to the task.
func (b *Builder) SetParameters(ref TaskRef, v interface{}) {
	if !b.valid(ref) {
		b.fail(newBuildError(InvalidGraph, "unknown task %d", ref))
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		b.fail(errors.Wrapf(err, "cannot encode parameters of task %d", ref))
		return
	}
	b.nodes[ref].parametersJson = string(data)
}

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *Builder) valid(ref TaskRef) bool {
	return ref >= 0 && int(ref) < len(b.nodes)
}

func (b *Builder) Len() int {
	return len(b.nodes)
}

func (b *Builder) Module(ref TaskRef) string {
	return b.nodes[ref].module
}

// Parents returns a copy of the task's parents.
func (b *Builder) Parents(ref TaskRef) []TaskRef {
	return append([]TaskRef(nil), b.nodes[ref].parents...)
}

// Err returns the first error recorded while building.
func (b *Builder) Err() error {
	return b.err
}

// waves splits the nodes into batches that can be stored one after the other: every parent of a node is in an
// earlier batch.
func (b *Builder) waves() [][]TaskRef {
	depth := make([]int, len(b.nodes))
	var waves [][]TaskRef
	for i, n := range b.nodes {
		for _, parent := range n.parents {
			if depth[parent]+1 > depth[i] {
				depth[i] = depth[parent] + 1
			}
		}
		for len(waves) <= depth[i] {
			waves = append(waves, nil)
		}
		waves[depth[i]] = append(waves[depth[i]], TaskRef(i))
	}
	return waves
}

// TaskStore stores tasks and returns their ids in order.
type TaskStore interface {
	SubmitTasks(ctx context.Context, jobId int, tasks []model.NewTask) ([]int, error)
}

// Commit stores every task of the builder for the job and resolves refs to task ids.
func (b *Builder) Commit(ctx context.Context, store TaskStore, jobDir JobDir) (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.nodes) == 0 {
		return nil, EmptyJobError("job %d has no tasks", jobDir.JobId())
	}
	graph := &Graph{
		jobDir: jobDir,
		tasks:  make([]Task, len(b.nodes)),
	}
	for _, wave := range b.waves() {
		newTasks := make([]model.NewTask, len(wave))
		for i, ref := range wave {
			n := b.nodes[ref]
			parentIds := make([]int, len(n.parents))
			for j, parent := range n.parents {
				parentIds[j] = graph.tasks[parent].Id
			}
			newTasks[i] = model.NewTask{
				JobId:          jobDir.JobId(),
				Module:         n.module,
				ParametersJson: n.parametersJson,
				ParentTaskIds:  parentIds,
			}
		}
		ids, err := store.SubmitTasks(ctx, jobDir.JobId(), newTasks)
		if err != nil {
			return nil, err
		}
		if len(ids) != len(wave) {
			return nil, errors.Errorf("stored %d tasks for job %d but expected %d", len(ids), jobDir.JobId(), len(wave))
		}
		for i, ref := range wave {
			graph.tasks[ref] = Task{
				Ref:       ref,
				Id:        ids[i],
				Module:    newTasks[i].Module,
				ParentIds: newTasks[i].ParentTaskIds,
				Dir:       jobDir.TaskDir(ids[i], newTasks[i].Module),
			}
		}
	}
	return graph, nil
}
