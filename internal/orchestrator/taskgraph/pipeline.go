package taskgraph

// Pipeline describes the shape of a grouped job: every input group gets a preprocessing task, followed by one chain
// of tasks per enabled output kind. Chains converge on a formatting task, optionally followed by a cleanup task, and
// the job ends with a single end-of-job task.
type Pipeline struct {
	Preprocessing string
	// Chains maps an output kind to the modules of its chain, in execution order.
	Chains      map[string][]string
	Convergence string
	// Cleanup is optional.
	Cleanup  string
	EndOfJob string

	// ChainGroups parents each group's preprocessing on the terminal tasks of the previous group.
	ChainGroups bool
	// SplitConvergence gives every group its own convergence (and cleanup) task instead of one for the job.
	SplitConvergence bool
}

// Group is one set of inputs processed together, typically all tiles of one acquisition date.
type Group struct {
	Key     string
	Outputs []string
}

// GroupLayout records where a group's tasks ended up in the builder.
type GroupLayout struct {
	Group         Group
	Preprocessing TaskRef
	// Chains maps each enabled output kind to its chain of tasks.
	Chains map[string][]TaskRef
	// Terminals are the last task of every chain, or the preprocessing task if the group has no enabled outputs.
	Terminals []TaskRef
	// Unit is the index in Layout.Units of the convergence unit the group belongs to.
	Unit int
}

// Unit is a convergence task together with its optional cleanup task.
type Unit struct {
	Groups      []int
	Convergence TaskRef
	Cleanup     TaskRef
}

// Terminal returns the last task of the unit.
func (u Unit) Terminal() TaskRef {
	if u.Cleanup != NoTask {
		return u.Cleanup
	}
	return u.Convergence
}

type Layout struct {
	Groups   []GroupLayout
	Units    []Unit
	EndOfJob TaskRef
}

// TaskParameters are attached to every task built from a Pipeline.
type TaskParameters struct {
	Group  string `json:"group,omitempty"`
	Output string `json:"output,omitempty"`
	Step   int    `json:"chain_step,omitempty"`
}

// Build adds the pipeline's tasks for groups to b. It fails with an EmptyJob BuildError if there are no groups.
func (p Pipeline) Build(b *Builder, groups []Group) (*Layout, error) {
	if len(groups) == 0 {
		return nil, EmptyJobError("no input groups to process")
	}
	for _, group := range groups {
		for _, output := range group.Outputs {
			if _, ok := p.Chains[output]; !ok {
				return nil, newBuildError(InvalidGraph, "group %s requests unknown output %s", group.Key, output)
			}
		}
	}

	layout := &Layout{EndOfJob: NoTask}
	var previous []TaskRef
	pending := Unit{Cleanup: NoTask}
	var pendingTerminals []TaskRef

	for i, group := range groups {
		var parents []TaskRef
		if p.ChainGroups {
			parents = previous
		}
		gl := GroupLayout{
			Group:         group,
			Preprocessing: b.Add(p.Preprocessing, parents...),
			Chains:        make(map[string][]TaskRef, len(group.Outputs)),
		}
		b.SetParameters(gl.Preprocessing, TaskParameters{Group: group.Key})

		for _, output := range group.Outputs {
			last := gl.Preprocessing
			chain := make([]TaskRef, 0, len(p.Chains[output]))
			for step, module := range p.Chains[output] {
				last = b.Add(module, last)
				b.SetParameters(last, TaskParameters{Group: group.Key, Output: output, Step: step + 1})
				chain = append(chain, last)
			}
			gl.Chains[output] = chain
			gl.Terminals = append(gl.Terminals, last)
		}
		if len(gl.Terminals) == 0 {
			gl.Terminals = []TaskRef{gl.Preprocessing}
		}

		if p.SplitConvergence {
			unit := p.addUnit(b, []int{i}, gl.Terminals, group.Key)
			gl.Unit = len(layout.Units)
			layout.Units = append(layout.Units, unit)
			previous = []TaskRef{unit.Terminal()}
		} else {
			pending.Groups = append(pending.Groups, i)
			pendingTerminals = append(pendingTerminals, gl.Terminals...)
			previous = gl.Terminals
		}
		layout.Groups = append(layout.Groups, gl)
	}

	if !p.SplitConvergence {
		layout.Units = append(layout.Units, p.addUnit(b, pending.Groups, pendingTerminals, ""))
	}

	unitTerminals := make([]TaskRef, len(layout.Units))
	for i, unit := range layout.Units {
		unitTerminals[i] = unit.Terminal()
	}
	layout.EndOfJob = b.Add(p.EndOfJob, unitTerminals...)
	return layout, b.Err()
}

func (p Pipeline) addUnit(b *Builder, groups []int, terminals []TaskRef, groupKey string) Unit {
	unit := Unit{
		Groups:      groups,
		Convergence: b.Add(p.Convergence, terminals...),
		Cleanup:     NoTask,
	}
	b.SetParameters(unit.Convergence, TaskParameters{Group: groupKey})
	if p.Cleanup != "" {
		unit.Cleanup = b.Add(p.Cleanup, unit.Convergence)
		b.SetParameters(unit.Cleanup, TaskParameters{Group: groupKey})
	}
	return unit
}
