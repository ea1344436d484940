// Package simtemplate materializes a parameter sweep over a template task
// into a lazy, finite, restartable sequence of simulations.
package simtemplate

import (
	"fmt"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/sweep"
)

// TemplatedSimulations owns a base task and an ordered list of builders.
// Iterating it yields one simulation per sweep point: a deep clone of the
// base task with the point's bindings applied and their tags merged. Two
// full passes yield equal sequences.
//
// Pre-creation hooks are not executed here; the dispatcher runs them right
// before each simulation is handed to the platform.
type TemplatedSimulations struct {
	baseTask entity.TaskSpec
	builders []*sweep.Builder
}

// New creates a templated set over the given base task.
func New(baseTask entity.TaskSpec) *TemplatedSimulations {
	return &TemplatedSimulations{baseTask: baseTask}
}

// AddBuilder appends a builder. Builders emit their points one after the
// other, in add order.
func (t *TemplatedSimulations) AddBuilder(b *sweep.Builder) *TemplatedSimulations {
	t.builders = append(t.builders, b)
	return t
}

// BaseTask returns the template task.
func (t *TemplatedSimulations) BaseTask() entity.TaskSpec {
	return t.baseTask
}

// Count returns the total number of simulations the template will emit.
func (t *TemplatedSimulations) Count() int {
	n := 0
	for _, b := range t.builders {
		n += b.Count()
	}
	return n
}

// Validate checks every builder's arm shapes before any simulation is built.
func (t *TemplatedSimulations) Validate() error {
	if t.baseTask == nil {
		return fmt.Errorf("templated simulations have no base task")
	}
	for _, b := range t.builders {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// build materializes the simulation for one global point index.
func (t *TemplatedSimulations) build(index int) (*entity.Simulation, error) {
	i := index
	for _, b := range t.builders {
		if i >= b.Count() {
			i -= b.Count()
			continue
		}
		point, err := b.Point(i)
		if err != nil {
			return nil, err
		}

		sim := entity.NewSimulation(t.baseTask.DeepClone())
		for _, binding := range point {
			simTags, err := binding.Apply(sim, binding.Value)
			if err != nil {
				return nil, fmt.Errorf("sweep callback at point %d: %w", index, err)
			}
			// Last writer wins within one point, in builder add order.
			sim.MergeTags(simTags)
		}
		return sim, nil
	}
	return nil, fmt.Errorf("simulation index %d out of range", index)
}

// Iterator returns a fresh pass over the sequence. The arm shapes are
// validated up front so a malformed sweep fails before any simulation is
// built.
func (t *TemplatedSimulations) Iterator() (*Iterator, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &Iterator{template: t, count: t.Count()}, nil
}

// All materializes the full sequence. Convenient for small sweeps and tests.
func (t *TemplatedSimulations) All() ([]*entity.Simulation, error) {
	it, err := t.Iterator()
	if err != nil {
		return nil, err
	}
	sims := make([]*entity.Simulation, 0, t.Count())
	for it.Next() {
		sims = append(sims, it.Simulation())
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return sims, nil
}

// Iterator walks the simulation sequence in the scanner style: Next, then
// Simulation, then Err after the loop.
type Iterator struct {
	template *TemplatedSimulations
	count    int
	index    int
	current  *entity.Simulation
	err      error
}

// Next advances to the next simulation. It returns false at the end of the
// sequence or on the first error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.index >= it.count {
		return false
	}
	it.current, it.err = it.template.build(it.index)
	it.index++
	return it.err == nil
}

// Simulation returns the simulation produced by the last successful Next.
func (it *Iterator) Simulation() *entity.Simulation {
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}
