// Package task implements the task variants a simulation can run: a plain
// command, a JSON-configured command, and a script-wrapped command. Each
// variant carries an asset collection and an ordered list of pre-creation
// hooks that the dispatcher executes right before the simulation is handed
// to the platform.
package task

import (
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
)

// CommandTask is the plain variant: a command line plus assets plus hooks.
type CommandTask struct {
	Command string

	assetCollection *assets.Collection
	hooks           []entity.Hook
}

// NewCommandTask creates a task that runs the given command line.
func NewCommandTask(command string) *CommandTask {
	return &CommandTask{
		Command:         command,
		assetCollection: assets.NewCollection(),
	}
}

// CommandLine returns the command to execute.
func (t *CommandTask) CommandLine() string {
	return t.Command
}

// TaskAssets returns the task's asset collection.
func (t *CommandTask) TaskAssets() *assets.Collection {
	return t.assetCollection
}

// AddHook appends a pre-creation hook. Hooks run in registration order; the
// list is append-only.
func (t *CommandTask) AddHook(h entity.Hook) {
	t.hooks = append(t.hooks, h)
}

// PreCreationHooks returns the registered hooks in order.
func (t *CommandTask) PreCreationHooks() []entity.Hook {
	return t.hooks
}

// DeepClone returns an independent copy sharing the same immutable asset
// references.
func (t *CommandTask) DeepClone() entity.TaskSpec {
	clone := &CommandTask{
		Command:         t.Command,
		assetCollection: t.assetCollection.Clone(),
	}
	clone.hooks = append(clone.hooks, t.hooks...)
	return clone
}

func (t *CommandTask) cloneInto() CommandTask {
	c := CommandTask{
		Command:         t.Command,
		assetCollection: t.assetCollection.Clone(),
	}
	c.hooks = append(c.hooks, t.hooks...)
	return c
}
