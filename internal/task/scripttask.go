package task

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// DefaultScriptTemplate wraps the real command in a minimal shell script.
const DefaultScriptTemplate = `#!/bin/sh
set -e
{{.Command}}
`

// ScriptWrappedTask wraps another task so that the command actually executed
// is a generated shell script. The script template is rendered at
// pre-creation, once the simulation's tags and parameters are final.
type ScriptWrappedTask struct {
	Inner entity.TaskSpec

	// ScriptName is the generated script's filename, default run.sh.
	ScriptName string
	// Template is a text/template over {Command, Tags}.
	Template string
	// Interpreter runs the script, default /bin/sh.
	Interpreter string
}

// NewScriptWrappedTask wraps inner with the default template.
func NewScriptWrappedTask(inner entity.TaskSpec) *ScriptWrappedTask {
	return &ScriptWrappedTask{
		Inner:       inner,
		ScriptName:  "run.sh",
		Template:    DefaultScriptTemplate,
		Interpreter: "/bin/sh",
	}
}

// CommandLine returns the wrapped invocation.
func (t *ScriptWrappedTask) CommandLine() string {
	return fmt.Sprintf("%s %s", t.Interpreter, t.ScriptName)
}

// TaskAssets returns the inner task's asset collection.
func (t *ScriptWrappedTask) TaskAssets() *assets.Collection {
	return t.Inner.TaskAssets()
}

// PreCreationHooks runs the inner task's hooks first, then renders the
// wrapper script.
func (t *ScriptWrappedTask) PreCreationHooks() []entity.Hook {
	return append(append([]entity.Hook{}, t.Inner.PreCreationHooks()...), t.renderScript)
}

type scriptContext struct {
	Command string
	Tags    tags.Tags
}

func (t *ScriptWrappedTask) renderScript(sim *entity.Simulation, _ entity.PlatformRef) error {
	tmpl, err := template.New(t.ScriptName).Parse(t.Template)
	if err != nil {
		return fmt.Errorf("invalid script template for %s: %w", t.ScriptName, err)
	}
	var buf bytes.Buffer
	ctx := scriptContext{Command: t.Inner.CommandLine(), Tags: sim.Tags()}
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return fmt.Errorf("failed to render %s: %w", t.ScriptName, err)
	}
	// Put keeps the hook re-runnable: a rerun re-renders over the script
	// left behind by the first submission.
	return sim.Assets.Put(assets.NewInlineAsset(t.ScriptName, "", buf.Bytes()))
}

// DeepClone clones the wrapper and the inner task.
func (t *ScriptWrappedTask) DeepClone() entity.TaskSpec {
	return &ScriptWrappedTask{
		Inner:       t.Inner.DeepClone(),
		ScriptName:  t.ScriptName,
		Template:    t.Template,
		Interpreter: t.Interpreter,
	}
}
