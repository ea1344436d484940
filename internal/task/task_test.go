package task_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/task"
)

func runHooks(t *testing.T, sim *entity.Simulation) {
	t.Helper()
	for _, hook := range sim.Task.PreCreationHooks() {
		require.NoError(t, hook(sim, nil))
	}
}

func TestCommandTaskDeepCloneIsolatesAssetsAndHooks(t *testing.T) {
	chk := require.New(t)

	orig := task.NewCommandTask("python model.py")
	chk.NoError(orig.TaskAssets().Add(assets.NewInlineAsset("model.py", "", []byte("print()"))))
	orig.AddHook(func(*entity.Simulation, entity.PlatformRef) error { return nil })

	clone := orig.DeepClone()
	chk.Equal("python model.py", clone.CommandLine())
	chk.Equal(1, clone.TaskAssets().Len())
	chk.Len(clone.PreCreationHooks(), 1)

	// Mutating the clone leaves the original untouched.
	chk.NoError(clone.TaskAssets().Add(assets.NewInlineAsset("extra.txt", "", []byte("x"))))
	chk.Equal(1, orig.TaskAssets().Len())
}

func TestJSONConfiguredTaskRendersConfig(t *testing.T) {
	chk := require.New(t)

	tk := task.NewJSONConfiguredTask("run_model")
	tk.SetParameter("beta", 0.25)
	tk.SetParameter("replicate", 3)

	sim := entity.NewSimulation(tk)
	runHooks(t, sim)

	a := sim.Assets.Get("", task.DefaultConfigFileName)
	chk.NotNil(a)
	data, err := a.Bytes()
	chk.NoError(err)
	chk.JSONEq(`{"beta": 0.25, "replicate": 3}`, string(data))
}

func TestRenderHooksAreRerunnable(t *testing.T) {
	chk := require.New(t)

	tk := task.NewScriptWrappedTask(task.NewJSONConfiguredTask("run_model"))
	sim := entity.NewSimulation(tk)

	// A rerun executes the pre-creation hooks again over the artifacts the
	// first submission left behind; rendering must replace, not collide.
	runHooks(t, sim)
	tk.Inner.(*task.JSONConfiguredTask).SetParameter("beta", 0.5)
	runHooks(t, sim)

	chk.Equal(2, sim.Assets.Len())
	data, err := sim.Assets.Get("", task.DefaultConfigFileName).Bytes()
	chk.NoError(err)
	chk.JSONEq(`{"beta": 0.5}`, string(data))
}

func TestJSONConfiguredTaskEnvelope(t *testing.T) {
	chk := require.New(t)

	tk := task.NewJSONConfiguredTask("run_model")
	tk.ConfigFileName = "settings.json"
	tk.EnvelopeKey = "parameters"
	tk.SetParameter("beta", 0.25)

	sim := entity.NewSimulation(tk)
	runHooks(t, sim)

	a := sim.Assets.Get("", "settings.json")
	chk.NotNil(a)
	data, err := a.Bytes()
	chk.NoError(err)
	chk.JSONEq(`{"parameters": {"beta": 0.25}}`, string(data))
}

func TestJSONConfiguredTaskCloneIsolatesParameters(t *testing.T) {
	chk := require.New(t)

	base := task.NewJSONConfiguredTask("run_model")
	base.SetParameter("beta", 0.1)

	clone := base.DeepClone().(*task.JSONConfiguredTask)
	clone.SetParameter("beta", 0.9)

	v, ok := base.Parameter("beta")
	chk.True(ok)
	chk.Equal(0.1, v)
	chk.Equal(map[string]interface{}{"beta": 0.9}, clone.Parameters())
}

func TestScriptWrappedTaskRendersScript(t *testing.T) {
	chk := require.New(t)

	inner := task.NewJSONConfiguredTask("python model.py --config config.json")
	inner.SetParameter("beta", 0.25)
	wrapped := task.NewScriptWrappedTask(inner)

	chk.Equal("/bin/sh run.sh", wrapped.CommandLine())

	sim := entity.NewSimulation(wrapped)
	runHooks(t, sim)

	// Inner hooks ran first, then the wrapper script was rendered.
	chk.NotNil(sim.Assets.Get("", task.DefaultConfigFileName))
	script := sim.Assets.Get("", "run.sh")
	chk.NotNil(script)
	data, err := script.Bytes()
	chk.NoError(err)
	chk.Contains(string(data), "python model.py --config config.json")
	chk.Contains(string(data), "set -e")
}

func TestScriptWrappedTaskCustomTemplate(t *testing.T) {
	chk := require.New(t)

	wrapped := task.NewScriptWrappedTask(task.NewCommandTask("run"))
	wrapped.ScriptName = "submit.sh"
	wrapped.Template = "#!/bin/sh\n# scenario={{.Tags.scenario}}\n{{.Command}}\n"

	sim := entity.NewSimulation(wrapped)
	sim.SetTag("scenario", "baseline")
	runHooks(t, sim)

	data, err := sim.Assets.Get("", "submit.sh").Bytes()
	chk.NoError(err)
	chk.Contains(string(data), "# scenario=baseline")
}

func TestTaskRegistryBuildsVariants(t *testing.T) {
	chk := require.New(t)

	built, err := task.Types.Build("command", map[string]interface{}{
		"command": "python model.py",
	}, nil)
	chk.NoError(err)
	chk.Equal("python model.py", built.CommandLine())

	built, err = task.Types.Build("json_configured", map[string]interface{}{
		"command":      "run_model",
		"envelope_key": "parameters",
		"parameters":   map[string]interface{}{"beta": 0.25},
	}, nil)
	chk.NoError(err)
	jt, ok := built.(*task.JSONConfiguredTask)
	chk.True(ok)
	chk.Equal("parameters", jt.EnvelopeKey)
	beta, ok := jt.Parameter("beta")
	chk.True(ok)
	chk.Equal(0.25, beta)

	built, err = task.Types.Build("script_wrapped", map[string]interface{}{
		"command":     "run_model",
		"script_name": "submit.sh",
	}, nil)
	chk.NoError(err)
	chk.Equal("/bin/sh submit.sh", built.CommandLine())

	_, err = task.Types.Build("command", map[string]interface{}{}, nil)
	chk.ErrorIs(err, errs.ErrValidation)

	var unknown *errs.UnknownPluginError
	_, err = task.Types.Build("notebook", nil, nil)
	chk.ErrorAs(err, &unknown)
	chk.Contains(unknown.Available, "command")
}
