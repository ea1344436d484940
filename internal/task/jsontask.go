package task

import (
	"encoding/json"
	"fmt"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
)

// DefaultConfigFileName is the config file a JSON-configured task renders
// when no other name is set.
const DefaultConfigFileName = "config.json"

// JSONConfiguredTask is a command task that owns a typed parameter map. At
// pre-creation the map is serialized to a named config file and added to the
// simulation's own asset collection, so every simulation derived from the
// same template carries its sweep point on disk.
type JSONConfiguredTask struct {
	CommandTask

	// ConfigFileName is the rendered file's name, default config.json.
	ConfigFileName string
	// EnvelopeKey, when non-empty, nests the parameter map under this key
	// inside the rendered document.
	EnvelopeKey string

	params map[string]interface{}
}

// NewJSONConfiguredTask creates a JSON-configured task for the given command.
func NewJSONConfiguredTask(command string) *JSONConfiguredTask {
	return &JSONConfiguredTask{
		CommandTask:    *NewCommandTask(command),
		ConfigFileName: DefaultConfigFileName,
		params:         make(map[string]interface{}),
	}
}

// SetParameter sets one configuration parameter. Sweep callbacks call this
// per simulation after the template clones the base task.
func (t *JSONConfiguredTask) SetParameter(key string, value interface{}) {
	t.params[key] = value
}

// Parameter returns one configuration parameter.
func (t *JSONConfiguredTask) Parameter(key string) (interface{}, bool) {
	v, ok := t.params[key]
	return v, ok
}

// Parameters returns a copy of the parameter map.
func (t *JSONConfiguredTask) Parameters() map[string]interface{} {
	out := make(map[string]interface{}, len(t.params))
	for k, v := range t.params {
		out[k] = v
	}
	return out
}

// PreCreationHooks returns the config-render hook followed by user hooks.
func (t *JSONConfiguredTask) PreCreationHooks() []entity.Hook {
	return append([]entity.Hook{t.renderConfig}, t.hooks...)
}

// renderConfig serializes the parameter map into the simulation's own asset
// collection. encoding/json sorts map keys, so two simulations with equal
// parameter vectors render byte-identical config files. Put replaces any
// config rendered by an earlier submission, keeping the hook re-runnable
// after a rerun reset.
func (t *JSONConfiguredTask) renderConfig(sim *entity.Simulation, _ entity.PlatformRef) error {
	doc := interface{}(t.params)
	if t.EnvelopeKey != "" {
		doc = map[string]interface{}{t.EnvelopeKey: t.params}
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", t.ConfigFileName, err)
	}
	return sim.Assets.Put(assets.NewInlineAsset(t.ConfigFileName, "", data))
}

// DeepClone returns an independent copy with its own parameter map.
func (t *JSONConfiguredTask) DeepClone() entity.TaskSpec {
	clone := &JSONConfiguredTask{
		CommandTask:    t.cloneInto(),
		ConfigFileName: t.ConfigFileName,
		EnvelopeKey:    t.EnvelopeKey,
		params:         make(map[string]interface{}, len(t.params)),
	}
	for k, v := range t.params {
		clone.params[k] = v
	}
	return clone
}
