package task

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/plugins"
)

// Types is the registry through which task variants are built by name, for
// callers that assemble tasks from configuration rather than code.
var Types = plugins.NewRegistry[entity.TaskSpec]("task")

func init() {
	Types.Register("command", func(cfg map[string]interface{}, _ *zap.Logger) (entity.TaskSpec, error) {
		command := config.StringOption(cfg, "command", "")
		if command == "" {
			return nil, fmt.Errorf("%w: command task needs command", errs.ErrValidation)
		}
		return NewCommandTask(command), nil
	})

	Types.Register("json_configured", func(cfg map[string]interface{}, _ *zap.Logger) (entity.TaskSpec, error) {
		command := config.StringOption(cfg, "command", "")
		if command == "" {
			return nil, fmt.Errorf("%w: json_configured task needs command", errs.ErrValidation)
		}
		t := NewJSONConfiguredTask(command)
		if name := config.StringOption(cfg, "config_file_name", ""); name != "" {
			t.ConfigFileName = name
		}
		t.EnvelopeKey = config.StringOption(cfg, "envelope_key", "")
		if params, ok := cfg["parameters"].(map[string]interface{}); ok {
			for k, v := range params {
				t.SetParameter(k, v)
			}
		}
		return t, nil
	})

	Types.Register("script_wrapped", func(cfg map[string]interface{}, logger *zap.Logger) (entity.TaskSpec, error) {
		innerName := config.StringOption(cfg, "inner", "command")
		inner, err := Types.Build(innerName, cfg, logger)
		if err != nil {
			return nil, err
		}
		t := NewScriptWrappedTask(inner)
		if name := config.StringOption(cfg, "script_name", ""); name != "" {
			t.ScriptName = name
		}
		if interp := config.StringOption(cfg, "interpreter", ""); interp != "" {
			t.Interpreter = interp
		}
		return t, nil
	})
}
