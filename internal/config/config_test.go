package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "idmtools.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	chk := require.New(t)

	cfg := config.Defaults()
	chk.Positive(cfg.Common.MaxWorkers)
	chk.LessOrEqual(cfg.Common.MaxWorkers, 32)
	chk.Equal(16, cfg.Common.BatchSize)
	chk.Positive(cfg.Common.MaxThreads)
	chk.Equal("info", cfg.Common.LoggingLevel)
	chk.Equal(5*time.Second, cfg.Common.PollInterval)
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	chk := require.New(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	chk.NoError(err)
	chk.Equal(config.Defaults().Common, cfg.Common)
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	chk := require.New(t)

	path := writeConfig(t, `
COMMON:
  batch_size: 8
  logging_level: debug
  poll_interval: 2s

local:
  type: local
  job_directory: /var/jobs
  max_parallel: 4
`)
	cfg, err := config.Load(path)
	chk.NoError(err)

	chk.Equal(8, cfg.Common.BatchSize)
	chk.Equal("debug", cfg.Common.LoggingLevel)
	chk.Equal(2*time.Second, cfg.Common.PollInterval)
	// Unset options keep their defaults.
	chk.Equal(config.Defaults().Common.MaxWorkers, cfg.Common.MaxWorkers)

	section, err := cfg.Platform("local")
	chk.NoError(err)
	chk.Equal("local", config.StringOption(section, "type", ""))
	chk.Equal("/var/jobs", config.StringOption(section, "job_directory", ""))
	chk.Equal(4, config.IntOption(section, "max_parallel", 1))
	chk.Equal(7, config.IntOption(section, "missing", 7))
}

func TestLoadRejectsPlatformWithoutType(t *testing.T) {
	chk := require.New(t)

	path := writeConfig(t, "cluster:\n  job_directory: /jobs\n")
	_, err := config.Load(path)
	chk.ErrorIs(err, errs.ErrValidation)
}

func TestUnknownPlatformSection(t *testing.T) {
	chk := require.New(t)

	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	chk.NoError(err)
	_, err = cfg.Platform("nope")
	chk.ErrorIs(err, errs.ErrValidation)
}

func TestEnvOverrides(t *testing.T) {
	chk := require.New(t)

	t.Setenv("IDMTOOLS_COMMON_BATCH_SIZE", "3")
	t.Setenv("IDMTOOLS_LOCAL_MAX_PARALLEL", "9")

	path := writeConfig(t, `
COMMON:
  batch_size: 8

local:
  type: local
  max_parallel: 4
`)
	cfg, err := config.Load(path)
	chk.NoError(err)

	chk.Equal(3, cfg.Common.BatchSize)
	section, err := cfg.Platform("local")
	chk.NoError(err)
	chk.Equal(9, config.IntOption(section, "max_parallel", 1))
}
