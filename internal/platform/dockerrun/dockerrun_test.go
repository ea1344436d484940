package dockerrun

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/task"
)

// newHostOnlyDriver covers the driver paths that never touch the daemon:
// host-side materialization and file fetch over the bind-mounted layout.
func newHostOnlyDriver(t *testing.T) *Driver {
	t.Helper()
	return &Driver{
		name:       "docker",
		image:      "model:latest",
		jobDir:     t.TempDir(),
		logger:     zap.NewNop(),
		dirs:       make(map[string]string),
		containers: make(map[string]string),
	}
}

func TestCreateMaterializesHostLayout(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()

	d := newHostOnlyDriver(t)
	exp := entity.NewExperiment("containers")
	_, err := d.Create(ctx, exp)
	chk.NoError(err)

	sim := entity.NewSimulation(task.NewCommandTask("run_model"))
	chk.NoError(exp.AddSimulation(sim))
	_, err = d.Create(ctx, sim)
	chk.NoError(err)

	chk.DirExists(filepath.Join(d.jobDir, exp.ID(), sim.ID()))
}

func TestFetchFilesMissingFileIsNotFound(t *testing.T) {
	chk := require.New(t)
	ctx := context.Background()

	d := newHostOnlyDriver(t)
	exp := entity.NewExperiment("containers")
	_, err := d.Create(ctx, exp)
	chk.NoError(err)
	sim := entity.NewSimulation(task.NewCommandTask("run_model"))
	chk.NoError(exp.AddSimulation(sim))
	_, err = d.Create(ctx, sim)
	chk.NoError(err)

	simDir := d.dirs[sim.ID()]
	chk.NoError(os.WriteFile(filepath.Join(simDir, "stdout.txt"), []byte("hello"), 0o644))

	files, err := d.FetchFiles(ctx, sim, []string{"stdout.txt"})
	chk.NoError(err)
	chk.Equal("hello", string(files["stdout.txt"]))

	// Missing files map onto the not-found sentinel so callers (and the CLI
	// exit codes) treat the docker driver like the local one.
	_, err = d.FetchFiles(ctx, sim, []string{"no-such.txt"})
	chk.ErrorIs(err, errs.ErrNotFound)

	_, err = d.FetchFiles(ctx, entity.NewSimulation(nil), []string{"stdout.txt"})
	chk.ErrorIs(err, errs.ErrNotFound)
}
