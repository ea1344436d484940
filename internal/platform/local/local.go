// Package local implements the local-materialization platform driver:
// entities become directories beneath a job directory, simulations run as
// subprocesses, and execution state is tracked through atomically written
// status files.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/idgen"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/logging"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
)

// assetsDirName is the shared asset directory inside an experiment folder,
// linked into every simulation folder.
const assetsDirName = "Assets"

// statusMap translates status-file states onto the canonical machine.
var statusMap = platform.StatusMap{
	nativeCreated:   entity.StatusCreated,
	nativeQueued:    entity.StatusRunning,
	nativeRunning:   entity.StatusRunning,
	nativeSucceeded: entity.StatusSucceeded,
	nativeFailed:    entity.StatusFailed,
	nativeCancelled: entity.StatusFailed,
	nativeTimeout:   entity.StatusFailed,
}

func init() {
	platform.Drivers.Register("local", func(cfg map[string]interface{}, logger *zap.Logger) (platform.Platform, error) {
		jobDir := config.StringOption(cfg, "job_directory", "")
		if jobDir == "" {
			return nil, fmt.Errorf("%w: local platform needs job_directory", errs.ErrValidation)
		}
		name := config.StringOption(cfg, "name", "local")
		maxParallel := config.IntOption(cfg, "max_parallel", 4)
		d := NewDriver(name, jobDir, maxParallel, logger)
		if genName := config.StringOption(cfg, "id_generator", ""); genName != "" {
			gen, err := idgen.Generators.Build(genName, cfg, logger)
			if err != nil {
				return nil, err
			}
			d.UseIDGenerator(gen)
		}
		return d, nil
	})
}

type runningProc struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Driver is the local platform. It owns the mapping from entity ids to
// directories and the processes it has spawned; entity graph mutation stays
// with the coordinator.
type Driver struct {
	name        string
	jobDir      string
	maxParallel int
	logger      *zap.Logger
	ids         idgen.Generator

	mu    sync.Mutex
	dirs  map[string]string // entity id -> directory
	procs map[string]*runningProc

	sem chan struct{}
}

// NewDriver creates a local driver rooted at jobDir, running at most
// maxParallel simulations at once.
func NewDriver(name, jobDir string, maxParallel int, logger *zap.Logger) *Driver {
	if maxParallel < 1 {
		maxParallel = 1
	}
	return &Driver{
		name:        name,
		jobDir:      jobDir,
		maxParallel: maxParallel,
		logger:      logger,
		ids:         idgen.NewUUIDGenerator(),
		dirs:        make(map[string]string),
		procs:       make(map[string]*runningProc),
		sem:         make(chan struct{}, maxParallel),
	}
}

// UseIDGenerator swaps the generator assigning ids to entities created
// without one. Call before the first Create.
func (d *Driver) UseIDGenerator(g idgen.Generator) {
	d.ids = g
}

// Name returns the configured platform name.
func (d *Driver) Name() string {
	return d.name
}

func (d *Driver) ensureID(item platform.Item) string {
	if item.ID() == "" {
		item.SetID(d.ids.NewID())
	}
	return item.ID()
}

func (d *Driver) rememberDir(id, dir string) {
	d.mu.Lock()
	d.dirs[id] = dir
	d.mu.Unlock()
}

func (d *Driver) dirOf(id string) (string, error) {
	d.mu.Lock()
	dir, ok := d.dirs[id]
	d.mu.Unlock()
	if ok {
		return dir, nil
	}
	// Fresh process: the mapping is rebuilt by locating the entity directory
	// beneath the job directory.
	if dir := d.locate(id); dir != "" {
		d.rememberDir(id, dir)
		return dir, nil
	}
	return "", fmt.Errorf("%w: %s on platform %s", errs.ErrNotFound, id, d.name)
}

// locate scans the job directory for a directory named id. The layout is at
// most suite/experiment/simulation deep, so the walk is bounded.
func (d *Driver) locate(id string) string {
	var found string
	_ = filepath.WalkDir(d.jobDir, func(p string, entry os.DirEntry, err error) error {
		if err != nil || !entry.IsDir() {
			return nil
		}
		if entry.Name() == assetsDirName {
			return filepath.SkipDir
		}
		if entry.Name() == id {
			found = p
			return filepath.SkipAll
		}
		rel, rerr := filepath.Rel(d.jobDir, p)
		if rerr == nil && strings.Count(rel, string(filepath.Separator)) >= 3 {
			return filepath.SkipDir
		}
		return nil
	})
	return found
}

// Create materializes the entity beneath the job directory and returns its
// native id (the local driver reuses the entity id).
func (d *Driver) Create(ctx context.Context, item platform.Item) (string, error) {
	switch v := item.(type) {
	case *entity.Suite:
		return d.createSuite(v)
	case *entity.Experiment:
		return d.createExperiment(v)
	case *entity.Simulation:
		return d.createSimulation(v)
	case *entity.WorkItem:
		return d.createWorkItem(v)
	default:
		return "", fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}
}

func (d *Driver) createSuite(s *entity.Suite) (string, error) {
	id := d.ensureID(s)
	dir := filepath.Join(d.jobDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create suite directory: %w", err)
	}
	d.rememberDir(id, dir)
	return id, d.writeMetadata(dir, s)
}

func (d *Driver) createExperiment(e *entity.Experiment) (string, error) {
	id := d.ensureID(e)
	e.ReparentSimulations()

	base := d.jobDir
	if e.SuiteID() != "" {
		if suiteDir, err := d.dirOf(e.SuiteID()); err == nil {
			base = suiteDir
		}
	}
	dir := filepath.Join(base, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create experiment directory: %w", err)
	}
	d.rememberDir(id, dir)

	// Shared collection is written once per experiment; simulations link it.
	sharedDir := filepath.Join(dir, assetsDirName)
	if err := os.MkdirAll(sharedDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create shared asset directory: %w", err)
	}
	if err := e.Assets.WriteTo(sharedDir); err != nil {
		return "", fmt.Errorf("failed to write experiment assets: %w", err)
	}

	return id, d.writeMetadata(dir, e)
}

func (d *Driver) createSimulation(s *entity.Simulation) (string, error) {
	if s.ParentID() == "" {
		return "", fmt.Errorf("%w: simulation has no parent experiment", errs.ErrValidation)
	}
	expDir, err := d.dirOf(s.ParentID())
	if err != nil {
		return "", err
	}

	id := d.ensureID(s)
	dir := filepath.Join(expDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create simulation directory: %w", err)
	}
	d.rememberDir(id, dir)

	if err := s.Assets.WriteTo(dir); err != nil {
		return "", fmt.Errorf("failed to write simulation assets: %w", err)
	}
	if s.Task != nil {
		if err := s.Task.TaskAssets().WriteTo(dir); err != nil {
			return "", fmt.Errorf("failed to write task assets: %w", err)
		}
	}
	d.linkSharedAssets(expDir, dir)

	if err := d.writeMetadata(dir, s); err != nil {
		return "", err
	}
	return id, writeStatusFile(dir, StatusFile{Status: nativeCreated, JobID: id})
}

func (d *Driver) createWorkItem(w *entity.WorkItem) (string, error) {
	id := d.ensureID(w)
	dir := filepath.Join(d.jobDir, "workitems", id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work item directory: %w", err)
	}
	d.rememberDir(id, dir)

	if err := w.Assets.WriteTo(dir); err != nil {
		return "", err
	}
	if w.Task != nil {
		if err := w.Task.TaskAssets().WriteTo(dir); err != nil {
			return "", err
		}
	}
	if err := d.writeMetadata(dir, w); err != nil {
		return "", err
	}
	return id, writeStatusFile(dir, StatusFile{Status: nativeCreated, JobID: id})
}

// linkSharedAssets exposes the experiment's shared collection inside the
// simulation directory, preferring a symlink and copying when the filesystem
// refuses one.
func (d *Driver) linkSharedAssets(expDir, simDir string) {
	src := filepath.Join(expDir, assetsDirName)
	dst := filepath.Join(simDir, assetsDirName)
	if _, err := os.Lstat(dst); err == nil {
		return
	}
	if err := os.Symlink(src, dst); err != nil {
		d.logger.Warn("Symlink failed, copying shared assets", zap.Error(err))
		_ = copyTree(src, dst)
	}
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

func (d *Driver) writeMetadata(dir string, e interface{}) error {
	m, err := entity.MetadataOf(e)
	if err != nil {
		return err
	}
	return entity.WriteMetadata(dir, m)
}

// Run submits an already-created entity. Experiments get a batch.sh and
// every CREATED simulation launched; simulations and work items launch
// directly. Run returns immediately; completion is observed through status
// files.
func (d *Driver) Run(ctx context.Context, item platform.Item) error {
	switch v := item.(type) {
	case *entity.Experiment:
		expDir, err := d.dirOf(v.ID())
		if err != nil {
			return fmt.Errorf("%w: experiment not created", errs.ErrNotReady)
		}
		if err := d.writeBatchScript(expDir, v); err != nil {
			return err
		}
		for _, sim := range v.Simulations() {
			if sim.Status() != entity.StatusCreated {
				continue
			}
			if err := d.startSimulation(sim); err != nil {
				return err
			}
		}
		return nil
	case *entity.Simulation:
		return d.startSimulation(v)
	case *entity.WorkItem:
		dir, err := d.dirOf(v.ID())
		if err != nil {
			return fmt.Errorf("%w: work item not created", errs.ErrNotReady)
		}
		d.launch(v.ID(), dir, v.Task.CommandLine())
		return nil
	default:
		return fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}
}

// writeBatchScript renders the experiment's batch.sh: running it submits
// every simulation from a shell, mirroring what Run does in-process.
func (d *Driver) writeBatchScript(expDir string, e *entity.Experiment) error {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n# Runs every simulation of experiment ")
	b.WriteString(e.ID())
	b.WriteString("\nset -e\n")
	for _, sim := range e.Simulations() {
		if sim.Task == nil {
			continue
		}
		fmt.Fprintf(&b, "(cd %q && %s)\n", sim.ID(), sim.Task.CommandLine())
	}
	return os.WriteFile(filepath.Join(expDir, "batch.sh"), []byte(b.String()), 0755)
}

func (d *Driver) startSimulation(sim *entity.Simulation) error {
	dir, err := d.dirOf(sim.ID())
	if err != nil {
		return fmt.Errorf("%w: simulation %s not created", errs.ErrNotReady, sim.ID())
	}
	if sim.Task == nil {
		return fmt.Errorf("%w: simulation %s has no task", errs.ErrValidation, sim.ID())
	}
	d.launch(sim.ID(), dir, sim.Task.CommandLine())
	return nil
}

// launch queues one process. Parallelism is bounded by the driver's
// semaphore; queued items report the queued native state until a slot frees.
func (d *Driver) launch(id, dir, command string) {
	itemLog := logging.ForItem(d.logger, string(entity.KindSimulation), id)
	procCtx, cancel := context.WithCancel(context.Background())
	proc := &runningProc{cancel: cancel, done: make(chan struct{})}

	d.mu.Lock()
	d.procs[id] = proc
	d.mu.Unlock()

	_ = writeStatusFile(dir, StatusFile{Status: nativeQueued, JobID: id})

	go func() {
		defer close(proc.done)
		defer cancel()

		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-procCtx.Done():
			d.finish(id, dir, nativeCancelled, nil)
			return
		}

		start := time.Now().UTC()
		cmd := exec.CommandContext(procCtx, "/bin/sh", "-c", command)
		cmd.Dir = dir
		stdout, _ := os.Create(filepath.Join(dir, "stdout.txt"))
		stderr, _ := os.Create(filepath.Join(dir, "stderr.txt"))
		if stdout != nil {
			defer stdout.Close()
			cmd.Stdout = stdout
		}
		if stderr != nil {
			defer stderr.Close()
			cmd.Stderr = stderr
		}

		err := cmd.Start()
		if err != nil {
			itemLog.Error("Failed to start simulation process", zap.Error(err))
			d.finish(id, dir, nativeFailed, nil)
			return
		}
		itemLog.Debug("Simulation process started", zap.Int("pid", cmd.Process.Pid))
		_ = writeStatusFile(dir, StatusFile{
			Status: nativeRunning, JobID: id, PID: cmd.Process.Pid, StartedAt: &start,
		})

		err = cmd.Wait()
		exitCode := cmd.ProcessState.ExitCode()
		state := nativeSucceeded
		switch {
		case procCtx.Err() != nil:
			state = nativeCancelled
		case err != nil || exitCode != 0:
			state = nativeFailed
		}
		d.finish(id, dir, state, &exitCode)
	}()
}

func (d *Driver) finish(id, dir, state string, exitCode *int) {
	end := time.Now().UTC()
	_ = writeStatusFile(dir, StatusFile{
		Status: state, JobID: id, EndedAt: &end, ExitCode: exitCode,
	})
	d.mu.Lock()
	delete(d.procs, id)
	d.mu.Unlock()
}

// RefreshStatus reads the entity's status file, or derives the rollup for
// parents from their children's files.
func (d *Driver) RefreshStatus(ctx context.Context, item platform.Item) (entity.Status, error) {
	switch v := item.(type) {
	case *entity.Simulation, *entity.WorkItem:
		dir, err := d.dirOf(item.ID())
		if err != nil {
			return entity.StatusNone, err
		}
		sf, err := readStatusFile(dir)
		if err != nil {
			return entity.StatusNone, fmt.Errorf("%w: no status for %s", errs.ErrNotFound, item.ID())
		}
		return statusMap.Translate(sf.Status), nil
	case *entity.Experiment:
		statuses := make([]entity.Status, 0, len(v.Simulations()))
		for _, sim := range v.Simulations() {
			s, err := d.RefreshStatus(ctx, sim)
			if err != nil {
				return entity.StatusNone, err
			}
			statuses = append(statuses, s)
		}
		return entity.Rollup(statuses), nil
	case *entity.Suite:
		statuses := make([]entity.Status, 0, len(v.Experiments()))
		for _, e := range v.Experiments() {
			s, err := d.RefreshStatus(ctx, e)
			if err != nil {
				return entity.StatusNone, err
			}
			statuses = append(statuses, s)
		}
		return entity.Rollup(statuses), nil
	default:
		return entity.StatusNone, fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}
}

// FetchFiles reads the requested relative paths from the entity directory.
func (d *Driver) FetchFiles(ctx context.Context, item platform.Item, paths []string) (map[string][]byte, error) {
	dir, err := d.dirOf(item.ID())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(p)))
		if err != nil {
			return nil, fmt.Errorf("%w: %s of %s", errs.ErrNotFound, p, item.ID())
		}
		out[p] = data
	}
	return out, nil
}

// Cancel terminates the entity's process if one is running and records a
// terminal state. Cancelling a terminal or already-cancelled entity is a
// no-op.
func (d *Driver) Cancel(ctx context.Context, item platform.Item) error {
	switch v := item.(type) {
	case *entity.Experiment:
		for _, sim := range v.Simulations() {
			if err := d.Cancel(ctx, sim); err != nil {
				return err
			}
		}
		return nil
	case *entity.Suite:
		for _, e := range v.Experiments() {
			if err := d.Cancel(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}

	dir, err := d.dirOf(item.ID())
	if err != nil {
		return err
	}

	d.mu.Lock()
	proc := d.procs[item.ID()]
	d.mu.Unlock()
	if proc != nil {
		proc.cancel()
		<-proc.done
		return nil
	}

	sf, err := readStatusFile(dir)
	if err != nil {
		return nil
	}
	if statusMap.Translate(sf.Status).Terminal() {
		return nil
	}
	return writeStatusFile(dir, StatusFile{Status: nativeCancelled, JobID: item.ID()})
}

// GetParent resolves an entity's parent from its metadata sidecar.
func (d *Driver) GetParent(ctx context.Context, item platform.Item) (platform.Item, error) {
	var parentID string
	switch v := item.(type) {
	case *entity.Simulation:
		parentID = v.ParentID()
	case *entity.Experiment:
		parentID = v.SuiteID()
	default:
		return nil, nil
	}
	if parentID == "" {
		return nil, nil
	}
	dir, err := d.dirOf(parentID)
	if err != nil {
		return nil, err
	}
	return d.loadItem(dir)
}

// GetChildren scans the entity directory for child metadata sidecars.
func (d *Driver) GetChildren(ctx context.Context, item platform.Item) ([]platform.Item, error) {
	switch v := item.(type) {
	case *entity.Experiment:
		if sims := v.Simulations(); len(sims) > 0 {
			out := make([]platform.Item, len(sims))
			for i, s := range sims {
				out[i] = s
			}
			return out, nil
		}
	case *entity.Suite:
		if exps := v.Experiments(); len(exps) > 0 {
			out := make([]platform.Item, len(exps))
			for i, e := range exps {
				out[i] = e
			}
			return out, nil
		}
	default:
		return nil, nil
	}

	// In-memory graph is empty (fresh process); reconstruct from disk.
	dir, err := d.dirOf(item.ID())
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && e.Name() != assetsDirName {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var out []platform.Item
	for _, name := range names {
		child, err := d.loadItem(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, child)
	}
	return out, nil
}

// loadItem reconstructs an entity shell from its metadata sidecar. The
// driver also refreshes its live status from the status file when one
// exists.
func (d *Driver) loadItem(dir string) (platform.Item, error) {
	m, err := entity.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	d.rememberDir(m.ID, dir)

	if sf, err := readStatusFile(dir); err == nil {
		m.Status = statusMap.Translate(sf.Status)
	}

	switch m.Kind {
	case entity.KindSuite:
		s := entity.NewSuite(m.Name)
		entity.RestoreCore(coreOf(s), m)
		return s, nil
	case entity.KindExperiment:
		e := entity.NewExperiment(m.Name)
		entity.RestoreCore(coreOf(e), m)
		return e, nil
	case entity.KindSimulation:
		s := entity.NewSimulation(nil)
		entity.RestoreCore(coreOf(s), m)
		s.AdoptParent(m.ParentID)
		return s, nil
	case entity.KindWorkItem:
		w := entity.NewWorkItem(m.Name, nil)
		entity.RestoreCore(coreOf(w), m)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown entity kind %q in %s", m.Kind, dir)
	}
}

func coreOf(item interface{}) *entity.Core {
	switch v := item.(type) {
	case *entity.Suite:
		return &v.Core
	case *entity.Experiment:
		return &v.Core
	case *entity.Simulation:
		return &v.Core
	case *entity.WorkItem:
		return &v.Core
	}
	return nil
}
