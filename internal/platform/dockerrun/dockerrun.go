// Package dockerrun implements a platform driver that executes each
// simulation inside a Docker container, with the materialized job directory
// bind-mounted as the container workspace.
package dockerrun

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
)

// statusMap translates Docker container states onto the canonical machine.
// "created" on the Docker side means the container exists but has not
// started, which is already past local creation, so it maps to RUNNING.
var statusMap = platform.StatusMap{
	"created":    entity.StatusRunning,
	"restarting": entity.StatusRunning,
	"running":    entity.StatusRunning,
	"paused":     entity.StatusRunning,
	"removing":   entity.StatusRunning,
	"dead":       entity.StatusFailed,
}

func init() {
	platform.Drivers.Register("docker", func(cfg map[string]interface{}, logger *zap.Logger) (platform.Platform, error) {
		jobDir := config.StringOption(cfg, "job_directory", "")
		if jobDir == "" {
			return nil, fmt.Errorf("%w: docker platform needs job_directory", errs.ErrValidation)
		}
		image := config.StringOption(cfg, "image", "")
		if image == "" {
			return nil, fmt.Errorf("%w: docker platform needs image", errs.ErrValidation)
		}

		cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize docker client: %w", errs.Fatal(err))
		}
		return &Driver{
			name:       config.StringOption(cfg, "name", "docker"),
			image:      image,
			jobDir:     jobDir,
			memoryMB:   int64(config.IntOption(cfg, "memory_mb", 0)),
			nanoCPUs:   int64(config.IntOption(cfg, "cpu_cores", 0)) * 1e9,
			cli:        cli,
			logger:     logger,
			dirs:       make(map[string]string),
			containers: make(map[string]string),
		}, nil
	})
}

// Driver runs simulations as containers of a configured image. Entity
// directories on the host follow the same layout as the local driver; the
// per-simulation directory is mounted at /workspace.
type Driver struct {
	name     string
	image    string
	jobDir   string
	memoryMB int64
	nanoCPUs int64
	cli      client.APIClient
	logger   *zap.Logger

	mu         sync.Mutex
	dirs       map[string]string // entity id -> host directory
	containers map[string]string // entity id -> container id
}

// Name returns the configured platform name.
func (d *Driver) Name() string {
	return d.name
}

func (d *Driver) ensureID(item platform.Item) string {
	if item.ID() == "" {
		item.SetID(uuid.New().String())
	}
	return item.ID()
}

// Create materializes the entity directory on the host. Containers are only
// created at Run, so a failed create leaves nothing behind on the daemon.
func (d *Driver) Create(ctx context.Context, item platform.Item) (string, error) {
	id := d.ensureID(item)

	var dir string
	switch v := item.(type) {
	case *entity.Suite:
		dir = filepath.Join(d.jobDir, id)
	case *entity.Experiment:
		v.ReparentSimulations()
		dir = filepath.Join(d.jobDir, id)
	case *entity.Simulation:
		parent, err := d.dirOf(v.ParentID())
		if err != nil {
			return "", err
		}
		dir = filepath.Join(parent, id)
	case *entity.WorkItem:
		dir = filepath.Join(d.jobDir, "workitems", id)
	default:
		return "", fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", id, err)
	}
	d.mu.Lock()
	d.dirs[id] = dir
	d.mu.Unlock()

	switch v := item.(type) {
	case *entity.Experiment:
		if err := v.Assets.WriteTo(filepath.Join(dir, "Assets")); err != nil {
			return "", err
		}
	case *entity.Simulation:
		if err := v.Assets.WriteTo(dir); err != nil {
			return "", err
		}
		if v.Task != nil {
			if err := v.Task.TaskAssets().WriteTo(dir); err != nil {
				return "", err
			}
		}
	case *entity.WorkItem:
		if err := v.Assets.WriteTo(dir); err != nil {
			return "", err
		}
	}

	if m, err := entity.MetadataOf(item); err == nil {
		if err := entity.WriteMetadata(dir, m); err != nil {
			return "", err
		}
	}
	return id, nil
}

func (d *Driver) dirOf(id string) (string, error) {
	d.mu.Lock()
	dir, ok := d.dirs[id]
	d.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s on platform %s", errs.ErrNotFound, id, d.name)
	}
	return dir, nil
}

// Run pulls the image once and starts one container per CREATED simulation.
func (d *Driver) Run(ctx context.Context, item platform.Item) error {
	if exp, ok := item.(*entity.Experiment); ok {
		for _, sim := range exp.Simulations() {
			if sim.Status() != entity.StatusCreated {
				continue
			}
			if err := d.Run(ctx, sim); err != nil {
				return err
			}
		}
		return nil
	}

	var task entity.TaskSpec
	switch v := item.(type) {
	case *entity.Simulation:
		task = v.Task
	case *entity.WorkItem:
		task = v.Task
	default:
		return fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}
	if task == nil {
		return fmt.Errorf("%w: %s has no task", errs.ErrValidation, item.ID())
	}

	dir, err := d.dirOf(item.ID())
	if err != nil {
		return fmt.Errorf("%w: %s not created", errs.ErrNotReady, item.ID())
	}

	if err := d.pullImage(ctx); err != nil {
		return err
	}

	containerConfig := &container.Config{
		Image:      d.image,
		Cmd:        []string{"/bin/sh", "-c", task.CommandLine()},
		WorkingDir: "/workspace",
	}
	hostConfig := &container.HostConfig{
		Binds: []string{fmt.Sprintf("%s:/workspace", dir)},
		Resources: container.Resources{
			Memory:   d.memoryMB * 1024 * 1024,
			NanoCPUs: d.nanoCPUs,
		},
		NetworkMode: "bridge",
	}

	resp, err := d.cli.ContainerCreate(ctx, containerConfig, hostConfig, &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return errs.Transient(fmt.Errorf("failed to create container for %s: %w", item.ID(), err))
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return errs.Transient(fmt.Errorf("failed to start container for %s: %w", item.ID(), err))
	}

	d.mu.Lock()
	d.containers[item.ID()] = resp.ID
	d.mu.Unlock()

	item.SetNativeID(resp.ID)
	d.logger.Info("Started container",
		zap.String("item_id", item.ID()),
		zap.String("container_id", resp.ID))
	return nil
}

func (d *Driver) pullImage(ctx context.Context) error {
	reader, err := d.cli.ImagePull(ctx, d.image, types.ImagePullOptions{})
	if err != nil {
		return errs.Transient(fmt.Errorf("failed to pull image %s: %w", d.image, err))
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// RefreshStatus inspects the container. Exited containers translate on exit
// code; everything else goes through the state table.
func (d *Driver) RefreshStatus(ctx context.Context, item platform.Item) (entity.Status, error) {
	switch v := item.(type) {
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
	}

	d.mu.Lock()
	containerID, ok := d.containers[item.ID()]
	d.mu.Unlock()
	if !ok {
		// Created but never started.
		if _, err := d.dirOf(item.ID()); err != nil {
			return entity.StatusNone, err
		}
		return entity.StatusCreated, nil
	}

	info, err := d.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return entity.StatusNone, errs.Transient(fmt.Errorf("failed to inspect %s: %w", containerID, err))
	}
	if info.State.Status == "exited" {
		if info.State.ExitCode == 0 {
			return entity.StatusSucceeded, nil
		}
		return entity.StatusFailed, nil
	}
	return statusMap.Translate(info.State.Status), nil
}

// FetchFiles reads output files from the host-side job directory, which the
// container shares through the bind mount.
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

// Cancel stops and removes the container. A missing or already stopped
// container makes a second cancel a no-op.
func (d *Driver) Cancel(ctx context.Context, item platform.Item) error {
	if exp, ok := item.(*entity.Experiment); ok {
		for _, sim := range exp.Simulations() {
			if err := d.Cancel(ctx, sim); err != nil {
				return err
			}
		}
		return nil
	}

	d.mu.Lock()
	containerID, ok := d.containers[item.ID()]
	delete(d.containers, item.ID())
	d.mu.Unlock()
	if !ok {
		return nil
	}

	timeout := 10
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		d.logger.Warn("Failed to stop container", zap.String("container_id", containerID), zap.Error(err))
	}
	if err := d.cli.ContainerRemove(ctx, containerID, types.ContainerRemoveOptions{Force: true}); err != nil {
		d.logger.Warn("Failed to remove container", zap.String("container_id", containerID), zap.Error(err))
	}
	return nil
}

// GetParent resolves through the in-memory graph only.
func (d *Driver) GetParent(ctx context.Context, item platform.Item) (platform.Item, error) {
	return nil, nil
}

// GetChildren returns the in-memory children of a parent entity.
func (d *Driver) GetChildren(ctx context.Context, item platform.Item) ([]platform.Item, error) {
	switch v := item.(type) {
	case *entity.Experiment:
		sims := v.Simulations()
		out := make([]platform.Item, len(sims))
		for i, s := range sims {
			out[i] = s
		}
		return out, nil
	case *entity.Suite:
		exps := v.Experiments()
		out := make([]platform.Item, len(exps))
		for i, e := range exps {
			out[i] = e
		}
		return out, nil
	default:
		return nil, nil
	}
}
