// Package natsjobs implements a platform driver for a remote job service
// reached over NATS: simulations are dispatched as JSON task payloads on a
// dispatch subject, execution state arrives on a status subject, and output
// files are fetched request/reply.
package natsjobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// Native job-service states, translated onto the canonical machine.
var statusMap = platform.StatusMap{
	"created":     entity.StatusCreated,
	"queued":      entity.StatusRunning,
	"preparing":   entity.StatusRunning,
	"in_progress": entity.StatusRunning,
	"completed":   entity.StatusSucceeded,
	"failed":      entity.StatusFailed,
	"cancelled":   entity.StatusFailed,
	"timeout":     entity.StatusFailed,
}

func init() {
	platform.Drivers.Register("natsjobs", func(cfg map[string]interface{}, logger *zap.Logger) (platform.Platform, error) {
		address := config.StringOption(cfg, "nats_address", "nats://localhost:4222")
		name := config.StringOption(cfg, "name", "natsjobs")
		d := &Driver{
			name:            name,
			dispatchSubject: config.StringOption(cfg, "dispatch_subject", "tasks.dispatch"),
			statusSubject:   config.StringOption(cfg, "status_subject", "jobs.status"),
			filesSubject:    config.StringOption(cfg, "files_subject", "jobs.files"),
			cancelSubject:   config.StringOption(cfg, "cancel_subject", "jobs.cancel"),
			requestTimeout:  time.Duration(config.IntOption(cfg, "request_timeout_seconds", 30)) * time.Second,
			logger:          logger,
			jobs:            make(map[string]*jobRecord),
		}
		nc, err := connect(address, logger)
		if err != nil {
			return nil, err
		}
		d.nc = nc
		if err := d.subscribeStatus(); err != nil {
			nc.Close()
			return nil, err
		}
		return d, nil
	})
}

// connect dials NATS with robust reconnect behavior.
func connect(address string, logger *zap.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(
		address,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(50),
		nats.ReconnectWait(5*time.Second),
		nats.Timeout(10*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", address, errs.Transient(err))
	}
	return nc, nil
}

// taskPayload is the wire form of a dispatched job.
type taskPayload struct {
	JobID   string        `json:"job_id"`
	Kind    entity.Kind   `json:"kind"`
	Command string        `json:"command"`
	Tags    tags.Tags     `json:"tags,omitempty"`
	Assets  []assetRecord `json:"assets,omitempty"`
}

type assetRecord struct {
	Filename     string `json:"filename"`
	RelativePath string `json:"relative_path,omitempty"`
	Checksum     string `json:"checksum"`
	Content      []byte `json:"content,omitempty"` // base64 over the wire
}

// statusUpdate mirrors what the job service publishes per state change.
type statusUpdate struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

type filesRequest struct {
	JobID string   `json:"job_id"`
	Paths []string `json:"paths"`
}

type filesResponse struct {
	Files map[string][]byte `json:"files"`
	Error string            `json:"error,omitempty"`
}

type jobRecord struct {
	nativeState string
	payload     taskPayload
}

// Driver is the NATS-backed platform. It owns the connection and the job
// table fed by the status subscription; entity mutation stays with the
// coordinator.
type Driver struct {
	name            string
	dispatchSubject string
	statusSubject   string
	filesSubject    string
	cancelSubject   string
	requestTimeout  time.Duration
	logger          *zap.Logger
	nc              *nats.Conn

	mu   sync.RWMutex
	jobs map[string]*jobRecord
}

// Name returns the configured platform name.
func (d *Driver) Name() string {
	return d.name
}

// Close drains the connection.
func (d *Driver) Close() {
	if d.nc != nil {
		d.nc.Close()
	}
}

func (d *Driver) subscribeStatus() error {
	_, err := d.nc.Subscribe(d.statusSubject+".>", func(msg *nats.Msg) {
		var update statusUpdate
		if err := json.Unmarshal(msg.Data, &update); err != nil {
			d.logger.Warn("Dropping malformed status update", zap.Error(err))
			return
		}
		d.mu.Lock()
		if rec, ok := d.jobs[update.JobID]; ok {
			rec.nativeState = update.Status
		}
		d.mu.Unlock()
		d.logger.Debug("Job status update",
			zap.String("job_id", update.JobID),
			zap.String("status", update.Status))
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", d.statusSubject, errs.Transient(err))
	}
	return nil
}

// Create registers the entity with the job service. Simulations and work
// items become dispatchable jobs with their asset bundles inlined; suites
// and experiments are logical groupings tracked locally.
func (d *Driver) Create(ctx context.Context, item platform.Item) (string, error) {
	if item.ID() == "" {
		item.SetID(uuid.New().String())
	}

	switch v := item.(type) {
	case *entity.Suite:
		return item.ID(), nil
	case *entity.Experiment:
		v.ReparentSimulations()
		return item.ID(), nil
	case *entity.Simulation:
		return d.createJob(item, entity.KindSimulation, v.Task, v.Assets)
	case *entity.WorkItem:
		return d.createJob(item, entity.KindWorkItem, v.Task, v.Assets)
	default:
		return "", fmt.Errorf("%w: unsupported entity type %T", errs.ErrValidation, item)
	}
}

func (d *Driver) createJob(item platform.Item, kind entity.Kind, task entity.TaskSpec, own *assets.Collection) (string, error) {
	if task == nil {
		return "", fmt.Errorf("%w: %s %s has no task", errs.ErrValidation, kind, item.ID())
	}
	jobID := "job-" + uuid.New().String()

	payload := taskPayload{
		JobID:   jobID,
		Kind:    kind,
		Command: task.CommandLine(),
		Tags:    item.Tags().Clone(),
	}
	for _, coll := range []*assets.Collection{own, task.TaskAssets()} {
		records, err := bundleAssets(coll)
		if err != nil {
			return "", err
		}
		payload.Assets = append(payload.Assets, records...)
	}

	d.mu.Lock()
	d.jobs[item.ID()] = &jobRecord{nativeState: "created", payload: payload}
	d.mu.Unlock()
	return jobID, nil
}

// Run dispatches the job payload. For experiments, every CREATED simulation
// is dispatched.
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

	d.mu.Lock()
	rec, ok := d.jobs[item.ID()]
	if ok {
		rec.nativeState = "queued"
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s was not created on %s", errs.ErrNotReady, item.ID(), d.name)
	}

	data, err := json.Marshal(rec.payload)
	if err != nil {
		return fmt.Errorf("failed to marshal task payload: %w", err)
	}
	subject := d.dispatchSubject + "." + rec.payload.JobID
	if err := d.nc.Publish(subject, data); err != nil {
		return errs.Transient(fmt.Errorf("failed to dispatch %s: %w", item.ID(), err))
	}
	d.logger.Info("Dispatched job",
		zap.String("item_id", item.ID()),
		zap.String("job_id", rec.payload.JobID),
		zap.String("subject", subject))
	return nil
}

// RefreshStatus reads the job table, fed by the status subscription.
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

	d.mu.RLock()
	rec, ok := d.jobs[item.ID()]
	d.mu.RUnlock()
	if !ok {
		return entity.StatusNone, fmt.Errorf("%w: %s on %s", errs.ErrNotFound, item.ID(), d.name)
	}
	return statusMap.Translate(rec.nativeState), nil
}

// FetchFiles asks the job service for output files over request/reply.
func (d *Driver) FetchFiles(ctx context.Context, item platform.Item, paths []string) (map[string][]byte, error) {
	d.mu.RLock()
	rec, ok := d.jobs[item.ID()]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", errs.ErrNotFound, item.ID(), d.name)
	}

	req, err := json.Marshal(filesRequest{JobID: rec.payload.JobID, Paths: paths})
	if err != nil {
		return nil, err
	}
	timeout := d.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	msg, err := d.nc.Request(d.filesSubject+"."+rec.payload.JobID, req, timeout)
	if err != nil {
		return nil, errs.Transient(fmt.Errorf("file fetch for %s: %w", item.ID(), err))
	}
	var resp filesResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("malformed file response for %s: %w", item.ID(), err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("file fetch for %s: %s", item.ID(), resp.Error)
	}
	return resp.Files, nil
}

// Cancel publishes a best-effort cancellation. Terminal jobs are left
// untouched, so a second cancel is a no-op.
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
	rec, ok := d.jobs[item.ID()]
	if ok && statusMap.Translate(rec.nativeState).Terminal() {
		d.mu.Unlock()
		return nil
	}
	if ok {
		rec.nativeState = "cancelled"
	}
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", errs.ErrNotFound, item.ID(), d.name)
	}

	if err := d.nc.Publish(d.cancelSubject+"."+rec.payload.JobID, nil); err != nil {
		return errs.Transient(fmt.Errorf("failed to cancel %s: %w", item.ID(), err))
	}
	return nil
}

// GetParent resolves through the in-memory graph only; the job service does
// not track the entity hierarchy.
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

func bundleAssets(coll *assets.Collection) ([]assetRecord, error) {
	if coll == nil {
		return nil, nil
	}
	var out []assetRecord
	for _, a := range coll.Iterate() {
		sum, err := a.Checksum()
		if err != nil {
			return nil, err
		}
		rec := assetRecord{
			Filename:     a.Filename,
			RelativePath: a.RelativePath,
			Checksum:     sum,
		}
		// Remote assets are referenced by checksum only; the service dedups
		// by fingerprint and already holds the bytes.
		if a.Source() != assets.SourceRemote {
			data, err := a.Bytes()
			if err != nil {
				return nil, err
			}
			rec.Content = data
		}
		out = append(out, rec)
	}
	return out, nil
}
