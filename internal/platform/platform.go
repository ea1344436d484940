// Package platform defines the uniform contract every back-end driver
// implements, the canonical status translation helper, the scoped
// current-platform stack, and the driver registry.
package platform

import (
	"context"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/plugins"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// Item is the view of an entity the platform contract operates on. All four
// entity kinds satisfy it through their embedded core.
type Item interface {
	ID() string
	SetID(id string)
	NativeID() string
	SetNativeID(id string)
	Name() string
	Status() entity.Status
	Tags() tags.Tags
}

// Platform is a back-end driver. Every call takes a context carrying the
// caller's deadline and cancellation; drivers own the thread-safety of any
// connection pool or session they hold.
//
// Batch creation is not part of the driver surface: the run coordinator
// chunks batches and fans out to Create, so drivers only implement the
// per-item operation.
type Platform interface {
	// Name returns the configured platform name.
	Name() string

	// Create registers the entity with the back-end and returns its native
	// id. The entity must be in CREATED.
	Create(ctx context.Context, item Item) (string, error)

	// Run submits an already-created entity for execution.
	Run(ctx context.Context, item Item) error

	// RefreshStatus asks the back-end for the entity's current status,
	// translated onto the canonical state machine.
	RefreshStatus(ctx context.Context, item Item) (entity.Status, error)

	// FetchFiles retrieves the given relative paths from the entity's
	// output, keyed by the requested path.
	FetchFiles(ctx context.Context, item Item, paths []string) (map[string][]byte, error)

	// Cancel requests best-effort termination. After a successful cancel the
	// entity reaches a terminal FAILED status. Cancelling an already
	// terminal entity is a no-op.
	Cancel(ctx context.Context, item Item) error

	// GetParent resolves the entity's parent, or nil for a root entity.
	GetParent(ctx context.Context, item Item) (Item, error)

	// GetChildren resolves the entity's direct children.
	GetChildren(ctx context.Context, item Item) ([]Item, error)
}

// Drivers is the platform plugin registry. Driver packages register their
// factories in init; config resolves the `type` field of a platform section
// against it.
var Drivers = plugins.NewRegistry[Platform]("platform")

// StatusMap translates a driver's native states onto the canonical machine.
// Native queued/provisioning/starting states must map to RUNNING — CREATED
// is reserved for locally created, not yet submitted — and every native
// terminal-non-success state maps to FAILED.
type StatusMap map[string]entity.Status

// Translate returns the canonical status for a native state. Unknown native
// states are treated as RUNNING so that polling keeps watching them rather
// than wrongly finalizing the item.
func (m StatusMap) Translate(native string) entity.Status {
	if s, ok := m[native]; ok {
		return s
	}
	return entity.StatusRunning
}

// RunPreCreationHooks executes the task's hooks on (simulation, platform) in
// registration order. The dispatcher calls this immediately before Create on
// a simulation; the first failing hook aborts creation of that simulation
// only.
func RunPreCreationHooks(sim *entity.Simulation, p Platform, logger *zap.Logger) error {
	if sim.Task == nil {
		return nil
	}
	for _, hook := range sim.Task.PreCreationHooks() {
		if err := hook(sim, p); err != nil {
			logger.Warn("Pre-creation hook failed",
				zap.String("simulation_id", sim.ID()),
				zap.Error(err))
			return err
		}
	}
	return nil
}
