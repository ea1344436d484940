package entity

import (
	"fmt"
	"sync"
	"time"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/assets"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// Kind identifies an entity type across the platform contract.
type Kind string

const (
	KindSuite      Kind = "suite"
	KindExperiment Kind = "experiment"
	KindSimulation Kind = "simulation"
	KindWorkItem   Kind = "workitem"
)

// PlatformRef is the minimal view of a platform that pre-creation hooks
// receive. Drivers expose more through their concrete types; hooks that need
// driver specifics type-assert.
type PlatformRef interface {
	Name() string
}

// Hook is a pre-creation hook attached to a task. The dispatcher runs each
// hook once, in registration order, immediately before the simulation is
// handed to the platform.
type Hook func(sim *Simulation, platform PlatformRef) error

// TaskSpec is the contract a task variant satisfies: a command line, an asset
// collection, and an ordered list of pre-creation hooks. DeepClone must
// return an independent copy that shares immutable asset references but owns
// its mutable configuration.
type TaskSpec interface {
	CommandLine() string
	TaskAssets() *assets.Collection
	PreCreationHooks() []Hook
	DeepClone() TaskSpec
}

// Core carries the identity, tags, and status every entity shares. Ids may
// stay unset until the first platform hand-off. All mutation happens on the
// coordinator's task; the mutex only guards against concurrent readers
// observing torn writes during polling.
type Core struct {
	mu       sync.RWMutex
	id       string
	nativeID string
	name     string
	tags     tags.Tags
	status   Status

	CreatedAt time.Time
}

// NewCore constructs a Core in the CREATED state.
func NewCore(name string) Core {
	return Core{
		name:      name,
		tags:      make(tags.Tags),
		status:    StatusCreated,
		CreatedAt: time.Now().UTC(),
	}
}

// ID returns the entity's local id, or "" when not yet assigned.
func (c *Core) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// SetID assigns the id once. Reassigning a different id is a programming
// error and panics.
func (c *Core) SetID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id != "" && c.id != id {
		panic(fmt.Sprintf("entity id is immutable: %s -> %s", c.id, id))
	}
	c.id = id
}

// NativeID returns the back-end id assigned at submission, or "".
func (c *Core) NativeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nativeID
}

// SetNativeID records the back-end id for this entity.
func (c *Core) SetNativeID(id string) {
	c.mu.Lock()
	c.nativeID = id
	c.mu.Unlock()
}

// Name returns the entity name.
func (c *Core) Name() string {
	return c.name
}

// SetName sets the entity name.
func (c *Core) SetName(name string) {
	c.name = name
}

// Tags returns the live tag map. Callers on worker goroutines must treat it
// as read-only.
func (c *Core) Tags() tags.Tags {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tags
}

// SetTag sets one tag to its normalized value.
func (c *Core) SetTag(key string, value interface{}) {
	c.mu.Lock()
	c.tags[key] = tags.NormalizeValue(value)
	c.mu.Unlock()
}

// MergeTags merges the given tags into the entity, last writer wins.
func (c *Core) MergeTags(t tags.Tags) {
	c.mu.Lock()
	c.tags.Merge(tags.Normalize(t))
	c.mu.Unlock()
}

// Status returns the current lifecycle state.
func (c *Core) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus transitions the entity. An illegal transition returns an error
// and leaves the status unchanged.
func (c *Core) SetStatus(to Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := checkTransition(c.status, to); err != nil {
		return err
	}
	c.status = to
	return nil
}

// AdoptStatus records a status observed on the back-end without transition
// checks. Reconstructed shells use it when the platform is the authority for
// an entity this process never drove through the machine.
func (c *Core) AdoptStatus(s Status) {
	c.forceStatus(s)
}

// forceStatus restores a persisted status without transition checks. Only
// metadata reload uses it.
func (c *Core) forceStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Simulation is one concrete run: a task instance (usually derived from an
// experiment's template by applying one sweep point) plus its own asset
// collection layered over the experiment's shared assets.
type Simulation struct {
	Core
	parentID string
	Task     TaskSpec
	Assets   *assets.Collection
}

// NewSimulation constructs a simulation in CREATED with an empty asset
// collection. The parent experiment id is set when the simulation is added
// to an experiment.
func NewSimulation(task TaskSpec) *Simulation {
	return &Simulation{
		Core:   NewCore(""),
		Task:   task,
		Assets: assets.NewCollection(),
	}
}

// ParentID returns the owning experiment's id.
func (s *Simulation) ParentID() string {
	return s.parentID
}

// AdoptParent records the owning experiment id directly. Drivers use it when
// reconstructing simulations from persisted metadata.
func (s *Simulation) AdoptParent(experimentID string) {
	s.parentID = experimentID
}

// ResetForRerun returns a FAILED simulation to CREATED and re-opens its
// asset collection so the task can be patched before resubmission. The
// native id is dropped so the next run provisions it as new work. Any other
// starting state is an illegal transition.
func (s *Simulation) ResetForRerun() error {
	if err := s.SetStatus(StatusCreated); err != nil {
		return err
	}
	s.mu.Lock()
	s.nativeID = ""
	s.mu.Unlock()
	s.Assets.Unfreeze()
	if s.Task != nil {
		s.Task.TaskAssets().Unfreeze()
	}
	return nil
}

// Experiment owns a set of simulations plus the base asset collection shared
// by every one of them. It references its containing suite by id and records
// the platform it was run on.
type Experiment struct {
	Core
	suiteID      string
	platformName string
	Assets       *assets.Collection

	simMu sync.RWMutex
	sims  []*Simulation
}

// NewExperiment constructs an empty experiment.
func NewExperiment(name string) *Experiment {
	return &Experiment{
		Core:   NewCore(name),
		Assets: assets.NewCollection(),
	}
}

// SuiteID returns the containing suite's id, or "".
func (e *Experiment) SuiteID() string {
	return e.suiteID
}

// PlatformName returns the name of the platform this experiment was run on.
func (e *Experiment) PlatformName() string {
	return e.platformName
}

// SetPlatformName records the platform back-reference at submission.
func (e *Experiment) SetPlatformName(name string) {
	e.platformName = name
}

// AddSimulation attaches a simulation to this experiment. A simulation
// belongs to exactly one experiment; re-parenting is an error.
func (e *Experiment) AddSimulation(sim *Simulation) error {
	if sim.parentID != "" && sim.parentID != e.ID() {
		return fmt.Errorf("%w: simulation %s already belongs to experiment %s",
			errs.ErrValidation, sim.ID(), sim.parentID)
	}
	sim.parentID = e.ID()
	e.simMu.Lock()
	e.sims = append(e.sims, sim)
	e.simMu.Unlock()
	return nil
}

// Simulations returns the simulations in add order. The slice is a copy.
func (e *Experiment) Simulations() []*Simulation {
	e.simMu.RLock()
	defer e.simMu.RUnlock()
	out := make([]*Simulation, len(e.sims))
	copy(out, e.sims)
	return out
}

// ReparentSimulations fixes up child parent ids after the experiment id is
// assigned at first platform hand-off.
func (e *Experiment) ReparentSimulations() {
	e.simMu.RLock()
	defer e.simMu.RUnlock()
	for _, s := range e.sims {
		s.parentID = e.ID()
	}
}

// Status derives the experiment rollup from its simulations. It is never
// stored.
func (e *Experiment) Status() Status {
	e.simMu.RLock()
	defer e.simMu.RUnlock()
	statuses := make([]Status, len(e.sims))
	for i, s := range e.sims {
		statuses[i] = s.Status()
	}
	return Rollup(statuses)
}

// FreezeAssets freezes the experiment's shared collection and every
// simulation's collection. Called when the experiment leaves CREATED.
func (e *Experiment) FreezeAssets() {
	e.Assets.Freeze()
	for _, s := range e.Simulations() {
		s.Assets.Freeze()
		if s.Task != nil {
			s.Task.TaskAssets().Freeze()
		}
	}
}

// Suite is a named group of experiments.
type Suite struct {
	Core
	expMu sync.RWMutex
	exps  []*Experiment
}

// NewSuite constructs an empty suite.
func NewSuite(name string) *Suite {
	return &Suite{Core: NewCore(name)}
}

// AddExperiment attaches an experiment to this suite.
func (s *Suite) AddExperiment(e *Experiment) {
	e.suiteID = s.ID()
	s.expMu.Lock()
	s.exps = append(s.exps, e)
	s.expMu.Unlock()
}

// Experiments returns the child experiments in add order.
func (s *Suite) Experiments() []*Experiment {
	s.expMu.RLock()
	defer s.expMu.RUnlock()
	out := make([]*Experiment, len(s.exps))
	copy(out, s.exps)
	return out
}

// Status derives the suite rollup across all child experiments.
func (s *Suite) Status() Status {
	s.expMu.RLock()
	defer s.expMu.RUnlock()
	statuses := make([]Status, len(s.exps))
	for i, e := range s.exps {
		statuses[i] = e.Status()
	}
	return Rollup(statuses)
}

// WorkItem is a standalone job not owned by an experiment, used for
// ancillary work such as post-run aggregation or file assetization. It
// shares the simulation state machine and platform contract.
type WorkItem struct {
	Core
	Task   TaskSpec
	Assets *assets.Collection
}

// NewWorkItem constructs a work item in CREATED.
func NewWorkItem(name string, task TaskSpec) *WorkItem {
	return &WorkItem{
		Core:   NewCore(name),
		Task:   task,
		Assets: assets.NewCollection(),
	}
}
