package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/config"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
)

// DefaultMaxFileBytes caps how much of a single output file is pulled into
// memory for decoding.
const DefaultMaxFileBytes int64 = 32 << 20

// ItemRef names an entity to analyze by id and kind. Suites and experiments
// are expanded down to their simulations through the platform.
type ItemRef struct {
	ID   string
	Kind entity.Kind
}

// Options tune a single analysis run.
type Options struct {
	// WorkingDir is where analyzers write their outputs; each covered
	// experiment gets a subdirectory named by its id. Defaults to ".".
	WorkingDir string

	// PartialOK permits analyzing a fleet where some simulations failed.
	// When false, any covered simulation that is non-terminal or FAILED
	// aborts the run before any map.
	PartialOK bool

	// AnalyzeFailed includes FAILED simulations in the map phase. Only
	// meaningful together with PartialOK.
	AnalyzeFailed bool

	// MaxWorkers bounds the fetch-and-map pool.
	MaxWorkers int

	// MaxFileBytes rejects any single fetched file larger than this.
	MaxFileBytes int64
}

// Manager drives one analysis pass over a set of items.
type Manager struct {
	platform  platform.Platform
	analyzers []Analyzer
	opts      Options
	logger    *zap.Logger
}

// New builds a manager. Zero option fields take defaults; the worker count
// defaults to the common I/O pool size.
func New(p platform.Platform, analyzers []Analyzer, opts Options, logger *zap.Logger) *Manager {
	if opts.WorkingDir == "" {
		opts.WorkingDir = "."
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = config.Defaults().Common.MaxWorkers
	}
	if opts.MaxFileBytes <= 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{platform: p, analyzers: analyzers, opts: opts, logger: logger}
}

// mapOutcome carries one worker's result back to the coordinating goroutine.
// Values and errors are indexed by analyzer position.
type mapOutcome struct {
	sim    *entity.Simulation
	values []interface{}
	errs   []error
}

// Analyze expands the references into simulations, fetches and decodes each
// simulation's requested outputs, runs every analyzer's map on a worker pool,
// and reduces once per analyzer. Map failures do not abort the run: they are
// reported through the returned PartialSuccess, and the affected simulation
// is excluded from that analyzer's reduce unless the analyzer tolerates
// failures.
func (m *Manager) Analyze(ctx context.Context, refs []ItemRef) (*errs.PartialSuccess, error) {
	if len(m.analyzers) == 0 {
		return nil, fmt.Errorf("%w: no analyzers given", errs.ErrValidation)
	}

	sims, experiments, err := m.expand(ctx, refs)
	if err != nil {
		return nil, err
	}
	sims = m.applyFilters(sims)

	sims, err = m.checkFleet(sims)
	if err != nil {
		return nil, err
	}
	if len(sims) == 0 {
		m.logger.Warn("Analysis covers no simulations after filtering")
		return nil, nil
	}

	if err := m.initialize(experiments); err != nil {
		return nil, err
	}

	outcomes, err := m.mapAll(ctx, sims)
	if err != nil {
		return nil, err
	}

	return m.reduceAll(outcomes)
}

// expand resolves each reference to the simulations beneath it, walking
// suites and experiments through platform GetChildren. Covered experiments
// are collected for the per-experiment hook and the output directories.
func (m *Manager) expand(ctx context.Context, refs []ItemRef) ([]*entity.Simulation, []*entity.Experiment, error) {
	var (
		sims        []*entity.Simulation
		experiments []*entity.Experiment
		seenSim     = map[string]bool{}
		seenExp     = map[string]bool{}
	)

	var walk func(item platform.Item) error
	walk = func(item platform.Item) error {
		switch v := item.(type) {
		case *entity.Simulation:
			if seenSim[v.ID()] {
				return nil
			}
			seenSim[v.ID()] = true
			// A simulation referenced directly arrives as an id-only stub in
			// its constructor state; the back-end holds the real status.
			if !v.Status().Terminal() {
				status, err := m.platform.RefreshStatus(ctx, v)
				if err != nil {
					return &errs.BackendError{Op: "analysis expand", ItemID: v.ID(), Err: err}
				}
				if status != entity.StatusNone {
					v.AdoptStatus(status)
				}
			}
			sims = append(sims, v)
			return nil
		case *entity.Experiment:
			if seenExp[v.ID()] {
				return nil
			}
			seenExp[v.ID()] = true
			experiments = append(experiments, v)
		}
		children, err := m.platform.GetChildren(ctx, item)
		if err != nil {
			return &errs.BackendError{Op: "analysis expand", ItemID: item.ID(), Err: err}
		}
		for _, child := range children {
			if err := walk(child); err != nil {
				return err
			}
		}
		return nil
	}

	for _, ref := range refs {
		if err := walk(stubFor(ref)); err != nil {
			return nil, nil, err
		}
	}
	return sims, experiments, nil
}

// stubFor builds an id-only entity so references can be handed to the
// platform for expansion.
func stubFor(ref ItemRef) platform.Item {
	var item platform.Item
	switch ref.Kind {
	case entity.KindSuite:
		item = entity.NewSuite("")
	case entity.KindExperiment:
		item = entity.NewExperiment("")
	case entity.KindWorkItem:
		item = entity.NewWorkItem("", nil)
	default:
		item = entity.NewSimulation(nil)
	}
	item.SetID(ref.ID)
	return item
}

// applyFilters keeps the simulations passing every analyzer's filter.
func (m *Manager) applyFilters(sims []*entity.Simulation) []*entity.Simulation {
	kept := sims[:0]
	for _, sim := range sims {
		accepted := true
		for _, a := range m.analyzers {
			if !a.Filter(sim) {
				accepted = false
				break
			}
		}
		if accepted {
			kept = append(kept, sim)
		}
	}
	return kept
}

// checkFleet enforces the fleet-completeness rule. Without PartialOK any
// non-terminal or FAILED simulation aborts the run; with it, non-SUCCEEDED
// simulations are dropped (FAILED ones kept only under AnalyzeFailed).
func (m *Manager) checkFleet(sims []*entity.Simulation) ([]*entity.Simulation, error) {
	if !m.opts.PartialOK {
		for _, sim := range sims {
			st := sim.Status()
			if !st.Terminal() || st == entity.StatusFailed {
				return nil, fmt.Errorf("%w: simulation %s is %s", errs.ErrIncompleteFleet, sim.ID(), st)
			}
		}
		return sims, nil
	}

	kept := sims[:0]
	for _, sim := range sims {
		switch sim.Status() {
		case entity.StatusSucceeded:
			kept = append(kept, sim)
		case entity.StatusFailed:
			if m.opts.AnalyzeFailed {
				kept = append(kept, sim)
			}
		default:
			m.logger.Debug("Skipping non-terminal simulation",
				zap.String("simulation_id", sim.ID()),
				zap.String("status", string(sim.Status())))
		}
	}
	return kept, nil
}

// initialize creates the per-experiment output directories, initializes each
// analyzer, and fires the per-experiment hooks.
func (m *Manager) initialize(experiments []*entity.Experiment) error {
	for _, exp := range experiments {
		dir := filepath.Join(m.opts.WorkingDir, exp.ID())
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create analysis output dir: %w", err)
		}
	}
	for _, a := range m.analyzers {
		if err := a.Initialize(m.opts.WorkingDir); err != nil {
			return fmt.Errorf("analyzer initialize: %w", err)
		}
	}
	for _, a := range m.analyzers {
		hook, ok := a.(ExperimentAware)
		if !ok {
			continue
		}
		for _, exp := range experiments {
			if err := hook.PerExperiment(exp); err != nil {
				return fmt.Errorf("per-experiment hook for %s: %w", exp.ID(), err)
			}
		}
	}
	return nil
}

// mapAll fetches each simulation's outputs and runs every analyzer's map, on
// a bounded pool. Workers only write their own outcome slot; per-simulation
// failures are recorded in the outcome, never raised into the group.
func (m *Manager) mapAll(ctx context.Context, sims []*entity.Simulation) ([]mapOutcome, error) {
	wanted := m.filenameUnion()
	outcomes := make([]mapOutcome, len(sims))

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(m.opts.MaxWorkers)
	for i, sim := range sims {
		i, sim := i, sim
		group.Go(func() error {
			outcomes[i] = m.mapOne(gctx, sim, wanted)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// mapOne fetches and decodes one simulation's files, then applies every
// analyzer to its declared subset.
func (m *Manager) mapOne(ctx context.Context, sim *entity.Simulation, wanted []string) mapOutcome {
	out := mapOutcome{
		sim:    sim,
		values: make([]interface{}, len(m.analyzers)),
		errs:   make([]error, len(m.analyzers)),
	}

	raw, err := m.platform.FetchFiles(ctx, sim, wanted)
	if err != nil {
		err = &errs.BackendError{Op: "analysis fetch", ItemID: sim.ID(), Err: err}
		for i := range out.errs {
			out.errs[i] = err
		}
		return out
	}

	decoded := make(map[string]interface{}, len(raw))
	var decodeErr error
	for name, data := range raw {
		if int64(len(data)) > m.opts.MaxFileBytes {
			decodeErr = fmt.Errorf("file %s is %d bytes, over the %d byte limit",
				name, len(data), m.opts.MaxFileBytes)
			break
		}
		v, err := decodeFile(name, data)
		if err != nil {
			decodeErr = err
			break
		}
		decoded[name] = v
	}
	if decodeErr != nil {
		for i := range out.errs {
			out.errs[i] = decodeErr
		}
		return out
	}

	for i, a := range m.analyzers {
		files := subset(decoded, a.Filenames())
		value, err := a.Map(files, sim)
		if err != nil {
			out.errs[i] = err
			continue
		}
		out.values[i] = value
	}
	return out
}

// reduceAll assembles each analyzer's mapping and reduces, then summarizes
// per-simulation failures.
func (m *Manager) reduceAll(outcomes []mapOutcome) (*errs.PartialSuccess, error) {
	var (
		reduceErr error
		failures  []errs.ItemOutcome
		failed    = map[string]bool{}
	)

	for i, a := range m.analyzers {
		tolerant := false
		if ft, ok := a.(FailureTolerant); ok {
			tolerant = ft.TolerateMapFailures()
		}

		results := make(map[string]interface{}, len(outcomes))
		for _, out := range outcomes {
			if err := out.errs[i]; err != nil {
				m.logger.Warn("Map failed",
					zap.String("simulation_id", out.sim.ID()),
					zap.Int("analyzer", i),
					zap.Error(err))
				if !failed[out.sim.ID()] {
					failed[out.sim.ID()] = true
					failures = append(failures, errs.ItemOutcome{ItemID: out.sim.ID(), Err: err})
				}
				if tolerant {
					results[out.sim.ID()] = err
				}
				continue
			}
			results[out.sim.ID()] = out.values[i]
		}
		reduceErr = multierr.Append(reduceErr, a.Reduce(results))
	}

	if reduceErr != nil {
		return nil, reduceErr
	}
	if len(failures) == 0 {
		return nil, nil
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].ItemID < failures[j].ItemID })
	return &errs.PartialSuccess{Op: "analyze", Total: len(outcomes), Failures: failures}, nil
}

// filenameUnion collects the distinct filenames across analyzers, preserving
// first-declared order.
func (m *Manager) filenameUnion() []string {
	var union []string
	seen := map[string]bool{}
	for _, a := range m.analyzers {
		for _, name := range a.Filenames() {
			if !seen[name] {
				seen[name] = true
				union = append(union, name)
			}
		}
	}
	return union
}

func subset(files map[string]interface{}, names []string) map[string]interface{} {
	out := make(map[string]interface{}, len(names))
	for _, name := range names {
		if v, ok := files[name]; ok {
			out[name] = v
		}
	}
	return out
}
