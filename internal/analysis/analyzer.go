// Package analysis runs a map/reduce pass over the outputs of finished
// simulations: input references are expanded into simulations through the
// platform, their requested output files are fetched and decoded, each
// analyzer maps every simulation on a worker pool, and reduces once over the
// gathered mapping.
package analysis

import (
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
)

// Analyzer consumes decoded simulation outputs. Map runs on a worker pool,
// one invocation per simulation; Reduce runs once on the calling goroutine
// with the mapping of simulation id to map value. Implementations must not
// mutate the simulation they are handed.
type Analyzer interface {
	// Filenames lists the relative output paths this analyzer wants to read
	// from every simulation.
	Filenames() []string

	// Initialize is called once before any map, with the directory the
	// analyzer should write its own outputs under.
	Initialize(workingDir string) error

	// Filter decides whether a simulation is covered by this analyzer. A
	// simulation must pass every analyzer's filter to be analyzed at all.
	Filter(sim *entity.Simulation) bool

	// Map receives the decoded contents of the requested filenames, keyed by
	// relative path, and returns the value to carry into Reduce.
	Map(files map[string]interface{}, sim *entity.Simulation) (interface{}, error)

	// Reduce receives the mapping of simulation id to map value for every
	// simulation whose map succeeded.
	Reduce(results map[string]interface{}) error
}

// ExperimentAware is an optional analyzer extension invoked once per covered
// experiment, after Initialize and before any map.
type ExperimentAware interface {
	PerExperiment(exp *entity.Experiment) error
}

// FailureTolerant is an optional analyzer extension. When TolerateMapFailures
// reports true, a failed map does not exclude the simulation from Reduce:
// its entry carries the error as the value instead.
type FailureTolerant interface {
	TolerateMapFailures() bool
}

// BaseAnalyzer provides no-op defaults for the non-essential parts of the
// contract so analyzers only spell out Filenames, Map, and Reduce.
type BaseAnalyzer struct{}

func (BaseAnalyzer) Initialize(string) error        { return nil }
func (BaseAnalyzer) Filter(*entity.Simulation) bool { return true }
