package coordinator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/coordinator"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/platform"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/retryer"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/task"
)

// mockPlatform is an in-memory driver for coordinator tests. Per-item create
// failures and refresh statuses are injected by simulation name; a failure
// with a positive budget clears itself after that many attempts, which lets
// tests exercise the retry path.
type mockPlatform struct {
	mu           sync.Mutex
	seq          int
	createErrs   map[string]error         // sim name -> error returned by Create
	failuresLeft map[string]int           // sim name -> remaining injected failures (0 = always)
	statuses     map[string]entity.Status // sim name -> status returned by RefreshStatus
	refreshErrs  map[string]error         // sim name -> error returned by RefreshStatus
	refreshLeft  map[string]int           // sim name -> remaining injected refresh failures
	createCalls  map[string]int
	refreshCalls map[string]int
	cancelCalls  map[string]int
	runCalls     int
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{
		createErrs:   make(map[string]error),
		failuresLeft: make(map[string]int),
		statuses:     make(map[string]entity.Status),
		refreshErrs:  make(map[string]error),
		refreshLeft:  make(map[string]int),
		createCalls:  make(map[string]int),
		refreshCalls: make(map[string]int),
		cancelCalls:  make(map[string]int),
	}
}

func (m *mockPlatform) Name() string { return "mock" }

func (m *mockPlatform) Create(_ context.Context, item platform.Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.createCalls[item.Name()]++
	if err := m.createErrs[item.Name()]; err != nil {
		if left, budgeted := m.failuresLeft[item.Name()]; budgeted {
			if left <= 1 {
				delete(m.createErrs, item.Name())
				delete(m.failuresLeft, item.Name())
			} else {
				m.failuresLeft[item.Name()] = left - 1
			}
		}
		return "", err
	}
	m.seq++
	if item.ID() == "" {
		item.SetID(fmt.Sprintf("id-%04d", m.seq))
	}
	return "native-" + item.Name(), nil
}

func (m *mockPlatform) Run(context.Context, platform.Item) error {
	m.mu.Lock()
	m.runCalls++
	m.mu.Unlock()
	return nil
}

func (m *mockPlatform) RefreshStatus(_ context.Context, item platform.Item) (entity.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshCalls[item.Name()]++
	if err := m.refreshErrs[item.Name()]; err != nil {
		if left, budgeted := m.refreshLeft[item.Name()]; budgeted {
			if left <= 1 {
				delete(m.refreshErrs, item.Name())
				delete(m.refreshLeft, item.Name())
			} else {
				m.refreshLeft[item.Name()] = left - 1
			}
		}
		return entity.StatusNone, err
	}
	if s, ok := m.statuses[item.Name()]; ok {
		return s, nil
	}
	return entity.StatusSucceeded, nil
}

func (m *mockPlatform) FetchFiles(context.Context, platform.Item, []string) (map[string][]byte, error) {
	return nil, nil
}

func (m *mockPlatform) Cancel(_ context.Context, item platform.Item) error {
	m.mu.Lock()
	m.cancelCalls[item.Name()]++
	m.mu.Unlock()
	return nil
}

func (m *mockPlatform) GetParent(context.Context, platform.Item) (platform.Item, error) {
	return nil, nil
}

func (m *mockPlatform) GetChildren(context.Context, platform.Item) ([]platform.Item, error) {
	return nil, nil
}

func (m *mockPlatform) setStatus(name string, s entity.Status) {
	m.mu.Lock()
	m.statuses[name] = s
	m.mu.Unlock()
}

func (m *mockPlatform) creates(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls[name]
}

func (m *mockPlatform) cancels(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelCalls[name]
}

func (m *mockPlatform) refreshes(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshCalls[name]
}

func fastOptions() coordinator.Options {
	return coordinator.Options{
		BatchSize:    4,
		MaxWorkers:   4,
		PollInterval: 5 * time.Millisecond,
		Retry: retryer.Config{
			MaxAttempts:      3,
			InitialDelay:     time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			BackoffFactor:    2.0,
			JitterPercentage: 0.1,
		},
		PostCreateRetry: retryer.Config{
			MaxAttempts:      3,
			InitialDelay:     time.Millisecond,
			MaxDelay:         2 * time.Millisecond,
			BackoffFactor:    1.5,
			JitterPercentage: 0.1,
		},
	}
}

func newExperiment(t *testing.T, simCount int) *entity.Experiment {
	t.Helper()
	exp := entity.NewExperiment("calibration")
	exp.SetID("exp-1")
	for i := 0; i < simCount; i++ {
		sim := entity.NewSimulation(task.NewCommandTask("run_model"))
		sim.SetName(fmt.Sprintf("sim-%d", i))
		require.NoError(t, exp.AddSimulation(sim))
	}
	return exp
}

func TestRunSubmitsAllSimulations(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 5)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{})
	chk.NoError(err)
	chk.Nil(summary)

	chk.Equal("native-calibration", exp.NativeID())
	chk.Equal("mock", exp.PlatformName())
	chk.True(exp.Assets.Frozen())

	sims := exp.Simulations()
	for i, sim := range sims {
		chk.Equal(fmt.Sprintf("native-sim-%d", i), sim.NativeID())
		chk.Equal(entity.StatusRunning, sim.Status())
		chk.Equal("exp-1", sim.ParentID())
	}
	chk.Equal(1, mock.runCalls)
}

func TestRunWaitsUntilDone(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 3)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Nil(summary)
	chk.Equal(entity.StatusSucceeded, exp.Status())
}

func TestRunPartialCreateFailure(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	mock.createErrs["sim-2"] = errs.Fatal(errors.New("bad request"))
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 10)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.NotNil(summary)
	chk.Equal(10, summary.Total)
	chk.Len(summary.Failures, 1)
	chk.ErrorIs(summary.Failures[0].Err, errs.ErrFatal)

	failed := exp.Simulations()[2]
	chk.Equal(entity.StatusFailed, failed.Status())
	chk.True(summary.Failed(failed.ID()))
	chk.Empty(failed.NativeID())

	// Siblings were unaffected and finished.
	for i, sim := range exp.Simulations() {
		if i == 2 {
			continue
		}
		chk.Equal(entity.StatusSucceeded, sim.Status())
	}
	chk.Equal(entity.StatusFailed, exp.Status())
	// A fatal error is not retried.
	chk.Equal(1, mock.creates("sim-2"))
}

func TestRunRetriesTransientCreate(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	// Fail twice, then let the third attempt through.
	mock.createErrs["sim-0"] = errs.Transient(errors.New("503"))
	mock.failuresLeft["sim-0"] = 2

	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 1)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Nil(summary)
	chk.Equal(3, mock.creates("sim-0"))
	chk.Equal(entity.StatusSucceeded, exp.Simulations()[0].Status())
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	mock.createErrs["sim-0"] = errs.Transient(errors.New("still down"))

	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 1)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{})
	chk.NoError(err)
	chk.NotNil(summary)
	chk.Len(summary.Failures, 1)
	chk.ErrorIs(summary.Failures[0].Err, errs.ErrTransient)
	// fastOptions allows 3 attempts.
	chk.Equal(3, mock.creates("sim-0"))
	chk.Equal(entity.StatusFailed, exp.Simulations()[0].Status())
}

func TestRerunFailedSimulation(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	mock.createErrs["sim-1"] = errs.Fatal(errors.New("bad request"))
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 3)

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.NotNil(summary)
	chk.Equal(entity.StatusFailed, exp.Status())

	// Fix the cause, reset the failed simulation, and resubmit.
	mock.mu.Lock()
	delete(mock.createErrs, "sim-1")
	mock.mu.Unlock()
	failed := exp.Simulations()[1]
	chk.NoError(failed.ResetForRerun())
	chk.Equal(entity.StatusCreated, exp.Status())

	before0 := mock.creates("sim-0")
	summary, err = coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Nil(summary)
	chk.Equal(entity.StatusSucceeded, exp.Status())
	chk.Equal("native-sim-1", failed.NativeID())

	// Only the reset simulation was re-created.
	chk.Equal(before0, mock.creates("sim-0"))
}

func TestRerunRerendersConfig(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	mock.createErrs["sim-1"] = errs.Fatal(errors.New("bad request"))
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())

	// Config-rendering tasks add their artifact in a pre-creation hook, so
	// the hook must survive running a second time on resubmission.
	exp := entity.NewExperiment("calibration")
	exp.SetID("exp-1")
	for i := 0; i < 2; i++ {
		jt := task.NewJSONConfiguredTask("run_model")
		jt.SetParameter("replicate", i)
		sim := entity.NewSimulation(jt)
		sim.SetName(fmt.Sprintf("sim-%d", i))
		chk.NoError(exp.AddSimulation(sim))
	}

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.NotNil(summary)
	failed := exp.Simulations()[1]
	chk.Equal(entity.StatusFailed, failed.Status())
	// The first attempt rendered the config before create failed.
	chk.NotNil(failed.Assets.Get("", task.DefaultConfigFileName))

	mock.mu.Lock()
	delete(mock.createErrs, "sim-1")
	mock.mu.Unlock()
	chk.NoError(failed.ResetForRerun())

	summary, err = coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Nil(summary)
	chk.Equal(entity.StatusSucceeded, exp.Status())
	chk.Equal("native-sim-1", failed.NativeID())
	chk.Equal(1, failed.Assets.Len())
}

func TestPostCreateNotFoundRetried(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	// The back-end answers not-found twice before the new simulation is
	// visible; the first refresh after create must absorb that window.
	mock.refreshErrs["sim-0"] = fmt.Errorf("%w: not yet visible", errs.ErrNotFound)
	mock.refreshLeft["sim-0"] = 2

	// A long poll interval so only the post-create policy can make the run
	// finish in time.
	opts := fastOptions()
	opts.PollInterval = time.Minute
	coord := coordinator.New(mock, opts, zap.NewNop())
	exp := newExperiment(t, 1)

	done := make(chan struct{})
	var summary *errs.PartialSuccess
	var err error
	go func() {
		defer close(done)
		summary, err = coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish inside the post-create window")
	}

	chk.NoError(err)
	chk.Nil(summary)
	chk.Equal(entity.StatusSucceeded, exp.Simulations()[0].Status())
	chk.Equal(3, mock.refreshes("sim-0"))
}

func TestAddSimulationAfterSubmit(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 2)

	_, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Equal(entity.StatusSucceeded, exp.Status())

	late := entity.NewSimulation(task.NewCommandTask("run_model"))
	late.SetName("sim-late")
	chk.NoError(exp.AddSimulation(late))

	summary, err := coord.Run(context.Background(), exp, coordinator.RunOptions{WaitUntilDone: true})
	chk.NoError(err)
	chk.Nil(summary)

	// The new simulation ran; the settled ones were not re-created.
	chk.Equal("native-sim-late", late.NativeID())
	chk.Equal(entity.StatusSucceeded, late.Status())
	chk.Equal(1, mock.creates("sim-0"))
	chk.Equal(1, mock.creates("sim-1"))
	// The experiment itself is created exactly once.
	chk.Equal(1, mock.creates("calibration"))
}

func TestCancelIsIdempotent(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 3)

	_, err := coord.Run(context.Background(), exp, coordinator.RunOptions{})
	chk.NoError(err)

	chk.NoError(coord.Cancel(context.Background(), mock, exp))
	for _, sim := range exp.Simulations() {
		chk.Equal(entity.StatusFailed, sim.Status())
		chk.Equal(1, mock.cancels(sim.Name()))
	}

	// A second cancel sees only terminal simulations and does nothing.
	chk.NoError(coord.Cancel(context.Background(), mock, exp))
	for _, sim := range exp.Simulations() {
		chk.Equal(1, mock.cancels(sim.Name()))
	}
}

func TestWaitDeadlineCancelsAndFails(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())
	exp := newExperiment(t, 2)
	mock.setStatus("sim-0", entity.StatusRunning)
	mock.setStatus("sim-1", entity.StatusRunning)

	_, err := coord.Run(context.Background(), exp, coordinator.RunOptions{
		WaitUntilDone: true,
		Timeout:       30 * time.Millisecond,
	})
	chk.ErrorIs(err, errs.ErrDeadlineExceeded)

	for _, sim := range exp.Simulations() {
		chk.Equal(entity.StatusFailed, sim.Status())
		chk.Equal(1, mock.cancels(sim.Name()))
	}
}

func TestPlatformResolutionOrder(t *testing.T) {
	chk := require.New(t)

	// No platform anywhere: validation error.
	coord := coordinator.New(nil, fastOptions(), zap.NewNop())
	_, err := coord.Run(context.Background(), newExperiment(t, 1), coordinator.RunOptions{})
	chk.ErrorIs(err, errs.ErrValidation)

	// The current-platform stack beats the (absent) default.
	stacked := newMockPlatform()
	chk.NoError(platform.With(stacked, func() error {
		_, err := coord.Run(context.Background(), newExperiment(t, 1), coordinator.RunOptions{WaitUntilDone: true})
		return err
	}))
	chk.Equal(1, stacked.creates("sim-0"))

	// An explicit platform beats the stack.
	explicit := newMockPlatform()
	chk.NoError(platform.With(stacked, func() error {
		_, err := coord.Run(context.Background(), newExperiment(t, 1), coordinator.RunOptions{
			Platform:      explicit,
			WaitUntilDone: true,
		})
		return err
	}))
	chk.Equal(1, explicit.creates("sim-0"))
	chk.Equal(1, stacked.creates("sim-0"))
}

func TestRunWorkItem(t *testing.T) {
	chk := require.New(t)

	mock := newMockPlatform()
	coord := coordinator.New(mock, fastOptions(), zap.NewNop())

	w := entity.NewWorkItem("postprocess", task.NewCommandTask("aggregate.sh"))
	chk.NoError(coord.RunWorkItem(context.Background(), w, coordinator.RunOptions{WaitUntilDone: true}))
	chk.Equal("native-postprocess", w.NativeID())
	chk.Equal(entity.StatusSucceeded, w.Status())
	chk.True(w.Assets.Frozen())
}
