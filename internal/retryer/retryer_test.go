package retryer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/retryer"
)

// fastConfig keeps test retries in the millisecond range.
func fastConfig(attempts int) retryer.Config {
	return retryer.Config{
		MaxAttempts:      attempts,
		InitialDelay:     time.Millisecond,
		MaxDelay:         5 * time.Millisecond,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

func TestRetriesTransientUntilSuccess(t *testing.T) {
	chk := require.New(t)

	calls := 0
	err := retryer.WithRetry(context.Background(), zap.NewNop(), fastConfig(5), "create", nil, func() error {
		calls++
		if calls < 3 {
			return errs.Transient(errors.New("flaky"))
		}
		return nil
	})
	chk.NoError(err)
	chk.Equal(3, calls)
}

func TestStopsAtMaxAttempts(t *testing.T) {
	chk := require.New(t)

	calls := 0
	flaky := errs.Transient(errors.New("still down"))
	err := retryer.WithRetry(context.Background(), zap.NewNop(), fastConfig(4), "poll", nil, func() error {
		calls++
		return flaky
	})
	chk.ErrorIs(err, errs.ErrTransient)
	chk.Equal(4, calls)
}

func TestFatalErrorNotRetried(t *testing.T) {
	chk := require.New(t)

	calls := 0
	err := retryer.WithRetry(context.Background(), zap.NewNop(), fastConfig(5), "create", nil, func() error {
		calls++
		return errs.Fatal(errors.New("bad image"))
	})
	chk.ErrorIs(err, errs.ErrFatal)
	chk.Equal(1, calls)
}

func TestCustomRetryablePredicate(t *testing.T) {
	chk := require.New(t)

	calls := 0
	notFound := func(err error) bool { return errors.Is(err, errs.ErrNotFound) }
	err := retryer.WithRetry(context.Background(), zap.NewNop(), fastConfig(3), "refresh", notFound, func() error {
		calls++
		return errs.ErrNotFound
	})
	chk.ErrorIs(err, errs.ErrNotFound)
	chk.Equal(3, calls)
}

func TestContextCancelsWait(t *testing.T) {
	chk := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cfg := retryer.Config{
		MaxAttempts:   3,
		InitialDelay:  time.Minute,
		MaxDelay:      time.Minute,
		BackoffFactor: 2.0,
	}

	done := make(chan error, 1)
	go func() {
		done <- retryer.WithRetry(ctx, zap.NewNop(), cfg, "create", nil, func() error {
			return errs.Transient(errors.New("flaky"))
		})
	}()

	cancel()
	select {
	case err := <-done:
		chk.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("retry did not observe cancellation")
	}
}
