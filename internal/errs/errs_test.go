package errs_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

func TestTransientAndFatalWrapping(t *testing.T) {
	chk := require.New(t)

	base := errors.New("connection reset")
	chk.True(errs.IsTransient(errs.Transient(base)))
	chk.ErrorIs(errs.Transient(base), base)

	chk.False(errs.IsTransient(errs.Fatal(base)))
	chk.ErrorIs(errs.Fatal(base), errs.ErrFatal)

	chk.Nil(errs.Transient(nil))
	chk.Nil(errs.Fatal(nil))
}

func TestBackendErrorUnwraps(t *testing.T) {
	chk := require.New(t)

	inner := errs.Transient(errors.New("503"))
	err := errs.NewBackendError("Create", "sim-1", inner)

	chk.True(errs.IsTransient(err))
	chk.Contains(err.Error(), "Create")
	chk.Contains(err.Error(), "sim-1")

	var be *errs.BackendError
	chk.ErrorAs(err, &be)
	chk.Equal("sim-1", be.ItemID)
}

func TestPartialSuccess(t *testing.T) {
	chk := require.New(t)

	ps := &errs.PartialSuccess{
		Op:    "batch create",
		Total: 10,
		Failures: []errs.ItemOutcome{
			{ItemID: "sim-3", Err: errors.New("boom")},
		},
	}
	chk.True(ps.Failed("sim-3"))
	chk.False(ps.Failed("sim-4"))
	chk.Equal("batch create: 1 of 10 items failed", ps.Error())
}
