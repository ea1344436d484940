package sweep_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/sweep"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// setTag returns a callback recording the value under the given tag key.
func setTag(key string) sweep.Callback {
	return func(_ *entity.Simulation, value interface{}) (tags.Tags, error) {
		return tags.Tags{key: value}, nil
	}
}

// collect applies every point of the builder to a throwaway simulation and
// returns the merged tags per point, in enumeration order.
func collect(t *testing.T, b *sweep.Builder) []tags.Tags {
	t.Helper()
	chk := require.New(t)

	out := make([]tags.Tags, b.Count())
	for i := range out {
		point, err := b.Point(i)
		chk.NoError(err)
		merged := tags.Tags{}
		for _, binding := range point {
			sim := entity.NewSimulation(nil)
			got, err := binding.Apply(sim, binding.Value)
			chk.NoError(err)
			merged.Merge(got)
		}
		out[i] = merged
	}
	return out
}

func TestCrossProductOrder(t *testing.T) {
	chk := require.New(t)

	b := sweep.NewBuilder().
		AddSweepDefinition(setTag("a"), int64(1), int64(2)).
		AddSweepDefinition(setTag("b"), "x", "y", "z")
	chk.NoError(b.Validate())
	chk.Equal(6, b.Count())

	want := []tags.Tags{
		{"a": int64(1), "b": "x"},
		{"a": int64(1), "b": "y"},
		{"a": int64(1), "b": "z"},
		{"a": int64(2), "b": "x"},
		{"a": int64(2), "b": "y"},
		{"a": int64(2), "b": "z"},
	}
	got := collect(t, b)
	for i := range want {
		chk.True(want[i].Equal(got[i]), "point %d: want %v, got %v", i, want[i], got[i])
	}
}

func TestPairwiseZipsPositionally(t *testing.T) {
	chk := require.New(t)

	arm := sweep.NewPairArm().
		AddSweep(setTag("x"), []interface{}{int64(1), int64(2), int64(3)}).
		AddSweep(setTag("y"), []interface{}{"a", "b", "c"})
	b := sweep.NewBuilder().AddArm(arm)
	chk.NoError(b.Validate())
	chk.Equal(3, b.Count())

	got := collect(t, b)
	chk.True(tags.Tags{"x": int64(2), "y": "b"}.Equal(got[1]))
}

func TestPairwiseLengthMismatch(t *testing.T) {
	chk := require.New(t)

	arm := sweep.NewPairArm().
		AddSweep(setTag("x"), []interface{}{1, 2, 3}).
		AddSweep(setTag("y"), []interface{}{"a", "b"})
	b := sweep.NewBuilder().AddArm(arm)
	chk.ErrorIs(b.Validate(), errs.ErrArmShape)
}

func TestEmptyValueListRejected(t *testing.T) {
	chk := require.New(t)

	b := sweep.NewBuilder().AddSweepDefinition(setTag("a"))
	chk.ErrorIs(b.Validate(), errs.ErrValidation)
}

func TestArmUnionConcatenates(t *testing.T) {
	chk := require.New(t)

	b := sweep.NewBuilder().
		AddArm(sweep.NewCrossArm().AddSweep(setTag("a"), []interface{}{int64(1), int64(2)})).
		AddArm(sweep.NewPairArm().AddSweep(setTag("p"), []interface{}{"only"}))
	chk.NoError(b.Validate())
	chk.Equal(3, b.Count())

	got := collect(t, b)
	chk.True(tags.Tags{"a": int64(1)}.Equal(got[0]))
	chk.True(tags.Tags{"a": int64(2)}.Equal(got[1]))
	chk.True(tags.Tags{"p": "only"}.Equal(got[2]))

	_, err := b.Point(3)
	chk.ErrorIs(err, errs.ErrValidation)
}

func TestPointDecodingIsRepeatable(t *testing.T) {
	chk := require.New(t)

	b := sweep.NewBuilder().
		AddSweepDefinition(setTag("a"), int64(1), int64(2), int64(3)).
		AddSweepDefinition(setTag("b"), "x", "y")

	first := collect(t, b)
	second := collect(t, b)
	for i := range first {
		chk.True(first[i].Equal(second[i]))
	}
}

func TestLoadYAML(t *testing.T) {
	chk := require.New(t)

	doc := `
arms:
  - type: cross
    sweeps:
      - function: set_beta
        values: [0.1, 0.2]
      - function: set_replicate
        values: [1, 2, 3]
  - type: pair
    sweeps:
      - function: set_beta
        values: [0.9]
`
	resolver := sweep.Resolver{
		"set_beta":      setTag("beta"),
		"set_replicate": setTag("replicate"),
	}
	b, err := sweep.LoadYAML(strings.NewReader(doc), resolver)
	chk.NoError(err)
	chk.Equal(7, b.Count())

	got := collect(t, b)
	chk.True(tags.Tags{"beta": 0.1, "replicate": int64(1)}.Equal(got[0]))
	chk.True(tags.Tags{"beta": 0.9}.Equal(got[6]))
}

func TestLoadYAMLUnknownFunction(t *testing.T) {
	chk := require.New(t)

	doc := `
arms:
  - sweeps:
      - function: nope
        values: [1]
`
	_, err := sweep.LoadYAML(strings.NewReader(doc), sweep.Resolver{})
	chk.ErrorIs(err, errs.ErrValidation)
}

func TestLoadCSV(t *testing.T) {
	chk := require.New(t)

	doc := "set_beta,set_replicate\n0.1,1\n0.2,2\n"
	resolver := sweep.Resolver{
		"set_beta":      setTag("beta"),
		"set_replicate": setTag("replicate"),
	}
	b, err := sweep.LoadCSV(strings.NewReader(doc), resolver)
	chk.NoError(err)
	chk.Equal(2, b.Count())

	got := collect(t, b)
	chk.True(tags.Tags{"beta": 0.2, "replicate": int64(2)}.Equal(got[1]))
}

func TestLoadCSVRejectsHeaderOnly(t *testing.T) {
	chk := require.New(t)

	_, err := sweep.LoadCSV(strings.NewReader("set_beta\n"), sweep.Resolver{"set_beta": setTag("beta")})
	chk.ErrorIs(err, errs.ErrValidation)
}
