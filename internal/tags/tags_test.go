package tags_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

func TestNormalizeValueCoercions(t *testing.T) {
	chk := require.New(t)

	chk.Equal(true, tags.NormalizeValue("true"))
	chk.Equal(false, tags.NormalizeValue("False"))
	chk.Nil(tags.NormalizeValue("null"))
	chk.Equal(int64(42), tags.NormalizeValue("42"))
	chk.Equal(3.5, tags.NormalizeValue("3.5"))
	chk.Equal("sir-2", tags.NormalizeValue("sir-2"))

	chk.Equal(int64(7), tags.NormalizeValue(7))
	chk.Equal(int64(7), tags.NormalizeValue(int32(7)))
	chk.Equal(int64(7), tags.NormalizeValue(uint8(7)))

	// Floats carrying an exact integer fold to int64 so values survive a
	// JSON round trip unchanged.
	chk.Equal(int64(2), tags.NormalizeValue(2.0))
	chk.Equal(0.25, tags.NormalizeValue(0.25))
}

func TestNormalizeIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := tags.Tags{}
		n := rapid.IntRange(0, 8).Draw(t, "n")
		for i := 0; i < n; i++ {
			key := rapid.StringMatching(`[a-z_]{1,10}`).Draw(t, "key")
			switch rapid.IntRange(0, 3).Draw(t, "kind") {
			case 0:
				in[key] = rapid.Int64().Draw(t, "int")
			case 1:
				in[key] = rapid.Float64Range(-1e12, 1e12).Draw(t, "float")
			case 2:
				in[key] = rapid.String().Draw(t, "string")
			default:
				in[key] = rapid.Bool().Draw(t, "bool")
			}
		}
		once := tags.Normalize(in)
		twice := tags.Normalize(once)
		if !once.Equal(twice) {
			t.Fatalf("normalization not idempotent: %v vs %v", once, twice)
		}
	})
}

func TestNormalizeSurvivesJSONRoundTrip(t *testing.T) {
	chk := require.New(t)

	in := tags.Normalize(tags.Tags{
		"replicate": 3,
		"beta":      0.25,
		"pop":       100000.0,
		"scenario":  "baseline",
		"enabled":   true,
	})

	data, err := json.Marshal(in)
	chk.NoError(err)
	var back tags.Tags
	chk.NoError(json.Unmarshal(data, &back))

	chk.True(in.Equal(tags.Normalize(back)))
}

func TestMergeLastWriterWins(t *testing.T) {
	chk := require.New(t)

	base := tags.Tags{"a": int64(1), "b": "keep"}
	merged := base.Clone()
	merged.Merge(tags.Tags{"a": int64(2), "c": true})

	chk.Equal(int64(2), merged["a"])
	chk.Equal("keep", merged["b"])
	chk.Equal(true, merged["c"])
	// Source untouched.
	chk.Equal(int64(1), base["a"])
}

func TestFilter(t *testing.T) {
	chk := require.New(t)

	set := tags.Tags{"scenario": "baseline", "replicate": int64(3)}

	chk.True(tags.NewFilter().WhereEqual("scenario", "baseline").Matches(set))
	chk.False(tags.NewFilter().WhereEqual("scenario", "variant").Matches(set))
	chk.False(tags.NewFilter().WhereEqual("missing", "x").Matches(set))

	odd := tags.NewFilter().Where("replicate", func(v interface{}) bool {
		n, ok := v.(int64)
		return ok && n%2 == 1
	})
	chk.True(odd.Matches(set))

	// Empty filter matches everything.
	chk.True(tags.NewFilter().Matches(set))
	chk.True(tags.NewFilter().Matches(nil))
}
