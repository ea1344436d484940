package assets

import (
	"path"
	"strings"
)

// FilterInput is what a directory-scan filter sees for each candidate file.
type FilterInput struct {
	Filename     string
	RelativePath string
	Size         int64
}

// FilterFunc is a single predicate over a candidate file.
type FilterFunc func(FilterInput) bool

// FilterMode controls how multiple filters combine.
type FilterMode int

const (
	// FilterAnd accepts a file only when every filter accepts it.
	FilterAnd FilterMode = iota
	// FilterOr accepts a file when any filter accepts it.
	FilterOr
)

// FilterSet is a composable group of predicates. Evaluation short-circuits:
// AND stops at the first rejection, OR at the first acceptance.
type FilterSet struct {
	Mode    FilterMode
	Filters []FilterFunc
}

// Accepts runs the filter set against one candidate. An empty set accepts
// everything.
func (fs *FilterSet) Accepts(in FilterInput) bool {
	if fs == nil || len(fs.Filters) == 0 {
		return true
	}
	if fs.Mode == FilterOr {
		for _, f := range fs.Filters {
			if f(in) {
				return true
			}
		}
		return false
	}
	for _, f := range fs.Filters {
		if !f(in) {
			return false
		}
	}
	return true
}

// WithExtension accepts files with any of the given extensions
// (leading dot optional, case-insensitive).
func WithExtension(exts ...string) FilterFunc {
	normalized := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(e)
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		normalized = append(normalized, e)
	}
	return func(in FilterInput) bool {
		got := strings.ToLower(path.Ext(in.Filename))
		for _, e := range normalized {
			if got == e {
				return true
			}
		}
		return false
	}
}

// ExcludeName rejects files whose name matches any of the given names.
func ExcludeName(names ...string) FilterFunc {
	return func(in FilterInput) bool {
		for _, n := range names {
			if in.Filename == n {
				return false
			}
		}
		return true
	}
}

// MaxSize accepts files no larger than limit bytes.
func MaxSize(limit int64) FilterFunc {
	return func(in FilterInput) bool {
		return in.Size <= limit
	}
}

// UnderPath accepts files whose relative path is at or below prefix.
func UnderPath(prefix string) FilterFunc {
	prefix = strings.Trim(prefix, "/")
	return func(in FilterInput) bool {
		rp := strings.Trim(in.RelativePath, "/")
		return rp == prefix || strings.HasPrefix(rp, prefix+"/")
	}
}
