// Package sweep implements arm-structured parameter sweeps: Cartesian
// (cross) arms and position-wise (pairwise) arms that expand a template task
// into many simulations.
package sweep

import (
	"fmt"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/entity"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/tags"
)

// Callback applies one sweep value to a freshly cloned simulation and
// returns the tags to merge into it. Tag collisions across callbacks within
// one point resolve last-writer-wins in builder add order.
type Callback func(sim *entity.Simulation, value interface{}) (tags.Tags, error)

// Binding pairs a callback with the value it should receive for one point.
type Binding struct {
	Apply Callback
	Value interface{}
}

// Point is one sweep point: the ordered bindings to apply to one simulation.
type Point []Binding

// ArmKind distinguishes the two arm shapes.
type ArmKind int

const (
	// ArmCross emits the full Cartesian product of its value lists, in
	// lexicographic order of add sequence (first-added varies slowest).
	ArmCross ArmKind = iota
	// ArmPair zips its value lists position-wise. All lists must have equal
	// length.
	ArmPair
)

type sweepDef struct {
	apply  Callback
	values []interface{}
}

// Arm is one group of (callback, value list) pairs sharing a shape.
type Arm struct {
	kind   ArmKind
	sweeps []sweepDef
}

// NewCrossArm returns an empty Cartesian arm.
func NewCrossArm() *Arm {
	return &Arm{kind: ArmCross}
}

// NewPairArm returns an empty pairwise arm.
func NewPairArm() *Arm {
	return &Arm{kind: ArmPair}
}

// AddSweep appends a (callback, value list) pair to the arm.
func (a *Arm) AddSweep(cb Callback, values []interface{}) *Arm {
	a.sweeps = append(a.sweeps, sweepDef{apply: cb, values: values})
	return a
}

// validate checks the arm shape. Pairwise arms require equal-length value
// lists; empty value lists are invalid for either shape.
func (a *Arm) validate() error {
	for i, s := range a.sweeps {
		if len(s.values) == 0 {
			return fmt.Errorf("%w: sweep %d has no values", errs.ErrValidation, i)
		}
	}
	if a.kind == ArmPair && len(a.sweeps) > 1 {
		want := len(a.sweeps[0].values)
		for i, s := range a.sweeps[1:] {
			if len(s.values) != want {
				return fmt.Errorf("%w: pairwise lists have lengths %d and %d",
					errs.ErrArmShape, want, len(a.sweeps[i+1].values))
			}
		}
	}
	return nil
}

// count returns the number of points the arm emits.
func (a *Arm) count() int {
	if len(a.sweeps) == 0 {
		return 0
	}
	if a.kind == ArmPair {
		return len(a.sweeps[0].values)
	}
	n := 1
	for _, s := range a.sweeps {
		n *= len(s.values)
	}
	return n
}

// point decodes the i-th point of the arm. Cross arms treat i as a mixed
// radix number with the first-added sweep as the most significant digit.
func (a *Arm) point(i int) Point {
	p := make(Point, len(a.sweeps))
	if a.kind == ArmPair {
		for j, s := range a.sweeps {
			p[j] = Binding{Apply: s.apply, Value: s.values[i]}
		}
		return p
	}
	rem := i
	for j := len(a.sweeps) - 1; j >= 0; j-- {
		s := a.sweeps[j]
		p[j] = Binding{Apply: s.apply, Value: s.values[rem%len(s.values)]}
		rem /= len(s.values)
	}
	return p
}

// Builder composes arms disjunctively: the emitted point set is the union of
// the arms' point sets, one arm after the other, without deduplication.
type Builder struct {
	arms []*Arm
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddArm appends an arm.
func (b *Builder) AddArm(a *Arm) *Builder {
	b.arms = append(b.arms, a)
	return b
}

// AddSweepDefinition appends a (callback, value list) pair to the builder's
// trailing cross arm, creating one if the builder is empty or ends with a
// pairwise arm. This is the common path for plain Cartesian sweeps.
func (b *Builder) AddSweepDefinition(cb Callback, values ...interface{}) *Builder {
	if len(b.arms) == 0 || b.arms[len(b.arms)-1].kind != ArmCross {
		b.arms = append(b.arms, NewCrossArm())
	}
	b.arms[len(b.arms)-1].AddSweep(cb, values)
	return b
}

// Validate checks every arm. It runs before any simulation is built.
func (b *Builder) Validate() error {
	for _, a := range b.arms {
		if err := a.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the total number of points across all arms.
func (b *Builder) Count() int {
	n := 0
	for _, a := range b.arms {
		n += a.count()
	}
	return n
}

// Point decodes the i-th point across the arm union. Decoding by index keeps
// enumeration deterministic and restartable: two passes yield equal
// sequences.
func (b *Builder) Point(i int) (Point, error) {
	for _, a := range b.arms {
		if i < a.count() {
			return a.point(i), nil
		}
		i -= a.count()
	}
	return nil, fmt.Errorf("%w: sweep point index %d out of range", errs.ErrValidation, i)
}
