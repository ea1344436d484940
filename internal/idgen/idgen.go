// Package idgen provides the pluggable id generators used to assign stable
// entity identity. Ids are immutable once set; equality between entities is
// by id.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/plugins"
)

// Generator produces ids for new entities.
type Generator interface {
	// NewID returns a fresh id. It must never return the same value twice
	// within one generator instance.
	NewID() string
}

// Generators is the registry through which drivers build their id generator
// from configuration. The "uuid" generator takes no options; "sequence"
// reads `id_prefix`.
var Generators = plugins.NewRegistry[Generator]("id generator")

func init() {
	Generators.Register("uuid", func(map[string]interface{}, *zap.Logger) (Generator, error) {
		return NewUUIDGenerator(), nil
	})
	Generators.Register("sequence", func(cfg map[string]interface{}, _ *zap.Logger) (Generator, error) {
		prefix, _ := cfg["id_prefix"].(string)
		return NewSequenceGenerator(prefix), nil
	})
}

// UUIDGenerator is the default generator: a random 128-bit token per entity.
type UUIDGenerator struct{}

func NewUUIDGenerator() *UUIDGenerator {
	return &UUIDGenerator{}
}

func (g *UUIDGenerator) NewID() string {
	return uuid.New().String()
}

// SequenceGenerator issues monotonic per-item ids scoped to one run, in the
// form "<prefix>-<n>". Replaying the same item sequence through a fresh
// SequenceGenerator with the same prefix reproduces the same ids.
type SequenceGenerator struct {
	prefix string
	next   atomic.Uint64
}

func NewSequenceGenerator(prefix string) *SequenceGenerator {
	if prefix == "" {
		prefix = "item"
	}
	return &SequenceGenerator{prefix: strings.TrimSuffix(prefix, "-")}
}

func (g *SequenceGenerator) NewID() string {
	n := g.next.Add(1)
	return fmt.Sprintf("%s-%07d", g.prefix, n)
}
