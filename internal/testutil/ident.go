package testutil

import (
	"fmt"
	"sync"
)

// SequentialGenerator produces readable, deterministic identities like
// "origin-r1", "origin-r2" for golden traces. Unlike
// record.FixedGenerator it never exhausts, which suits scenarios that
// do not declare their record count up front.
//
// Thread-safe.
type SequentialGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequentialGenerator creates a generator with the given prefix.
func NewSequentialGenerator(prefix string) *SequentialGenerator {
	return &SequentialGenerator{prefix: prefix}
}

// Generate returns the next identity.
func (g *SequentialGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-r%d", g.prefix, g.n)
}
