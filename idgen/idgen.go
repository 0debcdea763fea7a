// Package idgen issues row identifiers.
package idgen

import (
	"fmt"
	"sync"
	"time"
)

// Source hands out identifiers that are unique among the ids it has
// issued.
type Source interface {
	Next() string
}

// Generator is seeded from the clock and counts up under a mutex.
// Ids are unique while the process lives; a restart may reuse them
// unless the node part differs, so give each device its own node.
type Generator struct {
	lock    sync.Mutex
	node    uint64
	counter uint64
}

func NewGenerator(node uint64) *Generator {
	return &Generator{node: node, counter: uint64(time.Now().UnixMilli()) << 12}
}

func (g *Generator) Next() string {
	g.lock.Lock()
	g.counter++
	n := g.counter
	g.lock.Unlock()
	return fmt.Sprintf("%x-%x", g.node, n)
}

// Sequence is a deterministic Source for tests: prefix-1, prefix-2...
type Sequence struct {
	lock   sync.Mutex
	prefix string
	n      int
}

func NewSequence(prefix string) *Sequence {
	return &Sequence{prefix: prefix}
}

func (s *Sequence) Next() string {
	s.lock.Lock()
	s.n++
	n := s.n
	s.lock.Unlock()
	return fmt.Sprintf("%s-%d", s.prefix, n)
}
