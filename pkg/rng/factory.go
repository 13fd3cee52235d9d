// Package rng hands out named random streams derived from one seed, so a
// generator run is reproducible stream by stream.
package rng

import (
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"
)

type Mode int

const (
	Deterministic Mode = iota
	Real
)

type Factory struct {
	seed uint64

	mu      sync.Mutex
	streams map[string]*rand.Rand
}

func New(mode Mode, seed uint64) *Factory {
	if mode == Real {
		// 只在这里取一次时间
		seed = uint64(time.Now().UnixNano())
	}
	return &Factory{seed: seed, streams: make(map[string]*rand.Rand)}
}

// Seed is the base seed, worth logging in Real mode.
func (f *Factory) Seed() uint64 { return f.seed }

// R returns the stream for name, creating it on first use. A stream is not
// safe for concurrent use.
func (f *Factory) R(name string) *rand.Rand {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.streams[name]; ok {
		return r
	}
	r := rand.New(rand.NewPCG(f.seed, streamKey(name)))
	f.streams[name] = r
	return r
}

func streamKey(name string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return h.Sum64()
}
