// Package faults implements the fault-injection policy sampled by each
// worker handler: independent drop/delay/wrong Bernoulli trials plus a
// uniform injected delay. Every worker gets its own RNG (its handlers
// share it under the Policy's mutex) so outcomes are never correlated
// across the fleet — a shared RNG would make "two workers drop on the same request"
// a suspiciously common event instead of the independent coin flips the
// spec requires.
package faults

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Rates holds the three percentages in [0,100] and the delay range in
// milliseconds. Mutable at runtime via Policy.Set without interrupting
// in-flight handlers — handlers snapshot Rates once per request.
type Rates struct {
	DropPct  int
	DelayPct int
	WrongPct int
	MinMs    int
	MaxMs    int
}

// Policy owns one worker's fault configuration and RNG. Safe for
// concurrent use: Set is called from the admin surface, Sample from
// concurrent connection handlers.
type Policy struct {
	mu     sync.RWMutex
	rates  Rates
	rng    *rand.Rand
	offset time.Duration
}

// New creates a Policy seeded independently per worker. seed should be
// derived from the worker id plus process entropy so two workers never
// share a stream.
func New(rates Rates, seed uint64) *Policy {
	return &Policy{
		rates: rates,
		rng:   rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		// A small randomized per-worker offset staggers worst-case delays
		// across the fleet so they don't all spike in lockstep.
		offset: time.Duration(seed%7) * time.Millisecond,
	}
}

// Set updates the fault rates and delay range. Does not affect handlers
// already past their sampling point.
func (p *Policy) Set(r Rates) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates = r
}

// Get returns the current rates.
func (p *Policy) Get() Rates {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.rates
}

// Outcome is the result of sampling all three dice for one request.
type Outcome struct {
	Drop  bool
	Delay time.Duration // zero if the delay die missed
	Wrong bool
}

// Sample rolls the three independent dice against a snapshot of the
// current rates, taken under lock so a concurrent Set doesn't tear a
// single sample across old and new rates.
func (p *Policy) Sample() Outcome {
	p.mu.RLock()
	r := p.rates
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	var out Outcome
	out.Drop = p.bernoulli(r.DropPct)
	if p.bernoulli(r.DelayPct) {
		out.Delay = p.uniformDelay(r.MinMs, r.MaxMs) + p.offset
	}
	out.Wrong = p.bernoulli(r.WrongPct)
	return out
}

// bernoulli reports true with probability pct/100. Caller must hold mu.
func (p *Policy) bernoulli(pct int) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	return p.rng.IntN(100) < pct
}

// uniformDelay samples a duration uniformly in [minMs, maxMs]. Caller
// must hold mu.
func (p *Policy) uniformDelay(minMs, maxMs int) time.Duration {
	if maxMs <= minMs {
		return time.Duration(minMs) * time.Millisecond
	}
	span := maxMs - minMs
	return time.Duration(minMs+p.rng.IntN(span+1)) * time.Millisecond
}

// RandomSuffix returns a short pseudo-random token for constructing a
// distinguishable wrong reply (e.g. "ERROR_<random>").
func (p *Policy) RandomSuffix() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	const alphabet = "0123456789abcdef"
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = alphabet[p.rng.IntN(len(alphabet))]
	}
	return string(buf)
}
