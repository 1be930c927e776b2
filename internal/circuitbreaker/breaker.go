// Package circuitbreaker stops calling an upstream that keeps failing.
// Each key moves closed → open → half-open on its own.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Do while the circuit for a key is open.
var ErrOpen = errors.New("circuit open")

// State is the circuit state of one key.
type State int

const (
	StateClosed   State = iota // calls flow through
	StateOpen                  // calls are refused
	StateHalfOpen              // one probe call is in flight
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker tracks consecutive failures per key. A key opens after
// threshold failures and allows a single probe once cooldown has passed.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(key string, from, to State)
}

// New returns a breaker. Non-positive arguments fall back to 5 failures
// and a 30 second cooldown.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		entries:   make(map[string]*entry),
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// OnTransition registers a callback fired after every state change.
func (b *Breaker) OnTransition(fn func(key string, from, to State)) {
	b.mu.Lock()
	b.onTransition = fn
	b.mu.Unlock()
}

// Do runs fn unless the circuit for key is open. Errors for which
// counts returns false (caller mistakes such as a 4xx) do not trip the
// circuit. A nil counts treats every error as a failure.
func (b *Breaker) Do(key string, counts func(error) bool, fn func() error) error {
	if !b.Allow(key) {
		return ErrOpen
	}
	err := fn()
	if err != nil && (counts == nil || counts(err)) {
		b.RecordFailure(key)
	} else {
		b.RecordSuccess(key)
	}
	return err
}

// Allow reports whether a call for key may proceed. An open circuit
// whose cooldown has passed turns half-open and lets one probe through.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return true
	}
	switch e.state {
	case StateOpen:
		if b.now().Sub(e.lastFailure) >= b.cooldown {
			b.transition(e, key, StateHalfOpen)
			return true
		}
		return false
	case StateHalfOpen:
		return false
	default:
		return true
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		return
	}
	if e.state == StateHalfOpen {
		b.transition(e, key, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failure. A failed probe reopens the circuit.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[key]
	if !ok {
		e = &entry{}
		b.entries[key] = e
	}
	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, key, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, key, StateOpen)
	}
}

// State returns the state of key; unknown keys are closed.
func (b *Breaker) State(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e, ok := b.entries[key]; ok {
		return e.state
	}
	return StateClosed
}

// caller holds b.mu
func (b *Breaker) transition(e *entry, key string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	if fn := b.onTransition; fn != nil {
		go fn(key, from, to)
	}
}
