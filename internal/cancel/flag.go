package cancel

import "sync"

// Flag is a one-shot logical interrupt marker owned by a single waiter.
// The zero value is an unset flag.
type Flag struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewFlag returns an unset flag.
func NewFlag() *Flag {
	return &Flag{}
}

// Set marks the flag. Setting an already set flag has no effect.
func (f *Flag) Set() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		return
	}
	f.set = true
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	close(f.ch)
}

// Consume reports whether the flag was set and clears it.
func (f *Flag) Consume() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.set {
		return false
	}
	f.set = false
	f.ch = make(chan struct{})
	return true
}

// IsSet reports whether the flag is set without clearing it.
func (f *Flag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// Wait returns a channel that is closed once the flag is set. A channel
// obtained before Consume stays closed; callers re-fetch it after consuming.
func (f *Flag) Wait() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ch == nil {
		f.ch = make(chan struct{})
	}
	return f.ch
}
