package rts2

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Interest Set — peer devices this driver wants to observe
// -------------------------------------------------------------------------

// ValueCallback is invoked when an observed peer value changes.
// The raw string is the wire rendering from the peer's V line.
type ValueCallback func(device, value, raw string)

// StateCallback is invoked when an observed peer announces a state,
// with the BOP word the peer last reported.
type StateCallback func(device string, state, bop uint32)

// peerAttemptBackoff is the minimum spacing between connection
// attempts to the same peer.
const peerAttemptBackoff = 30 * time.Second

// InterestSet tracks the peer device names whose values or state this
// device observes, the registered callbacks, and the dial backoff
// bookkeeping used by the interest loop.
type InterestSet struct {
	mu          sync.Mutex
	names       map[string]struct{}
	valueCBs    map[string][]ValueCallback // keyed "device.value"
	stateCBs    map[string][]StateCallback // keyed "device"
	lastAttempt map[string]time.Time
}

// NewInterestSet creates an empty interest set.
func NewInterestSet() *InterestSet {
	return &InterestSet{
		names:       make(map[string]struct{}),
		valueCBs:    make(map[string][]ValueCallback),
		stateCBs:    make(map[string][]StateCallback),
		lastAttempt: make(map[string]time.Time),
	}
}

// SubscribeValue registers interest in "device.value". The interest
// loop will establish an authenticated session to the device once
// centrald advertises it.
func (s *InterestSet) SubscribeValue(key string, cb ValueCallback) error {
	device, _, ok := strings.Cut(key, ".")
	if !ok || device == "" {
		return fmt.Errorf("subscribe %q: want \"device.value\"", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[device] = struct{}{}
	s.valueCBs[key] = append(s.valueCBs[key], cb)
	return nil
}

// SubscribeState registers interest in a peer device's state word.
func (s *InterestSet) SubscribeState(device string, cb StateCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[device] = struct{}{}
	s.stateCBs[device] = append(s.stateCBs[device], cb)
}

// Contains reports whether the device name is in the interest set.
func (s *InterestSet) Contains(device string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[device]
	return ok
}

// Names returns the subscribed peer device names.
func (s *InterestSet) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	return out
}

// NotifyValue fires the value callbacks registered for
// "device.value", if any.
func (s *InterestSet) NotifyValue(device, value, raw string) {
	s.mu.Lock()
	cbs := s.valueCBs[device+"."+value]
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(device, value, raw)
	}
}

// NotifyState fires the state callbacks registered for the device.
func (s *InterestSet) NotifyState(device string, state, bop uint32) {
	s.mu.Lock()
	cbs := s.stateCBs[device]
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(device, state, bop)
	}
}

// AttemptAllowed reports whether a dial to the peer is due: the last
// attempt must be older than the backoff. A permitted attempt is
// recorded immediately.
func (s *InterestSet) AttemptAllowed(device string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastAttempt[device]; ok && now.Sub(last) < peerAttemptBackoff {
		return false
	}
	s.lastAttempt[device] = now
	return true
}
