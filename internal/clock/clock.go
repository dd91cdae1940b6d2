// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package clock provides the time source for the daemon. Tests can freeze or
// advance time via SetFixed/Advance without sleeping.
package clock

import (
	"sync"
	"time"
)

var (
	mu    sync.RWMutex
	fixed *time.Time
)

// Now returns the current time, or the fixed test time if one is set.
func Now() time.Time {
	mu.RLock()
	defer mu.RUnlock()
	if fixed != nil {
		return *fixed
	}
	return time.Now()
}

// SetFixed pins Now to the given instant. Intended for tests only.
func SetFixed(t time.Time) {
	mu.Lock()
	defer mu.Unlock()
	fixed = &t
}

// Advance moves the fixed time forward. No-op when time is not fixed.
func Advance(d time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if fixed != nil {
		t := fixed.Add(d)
		fixed = &t
	}
}

// Reset restores the real time source.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	fixed = nil
}
