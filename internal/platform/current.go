package platform

import "sync"

// The current-platform stack is a convenience for user code wrapping run
// calls; library internals never read it and always accept the platform
// explicitly.
var (
	currentMu    sync.Mutex
	currentStack []Platform
)

// Push makes p the current platform and returns the function that restores
// the previous one. Intended use:
//
//	defer platform.Push(p)()
func Push(p Platform) func() {
	currentMu.Lock()
	currentStack = append(currentStack, p)
	currentMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			currentMu.Lock()
			defer currentMu.Unlock()
			if n := len(currentStack); n > 0 {
				currentStack = currentStack[:n-1]
			}
		})
	}
}

// Current returns the innermost pushed platform, or nil when the stack is
// empty.
func Current() Platform {
	currentMu.Lock()
	defer currentMu.Unlock()
	if n := len(currentStack); n > 0 {
		return currentStack[n-1]
	}
	return nil
}

// With runs fn with p as the current platform.
func With(p Platform, fn func() error) error {
	defer Push(p)()
	return fn()
}
