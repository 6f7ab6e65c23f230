package pool

import "sync"

// aimd is the additive-increase/multiplicative-decrease concurrency
// controller. The effective cap starts at max, halves on every capacity
// error, and creeps back up by one after each run of consecutive successes.
// It never leaves [1, max].
type aimd struct {
	mu        sync.Mutex
	cap       int
	max       int
	streak    int // consecutive successes since the last adjustment
	threshold int // streak length that earns an additive increase
}

func newAIMD(max, successThreshold int) *aimd {
	if max < 1 {
		max = 1
	}
	if successThreshold < 1 {
		successThreshold = 1
	}
	return &aimd{cap: max, max: max, threshold: successThreshold}
}

// limit returns the current in-flight cap.
func (a *aimd) limit() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cap
}

// onSuccess credits one successful call and may additively raise the cap.
func (a *aimd) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streak++
	if a.streak >= a.threshold && a.cap < a.max {
		a.cap++
		a.streak = 0
	}
}

// onCapacity halves the cap in response to provider pushback.
func (a *aimd) onCapacity() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cap /= 2
	if a.cap < 1 {
		a.cap = 1
	}
	a.streak = 0
}
