package clock

import "time"

// Clock abstracts the externally supplied time and block-height providers
// for testability.
type Clock interface {
	Now() time.Time
	Height() uint64
}

// Real is a Clock backed by the system clock. Height counts whole seconds
// since process start, so it is monotonic across one run.
type Real struct{}

var started = time.Now()

// Now returns the current time.
func (Real) Now() time.Time { return time.Now() }

// Height returns the current block height.
func (Real) Height() uint64 { return uint64(time.Since(started) / time.Second) }

// Mock is a Clock that returns fixed values.
type Mock struct {
	T time.Time
	H uint64
}

// Now returns the fixed time.
func (m Mock) Now() time.Time { return m.T }

// Height returns the fixed height.
func (m Mock) Height() uint64 { return m.H }
