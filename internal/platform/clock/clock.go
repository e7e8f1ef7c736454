package clock

import "time"

// Clock allows deterministic time behavior in tests and replay flows.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a clock pinned to an instant, advanced explicitly by tests.
type Fixed struct {
	T time.Time
}

func (f *Fixed) Now() time.Time {
	return f.T.UTC()
}

func (f *Fixed) Advance(d time.Duration) {
	f.T = f.T.Add(d)
}
