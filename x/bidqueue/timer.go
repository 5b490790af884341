package bidqueue

import "time"

// Timer is the handle returned by a TimerFactory.
type Timer interface {
	Stop() bool
}

// TimerFactory creates a Timer that fires fn once after duration. Tests
// substitute a virtual-clock implementation so auction-window expiry is
// deterministic (spec.md §9: "tests must be able to substitute a virtual
// clock").
type TimerFactory interface {
	AfterFunc(duration time.Duration, fn func()) Timer
}

// SystemTimerFactory implements TimerFactory using the standard library.
type SystemTimerFactory struct{}

func (SystemTimerFactory) AfterFunc(duration time.Duration, fn func()) Timer {
	return &systemTimer{timer: time.AfterFunc(duration, fn)}
}

type systemTimer struct {
	timer *time.Timer
}

func (t *systemTimer) Stop() bool { return t.timer.Stop() }
