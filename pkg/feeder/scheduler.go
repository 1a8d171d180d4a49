package feeder

// Scheduler runs units of work at a later point, never inline.
type Scheduler interface {
	Schedule(fn func())
}

// GoScheduler runs every unit on its own goroutine.
type GoScheduler struct{}

// Schedule implements Scheduler.
func (GoScheduler) Schedule(fn func()) {
	go fn()
}

// SchedulerFunc adapts a function to the Scheduler interface.
type SchedulerFunc func(fn func())

// Schedule implements Scheduler.
func (f SchedulerFunc) Schedule(fn func()) {
	f(fn)
}
