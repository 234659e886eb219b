package service

import "time"

// watchdog is the per-run ceiling timer. Expiry runs onExpire once; it does
// not cancel the work it is watching.
type watchdog struct {
	timer *time.Timer
	fired chan struct{}
	done  chan struct{}
}

func startWatchdog(d time.Duration, onExpire func()) *watchdog {
	w := &watchdog{fired: make(chan struct{}), done: make(chan struct{})}
	w.timer = time.AfterFunc(d, func() {
		close(w.fired)
		defer close(w.done)
		onExpire()
	})
	return w
}

// Stop disarms the watchdog and must be called once. It returns false when
// the watchdog already fired, after waiting for the expiry handler to finish.
func (w *watchdog) Stop() bool {
	if w.timer.Stop() {
		return true
	}
	<-w.done
	return false
}

// Expired is closed once the ceiling has passed.
func (w *watchdog) Expired() <-chan struct{} { return w.fired }
