package pool

import (
	"sync"
	"time"
)

// reaper arms a single cancellable teardown timer per key. Scheduling an
// already-armed key restarts its window (debounce, not queue); any new
// activity cancels it outright.
type reaper struct {
	mu      sync.Mutex
	delay   time.Duration
	timers  map[string]*time.Timer
	fire    func(key string)
	stopped bool
}

func newReaper(delay time.Duration, fire func(key string)) *reaper {
	return &reaper{
		delay:  delay,
		timers: make(map[string]*time.Timer),
		fire:   fire,
	}
}

func (r *reaper) schedule(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if t, ok := r.timers[key]; ok {
		t.Stop()
	}
	r.timers[key] = time.AfterFunc(r.delay, func() { r.fired(key) })
}

func (r *reaper) fired(key string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.timers, key)
	r.mu.Unlock()
	r.fire(key)
}

func (r *reaper) cancel(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[key]; ok {
		t.Stop()
		delete(r.timers, key)
	}
}

func (r *reaper) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for key, t := range r.timers {
		t.Stop()
		delete(r.timers, key)
	}
}
