package pool

import (
	"sync"
	"testing"
	"time"
)

type fireRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (f *fireRecorder) fire(key string) {
	f.mu.Lock()
	f.fired = append(f.fired, key)
	f.mu.Unlock()
}

func (f *fireRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fired)
}

func TestReaperFiresAfterDelay(t *testing.T) {
	rec := &fireRecorder{}
	r := newReaper(20*time.Millisecond, rec.fire)
	defer r.stop()

	r.schedule("k")
	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReaperCancelPreventsFiring(t *testing.T) {
	rec := &fireRecorder{}
	r := newReaper(20*time.Millisecond, rec.fire)
	defer r.stop()

	r.schedule("k")
	r.cancel("k")
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("cancelled timer fired %d times", rec.count())
	}
}

func TestRescheduleDebounces(t *testing.T) {
	rec := &fireRecorder{}
	r := newReaper(40*time.Millisecond, rec.fire)
	defer r.stop()

	// Re-arming an armed key replaces the timer rather than stacking one.
	r.schedule("k")
	time.Sleep(10 * time.Millisecond)
	r.schedule("k")

	deadline := time.Now().Add(2 * time.Second)
	for rec.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("reaper never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("debounced key fired %d times", rec.count())
	}
}

func TestReaperStopCancelsAll(t *testing.T) {
	rec := &fireRecorder{}
	r := newReaper(20*time.Millisecond, rec.fire)

	r.schedule("a")
	r.schedule("b")
	r.stop()
	time.Sleep(80 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("stopped reaper fired %d times", rec.count())
	}
}
