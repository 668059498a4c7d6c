package autodis

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncerCoalescesBurst(t *testing.T) {
	var settles atomic.Int32
	d := NewDebouncer(20*time.Millisecond, func() { settles.Add(1) })
	defer d.Stop()

	for i := 0; i < 5; i++ {
		d.Contact()
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)
	if got := settles.Load(); got != 1 {
		t.Errorf("burst of 5 contacts settled %d times, want 1", got)
	}

	d.Contact()
	time.Sleep(150 * time.Millisecond)
	if got := settles.Load(); got != 2 {
		t.Errorf("second contact settled %d times total, want 2", got)
	}
}

func TestDebouncerStop(t *testing.T) {
	var settles atomic.Int32
	d := NewDebouncer(10*time.Millisecond, func() { settles.Add(1) })
	d.Contact()
	d.Stop()
	d.Contact()
	time.Sleep(100 * time.Millisecond)
	if got := settles.Load(); got != 0 {
		t.Errorf("stopped debouncer settled %d times, want 0", got)
	}
}
