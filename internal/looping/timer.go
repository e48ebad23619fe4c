package looping

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// Timeouts multiplexes any number of keyed one-shot timers over a single
// timerfd registered on the loop. The fd is armed to the earliest pending
// expiration; firing pops every entry at that expiration.
//
// Keys are comparable values chosen by the caller: socket fds for I/O
// inactivity (so a relay and the source it becomes share one timeout),
// source pointers for on-demand idling, mount paths for keepalive grace.
type Timeouts struct {
	loop *Loop
	fd   int

	// expiration (unix nanos) -> key -> callback
	deadlines map[int64]map[any]func()
	// key -> expiration
	keys map[any]int64
}

func NewTimeouts(loop *Loop) (*Timeouts, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_REALTIME, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("timerfd_create: %w", err)
	}
	t := &Timeouts{
		loop:      loop,
		fd:        fd,
		deadlines: make(map[int64]map[any]func()),
		keys:      make(map[any]int64),
	}
	if err := loop.Register(t, EventIn); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	return t, nil
}

func (t *Timeouts) FD() int { return t.fd }

func (t *Timeouts) minExpiration() (int64, bool) {
	var min int64
	found := false
	for exp := range t.deadlines {
		if !found || exp < min {
			min = exp
			found = true
		}
	}
	return min, found
}

func (t *Timeouts) arm(expiration int64) {
	when := time.Unix(0, expiration)
	spec := unix.ItimerSpec{Value: unix.NsecToTimespec(when.UnixNano())}
	if err := unix.TimerfdSettime(t.fd, unix.TFD_TIMER_ABSTIME, &spec, nil); err != nil {
		log.Printf("timeouts: timerfd_settime: %v", err)
	}
}

// Reset installs (or overwrites) the timer for key. The timerfd is rearmed
// only when the new expiration is earlier than the current minimum.
func (t *Timeouts) Reset(key any, when time.Time, callback func()) {
	expiration := when.UnixNano()
	min, have := t.minExpiration()
	if !have || expiration < min {
		t.arm(expiration)
	}
	if old, ok := t.keys[key]; ok {
		delete(t.deadlines[old], key)
		if len(t.deadlines[old]) == 0 {
			delete(t.deadlines, old)
		}
	}
	t.keys[key] = expiration
	m, ok := t.deadlines[expiration]
	if !ok {
		m = make(map[any]func())
		t.deadlines[expiration] = m
	}
	m[key] = callback
}

// Remove cancels the timer for key, if any.
func (t *Timeouts) Remove(key any) {
	expiration, ok := t.keys[key]
	if !ok {
		return
	}
	delete(t.keys, key)
	if m, ok := t.deadlines[expiration]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(t.deadlines, expiration)
		}
	}
}

// Pending reports whether key has a timer installed.
func (t *Timeouts) Pending(key any) bool {
	_, ok := t.keys[key]
	return ok
}

func (t *Timeouts) HandleEvent(events uint32) error {
	if events&EventIn == 0 {
		// Never let the loop close the timer service over a stray event.
		log.Printf("timeouts: unexpected events %s", EventMaskString(events))
		return nil
	}
	// Flush the fd's expiration counter or it stays readable.
	var buf [8]byte
	_, _ = unix.Read(t.fd, buf[:])

	expiration, have := t.minExpiration()
	if !have {
		return nil
	}
	if expiration > time.Now().UnixNano() {
		// The fd was armed for an entry since moved later or removed;
		// wait for the real minimum.
		t.arm(expiration)
		return nil
	}
	// Callbacks may close handlers which in turn cancel other entries at
	// this same expiration, so pop one at a time rather than iterating.
	due := t.deadlines[expiration]
	for len(due) > 0 {
		var key any
		var callback func()
		for k, cb := range due {
			key, callback = k, cb
			break
		}
		delete(due, key)
		delete(t.keys, key)
		callback()
	}
	delete(t.deadlines, expiration)
	if next, ok := t.minExpiration(); ok {
		t.arm(next)
	}
	return nil
}

func (t *Timeouts) Close() {
	t.loop.UnregisterFD(t.fd)
	if t.fd >= 0 {
		_ = unix.Close(t.fd)
		t.fd = -1
	}
}

// IOTimeout layers per-handler inactivity timeouts on Timeouts, keyed by
// socket fd so the timeout survives a relay-to-source socket handoff.
type IOTimeout struct {
	timeouts *Timeouts
	timeout  time.Duration
}

func NewIOTimeout(timeouts *Timeouts, timeout time.Duration) *IOTimeout {
	return &IOTimeout{timeouts: timeouts, timeout: timeout}
}

func (t *IOTimeout) Timeout() time.Duration { return t.timeout }

func (t *IOTimeout) Reset(h Handler, when time.Time) {
	t.timeouts.Reset(h.FD(), when, func() {
		log.Printf("timeout: fd=%d closed after %s without I/O", h.FD(), t.timeout)
		h.Close()
	})
}

func (t *IOTimeout) Remove(h Handler) {
	t.timeouts.Remove(h.FD())
}
