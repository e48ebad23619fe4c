// Package looping implements the readiness loop and the timer service that
// drive every socket in the server. All handlers run to completion on the
// loop goroutine; there is no locking anywhere above this package.
package looping

import (
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"
)

// Event mask bits, aliased from epoll so handler code never imports unix
// directly for them.
const (
	EventIn  = uint32(unix.EPOLLIN)
	EventOut = uint32(unix.EPOLLOUT)
	EventErr = uint32(unix.EPOLLERR)
	EventHup = uint32(unix.EPOLLHUP)
)

// Handler is anything the loop can wait on. Close must be idempotent and is
// responsible for the handler's full cleanup (deregistration included);
// the loop calls it when a handler's event callback fails.
type Handler interface {
	FD() int
	HandleEvent(events uint32) error
	Close()
}

// EventMaskString renders an event mask for log messages.
func EventMaskString(events uint32) string {
	out := ""
	for _, m := range []struct {
		bit  uint32
		name string
	}{{EventIn, "IN"}, {EventOut, "OUT"}, {EventErr, "ERR"}, {EventHup, "HUP"}} {
		if events&m.bit != 0 {
			if out != "" {
				out += "|"
			}
			out += m.name
		}
	}
	if out == "" {
		out = fmt.Sprintf("0x%x", events)
	}
	return out
}

// Loop is a level-triggered epoll reactor with support for injected
// (synthesized) readiness events.
type Loop struct {
	epfd     int
	handlers map[int]Handler
	injected map[int]uint32
	now      time.Time
}

func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Loop{
		epfd:     epfd,
		handlers: make(map[int]Handler),
		injected: make(map[int]uint32),
		now:      time.Now(),
	}, nil
}

// Register adds the handler with the given interest mask, or modifies the
// mask if its fd is already registered. A zero mask keeps the fd registered
// but silent, which is how clients with drained queues are parked.
func (l *Loop) Register(h Handler, events uint32) error {
	fd := h.FD()
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	var op int
	if _, ok := l.handlers[fd]; ok {
		op = unix.EPOLL_CTL_MOD
	} else {
		op = unix.EPOLL_CTL_ADD
	}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl fd=%d: %w", fd, err)
	}
	l.handlers[fd] = h
	return nil
}

// Unregister removes the handler. Safe to call for handlers that were never
// registered or whose fd is already closed.
func (l *Loop) Unregister(h Handler) {
	l.UnregisterFD(h.FD())
}

func (l *Loop) UnregisterFD(fd int) {
	if fd < 0 {
		return
	}
	if _, ok := l.handlers[fd]; !ok {
		return
	}
	delete(l.handlers, fd)
	delete(l.injected, fd)
	// EBADF/ENOENT here just mean the fd went away first.
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Registered reports whether fd currently has a handler.
func (l *Loop) Registered(fd int) bool {
	_, ok := l.handlers[fd]
	return ok
}

// HandlerCount returns the number of registered handlers.
func (l *Loop) HandlerCount() int {
	return len(l.handlers)
}

// InjectEvent ORs a synthetic readiness event for fd into the next tick's
// result set. Used when a client's queue goes from empty to non-empty: the
// socket is likely writable right now, so we should not wait for epoll to
// tell us.
func (l *Loop) InjectEvent(fd int, events uint32) {
	l.injected[fd] |= events
}

// Now returns the wall-clock snapshot taken at the top of the current tick.
// Timer callbacks and stats share it instead of calling time.Now repeatedly.
func (l *Loop) Now() time.Time {
	return l.now
}

// Once polls for readiness, merges injected events and dispatches. An error
// from a handler (or a panic) closes that handler only; the loop itself only
// fails on epoll breakage.
func (l *Loop) Once(timeout time.Duration) error {
	events := make([]unix.EpollEvent, 128)
	var n int
	for {
		var err error
		n, err = unix.EpollWait(l.epfd, events, int(timeout.Milliseconds()))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}

	l.now = time.Now()

	ready := make(map[int]uint32, n+len(l.injected))
	for i := 0; i < n; i++ {
		ready[int(events[i].Fd)] |= events[i].Events
	}
	for fd, ev := range l.injected {
		ready[fd] |= ev
		delete(l.injected, fd)
	}

	for fd, ev := range ready {
		h, ok := l.handlers[fd]
		if !ok {
			// There's a bug somewhere, could be epoll, could be us.
			log.Printf("loop: fd=%d returned by epoll is not registered", fd)
			_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			continue
		}
		l.dispatch(h, fd, ev)
	}
	return nil
}

func (l *Loop) dispatch(h Handler, fd int, ev uint32) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("loop: panic handling events=%s fd=%d: %v", EventMaskString(ev), fd, r)
			l.UnregisterFD(fd)
			h.Close()
		}
	}()
	if err := h.HandleEvent(ev); err != nil {
		log.Printf("loop: error handling events=%s fd=%d: %v", EventMaskString(ev), fd, err)
		l.UnregisterFD(fd)
		h.Close()
	}
}

// Close releases the epoll fd. Handlers are not closed; shutdown order is
// the server's business.
func (l *Loop) Close() {
	if l.epfd >= 0 {
		_ = unix.Close(l.epfd)
		l.epfd = -1
	}
}
