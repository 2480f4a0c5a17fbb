// Package eventloop is the event demultiplexer (C1): a thin epoll
// wrapper that registers readiness sources, dispatches on fire, and
// never shrinks its dispatch table (device indices are stable handles).
package eventloop

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

var ErrResourceExhausted = errors.New("resource exhausted")

// TagKind discriminates the dispatch-tag variants of spec §4.1.
type TagKind int

const (
	TagExit TagKind = iota
	TagStdin
	TagAPI
	TagWriteMetrics
	TagDevice
)

// Tag is a dispatch tag: a variant kind plus, for TagDevice, the
// (handler_index, sub_event) pair identifying which device-router slot
// fired.
type Tag struct {
	Kind         TagKind
	HandlerIndex int
	SubEvent     uint32
}

type registration struct {
	fd  int
	tag Tag
}

// Loop is the event demultiplexer. The dispatch table (fd -> tag) is
// append-only by design: unregister clears a slot's fd but never
// compacts the slice, so indices (tokens) remain stable handles.
type Loop struct {
	epfd int

	mu    sync.Mutex
	table []registration
}

// New creates an epoll instance.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w: %w", ErrResourceExhausted, err)
	}

	return &Loop{epfd: epfd}, nil
}

// Register adds fd for edge-or-level (here: level) readable notifications
// and records its dispatch tag, returning a stable token.
func (l *Loop) Register(fd int, tag Tag) (int, error) {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	}

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return 0, fmt.Errorf("epoll_ctl add fd %d: %w: %w", fd, ErrResourceExhausted, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	token := len(l.table)
	l.table = append(l.table, registration{fd: fd, tag: tag})

	return token, nil
}

// Unregister removes a token's fd from epoll. It is idempotent: a closed
// fd may already have been dropped by the kernel, so EpollCtl errors are
// swallowed here rather than surfaced.
func (l *Loop) Unregister(token int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if token < 0 || token >= len(l.table) {
		return
	}

	fd := l.table[token].fd
	if fd < 0 {
		return
	}

	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	l.table[token].fd = -1
}

// maxEvents bounds how many ready tags Wait returns in one call.
const maxEvents = 32

// Wait blocks until at least one registered fd is readable (or
// timeoutMs elapses, if >= 0; -1 blocks indefinitely) and returns the
// dispatch tags for everything ready.
func (l *Loop) Wait(timeoutMs int) ([]Tag, error) {
	var raw [maxEvents]unix.EpollEvent

	n, err := unix.EpollWait(l.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}

		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	tags := make([]Tag, 0, n)

	l.mu.Lock()
	defer l.mu.Unlock()

	for i := 0; i < n; i++ {
		fd := int(raw[i].Fd)

		for _, reg := range l.table {
			if reg.fd == fd {
				tags = append(tags, reg.tag)

				break
			}
		}
	}

	return tags, nil
}

// Close releases the epoll fd.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
