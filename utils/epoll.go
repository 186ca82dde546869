package utils

import (
	"golang.org/x/sys/unix"
)

// Epoll is a thin level-triggered epoll instance. The Pad field of each event
// carries a caller supplied tag so stale events for a recycled fd can be told
// apart from events of the current registration.
type Epoll struct {
	Fd     int
	events []unix.EpollEvent
}

func MkEpoll(maxEvents int) (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	if maxEvents <= 0 {
		maxEvents = 128
	}
	return &Epoll{
		Fd:     fd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (e *Epoll) Add(fd int, events uint32, tag int32) error {
	return unix.EpollCtl(e.Fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd), Pad: tag})
}

func (e *Epoll) Modify(fd int, events uint32, tag int32) error {
	return unix.EpollCtl(e.Fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: events, Fd: int32(fd), Pad: tag})
}

func (e *Epoll) Remove(fd int) error {
	return unix.EpollCtl(e.Fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Wait blocks up to msec (-1 forever). The returned slice is reused by the
// next call. EINTR is reported as zero events.
func (e *Epoll) Wait(msec int) ([]unix.EpollEvent, error) {
	n, err := unix.EpollWait(e.Fd, e.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	return e.events[:n], nil
}

func (e *Epoll) Close() error {
	return unix.Close(e.Fd)
}
