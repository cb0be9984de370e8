package gpiokit

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// poller is a thin wrapper over an epoll instance. Pin value streams are
// registered for priority-readable events, sockets for plain readable ones.
type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll_create failed")
	}
	return &poller{epfd: epfd}, nil
}

func (p *poller) add(fd int, events uint32) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	})
	if err != nil {
		return errors.Wrapf(err, "epoll_ctl add fd %d failed", fd)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return errors.Wrapf(err, "epoll_ctl del fd %d failed", fd)
	}
	return nil
}

// wait blocks for up to timeout and fills evs with ready descriptors.
// An interrupted wait reports zero events instead of an error.
func (p *poller) wait(timeout time.Duration, evs []unix.EpollEvent) (int, error) {
	n, err := unix.EpollWait(p.epfd, evs, int(timeout.Milliseconds()))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, errors.Wrap(err, "epoll_wait failed")
	}
	return n, nil
}

func (p *poller) close() error {
	return unix.Close(p.epfd)
}
