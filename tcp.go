package gpiokit

import (
	"bytes"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const tcpListenBacklog = 4
const tcpReadChunk = 1024

// TCPFunc receives the connection handle and the trimmed payload of one
// readable event. Payloads are newline-delimited text; the handle stays
// valid until the client disconnects or sends an empty line.
type TCPFunc func(conn *TCPConn, payload []byte)

// TCPConn lets a callback answer a connected client.
type TCPConn struct {
	fd      int
	reactor *Reactor
}

func (c *TCPConn) Write(p []byte) (int, error) {
	n, err := unix.Write(c.fd, p)
	if err != nil {
		return n, errors.Wrap(err, "failed to write to tcp client")
	}
	return n, nil
}

// Close drops the connection and removes it from the reactor.
func (c *TCPConn) Close() error {
	c.reactor.mu.Lock()
	defer c.reactor.mu.Unlock()

	c.reactor.closeClientLocked(c.fd)
	return nil
}

type tcpListener struct {
	fd       int
	port     int
	fn       TCPFunc
	threaded bool
}

type tcpClient struct {
	fd       int
	listener *tcpListener
}

// RegisterTCPListener opens a listening socket on all interfaces and hooks
// accepted clients into the readiness loop. It returns the bound port,
// which differs from the requested one when port 0 asks the kernel to pick.
func (r *Reactor) RegisterTCPListener(port int, fn TCPFunc, threaded bool) (int, error) {
	if fn == nil {
		return 0, errors.Wrap(ErrConfiguration, "tcp callback is required")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, errors.Wrapf(ErrResource, "failed to create server socket: %v", err)
	}

	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err != nil {
		unix.Close(fd)
		return 0, errors.Wrapf(ErrResource, "failed to set socket options: %v", err)
	}

	err = unix.Bind(fd, &unix.SockaddrInet4{Port: port})
	if err != nil {
		unix.Close(fd)
		return 0, errors.Wrapf(ErrResource, "failed to bind port %d: %v", port, err)
	}

	err = unix.Listen(fd, tcpListenBacklog)
	if err != nil {
		unix.Close(fd)
		return 0, errors.Wrapf(ErrResource, "failed to listen on port %d: %v", port, err)
	}

	bound := port
	sa, err := unix.Getsockname(fd)
	if err == nil {
		if inet, ok := sa.(*unix.SockaddrInet4); ok {
			bound = inet.Port
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	err = r.poller.add(fd, unix.EPOLLIN)
	if err != nil {
		unix.Close(fd)
		return 0, errors.Wrapf(ErrResource, "failed to register server socket for readiness events: %v", err)
	}

	r.listeners[int32(fd)] = &tcpListener{
		fd:       fd,
		port:     bound,
		fn:       fn,
		threaded: threaded,
	}

	r.Logger.Debug("tcp listener registered", "port", bound)
	return bound, nil
}

// ListenerPorts lists the bound ports of all registered tcp listeners.
func (r *Reactor) ListenerPorts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ports := []int{}
	for _, lst := range r.listeners {
		ports = append(ports, lst.port)
	}
	return ports
}

func (r *Reactor) acceptClientLocked(lst *tcpListener) {
	nfd, _, err := unix.Accept(lst.fd)
	if err != nil {
		if err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			r.Logger.Error("failed to accept tcp client", "port", lst.port, "err", err)
		}
		return
	}

	err = unix.SetNonblock(nfd, true)
	if err != nil {
		r.Logger.Error("failed to set client socket nonblocking", "err", err)
		unix.Close(nfd)
		return
	}

	err = r.poller.add(nfd, unix.EPOLLIN|unix.EPOLLHUP)
	if err != nil {
		r.Logger.Error("failed to register tcp client for readiness events", "err", err)
		unix.Close(nfd)
		return
	}

	r.clients[int32(nfd)] = &tcpClient{fd: nfd, listener: lst}
}

// readClientLocked reads the available bytes of one readable event. An
// empty or whitespace-only payload closes the connection; anything else is
// handed to the listener's callback.
func (r *Reactor) readClientLocked(cl *tcpClient) []task {
	buf := make([]byte, tcpReadChunk)
	n, err := unix.Read(cl.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return nil
		}
		r.Logger.Debug("tcp client read failed, closing", "err", err)
		r.closeClientLocked(cl.fd)
		return nil
	}

	payload := bytes.TrimSpace(buf[:n])
	if len(payload) == 0 {
		r.closeClientLocked(cl.fd)
		return nil
	}

	conn := &TCPConn{fd: cl.fd, reactor: r}
	fn := cl.listener.fn
	return []task{{
		threaded: cl.listener.threaded,
		fn:       func() { fn(conn, payload) },
	}}
}

func (r *Reactor) closeClientLocked(fd int) {
	if _, ok := r.clients[int32(fd)]; !ok {
		return
	}

	err := r.poller.remove(fd)
	if err != nil {
		r.Logger.Debug("failed to deregister tcp client", "err", err)
	}

	err = unix.Close(fd)
	if err != nil {
		r.Logger.Debug("failed to close tcp client socket", "err", err)
	}

	delete(r.clients, int32(fd))
}
