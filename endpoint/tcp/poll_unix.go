//go:build linux || darwin || freebsd || netbsd || openbsd

package tcp

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/markmerz/nmea0183-repeater-raspberry/endpoint"
	"github.com/markmerz/nmea0183-repeater-raspberry/errors"
	"github.com/markmerz/nmea0183-repeater-raspberry/nmea"
)

const (
	pollIn  = unix.POLLIN
	pollOut = unix.POLLOUT
	pollErr = unix.POLLERR | unix.POLLNVAL
	pollHup = unix.POLLHUP
)

// Run binds the listening socket and services all clients until ctx is
// cancelled. Clients keep being accepted until cancellation is observed.
func (e *Endpoint) Run(ctx context.Context, d endpoint.Dispatcher) (err error) {
	if err := e.state.Start(); err != nil {
		return err
	}
	defer func() { e.state.Stop(err) }()

	lfd, err := e.listen()
	if err != nil {
		return err
	}

	var wake [2]int
	if err := unix.Pipe(wake[:]); err != nil {
		unix.Close(lfd)
		return errors.WrapFatal(err, "tcp", "Run", "create wake pipe")
	}
	for _, fd := range wake {
		unix.CloseOnExec(fd)
		_ = unix.SetNonblock(fd, true)
	}

	e.mu.Lock()
	e.wakeFd = wake[1]
	e.mu.Unlock()
	close(e.ready)

	defer e.shutdown(lfd, wake)

	e.logger.Info("TCP endpoint listening", "addr", e.Addr())

	fds := make([]unix.PollFd, 0, 16)
	polled := make([]*conn, 0, 16)

	for {
		if ctx.Err() != nil {
			return nil
		}

		fds = append(fds[:0],
			unix.PollFd{Fd: int32(lfd), Events: pollIn},
			unix.PollFd{Fd: int32(wake[0]), Events: pollIn},
		)
		polled = polled[:0]

		e.mu.RLock()
		for _, c := range e.conns {
			var events int16 = pollIn
			if c.wantsWrite() {
				events |= pollOut
			}
			fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: events})
			polled = append(polled, c)
		}
		e.mu.RUnlock()

		if _, err := unix.Poll(fds, int(PollTimeout.Milliseconds())); err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.WrapFatal(err, "tcp", "Run", "poll")
		}

		if fds[1].Revents != 0 {
			drainWake(wake[0])
		}
		if fds[0].Revents&pollIn != 0 {
			e.acceptAll(lfd)
		}

		for i, c := range polled {
			re := fds[i+2].Revents
			if re == 0 || c.closed {
				continue
			}

			if re&(pollIn|pollHup) != 0 {
				if reason := e.readConn(c, d); reason != "" {
					e.closeConn(c, reason)
					continue
				}
			}
			if re&pollErr != 0 {
				e.closeConn(c, "socket error")
				continue
			}
			if re&pollOut != 0 {
				if reason := e.writeConn(c); reason != "" {
					e.closeConn(c, reason)
				}
			}
		}
	}
}

func (e *Endpoint) listen() (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", e.cfg.ListenAddr())
	if err != nil {
		return -1, errors.WrapFatal(fmt.Errorf("%w: %w", errors.ErrInvalidConfig, err), "tcp", "listen", "resolve "+e.cfg.ListenAddr())
	}

	family, sa := sockaddrFor(tcpAddr)

	lfd, err := bindListener(family, sa)
	if err != nil {
		return -1, errors.WrapFatal(err, "tcp", "listen", "bind "+tcpAddr.String())
	}

	if bound, err := unix.Getsockname(lfd); err == nil {
		e.mu.Lock()
		e.addr = sockaddrString(bound)
		e.mu.Unlock()
	}
	return lfd, nil
}

func sockaddrFor(addr *net.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil || addr.IP == nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return unix.AF_INET, sa
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa
}

func bindListener(family int, sa unix.Sockaddr) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}

func drainWake(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// wakeLocked interrupts a pending poll. Callers hold e.mu.
func (e *Endpoint) wakeLocked() {
	if e.wakeFd < 0 {
		return
	}
	// a full pipe already guarantees a wake-up
	_, _ = unix.Write(e.wakeFd, []byte{1})
}

func (e *Endpoint) acceptAll(lfd int) {
	for {
		nfd, sa, err := unix.Accept(lfd)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			e.state.Error()
			e.metrics.Error(e.cfg.Name, errors.ErrorTransient.String())
			e.logger.Warn("Accept failed", "error", err)
			return
		}

		unix.CloseOnExec(nfd)
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			e.logger.Warn("Failed to set client socket non-blocking", "error", err)
			continue
		}
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		c, err := e.newConn(nfd, sockaddrString(sa))
		if err != nil {
			unix.Close(nfd)
			e.logger.Warn("Failed to create client queue", "error", err)
			continue
		}

		e.mu.Lock()
		e.conns[c.id] = c
		n := len(e.conns)
		e.mu.Unlock()

		e.state.SetConnections(n)
		e.metrics.SetConnections(e.cfg.Name, n)
		e.logger.Info("Client connected", "conn", c.id.String(), "peer", c.peer)
	}
}

// readConn reads what is available and frames it. It returns a non-empty
// reason when the connection must be closed.
func (e *Endpoint) readConn(c *conn, d endpoint.Dispatcher) string {
	var buf [readChunk]byte
	n, err := unix.Read(c.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return ""
		}
		return err.Error()
	}
	if n == 0 {
		return "closed by peer"
	}

	// an over-long line closes the connection; nothing after it is routed
	for _, b := range buf[:n] {
		line, ok, ferr := c.framer.Feed(b)
		if ferr != nil {
			e.state.Error()
			e.metrics.Error(e.cfg.Name, errors.Classify(ferr).String())
			return ferr.Error()
		}
		if ok {
			e.state.Received()
			e.metrics.Received(e.cfg.Name, line.Type())
			d.Dispatch(e.cfg.Name, line)
			e.fanOut(c, line)
		}
	}
	return ""
}

// fanOut queues a line from one client to every other client of this server.
func (e *Endpoint) fanOut(origin *conn, line nmea.Message) {
	if !e.filter.AllowsMessage(line) {
		e.metrics.Filtered(e.cfg.Name)
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, c := range e.conns {
		if c != origin {
			c.queue.Push(line)
		}
	}
}

// writeConn writes at most one queued message, resuming a partial write if
// one is pending.
func (e *Endpoint) writeConn(c *conn) string {
	if len(c.pending) == 0 {
		msg, ok := c.queue.Pop()
		if !ok {
			return ""
		}
		c.pending = msg.Bytes()
	}

	n, err := unix.Write(c.fd, c.pending)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return ""
		}
		return err.Error()
	}

	c.pending = c.pending[n:]
	if len(c.pending) == 0 {
		c.pending = nil
		e.state.Sent()
		e.metrics.Sent(e.cfg.Name)
	}
	return ""
}

func (e *Endpoint) closeConn(c *conn, reason string) {
	c.closed = true

	e.mu.Lock()
	delete(e.conns, c.id)
	e.state.AddDropped(c.queue.Drops())
	n := len(e.conns)
	e.mu.Unlock()

	unix.Close(c.fd)
	c.queue.Close()
	c.framer.Reset()
	c.pending = nil

	e.state.SetConnections(n)
	e.metrics.SetConnections(e.cfg.Name, n)
	e.logger.Info("Client disconnected", "conn", c.id.String(), "peer", c.peer, "reason", reason)
}

func (e *Endpoint) shutdown(lfd int, wake [2]int) {
	e.mu.Lock()
	e.wakeFd = -1
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		e.closeConn(c, "shutdown")
	}

	unix.Close(lfd)
	unix.Close(wake[0])
	unix.Close(wake[1])
	e.logger.Info("TCP endpoint stopped")
}
