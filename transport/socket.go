// Package transport implements the daemon's namespace-fd handoff: a
// helper process opens /proc/self/ns/mnt on its own freshly assembled
// namespace and sends that fd to its parent over a SOCK_SEQPACKET Unix
// socket using SCM_RIGHTS, then exits. The parent associates the
// received fd with the environment it asked the helper to assemble.
package transport

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// Socket wraps a connected SOCK_SEQPACKET Unix socket capable of
// carrying SCM_RIGHTS file descriptors alongside its payload bytes.
type Socket struct {
	*net.UnixConn
}

// NewSocket wraps an existing socket fd (e.g. one half of a
// socketpair inherited across fork) as a Socket, marking it
// close-on-exec so it isn't leaked into children that shouldn't have
// it.
func NewSocket(fd int) (*Socket, error) {
	file := os.NewFile(uintptr(fd), "wormhole-transport")
	if file == nil {
		return nil, fmt.Errorf("transport: fd %d is not valid", fd)
	}
	defer file.Close()
	syscall.CloseOnExec(int(file.Fd()))

	conn, err := net.FileConn(file)
	if err != nil {
		return nil, fmt.Errorf("transport: FileConn(%d): %w", fd, err)
	}
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("transport: fd %d is not a unix socket", fd)
	}
	return &Socket{unixConn}, nil
}

// NewSocketPair creates a connected pair of SOCK_SEQPACKET sockets, one
// for the parent and one to be inherited by the forked helper.
func NewSocketPair() (parent, child *Socket, err error) {
	fds, err := syscall.Socketpair(syscall.AF_LOCAL, syscall.SOCK_SEQPACKET|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: socketpair: %w", err)
	}
	parent, err = NewSocket(fds[0])
	if err != nil {
		syscall.Close(fds[0])
		syscall.Close(fds[1])
		return nil, nil, err
	}
	child, err = NewSocket(fds[1])
	if err != nil {
		parent.Close()
		syscall.Close(fds[1])
		return nil, nil, err
	}
	return parent, child, nil
}

// SendNamespaceFd sends fd (an open /proc/self/ns/mnt descriptor)
// across the socket as an SCM_RIGHTS control message, along with a
// one-byte payload so the receiver's ReadMsgUnix has something to
// read.
func (s *Socket) SendNamespaceFd(fd int) error {
	oob := syscall.UnixRights(fd)
	_, _, err := s.WriteMsgUnix([]byte{0}, oob, nil)
	if err != nil {
		return fmt.Errorf("transport: send namespace fd: %w", err)
	}
	return nil
}

// RecvNamespaceFd blocks for a single SCM_RIGHTS message containing
// exactly one file descriptor and returns it.
func (s *Socket) RecvNamespaceFd() (int, error) {
	buf := make([]byte, 1)
	oob := make([]byte, syscall.CmsgSpace(4))

	_, oobn, _, _, err := s.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, fmt.Errorf("transport: recv namespace fd: %w", err)
	}

	msgs, err := syscall.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return 0, fmt.Errorf("transport: parse control message: %w", err)
	}

	for _, m := range msgs {
		if m.Header.Level != syscall.SOL_SOCKET || m.Header.Type != syscall.SCM_RIGHTS {
			continue
		}
		fds, err := syscall.ParseUnixRights(&m)
		if err != nil {
			return 0, fmt.Errorf("transport: parse unix rights: %w", err)
		}
		if len(fds) != 1 {
			for _, leaked := range fds {
				syscall.Close(leaked)
			}
			return 0, fmt.Errorf("transport: expected exactly one namespace fd, got %d", len(fds))
		}
		return fds[0], nil
	}
	return 0, fmt.Errorf("transport: no SCM_RIGHTS message received")
}
