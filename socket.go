package strand

import (
	"fmt"
	"net"
	"os"
	"syscall"
)

// listenTCP builds a TCP listener with an explicit listen(2) backlog. The
// standard library always listens with the system default, so for IPv4
// binds the socket is created by hand and handed to net.FileListener;
// other address families fall back to net.Listen and the system backlog.
func listenTCP(host string, port, backlog int) (net.Listener, error) {
	ip := net.ParseIP(host)
	if ip == nil {
		addr, err := net.ResolveIPAddr("ip", host)
		if err != nil {
			return nil, fmt.Errorf("%w: unresolvable host %q: %v", ErrConfig, host, err)
		}
		ip = addr.IP
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	}

	sock, err := newSocket()
	if err != nil {
		return nil, err
	}
	if err = sock.setSockOpt(syscall.SO_REUSEADDR); err != nil {
		sock.close()
		return nil, err
	}
	if err = sock.bind(ip4, port); err != nil {
		sock.close()
		return nil, err
	}
	if err = sock.listen(backlog); err != nil {
		sock.close()
		return nil, err
	}
	// the runtime poller needs a non-blocking fd
	if err = sock.setNonblock(); err != nil {
		sock.close()
		return nil, err
	}

	f := os.NewFile(uintptr(sock), "listener")
	defer f.Close()
	return net.FileListener(f)
}

type socket int

func newSocket() (socket, error) {
	sfd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return socket(-1), err
	}
	return socket(sfd), nil
}

func (sock socket) setNonblock() error {
	return syscall.SetNonblock(int(sock), true)
}

func (sock socket) setSockOpt(opts ...int) error {
	for _, opt := range opts {
		err := syscall.SetsockoptInt(int(sock), syscall.SOL_SOCKET, opt, 1)
		if err != nil {
			return err
		}
	}
	return nil
}

func (sock socket) bind(ip net.IP, port int) error {
	addr := &syscall.SockaddrInet4{Port: port}
	copy(addr.Addr[:], ip)
	return syscall.Bind(int(sock), addr)
}

func (sock socket) listen(backlog int) error {
	if backlog <= 0 {
		backlog = syscall.SOMAXCONN
	}
	return syscall.Listen(int(sock), backlog)
}

func (sock socket) close() {
	syscall.Close(int(sock))
}
