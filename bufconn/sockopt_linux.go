package bufconn

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func control(conn net.Conn, f func(fd int)) bool {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return false
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return false
	}
	err = rc.Control(func(fd uintptr) {
		f(int(fd))
	})
	return err == nil
}

// Unsent returns the number of bytes in the kernel's send queue for conn,
// or 0 if it cannot be determined.
func Unsent(conn net.Conn) int {
	var n int
	var err error
	ok := control(conn, func(fd int) {
		n, err = unix.IoctlGetInt(fd, unix.SIOCOUTQ)
	})
	if !ok || err != nil {
		return 0
	}
	return n
}

// SetLowat limits the amount of unsent data the kernel accepts on a TCP
// connection, which keeps queued data in user space where the rate
// limiter can see it.
func SetLowat(conn net.Conn, bytes int) error {
	var err error
	ok := control(conn, func(fd int) {
		err = unix.SetsockoptInt(fd, unix.IPPROTO_TCP,
			unix.TCP_NOTSENT_LOWAT, bytes)
	})
	if !ok {
		return nil
	}
	return err
}
