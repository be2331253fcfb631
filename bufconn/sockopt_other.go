//go:build !linux

package bufconn

import (
	"net"
)

func Unsent(conn net.Conn) int {
	return 0
}

func SetLowat(conn net.Conn, bytes int) error {
	return nil
}
