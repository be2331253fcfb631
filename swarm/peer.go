package swarm

import (
	"net"
	"time"

	"github.com/jech/swarmcore/bufconn"
	"github.com/jech/swarmcore/hash"
	"github.com/jech/swarmcore/protocol"
)

const (
	writeLimit       = 64 * 1024
	lowat            = 16 * 1024
	handshakeTimeout = 30 * time.Second
	writeTimeout     = 2 * time.Minute
)

// peerConn is the transport of a connection.  It is owned by the event
// loop, except for the reader and writer goroutines, which only post
// events.
type peerConn struct {
	swarm  *Swarm
	conn   net.Conn
	writer *bufconn.Writer
	id     hash.Hash
	ip     net.IP
	done   chan struct{}
	closed bool
}

func newPeerConn(s *Swarm, conn net.Conn, id hash.Hash, ip net.IP) *peerConn {
	pc := &peerConn{
		swarm: s,
		conn:  conn,
		id:    id,
		ip:    ip,
		done:  make(chan struct{}),
	}
	bufconn.SetLowat(conn, lowat)
	pc.writer = bufconn.New(conn, writeLimit, writeTimeout, func() {
		s.postPeer(pc, func() {
			s.connecter.ConnectionFlushed(pc)
		})
	})
	return pc
}

func (pc *peerConn) Write(data []byte) error {
	_, err := pc.writer.Write(data)
	return err
}

func (pc *peerConn) Backlogged() bool {
	return pc.writer.Backlogged()
}

// Close stops the goroutines and closes the socket.  It must be called
// from the event loop.
func (pc *peerConn) Close() error {
	if pc.closed {
		return nil
	}
	pc.closed = true
	close(pc.done)
	pc.swarm.dropPeer(pc)
	return pc.writer.Close()
}

// read starts the reader goroutine, which posts every frame to the event
// loop.
func (pc *peerConn) read(init []byte, maxLength int, timeout time.Duration) {
	ch := make(chan protocol.Frame, 4)
	go protocol.Reader(pc.conn, init, maxLength, timeout, ch, pc.done)
	go func() {
		for f := range ch {
			ok := pc.swarm.postPeer(pc, func() {
				if f.Err != nil {
					pc.swarm.readError(pc, f.Err)
					return
				}
				pc.swarm.connecter.GotMessage(pc, f.Payload)
			})
			if !ok {
				return
			}
		}
	}()
}
