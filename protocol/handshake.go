package protocol

import (
	"bytes"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/jech/swarmcore/hash"
)

// HandshakeResult describes what the remote peer announced.
type HandshakeResult struct {
	Hash, Id hash.Hash
	Extended bool
}

const handshakeLength = 20 + 8 + 20 + 20

var header = []byte{19,
	0x42, 0x69, 0x74, 0x54, 0x6f, 0x72, 0x72, 0x65, 0x6e, 0x74,
	0x20, 0x70, 0x72, 0x6f, 0x74, 0x6f, 0x63, 0x6f, 0x6c}

func handshake(infoHash hash.Hash, myid hash.Hash) []byte {
	reserved := []byte{0, 0, 0, 0, 0, 0x10, 0, 0}
	hs := make([]byte, 0, handshakeLength)
	hs = append(hs, header...)
	hs = append(hs, reserved...)
	hs = append(hs, infoHash[:]...)
	hs = append(hs, myid[:]...)
	return hs
}

var ErrBadHandshake = errors.New("bad handshake")
var ErrUnknownTorrent = errors.New("unknown torrent")

func readMore(conn net.Conn, buf []byte, n int, m int) ([]byte, error) {
	if m < n {
		m = n
	}
	l := len(buf)
	if l >= n {
		return buf, nil
	}

	buf = append(buf, make([]byte, m-l)...)
	k, err := io.ReadAtLeast(conn, buf[l:], n-l)
	buf = buf[:l+k]
	return buf, err
}

func parseReserved(buf []byte, result *HandshakeResult) {
	result.Extended = buf[5]&0x10 != 0
}

func rest(buf []byte) []byte {
	if len(buf) == 0 {
		return nil
	}
	init := make([]byte, len(buf))
	copy(init, buf)
	return init
}

// ClientHandshake performs the handshake on an outgoing connection.  Any
// bytes read past the handshake are returned in init.
func ClientHandshake(conn net.Conn, infoHash hash.Hash, myid hash.Hash,
	timeout time.Duration) (result HandshakeResult, init []byte, err error) {
	err = conn.SetDeadline(time.Now().Add(timeout))
	if err != nil {
		return
	}

	_, err = conn.Write(handshake(infoHash, myid))
	if err != nil {
		return
	}

	buf, err := readMore(conn, nil, handshakeLength, 0)
	if err != nil {
		return
	}

	if !bytes.Equal(buf[:20], header) {
		err = ErrBadHandshake
		return
	}
	buf = buf[20:]
	parseReserved(buf, &result)
	buf = buf[8:]

	copy(result.Hash[:], buf)
	if result.Hash != infoHash {
		err = errors.Wrap(ErrUnknownTorrent, "unexpected info hash")
		return
	}
	buf = buf[20:]

	copy(result.Id[:], buf)
	init = rest(buf[20:])
	err = conn.SetDeadline(time.Time{})
	return
}

// ServerHandshake performs the handshake on an incoming connection.  The
// remote side must name infoHash.
func ServerHandshake(conn net.Conn, infoHash hash.Hash, myid hash.Hash,
	timeout time.Duration) (result HandshakeResult, init []byte, err error) {
	err = conn.SetDeadline(time.Now().Add(timeout))
	if err != nil {
		return
	}

	buf, err := readMore(conn, nil, 20+8+20, handshakeLength)
	if err != nil {
		return
	}

	if !bytes.Equal(buf[:20], header) {
		err = ErrBadHandshake
		return
	}
	buf = buf[20:]
	parseReserved(buf, &result)
	buf = buf[8:]

	copy(result.Hash[:], buf)
	if result.Hash != infoHash {
		err = ErrUnknownTorrent
		return
	}
	buf = buf[20:]

	_, err = conn.Write(handshake(infoHash, myid))
	if err != nil {
		return
	}

	buf, err = readMore(conn, buf, 20, 0)
	if err != nil {
		return
	}
	copy(result.Id[:], buf)
	init = rest(buf[20:])
	err = conn.SetDeadline(time.Time{})
	return
}
