package protocol

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

var ErrParse = errors.New("parse error")
var ErrTooLong = errors.New("message too long")

// ReadFrame reads a single length-prefixed message.  A keep-alive yields
// an empty, non-nil payload.
func ReadFrame(r *bufio.Reader, maxLength int) ([]byte, error) {
	var l [4]byte
	_, err := io.ReadFull(r, l[:])
	if err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(l[:])
	if uint64(length) > uint64(maxLength) {
		return nil, errors.Wrapf(ErrTooLong, "%v bytes", length)
	}
	data := make([]byte, length)
	_, err = io.ReadFull(r, data)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Frame is what Reader delivers: either a payload or the error that
// terminated reading.
type Frame struct {
	Payload []byte
	Err     error
}

// Reader reads frames from c until an error occurs or done is closed,
// and delivers them on ch.  Bytes already read during the handshake are
// passed as init.
func Reader(c net.Conn, init []byte, maxLength int, timeout time.Duration,
	ch chan<- Frame, done <-chan struct{}) {
	defer close(ch)

	var r *bufio.Reader
	if len(init) == 0 {
		r = bufio.NewReader(c)
	} else {
		r = bufio.NewReader(io.MultiReader(bytes.NewReader(init), c))
	}
	for {
		var m []byte
		err := c.SetReadDeadline(time.Now().Add(timeout))
		if err == nil {
			m, err = ReadFrame(r, maxLength)
		}
		select {
		case ch <- Frame{m, err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// ParseUint32s parses a message body consisting of n big-endian integers.
func ParseUint32s(body []byte, n int) ([]uint32, error) {
	if len(body) != 4*n {
		return nil, ErrParse
	}
	v := make([]uint32, n)
	for i := range v {
		v[i] = binary.BigEndian.Uint32(body[4*i:])
	}
	return v, nil
}
