// Package bufconn implements a non-blocking buffered writer on top of a
// network connection.
package bufconn

import (
	"net"
	"sync"
	"time"

	pool "github.com/libp2p/go-buffer-pool"
	"github.com/pkg/errors"
)

// minBuffer is the smallest buffer taken from the pool.
const minBuffer = 4096

var ErrClosed = errors.New("writer closed")

// Writer queues data for a connection and writes it out from a dedicated
// goroutine, so that Write never blocks.
type Writer struct {
	conn    net.Conn
	limit   int
	timeout time.Duration
	flushed func()

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	busy   int
	err    error
	closed bool
	done   chan struct{}
}

// New creates a writer for conn.  Flushed is called from the writer's
// goroutine whenever all queued data has been handed to the kernel.  The
// writer is backlogged once more than limit bytes are pending.
func New(conn net.Conn, limit int, timeout time.Duration, flushed func()) *Writer {
	w := &Writer{
		conn:    conn,
		limit:   limit,
		timeout: timeout,
		flushed: flushed,
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for len(w.buf) == 0 && !w.closed {
			w.cond.Wait()
		}
		if w.closed {
			w.mu.Unlock()
			return
		}
		data := w.buf
		w.buf = nil
		w.busy = len(data)
		w.mu.Unlock()

		err := w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
		if err == nil {
			_, err = w.conn.Write(data)
		}

		pool.Put(data)

		w.mu.Lock()
		w.busy = 0
		if err != nil {
			if !w.closed {
				w.err = err
			}
			w.closed = true
			w.buf = nil
			w.mu.Unlock()
			w.conn.Close()
			return
		}
		empty := len(w.buf) == 0
		w.mu.Unlock()
		if empty && w.flushed != nil {
			w.flushed()
		}
	}
}

// Write queues p.  It never blocks.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		if w.err != nil {
			return 0, w.err
		}
		return 0, ErrClosed
	}
	if w.buf == nil {
		w.buf = pool.Get(max(len(p), minBuffer))[:0]
	}
	w.buf = append(w.buf, p...)
	w.cond.Signal()
	return len(p), nil
}

// Buffered returns the number of bytes not yet handed to the kernel.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buf) + w.busy
}

// Backlogged returns true if the amount of data queued, either in the
// writer or in the kernel, exceeds the writer's limit.
func (w *Writer) Backlogged() bool {
	return w.Buffered()+Unsent(w.conn) > w.limit
}

// Err returns the error that caused the writer to stop, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Close discards any pending data, stops the writer and closes the
// underlying connection.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return nil
	}
	w.closed = true
	w.buf = nil
	w.cond.Signal()
	w.mu.Unlock()
	err := w.conn.Close()
	<-w.done
	return err
}
