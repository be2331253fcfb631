// Package upload implements the per-connection upload queue: the blocks a
// peer has requested from us, and our choke state towards that peer.
package upload

import (
	"github.com/pkg/errors"

	"github.com/jech/swarmcore/alloc"
	"github.com/jech/swarmcore/rate"
	"github.com/jech/swarmcore/ratelimit"
)

var (
	ErrNotInterested = errors.New("request from uninterested peer")
	ErrSliceTooLong  = errors.New("request too long")
	ErrNotAdvertised = errors.New("request for piece not advertised")
	ErrRead          = errors.New("couldn't read piece")
)

// Request identifies a block.
type Request struct {
	Index, Begin, Length uint32
}

// Chunk is a block ready to be sent.
type Chunk struct {
	Index, Begin uint32
	Data         []byte
}

// Storage is the read side of piece storage.
type Storage interface {
	// Read returns length bytes of piece index starting at begin.
	Read(index, begin, length uint32) ([]byte, error)
	// PieceLength returns the length of piece index.
	PieceLength(index uint32) int
}

// PieceStorage is implemented by storage that hands out whole pieces in
// buffers that must be given back.  It is used when reads are buffered.
type PieceStorage interface {
	ReadPiece(index uint32) ([]byte, error)
	Free(buf []byte)
}

// Conn is the uploader's view of its connection.
type Conn interface {
	SendChoke()
	SendUnchoke()
}

// Options holds the settings shared by all uploaders in a swarm.
type Options struct {
	MaxSliceLength int
	BufferReads    bool
	// Buffered reads fall back to block reads once more than this many
	// bytes are allocated.  Zero means no limit.
	MemoryHighMark int64
	SuperSeed      bool
}

// Uploader holds the state of uploads to a single peer.  It is not
// thread-safe.
type Uploader struct {
	conn    Conn
	storage Storage
	limiter *ratelimit.Limiter
	slot    *ratelimit.Slot
	opts    Options
	measure *rate.Measure
	total   *rate.Measure

	choked     bool
	interested bool
	cleared    bool
	queue      []Request
	advertised map[uint32]bool

	pieceIndex uint32
	pieceBuf   []byte
}

// New creates an uploader.  Bytes uploaded are counted both in measure
// and in total, which is shared by the whole swarm.
func New(conn Conn, storage Storage, limiter *ratelimit.Limiter,
	slot *ratelimit.Slot, opts Options,
	measure, total *rate.Measure) *Uploader {
	u := &Uploader{
		conn:    conn,
		storage: storage,
		limiter: limiter,
		slot:    slot,
		opts:    opts,
		measure: measure,
		total:   total,
		choked:  true,
		cleared: true,
	}
	if opts.SuperSeed {
		u.advertised = make(map[uint32]bool)
	}
	return u
}

func (u *Uploader) Choked() bool {
	return u.choked
}

func (u *Uploader) Interested() bool {
	return u.interested
}

// Rate returns the upload rate to this peer.
func (u *Uploader) Rate() float64 {
	return u.measure.Rate()
}

// Measure returns the upload measure of this peer.
func (u *Uploader) Measure() *rate.Measure {
	return u.measure
}

// Queue returns a copy of the pending requests.
func (u *Uploader) Queue() []Request {
	return append([]Request(nil), u.queue...)
}

// HasQueries returns true if requests are pending.
func (u *Uploader) HasQueries() bool {
	return len(u.queue) > 0
}

// Advertise records that we sent a HAVE for index while super-seeding.
func (u *Uploader) Advertise(index uint32) {
	if u.advertised != nil {
		u.advertised[index] = true
	}
}

// GotInterested handles INTERESTED.  It returns true if the state changed.
func (u *Uploader) GotInterested() bool {
	if u.interested {
		return false
	}
	u.interested = true
	return true
}

// GotNotInterested handles NOT_INTERESTED.  Pending requests are dropped.
// It returns true if the state changed.
func (u *Uploader) GotNotInterested() bool {
	if !u.interested {
		return false
	}
	u.interested = false
	u.queue = nil
	u.release()
	return true
}

// GotRequest handles REQUEST.  An error means that the peer violated the
// protocol and must be disconnected.
func (u *Uploader) GotRequest(index, begin, length uint32) error {
	if u.advertised != nil && !u.advertised[index] {
		return errors.Wrapf(ErrNotAdvertised, "piece %v", index)
	}
	if !u.interested {
		return ErrNotInterested
	}
	if int64(length) > int64(u.opts.MaxSliceLength) {
		return errors.Wrapf(ErrSliceTooLong, "%v bytes", length)
	}
	r := Request{index, begin, length}
	if !u.cleared && !u.has(r) {
		u.queue = append(u.queue, r)
	}
	if !u.choked && len(u.queue) > 0 {
		u.limiter.Queue(u.slot)
	}
	return nil
}

func (u *Uploader) has(r Request) bool {
	for _, q := range u.queue {
		if q == r {
			return true
		}
	}
	return false
}

// GotCancel handles CANCEL.  Cancelling an unknown request does nothing.
func (u *Uploader) GotCancel(index, begin, length uint32) {
	r := Request{index, begin, length}
	for i, q := range u.queue {
		if q == r {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			return
		}
	}
}

// GetUploadChunk returns the next block to send, or nil if the peer is
// choked or has nothing queued.  An error means that the connection must
// be closed.
func (u *Uploader) GetUploadChunk() (*Chunk, error) {
	if u.choked || len(u.queue) == 0 {
		return nil, nil
	}
	r := u.queue[0]
	u.queue = u.queue[1:]

	var data []byte
	if u.buffered(r.Index) {
		if u.pieceBuf == nil || u.pieceIndex != r.Index {
			u.release()
			buf, err := u.readPiece(r.Index)
			if err != nil {
				return nil, errors.Wrap(ErrRead, err.Error())
			}
			u.pieceIndex = r.Index
			u.pieceBuf = buf
		}
		end := uint64(r.Begin) + uint64(r.Length)
		if end > uint64(len(u.pieceBuf)) {
			return nil, errors.Wrapf(ErrRead,
				"%v+%v beyond piece %v", r.Begin, r.Length, r.Index)
		}
		data = u.pieceBuf[r.Begin:end]
	} else {
		u.release()
		var err error
		data, err = u.storage.Read(r.Index, r.Begin, r.Length)
		if err != nil {
			return nil, errors.Wrap(ErrRead, err.Error())
		}
		if len(data) != int(r.Length) {
			return nil, errors.Wrapf(ErrRead, "short read")
		}
	}
	u.measure.Update(len(data))
	u.total.Update(len(data))
	return &Chunk{r.Index, r.Begin, data}, nil
}

func (u *Uploader) buffered(index uint32) bool {
	if !u.opts.BufferReads {
		return false
	}
	if u.pieceBuf != nil && u.pieceIndex == index {
		return true
	}
	return u.opts.MemoryHighMark <= 0 ||
		alloc.Bytes() < u.opts.MemoryHighMark
}

func (u *Uploader) readPiece(index uint32) ([]byte, error) {
	if ps, ok := u.storage.(PieceStorage); ok {
		return ps.ReadPiece(index)
	}
	l := u.storage.PieceLength(index)
	return u.storage.Read(index, 0, uint32(l))
}

// release drops the buffered piece.  Chunks handed out earlier must have
// been framed already.
func (u *Uploader) release() {
	if u.pieceBuf == nil {
		return
	}
	if ps, ok := u.storage.(PieceStorage); ok {
		ps.Free(u.pieceBuf)
	}
	u.pieceBuf = nil
}

// Choke chokes the peer.  The queue is only cleared once the CHOKE has
// actually been sent, see ChokeSent.
func (u *Uploader) Choke() {
	if !u.choked {
		u.choked = true
		u.conn.SendChoke()
	}
	u.release()
}

// ChokeSent is called once the CHOKE has left.  Requests sent by the peer
// before it saw the CHOKE are dropped from now on.
func (u *Uploader) ChokeSent() {
	u.queue = nil
	u.cleared = true
}

// Unchoke unchokes the peer.
func (u *Uploader) Unchoke() {
	if !u.choked {
		return
	}
	u.choked = false
	u.cleared = false
	u.conn.SendUnchoke()
	if len(u.queue) > 0 {
		u.limiter.Queue(u.slot)
	}
}

// Disconnected releases the resources held by the uploader.
func (u *Uploader) Disconnected() {
	u.queue = nil
	u.release()
}
