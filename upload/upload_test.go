package upload

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/swarmcore/alloc"
	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
	"github.com/jech/swarmcore/rate"
	"github.com/jech/swarmcore/ratelimit"
)

const pieceLength = 64 * 1024

type fakeConn struct {
	chokes, unchokes int
	sendPartials     int
}

func (c *fakeConn) SendChoke()   { c.chokes++ }
func (c *fakeConn) SendUnchoke() { c.unchokes++ }

func (c *fakeConn) SendPartial(n int) int {
	c.sendPartials++
	return 0
}

func (c *fakeConn) Backlogged() bool { return false }

type fakeStorage struct {
	reads int
	fail  bool
	short bool
}

func (s *fakeStorage) PieceLength(index uint32) int {
	return pieceLength
}

func (s *fakeStorage) Read(index, begin, length uint32) ([]byte, error) {
	s.reads++
	if s.fail {
		return nil, errors.New("disk on fire")
	}
	if s.short {
		length /= 2
	}
	data := make([]byte, length)
	for i := range data {
		data[i] = byte(index) + byte(begin+uint32(i))
	}
	return data, nil
}

func newUploader(t *testing.T, opts Options) (*Uploader, *fakeConn, *fakeStorage) {
	t.Helper()
	cfg := config.Default()
	fake := clock.NewFake(time.Unix(0, 0))
	total := rate.NewMeasure(fake, cfg.MaxRatePeriod, 0)
	limiter := ratelimit.New(cfg, fake, fake, total,
		log.NewNopLogger(), ratelimit.NopMetrics())
	conn := &fakeConn{}
	storage := &fakeStorage{}
	if opts.MaxSliceLength == 0 {
		opts.MaxSliceLength = cfg.MaxSliceLength
	}
	u := New(conn, storage, limiter, limiter.NewSlot(conn), opts,
		rate.NewMeasure(fake, cfg.MaxRatePeriod, 0), total)
	return u, conn, storage
}

func TestInitialState(t *testing.T) {
	u, _, _ := newUploader(t, Options{})
	assert.True(t, u.Choked())
	assert.False(t, u.Interested())
	assert.False(t, u.HasQueries())
	c, err := u.GetUploadChunk()
	assert.NoError(t, err)
	assert.Nil(t, c)
}

func TestRequestValidation(t *testing.T) {
	u, _, _ := newUploader(t, Options{MaxSliceLength: 16384})
	err := u.GotRequest(0, 0, 16384)
	assert.ErrorIs(t, err, ErrNotInterested)

	require.True(t, u.GotInterested())
	require.False(t, u.GotInterested())
	err = u.GotRequest(0, 0, 16385)
	assert.ErrorIs(t, err, ErrSliceTooLong)
	assert.NoError(t, u.GotRequest(0, 0, 16384))
}

func TestSuperSeed(t *testing.T) {
	u, _, _ := newUploader(t, Options{SuperSeed: true})
	u.GotInterested()
	assert.ErrorIs(t, u.GotRequest(3, 0, 16384), ErrNotAdvertised)
	u.Advertise(3)
	assert.NoError(t, u.GotRequest(3, 0, 16384))
}

func TestClearedUntilUnchoke(t *testing.T) {
	u, conn, _ := newUploader(t, Options{})
	u.GotInterested()
	require.NoError(t, u.GotRequest(0, 0, 16384))
	assert.False(t, u.HasQueries())

	u.Unchoke()
	assert.Equal(t, 1, conn.unchokes)
	u.Unchoke()
	assert.Equal(t, 1, conn.unchokes)

	require.NoError(t, u.GotRequest(0, 0, 16384))
	require.NoError(t, u.GotRequest(0, 0, 16384))
	require.NoError(t, u.GotRequest(0, 16384, 16384))
	assert.Equal(t, []Request{{0, 0, 16384}, {0, 16384, 16384}}, u.Queue())
	assert.Greater(t, conn.sendPartials, 0)
}

func TestChoke(t *testing.T) {
	u, conn, _ := newUploader(t, Options{})
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(1, 0, 100))

	u.Choke()
	u.Choke()
	assert.Equal(t, 1, conn.chokes)
	assert.True(t, u.Choked())

	// the choke is not on the wire yet
	require.NoError(t, u.GotRequest(1, 100, 100))
	assert.Len(t, u.Queue(), 2)
	c, err := u.GetUploadChunk()
	assert.NoError(t, err)
	assert.Nil(t, c)

	u.ChokeSent()
	assert.False(t, u.HasQueries())
	require.NoError(t, u.GotRequest(1, 200, 100))
	assert.False(t, u.HasQueries())
}

func TestUnchokeRequeues(t *testing.T) {
	u, conn, _ := newUploader(t, Options{})
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(1, 0, 100))
	u.Choke()
	n := conn.sendPartials
	u.Unchoke()
	assert.Greater(t, conn.sendPartials, n)
	assert.True(t, u.HasQueries())
}

func TestGetUploadChunk(t *testing.T) {
	u, _, storage := newUploader(t, Options{})
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(2, 10, 100))
	require.NoError(t, u.GotRequest(2, 110, 100))

	c, err := u.GetUploadChunk()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint32(2), c.Index)
	assert.Equal(t, uint32(10), c.Begin)
	assert.Len(t, c.Data, 100)
	assert.Equal(t, byte(12), c.Data[0])
	assert.Equal(t, int64(100), u.Measure().Total())

	storage.fail = true
	_, err = u.GetUploadChunk()
	assert.ErrorIs(t, err, ErrRead)
	assert.False(t, u.HasQueries())
}

func TestShortRead(t *testing.T) {
	u, _, storage := newUploader(t, Options{})
	storage.short = true
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(2, 0, 100))
	_, err := u.GetUploadChunk()
	assert.ErrorIs(t, err, ErrRead)
}

func TestBufferReads(t *testing.T) {
	u, _, storage := newUploader(t, Options{BufferReads: true})
	u.GotInterested()
	u.Unchoke()
	for i := uint32(0); i < 4; i++ {
		require.NoError(t, u.GotRequest(5, i*16384, 16384))
	}
	require.NoError(t, u.GotRequest(6, 0, 16384))
	for i := 0; i < 5; i++ {
		c, err := u.GetUploadChunk()
		require.NoError(t, err)
		require.NotNil(t, c)
		assert.Len(t, c.Data, 16384)
	}
	assert.Equal(t, 2, storage.reads)

	require.NoError(t, u.GotRequest(6, pieceLength-10, 100))
	_, err := u.GetUploadChunk()
	assert.ErrorIs(t, err, ErrRead)
}

func TestBufferReadsHighMark(t *testing.T) {
	p, err := alloc.Alloc(1000)
	require.NoError(t, err)
	defer alloc.Free(p)

	u, _, storage := newUploader(t,
		Options{BufferReads: true, MemoryHighMark: 1})
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(5, 0, 16384))
	require.NoError(t, u.GotRequest(5, 16384, 16384))
	for i := 0; i < 2; i++ {
		c, err := u.GetUploadChunk()
		require.NoError(t, err)
		assert.Len(t, c.Data, 16384)
	}
	assert.Equal(t, 2, storage.reads)
}

type pieceStorage struct {
	fakeStorage
	pieces int
	freed  int
}

func (s *pieceStorage) ReadPiece(index uint32) ([]byte, error) {
	s.pieces++
	return s.Read(index, 0, pieceLength)
}

func (s *pieceStorage) Free(buf []byte) {
	s.freed++
}

func TestBufferReadsPieceStorage(t *testing.T) {
	cfg := config.Default()
	fake := clock.NewFake(time.Unix(0, 0))
	total := rate.NewMeasure(fake, cfg.MaxRatePeriod, 0)
	limiter := ratelimit.New(cfg, fake, fake, total,
		log.NewNopLogger(), ratelimit.NopMetrics())
	conn := &fakeConn{}
	storage := &pieceStorage{}
	u := New(conn, storage, limiter, limiter.NewSlot(conn),
		Options{MaxSliceLength: cfg.MaxSliceLength, BufferReads: true},
		rate.NewMeasure(fake, cfg.MaxRatePeriod, 0), total)
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(5, 0, 16384))
	require.NoError(t, u.GotRequest(5, 16384, 16384))
	require.NoError(t, u.GotRequest(6, 0, 16384))

	c, err := u.GetUploadChunk()
	require.NoError(t, err)
	assert.Equal(t, byte(5), c.Data[0])
	_, err = u.GetUploadChunk()
	require.NoError(t, err)
	assert.Equal(t, 1, storage.pieces)
	assert.Equal(t, 0, storage.freed)

	_, err = u.GetUploadChunk()
	require.NoError(t, err)
	assert.Equal(t, 2, storage.pieces)
	assert.Equal(t, 1, storage.freed)

	u.Disconnected()
	assert.Equal(t, 2, storage.freed)
	u.Disconnected()
	assert.Equal(t, 2, storage.freed)
}

func TestNotInterested(t *testing.T) {
	u, _, _ := newUploader(t, Options{})
	assert.False(t, u.GotNotInterested())
	u.GotInterested()
	u.Unchoke()
	require.NoError(t, u.GotRequest(1, 0, 100))
	assert.True(t, u.GotNotInterested())
	assert.False(t, u.HasQueries())
	assert.ErrorIs(t, u.GotRequest(1, 0, 100), ErrNotInterested)
}

func TestRequestCancelSet(t *testing.T) {
	for iter := 0; iter < 50; iter++ {
		u, _, _ := newUploader(t, Options{})
		u.GotInterested()
		u.Unchoke()
		model := make(map[Request]bool)
		for i := 0; i < 200; i++ {
			r := Request{uint32(rand.IntN(3)),
				uint32(rand.IntN(4)) * 16384, 16384}
			if rand.IntN(2) == 0 {
				require.NoError(t, u.GotRequest(r.Index, r.Begin, r.Length))
				model[r] = true
			} else {
				u.GotCancel(r.Index, r.Begin, r.Length)
				delete(model, r)
			}
		}
		q := u.Queue()
		assert.Len(t, q, len(model))
		for _, r := range q {
			assert.True(t, model[r], "%v", r)
		}
	}
}
