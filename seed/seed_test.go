package seed

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jech/swarmcore/bitmap"
	"github.com/jech/swarmcore/connecter"
)

type fakePeer struct {
	download *Download
	closed   bool
	haves    []int
}

func (p *fakePeer) Choked() bool                 { return false }
func (p *fakePeer) Interested() bool             { return true }
func (p *fakePeer) UploadRate() float64          { return 0 }
func (p *fakePeer) DownloadRate() float64        { return 0 }
func (p *fakePeer) Snubbed() bool                { return false }
func (p *fakePeer) Choke()                       {}
func (p *fakePeer) Unchoke()                     {}
func (p *fakePeer) SendHave(index int)           { p.haves = append(p.haves, index) }
func (p *fakePeer) Close()                       { p.closed = true }
func (p *fakePeer) Download() connecter.Download { return p.download }

func newPeer(dl *Downloader) *fakePeer {
	p := &fakePeer{}
	p.download = dl.newDownload(p)
	return p
}

func TestDownload(t *testing.T) {
	dl := New(4, false, log.NewNopLogger())
	p := newPeer(dl)
	d := p.download
	assert.True(t, d.Choked())
	d.GotUnchoke()
	assert.False(t, d.Choked())
	d.GotChoke()
	assert.True(t, d.Choked())

	assert.False(t, d.GotHave(0))
	assert.False(t, d.GotHave(0))
	assert.False(t, d.PeerComplete())
	assert.False(t, d.GotPiece(0, 0, []byte{1}))
	assert.False(t, d.HasRequests())
	assert.False(t, d.Snubbed())
	assert.Zero(t, d.Rate())

	bf, err := bitmap.Parse(4, []byte{0xE0})
	require.NoError(t, err)
	assert.False(t, d.GotBitfield(bf))
	assert.Equal(t, 3, d.Have().Count())
	assert.True(t, d.GotHave(3))
	assert.True(t, d.PeerComplete())
	assert.False(t, p.closed)
}

func TestDropSeeds(t *testing.T) {
	dl := New(2, true, log.NewNopLogger())
	p := newPeer(dl)
	assert.False(t, p.download.GotHave(0))
	assert.False(t, p.closed)
	assert.True(t, p.download.GotHave(1))
	assert.True(t, p.closed)

	q := newPeer(dl)
	assert.True(t, q.download.GotBitfield(bitmap.Full(2)))
	assert.True(t, q.closed)
}

func TestPickerNotSuperSeeding(t *testing.T) {
	dl := New(4, false, log.NewNopLogger())
	p := newPeer(dl)
	_, ok, useless := dl.Picker().NextHave(p, true)
	assert.False(t, ok)
	assert.False(t, useless)
}

func TestPickerLeastAdvertised(t *testing.T) {
	dl := New(3, false, log.NewNopLogger())
	pk := dl.Picker()
	pk.SetSuperSeed()
	require.True(t, pk.SuperSeed())

	p1, p2, p3 := newPeer(dl), newPeer(dl), newPeer(dl)
	p2.download.GotHave(0)

	i, ok, useless := pk.NextHave(p1, true)
	require.True(t, ok)
	assert.False(t, useless)
	assert.Equal(t, 0, i)

	i, ok, _ = pk.NextHave(p2, true)
	require.True(t, ok)
	assert.Equal(t, 1, i)

	i, ok, _ = pk.NextHave(p3, true)
	require.True(t, ok)
	assert.Equal(t, 2, i)
}

func TestPickerWaitsForPropagation(t *testing.T) {
	dl := New(3, false, log.NewNopLogger())
	pk := dl.Picker()
	pk.SetSuperSeed()
	p1, p2 := newPeer(dl), newPeer(dl)

	i, ok, _ := pk.NextHave(p1, false)
	require.True(t, ok)
	require.Equal(t, 0, i)

	// nothing new until the piece shows up elsewhere
	_, ok, _ = pk.NextHave(p1, true)
	assert.False(t, ok)

	p1.download.GotHave(0)
	_, ok, _ = pk.NextHave(p1, false)
	assert.False(t, ok)

	p2.download.GotHave(0)
	i, ok, _ = pk.NextHave(p1, false)
	require.True(t, ok)
	assert.Equal(t, 1, i)
}

func TestPickerUseless(t *testing.T) {
	dl := New(2, false, log.NewNopLogger())
	pk := dl.Picker()
	pk.SetSuperSeed()
	p := newPeer(dl)
	p.download.GotBitfield(bitmap.Full(2))
	_, ok, useless := pk.NextHave(p, true)
	assert.False(t, ok)
	assert.True(t, useless)
}

func TestPickerLostPeer(t *testing.T) {
	dl := New(3, false, log.NewNopLogger())
	pk := dl.Picker()
	pk.SetSuperSeed()
	p := newPeer(dl)
	_, ok, _ := pk.NextHave(p, true)
	require.True(t, ok)
	_, ok, _ = pk.NextHave(p, true)
	require.False(t, ok)

	pk.LostPeer(p)
	i, ok, _ := pk.NextHave(p, true)
	require.True(t, ok)
	assert.Equal(t, 1, i)
}
