// Package seed implements the download side of a peer that already has
// every piece: it tracks what remote peers have, never requests anything,
// and picks the pieces to advertise when super-seeding.
package seed

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/jech/swarmcore/bitmap"
	"github.com/jech/swarmcore/choker"
	"github.com/jech/swarmcore/connecter"
)

type closer interface {
	Close()
}

// Downloader makes the downloads of a seeding swarm.  It is not
// thread-safe.
type Downloader struct {
	numPieces int
	dropSeeds bool
	picker    *Picker
	logger    log.Logger
}

// New creates a downloader for numPieces pieces.  If dropSeeds is true,
// connections to peers that have every piece are closed.
func New(numPieces int, dropSeeds bool, logger log.Logger) *Downloader {
	dl := &Downloader{
		numPieces: numPieces,
		dropSeeds: dropSeeds,
		logger:    log.With(logger, "module", "seed"),
	}
	dl.picker = &Picker{
		numPieces:  numPieces,
		advertised: make([]int, numPieces),
		gotHaves:   make(map[int]int),
		current:    make(map[choker.Peer]int),
	}
	return dl
}

// Picker returns the super-seeding piece picker.
func (dl *Downloader) Picker() *Picker {
	return dl.picker
}

func (dl *Downloader) MakeDownload(c *connecter.Connection) connecter.Download {
	return dl.newDownload(c)
}

func (dl *Downloader) newDownload(conn closer) *Download {
	return &Download{
		dl:     dl,
		conn:   conn,
		have:   bitmap.New(dl.numPieces),
		choked: true,
	}
}

// Download is the download side of a single connection.
type Download struct {
	dl     *Downloader
	conn   closer
	have   *bitmap.Bitfield
	choked bool
	pieces int
}

// Have returns the pieces the peer announced.
func (d *Download) Have() *bitmap.Bitfield {
	return d.have
}

// Choked returns true if the peer is choking us.
func (d *Download) Choked() bool {
	return d.choked
}

func (d *Download) GotChoke() {
	d.choked = true
}

func (d *Download) GotUnchoke() {
	d.choked = false
}

func (d *Download) GotHave(index int) bool {
	if !d.have.Get(index) {
		d.have.Set(index)
		d.dl.picker.gotHave(index)
	}
	return d.complete()
}

func (d *Download) GotBitfield(bf *bitmap.Bitfield) bool {
	d.have = bf.Copy()
	return d.complete()
}

func (d *Download) complete() bool {
	if !d.have.Complete() {
		return false
	}
	if d.dl.dropSeeds {
		level.Debug(d.dl.logger).Log("msg", "dropping seed")
		d.conn.Close()
	}
	return true
}

// GotPiece ignores the data, we never ask for any.
func (d *Download) GotPiece(index, begin int, data []byte) bool {
	d.pieces++
	return false
}

func (d *Download) Disconnected() {}

func (d *Download) Rate() float64 {
	return 0
}

func (d *Download) Snubbed() bool {
	return false
}

func (d *Download) HasRequests() bool {
	return false
}

func (d *Download) PeerComplete() bool {
	return d.have.Complete()
}
