package connecter

import (
	"net"
	"strconv"
	"time"

	"github.com/go-kit/log"

	"github.com/jech/swarmcore/bitmap"
	"github.com/jech/swarmcore/hash"
	"github.com/jech/swarmcore/pex"
	"github.com/jech/swarmcore/protocol"
	"github.com/jech/swarmcore/ratelimit"
	"github.com/jech/swarmcore/upload"
)

// Transport is the connecter's view of a socket.
type Transport interface {
	// Write queues data for sending.  It must not block.
	Write(data []byte) error
	// Backlogged returns true if the socket's outgoing buffer is full.
	Backlogged() bool
	Close() error
}

// Download is the download side of a connection, implemented outside
// the core.
type Download interface {
	GotChoke()
	GotUnchoke()
	// GotHave returns true if the peer now has every piece.
	GotHave(index int) bool
	// GotBitfield returns true if the peer has every piece.
	GotBitfield(bf *bitmap.Bitfield) bool
	// GotPiece returns true if the block completed a piece that passed
	// its hash check.
	GotPiece(index, begin int, data []byte) bool
	Disconnected()
	Rate() float64
	Snubbed() bool
	// HasRequests returns true if requests to the peer are outstanding.
	HasRequests() bool
	// PeerComplete returns true if the peer has every piece.
	PeerComplete() bool
}

// Downloader makes a Download for each connection.
type Downloader interface {
	MakeDownload(c *Connection) Download
}

// PeerInfo describes the remote end of a new connection.
type PeerInfo struct {
	Id       hash.Hash
	IP       net.IP
	Port     int
	Outgoing bool
	Extended bool
}

type chokeState int

const (
	chokeNone chokeState = iota
	chokeDeferred
)

// Connection is the protocol state of a single peer.  It is owned by the
// connecter and is not thread-safe.
type Connection struct {
	connecter *Connecter
	transport Transport
	info      PeerInfo
	logger    log.Logger

	upload   *upload.Uploader
	download Download
	slot     *ratelimit.Slot

	gotAnything bool
	extensions  map[string]byte
	extNames    map[byte]string
	listenPort  int
	version     string
	encrypt     bool
	useG2G      bool
	credit      uint64

	partial  []byte
	outqueue [][]byte
	choke    chokeState

	justUnchoked time.Time
	unchokedOnce bool
	lastWrite    time.Time
	pexState     pex.State
	pexAnnounced bool
	closed       bool
}

func (c *Connection) Info() PeerInfo {
	return c.info
}

func (c *Connection) String() string {
	return net.JoinHostPort(c.info.IP.String(), strconv.Itoa(c.info.Port))
}

func (c *Connection) Upload() *upload.Uploader {
	return c.upload
}

func (c *Connection) Download() Download {
	return c.download
}

func (c *Connection) Closed() bool {
	return c.closed
}

// Extensions returns the peer's extension table.
func (c *Connection) Extensions() map[string]byte {
	return c.extensions
}

// ListenPort returns the port the peer accepts connections on, or 0 if
// unknown.
func (c *Connection) ListenPort() int {
	if c.listenPort > 0 {
		return c.listenPort
	}
	if c.info.Outgoing {
		return c.info.Port
	}
	return 0
}

// Version returns the client version announced by the peer.
func (c *Connection) Version() string {
	return c.version
}

func (c *Connection) pexPeer() pex.Peer {
	p := pex.Peer{IP: c.info.IP, Port: c.ListenPort()}
	if c.encrypt {
		p.Flags |= pex.Encrypt
	}
	if c.info.Outgoing {
		p.Flags |= pex.Outgoing
	}
	return p
}

// UseG2G returns true if both sides negotiated forwarding announcements.
func (c *Connection) UseG2G() bool {
	return c.useG2G
}

// ForwardCredit returns the number of bytes the peer announced having
// forwarded.
func (c *Connection) ForwardCredit() uint64 {
	return c.credit
}

// CanPex returns true if the peer accepts PEX messages from us.
func (c *Connection) CanPex() bool {
	return c.connecter.cfg.PexMaxAddrs > 0 && c.extensions[protocol.ExtPex] != 0
}

func (c *Connection) Choked() bool {
	return c.upload.Choked()
}

func (c *Connection) Interested() bool {
	return c.upload.Interested()
}

func (c *Connection) UploadRate() float64 {
	return c.upload.Rate()
}

func (c *Connection) DownloadRate() float64 {
	return c.download.Rate()
}

func (c *Connection) Snubbed() bool {
	return c.download.Snubbed()
}

func (c *Connection) Choke() {
	c.upload.Choke()
}

func (c *Connection) Unchoke() {
	c.upload.Unchoke()
}

// Close closes the connection.  The connecter forgets it immediately.
func (c *Connection) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.transport.Close()
	c.connecter.lost(c)
}

func (c *Connection) sendMessage(m []byte) {
	if c.closed {
		return
	}
	if c.partial != nil {
		c.outqueue = append(c.outqueue, m)
		return
	}
	c.write(m)
}

func (c *Connection) write(m []byte) {
	c.lastWrite = c.connecter.clock.Now()
	err := c.transport.Write(m)
	if err != nil {
		c.connecter.logError(c, "write", err)
		c.Close()
	}
}

// SendChoke sends CHOKE, unless a PIECE is being written, in which case
// the CHOKE is sent as soon as the PIECE is complete.
func (c *Connection) SendChoke() {
	if c.partial != nil {
		c.choke = chokeDeferred
		return
	}
	c.sendMessage(protocol.Message0(protocol.Choke))
	c.upload.ChokeSent()
	c.justUnchoked = time.Time{}
}

// SendUnchoke sends UNCHOKE.  If a CHOKE is still deferred, it is
// cancelled instead, and nothing is sent.
func (c *Connection) SendUnchoke() {
	if c.choke == chokeDeferred {
		c.choke = chokeNone
		return
	}
	c.sendMessage(protocol.Message0(protocol.Unchoke))
	if c.partial != nil || !c.unchokedOnce ||
		!c.upload.Interested() || c.download.HasRequests() {
		c.justUnchoked = time.Time{}
	} else {
		c.justUnchoked = c.connecter.clock.Now()
	}
	c.unchokedOnce = true
}

// ChokeDeferred returns true if a CHOKE is waiting for a PIECE to be
// written.
func (c *Connection) ChokeDeferred() bool {
	return c.choke == chokeDeferred
}

// SendInterested, SendNotInterested, SendRequest and SendCancel are the
// download side of the wire protocol, for use by a Downloader.

func (c *Connection) SendInterested() {
	c.sendMessage(protocol.Message0(protocol.Interested))
}

func (c *Connection) SendNotInterested() {
	c.sendMessage(protocol.Message0(protocol.NotInterested))
}

func (c *Connection) SendRequest(index, begin, length int) {
	c.sendMessage(protocol.Message3(protocol.Request,
		uint32(index), uint32(begin), uint32(length)))
}

func (c *Connection) SendCancel(index, begin, length int) {
	c.sendMessage(protocol.Message3(protocol.Cancel,
		uint32(index), uint32(begin), uint32(length)))
}

func (c *Connection) SendBitfield(bf *bitmap.Bitfield) {
	c.sendMessage(protocol.BitfieldMessage(bf.Bytes()))
}

// SendHave sends HAVE.  When super-seeding, the piece becomes requestable.
func (c *Connection) SendHave(index int) {
	c.upload.Advertise(uint32(index))
	c.sendMessage(protocol.Message1(protocol.Have, uint32(index)))
}

func (c *Connection) SendKeepalive() {
	c.sendMessage(protocol.KeepAlive())
}

func (c *Connection) sendExtended(name string, payload []byte) bool {
	id := c.extensions[name]
	if id == 0 {
		return false
	}
	c.sendMessage(protocol.ExtendedMessage(id, payload))
	return true
}

// SendPartial writes at most n bytes of the PIECE being sent, starting a
// new one if necessary.  Once the PIECE is complete, any messages queued
// behind it are written too, and the result counts them.
func (c *Connection) SendPartial(n int) int {
	if c.closed {
		return 0
	}
	if c.partial == nil {
		chunk, err := c.upload.GetUploadChunk()
		if err != nil {
			c.connecter.logError(c, "read", err)
			c.Close()
			return 0
		}
		if chunk == nil {
			return 0
		}
		c.partial = protocol.PieceMessage(chunk.Index, chunk.Begin,
			chunk.Data)
		if c.useG2G {
			c.connecter.announceForwarded(c, chunk)
		}
	}

	if n < len(c.partial) {
		m := c.partial[:n]
		c.partial = c.partial[n:]
		c.write(m)
		if c.closed {
			return 0
		}
		c.connecter.metrics.PieceBytes.Add(float64(n))
		return n
	}

	q := c.partial
	c.partial = nil
	c.connecter.metrics.PieceBytes.Add(float64(len(q)))
	if c.choke == chokeDeferred {
		c.choke = chokeNone
		c.outqueue = append(c.outqueue, protocol.Message0(protocol.Choke))
		c.upload.ChokeSent()
		c.justUnchoked = time.Time{}
	}
	for _, m := range c.outqueue {
		q = append(q, m...)
	}
	c.outqueue = nil
	if c.closed {
		return 0
	}
	c.write(q)
	if c.closed {
		return 0
	}
	return len(q)
}

// Backlogged returns true if the transport cannot take more data.
func (c *Connection) Backlogged() bool {
	return c.transport.Backlogged()
}

func (c *Connection) gotRequest(index, begin, length uint32) error {
	err := c.upload.GotRequest(index, begin, length)
	if err != nil {
		return err
	}
	if !c.justUnchoked.IsZero() {
		c.connecter.limiter.Ping(
			c.connecter.clock.Now().Sub(c.justUnchoked))
		c.justUnchoked = time.Time{}
	}
	return nil
}
