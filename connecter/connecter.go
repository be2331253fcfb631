// Package connecter implements the per-connection BitTorrent message
// state machine: dispatch of incoming messages, outgoing message
// helpers, and negotiation of the extension protocol.
package connecter

import (
	"encoding/binary"
	"slices"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/jech/swarmcore/bitmap"
	"github.com/jech/swarmcore/choker"
	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
	"github.com/jech/swarmcore/pex"
	"github.com/jech/swarmcore/protocol"
	"github.com/jech/swarmcore/rate"
	"github.com/jech/swarmcore/ratelimit"
	"github.com/jech/swarmcore/upload"
)

// Storage is the read side of the data being shared.
type Storage interface {
	upload.Storage
	NumPieces() int
	// Bitfield returns the pieces we have.
	Bitfield() *bitmap.Bitfield
}

// PeerSink receives the peers learnt over PEX.
type PeerSink interface {
	AddPeers(from *Connection, peers []pex.Peer)
}

// Params are the collaborators of a connecter.
type Params struct {
	Config     *config.Config
	Clock      clock.Clock
	Storage    Storage
	Downloader Downloader
	Choker     *choker.Choker
	Limiter    *ratelimit.Limiter
	// Total accumulates the bytes uploaded to all peers.
	Total   *rate.Measure
	Sink    PeerSink
	Version string
	Logger  log.Logger
	Metrics *Metrics
}

// Connecter holds the connections of a swarm.  It is not thread-safe.
type Connecter struct {
	cfg        *config.Config
	clock      clock.Clock
	storage    Storage
	downloader Downloader
	choker     *choker.Choker
	limiter    *ratelimit.Limiter
	total      *rate.Measure
	sink       PeerSink
	version    string
	logger     log.Logger
	metrics    *Metrics

	conns map[Transport]*Connection
	order []*Connection
}

func New(p Params) *Connecter {
	return &Connecter{
		cfg:        p.Config,
		clock:      p.Clock,
		storage:    p.Storage,
		downloader: p.Downloader,
		choker:     p.Choker,
		limiter:    p.Limiter,
		total:      p.Total,
		sink:       p.Sink,
		version:    p.Version,
		logger:     log.With(p.Logger, "module", "connecter"),
		metrics:    p.Metrics,
		conns:      make(map[Transport]*Connection),
	}
}

// Connections returns the open connections, oldest first.
func (cn *Connecter) Connections() []*Connection {
	return slices.Clone(cn.order)
}

func (cn *Connecter) Len() int {
	return len(cn.order)
}

// Connection returns the connection that uses t, or nil.
func (cn *Connecter) Connection(t Transport) *Connection {
	return cn.conns[t]
}

// ConnectionMade is called after a successful BitTorrent handshake.  It
// sends our bitfield and extension handshake, and hands the connection to
// the choker.
func (cn *Connecter) ConnectionMade(t Transport, info PeerInfo) *Connection {
	c := &Connection{
		connecter: cn,
		transport: t,
		info:      info,
		lastWrite: cn.clock.Now(),
	}
	c.logger = log.With(cn.logger, "peer", c.String())
	c.slot = cn.limiter.NewSlot(c)
	c.upload = upload.New(c, cn.storage, cn.limiter, c.slot,
		upload.Options{
			MaxSliceLength: cn.cfg.MaxSliceLength,
			BufferReads:    cn.cfg.BufferReads,
			MemoryHighMark: cn.cfg.MemoryHighMark,
			SuperSeed:      cn.choker.SuperSeed(),
		},
		rate.NewMeasure(cn.clock,
			cn.cfg.MaxRatePeriod, cn.cfg.UploadRateFudge),
		cn.total)
	c.download = cn.downloader.MakeDownload(c)

	cn.conns[t] = c
	cn.order = append(cn.order, c)
	cn.metrics.Connections.Set(float64(len(cn.order)))
	level.Debug(c.logger).Log("msg", "connection made",
		"outgoing", info.Outgoing, "extended", info.Extended)

	if !cn.choker.SuperSeed() {
		bf := cn.storage.Bitfield()
		if !bf.Empty() {
			c.SendBitfield(bf)
		}
	}
	if info.Extended {
		cn.sendExtendedHandshake(c)
	}

	for _, o := range cn.order {
		if o != c && o.pexAnnounced {
			c.pexState.Add(o.pexPeer())
		}
	}
	cn.announce(c)

	cn.choker.ConnectionMade(c)
	return c
}

// ConnectionLost is called when the transport fails.
func (cn *Connecter) ConnectionLost(t Transport) {
	c := cn.conns[t]
	if c == nil {
		return
	}
	c.Close()
}

// ConnectionFlushed is called when the transport has written everything
// it was given.
func (cn *Connecter) ConnectionFlushed(t Transport) {
	c := cn.conns[t]
	if c == nil || c.closed || c.slot.Queued() {
		return
	}
	if c.partial != nil || c.upload.HasQueries() {
		cn.limiter.Queue(c.slot)
	}
}

func (cn *Connecter) lost(c *Connection) {
	if cn.conns[c.transport] != c {
		return
	}
	delete(cn.conns, c.transport)
	i := slices.Index(cn.order, c)
	cn.order = slices.Delete(cn.order, i, i+1)
	cn.metrics.Connections.Set(float64(len(cn.order)))

	cn.limiter.Remove(c.slot)
	cn.choker.ConnectionLost(c)
	c.upload.Disconnected()
	c.download.Disconnected()
	c.partial = nil
	c.outqueue = nil

	if c.pexAnnounced {
		p := c.pexPeer()
		for _, o := range cn.order {
			o.pexState.Del(p)
		}
	}
	level.Debug(c.logger).Log("msg", "connection lost")
}

func (cn *Connecter) logError(c *Connection, op string, err error) {
	level.Error(c.logger).Log("msg", "connection failed",
		"op", op, "err", err)
}

func (cn *Connecter) violation(c *Connection, reason string, keyvals ...interface{}) {
	cn.metrics.Violations.With("reason", reason).Add(1)
	level.Debug(c.logger).Log(append([]interface{}{
		"msg", "protocol violation", "reason", reason,
	}, keyvals...)...)
	c.Close()
}

// announce makes c known to PEX once its listen port is known.
func (cn *Connecter) announce(c *Connection) {
	if c.pexAnnounced || c.ListenPort() == 0 {
		return
	}
	c.pexAnnounced = true
	p := c.pexPeer()
	for _, o := range cn.order {
		if o != c {
			o.pexState.Add(p)
		}
	}
}

// GotMessage dispatches a message received on t.  The length prefix has
// already been stripped.
func (cn *Connecter) GotMessage(t Transport, m []byte) {
	c := cn.conns[t]
	if c == nil || c.closed {
		return
	}
	cn.gotMessage(c, m)
}

func (cn *Connecter) gotMessage(c *Connection, m []byte) {
	if len(m) == 0 {
		return
	}
	tag := m[0]
	if tag == protocol.Bitfield && c.gotAnything {
		cn.violation(c, "late bitfield")
		return
	}
	c.gotAnything = true

	numPieces := uint32(cn.storage.NumPieces())
	index := func() (uint32, bool) {
		i := binary.BigEndian.Uint32(m[1:])
		if i >= numPieces {
			cn.violation(c, "bad index", "index", i)
			return 0, false
		}
		return i, true
	}

	switch tag {
	case protocol.Choke, protocol.Unchoke,
		protocol.Interested, protocol.NotInterested:
		if len(m) != 1 {
			cn.violation(c, "bad length",
				"type", protocol.TagName(tag), "length", len(m))
			return
		}
		switch tag {
		case protocol.Choke:
			c.download.GotChoke()
		case protocol.Unchoke:
			c.download.GotUnchoke()
		case protocol.Interested:
			if !c.download.PeerComplete() && c.upload.GotInterested() {
				cn.choker.Interested(c)
			}
		case protocol.NotInterested:
			if c.upload.GotNotInterested() {
				cn.choker.NotInterested(c)
			}
		}
	case protocol.Have:
		if len(m) != 5 {
			cn.violation(c, "bad length", "type", "have", "length", len(m))
			return
		}
		i, ok := index()
		if !ok {
			return
		}
		if c.download.GotHave(int(i)) {
			cn.peerComplete(c)
		}
	case protocol.Bitfield:
		bf, err := bitmap.Parse(int(numPieces), m[1:])
		if err != nil {
			cn.violation(c, "bad bitfield", "err", err)
			return
		}
		if c.download.GotBitfield(bf) {
			cn.peerComplete(c)
		}
	case protocol.Request, protocol.Cancel:
		if len(m) != 13 {
			cn.violation(c, "bad length",
				"type", protocol.TagName(tag), "length", len(m))
			return
		}
		i, ok := index()
		if !ok {
			return
		}
		begin := binary.BigEndian.Uint32(m[5:])
		length := binary.BigEndian.Uint32(m[9:])
		if tag == protocol.Cancel {
			c.upload.GotCancel(i, begin, length)
			return
		}
		err := c.gotRequest(i, begin, length)
		if err != nil {
			cn.violation(c, requestReason(err),
				"index", i, "begin", begin, "length", length)
		}
	case protocol.Piece:
		if len(m) <= 9 {
			cn.violation(c, "bad length", "type", "piece", "length", len(m))
			return
		}
		i, ok := index()
		if !ok {
			return
		}
		begin := binary.BigEndian.Uint32(m[5:])
		if c.download.GotPiece(int(i), int(begin), m[9:]) {
			for _, o := range slices.Clone(cn.order) {
				o.SendHave(int(i))
			}
		}
	case protocol.Extended:
		if len(m) < 4 {
			cn.violation(c, "bad length", "type", "extended", "length", len(m))
			return
		}
		cn.gotExtended(c, m[1], m[2:])
	default:
		cn.violation(c, "unknown message", "type", tag)
	}
}

func requestReason(err error) string {
	switch errors.Cause(err) {
	case upload.ErrNotInterested:
		return "request while not interested"
	case upload.ErrSliceTooLong:
		return "request too long"
	case upload.ErrNotAdvertised:
		return "request not advertised"
	default:
		return "bad request"
	}
}

// peerComplete is called when a peer has announced every piece.  A
// complete peer cannot be interested in us.
func (cn *Connecter) peerComplete(c *Connection) {
	if c.closed {
		return
	}
	if c.upload.GotNotInterested() {
		cn.choker.NotInterested(c)
	}
}

func (cn *Connecter) gotExtended(c *Connection, id byte, payload []byte) {
	if id == protocol.ExtHandshakeId {
		cn.gotExtendedHandshake(c, payload)
		return
	}
	name, ok := c.extNames[id]
	if !ok {
		cn.violation(c, "unknown extension", "id", id)
		return
	}
	switch name {
	case protocol.ExtPex:
		cn.gotPex(c, payload)
	case protocol.ExtG2G:
		cn.gotG2G(c, payload)
	}
}

func (cn *Connecter) sendExtendedHandshake(c *Connection) {
	m := make(map[string]int)
	if cn.cfg.PexMaxAddrs > 0 {
		m[protocol.ExtPex] = int(protocol.ExtPexId)
	}
	if cn.cfg.G2G {
		m[protocol.ExtG2G] = int(protocol.ExtG2GId)
	}
	h := &protocol.ExtendedHandshake{
		Messages: m,
		Port:     cn.cfg.ListenPort,
		Version:  cn.version,
	}
	data, err := h.Encode()
	if err != nil {
		cn.logError(c, "encode", err)
		return
	}
	c.sendMessage(protocol.ExtendedMessage(protocol.ExtHandshakeId, data))
}

func (cn *Connecter) gotExtendedHandshake(c *Connection, payload []byte) {
	h, err := protocol.ParseExtendedHandshake(payload)
	if err != nil {
		cn.violation(c, "bad extension handshake", "err", err)
		return
	}
	if c.extensions == nil {
		c.extensions = make(map[string]byte)
	}
	for name, id := range h.Messages {
		if id == 0 {
			delete(c.extensions, name)
		} else {
			c.extensions[name] = byte(id)
		}
	}
	c.extNames = make(map[byte]string, len(c.extensions))
	for name, id := range c.extensions {
		c.extNames[id] = name
	}
	if h.Port > 0 {
		c.listenPort = h.Port
	}
	c.encrypt = h.Encrypt
	if h.Version != "" {
		c.version = h.Version
	}
	c.useG2G = cn.cfg.G2G && c.extensions[protocol.ExtG2G] != 0
	cn.announce(c)
}

func (cn *Connecter) gotPex(c *Connection, payload []byte) {
	if cn.cfg.PexMaxAddrs <= 0 {
		return
	}
	added, _, err := protocol.ParsePex(payload)
	if err != nil {
		cn.violation(c, "bad pex", "err", err)
		return
	}
	added = pex.Sample(added, cn.cfg.PexMaxAddrs)
	if len(added) == 0 || cn.sink == nil {
		return
	}
	cn.metrics.PexPeers.Add(float64(len(added)))
	cn.sink.AddPeers(c, added)
}

func (cn *Connecter) gotG2G(c *Connection, payload []byte) {
	if !c.useG2G {
		return
	}
	_, _, length, err := protocol.ParseG2G(payload)
	if err != nil {
		cn.violation(c, "bad g2g", "err", err)
		return
	}
	c.credit += uint64(length)
}

// announceForwarded tells every other forwarding-aware peer that chunk
// is being uploaded on from.
func (cn *Connecter) announceForwarded(from *Connection, chunk *upload.Chunk) {
	data := protocol.EncodeG2G(chunk.Index, chunk.Begin,
		uint32(len(chunk.Data)))
	for _, o := range cn.order {
		if o == from || !o.useG2G || o.closed {
			continue
		}
		if o.sendExtended(protocol.ExtG2G, data) {
			cn.metrics.G2GAnnouncements.Add(1)
		}
	}
}

// SendPex sends every PEX-capable peer the changes to the swarm since
// the last call.
func (cn *Connecter) SendPex() {
	for _, c := range slices.Clone(cn.order) {
		if c.closed || !c.CanPex() {
			continue
		}
		added, dropped := c.pexState.Next()
		if len(added) == 0 && len(dropped) == 0 {
			continue
		}
		data, err := protocol.EncodePex(added, dropped)
		if err != nil {
			cn.logError(c, "encode", err)
			continue
		}
		c.sendExtended(protocol.ExtPex, data)
	}
}

// SendKeepalives sends a keepalive on every connection that has been
// silent for KeepaliveInterval.
func (cn *Connecter) SendKeepalives() {
	now := cn.clock.Now()
	for _, c := range slices.Clone(cn.order) {
		if now.Sub(c.lastWrite) >= cn.cfg.KeepaliveInterval {
			c.SendKeepalive()
		}
	}
}

// CloseAll closes every connection.
func (cn *Connecter) CloseAll() {
	for _, c := range slices.Clone(cn.order) {
		c.Close()
	}
}
