// Package swarm runs the transfer core of a single swarm: one event loop
// owns the connecter, the choker and the rate limiter, and every socket
// event is delivered to it as a closure.
package swarm

import (
	"context"
	"math/rand/v2"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/net/proxy"

	"github.com/jech/swarmcore/alloc"
	"github.com/jech/swarmcore/choker"
	"github.com/jech/swarmcore/clock"
	"github.com/jech/swarmcore/config"
	"github.com/jech/swarmcore/connecter"
	"github.com/jech/swarmcore/hash"
	"github.com/jech/swarmcore/known"
	"github.com/jech/swarmcore/pex"
	"github.com/jech/swarmcore/protocol"
	"github.com/jech/swarmcore/rate"
	"github.com/jech/swarmcore/ratelimit"
	"github.com/jech/swarmcore/seed"
)

var (
	ErrClosed              = errors.New("swarm closed")
	ErrConnectionSelf      = errors.New("connection to self")
	ErrDuplicateConnection = errors.New("duplicate connection")
	ErrTooManyConnections  = errors.New("too many connections")
)

const (
	pexInterval       = time.Minute
	keepaliveInterval = 30 * time.Second
)

// Params describe a swarm.
type Params struct {
	Config   *config.Config
	InfoHash hash.Hash
	PeerId   hash.Hash
	Storage  connecter.Storage
	Version  string
	Logger   log.Logger
	Metrics  *Metrics
}

// Swarm is a single swarm.  Apart from the event loop, only the methods
// that post to the loop may be called concurrently.
type Swarm struct {
	cfg      *config.Config
	infoHash hash.Hash
	peerId   hash.Hash
	logger   log.Logger
	metrics  *Metrics
	events   chan func()
	done     chan struct{}

	clock      clock.Clock
	total      *rate.Measure
	limiter    *ratelimit.Limiter
	choker     *choker.Choker
	connecter  *connecter.Connecter
	downloader *seed.Downloader
	known      *known.Peers
	peers      map[hash.Hash]*peerConn
	dialing    int
	numPieces  int
	complete   bool
}

// New creates a swarm.  The swarm does nothing until Run is called.
func New(p Params) *Swarm {
	s := &Swarm{
		cfg:      p.Config,
		infoHash: p.InfoHash,
		peerId:   p.PeerId,
		logger:   log.With(p.Logger, "swarm", p.InfoHash.String()),
		metrics:  p.Metrics,
		events:   make(chan func()),
		done:     make(chan struct{}),
		clock:    clock.Real{},
		peers:    make(map[hash.Hash]*peerConn),
	}
	s.known = known.New(s.clock)
	s.total = rate.NewMeasure(s.clock,
		s.cfg.MaxRatePeriod, s.cfg.UploadRateFudge)
	s.limiter = ratelimit.New(s.cfg, s.clock, s,
		rate.NewMeasure(s.clock, s.cfg.MaxRatePeriod, s.cfg.UploadRateFudge),
		s.logger, s.metrics.RateLimit)

	s.numPieces = p.Storage.NumPieces()
	s.complete = p.Storage.Bitfield().Complete()
	s.downloader = seed.New(s.numPieces, s.complete, s.logger)
	s.choker = choker.New(s.cfg, s.clock, s.downloader.Picker(),
		func() bool { return s.complete }, s.logger, s.metrics.Choker)
	s.limiter.SetSlotsFunc(s.choker.SetMaxUploads)
	if s.limiter.AutoAdjust() {
		s.choker.SetMaxUploads(s.limiter.Slots())
	}
	if s.cfg.SuperSeeder {
		s.choker.SetSuperSeed()
	}

	s.connecter = connecter.New(connecter.Params{
		Config:     s.cfg,
		Clock:      s.clock,
		Storage:    p.Storage,
		Downloader: s.downloader,
		Choker:     s.choker,
		Limiter:    s.limiter,
		Total:      s.total,
		Sink:       s,
		Version:    p.Version,
		Logger:     s.logger,
		Metrics:    s.metrics.Connecter,
	})
	return s
}

// Schedule runs f on the event loop after d.
func (s *Swarm) Schedule(d time.Duration, f func()) {
	time.AfterFunc(d, func() {
		s.post(context.Background(), f)
	})
}

// post runs f on the event loop.  It returns false if the loop is gone.
func (s *Swarm) post(ctx context.Context, f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// postPeer is like post, but gives up once pc is closed.
func (s *Swarm) postPeer(pc *peerConn, f func()) bool {
	select {
	case s.events <- f:
		return true
	case <-s.done:
		return false
	case <-pc.done:
		return false
	}
}

// call runs f on the event loop and waits for it to complete.
func (s *Swarm) call(ctx context.Context, f func()) error {
	ch := make(chan struct{})
	ok := s.post(ctx, func() {
		f()
		close(ch)
	})
	if !ok {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrClosed
	}
	<-ch
	return nil
}

func jiffy() time.Duration {
	return time.Duration(rand.Int64N(int64(time.Second)))
}

// Run runs the event loop until ctx is cancelled.
func (s *Swarm) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(choker.TickInterval)
	defer ticker.Stop()
	pexTicker := time.NewTicker(pexInterval + jiffy())
	defer pexTicker.Stop()
	keepaliveTicker := time.NewTicker(keepaliveInterval + jiffy())
	defer keepaliveTicker.Stop()

	level.Info(s.logger).Log("msg", "swarm started",
		"pieces", s.numPieces, "super_seed", s.choker.SuperSeed())

	for {
		select {
		case f := <-s.events:
			f()
		case <-ticker.C:
			s.choker.Tick()
			s.maybeConnect(ctx)
			s.metrics.UploadRate.Set(s.total.Rate())
			s.metrics.KnownPeers.Set(float64(s.known.Count()))
		case <-pexTicker.C:
			s.connecter.SendPex()
			s.known.Expire()
		case <-keepaliveTicker.C:
			s.connecter.SendKeepalives()
		case <-ctx.Done():
			s.connecter.CloseAll()
			level.Info(s.logger).Log("msg", "swarm stopped")
			return ctx.Err()
		}
	}
}

// dropPeer is called when a transport is closed.
func (s *Swarm) dropPeer(pc *peerConn) {
	if s.peers[pc.id] == pc {
		delete(s.peers, pc.id)
	}
}

func (s *Swarm) readError(pc *peerConn, err error) {
	level.Debug(s.logger).Log("msg", "read failed",
		"peer", pc.conn.RemoteAddr(), "err", err)
	s.connecter.ConnectionLost(pc)
}

// AddPeers implements connecter.PeerSink.
func (s *Swarm) AddPeers(from *connecter.Connection, peers []pex.Peer) {
	for _, p := range peers {
		s.known.Find(p.IP, p.Port, hash.Hash{}, "", known.PEX)
	}
}

// AddPeer adds a peer that we should try to connect to.
func (s *Swarm) AddPeer(ctx context.Context, ip net.IP, port int) error {
	return s.call(ctx, func() {
		s.known.Find(ip, port, hash.Hash{}, "", known.Configured)
	})
}

// SetUploadRate changes the upload rate, see ratelimit.Limiter.
func (s *Swarm) SetUploadRate(ctx context.Context, r float64) error {
	return s.call(ctx, func() {
		s.limiter.SetUploadRate(r)
	})
}

// SetSuperSeed switches to super-seeding.
func (s *Swarm) SetSuperSeed(ctx context.Context) error {
	return s.call(ctx, func() {
		s.choker.SetSuperSeed()
	})
}

// addPeer registers a connection that completed its handshake.
func (s *Swarm) addPeer(conn net.Conn, result protocol.HandshakeResult,
	init []byte, ip net.IP, port int, outgoing bool) error {
	var reason error
	switch {
	case result.Id == s.peerId:
		reason = ErrConnectionSelf
	case s.peers[result.Id] != nil:
		reason = ErrDuplicateConnection
	case len(s.peers) >= s.cfg.MaxConnections:
		reason = ErrTooManyConnections
	}
	if reason != nil {
		s.metrics.Refused.With("reason", reason.Error()).Add(1)
		if reason == ErrConnectionSelf && port > 0 {
			s.known.Find(ip, port, result.Id, "", known.Bad)
		}
		return reason
	}

	pc := newPeerConn(s, conn, result.Id, ip)
	s.peers[result.Id] = pc
	if port > 0 {
		s.known.Find(ip, port, result.Id, "", known.Active)
	}
	s.connecter.ConnectionMade(pc, connecter.PeerInfo{
		Id:       result.Id,
		IP:       ip,
		Port:     port,
		Outgoing: outgoing,
		Extended: result.Extended,
	})
	if !pc.closed {
		pc.read(init, s.cfg.MaxMessageLength, 2*s.cfg.KeepaliveInterval)
	}
	return nil
}

// add hands a connection to the event loop.  The connection is closed on
// failure.
func (s *Swarm) add(ctx context.Context, conn net.Conn,
	result protocol.HandshakeResult, init []byte,
	ip net.IP, port int, outgoing bool) error {
	var err error
	e := s.call(ctx, func() {
		err = s.addPeer(conn, result, init, ip, port, outgoing)
	})
	if e != nil {
		err = e
	}
	if err != nil {
		conn.Close()
	}
	return err
}

// Serve accepts connections on l until ctx is cancelled or l is closed.
func (s *Swarm) Serve(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			level.Error(s.logger).Log("msg", "accept failed", "err", err)
			time.Sleep(time.Second + jiffy())
			continue
		}
		go func(conn net.Conn) {
			err := s.Server(ctx, conn)
			if err != nil {
				level.Debug(s.logger).Log("msg", "incoming connection",
					"peer", conn.RemoteAddr(), "err", err)
			}
		}(conn)
	}
}

// Server performs the handshake on an incoming connection.
func (s *Swarm) Server(ctx context.Context, conn net.Conn) error {
	var ip net.IP
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		ip = addr.IP
	}
	result, init, err := protocol.ServerHandshake(conn,
		s.infoHash, s.peerId, handshakeTimeout)
	if err != nil {
		s.metrics.HandshakeFailures.With("direction", "incoming").Add(1)
		conn.Close()
		return err
	}
	return s.add(ctx, conn, result, init, ip, 0, false)
}

// Dial connects to a peer, either directly or through the configured
// proxy.
func (s *Swarm) Dial(ctx context.Context, ip net.IP, port int) error {
	if port <= 0 || port > 0xFFFF {
		return errors.Errorf("bad port %v", port)
	}
	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, err := s.dial(ctx, addr)
	if err != nil {
		return err
	}
	return s.Client(ctx, conn, ip, port)
}

// Client performs the handshake on an outgoing connection.
func (s *Swarm) Client(ctx context.Context, conn net.Conn,
	ip net.IP, port int) error {
	result, init, err := protocol.ClientHandshake(conn,
		s.infoHash, s.peerId, handshakeTimeout)
	if err != nil {
		s.metrics.HandshakeFailures.With("direction", "outgoing").Add(1)
		conn.Close()
		return err
	}
	return s.add(ctx, conn, result, init, ip, port, true)
}

func (s *Swarm) dial(ctx context.Context, addr string) (net.Conn, error) {
	if s.cfg.Proxy == "" {
		var dialer net.Dialer
		return dialer.DialContext(ctx, "tcp", addr)
	}
	u, err := url.Parse(s.cfg.Proxy)
	if err != nil {
		return nil, errors.Wrap(err, "parse proxy")
	}
	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, err
	}
	d, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, errors.New("dialer is not ContextDialer")
	}
	return d.DialContext(ctx, "tcp", addr)
}

// maybeConnect dials known peers until max_connections is reached.
func (s *Swarm) maybeConnect(ctx context.Context) {
	max := s.cfg.MaxConnections - len(s.peers) - s.dialing
	if max <= 0 || s.known.Count() == 0 {
		return
	}
	for _, kp := range s.known.ConnectCandidates(max) {
		if kp.Id == s.peerId || s.peers[kp.Id] != nil {
			continue
		}
		s.known.Find(kp.Addr.IP, kp.Addr.Port, hash.Hash{}, "",
			known.ConnectAttempt)
		s.dialing++
		go func(ip net.IP, port int) {
			defer s.post(ctx, func() { s.dialing-- })
			timer := time.NewTimer(jiffy())
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			err := s.Dial(ctx, ip, port)
			if err != nil {
				level.Debug(s.logger).Log("msg", "dial failed",
					"addr", net.JoinHostPort(ip.String(),
						strconv.Itoa(port)),
					"err", err)
			}
		}(kp.Addr.IP, kp.Addr.Port)
	}
}

// PeerStatus describes a connection.
type PeerStatus struct {
	Addr       string
	Id         hash.Hash
	Version    string
	Outgoing   bool
	Choked     bool
	Interested bool
	Snubbed    bool
	Rate       float64
	Queued     int
	Have       int
}

// Status is a snapshot of a swarm.
type Status struct {
	InfoHash   hash.Hash
	NumPieces  int
	SuperSeed  bool
	UploadRate float64
	Uploaded   int64
	RateLimit  float64
	MaxUploads int
	Known      int
	Allocated  int64
	Peers      []PeerStatus
}

// Status returns a snapshot of the swarm.
func (s *Swarm) Status(ctx context.Context) (Status, error) {
	var st Status
	err := s.call(ctx, func() {
		st = s.status()
	})
	return st, err
}

func (s *Swarm) status() Status {
	st := Status{
		InfoHash:   s.infoHash,
		NumPieces:  s.numPieces,
		SuperSeed:  s.choker.SuperSeed(),
		UploadRate: s.total.Rate(),
		Uploaded:   s.total.Total(),
		RateLimit:  s.limiter.Rate(),
		MaxUploads: s.choker.MaxUploads(),
		Known:      s.known.Count(),
		Allocated:  alloc.Bytes(),
	}
	for _, c := range s.connecter.Connections() {
		info := c.Info()
		addr := info.IP.String()
		if port := c.ListenPort(); port > 0 {
			addr = net.JoinHostPort(addr, strconv.Itoa(port))
		}
		ps := PeerStatus{
			Addr:       addr,
			Id:         info.Id,
			Version:    c.Version(),
			Outgoing:   info.Outgoing,
			Choked:     c.Choked(),
			Interested: c.Interested(),
			Snubbed:    c.Snubbed(),
			Rate:       c.UploadRate(),
			Queued:     len(c.Upload().Queue()),
		}
		if d, ok := c.Download().(*seed.Download); ok {
			ps.Have = d.Have().Count()
		}
		st.Peers = append(st.Peers, ps)
	}
	return st
}
