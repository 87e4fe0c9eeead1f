// Package discovery advertises this host over UDP and keeps a table of the
// peers that do the same.
//
// Beacons go to the multicast group and to the subnet broadcast address on
// every tick; either path failing is logged and ignored. An optional mDNS
// agent feeds the same table.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sync/errgroup"

	"lanshare/internal/store"
)

const (
	DefaultPort     = 5007
	DefaultGroup    = "239.255.77.77"
	DefaultInterval = time.Second
	DefaultTTL      = 4 * time.Second

	multicastTTL = 2
)

type Config struct {
	MachineName string
	// ReceivePort is the transfer port announced in beacons.
	ReceivePort int
	// Port is the UDP port beacons are sent to and received on.
	Port     int
	Group    string
	Interval time.Duration
	TTL      time.Duration
	// IPFilter, when set, admits only sources whose address starts with it.
	IPFilter      string
	BroadcastOnly bool
	MDNS          bool
	// ListenOnly tracks peers without announcing this host. Browsing
	// commands use it since nothing is receiving behind ReceivePort.
	ListenOnly bool
	// Targets replaces the group and broadcast destinations when set.
	Targets []string
}

func DefaultConfig() Config {
	return Config{
		Port:     DefaultPort,
		Group:    DefaultGroup,
		Interval: DefaultInterval,
		TTL:      DefaultTTL,
	}
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// WithClock replaces time.Now for last-seen stamps and expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTable shares an existing peer table.
func WithTable(t *store.PeerTable) Option {
	return func(s *Service) {
		s.table = t
	}
}

type Service struct {
	cfg   Config
	id    string
	log   *zap.Logger
	now   func() time.Time
	table *store.PeerTable

	mu      sync.Mutex
	conn    *net.UDPConn // bound to cfg.Port, receives beacons
	out     *net.UDPConn // ephemeral, sends beacons
	targets []*net.UDPAddr
	closed  bool
	done    chan struct{}
}

func NewService(cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.Group == "" {
		cfg.Group = def.Group
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	s := &Service{
		cfg:  cfg,
		id:   uuid.NewString(),
		log:  zap.NewNop(),
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.table == nil {
		s.table = store.NewPeerTable()
	}
	return s
}

func (s *Service) ID() string {
	return s.id
}

func (s *Service) Table() *store.PeerTable {
	return s.table
}

func (s *Service) Peers() []store.Peer {
	return s.table.List()
}

// Open binds the sockets. Run calls it when needed.
func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return net.ErrClosed
	}
	if s.conn != nil {
		return nil
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: s.cfg.Port})
	if err != nil {
		return fmt.Errorf("discovery: listen udp :%d: %w", s.cfg.Port, err)
	}
	out, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		conn.Close()
		return fmt.Errorf("discovery: open beacon socket: %w", err)
	}

	targets, err := s.resolveTargets()
	if err != nil {
		conn.Close()
		out.Close()
		return err
	}

	if !s.cfg.BroadcastOnly {
		s.joinGroup(conn)
		opc := ipv4.NewPacketConn(out)
		if err := opc.SetMulticastTTL(multicastTTL); err != nil {
			s.log.Warn("set multicast TTL", zap.Error(err))
		}
		if err := opc.SetMulticastLoopback(true); err != nil {
			s.log.Debug("enable multicast loopback", zap.Error(err))
		}
	}

	s.conn, s.out, s.targets = conn, out, targets
	s.log.Info("discovery open",
		zap.String("id", s.id),
		zap.Stringer("addr", conn.LocalAddr()),
		zap.Int("targets", len(targets)),
		zap.Bool("broadcast_only", s.cfg.BroadcastOnly))
	return nil
}

func (s *Service) resolveTargets() ([]*net.UDPAddr, error) {
	raw := s.cfg.Targets
	if len(raw) == 0 {
		port := strconv.Itoa(s.cfg.Port)
		if !s.cfg.BroadcastOnly {
			raw = append(raw, net.JoinHostPort(s.cfg.Group, port))
		}
		raw = append(raw, net.JoinHostPort(net.IPv4bcast.String(), port))
	}
	targets := make([]*net.UDPAddr, 0, len(raw))
	for _, t := range raw {
		addr, err := net.ResolveUDPAddr("udp4", t)
		if err != nil {
			return nil, fmt.Errorf("discovery: resolve target %s: %w", t, err)
		}
		targets = append(targets, addr)
	}
	return targets, nil
}

// joinGroup joins the multicast group on every interface that can carry it.
// Failures are logged; broadcast still works without the group.
func (s *Service) joinGroup(conn *net.UDPConn) {
	group := &net.UDPAddr{IP: net.ParseIP(s.cfg.Group)}
	if group.IP == nil {
		s.log.Warn("invalid multicast group", zap.String("group", s.cfg.Group))
		return
	}
	pc := ipv4.NewPacketConn(conn)
	ifaces, err := net.Interfaces()
	if err != nil {
		s.log.Warn("list interfaces", zap.Error(err))
		return
	}
	joined := 0
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := pc.JoinGroup(iface, group); err != nil {
			s.log.Debug("join group", zap.String("iface", iface.Name), zap.Error(err))
			continue
		}
		joined++
	}
	if joined == 0 {
		s.log.Warn("multicast group not joined on any interface, relying on broadcast")
	}
}

// LocalAddr is the address beacons are received on, or nil before Open.
func (s *Service) LocalAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Run advertises, listens and expires peers until ctx is done or Close is
// called.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		s.Close()
		return nil
	})
	if !s.cfg.ListenOnly {
		g.Go(func() error { return s.advertise(ctx) })
	}
	g.Go(func() error { return s.listen(ctx) })
	g.Go(func() error { return s.sweep(ctx) })
	if s.cfg.MDNS {
		g.Go(func() error { return s.runMDNS(ctx) })
	}
	return g.Wait()
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.conn == nil {
		return nil
	}
	return multierr.Append(s.conn.Close(), s.out.Close())
}

// AnnounceOnce sends one beacon to every target. A failed destination does
// not stop the others; all failures are returned together.
func (s *Service) AnnounceOnce() error {
	s.mu.Lock()
	out, targets := s.out, s.targets
	s.mu.Unlock()
	if out == nil {
		return errors.New("discovery: not open")
	}
	if s.cfg.ListenOnly {
		return errors.New("discovery: listen-only service does not announce")
	}

	payload, err := newBeacon(s.id, s.cfg.MachineName, s.cfg.ReceivePort).Marshal()
	if err != nil {
		return err
	}
	var errs error
	for _, dst := range targets {
		if _, err := out.WriteToUDP(payload, dst); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("send beacon to %s: %w", dst, err))
		}
	}
	return errs
}

func (s *Service) advertise(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if err := s.AnnounceOnce(); err != nil && ctx.Err() == nil {
			for _, e := range multierr.Errors(err) {
				s.log.Warn("beacon not sent", zap.Error(e))
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Service) listen(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	buf := make([]byte, maxBeaconSize+1)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("read beacon", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}
		s.handlePacket(buf[:n], src)
	}
}

// handlePacket applies the address filter, then decodes and records the
// beacon. It reports whether the table was touched.
func (s *Service) handlePacket(data []byte, src *net.UDPAddr) bool {
	ip := src.IP.String()
	if !s.admits(ip) {
		return false
	}
	b, err := ParseBeacon(data)
	if err != nil {
		s.log.Debug("dropping datagram", zap.String("from", ip), zap.Error(err))
		return false
	}
	return s.record(store.Peer{
		ID:     b.ID,
		Name:   b.Name,
		IP:     ip,
		Port:   b.Port,
		Source: store.SourceBeacon,
	})
}

func (s *Service) admits(ip string) bool {
	return s.cfg.IPFilter == "" || strings.HasPrefix(ip, s.cfg.IPFilter)
}

func (s *Service) record(p store.Peer) bool {
	if p.ID == s.id || !s.admits(p.IP) {
		return false
	}
	p.LastSeen = s.now()
	isNew, err := s.table.Upsert(p)
	if err != nil {
		s.log.Debug("peer rejected", zap.Error(err))
		return false
	}
	if isNew {
		s.log.Info("peer found",
			zap.String("name", p.Name),
			zap.String("addr", p.Addr()),
			zap.String("via", string(p.Source)))
	}
	return true
}

func (s *Service) sweep(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *Service) expire() []store.Peer {
	expired := s.table.Expire(s.now(), s.cfg.TTL)
	for _, p := range expired {
		s.log.Info("peer expired", zap.String("name", p.Name), zap.String("ip", p.IP))
	}
	return expired
}
