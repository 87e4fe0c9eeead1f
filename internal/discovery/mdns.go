package discovery

import (
	"context"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"lanshare/internal/store"
)

const (
	mdnsService = "_lanshare._tcp"
	mdnsDomain  = "local."
)

// runMDNS registers this host over mDNS, unless listen-only, and browses
// for others. The resolver reports each instance once per browse, so
// browsing restarts in windows shorter than the TTL to keep entries fresh.
func (s *Service) runMDNS(ctx context.Context) error {
	if !s.cfg.ListenOnly {
		text := []string{"id=" + s.id, "v=1"}
		server, err := zeroconf.Register(s.cfg.MachineName, mdnsService, mdnsDomain, s.cfg.ReceivePort, text, nil)
		if err != nil {
			s.log.Warn("mDNS register failed, continuing with beacons only", zap.Error(err))
			return nil
		}
		defer server.Shutdown()
	}

	window := s.cfg.TTL / 2
	if window < s.cfg.Interval {
		window = s.cfg.Interval
	}
	for ctx.Err() == nil {
		if err := s.browseOnce(ctx, window); err != nil {
			s.log.Warn("mDNS browse", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(window):
			}
		}
	}
	return nil
}

func (s *Service) browseOnce(ctx context.Context, window time.Duration) error {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return err
	}
	bctx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func(results <-chan *zeroconf.ServiceEntry) {
		defer close(done)
		for entry := range results {
			if p, ok := peerFromEntry(entry); ok {
				s.record(p)
			}
		}
	}(entries)

	if err := resolver.Browse(bctx, mdnsService, mdnsDomain, entries); err != nil {
		return err
	}
	<-bctx.Done()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) (store.Peer, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port <= 0 {
		return store.Peer{}, false
	}
	p := store.Peer{
		Name:   entry.Instance,
		IP:     entry.AddrIPv4[0].String(),
		Port:   entry.Port,
		Source: store.SourceMDNS,
	}
	for _, kv := range entry.Text {
		if id, ok := strings.CutPrefix(kv, "id="); ok {
			p.ID = id
		}
	}
	if p.ID == "" {
		p.ID = "mdns:" + p.Name
	}
	return p, true
}
