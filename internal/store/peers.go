package store

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Source records how a peer was learned.
type Source string

const (
	SourceBeacon Source = "beacon"
	SourceMDNS   Source = "mdns"
)

type Peer struct {
	ID       string
	Name     string
	IP       string
	Port     int
	Source   Source
	LastSeen time.Time
}

// Addr is the host:port the peer receives transfers on.
func (p Peer) Addr() string {
	return net.JoinHostPort(p.IP, strconv.Itoa(p.Port))
}

type Option func(*PeerTable)

// WithOnChange registers fn to run after the set of known peers changes
// (a new IP appears, or one is removed or expired). Refreshes of an
// existing peer do not fire it. fn runs without the table lock held.
func WithOnChange(fn func()) Option {
	return func(pt *PeerTable) {
		pt.onChange = fn
	}
}

// PeerTable is keyed by source IP. It is written by the discovery listener
// and sweep and read by whatever renders the peer list.
type PeerTable struct {
	peers    map[string]Peer
	mu       sync.RWMutex
	onChange func()
}

func NewPeerTable(opts ...Option) *PeerTable {
	pt := &PeerTable{
		peers: make(map[string]Peer),
	}
	for _, opt := range opts {
		opt(pt)
	}
	return pt
}

// Upsert inserts or refreshes a peer and reports whether it was new.
func (pt *PeerTable) Upsert(peer Peer) (bool, error) {
	if net.ParseIP(peer.IP) == nil {
		return false, fmt.Errorf("peer %q has invalid IP %q", peer.Name, peer.IP)
	}
	pt.mu.Lock()
	_, exists := pt.peers[peer.IP]
	pt.peers[peer.IP] = peer
	pt.mu.Unlock()

	if !exists {
		pt.changed()
	}
	return !exists, nil
}

func (pt *PeerTable) Remove(ip string) error {
	pt.mu.Lock()
	_, exists := pt.peers[ip]
	if !exists {
		pt.mu.Unlock()
		return fmt.Errorf("peer with IP %s does not exist", ip)
	}
	delete(pt.peers, ip)
	pt.mu.Unlock()

	pt.changed()
	return nil
}

func (pt *PeerTable) Get(ip string) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	peer, exists := pt.peers[ip]
	return peer, exists
}

// FindByName returns the most recently seen peer announcing name.
func (pt *PeerTable) FindByName(name string) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	var (
		found Peer
		ok    bool
	)
	for _, p := range pt.peers {
		if p.Name == name && (!ok || p.LastSeen.After(found.LastSeen)) {
			found, ok = p, true
		}
	}
	return found, ok
}

// List returns a snapshot sorted by name, then IP.
func (pt *PeerTable) List() []Peer {
	pt.mu.RLock()
	list := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		list = append(list, p)
	}
	pt.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].Name != list[j].Name {
			return list[i].Name < list[j].Name
		}
		return list[i].IP < list[j].IP
	})
	return list
}

// Expire drops every peer not seen within ttl of now and returns them.
func (pt *PeerTable) Expire(now time.Time, ttl time.Duration) []Peer {
	var expired []Peer
	pt.mu.Lock()
	for ip, p := range pt.peers {
		if now.Sub(p.LastSeen) > ttl {
			expired = append(expired, p)
			delete(pt.peers, ip)
		}
	}
	pt.mu.Unlock()

	if len(expired) > 0 {
		pt.changed()
	}
	return expired
}

func (pt *PeerTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}

func (pt *PeerTable) changed() {
	if pt.onChange != nil {
		pt.onChange()
	}
}
