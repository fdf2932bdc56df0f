package discovery

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

// Peer represents a discovered node.
type Peer struct {
	Instance string            `json:"instance"`
	Hostname string            `json:"hostname"`
	Port     int               `json:"port"`
	Addrs    []net.IP          `json:"addrs"`
	Txt      map[string]string `json:"txt,omitempty"`
	LastSeen time.Time         `json:"last_seen"`
}

// PeerStore is a thread-safe store of discovered peers.
type PeerStore struct {
	mtx   sync.RWMutex
	peers map[string]Peer // keyed by instance
	now   func() time.Time
}

// NewPeerStore creates an empty PeerStore.
func NewPeerStore() *PeerStore {
	return &PeerStore{peers: make(map[string]Peer), now: time.Now}
}

// AddFromServiceEntry adds or updates a peer using a zeroconf ServiceEntry.
func (ps *PeerStore) AddFromServiceEntry(e *zeroconf.ServiceEntry) {
	if e == nil {
		return
	}
	peer := Peer{
		Instance: e.Instance,
		Hostname: e.HostName,
		Port:     e.Port,
		Addrs:    append([]net.IP(nil), e.AddrIPv4...),
		Txt:      parseText(e.Text),
		LastSeen: ps.now(),
	}

	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	ps.peers[e.Instance] = peer
}

// Remove removes a peer by instance name.
func (ps *PeerStore) Remove(instance string) {
	ps.mtx.Lock()
	defer ps.mtx.Unlock()
	delete(ps.peers, instance)
}

// List returns a snapshot of known peers sorted by instance name.
func (ps *PeerStore) List() []Peer {
	ps.mtx.RLock()
	defer ps.mtx.RUnlock()
	out := make([]Peer, 0, len(ps.peers))
	for _, p := range ps.peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out
}

// Addresses returns host:port strings for peers with a known IPv4 address.
func (ps *PeerStore) Addresses() []string {
	peers := ps.List()
	out := make([]string, 0, len(peers))
	for _, p := range peers {
		if len(p.Addrs) > 0 {
			out = append(out, net.JoinHostPort(p.Addrs[0].String(), strconv.Itoa(p.Port)))
		}
	}
	return out
}

// parseText turns key=value TXT records into a map. Records without '=' are
// kept as keys with empty values.
func parseText(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k != "" {
			txt[k] = v
		}
	}
	return txt
}
