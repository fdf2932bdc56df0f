// Package discovery finds other exoneum nodes on the local network over mDNS
// (zeroconf). A node announces the _exoneum._tcp service for its API port and
// browses for other instances; discovered peers are kept in a PeerStore and
// served by the API so operators can seed Tendermint's peer list.
package discovery

import (
	"context"
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
	"github.com/sirupsen/logrus"

	"exoneum.core/exc/internal/types"
)

// ServiceType is the mDNS service announced by exoneum nodes.
const ServiceType = "_exoneum._tcp"

const domain = "local."

// Service handles the mDNS registration and browsing.
type Service struct {
	instance string
	resolver *zeroconf.Resolver
	server   *zeroconf.Server
	peers    *PeerStore
	log      *logrus.Entry
	cancel   context.CancelFunc
}

// NewService creates an mDNS discovery service. The instance name defaults
// to the hostname.
func NewService(instance string, log *logrus.Entry) (*Service, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("create mdns resolver: %w", err)
	}
	if instance == "" {
		instance, _ = os.Hostname()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		instance: instance,
		resolver: resolver,
		peers:    NewPeerStore(),
		log:      log.WithField("component", "discovery"),
	}, nil
}

// Start announces the local API port and begins browsing for other nodes
// until ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context, port int) error {
	txt := []string{
		"svc=" + types.ServiceName,
		"ver=" + types.Version,
	}
	server, err := zeroconf.Register(s.instance, ServiceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	s.server = server
	s.log.WithFields(logrus.Fields{"instance": s.instance, "port": port}).Info("Announced node on the local network")

	ctx, s.cancel = context.WithCancel(ctx)
	entries := make(chan *zeroconf.ServiceEntry)
	go s.consume(entries)

	if err := s.resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		s.cancel()
		server.Shutdown()
		return fmt.Errorf("browse mdns: %w", err)
	}
	return nil
}

func (s *Service) consume(entries <-chan *zeroconf.ServiceEntry) {
	for entry := range entries {
		if !s.accept(entry) {
			continue
		}
		if entry.TTL == 0 {
			s.log.WithField("instance", entry.Instance).Info("Peer removed")
			s.peers.Remove(entry.Instance)
			continue
		}
		s.log.WithFields(logrus.Fields{
			"instance": entry.Instance,
			"port":     entry.Port,
			"addrs":    entry.AddrIPv4,
		}).Debug("Peer discovered")
		s.peers.AddFromServiceEntry(entry)
	}
}

// accept filters out this node and services of other applications.
func (s *Service) accept(entry *zeroconf.ServiceEntry) bool {
	if entry == nil || entry.Instance == s.instance {
		return false
	}
	return parseText(entry.Text)["svc"] == types.ServiceName
}

// Peers returns the currently known peers.
func (s *Service) Peers() []Peer {
	return s.peers.List()
}

// PeerAddresses returns host:port strings usable for seeding Tendermint.
func (s *Service) PeerAddresses() []string {
	return s.peers.Addresses()
}

// Stop withdraws the announcement and stops browsing.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server != nil {
		s.server.Shutdown()
	}
	s.log.Info("Service discovery stopped")
}
