// Package discovery advertises and finds skiff nodes on the local network
// over mDNS, so bootstrap scripts can assemble OTHER_PORTS without manual
// inventory.
package discovery

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog/log"
)

// ServiceName is the mDNS service type skiff nodes register under.
const ServiceName = "_skiff._tcp"

// Advertiser keeps one node's mDNS registration alive.
type Advertiser struct {
	server *mdns.Server
}

// Advertise registers this node. instance should be unique per node on the
// segment; raftPort and httpPort ride along in the TXT records.
func Advertise(instance string, raftPort, httpPort int) (*Advertiser, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "skiff-node"
	}
	info := []string{
		fmt.Sprintf("raft=%d", raftPort),
		fmt.Sprintf("http=%d", httpPort),
	}
	service, err := mdns.NewMDNSService(instance, ServiceName, "", "", raftPort, nil, info)
	if err != nil {
		return nil, err
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return nil, err
	}
	log.Info().Str("instance", instance).Str("host", host).Msg("Advertising over mDNS")
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration.
func (a *Advertiser) Shutdown() {
	a.server.Shutdown()
}

// Peer is one discovered node.
type Peer struct {
	Name string
	Addr string
	Port int
	Info []string
}

// Discover browses the segment for skiff nodes until the timeout elapses.
func Discover(timeout time.Duration) ([]Peer, error) {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan []Peer, 1)

	go func() {
		var peers []Peer
		for entry := range entries {
			addr := ""
			if entry.AddrV4 != nil {
				addr = entry.AddrV4.String()
			}
			peers = append(peers, Peer{
				Name: entry.Name,
				Addr: addr,
				Port: entry.Port,
				Info: entry.InfoFields,
			})
		}
		done <- peers
	}()

	params := mdns.DefaultParams(ServiceName)
	params.Entries = entries
	params.Timeout = timeout
	params.DisableIPv6 = true
	err := mdns.Query(params)
	close(entries)
	peers := <-done
	if err != nil {
		return nil, err
	}
	return peers, nil
}
