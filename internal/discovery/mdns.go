// Package discovery advertises relay servers over mDNS and lets clients find
// them without knowing the address in advance.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/enbility/zeroconf/v3"
)

// Service type and domain used for relay advertisements.
const (
	ServiceType = "_gorelay._tcp"
	Domain      = "local."
)

// ErrNotFound is returned by FindFirst when the context expires before any
// relay answered.
var ErrNotFound = errors.New("discovery: no relay server found")

// Advertiser publishes one relay instance via zeroconf.
type Advertiser struct {
	iface string

	mu     sync.Mutex
	server *zeroconf.Server
}

// NewAdvertiser creates an advertiser. An empty iface advertises on all
// interfaces.
func NewAdvertiser(iface string) *Advertiser {
	return &Advertiser{iface: iface}
}

func interfaces(name string) []net.Interface {
	if name == "" {
		return nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise registers the relay, replacing any previous registration.
func (a *Advertiser) Advertise(instance string, port int, txt map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	server, err := zeroconf.Register(
		instance,
		ServiceType,
		Domain,
		port,
		EncodeTXT(txt),
		interfaces(a.iface),
	)
	if err != nil {
		return fmt.Errorf("failed to register relay service: %w", err)
	}
	a.server = server
	return nil
}

// Stop withdraws the advertisement. Safe to call repeatedly.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

// Service is a relay found on the network.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	TXT       map[string]string
}

// Address returns the first dialable ip:port of the service.
func (s Service) Address() (string, bool) {
	if len(s.Addresses) == 0 || s.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(s.Addresses[0], strconv.Itoa(s.Port)), true
}

// EncodeTXT renders TXT key/value pairs in a stable order.
func EncodeTXT(txt map[string]string) []string {
	out := make([]string, 0, len(txt))
	for k, v := range txt {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// DecodeTXT parses "key=value" records. Records without '=' map to "".
func DecodeTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, r := range records {
		k, v, _ := strings.Cut(r, "=")
		if k == "" {
			continue
		}
		txt[k] = v
	}
	return txt
}

func entryToService(entry *zeroconf.ServiceEntry) Service {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return Service{
		Instance:  entry.Instance,
		Host:      entry.HostName,
		Port:      entry.Port,
		Addresses: addrs,
		TXT:       DecodeTXT(entry.Text),
	}
}

// Browse streams relay services until ctx is done.
func Browse(ctx context.Context, iface string) (<-chan Service, error) {
	out := make(chan Service)
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	var opts []zeroconf.ClientOption
	if ifaces := interfaces(iface); ifaces != nil {
		opts = append(opts, zeroconf.SelectIfaces(ifaces))
	}

	go collectServices(ctx, entries, removed, out)

	go func() {
		_ = zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, opts...)
	}()

	return out, nil
}

// collectServices forwards each newly seen instance to out and closes out
// when entries is closed or ctx is done. An instance reported on removed may
// be forwarded again.
func collectServices(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry, out chan<- Service) {
	defer close(out)
	seen := make(map[string]struct{})
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if _, dup := seen[entry.Instance]; dup {
				continue
			}
			seen[entry.Instance] = struct{}{}
			select {
			case out <- entryToService(entry):
			case <-ctx.Done():
				return
			}
		case entry, ok := <-removed:
			if !ok {
				removed = nil
				continue
			}
			delete(seen, entry.Instance)
		case <-ctx.Done():
			return
		}
	}
}

// FindFirst returns the first relay that advertises a usable address.
func FindFirst(ctx context.Context, iface string) (Service, error) {
	services, err := Browse(ctx, iface)
	if err != nil {
		return Service{}, err
	}
	for svc := range services {
		if _, ok := svc.Address(); ok {
			return svc, nil
		}
	}
	return Service{}, ErrNotFound
}
