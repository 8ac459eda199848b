// ABOUTME: mDNS service discovery for the pulse service
// ABOUTME: Handles both advertisement (service side) and browsing (client side)
package discovery

import (
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/vybe-haptics/micpulse-go/pkg/protocol"
)

// ServiceType is the mDNS service type of the pulse service
const ServiceType = "_micpulse._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Path        string // advertised websocket path (default /ws/mic)
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered service
type ServerInfo struct {
	Name string
	Host string
	Port int
	Path string
}

// URL returns the websocket endpoint of the service
func (s *ServerInfo) URL() string {
	return protocol.ServiceURL(net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), s.Path)
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Path == "" {
		config.Path = protocol.DefaultPath
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// Advertise announces the pulse service via mDNS
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{"path=" + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	log.Printf("Advertising mDNS service: %s on port %d (type: %s)", m.config.ServiceName, m.config.Port, ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for pulse services until Stop is called
func (m *Manager) Browse() error {
	go m.browseLoop()
	return nil
}

// browseLoop continuously browses for services
func (m *Manager) browseLoop() {
	for {
		select {
		case <-m.ctx.Done():
			return
		default:
		}

		entries := make(chan *mdns.ServiceEntry, 10)

		go func() {
			for entry := range entries {
				server := serverFromEntry(entry)
				if server == nil {
					continue
				}

				log.Printf("Discovered service: %s at %s", server.Name, server.URL())

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
					return
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = 3 * time.Second
		params.DisableIPv6 = true

		if err := mdns.Query(params); err != nil {
			log.Printf("mDNS query failed: %v", err)
			select {
			case <-m.ctx.Done():
			case <-time.After(time.Second):
			}
		}
		close(entries)
	}
}

// Find browses until the first service appears or ctx ends
func (m *Manager) Find(ctx context.Context) (*ServerInfo, error) {
	if err := m.Browse(); err != nil {
		return nil, err
	}
	defer m.Stop()

	select {
	case server := <-m.servers:
		return server, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("no %s service found: %w", ServiceType, ctx.Err())
	}
}

// Servers returns the channel of discovered services
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// serverFromEntry converts an mDNS answer, nil when it has no address
func serverFromEntry(entry *mdns.ServiceEntry) *ServerInfo {
	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return nil
	}

	return &ServerInfo{
		Name: entry.Name,
		Host: host,
		Port: entry.Port,
		Path: pathFromTXT(entry.InfoFields),
	}
}

// pathFromTXT reads the path= TXT record
func pathFromTXT(fields []string) string {
	for _, f := range fields {
		if v, ok := strings.CutPrefix(f, "path="); ok && v != "" {
			return v
		}
	}
	return protocol.DefaultPath
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
