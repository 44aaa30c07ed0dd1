package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fkcurrie/multipwm/internal/engine/pigpiod"
)

// Scanner finds pigpio daemons on the local networks
type Scanner struct {
	port        int
	timeout     time.Duration
	concurrency int
	logger      *slog.Logger
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithPort sets the TCP port queried on every host.
func WithPort(port int) Option {
	return func(s *Scanner) { s.port = port }
}

// WithTimeout bounds the query of a single host.
func WithTimeout(d time.Duration) Option {
	return func(s *Scanner) { s.timeout = d }
}

// WithConcurrency caps the number of hosts queried at once.
func WithConcurrency(n int) Option {
	return func(s *Scanner) { s.concurrency = n }
}

// WithLogger sets the scanner logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewScanner creates a new network scanner
func NewScanner(opts ...Option) *Scanner {
	s := &Scanner{
		port:        pigpiod.DefaultPort,
		timeout:     2 * time.Second,
		concurrency: 64,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Result is a daemon that answered a version request.
type Result struct {
	Address string `json:"address"`
	Version uint32 `json:"version"`
}

// ScanNetwork queries every host of the /24 around each IPv4 address of the
// up, non-loopback interfaces.
func (s *Scanner) ScanNetwork(ctx context.Context) ([]Result, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to get network interfaces: %w", err)
	}

	var hosts []net.IP
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addresses, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addresses {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			if ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			hosts = append(hosts, hostsIn(ipNet)...)
		}
	}
	s.logger.Debug("scanning for pigpiod", "hosts", len(hosts), "port", s.port)
	return s.ScanHosts(ctx, hosts)
}

// ScanHosts queries each host and returns the daemons found, sorted by
// address. Hosts that do not answer are skipped.
func (s *Scanner) ScanHosts(ctx context.Context, hosts []net.IP) ([]Result, error) {
	var (
		mu      sync.Mutex
		results []Result
	)
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, ip := range hosts {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(s.port))
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			res, err := s.Query(ctx, addr)
			if err != nil {
				// a host that does not answer is not a scan failure
				return ctx.Err()
			}
			s.logger.Info("found pigpiod", "address", res.Address, "version", res.Version)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		if len(results) == 0 {
			return nil, err
		}
		s.logger.Debug("scan cut short", "found", len(results), "error", err)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Address < results[j].Address })
	return results, nil
}

// Query connects to addr and asks for the pigpio version.
func (s *Scanner) Query(ctx context.Context, addr string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	client, err := pigpiod.Dial(ctx, addr, pigpiod.WithCommandTimeout(s.timeout), pigpiod.WithLogger(s.logger))
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	version, err := client.Version()
	if err != nil {
		return Result{}, fmt.Errorf("%s is not a pigpio daemon: %w", addr, err)
	}
	return Result{Address: addr, Version: version}, nil
}

// hostsIn returns the host addresses of the /24 containing ipNet's address,
// or of ipNet itself when it is smaller.
func hostsIn(ipNet *net.IPNet) []net.IP {
	ip4 := ipNet.IP.To4()
	mask := ipNet.Mask
	if ones, bits := mask.Size(); bits != 32 || ones < 24 {
		mask = net.CIDRMask(24, 32)
	}

	network := ip4.Mask(mask)
	broadcast := make(net.IP, 4)
	for i := range broadcast {
		broadcast[i] = network[i] | ^mask[i]
	}

	var hosts []net.IP
	for i := int(network[3]) + 1; i < int(broadcast[3]); i++ {
		ip := make(net.IP, 4)
		copy(ip, network)
		ip[3] = byte(i)
		hosts = append(hosts, ip)
	}
	return hosts
}
