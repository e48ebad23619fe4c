// Package relay implements the outbound connectors that pull a remote
// stream into a local mount: a non-blocking HTTP/1.0 client that upgrades
// its socket into a source on a 2xx response, and a UDP/multicast receiver
// that waits for proof of life before registering a source.
package relay

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/aircast/aircast/internal/bufevent"
	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/looping"
	"github.com/aircast/aircast/internal/safeurl"
	"github.com/aircast/aircast/internal/sources"
)

const (
	// ResponseMaxSize bounds the upstream response head.
	ResponseMaxSize = 4096
	// RestartDelay is how long a failed relay waits before reconnecting.
	RestartDelay = time.Second
	// MinStartBuffer is how many UDP bytes must arrive before the relay
	// believes the group is alive and registers a source.
	MinStartBuffer = 64 << 10
)

// Env is the server surface relays depend on; it includes everything a
// source needs since an upgraded relay builds one in place.
type Env interface {
	sources.Env
	// RegisterSource adds src to the registry and the loop.
	RegisterSource(src sources.Source)
	// QueueRestart schedules r.Connect after RestartDelay.
	QueueRestart(r *Relay)
}

// Options mirrors the per-mount relay configuration.
type Options struct {
	BurstSize int
	OnDemand  bool
	Keepalive int
}

type relayState int

const (
	stateIdle relayState = iota
	stateConnecting
	stateSending
	stateReading
	stateUpgraded
)

// Relay drives one upstream URL for one mount path.
type Relay struct {
	env  Env
	url  string
	path string
	// AddrInfo pins the relay to one resolved address (net_resolve_all);
	// nil means resolve at connect time.
	addrInfo *net.TCPAddr
	opts     Options

	parsed *url.URL
	host   string
	port   int
	udp    bool

	fd    int
	state relayState
	addr  string

	out      *bufevent.OutputBuffer
	response []byte

	// odSource survives on-demand hangups so reconnects reuse it.
	odSource sources.Source

	initial []byte // UDP: buffered bytes before the source exists
}

// New builds a relay for url serving path. udp and multicast URLs become
// UDP receivers, everything else an HTTP puller.
func New(env Env, rawURL, path string, addrInfo *net.TCPAddr, opts Options) (*Relay, error) {
	if !safeurl.IsRelayScheme(rawURL) {
		return nil, fmt.Errorf("relay: unsupported source url %s", safeurl.Redact(rawURL))
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("relay: parse %s: %w", safeurl.Redact(rawURL), err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("relay: missing hostname in %s", safeurl.Redact(rawURL))
	}
	if parsed.Port() == "" {
		return nil, fmt.Errorf("relay: missing port in %s", safeurl.Redact(rawURL))
	}
	port, err := strconv.Atoi(parsed.Port())
	if err != nil {
		return nil, fmt.Errorf("relay: bad port in %s: %w", safeurl.Redact(rawURL), err)
	}
	return &Relay{
		env:      env,
		url:      rawURL,
		path:     path,
		addrInfo: addrInfo,
		opts:     opts,
		parsed:   parsed,
		host:     parsed.Hostname(),
		port:     port,
		udp:      parsed.Scheme == "udp" || parsed.Scheme == "multicast",
		fd:       -1,
	}, nil
}

func (r *Relay) URL() string             { return r.url }
func (r *Relay) Path() string            { return r.path }
func (r *Relay) AddrInfo() *net.TCPAddr  { return r.addrInfo }
func (r *Relay) OnDemand() bool          { return r.opts.OnDemand }
func (r *Relay) FD() int                 { return r.fd }
func (r *Relay) OnDemandSource() sources.Source { return r.odSource }

// SetBurstSize updates the mount tuning on reconfiguration.
func (r *Relay) SetBurstSize(burstSize int) { r.opts.BurstSize = burstSize }

// SetKeepalive updates the keepalive grace on reconfiguration.
func (r *Relay) SetKeepalive(seconds int) { r.opts.Keepalive = seconds }

func (r *Relay) String() string {
	return fmt.Sprintf("relay %s for %s", safeurl.Redact(r.url), r.path)
}

// Connect opens the socket and starts the handshake. Used for the first
// attempt, restarts, and on-demand reactivation.
func (r *Relay) Connect() error {
	if r.udp {
		return r.connectUDP()
	}
	return r.connectHTTP()
}

func (r *Relay) resolve() (*net.TCPAddr, error) {
	if r.addrInfo != nil {
		return r.addrInfo, nil
	}
	ips, err := net.LookupIP(r.host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", r.host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", r.host)
	}
	return &net.TCPAddr{IP: ips[0], Port: r.port}, nil
}

func sockaddrFor(addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return unix.AF_INET6, sa, nil
}

func (r *Relay) connectHTTP() error {
	addr, err := r.resolve()
	if err != nil {
		return fmt.Errorf("%s: %w", r, err)
	}
	family, sa, err := sockaddrFor(addr)
	if err != nil {
		return err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%s: socket: %w", r, err)
	}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return fmt.Errorf("%s: connect: %w", r, err)
	}
	r.fd = fd
	r.addr = addr.String()
	r.state = stateConnecting
	r.response = nil
	r.out = nil
	if err := r.env.Loop().Register(r, looping.EventOut); err != nil {
		_ = unix.Close(fd)
		r.fd = -1
		return err
	}
	r.env.UpdateActivity(r)
	return nil
}

func (r *Relay) connectUDP() error {
	ip := net.ParseIP(r.host)
	if ip == nil {
		ips, err := net.LookupIP(r.host)
		if err != nil || len(ips) == 0 {
			return fmt.Errorf("%s: resolve %s", r, r.host)
		}
		ip = ips[0]
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return fmt.Errorf("%s: udp relay requires an IPv4 group", r)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("%s: socket: %w", r, err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	sa := &unix.SockaddrInet4{Port: r.port}
	copy(sa.Addr[:], ip4)
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%s: bind: %w", r, err)
	}
	if r.parsed.Scheme == "multicast" {
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], ip4)
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("%s: join group: %w", r, err)
		}
	}
	r.fd = fd
	r.addr = fmt.Sprintf("%s:%d", r.host, r.port)
	r.state = stateReading
	r.initial = nil
	if err := r.env.Loop().Register(r, looping.EventIn); err != nil {
		_ = unix.Close(fd)
		r.fd = -1
		return err
	}
	r.env.UpdateActivity(r)
	return nil
}

func (r *Relay) HandleEvent(events uint32) error {
	if r.udp {
		return r.handleUDP(events)
	}
	switch r.state {
	case stateConnecting:
		return r.handleConnect(events)
	case stateSending:
		return r.handleSend(events)
	case stateReading:
		return r.handleResponse(events)
	}
	return fmt.Errorf("%s: event in state %d", r, r.state)
}

func (r *Relay) handleConnect(events uint32) error {
	if events&(looping.EventErr|looping.EventHup) != 0 {
		return fmt.Errorf("%s: connect failed", r)
	}
	if events&looping.EventOut == 0 {
		return fmt.Errorf("%s: unexpected events %s", r, looping.EventMaskString(events))
	}
	soErr, err := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("%s: getsockopt: %w", r, err)
	}
	if soErr != 0 {
		return fmt.Errorf("%s: connect: %w", r, syscall.Errno(soErr))
	}
	r.out = bufevent.New(r.fd, bufevent.DefaultMaxQueueSize, r.buildRequest())
	r.state = stateSending
	// The socket just became writable; push the request out now.
	return r.handleSend(events)
}

// buildRequest issues an HTTP/1.0 GET with the upstream's full selector.
// icy-metadata asks Shoutcast upstreams to interleave metadata so we can
// pass it through to our own consumers.
func (r *Relay) buildRequest() []byte {
	selector := r.parsed.Path
	if selector == "" {
		selector = "/"
	}
	if r.parsed.RawQuery != "" {
		selector += "?" + r.parsed.RawQuery
	}
	req := fmt.Sprintf("GET %s HTTP/1.0\r\nHost: %s\r\nicy-metadata: 1\r\n\r\n", selector, r.host)
	return []byte(req)
}

func (r *Relay) handleSend(events uint32) error {
	if events&looping.EventOut == 0 {
		return fmt.Errorf("%s: unexpected events %s", r, looping.EventMaskString(events))
	}
	if _, err := r.out.Flush(); err != nil {
		return fmt.Errorf("%s: send request: %w", r, err)
	}
	if r.out.Empty() {
		r.state = stateReading
		r.response = nil
		if err := r.env.Loop().Register(r, looping.EventIn); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) handleResponse(events uint32) error {
	if events&looping.EventIn == 0 {
		if events&(looping.EventErr|looping.EventHup) != 0 {
			return fmt.Errorf("%s: upstream hangup during response", r)
		}
		return fmt.Errorf("%s: unexpected events %s", r, looping.EventMaskString(events))
	}
	buf := make([]byte, ResponseMaxSize)
	for {
		n, err := unix.Read(r.fd, buf[:ResponseMaxSize-len(r.response)])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read response: %w", r, err)
		}
		if n == 0 {
			return fmt.Errorf("%s: unexpected end of stream in response", r)
		}
		r.response = append(r.response, buf[:n]...)
		resp, perr := httpmsg.ParseResponse(r.response)
		if perr == nil {
			return r.upgrade(resp)
		}
		if perr != httpmsg.ErrIncomplete {
			return fmt.Errorf("%s: invalid response: %w", r, perr)
		}
		if len(r.response) >= ResponseMaxSize {
			return fmt.Errorf("%s: oversized response (%d bytes)", r, len(r.response))
		}
	}
}

// upgrade hands the socket over to a source. From here the source owns the
// fd; re-registering it swaps the loop's handler in place.
func (r *Relay) upgrade(resp *httpmsg.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s: unexpected response %d %s", r, resp.StatusCode, resp.Reason)
	}

	fd := r.fd
	r.state = stateUpgraded
	r.fd = -1

	if r.opts.OnDemand && r.odSource != nil {
		r.odSource.OnDemandConnected(fd, resp, r.addr)
		log.Printf("relay: reconnected %s", r)
		return nil
	}

	src, err := sources.NewFromResponse(r.env, fd, r.addr, resp, sources.Options{
		Path:      r.path,
		BurstSize: r.opts.BurstSize,
		OnDemand:  r.opts.OnDemand,
		Keepalive: r.opts.Keepalive,
		Relay:     r,
	})
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("%s: build source: %w", r, err)
	}
	if r.opts.OnDemand {
		r.odSource = src
	}
	r.env.RegisterSource(src)
	log.Printf("relay: %s now feeding %s", r, r.path)
	return nil
}

func (r *Relay) handleUDP(events uint32) error {
	if events&looping.EventIn == 0 {
		return fmt.Errorf("%s: unexpected events %s", r, looping.EventMaskString(events))
	}
	buf := make([]byte, MinStartBuffer)
	for {
		n, err := unix.Read(r.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read: %w", r, err)
		}
		r.initial = append(r.initial, buf[:n]...)
		if len(r.initial) < MinStartBuffer {
			continue
		}
		// Enough traffic to call this group alive; assume MPEG-TS, the
		// only format carried over raw UDP here.
		resp := &httpmsg.Response{
			StatusCode: 200,
			Headers:    httpmsg.Headers{"content-type": "video/MP2T"},
			Body:       r.initial,
		}
		fd := r.fd
		r.state = stateUpgraded
		r.fd = -1
		r.initial = nil
		src, err := sources.NewFromResponse(r.env, fd, r.addr, resp, sources.Options{
			Path:      r.path,
			BurstSize: r.opts.BurstSize,
			Relay:     r,
		})
		if err != nil {
			_ = unix.Close(fd)
			return fmt.Errorf("%s: build source: %w", r, err)
		}
		r.env.RegisterSource(src)
		log.Printf("relay: %s now feeding %s", r, r.path)
		return nil
	}
}

// Close tears the relay down and queues it for restart. Called directly on
// handshake failure and by the loop on handler errors.
func (r *Relay) Close() {
	if r.state == stateUpgraded {
		// Socket belongs to the source now.
		return
	}
	r.env.RemoveInactivityTimeout(r)
	if r.fd >= 0 {
		r.env.Loop().UnregisterFD(r.fd)
		_ = unix.Close(r.fd)
		r.fd = -1
	}
	r.state = stateIdle
	r.env.QueueRestart(r)
	if r.odSource != nil {
		r.odSource.Close()
		r.odSource = nil
	}
}

// Drop closes the relay without queueing a restart (configuration removed
// it).
func (r *Relay) Drop() {
	if r.state == stateUpgraded {
		return
	}
	r.env.RemoveInactivityTimeout(r)
	if r.fd >= 0 {
		r.env.Loop().UnregisterFD(r.fd)
		_ = unix.Close(r.fd)
		r.fd = -1
	}
	r.state = stateIdle
}

// Detach marks the relay idle after its source closed (restart goes
// through the server's source-removal path instead).
func (r *Relay) Detach() {
	r.state = stateIdle
	r.fd = -1
}

// ForgetSource drops the on-demand source reference when that source died
// for good; the next successful handshake builds a fresh one.
func (r *Relay) ForgetSource(src sources.Source) {
	if r.odSource == src {
		r.odSource = nil
	}
}
