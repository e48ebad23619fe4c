// Package sources implements the per-format ingest state machines: each
// source owns one input socket, splits the byte stream into publishable
// units, maintains a burst history for new consumers, and hands units to
// the server for fan-out.
package sources

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/looping"
)

const (
	// RecvBufferSize bounds a single recv.
	RecvBufferSize = 64 << 10
	// OnDemandTimeout is how long an on-demand source stays connected with
	// no consumers before hanging up.
	OnDemandTimeout = 20 * time.Second
)

// OnDemandState tracks the lazy-connect lifecycle of relay-fed sources.
type OnDemandState int

const (
	OnDemandDisabled OnDemandState = iota
	OnDemandStopped
	OnDemandConnecting
	OnDemandRunning
	OnDemandClosing // running but about to hang up
)

func (s OnDemandState) String() string {
	switch s {
	case OnDemandDisabled:
		return "disabled"
	case OnDemandStopped:
		return "stopped"
	case OnDemandConnecting:
		return "connecting"
	case OnDemandRunning:
		return "running"
	case OnDemandClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Client is the consumer surface a source needs: it only ever appends
// packets.
type Client interface {
	FD() int
	AddPacket(packet []byte)
}

// Relay reconnects an on-demand source's upstream.
type Relay interface {
	Connect() error
}

// Env is the server surface sources depend on.
type Env interface {
	Loop() *looping.Loop
	Timeouts() *looping.Timeouts
	UpdateActivity(h looping.Handler)
	RemoveInactivityTimeout(h looping.Handler)
	// PublishPacket fans packet out to every client of src.
	PublishPacket(src Source, packet []byte)
	// RemoveSource drops src from the registry (EOF, fatal parse, timeout).
	RemoveSource(src Source)
}

// Source is the common contract of every ingest state machine.
type Source interface {
	looping.Handler
	ID() string
	Path() string
	Addr() string
	ContentType() string
	// HandlePacket feeds one received chunk through the parser.
	HandlePacket(packet []byte) error
	// NewClient replays initial setup units and burst history into c.
	NewClient(c Client)
	UpdateBurstSize(burstSize int)
	Keepalive() int
	SetKeepalive(seconds int)
	OnDemandState() OnDemandState
	// OnDemandIdle is called by the server when a publish found no
	// consumers; it arms the idle disconnect timer.
	OnDemandIdle()
	// OnDemandDeactivate hangs up the idle upstream, keeping the source
	// registered for a later reconnect.
	OnDemandDeactivate()
	// OnDemandConnected is called by the relay after a successful
	// reconnect handshake; the source takes ownership of fd.
	OnDemandConnected(fd int, resp *httpmsg.Response, addr string)
	SetRelay(r Relay)
	// RelayRef returns the relay feeding this source, nil for direct
	// ingest.
	RelayRef() Relay
}

// Options carries the per-mount tuning shared by all source constructors.
type Options struct {
	Path      string
	BurstSize int // 0 = type default
	OnDemand  bool
	Keepalive int // seconds; 0 = disabled
	Relay     Relay
}

// Constructor builds a source from an ingest request or relay response.
// body is whatever stream data was already buffered behind the head.
type Constructor func(env Env, fd int, addr, contentType string, body []byte, opts Options) (Source, error)

// DefaultMapping maps ingest Content-Type values to source constructors.
// Unknown types fall back to NewBufferedRaw.
var DefaultMapping = map[string]Constructor{
	"video/x-flv":              NewFLV,
	"application/x-flv":        NewFLV,
	"audio/mpeg":               NewMP3Shoutcast,
	"audio/mp3":                NewMP3Shoutcast,
	"audio/aacp":               NewADTSShoutcast,
	"audio/aac":                NewADTSShoutcast,
	"application/octet-stream": NewBufferedRaw,
	"video/MP2T":               NewMPEGTS,
	"video/mpeg":               NewMPEGTS,
}

// New looks up contentType in DefaultMapping and builds the source for an
// ingest request.
func New(env Env, fd int, addr, contentType string, req *httpmsg.Request, opts Options) (Source, error) {
	ctor, ok := DefaultMapping[contentType]
	if !ok {
		log.Printf("sources: no handler for content type %q, using generic handler", contentType)
		ctor = NewBufferedRaw
	}
	var body []byte
	var headers httpmsg.Headers
	if req != nil {
		body = req.Body
		headers = req.Headers
	}
	src, err := ctor(env, fd, addr, contentType, body, opts)
	if err != nil {
		return nil, err
	}
	if sc, ok := src.(*ShoutcastSource); ok && headers != nil {
		sc.SetHeaders(headers)
	}
	return src, nil
}

// NewFromResponse builds a source from a relay's upstream response.
func NewFromResponse(env Env, fd int, addr string, resp *httpmsg.Response, opts Options) (Source, error) {
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	ctor, ok := DefaultMapping[contentType]
	if !ok {
		log.Printf("sources: no handler for content type %q, using generic handler", contentType)
		ctor = NewBufferedRaw
	}
	src, err := ctor(env, fd, addr, contentType, resp.Body, opts)
	if err != nil {
		return nil, err
	}
	if sc, ok := src.(*ShoutcastSource); ok {
		sc.SetHeaders(resp.Headers)
	}
	return src, nil
}

// baseSource carries the machinery shared by every source type. The self
// reference points at the concrete source so timers and the read loop hit
// overridden methods.
type baseSource struct {
	env         Env
	self        Source
	fd          int
	id          string
	addr        string
	contentType string
	path        string
	burstSize   int
	keepalive   int
	onDemand    OnDemandState
	relay       Relay
	recvBufSize int
	closed      bool
}

func (s *baseSource) init(env Env, self Source, fd int, addr, contentType string, opts Options) {
	s.env = env
	s.self = self
	s.fd = fd
	s.id = uuid.NewString()
	s.addr = addr
	s.contentType = contentType
	s.path = opts.Path
	s.burstSize = opts.BurstSize
	s.keepalive = opts.Keepalive
	s.relay = opts.Relay
	s.recvBufSize = RecvBufferSize
	if opts.OnDemand {
		s.onDemand = OnDemandRunning
	} else {
		s.onDemand = OnDemandDisabled
	}
	// Wake on the first byte; latency matters more than syscall count.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVLOWAT, 1)
}

func (s *baseSource) FD() int             { return s.fd }
func (s *baseSource) ID() string          { return s.id }
func (s *baseSource) Path() string        { return s.path }
func (s *baseSource) Addr() string        { return s.addr }
func (s *baseSource) ContentType() string { return s.contentType }
func (s *baseSource) Keepalive() int      { return s.keepalive }

func (s *baseSource) SetKeepalive(seconds int) { s.keepalive = seconds }
func (s *baseSource) SetRelay(r Relay)         { s.relay = r }
func (s *baseSource) RelayRef() Relay          { return s.relay }

func (s *baseSource) OnDemandState() OnDemandState { return s.onDemand }

func (s *baseSource) String() string {
	return fmt.Sprintf("source %s (%s, %s)", s.path, s.addr, s.contentType)
}

// HandleEvent drains the socket, feeding each chunk through the concrete
// parser. An empty read is end of stream.
func (s *baseSource) HandleEvent(events uint32) error {
	if events&(looping.EventErr|looping.EventHup) != 0 && events&looping.EventIn == 0 {
		log.Printf("sources: hangup for %s", s)
		s.self.Close()
		return nil
	}
	if events&looping.EventIn == 0 {
		return fmt.Errorf("%s: unexpected events %s", s, looping.EventMaskString(events))
	}
	buf := make([]byte, s.recvBufSize)
	for {
		n, err := unix.Read(s.fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: read: %w", s, err)
		}
		if n == 0 {
			log.Printf("sources: end of stream for %s", s)
			s.self.Close()
			return nil
		}
		s.env.UpdateActivity(s.self)
		chunk := append([]byte(nil), buf[:n]...)
		if err := s.self.HandlePacket(chunk); err != nil {
			return fmt.Errorf("%s: %w", s, err)
		}
		if n < s.recvBufSize {
			// Likely EAGAIN next time around; yield to the loop.
			return nil
		}
	}
}

// Publish hands a unit to the server for fan-out.
func (s *baseSource) Publish(packet []byte) {
	s.env.PublishPacket(s.self, packet)
}

// OnDemandIdle transitions Running -> Closing and arms the hangup timer.
func (s *baseSource) OnDemandIdle() {
	if s.onDemand != OnDemandRunning {
		return
	}
	s.onDemand = OnDemandClosing
	self := s.self
	s.env.Timeouts().Reset(self, s.env.Loop().Now().Add(OnDemandTimeout), func() {
		self.OnDemandDeactivate()
	})
}

// OnDemandDeactivate hangs up the upstream but keeps the source registered;
// concrete types clear their parser state on top of this.
func (s *baseSource) OnDemandDeactivate() {
	log.Printf("sources: deactivating on-demand source %s", s)
	s.onDemand = OnDemandStopped
	s.env.Loop().UnregisterFD(s.fd)
	s.env.RemoveInactivityTimeout(s.self)
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}

// onDemandActivate asks the relay to reconnect. Called when a client shows
// up for a Stopped source, or cancels a pending Closing hangup.
func (s *baseSource) onDemandActivate() {
	switch s.onDemand {
	case OnDemandClosing:
		s.env.Timeouts().Remove(s.self)
		s.onDemand = OnDemandRunning
	case OnDemandStopped:
		if s.relay == nil {
			log.Printf("sources: on-demand source %s has no relay to reconnect", s)
			return
		}
		log.Printf("sources: activating on-demand source %s", s)
		s.onDemand = OnDemandConnecting
		if err := s.relay.Connect(); err != nil {
			log.Printf("sources: on-demand reconnect for %s: %v", s, err)
			s.onDemand = OnDemandStopped
		}
	}
}

// OnDemandConnected takes ownership of the reconnected socket.
func (s *baseSource) OnDemandConnected(fd int, resp *httpmsg.Response, addr string) {
	s.onDemand = OnDemandRunning
	s.fd = fd
	s.addr = addr
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVLOWAT, 1)
	if err := s.env.Loop().Register(s.self, looping.EventIn); err != nil {
		log.Printf("sources: register reconnected %s: %v", s, err)
	}
}

// NewClient only runs the on-demand hooks; concrete types replay their
// burst history on top of this.
func (s *baseSource) NewClient(c Client) {
	switch s.onDemand {
	case OnDemandStopped, OnDemandClosing:
		s.onDemandActivate()
	}
}

func (s *baseSource) UpdateBurstSize(burstSize int) {}

// Close removes the source from the registry and closes the socket. Safe
// to call more than once.
func (s *baseSource) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.env.Timeouts().Remove(s.self)
	s.env.RemoveSource(s.self)
	s.relay = nil
	if s.fd >= 0 {
		_ = unix.Close(s.fd)
		s.fd = -1
	}
}
