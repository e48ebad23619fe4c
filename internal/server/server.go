// Package server ties the engine together: the accept loop, the source and
// client registry, publish fan-out, relay restarts, keepalive grace, and
// the shutdown modes.
package server

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/aircast/aircast/internal/auth"
	"github.com/aircast/aircast/internal/clients"
	"github.com/aircast/aircast/internal/config"
	"github.com/aircast/aircast/internal/httpmsg"
	"github.com/aircast/aircast/internal/looping"
	"github.com/aircast/aircast/internal/relay"
	"github.com/aircast/aircast/internal/sources"
	"github.com/aircast/aircast/internal/stats"
	"github.com/aircast/aircast/internal/status"
)

const (
	// Backlog for the listening socket.
	Backlog = 1000
	// LoopTimeout bounds one reactor tick.
	LoopTimeout = 500 * time.Millisecond
	// InactivityTimeout closes any handler without I/O for this long.
	InactivityTimeout = 10 * time.Second
)

type runState int

const (
	stateRunning runState = iota
	stateGraceful
	stateStopped
)

type relayRestart struct {
	notBefore time.Time
	r         *relay.Relay
}

// Server owns the loop, the listener and the registry. Everything runs on
// one goroutine; no locks.
type Server struct {
	cfg        *config.Config
	listenAddr string

	loop      *looping.Loop
	timeouts  *looping.Timeouts
	ioTimeout *looping.IOTimeout

	lfd int

	// mounts: path -> source -> consumers by fd.
	mounts map[string]map[sources.Source]map[int]clients.Consumer
	// keepalived holds consumers orphaned by a keepalive-enabled source,
	// waiting for its relay to come back.
	keepalived map[string][]clients.Consumer

	relays          map[*relay.Relay]struct{}
	relaysToRestart []relayRestart

	authChain   []auth.Handler
	statusPaths map[string]status.Renderer
	statsSinks  []stats.Handler

	clientsLimit int
	queueSize    int

	state runState

	// acceptLogLimit keeps EMFILE storms from flooding the log.
	acceptLogLimit rate.Sometimes
}

// New builds a server for cfg listening on listenAddr (cfg.Listen wins
// when set).
func New(listenAddr string, cfg *config.Config) (*Server, error) {
	if cfg.Listen != "" {
		listenAddr = cfg.Listen
	}
	loop, err := looping.NewLoop()
	if err != nil {
		return nil, err
	}
	timeouts, err := looping.NewTimeouts(loop)
	if err != nil {
		loop.Close()
		return nil, err
	}
	s := &Server{
		cfg:            cfg,
		listenAddr:     listenAddr,
		loop:           loop,
		timeouts:       timeouts,
		ioTimeout:      looping.NewIOTimeout(timeouts, InactivityTimeout),
		lfd:            -1,
		mounts:         make(map[string]map[sources.Source]map[int]clients.Consumer),
		keepalived:     make(map[string][]clients.Consumer),
		relays:         make(map[*relay.Relay]struct{}),
		acceptLogLimit: rate.Sometimes{Interval: time.Second},
	}
	if err := s.configure(cfg); err != nil {
		timeouts.Close()
		loop.Close()
		return nil, err
	}
	return s, nil
}

// configure (re)builds the pluggable handlers and tunables from cfg.
func (s *Server) configure(cfg *config.Config) error {
	chain, err := auth.Build(cfg)
	if err != nil {
		return err
	}
	renderers, err := status.Build(s, cfg)
	if err != nil {
		return err
	}
	sinks, err := stats.Build(cfg, s.Now)
	if err != nil {
		return err
	}
	s.cfg = cfg
	s.authChain = chain
	s.statusPaths = renderers
	s.statsSinks = sinks
	s.clientsLimit = cfg.ClientsLimit
	s.queueSize = cfg.EffectiveQueueSize()
	if s.clientsLimit > 0 {
		log.Printf("server: clients limit set to %d", s.clientsLimit)
	}
	return nil
}

// Listen binds and starts accepting.
func (s *Server) Listen() error {
	fd, err := s.createListener()
	if err != nil {
		return err
	}
	s.lfd = fd
	if err := s.loop.Register(s, looping.EventIn); err != nil {
		_ = unix.Close(fd)
		s.lfd = -1
		return err
	}
	log.Printf("server: listening on %s", s.listenAddr)
	return nil
}

func (s *Server) createListener() (int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", s.listenAddr)
	if err != nil {
		return -1, fmt.Errorf("server: resolve %s: %w", s.listenAddr, err)
	}
	family := unix.AF_INET
	if tcpAddr.IP.To4() == nil && tcpAddr.IP != nil {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("server: socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	var sa unix.Sockaddr
	if family == unix.AF_INET {
		sa4 := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(sa4.Addr[:], ip4)
		}
		sa = sa4
	} else {
		sa6 := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa6.Addr[:], tcpAddr.IP.To16())
		sa = sa6
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("server: bind %s: %w", s.listenAddr, err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("server: listen %s: %w", s.listenAddr, err)
	}
	return fd, nil
}

// FD implements looping.Handler for the listener.
func (s *Server) FD() int { return s.lfd }

// HandleEvent accepts until EAGAIN. Out-of-fds resets the listener's
// backlog: the sockets stuck there would otherwise keep it readable
// forever.
func (s *Server) HandleEvent(events uint32) error {
	if events&looping.EventIn == 0 {
		return fmt.Errorf("server: unexpected listener events %s", looping.EventMaskString(events))
	}
	for {
		nfd, sa, err := unix.Accept4(s.lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.EMFILE || err == unix.ENFILE {
			s.acceptLogLimit.Do(func() {
				log.Printf("server: cannot accept, too many open files")
			})
			_ = unix.Shutdown(s.lfd, unix.SHUT_RD)
			if lerr := unix.Listen(s.lfd, Backlog); lerr != nil {
				return fmt.Errorf("server: re-listen after fd exhaustion: %w", lerr)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("server: accept: %w", err)
		}
		addr := sockaddrString(sa)
		log.Printf("server: new connection from %s", addr)
		conn := newHTTPConn(s, nfd, addr)
		if err := s.loop.Register(conn, looping.EventIn); err != nil {
			log.Printf("server: register connection from %s: %v", addr, err)
			_ = unix.Close(nfd)
			continue
		}
		s.ResetInactivityTimeout(conn)
	}
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	}
	return "unknown"
}

// Close shuts the listener down (graceful stop keeps serving existing
// handlers).
func (s *Server) Close() {
	if s.lfd >= 0 {
		s.loop.UnregisterFD(s.lfd)
		_ = unix.Close(s.lfd)
		s.lfd = -1
	}
}

// Loop, Timeouts and Now expose the reactor to sources, clients and
// relays.
func (s *Server) Loop() *looping.Loop         { return s.loop }
func (s *Server) Timeouts() *looping.Timeouts { return s.timeouts }
func (s *Server) Now() time.Time              { return s.loop.Now() }

// UpdateActivity resets the I/O inactivity timer after a successful read
// or write.
func (s *Server) UpdateActivity(h looping.Handler) {
	s.ioTimeout.Reset(h, s.loop.Now().Add(InactivityTimeout))
}

// ResetInactivityTimeout arms the inactivity timer for h.
func (s *Server) ResetInactivityTimeout(h looping.Handler) {
	s.ioTimeout.Reset(h, s.loop.Now().Add(InactivityTimeout))
}

// RemoveInactivityTimeout disarms the inactivity timer for h.
func (s *Server) RemoveInactivityTimeout(h looping.Handler) {
	s.ioTimeout.Remove(h)
}

func (s *Server) authorize(remoteAddr string, req *httpmsg.Request) auth.Result {
	return auth.Authorize(s.authChain, remoteAddr, req)
}

func (s *Server) requestIn(req *httpmsg.Request, remoteAddr string) {
	for _, sink := range s.statsSinks {
		sink.RequestIn(req, remoteAddr)
	}
}

// RequestOut reports a finished request to the stats sinks.
func (s *Server) RequestOut(req *httpmsg.Request, remoteAddr string, bytesSent int64, connectTime time.Time, statusCode int) {
	for _, sink := range s.statsSinks {
		sink.RequestOut(req, remoteAddr, bytesSent, connectTime, statusCode)
	}
}

// RegisterSource adds src to the registry, watches its socket, and
// re-attaches any consumers waiting out a keepalive grace on its path.
func (s *Server) RegisterSource(src sources.Source) {
	path := src.Path()
	if s.mounts[path] == nil {
		s.mounts[path] = make(map[sources.Source]map[int]clients.Consumer)
	}
	s.mounts[path][src] = make(map[int]clients.Consumer)
	if err := s.loop.Register(src, looping.EventIn); err != nil {
		log.Printf("server: register source %s: %v", src, err)
		delete(s.mounts[path], src)
		src.Close()
		return
	}
	s.UpdateActivity(src)

	if orphans := s.keepalived[path]; len(orphans) > 0 {
		log.Printf("server: re-attaching %d kept-alive client(s) to %s", len(orphans), path)
		s.timeouts.Remove(keepaliveKey(path))
		delete(s.keepalived, path)
		for _, c := range orphans {
			c.SetSource(src)
			s.mounts[path][src][c.FD()] = c
			src.NewClient(c)
		}
	}
}

// sourcesFor returns the sources currently feeding path.
func (s *Server) sourcesFor(path string) []sources.Source {
	srcMap := s.mounts[path]
	if len(srcMap) == 0 {
		return nil
	}
	out := make([]sources.Source, 0, len(srcMap))
	for src := range srcMap {
		out = append(out, src)
	}
	return out
}

func (s *Server) anySource(path string) sources.Source {
	for src := range s.mounts[path] {
		return src
	}
	return nil
}

func (s *Server) addClient(src sources.Source, c clients.Consumer) {
	s.mounts[src.Path()][src][c.FD()] = c
}

func (s *Server) totalClients() int {
	total := 0
	for _, srcMap := range s.mounts {
		for _, consumers := range srcMap {
			total += len(consumers)
		}
	}
	for _, orphans := range s.keepalived {
		total += len(orphans)
	}
	return total
}

func keepaliveKey(path string) string { return "keepalive:" + path }

// RemoveSource drops src. Surviving sibling sources inherit its clients;
// otherwise keepalive retains them for a grace period, or they close.
func (s *Server) RemoveSource(src sources.Source) {
	path := src.Path()
	srcMap := s.mounts[path]
	consumers := srcMap[src]
	delete(srcMap, src)
	s.loop.UnregisterFD(src.FD())
	s.RemoveInactivityTimeout(src)

	switch {
	case len(srcMap) > 0 && len(consumers) > 0:
		// Distribute the clients evenly among the remaining sources.
		siblings := make([]sources.Source, 0, len(srcMap))
		for sibling := range srcMap {
			siblings = append(siblings, sibling)
		}
		i := 0
		for _, c := range consumers {
			sibling := siblings[i%len(siblings)]
			c.SetSource(sibling)
			srcMap[sibling][c.FD()] = c
			i++
		}
	case len(srcMap) == 0 && src.Keepalive() > 0 && len(consumers) > 0:
		grace := time.Duration(src.Keepalive()) * time.Second
		log.Printf("server: keeping %d client(s) of %s for %s", len(consumers), path, grace)
		orphans := make([]clients.Consumer, 0, len(consumers))
		for _, c := range consumers {
			c.SetSource(nil)
			orphans = append(orphans, c)
		}
		s.keepalived[path] = orphans
		s.timeouts.Reset(keepaliveKey(path), s.loop.Now().Add(grace), func() {
			s.expireKeepalive(path)
		})
	default:
		for _, c := range consumers {
			c.Close()
		}
	}
	if len(srcMap) == 0 {
		delete(s.mounts, path)
	}

	// A relay-fed source queues its relay for a reconnect attempt.
	if r, ok := src.RelayRef().(*relay.Relay); ok && s.state != stateStopped {
		r.ForgetSource(src)
		r.Detach()
		s.QueueRestart(r)
	}
}

func (s *Server) expireKeepalive(path string) {
	orphans := s.keepalived[path]
	delete(s.keepalived, path)
	log.Printf("server: keepalive expired for %s, dropping %d client(s)", path, len(orphans))
	for _, c := range orphans {
		c.Close()
	}
}

// RemoveClient drops c from the registry (or the keepalive list).
func (s *Server) RemoveClient(c clients.Consumer) {
	src := c.Source()
	if src == nil {
		for path, orphans := range s.keepalived {
			for i, orphan := range orphans {
				if orphan.FD() == c.FD() {
					s.keepalived[path] = append(orphans[:i], orphans[i+1:]...)
					if len(s.keepalived[path]) == 0 {
						delete(s.keepalived, path)
						s.timeouts.Remove(keepaliveKey(path))
					}
					return
				}
			}
		}
		return
	}
	log.Printf("server: dropping client for %s, %s", src.Path(), c.Addr())
	s.loop.UnregisterFD(c.FD())
	if consumers, ok := s.mounts[src.Path()][src]; ok {
		delete(consumers, c.FD())
	}
}

// PublishPacket fans packet out to every consumer of src, nudging their
// sockets awake. An on-demand source with nobody listening starts its idle
// countdown instead.
func (s *Server) PublishPacket(src sources.Source, packet []byte) {
	consumers := s.mounts[src.Path()][src]
	if len(consumers) == 0 {
		if src.OnDemandState() == sources.OnDemandRunning {
			src.OnDemandIdle()
		}
		return
	}
	for _, c := range consumers {
		c.AddPacket(packet)
		s.loop.InjectEvent(c.FD(), looping.EventOut)
	}
}

// AddRelay builds, tracks and starts a relay.
func (s *Server) AddRelay(rawURL, path string, addrInfo *net.TCPAddr, opts relay.Options) error {
	r, err := relay.New(s, rawURL, path, addrInfo, opts)
	if err != nil {
		return err
	}
	s.relays[r] = struct{}{}
	if err := r.Connect(); err != nil {
		log.Printf("server: %v", err)
		s.QueueRestart(r)
	}
	return nil
}

// QueueRestart schedules a relay reconnect after the restart delay.
func (s *Server) QueueRestart(r *relay.Relay) {
	if s.state == stateStopped {
		return
	}
	for _, entry := range s.relaysToRestart {
		if entry.r == r {
			return
		}
	}
	s.relaysToRestart = append(s.relaysToRestart, relayRestart{
		notBefore: s.loop.Now().Add(relay.RestartDelay),
		r:         r,
	})
}

func (s *Server) drainRestartQueue() {
	now := s.loop.Now()
	remaining := s.relaysToRestart[:0]
	for _, entry := range s.relaysToRestart {
		if entry.notBefore.After(now) {
			remaining = append(remaining, entry)
			continue
		}
		if _, tracked := s.relays[entry.r]; !tracked {
			continue
		}
		log.Printf("server: restarting %s", entry.r)
		if err := entry.r.Connect(); err != nil {
			log.Printf("server: %v", err)
			remaining = append(remaining, relayRestart{
				notBefore: now.Add(relay.RestartDelay),
				r:         entry.r,
			})
		}
	}
	s.relaysToRestart = remaining
}

// Serve drives the loop until Stop. signals, when non-nil, delivers
// SIGTERM/SIGINT (stop), SIGHUP (reload via reload()), SIGUSR1 (graceful).
func (s *Server) Serve(signals <-chan os.Signal, reload func() (*config.Config, error)) error {
	for s.state != stateStopped {
		if err := s.loop.Once(LoopTimeout); err != nil {
			return err
		}
		s.drainRestartQueue()
		s.checkSignals(signals, reload)
		if s.state == stateGraceful && s.totalClients() == 0 {
			log.Printf("server: no clients left, completing graceful stop")
			break
		}
	}
	log.Printf("server: shutting down")
	return nil
}

func (s *Server) checkSignals(signals <-chan os.Signal, reload func() (*config.Config, error)) {
	if signals == nil {
		return
	}
	for {
		select {
		case sig := <-signals:
			switch sig {
			case unix.SIGTERM, unix.SIGINT:
				log.Printf("server: received %s, stopping", sig)
				s.Stop()
			case unix.SIGHUP:
				log.Printf("server: received %s, reloading configuration", sig)
				if reload == nil {
					continue
				}
				cfg, err := reload()
				if err != nil {
					log.Printf("server: reload failed: %v", err)
					continue
				}
				if err := s.Reconfigure(cfg); err != nil {
					log.Printf("server: reconfigure failed: %v", err)
				}
			case unix.SIGUSR1:
				log.Printf("server: received %s, stopping gracefully", sig)
				s.GracefulStop()
			}
		default:
			return
		}
	}
}

// Stop ends the serve loop at the next tick.
func (s *Server) Stop() {
	s.state = stateStopped
}

// GracefulStop closes the listener and lets the loop run until the last
// client is gone.
func (s *Server) GracefulStop() {
	if s.state != stateRunning {
		return
	}
	s.state = stateGraceful
	s.Close()
}

// StatusSnapshot renders the registry for the status endpoints.
func (s *Server) StatusSnapshot() status.Snapshot {
	snap := status.Snapshot{}
	for path, srcMap := range s.mounts {
		mount := status.MountInfo{Path: path}
		for src, consumers := range srcMap {
			info := status.SourceInfo{
				ID:          src.ID(),
				Addr:        src.Addr(),
				ContentType: src.ContentType(),
				OnDemand:    src.OnDemandState().String(),
			}
			if ts, ok := src.(interface{ TSStats() map[string]any }); ok {
				info.TS = ts.TSStats()
			}
			for fd, c := range consumers {
				info.Clients = append(info.Clients, status.ClientInfo{
					FD:        fd,
					Addr:      c.Addr(),
					QueueSize: c.QueueSize(),
				})
			}
			mount.Sources = append(mount.Sources, info)
		}
		snap.Mounts = append(snap.Mounts, mount)
	}
	return snap
}
